// Package placement decides whether a building may be constructed at a cell.
// The same rules run on the client, before an optimistic update, and again in
// the store at commit time.
package placement

import (
	"errors"
	"fmt"
	"math"

	"idletown/internal/spatial"
	"idletown/internal/world"
)

type Reason string

const (
	Accept            Reason = ""
	InsufficientFunds Reason = "insufficient_funds"
	ProtectedZone     Reason = "protected_zone"
	Occupied          Reason = "occupied"
	Corrupt           Reason = "corrupt_position"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrProtectedZone     = errors.New("cell is inside the protected zone")
	ErrOccupied          = errors.New("cell is occupied")
)

// Rejection is returned for every refused placement. errors.Is matches it
// against the sentinel for its reason.
type Rejection struct {
	Reason Reason
	Cell   world.Vec2
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("placement rejected at (%.0f,%.0f): %s", r.Cell.X, r.Cell.Z, r.Reason)
}

func (r *Rejection) Unwrap() error {
	switch r.Reason {
	case InsufficientFunds:
		return ErrInsufficientFunds
	case ProtectedZone:
		return ErrProtectedZone
	case Occupied:
		return ErrOccupied
	case Corrupt:
		return world.ErrCorruptPosition
	default:
		return nil
	}
}

type Rules struct {
	ProtectedRadius float64
	MinSpacing      float64
}

type Request struct {
	RequesterID string
	Cash        float64
	Cost        float64
	// Target is the raw position; it is snapped before any rule runs.
	Target world.Vec2
}

type Verdict struct {
	Reason Reason
	Cell   world.Vec2
}

func (v Verdict) Accepted() bool { return v.Reason == Accept }

func (v Verdict) Err() error {
	if v.Accepted() {
		return nil
	}
	return &Rejection{Reason: v.Reason, Cell: v.Cell}
}

type Validator struct {
	rules Rules
}

func New(rules Rules) *Validator {
	return &Validator{rules: rules}
}

func (v *Validator) Rules() Rules { return v.rules }

// Validate checks funds, then the protected zone, then spacing against
// existing. Entities with corrupt coordinates in existing are ignored.
func (v *Validator) Validate(req Request, existing []world.Entity) Verdict {
	if !req.Target.Valid() {
		return Verdict{Reason: Corrupt, Cell: req.Target}
	}
	cell := world.Snap(req.Target)
	if req.Cost > req.Cash {
		return Verdict{Reason: InsufficientFunds, Cell: cell}
	}
	if v.InProtectedZone(cell) {
		return Verdict{Reason: ProtectedZone, Cell: cell}
	}
	if v.occupied(cell, existing) {
		return Verdict{Reason: Occupied, Cell: cell}
	}
	return Verdict{Reason: Accept, Cell: cell}
}

// ValidateIndex runs Validate against the entities an index holds around the
// target cell.
func (v *Validator) ValidateIndex(req Request, idx *spatial.Index) Verdict {
	if !req.Target.Valid() {
		return Verdict{Reason: Corrupt, Cell: req.Target}
	}
	return v.Validate(req, idx.Query(world.Snap(req.Target), v.rules.MinSpacing))
}

// CheckSite applies the zone and spacing rules only. Stores use it inside
// their commit critical section after funds have been checked separately.
func (v *Validator) CheckSite(cell world.Vec2, near []world.Entity) error {
	if v.InProtectedZone(cell) {
		return &Rejection{Reason: ProtectedZone, Cell: cell}
	}
	if v.occupied(cell, near) {
		return &Rejection{Reason: Occupied, Cell: cell}
	}
	return nil
}

func (v *Validator) InProtectedZone(cell world.Vec2) bool {
	r := v.rules.ProtectedRadius
	return math.Abs(cell.X) < r && math.Abs(cell.Z) < r
}

func (v *Validator) occupied(cell world.Vec2, existing []world.Entity) bool {
	for _, e := range existing {
		if !e.Position().Valid() {
			continue
		}
		if world.Distance(cell, e.Position()) < v.rules.MinSpacing {
			return true
		}
	}
	return false
}
