package world

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownBuilding = errors.New("unknown building type")
	ErrMaxLevel        = errors.New("building already at max level")
)

// Ref identifies an entity either by its authoritative id or, before the
// store has confirmed it, by a locally generated placeholder.
type Ref struct {
	ID      string `json:"id"`
	Pending bool   `json:"pending,omitempty"`
}

func Confirmed(id string) Ref { return Ref{ID: id} }

func Pending(localID string) Ref { return Ref{ID: localID, Pending: true} }

func (r Ref) IsPending() bool { return r.Pending }

func (r Ref) String() string {
	if r.Pending {
		return "pending:" + r.ID
	}
	return r.ID
}

// Entity is a constructed building.
type Entity struct {
	Ref
	OwnerID    string       `json:"owner_id"`
	Type       BuildingType `json:"type"`
	Level      int          `json:"level"`
	X          float64      `json:"x"`
	Z          float64      `json:"z"`
	IncomeRate float64      `json:"income_rate"`
	CreatedAt  time.Time    `json:"created_at"`
}

func (e Entity) Position() Vec2 {
	return Vec2{X: e.X, Z: e.Z}
}

func (e Entity) Valid() bool {
	return e.ID != "" && e.Position().Valid()
}

type Tier int

const (
	TierLow Tier = iota + 1
	TierMid
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMid:
		return "mid"
	case TierHigh:
		return "high"
	default:
		return "unknown"
	}
}

type BuildingType string

const (
	Stall  BuildingType = "stall"
	Store  BuildingType = "store"
	Coffee BuildingType = "coffee"
	Gas    BuildingType = "gas"
	Office BuildingType = "office"
	Tower  BuildingType = "tower"
	Rocket BuildingType = "rocket"
)

type BuildingSpec struct {
	Type       BuildingType `json:"type"`
	Name       string       `json:"name"`
	Tier       Tier         `json:"tier"`
	Cost       float64      `json:"cost"`
	BaseIncome float64      `json:"base_income"`
}

var catalog = []BuildingSpec{
	{Type: Stall, Name: "Street Stall", Tier: TierLow, Cost: 200, BaseIncome: 5},
	{Type: Store, Name: "Convenience Store", Tier: TierLow, Cost: 1000, BaseIncome: 20},
	{Type: Coffee, Name: "Coffee Shop", Tier: TierMid, Cost: 2500, BaseIncome: 55},
	{Type: Gas, Name: "Gas Station", Tier: TierMid, Cost: 6000, BaseIncome: 140},
	{Type: Office, Name: "Tech Office", Tier: TierHigh, Cost: 15000, BaseIncome: 380},
	{Type: Tower, Name: "Skyscraper", Tier: TierHigh, Cost: 50000, BaseIncome: 1400},
	{Type: Rocket, Name: "Rocket Base", Tier: TierHigh, Cost: 200000, BaseIncome: 6000},
}

func Catalog() []BuildingSpec {
	out := make([]BuildingSpec, len(catalog))
	copy(out, catalog)
	return out
}

func ParseBuildingType(s string) (BuildingType, error) {
	t := BuildingType(strings.ToLower(strings.TrimSpace(s)))
	if _, err := SpecFor(t); err != nil {
		return "", err
	}
	return t, nil
}

func SpecFor(t BuildingType) (BuildingSpec, error) {
	for _, s := range catalog {
		if s.Type == t {
			return s, nil
		}
	}
	return BuildingSpec{}, fmt.Errorf("%w: %q", ErrUnknownBuilding, t)
}

// IncomeRate is the passive income per economy tick for a building at level.
func IncomeRate(t BuildingType, level int) float64 {
	spec, err := SpecFor(t)
	if err != nil || level < 1 {
		return 0
	}
	return spec.BaseIncome * float64(level)
}

// UpgradeCost is the price of going from level to level+1.
func UpgradeCost(t BuildingType, level int) float64 {
	spec, err := SpecFor(t)
	if err != nil || level < 1 {
		return 0
	}
	return spec.Cost * float64(level)
}

// Upgrade returns e raised one level with its income recalculated. It is the
// only way an entity changes after creation.
func Upgrade(e Entity, maxLevel int) (Entity, error) {
	if e.Level >= maxLevel {
		return e, ErrMaxLevel
	}
	e.Level++
	e.IncomeRate = IncomeRate(e.Type, e.Level)
	return e, nil
}
