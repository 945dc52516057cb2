// Package store defines the durable store surface shared by the in-memory
// and Postgres implementations and by the HTTP client the CLI uses.
package store

import (
	"context"
	"errors"
	"strings"

	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/world"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("write conflict, re-read and retry")
	ErrNotOwner      = errors.New("entity belongs to another player")
	ErrSelfTransfer  = errors.New("cannot transfer to yourself")
	ErrInvalidAmount = errors.New("amount must be > 0")
	ErrInvalidName   = errors.New("name must be 1-24 printable characters")
)

type PlayerState = economy.Player

// Construction is a build request as the store receives it. IdempotencyKey
// is the client's pending id; resubmitting the same key returns the entity
// created the first time.
type Construction struct {
	OwnerID        string             `json:"owner_id"`
	Type           world.BuildingType `json:"type"`
	X              float64            `json:"x"`
	Z              float64            `json:"z"`
	IdempotencyKey string             `json:"idempotency_key"`
}

type UpgradeResult struct {
	Entity      world.Entity `json:"entity"`
	Cost        float64      `json:"cost"`
	IncomeDelta float64      `json:"income_delta"`
	Cash        float64      `json:"cash"`
}

type TransferResult struct {
	FromID string  `json:"from_id"`
	ToID   string  `json:"to_id"`
	Amount float64 `json:"amount"`
	Cash   float64 `json:"cash"`
}

type LeaderboardRow struct {
	Rank     int     `json:"rank"`
	PlayerID string  `json:"player_id"`
	Name     string  `json:"name"`
	Cash     float64 `json:"cash"`
	Income   float64 `json:"income"`
}

// Store is the authoritative state. Each call is its own transaction; there
// is no cross-call atomicity.
type Store interface {
	EnsurePlayer(ctx context.Context, id, name string) (PlayerState, error)
	GetPlayerState(ctx context.Context, id string) (PlayerState, error)
	UpdatePlayerState(ctx context.Context, id string, p economy.Patch) (PlayerState, error)

	// InsertEntity stores a fully formed entity after re-checking the
	// protected zone and spacing. It does not touch balances.
	InsertEntity(ctx context.Context, e world.Entity) (world.Entity, error)
	// CommitConstruction re-validates funds, zone and spacing, charges the
	// owner, raises their income and inserts the entity in one step.
	CommitConstruction(ctx context.Context, c Construction) (world.Entity, error)
	QueryEntitiesNear(ctx context.Context, x, z, radius float64) ([]world.Entity, error)
	ListEntitiesByOwner(ctx context.Context, ownerID string) ([]world.Entity, error)
	UpgradeEntity(ctx context.Context, ownerID, entityID string) (UpgradeResult, error)

	Trade(ctx context.Context, o market.Order) (market.Fill, error)
	Transfer(ctx context.Context, fromID, toID string, amount float64) (TransferResult, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error)

	Quotes(ctx context.Context) ([]market.Instrument, error)
	SaveQuotes(ctx context.Context, quotes []market.Instrument) error
}

// Defaults seed new players.
type Defaults struct {
	StartingCash   float64
	StartingEnergy int
	MaxLevel       int
}

func SanitizeName(name, fallback string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	if n := len([]rune(name)); n == 0 || n > 24 {
		return "", ErrInvalidName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidName
		}
	}
	return name, nil
}

// DefaultName is shown for players who never picked one.
func DefaultName(id string) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return "Player-" + id
}

func ClampLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}
