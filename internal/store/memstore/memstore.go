// Package memstore is an in-process Store. It backs single-binary play and
// tests, and the API when no database is configured.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/placement"
	"idletown/internal/spatial"
	"idletown/internal/store"
	"idletown/internal/world"
)

// Pricer supplies the execution price for trades.
type Pricer interface {
	Quote(symbol string) (market.Instrument, error)
}

var _ store.Store = (*Store)(nil)

type player struct {
	mu   sync.Mutex
	st   store.PlayerState
	idem map[string]string
}

// Store partitions writes by player: each player record has its own lock,
// and construction is serialized per cell by the spatial index.
type Store struct {
	validator *placement.Validator
	index     *spatial.Index
	pricer    Pricer
	defaults  store.Defaults
	now       func() time.Time

	mu      sync.RWMutex
	players map[string]*player
	quotes  []market.Instrument
}

func New(v *placement.Validator, pricer Pricer, d store.Defaults) *Store {
	return &Store{
		validator: v,
		index:     spatial.New(spatial.DefaultBucketSize),
		pricer:    pricer,
		defaults:  d,
		now:       time.Now,
		players:   make(map[string]*player),
	}
}

func (s *Store) lookup(id string) (*player, error) {
	s.mu.RLock()
	p, ok := s.players[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) EnsurePlayer(_ context.Context, id, name string) (store.PlayerState, error) {
	if id == "" {
		return store.PlayerState{}, fmt.Errorf("player id is required")
	}
	name, err := store.SanitizeName(name, store.DefaultName(id))
	if err != nil {
		return store.PlayerState{}, err
	}
	s.mu.Lock()
	p, ok := s.players[id]
	if !ok {
		p = &player{
			st: store.PlayerState{
				ID:         id,
				Name:       name,
				Appearance: world.DefaultAppearance(),
				Account: economy.Account{
					Cash:   s.defaults.StartingCash,
					Energy: s.defaults.StartingEnergy,
				},
				LastSeen: s.now(),
			},
			idem: make(map[string]string),
		}
		s.players[id] = p
	}
	s.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(), nil
}

func (s *Store) GetPlayerState(_ context.Context, id string) (store.PlayerState, error) {
	p, err := s.lookup(id)
	if err != nil {
		return store.PlayerState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(), nil
}

func (s *Store) UpdatePlayerState(_ context.Context, id string, patch economy.Patch) (store.PlayerState, error) {
	if patch.Name != nil {
		name, err := store.SanitizeName(*patch.Name, "")
		if err != nil {
			return store.PlayerState{}, err
		}
		patch.Name = &name
	}
	if patch.Appearance != nil {
		if err := patch.Appearance.Validate(); err != nil {
			return store.PlayerState{}, err
		}
	}
	p, err := s.lookup(id)
	if err != nil {
		return store.PlayerState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.st = patch.Apply(p.st)
	p.st.LastSeen = s.now()
	return p.snapshot(), nil
}

func (s *Store) InsertEntity(_ context.Context, e world.Entity) (world.Entity, error) {
	if e.ID == "" || e.IsPending() {
		e.Ref = world.Confirmed(uuid.NewString())
	}
	cell := world.Snap(e.Position())
	e.X, e.Z = cell.X, cell.Z
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	err := s.index.Claim(e, s.validator.Rules().MinSpacing, func(near []world.Entity) error {
		return s.validator.CheckSite(cell, near)
	})
	if err != nil {
		return world.Entity{}, err
	}
	return e, nil
}

func (s *Store) CommitConstruction(_ context.Context, c store.Construction) (world.Entity, error) {
	spec, err := world.SpecFor(c.Type)
	if err != nil {
		return world.Entity{}, err
	}
	p, err := s.lookup(c.OwnerID)
	if err != nil {
		return world.Entity{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.IdempotencyKey != "" {
		if id, ok := p.idem[c.IdempotencyKey]; ok {
			if e, found := s.index.Get(id); found {
				return e, nil
			}
		}
	}

	verdict := s.validator.Validate(placement.Request{
		RequesterID: c.OwnerID,
		Cash:        p.st.Cash,
		Cost:        spec.Cost,
		Target:      world.Vec2{X: c.X, Z: c.Z},
	}, nil)
	if err := verdict.Err(); err != nil {
		return world.Entity{}, err
	}
	e := world.Entity{
		Ref:        world.Confirmed(uuid.NewString()),
		OwnerID:    c.OwnerID,
		Type:       c.Type,
		Level:      1,
		X:          verdict.Cell.X,
		Z:          verdict.Cell.Z,
		IncomeRate: world.IncomeRate(c.Type, 1),
		CreatedAt:  s.now(),
	}
	err = s.index.Claim(e, s.validator.Rules().MinSpacing, func(near []world.Entity) error {
		return s.validator.CheckSite(verdict.Cell, near)
	})
	if err != nil {
		return world.Entity{}, err
	}
	p.st.Cash -= spec.Cost
	p.st.Income += e.IncomeRate
	if c.IdempotencyKey != "" {
		p.idem[c.IdempotencyKey] = e.ID
	}
	return e, nil
}

func (s *Store) QueryEntitiesNear(_ context.Context, x, z, radius float64) ([]world.Entity, error) {
	center := world.Vec2{X: x, Z: z}
	if !center.Valid() {
		return nil, world.ErrCorruptPosition
	}
	return s.index.Query(center, radius), nil
}

func (s *Store) ListEntitiesByOwner(_ context.Context, ownerID string) ([]world.Entity, error) {
	return s.index.ByOwner(ownerID), nil
}

func (s *Store) UpgradeEntity(_ context.Context, ownerID, entityID string) (store.UpgradeResult, error) {
	p, err := s.lookup(ownerID)
	if err != nil {
		return store.UpgradeResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var out store.UpgradeResult
	next, err := s.index.Upgrade(entityID, s.defaults.MaxLevel, func(cur, next world.Entity) error {
		if cur.OwnerID != ownerID {
			return store.ErrNotOwner
		}
		cost := world.UpgradeCost(cur.Type, cur.Level)
		if cost > p.st.Cash {
			return fmt.Errorf("%w: upgrade costs %.0f", placement.ErrInsufficientFunds, cost)
		}
		out.Cost = cost
		out.IncomeDelta = next.IncomeRate - cur.IncomeRate
		return nil
	})
	if err != nil {
		if errors.Is(err, spatial.ErrNotFound) {
			return out, fmt.Errorf("entity %s: %w", entityID, store.ErrNotFound)
		}
		return out, err
	}
	p.st.Cash -= out.Cost
	p.st.Income += out.IncomeDelta
	out.Entity = next
	out.Cash = p.st.Cash
	return out, nil
}

// Trade holds the player's lock for the whole read-check-write, so trades by
// one player (on any symbol) never interleave.
func (s *Store) Trade(_ context.Context, o market.Order) (market.Fill, error) {
	if err := o.Validate(); err != nil {
		return market.Fill{}, err
	}
	if s.pricer == nil {
		return market.Fill{}, fmt.Errorf("market is not available")
	}
	q, err := s.pricer.Quote(o.Symbol)
	if err != nil {
		return market.Fill{}, err
	}
	o.Symbol = q.Symbol
	p, err := s.lookup(o.PlayerID)
	if err != nil {
		return market.Fill{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fill, err := market.Execute(o, p.st.Cash, p.st.Portfolio[o.Symbol], q.Price)
	if err != nil {
		return market.Fill{}, err
	}
	p.st.Cash = fill.Cash
	if p.st.Portfolio == nil {
		p.st.Portfolio = make(map[string]market.Position)
	}
	if fill.Position.Shares == 0 {
		delete(p.st.Portfolio, o.Symbol)
	} else {
		p.st.Portfolio[o.Symbol] = fill.Position
	}
	return fill, nil
}

func (s *Store) Transfer(_ context.Context, fromID, toID string, amount float64) (store.TransferResult, error) {
	if !(amount > 0) {
		return store.TransferResult{}, store.ErrInvalidAmount
	}
	if fromID == toID {
		return store.TransferResult{}, store.ErrSelfTransfer
	}
	from, err := s.lookup(fromID)
	if err != nil {
		return store.TransferResult{}, err
	}
	to, err := s.lookup(toID)
	if err != nil {
		return store.TransferResult{}, err
	}
	// Lock in id order so opposite transfers cannot deadlock.
	first, second := from, to
	if toID < fromID {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if from.st.Cash < amount {
		return store.TransferResult{}, fmt.Errorf("%w: have %.2f", economy.ErrInsufficientFunds, from.st.Cash)
	}
	from.st.Cash -= amount
	to.st.Cash += amount
	return store.TransferResult{FromID: fromID, ToID: toID, Amount: amount, Cash: from.st.Cash}, nil
}

func (s *Store) Leaderboard(_ context.Context, limit int) ([]store.LeaderboardRow, error) {
	limit = store.ClampLimit(limit)
	s.mu.RLock()
	all := make([]*player, 0, len(s.players))
	for _, p := range s.players {
		all = append(all, p)
	}
	s.mu.RUnlock()

	rows := make([]store.LeaderboardRow, 0, len(all))
	for _, p := range all {
		p.mu.Lock()
		rows = append(rows, store.LeaderboardRow{PlayerID: p.st.ID, Name: p.st.Name, Cash: p.st.Cash, Income: p.st.Income})
		p.mu.Unlock()
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Cash == rows[j].Cash {
			return rows[i].PlayerID < rows[j].PlayerID
		}
		return rows[i].Cash > rows[j].Cash
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (s *Store) Quotes(_ context.Context) ([]market.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Instrument, len(s.quotes))
	copy(out, s.quotes)
	return out, nil
}

func (s *Store) SaveQuotes(_ context.Context, quotes []market.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = append(s.quotes[:0], quotes...)
	return nil
}

func (p *player) snapshot() store.PlayerState {
	out := p.st
	out.Account = p.st.Account.Clone()
	return out
}
