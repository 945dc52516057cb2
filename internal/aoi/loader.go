// Package aoi keeps a client's window of nearby buildings fresh without
// refetching on every movement step.
package aoi

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"idletown/internal/metrics"
	"idletown/internal/world"
)

// Querier is the remote surface the loader fetches from.
type Querier interface {
	QueryEntitiesNear(ctx context.Context, x, z, radius float64) ([]world.Entity, error)
}

type Config struct {
	ViewDistance   float64
	FetchThreshold float64
}

type Loader struct {
	q       Querier
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	fetchMu sync.Mutex

	mu        sync.RWMutex
	fetched   bool
	lastFetch world.Vec2
	confirmed map[string]world.Entity
	pending   map[string]world.Entity
	fetches   int
	// landed collects entities confirmed, pushed or replaced while a fetch
	// is in flight; the fetch result predates them. Nil between fetches.
	landed map[string]world.Entity
}

func New(q Querier, cfg Config, log *slog.Logger, m *metrics.Metrics) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{
		q:         q,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		confirmed: make(map[string]world.Entity),
		pending:   make(map[string]world.Entity),
	}
}

// Observe is called on every position update. It refetches only when pos is
// more than FetchThreshold from the last fetch point (or nothing was fetched
// yet) and reports whether a fetch happened. A failed fetch leaves the last
// fetch point untouched so the next update retries.
func (l *Loader) Observe(ctx context.Context, pos world.Vec2) (bool, error) {
	if !pos.Valid() {
		return false, world.ErrCorruptPosition
	}
	l.mu.RLock()
	due := !l.fetched || world.Distance(l.lastFetch, pos) > l.cfg.FetchThreshold
	l.mu.RUnlock()
	if !due {
		return false, nil
	}
	return true, l.Refresh(ctx, pos)
}

// Refresh fetches unconditionally around pos and replaces the confirmed set.
func (l *Loader) Refresh(ctx context.Context, pos world.Vec2) error {
	if !pos.Valid() {
		return world.ErrCorruptPosition
	}
	l.fetchMu.Lock()
	defer l.fetchMu.Unlock()

	l.mu.Lock()
	l.landed = make(map[string]world.Entity)
	l.mu.Unlock()

	entities, err := l.q.QueryEntitiesNear(ctx, pos.X, pos.Z, l.cfg.ViewDistance)
	l.metrics.AOIFetch(err == nil)
	if err != nil {
		l.mu.Lock()
		l.landed = nil
		l.mu.Unlock()
		return fmt.Errorf("aoi fetch: %w", err)
	}
	next := make(map[string]world.Entity, len(entities))
	dropped := 0
	for _, e := range entities {
		if !e.Valid() {
			dropped++
			continue
		}
		next[e.ID] = e
	}
	if dropped > 0 {
		l.log.Warn("aoi dropped corrupt entities", "count", dropped)
	}

	l.mu.Lock()
	for id, e := range l.landed {
		if world.Distance(pos, e.Position()) > l.cfg.ViewDistance {
			continue
		}
		if cur, ok := next[id]; ok && cur.Level >= e.Level {
			continue
		}
		next[id] = e
	}
	l.landed = nil
	l.confirmed = next
	l.lastFetch = pos
	l.fetched = true
	l.fetches++
	l.mu.Unlock()
	return nil
}

// Push inserts an entity from the creation feed if it lies within view of the
// last fetch point.
func (l *Loader) Push(e world.Entity) bool {
	if !e.Valid() || e.IsPending() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.note(e)
	if !l.fetched || world.Distance(l.lastFetch, e.Position()) > l.cfg.ViewDistance {
		return false
	}
	l.confirmed[e.ID] = e
	return true
}

func (l *Loader) AddPending(e world.Entity) {
	if !e.IsPending() || !e.Valid() {
		return
	}
	l.mu.Lock()
	l.pending[e.ID] = e
	l.mu.Unlock()
}

func (l *Loader) RemovePending(localID string) {
	l.mu.Lock()
	delete(l.pending, localID)
	l.mu.Unlock()
}

// Confirm replaces the provisional entity with its authoritative version.
func (l *Loader) Confirm(localID string, e world.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, localID)
	if e.Valid() && !e.IsPending() {
		l.confirmed[e.ID] = e
		l.note(e)
	}
}

// note records e for the fetch in flight, if any. l.mu must be held.
func (l *Loader) note(e world.Entity) {
	if l.landed != nil {
		l.landed[e.ID] = e
	}
}

// Replace updates a confirmed entity in place (after an upgrade).
func (l *Loader) Replace(e world.Entity) {
	if !e.Valid() || e.IsPending() {
		return
	}
	l.mu.Lock()
	if _, ok := l.confirmed[e.ID]; ok {
		l.confirmed[e.ID] = e
		l.note(e)
	}
	l.mu.Unlock()
}

// Visible returns confirmed entities ordered by id followed by pending ones.
func (l *Loader) Visible() []world.Entity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]world.Entity, 0, len(l.confirmed)+len(l.pending))
	for _, e := range l.confirmed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	n := len(out)
	for _, e := range l.pending {
		out = append(out, e)
	}
	tail := out[n:]
	sort.Slice(tail, func(i, j int) bool { return tail[i].ID < tail[j].ID })
	return out
}

func (l *Loader) Get(id string) (world.Entity, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if e, ok := l.confirmed[id]; ok {
		return e, true
	}
	e, ok := l.pending[id]
	return e, ok
}

func (l *Loader) Fetches() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fetches
}

func (l *Loader) LastFetch() (world.Vec2, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastFetch, l.fetched
}
