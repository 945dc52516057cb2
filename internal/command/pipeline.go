// Package command applies construction commands optimistically and
// reconciles them with the durable store.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"idletown/internal/economy"
	"idletown/internal/metrics"
	"idletown/internal/placement"
	"idletown/internal/store"
	"idletown/internal/world"
)

// Committer is the durable half of a construction.
type Committer interface {
	CommitConstruction(ctx context.Context, c store.Construction) (world.Entity, error)
}

// Cache is the local entity window the optimistic update lands in.
type Cache interface {
	Visible() []world.Entity
	AddPending(e world.Entity)
	RemovePending(localID string)
	Confirm(localID string, e world.Entity)
}

// Guard wraps one durable commit together with its settle or refund. The
// default runs fn directly.
type Guard func(ctx context.Context, fn func(ctx context.Context) error) error

type BuildRequest struct {
	Type   world.BuildingType
	Target world.Vec2
}

// Ticket tracks one submitted construction until the store answers.
type Ticket struct {
	Provisional world.Entity

	done   chan struct{}
	result world.Entity
	err    error
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the durable result is known. A non-nil error means the
// optimistic update has already been rolled back.
func (t *Ticket) Wait(ctx context.Context) (world.Entity, error) {
	select {
	case <-ctx.Done():
		return world.Entity{}, ctx.Err()
	case <-t.done:
		return t.result, t.err
	}
}

type Pipeline struct {
	ownerID   string
	validator *placement.Validator
	wallet    *economy.Wallet
	cache     Cache
	committer Committer
	log       *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu is held from validation through the optimistic apply, and again for
	// rollback or confirmation, so two commands never interleave against the
	// same cache snapshot.
	mu          sync.Mutex
	onCommitted func(world.Entity)
	onConflict  func()
	guard       Guard
	newID       func() string
	now         func() time.Time
}

func New(ownerID string, v *placement.Validator, w *economy.Wallet, cache Cache, c Committer, log *slog.Logger, m *metrics.Metrics) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		ownerID:   ownerID,
		validator: v,
		wallet:    w,
		cache:     cache,
		committer: c,
		log:       log,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		guard:     func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) },
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// SetGuard routes every commit through g. Sessions use it to ship local
// earnings before the store checks funds and to keep checkpoints out of the
// window between a commit and its settle.
func (p *Pipeline) SetGuard(g Guard) {
	p.mu.Lock()
	p.guard = g
	p.mu.Unlock()
}

// OnCommitted is called with the authoritative entity after each successful
// commit.
func (p *Pipeline) OnCommitted(fn func(world.Entity)) {
	p.mu.Lock()
	p.onCommitted = fn
	p.mu.Unlock()
}

// OnConflict is called after a rollback caused by a persistence conflict or
// a commit-time rejection, so the owner can re-read authoritative state.
func (p *Pipeline) OnConflict(fn func()) {
	p.mu.Lock()
	p.onConflict = fn
	p.mu.Unlock()
}

// Submit validates locally, applies the optimistic update and starts the
// durable commit. Validation failures return synchronously and change
// nothing.
func (p *Pipeline) Submit(req BuildRequest) (*Ticket, error) {
	spec, err := world.SpecFor(req.Type)
	if err != nil {
		return nil, err
	}
	income := world.IncomeRate(req.Type, 1)

	p.mu.Lock()
	defer p.mu.Unlock()

	var verdict placement.Verdict
	err = p.wallet.Spend(spec.Cost, income, func(a economy.Account) error {
		verdict = p.validator.Validate(placement.Request{
			RequesterID: p.ownerID,
			Cash:        a.Cash,
			Cost:        spec.Cost,
			Target:      req.Target,
		}, p.cache.Visible())
		return verdict.Err()
	})
	if err != nil {
		p.metrics.Command("rejected")
		return nil, err
	}

	localID := p.newID()
	t := &Ticket{
		Provisional: world.Entity{
			Ref:        world.Pending(localID),
			OwnerID:    p.ownerID,
			Type:       req.Type,
			Level:      1,
			X:          verdict.Cell.X,
			Z:          verdict.Cell.Z,
			IncomeRate: income,
			CreatedAt:  p.now(),
		},
		done: make(chan struct{}),
	}
	p.cache.AddPending(t.Provisional)

	p.wg.Add(1)
	go p.commit(t, spec.Cost)
	return t, nil
}

func (p *Pipeline) commit(t *Ticket, cost float64) {
	defer p.wg.Done()
	defer close(t.done)
	prov := t.Provisional

	p.mu.Lock()
	guard := p.guard
	p.mu.Unlock()

	var (
		e           world.Entity
		err         error
		onConflict  func()
		onCommitted func(world.Entity)
	)
	_ = guard(p.ctx, func(ctx context.Context) error {
		e, err = p.committer.CommitConstruction(ctx, store.Construction{
			OwnerID:        p.ownerID,
			Type:           prov.Type,
			X:              prov.X,
			Z:              prov.Z,
			IdempotencyKey: prov.ID,
		})
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.wallet.Refund(cost, prov.IncomeRate)
			p.cache.RemovePending(prov.ID)
			onConflict = p.onConflict
			return err
		}
		p.wallet.Settle(cost, prov.IncomeRate)
		p.cache.Confirm(prov.ID, e)
		onCommitted = p.onCommitted
		return nil
	})

	if err != nil {
		p.metrics.Command("rolled_back")
		p.log.Warn("construction rolled back", "player_id", p.ownerID, "local_id", prov.ID, "err", err)
		t.err = fmt.Errorf("construct %s at (%.0f,%.0f): %w", prov.Type, prov.X, prov.Z, err)
		var rej *placement.Rejection
		if (errors.Is(err, store.ErrConflict) || errors.As(err, &rej)) && onConflict != nil {
			onConflict()
		}
		return
	}
	p.metrics.Command("committed")
	t.result = e
	if onCommitted != nil {
		onCommitted(e)
	}
}

// Close abandons in-flight commits and waits for their rollbacks.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Drain waits for in-flight commits without cancelling them.
func (p *Pipeline) Drain() {
	p.wg.Wait()
}
