package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"idletown/internal/aoi"
	"idletown/internal/economy"
	"idletown/internal/placement"
	"idletown/internal/store"
	"idletown/internal/store/memstore"
	"idletown/internal/world"
)

var rules = placement.Rules{ProtectedRadius: 3, MinSpacing: 1.5}

type gatedCommitter struct {
	release chan struct{}
	err     error
	keys    []string
}

func (g *gatedCommitter) CommitConstruction(ctx context.Context, c store.Construction) (world.Entity, error) {
	g.keys = append(g.keys, c.IdempotencyKey)
	select {
	case <-g.release:
	case <-ctx.Done():
		return world.Entity{}, ctx.Err()
	}
	if g.err != nil {
		return world.Entity{}, g.err
	}
	return world.Entity{Ref: world.Confirmed("srv-" + c.IdempotencyKey), OwnerID: c.OwnerID, Type: c.Type, Level: 1, X: c.X, Z: c.Z, IncomeRate: world.IncomeRate(c.Type, 1)}, nil
}

type emptyQuerier struct{}

func (emptyQuerier) QueryEntitiesNear(context.Context, float64, float64, float64) ([]world.Entity, error) {
	return nil, nil
}

func newLoader(t *testing.T, q aoi.Querier) *aoi.Loader {
	t.Helper()
	l := aoi.New(q, aoi.Config{ViewDistance: 70, FetchThreshold: 20}, nil, nil)
	if err := l.Refresh(context.Background(), world.Vec2{X: 6, Z: 6}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return l
}

func TestEndToEndConstruction(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(placement.New(rules), nil, store.Defaults{StartingCash: 1000, StartingEnergy: 100, MaxLevel: 6})
	player, err := st.EnsurePlayer(ctx, "p1", "Ada")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	wallet := economy.NewWallet(player.Account)
	loader := newLoader(t, st)
	p := New("p1", placement.New(rules), wallet, loader, st, nil, nil)
	defer p.Close()

	if _, err := p.Submit(BuildRequest{Type: world.Store, Target: world.Vec2{X: 1, Z: 1}}); !errors.Is(err, placement.ErrProtectedZone) {
		t.Fatalf("expected protected zone, got %v", err)
	}
	if got := wallet.Snapshot().Cash; got != 1000 {
		t.Fatalf("cash after rejection %v", got)
	}

	ticket, err := p.Submit(BuildRequest{Type: world.Store, Target: world.Vec2{X: 5, Z: 5}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	a := wallet.Snapshot()
	if a.Cash != 0 || a.Income != 20 {
		t.Fatalf("optimistic account %+v", a)
	}
	e, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := loader.Get(e.ID); !ok {
		t.Fatalf("confirmed entity missing from cache")
	}
	if _, ok := loader.Get(ticket.Provisional.ID); ok {
		t.Fatalf("provisional entity still cached")
	}
	server, _ := st.GetPlayerState(ctx, "p1")
	if server.Cash != 0 || server.Income != 20 {
		t.Fatalf("server account %+v", server.Account)
	}
}

func TestProvisionalVisibleBeforeCommit(t *testing.T) {
	c := &gatedCommitter{release: make(chan struct{})}
	wallet := economy.NewWallet(economy.Account{Cash: 1000})
	loader := newLoader(t, emptyQuerier{})
	p := New("p1", placement.New(rules), wallet, loader, c, nil, nil)
	defer p.Close()

	ticket, err := p.Submit(BuildRequest{Type: world.Store, Target: world.Vec2{X: 5, Z: 5}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, ok := loader.Get(ticket.Provisional.ID)
	if !ok || !got.IsPending() {
		t.Fatalf("provisional entity not in cache: %+v", got)
	}
	close(c.release)
	if _, err := ticket.Wait(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if c.keys[0] != ticket.Provisional.ID {
		t.Fatalf("idempotency key %q, want local id %q", c.keys[0], ticket.Provisional.ID)
	}
}

func TestRollbackRestoresCashAndCache(t *testing.T) {
	c := &gatedCommitter{release: make(chan struct{}), err: errors.New("storage offline")}
	wallet := economy.NewWallet(economy.Account{Cash: 1500, Income: 3})
	loader := newLoader(t, emptyQuerier{})
	p := New("p1", placement.New(rules), wallet, loader, c, nil, nil)
	defer p.Close()

	ticket, err := p.Submit(BuildRequest{Type: world.Store, Target: world.Vec2{X: 9, Z: 9}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	close(c.release)
	if _, err := ticket.Wait(context.Background()); err == nil {
		t.Fatalf("expected commit failure")
	}
	a := wallet.Snapshot()
	if a.Cash != 1500 || a.Income != 3 {
		t.Fatalf("account after rollback %+v", a)
	}
	if _, ok := loader.Get(ticket.Provisional.ID); ok {
		t.Fatalf("provisional entity survived rollback")
	}
	if len(loader.Visible()) != 0 {
		t.Fatalf("cache not empty: %+v", loader.Visible())
	}
}

func TestRapidCommandsSerialize(t *testing.T) {
	c := &gatedCommitter{release: make(chan struct{})}
	wallet := economy.NewWallet(economy.Account{Cash: 1500})
	loader := newLoader(t, emptyQuerier{})
	p := New("p1", placement.New(rules), wallet, loader, c, nil, nil)
	defer p.Close()

	if _, err := p.Submit(BuildRequest{Type: world.Store, Target: world.Vec2{X: 5, Z: 5}}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := p.Submit(BuildRequest{Type: world.Stall, Target: world.Vec2{X: 5.5, Z: 4.2}}); !errors.Is(err, placement.ErrOccupied) {
		t.Fatalf("expected occupied against the pending entity, got %v", err)
	}
	if _, err := p.Submit(BuildRequest{Type: world.Store, Target: world.Vec2{X: 9, Z: 9}}); !errors.Is(err, placement.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds after optimistic spend, got %v", err)
	}
	close(c.release)
	p.Drain()
}

func TestConflictTriggersReread(t *testing.T) {
	c := &gatedCommitter{release: make(chan struct{}), err: store.ErrConflict}
	close(c.release)
	wallet := economy.NewWallet(economy.Account{Cash: 1000})
	p := New("p1", placement.New(rules), wallet, newLoader(t, emptyQuerier{}), c, nil, nil)
	defer p.Close()
	reread := make(chan struct{}, 1)
	p.OnConflict(func() { reread <- struct{}{} })
	ticket, err := p.Submit(BuildRequest{Type: world.Stall, Target: world.Vec2{X: 7, Z: 7}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := ticket.Wait(context.Background()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	select {
	case <-reread:
	case <-time.After(time.Second):
		t.Fatalf("conflict hook not called")
	}
}

func TestGuardWrapsCommitAndSettle(t *testing.T) {
	c := &gatedCommitter{release: make(chan struct{})}
	close(c.release)
	wallet := economy.NewWallet(economy.Account{Cash: 1000})
	loader := newLoader(t, emptyQuerier{})
	p := New("p1", placement.New(rules), wallet, loader, c, nil, nil)
	defer p.Close()

	var calls int
	var settledInside bool
	p.SetGuard(func(ctx context.Context, fn func(context.Context) error) error {
		calls++
		err := fn(ctx)
		_, settledInside = loader.Get("srv-" + c.keys[0])
		return err
	})

	ticket, err := p.Submit(BuildRequest{Type: world.Stall, Target: world.Vec2{X: 5, Z: 5}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := ticket.Wait(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if calls != 1 || !settledInside {
		t.Fatalf("guard calls=%d settled inside=%v", calls, settledInside)
	}
	if got := wallet.Snapshot().Cash; got != 800 {
		t.Fatalf("cash=%v", got)
	}
}
