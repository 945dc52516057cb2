package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"idletown/internal/aoi"
	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/sched"
	"idletown/internal/store"
	"idletown/internal/store/memstore"
	"idletown/internal/world"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rules = placement.Rules{ProtectedRadius: 3, MinSpacing: 1.5}
)

func testConfig() Config {
	return Config{
		AOI:       aoi.Config{ViewDistance: 70, FetchThreshold: 20},
		Placement: rules,
		Economy:   economy.EngineConfig{TickEvery: time.Second, CheckpointEvery: 30 * time.Second},
		Start:     world.Vec3{X: 6, Z: 6},
	}
}

type world3 struct {
	store *memstore.Store
	bus   *presence.Bus
}

func newWorld() world3 {
	sim := market.NewSimulator(market.DefaultInstruments(), market.DynamicsFor("calm"), nil, market.WithSeed(1))
	return world3{
		store: memstore.New(placement.New(rules), sim, store.Defaults{StartingCash: 1000, StartingEnergy: 100, MaxLevel: 6}),
		bus:   presence.NewBus(),
	}
}

func (w world3) open(t *testing.T, id string) (*Session, *sched.Scheduler) {
	t.Helper()
	sc := sched.New(t0, 50*time.Millisecond, nil)
	s, err := Open(context.Background(), id, id, w.store, w.bus, testConfig(), nil, WithScheduler(sc), WithAnnouncer(w.bus))
	if err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, sc
}

func TestBuildThenIncomeCheckpoints(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	s, sc := w.open(t, "p1")

	if _, err := s.Build(world.Store, world.Vec2{X: 0.5, Z: 0.5}); !errors.Is(err, placement.ErrProtectedZone) {
		t.Fatalf("expected protected zone, got %v", err)
	}
	ticket, err := s.Build(world.Store, world.Vec2{X: 5.2, Z: 9.4})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	f := s.Frame()
	if f.Cash != 0 || f.Income != 20 {
		t.Fatalf("optimistic frame cash=%v income=%v", f.Cash, f.Income)
	}
	e, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.X != 5 || e.Z != 9 {
		t.Fatalf("entity not snapped: %+v", e)
	}
	f = s.Frame()
	if len(f.VisibleEntities) != 1 || f.VisibleEntities[0].ID != e.ID || f.VisibleEntities[0].IsPending() {
		t.Fatalf("visible entities %+v", f.VisibleEntities)
	}

	sc.Advance(30 * time.Second)
	f = s.Frame()
	if f.Cash != 600 {
		t.Fatalf("cash after 30 ticks = %v, want 600", f.Cash)
	}
	if len(f.FloatingEvents) == 0 || f.FloatingEvents[0].Kind != "income" {
		t.Fatalf("floating events %+v", f.FloatingEvents)
	}
	server, err := w.store.GetPlayerState(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if server.Cash != 600 || server.Income != 20 {
		t.Fatalf("server account %+v", server.Account)
	}
}

func TestPlayersSeeEachOther(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	a, scA := w.open(t, "alice")
	b, _ := w.open(t, "bob")

	if got := b.Frame().OtherPlayers; len(got) != 1 || got[0].PlayerID != "alice" {
		t.Fatalf("bob sees %+v", got)
	}
	if got := a.Frame().OtherPlayers; len(got) != 1 || got[0].PlayerID != "bob" {
		t.Fatalf("alice sees %+v", got)
	}

	if ok, err := a.Move(ctx, world.Right); err != nil || !ok {
		t.Fatalf("move: ok=%v err=%v", ok, err)
	}
	if err := a.Say("  hello  "); err != nil {
		t.Fatalf("say: %v", err)
	}
	scA.Advance(150 * time.Millisecond)
	peer := b.Frame().OtherPlayers[0]
	if peer.Position.X < 6.79 || peer.Position.X > 6.81 || peer.Message != "hello" {
		t.Fatalf("bob sees stale alice %+v", peer)
	}

	ticket, err := a.Build(world.Stall, world.Vec2{X: 9, Z: 13})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	e, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	found := false
	for _, v := range b.Frame().VisibleEntities {
		if v.ID == e.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("creation feed did not reach bob")
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := b.Frame().OtherPlayers; len(got) != 0 {
		t.Fatalf("alice still visible after leaving: %+v", got)
	}
}

func TestMoveCollidesWithBuildings(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	s, _ := w.open(t, "p1")

	if _, err := s.Build(world.Stall, world.Vec2{X: 7, Z: 9}); err != nil {
		t.Fatalf("build: %v", err)
	}
	for i, want := range []bool{true, true, false} {
		ok, err := s.Move(ctx, world.Down)
		if err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
		if ok != want {
			t.Fatalf("move %d = %v, want %v", i, ok, want)
		}
	}
	if _, err := s.Move(ctx, world.Direction("north")); !errors.Is(err, ErrUnknownDirection) {
		t.Fatalf("expected unknown direction, got %v", err)
	}
	if err := s.Home(ctx); err != nil {
		t.Fatalf("home: %v", err)
	}
	if p := s.Frame().Position; p.X != 6 || p.Z != 6 {
		t.Fatalf("home position %+v", p)
	}
}

func TestWorkAndSleep(t *testing.T) {
	w := newWorld()
	s, sc := w.open(t, "p1")

	if err := s.Work(); err != nil {
		t.Fatalf("work: %v", err)
	}
	if !s.Frame().Self.Busy {
		t.Fatalf("worker should be busy")
	}
	f := s.Frame()
	if f.Cash != 1015 || f.Energy != 90 {
		t.Fatalf("after work cash=%v energy=%v", f.Cash, f.Energy)
	}
	sc.Advance(500 * time.Millisecond)
	if s.Frame().Self.Busy {
		t.Fatalf("busy flag should clear")
	}
	for i := 0; i < 9; i++ {
		if err := s.Work(); err != nil {
			t.Fatalf("work %d: %v", i, err)
		}
	}
	if err := s.Work(); !errors.Is(err, economy.ErrTooTired) {
		t.Fatalf("expected too tired, got %v", err)
	}
	s.Sleep()
	if got := s.Frame().Energy; got != economy.MaxEnergy {
		t.Fatalf("energy after sleep %d", got)
	}
}

func TestServerCommandsMirrorLocally(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	if _, err := w.store.EnsurePlayer(ctx, "p2", "Bo"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	s, _ := w.open(t, "p1")

	fill, err := s.Trade(ctx, "town", market.Buy, 2)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if fill.Notional != 200 {
		t.Fatalf("fill %+v", fill)
	}
	ticket, err := s.Build(world.Stall, world.Vec2{X: 9, Z: 9})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	e, err := ticket.Wait(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	res, err := s.Upgrade(ctx, e.ID)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if res.Entity.Level != 2 || res.Cost != 200 {
		t.Fatalf("upgrade %+v", res)
	}
	if _, err := s.Transfer(ctx, "p2", 100); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	f := s.Frame()
	if f.Cash != 300 || f.Income != 10 || f.Portfolio["TOWN"].Shares != 2 {
		t.Fatalf("local frame cash=%v income=%v portfolio=%+v", f.Cash, f.Income, f.Portfolio)
	}
	for _, v := range f.VisibleEntities {
		if v.ID == e.ID && v.Level != 2 {
			t.Fatalf("upgrade not reflected locally: %+v", v)
		}
	}
	server, _ := w.store.GetPlayerState(ctx, "p1")
	if server.Cash != f.Cash || server.Income != f.Income {
		t.Fatalf("server %+v diverged from local frame", server.Account)
	}
}

func TestOpensWithPresenceDown(t *testing.T) {
	w := newWorld()
	w.bus.SetDown(true)
	s, _ := w.open(t, "p1")
	if got := s.Frame().Status; got != presence.Disconnected.String() {
		t.Fatalf("status %q", got)
	}
	if _, err := s.Build(world.Stall, world.Vec2{X: 9, Z: 9}); err != nil {
		t.Fatalf("gameplay should continue without presence: %v", err)
	}
}

func TestBuildSpendsUncheckpointedEarnings(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	s, sc := w.open(t, "p1")

	ticket, err := s.Build(world.Stall, world.Vec2{X: 9, Z: 9})
	if err != nil {
		t.Fatalf("build stall: %v", err)
	}
	if _, err := ticket.Wait(ctx); err != nil {
		t.Fatalf("commit stall: %v", err)
	}
	sc.Advance(20 * time.Second)
	for i := 0; i < 7; i++ {
		if err := s.Work(); err != nil {
			t.Fatalf("work %d: %v", i, err)
		}
	}
	server, _ := w.store.GetPlayerState(ctx, "p1")
	if got := s.Frame().Cash; got != 1005 || server.Cash != 800 {
		t.Fatalf("before build local=%v server=%v", got, server.Cash)
	}

	ticket, err = s.Build(world.Store, world.Vec2{X: 15, Z: 15})
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	if _, err := ticket.Wait(ctx); err != nil {
		t.Fatalf("store commit rolled back: %v", err)
	}
	f := s.Frame()
	server, _ = w.store.GetPlayerState(ctx, "p1")
	if f.Cash != 5 || server.Cash != 5 {
		t.Fatalf("after build local=%v server=%v", f.Cash, server.Cash)
	}
	if f.Income != 25 || server.Income != 25 {
		t.Fatalf("income local=%v server=%v", f.Income, server.Income)
	}
}
