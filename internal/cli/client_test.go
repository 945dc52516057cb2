package cli

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"idletown/internal/api"
	"idletown/internal/config"
	"idletown/internal/market"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/session"
	"idletown/internal/store"
	"idletown/internal/store/memstore"
	"idletown/internal/world"
)

func newAPI(t *testing.T) (*httptest.Server, config.Tunables) {
	t.Helper()
	tun := config.DefaultTunables()
	sim := market.NewSimulator(market.DefaultInstruments(), market.DynamicsFor("calm"), nil, market.WithSeed(3))
	st := memstore.New(placement.New(tun.PlacementRules()), sim, tun.StoreDefaults())
	if err := st.SaveQuotes(context.Background(), sim.Quotes()); err != nil {
		t.Fatalf("seed quotes: %v", err)
	}
	srv := api.New(config.APIConfig{}, tun, nil, st, presence.NewHub(tun.Hub(), nil, nil), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tun
}

func TestClientRoundTripAndErrors(t *testing.T) {
	ctx := context.Background()
	ts, _ := newAPI(t)
	c := NewClient(ts.URL, "p1")

	pl, err := c.EnsurePlayer(ctx, "p1", "Ada")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if pl.Name != "Ada" || pl.Cash != 1000 {
		t.Fatalf("player %+v", pl)
	}
	if _, err := c.EnsurePlayer(ctx, "p2", "Bo"); err != nil {
		t.Fatalf("ensure p2: %v", err)
	}

	e, err := c.CommitConstruction(ctx, store.Construction{OwnerID: "p1", Type: world.Store, X: 7, Z: 7, IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	_, err = c.CommitConstruction(ctx, store.Construction{OwnerID: "p2", Type: world.Stall, X: 7, Z: 7, IdempotencyKey: "k2"})
	if !errors.Is(err, placement.ErrOccupied) {
		t.Fatalf("expected occupied, got %v", err)
	}
	var rej *placement.Rejection
	if !errors.As(err, &rej) || rej.Reason != placement.Occupied {
		t.Fatalf("expected a placement rejection, got %v", err)
	}

	near, err := c.QueryEntitiesNear(ctx, 6, 6, 70)
	if err != nil || len(near) != 1 || near[0].ID != e.ID {
		t.Fatalf("nearby %v %+v", err, near)
	}
	mine, err := c.ListEntitiesByOwner(ctx, "p1")
	if err != nil || len(mine) != 1 {
		t.Fatalf("owned %v %+v", err, mine)
	}

	if _, err := c.UpgradeEntity(ctx, "p1", e.ID); !errors.Is(err, placement.ErrInsufficientFunds) {
		t.Fatalf("upgrade without cash should fail on funds, got %v", err)
	}
	if _, err := c.Trade(ctx, market.Order{PlayerID: "p2", Symbol: "FUEL", Side: market.Buy, Quantity: 1}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if _, err := c.Trade(ctx, market.Order{PlayerID: "p2", Symbol: "NOPE", Side: market.Buy, Quantity: 1}); !errors.Is(err, market.ErrUnknownSymbol) {
		t.Fatalf("expected unknown symbol, got %v", err)
	}
	if _, err := c.Transfer(ctx, "p2", "p2", 1); !errors.Is(err, store.ErrSelfTransfer) {
		t.Fatalf("expected self transfer, got %v", err)
	}
	quotes, err := c.Quotes(ctx)
	if err != nil || len(quotes) != len(market.DefaultInstruments()) {
		t.Fatalf("quotes %v %d", err, len(quotes))
	}
	rows, err := c.Leaderboard(ctx, 10)
	if err != nil || len(rows) != 2 || rows[0].PlayerID != "p2" {
		t.Fatalf("leaderboard %v %+v", err, rows)
	}
	if _, err := c.GetPlayerState(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionOverHTTP(t *testing.T) {
	ctx := context.Background()
	ts, tun := newAPI(t)
	c := NewClient(ts.URL, "p1")

	remoteTun, err := c.Tunables(ctx)
	if err != nil {
		t.Fatalf("tunables: %v", err)
	}
	if remoteTun.World != tun.World || remoteTun.Presence.Interval != tun.Presence.Interval {
		t.Fatalf("tunables did not survive the wire: %+v", remoteTun)
	}

	transport := presence.NewWSTransport(c.PresenceURL(), nil, nil)
	s, err := session.Open(ctx, "p1", "Ada", c, transport, remoteTun.Session(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close(ctx)
	if got := s.Frame().Status; got != presence.Synced.String() {
		t.Fatalf("presence status %q", got)
	}

	ticket, err := s.Build(world.Stall, world.Vec2{X: 9, Z: 9})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	e, err := ticket.Wait(waitCtx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if e.IsPending() || e.X != 9 || e.Z != 9 {
		t.Fatalf("entity %+v", e)
	}
	if f := s.Frame(); f.Cash != 800 || f.Income != 5 {
		t.Fatalf("frame cash=%v income=%v", f.Cash, f.Income)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	t.Setenv("IDLETOWN_HOME", t.TempDir())
	if _, err := LoadProfile(); err == nil {
		t.Fatalf("expected missing profile error")
	}
	want := Profile{PlayerID: "p1", Name: "Ada"}
	if err := SaveProfile(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadProfile()
	if err != nil || got != want {
		t.Fatalf("load %+v %v", got, err)
	}
	if err := ClearProfile(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := LoadProfile(); err == nil {
		t.Fatalf("profile should be gone")
	}
}

func TestPresenceURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080": "ws://localhost:8080/v1/presence",
		"https://town.example":  "wss://town.example/v1/presence",
	}
	for in, want := range cases {
		if got := NewClient(in, "").PresenceURL(); got != want {
			t.Fatalf("%s -> %s, want %s", in, got, want)
		}
	}
}
