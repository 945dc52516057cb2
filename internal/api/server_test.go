package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"idletown/internal/config"
	"idletown/internal/market"
	"idletown/internal/metrics"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/store/memstore"
	"idletown/internal/world"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts, _ := newTestServerWith(t, config.DefaultTunables())
	return ts
}

func newTestServerWith(t *testing.T, tun config.Tunables) (*httptest.Server, *memstore.Store) {
	t.Helper()
	sim := market.NewSimulator(market.DefaultInstruments(), market.DynamicsFor("calm"), nil, market.WithSeed(7))
	st := memstore.New(placement.New(tun.PlacementRules()), sim, tun.StoreDefaults())
	m := metrics.New()
	srv := New(config.APIConfig{}, tun, nil, st, presence.NewHub(tun.Hub(), nil, m), m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

type reply struct {
	status int
	body   map[string]any
}

func call(t *testing.T, ts *httptest.Server, method, path, player string, in any, headers ...string) reply {
	t.Helper()
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if player != "" {
		req.Header.Set(PlayerHeader, player)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := reply{status: resp.StatusCode, body: map[string]any{}}
	_ = json.NewDecoder(resp.Body).Decode(&out.body)
	return out
}

func TestPlayerHeaderRequired(t *testing.T) {
	ts := newTestServer(t)
	if got := call(t, ts, http.MethodGet, "/v1/players/me", "", nil); got.status != http.StatusUnauthorized {
		t.Fatalf("status %d", got.status)
	}
	if got := call(t, ts, http.MethodGet, "/healthz", "", nil); got.status != http.StatusOK {
		t.Fatalf("healthz %d", got.status)
	}
	if got := call(t, ts, http.MethodGet, "/v1/players/me", "ghost", nil); got.status != http.StatusNotFound || got.body["code"] != CodeNotFound {
		t.Fatalf("unknown player %+v", got)
	}
}

func TestConstructionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	if got := call(t, ts, http.MethodPost, "/v1/players", "p1", map[string]any{"name": "Ada"}); got.status != http.StatusOK || got.body["name"] != "Ada" {
		t.Fatalf("ensure %+v", got)
	}
	call(t, ts, http.MethodPost, "/v1/players", "p2", nil)

	cases := []struct {
		name   string
		player string
		in     map[string]any
		status int
		code   string
	}{
		{"protected zone", "p1", map[string]any{"type": "stall", "x": 1, "z": 1}, http.StatusUnprocessableEntity, CodeProtectedZone},
		{"unknown type", "p1", map[string]any{"type": "castle", "x": 9, "z": 9}, http.StatusBadRequest, CodeUnknownBuilding},
		{"too expensive", "p1", map[string]any{"type": "rocket", "x": 9, "z": 9}, http.StatusBadRequest, CodeInsufficientFunds},
		{"accepted", "p1", map[string]any{"type": "stall", "x": 9.4, "z": 9.9}, http.StatusCreated, ""},
		{"occupied", "p2", map[string]any{"type": "stall", "x": 9, "z": 9}, http.StatusConflict, CodeOccupied},
	}
	var id string
	for _, tc := range cases {
		got := call(t, ts, http.MethodPost, "/v1/entities", tc.player, tc.in, "Idempotency-Key", tc.name)
		if got.status != tc.status {
			t.Fatalf("%s: status %d body %+v", tc.name, got.status, got.body)
		}
		if code, _ := got.body["code"].(string); code != tc.code {
			t.Fatalf("%s: code %q, want %q", tc.name, code, tc.code)
		}
		if tc.status == http.StatusCreated {
			id, _ = got.body["id"].(string)
			if got.body["x"] != 9.0 || got.body["z"] != 9.0 {
				t.Fatalf("not snapped: %+v", got.body)
			}
		}
	}

	again := call(t, ts, http.MethodPost, "/v1/entities", "p1", map[string]any{"type": "stall", "x": 9, "z": 9}, "Idempotency-Key", "accepted")
	if again.status != http.StatusCreated || again.body["id"] != id {
		t.Fatalf("retry with same key should return the first entity: %+v", again)
	}
	me := call(t, ts, http.MethodGet, "/v1/players/me", "p1", nil)
	if me.body["cash"] != 800.0 || me.body["income"] != 5.0 {
		t.Fatalf("charged twice or not at all: %+v", me.body)
	}

	near := call(t, ts, http.MethodGet, "/v1/entities/nearby?x=6&z=6", "p1", nil)
	if items, _ := near.body["items"].([]any); len(items) != 1 {
		t.Fatalf("nearby %+v", near.body)
	}
	if got := call(t, ts, http.MethodGet, "/v1/entities/nearby?x=abc&z=6", "p1", nil); got.status != http.StatusBadRequest {
		t.Fatalf("bad coordinates status %d", got.status)
	}

	if got := call(t, ts, http.MethodPost, "/v1/entities/"+id+"/upgrade", "p2", nil); got.status != http.StatusForbidden {
		t.Fatalf("foreign upgrade status %d", got.status)
	}
	up := call(t, ts, http.MethodPost, "/v1/entities/"+id+"/upgrade", "p1", nil)
	if up.status != http.StatusOK || up.body["cost"] != 200.0 {
		t.Fatalf("upgrade %+v", up)
	}
	if got := call(t, ts, http.MethodPost, "/v1/entities/nope/upgrade", "p1", nil); got.status != http.StatusNotFound {
		t.Fatalf("missing entity status %d", got.status)
	}
}

func TestTradeTransferLeaderboard(t *testing.T) {
	ts := newTestServer(t)
	call(t, ts, http.MethodPost, "/v1/players", "p1", map[string]any{"name": "Ada"})
	call(t, ts, http.MethodPost, "/v1/players", "p2", map[string]any{"name": "Bo"})

	fill := call(t, ts, http.MethodPost, "/v1/market/orders", "p1", map[string]any{"symbol": "bank", "side": "buy", "quantity": 5})
	if fill.status != http.StatusOK || fill.body["cash"] != 700.0 {
		t.Fatalf("buy %+v", fill)
	}
	if got := call(t, ts, http.MethodPost, "/v1/market/orders", "p1", map[string]any{"symbol": "bank", "side": "sell", "quantity": 6}); got.body["code"] != CodeInsufficientShares {
		t.Fatalf("oversell %+v", got)
	}
	if got := call(t, ts, http.MethodPost, "/v1/market/orders", "p1", map[string]any{"symbol": "bank", "side": "hold", "quantity": 1}); got.body["code"] != CodeInvalidSide {
		t.Fatalf("bad side %+v", got)
	}

	if got := call(t, ts, http.MethodPost, "/v1/transfers", "p1", map[string]any{"to": "p1", "amount": 5}); got.body["code"] != CodeSelfTransfer {
		t.Fatalf("self transfer %+v", got)
	}
	if got := call(t, ts, http.MethodPost, "/v1/transfers", "p1", map[string]any{"to": "p2", "amount": 100}); got.status != http.StatusOK {
		t.Fatalf("transfer %+v", got)
	}

	board := call(t, ts, http.MethodGet, "/v1/leaderboard?limit=5", "", nil)
	items, _ := board.body["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("leaderboard %+v", board.body)
	}
	top, _ := items[0].(map[string]any)
	if top["player_id"] != "p2" || top["cash"] != 1100.0 {
		t.Fatalf("leader %+v", top)
	}
}

func TestPatchPlayer(t *testing.T) {
	ts := newTestServer(t)
	call(t, ts, http.MethodPost, "/v1/players", "p1", nil)
	name := "  Neo  "
	got := call(t, ts, http.MethodPatch, "/v1/players/me", "p1", map[string]any{
		"cash_delta": 42.5,
		"name":       name,
		"appearance": world.Appearance{Hair: "#AABBCC"},
	})
	if got.status != http.StatusOK || got.body["cash"] != 1042.5 || got.body["name"] != "Neo" {
		t.Fatalf("patch %+v", got)
	}
	if got := call(t, ts, http.MethodPatch, "/v1/players/me", "p1", map[string]any{"bogus": 1}); got.status != http.StatusBadRequest {
		t.Fatalf("unknown field status %d", got.status)
	}
}

func TestMetricsExposed(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestNearbyHonoursWideViewDistance(t *testing.T) {
	tun := config.DefaultTunables()
	tun.World.ViewDistance = 300
	ts, st := newTestServerWith(t, tun)
	if _, err := st.InsertEntity(context.Background(), world.Entity{Ref: world.Confirmed("far"), OwnerID: "p1", Type: world.Stall, Level: 1, X: 251, Z: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	near := call(t, ts, http.MethodGet, "/v1/entities/nearby?x=1&z=1", "p1", nil)
	if items, _ := near.body["items"].([]any); len(items) != 1 {
		t.Fatalf("default radius %+v", near.body)
	}
	near = call(t, ts, http.MethodGet, "/v1/entities/nearby?x=1&z=1&radius=1000", "p1", nil)
	if items, _ := near.body["items"].([]any); len(items) != 1 {
		t.Fatalf("capped radius %+v", near.body)
	}
	near = call(t, ts, http.MethodGet, "/v1/entities/nearby?x=1&z=1&radius=100", "p1", nil)
	if items, _ := near.body["items"].([]any); len(items) != 0 {
		t.Fatalf("narrow radius %+v", near.body)
	}
}
