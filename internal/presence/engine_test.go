package presence

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"idletown/internal/world"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type countingTransport struct {
	*Bus
	publishes int
	fail      error
}

func (c *countingTransport) Publish(ctx context.Context, s State) error {
	if c.fail != nil {
		return c.fail
	}
	c.publishes++
	return c.Bus.Publish(ctx, s)
}

func newEngine(t *testing.T, tr Transport, id string, clock *time.Time) *Engine {
	t.Helper()
	cfg := Config{Interval: 150 * time.Millisecond, Epsilon: 0.01, MessageTTL: 5 * time.Second}
	if clock != nil {
		cfg.Clock = func() time.Time { return *clock }
	}
	return NewEngine(State{SessionID: id, PlayerID: "player-" + id, Position: world.Vec3{X: 6, Z: 6}}, tr, cfg, nil, nil)
}

func TestJoinPublishesOnceThenSynced(t *testing.T) {
	tr := &countingTransport{Bus: NewBus()}
	e := newEngine(t, tr, "a", nil)
	if e.Status() != Disconnected {
		t.Fatalf("initial status %s", e.Status())
	}
	if err := e.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if e.Status() != Synced || tr.publishes != 1 {
		t.Fatalf("status=%s publishes=%d", e.Status(), tr.publishes)
	}
}

func TestJoinFailsWhenTransportDown(t *testing.T) {
	bus := NewBus()
	bus.SetDown(true)
	e := newEngine(t, bus, "a", nil)
	if err := e.Join(context.Background()); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected transport unavailable, got %v", err)
	}
	if e.Status() != Disconnected {
		t.Fatalf("status %s", e.Status())
	}
}

func TestUnchangedStateIsSuppressed(t *testing.T) {
	tr := &countingTransport{Bus: NewBus()}
	e := newEngine(t, tr, "a", nil)
	ctx := context.Background()
	_ = e.Join(ctx)
	now := t0
	for i := 0; i < 20; i++ {
		now = now.Add(150 * time.Millisecond)
		if sent, _ := e.Tick(ctx, now); sent {
			t.Fatalf("idle tick %d published", i)
		}
	}
	_ = e.SetPosition(world.Vec3{X: 6.005, Z: 6}, 0)
	if sent, _ := e.Tick(ctx, now.Add(time.Second)); sent {
		t.Fatalf("sub-epsilon move published")
	}
	_ = e.SetPosition(world.Vec3{X: 6.8, Z: 6}, 0)
	if sent, _ := e.Tick(ctx, now.Add(2*time.Second)); !sent {
		t.Fatalf("real move not published")
	}
	if sent, _ := e.Tick(ctx, now.Add(3*time.Second)); sent {
		t.Fatalf("repeat of same state published")
	}
	e.SetBusy(true)
	if sent, _ := e.Tick(ctx, now.Add(4*time.Second)); !sent {
		t.Fatalf("activity change not published")
	}
	if tr.publishes != 3 {
		t.Fatalf("publishes=%d", tr.publishes)
	}
}

func TestPeersLastWriteWinsAndSnapshotRemoval(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	a := newEngine(t, bus, "a", nil)
	b := newEngine(t, bus, "b", nil)
	c := newEngine(t, bus, "c", nil)
	for _, e := range []*Engine{a, b, c} {
		if err := e.Join(ctx); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if got := a.Peers(); len(got) != 2 || got[0].SessionID != "b" || got[1].SessionID != "c" {
		t.Fatalf("peers %+v", got)
	}
	_ = b.SetPosition(world.Vec3{X: 20, Z: 20}, 1)
	_, _ = b.Tick(ctx, t0)
	if got := a.Peers()[0].Position; got.X != 20 {
		t.Fatalf("peer position %+v", got)
	}

	bus.Drop("c")
	bus.Snapshot()
	if got := a.Peers(); len(got) != 1 || got[0].SessionID != "b" {
		t.Fatalf("peers after snapshot %+v", got)
	}
	_ = b.Leave(ctx)
	if got := a.Peers(); len(got) != 0 {
		t.Fatalf("peers after leave %+v", got)
	}
}

func TestInboundSelfAndCorruptDropped(t *testing.T) {
	e := newEngine(t, NewBus(), "a", nil)
	e.HandleFrame(Frame{Type: FrameState, State: &State{SessionID: "a", Position: world.Vec3{X: 99}}})
	e.HandleFrame(Frame{Type: FrameState, State: &State{SessionID: "x", Position: world.Vec3{X: math.NaN()}}})
	if len(e.Peers()) != 0 {
		t.Fatalf("peers %+v", e.Peers())
	}
	if e.Self().Position.X != 6 {
		t.Fatalf("own state overwritten")
	}
}

func TestMessagesExpire(t *testing.T) {
	clock := t0
	bus := NewBus()
	ctx := context.Background()
	a := newEngine(t, bus, "a", &clock)
	b := newEngine(t, bus, "b", &clock)
	_ = a.Join(ctx)
	_ = b.Join(ctx)

	if err := a.Say("  hello town  ", clock); err != nil {
		t.Fatalf("say: %v", err)
	}
	if sent, _ := a.Tick(ctx, clock); !sent {
		t.Fatalf("pending message not published")
	}
	if got := b.Peers()[0].Message; got != "hello town" {
		t.Fatalf("peer message %q", got)
	}

	// a republishes the same bubble because it moved; b keeps the original
	// expiry.
	clock = clock.Add(3 * time.Second)
	_ = a.SetPosition(world.Vec3{X: 9, Z: 9}, 0)
	_, _ = a.Tick(ctx, clock)

	clock = clock.Add(2 * time.Second)
	_, _ = b.Tick(ctx, clock)
	if got := b.Peers()[0].Message; got != "" {
		t.Fatalf("peer message should have expired, got %q", got)
	}
	if sent, _ := a.Tick(ctx, clock); !sent {
		t.Fatalf("expiry of own message should publish a clear")
	}
	if a.Self().Message != "" {
		t.Fatalf("own message not cleared")
	}
}

func TestPublishFailureBacksOff(t *testing.T) {
	tr := &countingTransport{Bus: NewBus()}
	e := newEngine(t, tr, "a", nil)
	ctx := context.Background()
	_ = e.Join(ctx)
	tr.fail = errors.New("socket closed")
	_ = e.SetPosition(world.Vec3{X: 10, Z: 10}, 0)
	if _, err := e.Tick(ctx, t0); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected transport unavailable, got %v", err)
	}
	tr.fail = nil
	if sent, err := e.Tick(ctx, t0.Add(50*time.Millisecond)); sent || err != nil {
		t.Fatalf("tick inside backoff window: sent=%v err=%v", sent, err)
	}
	if sent, _ := e.Tick(ctx, t0.Add(100*time.Millisecond)); !sent {
		t.Fatalf("expected retry after backoff")
	}
}

func TestNormalizeMessage(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "é"
	}
	got, err := NormalizeMessage(long)
	if err != nil || len([]rune(got)) != MaxMessageRunes {
		t.Fatalf("got %d runes, err %v", len([]rune(got)), err)
	}
	if _, err := NormalizeMessage("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
}
