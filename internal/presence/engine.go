package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"idletown/internal/metrics"
	"idletown/internal/sched"
	"idletown/internal/world"
)

// Transport is the pub/sub surface the engine talks to. Delivery is at most
// once with no ordering across publishers.
type Transport interface {
	// Subscribe registers deliver for inbound frames and returns once the
	// subscription is confirmed.
	Subscribe(ctx context.Context, sessionID string, deliver func(Frame)) error
	Publish(ctx context.Context, s State) error
	Unsubscribe(ctx context.Context, sessionID string) error
}

type Status int

const (
	Disconnected Status = iota
	Joining
	Synced
)

func (s Status) String() string {
	switch s {
	case Joining:
		return "joining"
	case Synced:
		return "synced"
	default:
		return "disconnected"
	}
}

type Config struct {
	Interval   time.Duration
	Epsilon    float64
	MessageTTL time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// Clock stamps inbound frames for message expiry. Defaults to time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 150 * time.Millisecond
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 0.01
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = 5 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 75 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type peer struct {
	state      State
	msgExpires time.Time
}

// Engine is one session's presence state machine:
// Disconnected -> Joining -> Synced -> Disconnected.
type Engine struct {
	transport Transport
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	status     Status
	self       State
	lastSent   State
	sent       bool
	msgPending bool
	msgExpires time.Time
	peers      map[string]*peer
	backoff    time.Duration
	retryAt    time.Time
	onEntity   func(world.Entity)
}

func NewEngine(self State, transport Transport, cfg Config, log *slog.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	self.Appearance = self.Appearance.WithDefaults()
	return &Engine{
		transport: transport,
		cfg:       cfg.withDefaults(),
		log:       log,
		metrics:   m,
		self:      self,
		peers:     make(map[string]*peer),
	}
}

// OnEntity sets the callback for creation-feed frames.
func (e *Engine) OnEntity(fn func(world.Entity)) {
	e.mu.Lock()
	e.onEntity = fn
	e.mu.Unlock()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self.SessionID
}

// Join subscribes, waits for confirmation, publishes the full state once and
// only then reports Synced.
func (e *Engine) Join(ctx context.Context) error {
	e.mu.Lock()
	if e.status != Disconnected {
		e.mu.Unlock()
		return fmt.Errorf("presence join: already %s", e.status)
	}
	e.status = Joining
	sessionID := e.self.SessionID
	e.mu.Unlock()

	if err := e.transport.Subscribe(ctx, sessionID, e.HandleFrame); err != nil {
		e.setStatus(Disconnected)
		return fmt.Errorf("presence subscribe: %w", err)
	}

	e.mu.Lock()
	full := e.self
	e.msgPending = false
	e.mu.Unlock()
	if err := e.transport.Publish(ctx, full); err != nil {
		_ = e.transport.Unsubscribe(ctx, sessionID)
		e.setStatus(Disconnected)
		return fmt.Errorf("presence initial publish: %w", err)
	}

	e.mu.Lock()
	e.lastSent = full
	e.sent = true
	e.status = Synced
	e.mu.Unlock()
	e.metrics.PresencePublish("sent")
	return nil
}

// Leave unsubscribes and forgets every peer.
func (e *Engine) Leave(ctx context.Context) error {
	e.mu.Lock()
	if e.status == Disconnected {
		e.mu.Unlock()
		return nil
	}
	e.status = Disconnected
	e.peers = make(map[string]*peer)
	sessionID := e.self.SessionID
	e.mu.Unlock()
	return e.transport.Unsubscribe(ctx, sessionID)
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Engine) SetPosition(p world.Vec3, rotation float64) error {
	if !p.Valid() {
		return world.ErrCorruptPosition
	}
	e.mu.Lock()
	e.self.Position = p
	e.self.Rotation = rotation
	e.mu.Unlock()
	return nil
}

func (e *Engine) SetBusy(busy bool) {
	e.mu.Lock()
	e.self.Busy = busy
	e.mu.Unlock()
}

func (e *Engine) SetAppearance(a world.Appearance) {
	e.mu.Lock()
	e.self.Appearance = a.WithDefaults()
	e.mu.Unlock()
}

func (e *Engine) SetName(name string) {
	e.mu.Lock()
	e.self.Name = name
	e.mu.Unlock()
}

// Say attaches a chat bubble that clears itself MessageTTL after now.
func (e *Engine) Say(text string, now time.Time) error {
	msg, err := NormalizeMessage(text)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.self.Message = msg
	e.self.MessageSeq++
	e.msgPending = true
	e.msgExpires = now.Add(e.cfg.MessageTTL)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Self() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self
}

// Tick expires chat bubbles and publishes the local state if something
// worth sending changed since the last publish.
func (e *Engine) Tick(ctx context.Context, now time.Time) (bool, error) {
	e.mu.Lock()
	e.expireLocked(now)
	if e.status != Synced {
		e.mu.Unlock()
		return false, nil
	}
	if !e.retryAt.IsZero() && now.Before(e.retryAt) {
		e.mu.Unlock()
		return false, nil
	}
	if !e.changedLocked() {
		e.mu.Unlock()
		e.metrics.PresencePublish("suppressed")
		return false, nil
	}
	out := e.self
	e.mu.Unlock()

	err := e.transport.Publish(ctx, out)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.backoff == 0 {
			e.backoff = e.cfg.MinBackoff
		} else if e.backoff < e.cfg.MaxBackoff {
			e.backoff *= 2
			if e.backoff > e.cfg.MaxBackoff {
				e.backoff = e.cfg.MaxBackoff
			}
		}
		e.retryAt = now.Add(e.backoff)
		e.metrics.PresencePublish("failed")
		return false, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	e.backoff = 0
	e.retryAt = time.Time{}
	e.lastSent = out
	e.sent = true
	if out.MessageSeq == e.self.MessageSeq {
		e.msgPending = false
	}
	e.metrics.PresencePublish("sent")
	return true, nil
}

func (e *Engine) changedLocked() bool {
	if !e.sent || e.msgPending {
		return true
	}
	prev, cur := e.lastSent, e.self
	if world.Distance(prev.Position.Ground(), cur.Position.Ground()) > e.cfg.Epsilon {
		return true
	}
	if abs(prev.Position.Y-cur.Position.Y) > e.cfg.Epsilon || abs(prev.Rotation-cur.Rotation) > e.cfg.Epsilon {
		return true
	}
	return prev.Busy != cur.Busy ||
		prev.Appearance != cur.Appearance ||
		prev.Name != cur.Name ||
		prev.Message != cur.Message
}

func (e *Engine) expireLocked(now time.Time) {
	if e.self.Message != "" && !now.Before(e.msgExpires) {
		e.self.Message = ""
		e.msgPending = false
	}
	for _, p := range e.peers {
		if p.state.Message != "" && !now.Before(p.msgExpires) {
			p.state.Message = ""
		}
	}
}

// HandleFrame applies one inbound frame. Frames about this session and
// states with corrupt coordinates are dropped.
func (e *Engine) HandleFrame(f Frame) {
	now := e.cfg.Clock()
	switch f.Type {
	case FrameState:
		if f.State != nil {
			e.applyState(*f.State, now)
		}
	case FrameSnapshot, FrameJoined:
		e.applySnapshot(f.States, now)
	case FrameLeave:
		e.mu.Lock()
		delete(e.peers, f.SessionID)
		e.mu.Unlock()
	case FrameEntity:
		e.mu.Lock()
		fn := e.onEntity
		e.mu.Unlock()
		if fn != nil && f.Entity != nil {
			fn(*f.Entity)
		}
	}
}

func (e *Engine) applyState(s State, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsertLocked(s, now)
}

func (e *Engine) upsertLocked(s State, now time.Time) {
	if s.SessionID == e.self.SessionID {
		return
	}
	if !s.Valid() {
		e.log.Debug("presence dropped corrupt state", "session_id", s.SessionID)
		return
	}
	s.Appearance = s.Appearance.WithDefaults()
	p, ok := e.peers[s.SessionID]
	if !ok {
		p = &peer{}
		e.peers[s.SessionID] = p
	}
	sameMessage := ok && p.state.MessageSeq == s.MessageSeq
	expires := p.msgExpires
	cleared := ok && sameMessage && p.state.Message == ""
	p.state = s
	switch {
	case s.Message == "":
	case sameMessage && cleared:
		p.state.Message = ""
	case sameMessage:
		p.msgExpires = expires
	default:
		p.msgExpires = now.Add(e.cfg.MessageTTL)
	}
}

func (e *Engine) applySnapshot(states []State, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	present := make(map[string]struct{}, len(states))
	for _, s := range states {
		present[s.SessionID] = struct{}{}
		e.upsertLocked(s, now)
	}
	for id := range e.peers {
		if _, ok := present[id]; !ok {
			delete(e.peers, id)
		}
	}
}

// Peers returns the other sessions ordered by session id.
func (e *Engine) Peers() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Register puts the heartbeat on s.
func (e *Engine) Register(ctx context.Context, s *sched.Scheduler) {
	s.Every("presence.heartbeat", e.cfg.Interval, func(now time.Time) {
		if _, err := e.Tick(ctx, now); err != nil {
			e.log.Debug("presence heartbeat failed", "err", err)
		}
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
