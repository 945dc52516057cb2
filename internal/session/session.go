// Package session runs every client-side engine for one connected player
// on a single scheduler and turns their state into render frames.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"idletown/internal/aoi"
	"idletown/internal/command"
	"idletown/internal/economy"
	"idletown/internal/market"
	"idletown/internal/metrics"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/sched"
	"idletown/internal/store"
	"idletown/internal/world"
)

var ErrUnknownDirection = errors.New("unknown direction")

// Remote is the slice of the durable store a client session calls. Both
// the in-process store and the HTTP client satisfy it.
type Remote interface {
	EnsurePlayer(ctx context.Context, id, name string) (store.PlayerState, error)
	GetPlayerState(ctx context.Context, id string) (store.PlayerState, error)
	UpdatePlayerState(ctx context.Context, id string, p economy.Patch) (store.PlayerState, error)
	CommitConstruction(ctx context.Context, c store.Construction) (world.Entity, error)
	QueryEntitiesNear(ctx context.Context, x, z, radius float64) ([]world.Entity, error)
	UpgradeEntity(ctx context.Context, ownerID, entityID string) (store.UpgradeResult, error)
	Trade(ctx context.Context, o market.Order) (market.Fill, error)
	Transfer(ctx context.Context, fromID, toID string, amount float64) (store.TransferResult, error)
	Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardRow, error)
	Quotes(ctx context.Context) ([]market.Instrument, error)
}

// Announcer pushes committed entities to other players. The API server
// does this itself, so only in-process setups need one.
type Announcer interface {
	BroadcastEntity(e world.Entity)
}

type Config struct {
	AOI        aoi.Config
	Placement  placement.Rules
	Presence   presence.Config
	Economy    economy.EngineConfig
	Start      world.Vec3
	MoveSpeed  float64
	Resolution time.Duration
	BusyFor    time.Duration
	EventTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MoveSpeed <= 0 {
		c.MoveSpeed = 0.8
	}
	if c.BusyFor <= 0 {
		c.BusyFor = 500 * time.Millisecond
	}
	if c.EventTTL <= 0 {
		c.EventTTL = 2 * time.Second
	}
	if c.Economy.TickEvery <= 0 {
		c.Economy.TickEvery = time.Second
	}
	if c.Economy.CheckpointEvery <= 0 {
		c.Economy.CheckpointEvery = 30 * time.Second
	}
	return c
}

// FloatingEvent is a short-lived "+N" shown above the player.
type FloatingEvent struct {
	Kind   string    `json:"kind"`
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
}

// Frame is everything a renderer needs for one draw.
type Frame struct {
	At              time.Time                  `json:"at"`
	Status          string                     `json:"status"`
	Position        world.Vec3                 `json:"position"`
	Rotation        float64                    `json:"rotation"`
	Self            presence.State             `json:"self"`
	OtherPlayers    []presence.State           `json:"other_players"`
	VisibleEntities []world.Entity             `json:"visible_entities"`
	Cash            float64                    `json:"cash"`
	Energy          int                        `json:"energy"`
	Income          float64                    `json:"income"`
	Deposit         float64                    `json:"deposit"`
	Loan            float64                    `json:"loan"`
	CreditLimit     float64                    `json:"credit_limit"`
	Portfolio       map[string]market.Position `json:"portfolio,omitempty"`
	FloatingEvents  []FloatingEvent            `json:"floating_events,omitempty"`
}

type Option func(*Session)

// WithScheduler drives the session from s instead of a wall-clock scheduler
// of its own.
func WithScheduler(s *sched.Scheduler) Option {
	return func(ss *Session) { ss.sched = s }
}

func WithAnnouncer(a Announcer) Option {
	return func(ss *Session) { ss.announcer = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(ss *Session) { ss.metrics = m }
}

type Session struct {
	playerID  string
	remote    Remote
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	announcer Announcer

	sched    *sched.Scheduler
	wallet   *economy.Wallet
	economy  *economy.Engine
	loader   *aoi.Loader
	presence *presence.Engine
	pipeline *command.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pos      world.Vec3
	rotation float64
	events   []FloatingEvent
	closed   bool
	busyStop func()
}

// Open loads the player, fetches the first area of interest, joins presence
// and registers every periodic handler. A presence failure leaves the
// session playable in Disconnected state.
func Open(ctx context.Context, playerID, name string, remote Remote, transport presence.Transport, cfg Config, log *slog.Logger, opts ...Option) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	if !cfg.Start.Valid() {
		return nil, world.ErrCorruptPosition
	}
	s := &Session{playerID: playerID, remote: remote, cfg: cfg, log: log, pos: cfg.Start}
	for _, opt := range opts {
		opt(s)
	}
	if s.sched == nil {
		s.sched = sched.New(time.Now(), cfg.Resolution, log)
	}
	if cfg.Presence.Clock == nil {
		cfg.Presence.Clock = s.sched.Now
	}

	pl, err := remote.EnsurePlayer(ctx, playerID, name)
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", playerID, err)
	}
	s.wallet = economy.NewWallet(pl.Account)

	s.loader = aoi.New(remote, cfg.AOI, log, s.metrics)
	if err := s.loader.Refresh(ctx, cfg.Start.Ground()); err != nil {
		return nil, fmt.Errorf("initial area fetch: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.presence = presence.NewEngine(presence.State{
		SessionID:  uuid.NewString(),
		PlayerID:   playerID,
		Name:       pl.Name,
		Position:   cfg.Start,
		Appearance: pl.Appearance,
	}, transport, cfg.Presence, log, s.metrics)
	s.presence.OnEntity(func(e world.Entity) { s.loader.Push(e) })

	s.economy = economy.NewEngine(playerID, s.wallet, remote, cfg.Economy, log, s.metrics)
	s.economy.OnEvent(func(ev economy.Event) { s.addEvent(ev.Kind, ev.Amount, ev.At) })

	s.pipeline = command.New(playerID, placement.New(cfg.Placement), s.wallet, s.loader, remote, log, s.metrics)
	s.pipeline.SetGuard(s.economy.Exclusive)
	s.pipeline.OnConflict(func() {
		if err := s.Resync(s.ctx); err != nil {
			log.Warn("resync after conflict failed", "player_id", playerID, "err", err)
		}
	})
	if s.announcer != nil {
		s.pipeline.OnCommitted(s.announcer.BroadcastEntity)
	}

	if err := s.presence.Join(ctx); err != nil {
		log.Warn("presence join failed", "player_id", playerID, "err", err)
	}
	s.economy.Register(s.ctx, s.sched)
	s.presence.Register(s.ctx, s.sched)
	return s, nil
}

// Run drives the scheduler from the wall clock until ctx ends or Close.
func (s *Session) Run(ctx context.Context) {
	s.sched.Run(ctx)
}

func (s *Session) PlayerID() string { return s.playerID }

func (s *Session) Scheduler() *sched.Scheduler { return s.sched }

// Move takes one stride in d. A blocked stride leaves the avatar in place
// and reports false.
func (s *Session) Move(ctx context.Context, d world.Direction) (bool, error) {
	s.mu.Lock()
	next, ok := world.Step(s.pos, d, s.cfg.MoveSpeed)
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownDirection, d)
	}
	if world.Blocked(next.Ground(), s.loader.Visible()) {
		s.mu.Unlock()
		return false, nil
	}
	s.pos = next
	s.rotation = facing(d)
	rot := s.rotation
	s.mu.Unlock()

	if err := s.presence.SetPosition(next, rot); err != nil {
		return false, err
	}
	if _, err := s.loader.Observe(ctx, next.Ground()); err != nil {
		s.log.Warn("area fetch failed", "player_id", s.playerID, "err", err)
	}
	return true, nil
}

// Home teleports to the start position and refetches the area around it.
func (s *Session) Home(ctx context.Context) error {
	s.mu.Lock()
	s.pos = s.cfg.Start
	s.rotation = 0
	s.mu.Unlock()
	if err := s.presence.SetPosition(s.cfg.Start, 0); err != nil {
		return err
	}
	return s.loader.Refresh(ctx, s.cfg.Start.Ground())
}

// Build submits a construction. Rejections come back synchronously; the
// returned ticket resolves when the store answers. The commit ships local
// earnings first so the store checks funds against the same cash.
func (s *Session) Build(t world.BuildingType, target world.Vec2) (*command.Ticket, error) {
	return s.pipeline.Submit(command.BuildRequest{Type: t, Target: target})
}

func (s *Session) Upgrade(ctx context.Context, entityID string) (store.UpgradeResult, error) {
	var res store.UpgradeResult
	err := s.economy.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.remote.UpgradeEntity(ctx, s.playerID, entityID)
		if err != nil {
			return err
		}
		s.wallet.ApplyRemote(-res.Cost, res.IncomeDelta, "", nil)
		return nil
	})
	if err != nil {
		return store.UpgradeResult{}, err
	}
	s.loader.Replace(res.Entity)
	return res, nil
}

// Work trades energy for cash and shows the player busy for a moment.
func (s *Session) Work() error {
	if err := s.wallet.Work(); err != nil {
		return err
	}
	now := s.sched.Now()
	s.addEvent("work", economy.WorkPay, now)
	s.presence.SetBusy(true)
	s.mu.Lock()
	if s.busyStop != nil {
		s.busyStop()
	}
	s.busyStop = s.sched.After("session.work", s.cfg.BusyFor, func(time.Time) {
		s.presence.SetBusy(false)
	})
	s.mu.Unlock()
	return nil
}

func (s *Session) Sleep() { s.wallet.Sleep() }

func (s *Session) Deposit(amount float64) error  { return s.wallet.Deposit(amount) }
func (s *Session) Withdraw(amount float64) error { return s.wallet.Withdraw(amount) }
func (s *Session) Borrow(amount float64) error   { return s.wallet.Borrow(amount) }

func (s *Session) Repay(amount float64) (float64, error) { return s.wallet.Repay(amount) }

func (s *Session) Trade(ctx context.Context, symbol string, side market.Side, qty int64) (market.Fill, error) {
	var fill market.Fill
	err := s.economy.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		fill, err = s.remote.Trade(ctx, market.Order{PlayerID: s.playerID, Symbol: symbol, Side: side, Quantity: qty})
		if err != nil {
			return err
		}
		delta := fill.Notional
		if fill.Side == market.Buy {
			delta = -delta
		}
		pos := fill.Position
		s.wallet.ApplyRemote(delta, 0, fill.Symbol, &pos)
		return nil
	})
	if err != nil {
		return market.Fill{}, err
	}
	return fill, nil
}

func (s *Session) Transfer(ctx context.Context, toID string, amount float64) (store.TransferResult, error) {
	var res store.TransferResult
	err := s.economy.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.remote.Transfer(ctx, s.playerID, toID, amount)
		if err != nil {
			return err
		}
		s.wallet.ApplyRemote(-res.Amount, 0, "", nil)
		return nil
	})
	if err != nil {
		return store.TransferResult{}, err
	}
	return res, nil
}

func (s *Session) Quotes(ctx context.Context) ([]market.Instrument, error) {
	return s.remote.Quotes(ctx)
}

func (s *Session) Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardRow, error) {
	return s.remote.Leaderboard(ctx, limit)
}

func (s *Session) Say(text string) error {
	return s.presence.Say(text, s.sched.Now())
}

func (s *Session) SetAppearance(ctx context.Context, a world.Appearance) error {
	a = a.WithDefaults()
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := s.remote.UpdatePlayerState(ctx, s.playerID, economy.Patch{Appearance: &a}); err != nil {
		return err
	}
	s.presence.SetAppearance(a)
	return nil
}

func (s *Session) SetName(ctx context.Context, name string) error {
	clean, err := store.SanitizeName(name, "")
	if err != nil {
		return err
	}
	pl, err := s.remote.UpdatePlayerState(ctx, s.playerID, economy.Patch{Name: &clean})
	if err != nil {
		return err
	}
	s.presence.SetName(pl.Name)
	return nil
}

// Resync re-reads the authoritative account and area, keeping local changes
// not yet checkpointed.
func (s *Session) Resync(ctx context.Context) error {
	err := s.economy.Exclusive(ctx, func(ctx context.Context) error {
		pl, err := s.remote.GetPlayerState(ctx, s.playerID)
		if err != nil {
			return err
		}
		s.wallet.Reconcile(pl.Account)
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	pos := s.pos
	s.mu.Unlock()
	return s.loader.Refresh(ctx, pos.Ground())
}

// Checkpoint pushes unsynced economy changes now.
func (s *Session) Checkpoint(ctx context.Context) error {
	return s.economy.Checkpoint(ctx)
}

func (s *Session) Frame() Frame {
	now := s.sched.Now()
	acct := s.wallet.Snapshot()
	self := s.presence.Self()

	s.mu.Lock()
	pos, rot := s.pos, s.rotation
	live := s.events[:0]
	for _, ev := range s.events {
		if now.Sub(ev.At) < s.cfg.EventTTL {
			live = append(live, ev)
		}
	}
	s.events = live
	events := append([]FloatingEvent(nil), live...)
	s.mu.Unlock()

	return Frame{
		At:              now,
		Status:          s.presence.Status().String(),
		Position:        pos,
		Rotation:        rot,
		Self:            self,
		OtherPlayers:    s.presence.Peers(),
		VisibleEntities: s.loader.Visible(),
		Cash:            acct.Cash,
		Energy:          acct.Energy,
		Income:          acct.Income,
		Deposit:         acct.Deposit,
		Loan:            acct.Loan,
		CreditLimit:     acct.CreditLimit(),
		Portfolio:       acct.Portfolio,
		FloatingEvents:  events,
	}
}

// Close stops every handler, waits for in-flight constructions, writes a
// last checkpoint and leaves presence. It is safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sched.Stop()
	s.pipeline.Drain()
	err := s.economy.Checkpoint(ctx)
	if lerr := s.presence.Leave(ctx); lerr != nil {
		s.log.Warn("presence leave failed", "player_id", s.playerID, "err", lerr)
	}
	s.cancel()
	return err
}

const maxEvents = 16

func (s *Session) addEvent(kind string, amount float64, at time.Time) {
	s.mu.Lock()
	s.events = append(s.events, FloatingEvent{Kind: kind, Amount: amount, At: at})
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
	s.mu.Unlock()
}

func facing(d world.Direction) float64 {
	switch d {
	case world.Down:
		return math.Pi
	case world.Left:
		return math.Pi / 2
	case world.Right:
		return -math.Pi / 2
	default:
		return 0
	}
}
