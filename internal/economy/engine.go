package economy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"idletown/internal/metrics"
	"idletown/internal/sched"
)

// Checkpointer is the durable side of a checkpoint.
type Checkpointer interface {
	UpdatePlayerState(ctx context.Context, playerID string, p Patch) (Player, error)
}

type Event struct {
	Kind   string    `json:"kind"`
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
}

type EngineConfig struct {
	TickEvery       time.Duration
	CheckpointEvery time.Duration
	Rates           Rates
	// CheckpointTimeout bounds one checkpoint call.
	CheckpointTimeout time.Duration
}

// Engine drives income and interest for one player and checkpoints the
// result. Checkpoints are best effort: a failure keeps the deltas for the
// next attempt and never interrupts the tick.
type Engine struct {
	playerID string
	wallet   *Wallet
	store    Checkpointer
	cfg      EngineConfig
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	onEvent func(Event)
	lastOK  time.Time

	// syncMu orders checkpoints against server-side balance commands, so a
	// reconcile never lands between a command and its local mirror.
	syncMu sync.Mutex
}

func NewEngine(playerID string, wallet *Wallet, store Checkpointer, cfg EngineConfig, log *slog.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = 10 * time.Second
	}
	return &Engine{playerID: playerID, wallet: wallet, store: store, cfg: cfg, log: log, metrics: m}
}

func (e *Engine) OnEvent(fn func(Event)) {
	e.mu.Lock()
	e.onEvent = fn
	e.mu.Unlock()
}

// Register puts the tick and the checkpoint on s. ctx bounds checkpoint calls.
func (e *Engine) Register(ctx context.Context, s *sched.Scheduler) {
	s.Every("economy.tick", e.cfg.TickEvery, e.Tick)
	s.Every("economy.checkpoint", e.cfg.CheckpointEvery, func(time.Time) {
		_ = e.Checkpoint(ctx)
	})
}

func (e *Engine) Tick(now time.Time) {
	income := e.wallet.Tick(e.cfg.Rates)
	if income > 0 {
		e.emit(Event{Kind: "income", Amount: income, At: now})
	}
}

func (e *Engine) Checkpoint(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.checkpoint(ctx)
}

// Exclusive ships the unsynced deltas and then runs fn with checkpoints held
// off. fn sends one server-side balance command and mirrors its result into
// the wallet before returning. A failed checkpoint is logged and fn still
// runs against the older balance.
func (e *Engine) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if err := e.checkpoint(ctx); err != nil {
		e.log.Debug("pre-command checkpoint failed", "player_id", e.playerID, "err", err)
	}
	return fn(ctx)
}

func (e *Engine) checkpoint(ctx context.Context) error {
	patch := e.wallet.TakeUnsynced()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CheckpointTimeout)
	defer cancel()
	pl, err := e.store.UpdatePlayerState(ctx, e.playerID, patch)
	e.metrics.Checkpoint(err == nil)
	if err != nil {
		e.wallet.Restore(patch)
		e.log.Warn("economy checkpoint failed", "player_id", e.playerID, "err", err)
		return err
	}
	e.wallet.Reconcile(pl.Account)
	e.mu.Lock()
	e.lastOK = time.Now()
	e.mu.Unlock()
	return nil
}

func (e *Engine) LastCheckpoint() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOK
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	fn := e.onEvent
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
