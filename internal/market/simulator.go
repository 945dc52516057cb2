// Package market runs the shared random-walk price process and holds the
// pure trade arithmetic used by the stores.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	mathrand "math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"idletown/internal/metrics"
)

const (
	MinPrice = 0.01
	MaxPrice = 1_000_000.0
)

type Instrument struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Anchor    float64   `json:"anchor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultInstruments is the listing a fresh market starts with.
func DefaultInstruments() []Instrument {
	return []Instrument{
		{Symbol: "BANK", Name: "Town Savings & Loan", Price: 60, Anchor: 60},
		{Symbol: "COFE", Name: "Bean Counter Coffee", Price: 40, Anchor: 40},
		{Symbol: "FUEL", Name: "Gas & Go", Price: 75, Anchor: 75},
		{Symbol: "ROKT", Name: "Rocket Works", Price: 250, Anchor: 250},
		{Symbol: "TOWN", Name: "Idle Town Holdings", Price: 100, Anchor: 100},
	}
}

// QuoteSink persists prices after each step.
type QuoteSink interface {
	SaveQuotes(ctx context.Context, quotes []Instrument) error
}

type Dynamics struct {
	NoiseScale    float64
	ShockProb     float64
	ShockScale    float64
	MeanReversion float64
	// MaxMove bounds the log return of a single step in either direction.
	MaxMove float64
}

func DynamicsFor(mode string) Dynamics {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "calm":
		return Dynamics{NoiseScale: 0.010, ShockProb: 0.03, ShockScale: 0.05, MeanReversion: 0.04, MaxMove: 0.08}
	case "wild":
		return Dynamics{NoiseScale: 0.040, ShockProb: 0.12, ShockScale: 0.15, MeanReversion: 0.015, MaxMove: 0.30}
	default:
		return Dynamics{NoiseScale: 0.022, ShockProb: 0.07, ShockScale: 0.09, MeanReversion: 0.025, MaxMove: 0.15}
	}
}

// Simulator is the single writer of instrument prices. Readers take the read
// lock only.
type Simulator struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	sink    QuoteSink
	dyn     Dynamics

	randMu sync.Mutex
	rand   *mathrand.Rand

	mu          sync.RWMutex
	instruments map[string]Instrument
}

type Option func(*Simulator)

func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rand = mathrand.New(mathrand.NewSource(seed)) }
}

func WithSink(sink QuoteSink) Option {
	return func(s *Simulator) { s.sink = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Simulator) { s.metrics = m }
}

func NewSimulator(instruments []Instrument, dyn Dynamics, logger *slog.Logger, opts ...Option) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulator{
		log:         logger,
		dyn:         dyn,
		rand:        mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
		instruments: make(map[string]Instrument, len(instruments)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Load(instruments)
	return s
}

// SetSink attaches the persistence target. Call it before Run.
func (s *Simulator) SetSink(sink QuoteSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Load replaces the instrument set, e.g. with prices read back from storage.
func (s *Simulator) Load(instruments []Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments = make(map[string]Instrument, len(instruments))
	for _, in := range instruments {
		in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
		if in.Anchor <= 0 {
			in.Anchor = in.Price
		}
		in.Price = clampPrice(in.Price)
		s.instruments[in.Symbol] = in
	}
}

func (s *Simulator) Quote(symbol string) (Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instruments[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return in, nil
}

func (s *Simulator) Quotes() []Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instrument, 0, len(s.instruments))
	for _, in := range s.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Step perturbs every price once and hands the result to the sink. A sink
// failure is logged; prices stay advanced in memory.
func (s *Simulator) Step(ctx context.Context, now time.Time) []Instrument {
	s.mu.Lock()
	for sym, in := range s.instruments {
		in.Price = evolvePrice(in.Price, s.nextReturn(in), s.dyn.MaxMove)
		in.UpdatedAt = now
		s.instruments[sym] = in
	}
	sink := s.sink
	s.mu.Unlock()
	s.metrics.MarketStep()

	quotes := s.Quotes()
	if sink != nil {
		if err := sink.SaveQuotes(ctx, quotes); err != nil {
			s.log.Warn("market quotes not persisted", "err", err)
		}
	}
	return quotes
}

// Run steps the market every period until ctx is done.
func (s *Simulator) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			s.Step(ctx, t)
		}
	}
}

func (s *Simulator) nextReturn(in Instrument) float64 {
	ret := s.dyn.NoiseScale*normalish(s.nextFloat()) + meanReversion(in.Price, in.Anchor, s.dyn.MeanReversion)
	if s.nextFloat() < s.dyn.ShockProb {
		ret += signedShock(s.nextFloat(), s.nextFloat(), s.dyn.ShockScale)
	}
	return ret
}

func (s *Simulator) nextFloat() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Float64()
}

func meanReversion(price, anchor, strength float64) float64 {
	if anchor <= 0 {
		return 0
	}
	return strength * (anchor - price) / anchor
}

func normalish(seed float64) float64 {
	return seed + seed - 1
}

func signedShock(magSeed, signSeed, base float64) float64 {
	mag := base * (0.35 + 0.65*magSeed)
	if signSeed < 0.5 {
		return -mag
	}
	return mag
}

func evolvePrice(price, ret, maxMove float64) float64 {
	if math.IsNaN(ret) {
		ret = 0
	}
	if ret > maxMove {
		ret = maxMove
	}
	if ret < -maxMove {
		ret = -maxMove
	}
	return clampPrice(price * math.Exp(ret))
}

func clampPrice(p float64) float64 {
	if math.IsNaN(p) || p < MinPrice {
		return MinPrice
	}
	if p > MaxPrice {
		return MaxPrice
	}
	return p
}
