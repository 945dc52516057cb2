package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"idletown/internal/aoi"
	"idletown/internal/economy"
	"idletown/internal/placement"
	"idletown/internal/presence"
	"idletown/internal/session"
	"idletown/internal/store"
	"idletown/internal/world"
)

// Tunables are the game constants shared by the server and every client.
type Tunables struct {
	World    WorldTunables    `toml:"world"`
	Presence PresenceTunables `toml:"presence"`
	Economy  EconomyTunables  `toml:"economy"`
	Market   MarketTunables   `toml:"market"`
	Player   PlayerTunables   `toml:"player"`
}

type WorldTunables struct {
	ViewDistance    float64 `toml:"view_distance"`
	FetchThreshold  float64 `toml:"fetch_threshold"`
	MinSpacing      float64 `toml:"min_spacing"`
	ProtectedRadius float64 `toml:"protected_radius"`
	MaxLevel        int     `toml:"max_level"`
}

type PresenceTunables struct {
	Interval      time.Duration `toml:"interval"`
	Epsilon       float64       `toml:"epsilon"`
	MessageTTL    time.Duration `toml:"message_ttl"`
	SnapshotEvery time.Duration `toml:"snapshot_every"`
	PublishRate   float64       `toml:"publish_rate"`
	PublishBurst  int           `toml:"publish_burst"`
}

type EconomyTunables struct {
	TickEvery         time.Duration `toml:"tick_every"`
	CheckpointEvery   time.Duration `toml:"checkpoint_every"`
	DepositPerMinute  float64       `toml:"deposit_per_minute"`
	LoanPerMinute     float64       `toml:"loan_per_minute"`
	SchedulerInterval time.Duration `toml:"scheduler_interval"`
}

type MarketTunables struct {
	TickEvery time.Duration `toml:"tick_every"`
}

type PlayerTunables struct {
	StartingCash   float64 `toml:"starting_cash"`
	StartingEnergy int     `toml:"starting_energy"`
	StartX         float64 `toml:"start_x"`
	StartZ         float64 `toml:"start_z"`
	MoveSpeed      float64 `toml:"move_speed"`
}

// LoadTunables overlays the TOML file at path on the compiled-in defaults.
// An empty path returns the defaults.
func LoadTunables(path string) (Tunables, error) {
	t := DefaultTunables()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tunables %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tunables %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tunables %s: %w", path, err)
	}
	return t, nil
}

func DefaultTunables() Tunables {
	return Tunables{
		World: WorldTunables{
			ViewDistance:    70,
			FetchThreshold:  20,
			MinSpacing:      1.5,
			ProtectedRadius: 3,
			MaxLevel:        6,
		},
		Presence: PresenceTunables{
			Interval:      150 * time.Millisecond,
			Epsilon:       0.01,
			MessageTTL:    5 * time.Second,
			SnapshotEvery: 2 * time.Second,
			PublishRate:   20,
			PublishBurst:  5,
		},
		Economy: EconomyTunables{
			TickEvery:         time.Second,
			CheckpointEvery:   30 * time.Second,
			DepositPerMinute:  0.005,
			LoanPerMinute:     0.05,
			SchedulerInterval: 50 * time.Millisecond,
		},
		Market: MarketTunables{
			TickEvery: 5 * time.Second,
		},
		Player: PlayerTunables{
			StartingCash:   1000,
			StartingEnergy: economy.MaxEnergy,
			StartX:         6,
			StartZ:         6,
			MoveSpeed:      0.8,
		},
	}
}

func (t Tunables) Validate() error {
	switch {
	case t.World.ViewDistance <= 0:
		return fmt.Errorf("view_distance must be positive")
	case t.World.FetchThreshold <= 0 || t.World.FetchThreshold >= t.World.ViewDistance:
		return fmt.Errorf("fetch_threshold must be positive and below view_distance")
	case t.World.MinSpacing < 0 || t.World.ProtectedRadius < 0:
		return fmt.Errorf("min_spacing and protected_radius must not be negative")
	case t.World.MaxLevel < 1:
		return fmt.Errorf("max_level must be at least 1")
	case t.Presence.Interval <= 0 || t.Economy.TickEvery <= 0 || t.Economy.CheckpointEvery <= 0 || t.Market.TickEvery <= 0:
		return fmt.Errorf("periods must be positive")
	case t.Player.StartingCash < 0:
		return fmt.Errorf("starting_cash must not be negative")
	}
	return nil
}

func (t Tunables) PlacementRules() placement.Rules {
	return placement.Rules{ProtectedRadius: t.World.ProtectedRadius, MinSpacing: t.World.MinSpacing}
}

func (t Tunables) AOI() aoi.Config {
	return aoi.Config{ViewDistance: t.World.ViewDistance, FetchThreshold: t.World.FetchThreshold}
}

func (t Tunables) PresenceEngine() presence.Config {
	return presence.Config{
		Interval:   t.Presence.Interval,
		Epsilon:    t.Presence.Epsilon,
		MessageTTL: t.Presence.MessageTTL,
	}
}

func (t Tunables) Hub() presence.HubConfig {
	return presence.HubConfig{PublishRate: t.Presence.PublishRate, PublishBurst: t.Presence.PublishBurst}
}

func (t Tunables) EconomyEngine() economy.EngineConfig {
	return economy.EngineConfig{
		TickEvery:       t.Economy.TickEvery,
		CheckpointEvery: t.Economy.CheckpointEvery,
		Rates:           economy.RatesPerTick(t.Economy.DepositPerMinute, t.Economy.LoanPerMinute, t.Economy.TickEvery),
	}
}

func (t Tunables) StoreDefaults() store.Defaults {
	return store.Defaults{
		StartingCash:   t.Player.StartingCash,
		StartingEnergy: t.Player.StartingEnergy,
		MaxLevel:       t.World.MaxLevel,
	}
}

func (t Tunables) StartPosition() world.Vec3 {
	return world.Vec2{X: t.Player.StartX, Z: t.Player.StartZ}.Lift(0)
}

// Session assembles the client runtime settings.
func (t Tunables) Session() session.Config {
	return session.Config{
		AOI:        t.AOI(),
		Placement:  t.PlacementRules(),
		Presence:   t.PresenceEngine(),
		Economy:    t.EconomyEngine(),
		Start:      t.StartPosition(),
		MoveSpeed:  t.Player.MoveSpeed,
		Resolution: t.Economy.SchedulerInterval,
	}
}
