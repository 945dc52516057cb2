package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr             string
	DatabaseURL      string
	TunablesPath     string
	MarketExternal   bool
	MarketVolatility string
	ShutdownTimeout  time.Duration
}

type CLIConfig struct {
	APIBaseURL   string
	TunablesPath string
}

// LoadAPIFromEnv reads process settings. An empty DATABASE_URL selects the
// in-memory store.
func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("IDLETOWN_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:             addr,
		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		TunablesPath:     strings.TrimSpace(os.Getenv("IDLETOWN_TUNABLES")),
		MarketExternal:   envBoolDefault("IDLETOWN_MARKET_EXTERNAL", false),
		MarketVolatility: envVolatilityDefault(),
		ShutdownTimeout:  envDurationDefault("IDLETOWN_SHUTDOWN_TIMEOUT", 15*time.Second),
	}
	if cfg.MarketExternal && cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("IDLETOWN_MARKET_EXTERNAL requires DATABASE_URL")
	}
	return cfg, nil
}

// LoadWorkerFromEnv is LoadAPIFromEnv for the market worker, which always
// needs a database.
func LoadWorkerFromEnv() (APIConfig, error) {
	cfg, err := LoadAPIFromEnv()
	if err != nil {
		return cfg, err
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL:   strings.TrimRight(envDefault("TOWN_API_BASE_URL", "http://localhost:8080"), "/"),
		TunablesPath: strings.TrimSpace(os.Getenv("IDLETOWN_TUNABLES")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envVolatilityDefault() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("VOLATILITY")))
	if v == "" {
		v = strings.ToLower(strings.TrimSpace(os.Getenv("IDLETOWN_MARKET_VOLATILITY")))
	}
	switch v {
	case "calm", "mor", "wild":
		return v
	default:
		return "mor"
	}
}
