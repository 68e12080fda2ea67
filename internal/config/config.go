// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// LogConfig drives obslog. Keys are read with the LOG_ prefix.
type LogConfig struct {
	Level   string `env:"LEVEL"      envDefault:"info"`
	Console bool   `env:"TO_CONSOLE" envDefault:"true"`
	ToFile  bool   `env:"TO_FILE"    envDefault:"false"`
	Caller  bool   `env:"CALLER"     envDefault:"false"`
	Format  string `env:"FORMAT"     envDefault:"legacy"`
	File    string `env:"FILE"       envDefault:"logs/battle.log"`
}

type AppConfig struct {
	RelayAddr      string   `env:"RELAY_ADDR"      envDefault:":8080"`
	SimAddr        string   `env:"SIM_ADDR"        envDefault:":8081"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	NodeID         string   `env:"NODE_ID"`

	// Empty URLs select the in-memory stores.
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	CatalogPath string `env:"CATALOG_PATH"`
	MessagesDir string `env:"MESSAGES_DIR"`

	TurnTimeLimit     time.Duration `env:"TURN_TIME_LIMIT"     envDefault:"15s"`
	NextTurnDelay     time.Duration `env:"NEXT_TURN_DELAY"     envDefault:"2s"`
	PersistTimeout    time.Duration `env:"PERSIST_TIMEOUT"     envDefault:"10s"`
	WaitingRoomTTL    time.Duration `env:"WAITING_ROOM_TTL"    envDefault:"10m"`
	RoomSweepInterval time.Duration `env:"ROOM_SWEEP_INTERVAL" envDefault:"1m"`
	CardLockTTL       time.Duration `env:"CARD_LOCK_TTL"       envDefault:"30m"`

	SimMaxTrials int           `env:"SIM_MAX_TRIALS" envDefault:"5000"`
	SimWorkers   int           `env:"SIM_WORKERS"    envDefault:"0"`
	SimTimeout   time.Duration `env:"SIM_TIMEOUT"    envDefault:"1m"`

	Log LogConfig `envPrefix:"LOG_"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"TURN_TIME_LIMIT", c.TurnTimeLimit},
		{"WAITING_ROOM_TTL", c.WaitingRoomTTL},
		{"ROOM_SWEEP_INTERVAL", c.RoomSweepInterval},
		{"CARD_LOCK_TTL", c.CardLockTTL},
		{"PERSIST_TIMEOUT", c.PersistTimeout},
		{"SIM_TIMEOUT", c.SimTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.NextTurnDelay < 0 {
		errs = append(errs, errors.New("NEXT_TURN_DELAY must not be negative"))
	}
	if c.SimMaxTrials < 1 {
		errs = append(errs, errors.New("SIM_MAX_TRIALS must be at least 1"))
	}
	if c.SimWorkers < 0 {
		errs = append(errs, errors.New("SIM_WORKERS must not be negative"))
	}
	switch c.Log.Format {
	case "legacy", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of legacy, json, console", c.Log.Format))
	}
	return errors.Join(errs...)
}
