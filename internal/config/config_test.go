package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayAddr != ":8080" || cfg.SimAddr != ":8081" {
		t.Fatalf("addrs = %q %q", cfg.RelayAddr, cfg.SimAddr)
	}
	if cfg.TurnTimeLimit != 15*time.Second || cfg.NextTurnDelay != 2*time.Second {
		t.Fatalf("turn timing = %v %v", cfg.TurnTimeLimit, cfg.NextTurnDelay)
	}
	if cfg.SimMaxTrials != 5000 || cfg.Log.Format != "legacy" || cfg.Log.Level != "info" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9000")
	t.Setenv("ALLOWED_ORIGINS", "a.example, b.example")
	t.Setenv("TURN_TIME_LIMIT", "5s")
	t.Setenv("CARD_LOCK_TTL", "1h")
	t.Setenv("SIM_WORKERS", "3")
	t.Setenv("LOG_FORMAT", " JSON ")
	t.Setenv("LOG_TO_FILE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayAddr != ":9000" || cfg.TurnTimeLimit != 5*time.Second || cfg.CardLockTTL != time.Hour {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || strings.TrimSpace(cfg.AllowedOrigins[1]) != "b.example" {
		t.Fatalf("origins = %q", cfg.AllowedOrigins)
	}
	if cfg.SimWorkers != 3 || cfg.Log.Format != "json" || !cfg.Log.ToFile {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"TURN_TIME_LIMIT":  "0s",
		"SIM_MAX_TRIALS":   "0",
		"LOG_FORMAT":       "xml",
		"WAITING_ROOM_TTL": "-1m",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), k) {
				t.Fatalf("Load with %s=%s: %v", k, v, err)
			}
		})
	}

	t.Run("unparsable", func(t *testing.T) {
		t.Setenv("NEXT_TURN_DELAY", "soon")
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse env") {
			t.Fatalf("Load: %v", err)
		}
	})
}
