package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/park285/nfc-card-battle/internal/arena"
	"github.com/park285/nfc-card-battle/internal/battle"
	"github.com/park285/nfc-card-battle/internal/cardlock"
	"github.com/park285/nfc-card-battle/internal/cardstore"
	"github.com/park285/nfc-card-battle/internal/catalog"
	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/internal/config"
	"github.com/park285/nfc-card-battle/internal/obslog"
	"github.com/park285/nfc-card-battle/internal/relay"
)

// store is what the relay needs from a card repository.
type store interface {
	battle.CardSource
	battle.ResultRecorder
	upsert(ctx context.Context, c cardstore.Card) error
	Close() error
}

type memStore struct{ *cardstore.Memory }

func (m memStore) upsert(_ context.Context, c cardstore.Card) error {
	m.PutCard(c)
	return nil
}
func (memStore) Close() error { return nil }

type pgStore struct{ *cardstore.Postgres }

func (p pgStore) upsert(ctx context.Context, c cardstore.Card) error { return p.UpsertCard(ctx, &c) }

type seedCard struct {
	UID         string `yaml:"uid"`
	CharacterID int    `yaml:"character_id"`
	Exp         int    `yaml:"exp"`
	Token       string `yaml:"token"`
}

func main() {
	seedPath := flag.String("seed", "", "YAML file of cards to provision before serving")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.Init(cfg.Log); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	if err := run(cfg, *seedPath, logger); err != nil {
		logger.Error("relay_exit", zap.Error(err))
		obslog.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, seedPath string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chars, err := catalog.New(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	cards, err := openStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cards.Close() }()
	if seedPath != "" {
		n, err := seedCards(ctx, cards, chars, seedPath)
		if err != nil {
			return fmt.Errorf("seed cards: %w", err)
		}
		logger.Info("cards_seeded", zap.Int("count", n), zap.String("path", seedPath))
	}

	var (
		locks battle.CardLocker = cardlock.NewMemory()
		dir   arena.Directory   = arena.NewMemoryDirectory()
		rdb   *redis.Client
	)
	if cfg.RedisURL != "" {
		rdb, err = cardlock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		locks = cardlock.NewRedis(rdb, cfg.CardLockTTL)
		dir = arena.NewRedisDirectory(rdb, 0)
	} else {
		logger.Warn("redis_disabled", zap.String("reason", "REDIS_URL not set; card locks are process-local"))
	}

	node := cfg.NodeID
	if node == "" {
		node, _ = os.Hostname()
	}
	ar := arena.New(arena.Config{
		WaitingTTL:    cfg.WaitingRoomTTL,
		SweepInterval: cfg.RoomSweepInterval,
		Node:          node,
		Room: battle.Config{
			TurnTimeLimit:  cfg.TurnTimeLimit,
			NextTurnDelay:  cfg.NextTurnDelay,
			PersistTimeout: cfg.PersistTimeout,
			Params:         combat.DefaultParams(),
		},
	}, battle.Deps{
		Characters: chars,
		Cards:      cards,
		Results:    cards,
		Locks:      locks,
		Logger:     logger,
	}, dir)
	if err := ar.Start(); err != nil {
		return fmt.Errorf("arena start: %w", err)
	}

	hub := relay.NewHub(ar, logger)
	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler(relay.HandlerOptions{OriginPatterns: origins}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/rooms", func(w http.ResponseWriter, r *http.Request) {
		metas, err := ar.Waiting(r.Context())
		if err != nil {
			logger.Warn("lobby_list_error", zap.Error(err))
			http.Error(w, "lobby unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metas)
	})

	srv := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay_listen", zap.String("addr", cfg.RelayAddr), zap.String("node", node))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = ar.Close()
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("relay_shutdown", zap.Int("rooms", ar.Len()))
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Closing rooms first tells connected players the session ended.
	if err := ar.Close(); err != nil {
		logger.Warn("arena_close_error", zap.Error(err))
	}
	return srv.Shutdown(sctx)
}

func openStore(ctx context.Context, databaseURL string, logger *zap.Logger) (store, error) {
	if databaseURL == "" {
		logger.Warn("database_disabled", zap.String("reason", "DATABASE_URL not set; progression is kept in memory"))
		return memStore{cardstore.NewMemory()}, nil
	}
	pg, err := cardstore.NewPostgres(databaseURL)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pg.EnsureSchema(sctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return pgStore{pg}, nil
}

func seedCards(ctx context.Context, s store, chars *catalog.Catalog, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc struct {
		Cards []seedCard `yaml:"cards"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return 0, err
	}
	for _, c := range doc.Cards {
		if strings.TrimSpace(c.UID) == "" {
			return 0, errors.New("card without uid")
		}
		if _, ok := chars.Character(c.CharacterID); !ok {
			return 0, fmt.Errorf("card %s: unknown character %d", c.UID, c.CharacterID)
		}
		card := cardstore.Card{UID: c.UID, CharacterID: c.CharacterID, Exp: c.Exp, AuthToken: c.Token}
		if err := s.upsert(ctx, card); err != nil {
			return 0, fmt.Errorf("card %s: %w", c.UID, err)
		}
	}
	return len(doc.Cards), nil
}
