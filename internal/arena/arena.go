// Package arena is the relay's room registry: it allocates join codes,
// keeps the lobby index and evicts rooms nobody joined.
package arena

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/nfc-card-battle/internal/battle"
	"github.com/park285/nfc-card-battle/internal/cardlock"
	"github.com/park285/nfc-card-battle/internal/obslog"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

var (
	ErrRoomNotFound error = battledto.Fault{Code: battledto.CodeRoomNotFound, Message: "room not found or expired"}
	ErrClosed             = errors.New("arena closed")
)

const codeAttempts = 5

type Config struct {
	// WaitingTTL evicts rooms that never started a battle.
	WaitingTTL    time.Duration
	SweepInterval time.Duration
	// Node tags directory entries with the owning relay instance.
	Node string
	Room battle.Config
}

type Arena struct {
	cfg  Config
	deps battle.Deps
	dir  Directory
	log  *zap.Logger

	newCode func() (string, error)

	mu     sync.Mutex
	rooms  map[string]*battle.Room
	closed bool

	cron gocron.Scheduler
	wg   sync.WaitGroup
}

// New builds an arena. deps is the template for every room; its OnDone, if set,
// still runs after the arena has forgotten the room. Without deps.Locks all
// rooms share one process-local lock table.
func New(cfg Config, deps battle.Deps, dir Directory) *Arena {
	if dir == nil {
		dir = NewMemoryDirectory()
	}
	if deps.Locks == nil {
		deps.Locks = cardlock.NewMemory()
	}
	log := deps.Logger
	if log == nil {
		log = obslog.L()
	}
	return &Arena{
		cfg:     cfg,
		deps:    deps,
		dir:     dir,
		log:     log,
		newCode: NewCode,
		rooms:   make(map[string]*battle.Room),
	}
}

// Start launches the idle-room sweeper. A zero SweepInterval disables it.
func (a *Arena) Start() error {
	if a.cfg.SweepInterval <= 0 || a.cfg.WaitingTTL <= 0 {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("sweeper scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(a.cfg.SweepInterval),
		gocron.NewTask(func() { a.Sweep(time.Now()) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("sweeper job: %w", err)
	}
	s.Start()
	a.cron = s
	return nil
}

// Create opens a new room with the caller seated as A.
func (a *Arena) Create(ctx context.Context, notify battle.Notifier) (*battle.Room, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	var code string
	for i := 0; i < codeAttempts && code == ""; i++ {
		c, err := a.newCode()
		if err != nil {
			return nil, err
		}
		if a.has(c) {
			continue
		}
		ok, err := a.dir.Reserve(ctx, RoomMeta{Code: c, State: StateWaiting, CreatedAt: time.Now(), Node: a.cfg.Node})
		if err != nil {
			return nil, fmt.Errorf("reserve room code: %w", err)
		}
		if ok {
			code = c
		}
	}
	if code == "" {
		return nil, fmt.Errorf("failed to allocate room code")
	}

	deps := a.deps
	userDone := deps.OnDone
	deps.OnDone = func(r *battle.Room) {
		a.forget(r.Code())
		if userDone != nil {
			userDone(r)
		}
	}
	room, err := battle.NewRoom(code, a.cfg.Room, deps, notify)
	if err != nil {
		_ = a.dir.Remove(ctx, code)
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		room.Close()
		return nil, ErrClosed
	}
	a.rooms[code] = room
	a.mu.Unlock()

	a.log.Info("room_create", zap.String("room", code))
	return room, nil
}

// Join seats side B in the room with the given code.
func (a *Arena) Join(ctx context.Context, code string) (*battle.Room, error) {
	room, ok := a.Get(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if err := room.Join(); err != nil {
		return nil, err
	}
	if err := a.dir.SetState(ctx, room.Code(), StateActive); err != nil {
		a.log.Warn("lobby_update_error", zap.String("room", room.Code()), zap.Error(err))
	}
	return room, nil
}

func (a *Arena) Get(code string) (*battle.Room, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rooms[strings.ToUpper(strings.TrimSpace(code))]
	return r, ok
}

func (a *Arena) has(code string) bool {
	_, ok := a.Get(code)
	return ok
}

func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rooms)
}

// Waiting lists joinable rooms from the directory.
func (a *Arena) Waiting(ctx context.Context) ([]RoomMeta, error) { return a.dir.Waiting(ctx) }

func (a *Arena) snapshot() []*battle.Room {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*battle.Room, 0, len(a.rooms))
	for _, r := range a.rooms {
		out = append(out, r)
	}
	return out
}

// Sweep closes rooms still waiting for a battle after WaitingTTL and reports how many.
func (a *Arena) Sweep(now time.Time) int {
	n := 0
	for _, r := range a.snapshot() {
		if r.State().Status != battle.StatusWaiting || now.Sub(r.CreatedAt()) < a.cfg.WaitingTTL {
			continue
		}
		r.Close()
		n++
	}
	if n > 0 {
		a.log.Info("room_sweep", zap.Int("evicted", n))
	}
	return n
}

// forget runs from a room's OnDone; the directory entry is dropped in the background.
func (a *Arena) forget(code string) {
	a.mu.Lock()
	delete(a.rooms, code)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.dir.Remove(ctx, code); err != nil {
			a.log.Warn("lobby_remove_error", zap.String("room", code), zap.Error(err))
		}
	}()
}

// Close stops the sweeper and discards every room. Rooms are closed outside the
// arena lock since their OnDone re-enters it.
func (a *Arena) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	var err error
	if a.cron != nil {
		err = a.cron.Shutdown()
	}
	rooms := a.snapshot()
	for _, r := range rooms {
		r.Close()
	}
	for _, r := range rooms {
		<-r.Done()
	}
	a.wg.Wait()
	return err
}

// NewCode returns 6 upper alnum.
func NewCode() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b), nil
}
