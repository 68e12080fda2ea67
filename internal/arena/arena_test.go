package arena

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/nfc-card-battle/internal/battle"
	"github.com/park285/nfc-card-battle/internal/battle/battletest"
	"github.com/park285/nfc-card-battle/internal/cardstore"
	"github.com/park285/nfc-card-battle/internal/combat"
)

func newTestArena(t *testing.T, dir Directory) *Arena {
	t.Helper()
	cards := cardstore.NewMemory()
	cards.PutCard(cardstore.Card{UID: "A1", CharacterID: 1, AuthToken: "ta"})
	cfg := Config{WaitingTTL: 10 * time.Minute, Room: battle.DefaultConfig()}
	a := New(cfg, battle.Deps{Cards: cards, Scheduler: battletest.NewManualScheduler()}, dir)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func newRedisDirectory(t *testing.T) (*RedisDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisDirectory(rdb, time.Hour), mr
}

var codeRe = regexp.MustCompile(`^[A-Z0-9]{6}$`)

func TestCreateJoinLifecycle(t *testing.T) {
	ctx := context.Background()
	dir, mr := newRedisDirectory(t)
	a := newTestArena(t, dir)

	rec := battletest.NewRecorder()
	room, err := a.Create(ctx, rec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !codeRe.MatchString(room.Code()) {
		t.Fatalf("bad code %q", room.Code())
	}
	if !mr.Exists("battle:room:" + room.Code()) {
		t.Fatalf("code not reserved in redis")
	}
	waiting, err := a.Waiting(ctx)
	if err != nil || len(waiting) != 1 || waiting[0].Code != room.Code() {
		t.Fatalf("waiting = %+v, %v", waiting, err)
	}

	if _, err := a.Join(ctx, "NOPE00"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("join unknown: %v", err)
	}
	got, err := a.Join(ctx, " "+room.Code()+" ")
	if err != nil || got != room {
		t.Fatalf("Join: %v", err)
	}
	if _, err := a.Join(ctx, room.Code()); !errors.Is(err, battle.ErrRoomFull) {
		t.Fatalf("third player: %v", err)
	}
	if waiting, _ := a.Waiting(ctx); len(waiting) != 0 {
		t.Fatalf("joined room still listed: %+v", waiting)
	}

	if err := room.Leave(combat.RoleB); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if _, ok := a.Get(room.Code()); ok {
		t.Fatalf("discarded room still registered")
	}
	if a.Len() != 0 {
		t.Fatalf("Len = %d", a.Len())
	}
	_ = a.Close()
	if mr.Exists("battle:room:" + room.Code()) {
		t.Fatalf("directory entry not removed")
	}
}

func TestCodeCollisionsExhaustRetries(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, NewMemoryDirectory())
	a.newCode = func() (string, error) { return "SAME01", nil }

	if _, err := a.Create(ctx, battletest.NewRecorder()); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := a.Create(ctx, battletest.NewRecorder()); err == nil {
		t.Fatalf("expected allocation failure")
	}
	if a.Len() != 1 {
		t.Fatalf("Len = %d", a.Len())
	}
}

func TestCodeReservedByAnotherNode(t *testing.T) {
	ctx := context.Background()
	dir, _ := newRedisDirectory(t)
	if ok, err := dir.Reserve(ctx, RoomMeta{Code: "TAKEN1", State: StateWaiting, Node: "other"}); !ok || err != nil {
		t.Fatalf("Reserve: %v %v", ok, err)
	}
	a := newTestArena(t, dir)
	codes := []string{"TAKEN1", "FRESH1"}
	a.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	room, err := a.Create(ctx, battletest.NewRecorder())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if room.Code() != "FRESH1" {
		t.Fatalf("code = %s", room.Code())
	}
}

func TestSweepEvictsIdleWaitingRooms(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, NewMemoryDirectory())

	idle, _ := a.Create(ctx, battletest.NewRecorder())
	busy, _ := a.Create(ctx, battletest.NewRecorder())
	if err := busy.Register(ctx, combat.RoleA, "A1", "ta"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if n := a.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh rooms swept: %d", n)
	}
	// both are still waiting for a battle, so both go
	if n := a.Sweep(time.Now().Add(time.Hour)); n != 2 {
		t.Fatalf("swept %d", n)
	}
	for _, r := range []*battle.Room{idle, busy} {
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("room %s not closed", r.Code())
		}
	}
	if a.Len() != 0 {
		t.Fatalf("Len = %d", a.Len())
	}
}

func TestCloseRejectsNewRooms(t *testing.T) {
	ctx := context.Background()
	a := newTestArena(t, NewMemoryDirectory())
	room, _ := a.Create(ctx, battletest.NewRecorder())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if room.State().Status != battle.StatusFinished {
		t.Fatalf("room survived shutdown")
	}
	if _, err := a.Create(ctx, battletest.NewRecorder()); !errors.Is(err, ErrClosed) {
		t.Fatalf("create after close: %v", err)
	}
}

func TestStartRunsSweeper(t *testing.T) {
	cfg := Config{WaitingTTL: time.Millisecond, SweepInterval: 20 * time.Millisecond, Room: battle.DefaultConfig()}
	a := New(cfg, battle.Deps{Cards: cardstore.NewMemory()}, nil)
	defer a.Close()
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	room, err := a.Create(context.Background(), battletest.NewRecorder())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	select {
	case <-room.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("sweeper did not evict room")
	}
}
