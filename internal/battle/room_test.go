package battle

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/park285/nfc-card-battle/internal/battle/battletest"
	"github.com/park285/nfc-card-battle/internal/cardlock"
	"github.com/park285/nfc-card-battle/internal/cardstore"
	"github.com/park285/nfc-card-battle/internal/catalog"
	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/internal/progression"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

const (
	A = combat.RoleA
	B = combat.RoleB
)

type harness struct {
	room  *Room
	sched *battletest.ManualScheduler
	rec   *battletest.Recorder
	cards *cardstore.Memory
	locks *cardlock.Memory
	done  chan struct{}
}

type harnessOpt func(*Deps)

func withCatalog(c *catalog.Catalog) harnessOpt { return func(d *Deps) { d.Characters = c } }
func withResults(r ResultRecorder) harnessOpt  { return func(d *Deps) { d.Results = r } }

func seedCards() *cardstore.Memory {
	m := cardstore.NewMemory()
	m.PutCard(cardstore.Card{UID: "A1", CharacterID: 1, AuthToken: "ta"})
	m.PutCard(cardstore.Card{UID: "B1", CharacterID: 2, AuthToken: "tb"})
	m.PutCard(cardstore.Card{UID: "C1", CharacterID: 3, Exp: 100, AuthToken: "tc"})
	m.PutCard(cardstore.Card{UID: "ORPHAN", CharacterID: 99, AuthToken: "to"})
	return m
}

func newHarnessWith(t *testing.T, code string, cards *cardstore.Memory, locks *cardlock.Memory, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		sched: battletest.NewManualScheduler(),
		rec:   battletest.NewRecorder(),
		cards: cards,
		locks: locks,
		done:  make(chan struct{}),
	}
	deps := Deps{
		Cards:      cards,
		Results:    cards,
		Locks:      locks,
		Scheduler:  h.sched,
		RNG:        rand.New(rand.NewPCG(1, 2)),
		NewMatchID: func() string { return "match-" + code },
		OnDone:     func(*Room) { close(h.done) },
	}
	for _, o := range opts {
		o(&deps)
	}
	room, err := NewRoom(code, DefaultConfig(), deps, h.rec)
	if err != nil {
		t.Fatalf("NewRoom: %v", err)
	}
	h.room = room
	t.Cleanup(room.Close)
	return h
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	return newHarnessWith(t, "ROOM01", seedCards(), cardlock.NewMemory(), opts...)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.room.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.room.Register(ctx, A, "A1", "ta"); err != nil {
		t.Fatalf("Register A: %v", err)
	}
	if err := h.room.Register(ctx, B, "B1", "tb"); err != nil {
		t.Fatalf("Register B: %v", err)
	}
}

func (h *harness) act(t *testing.T, role combat.Role, a combat.Action) {
	t.Helper()
	if err := h.room.SelectAction(role, a); err != nil {
		t.Fatalf("SelectAction(%s, %s): %v", role, a, err)
	}
}

func waitDone(t *testing.T, r *Room) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("room cleanup did not finish")
	}
}

func TestRegisterStartsBattle(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	wantA := []battledto.EventType{
		battledto.EventOpponentJoined,
		battledto.EventCardRegistered,
		battledto.EventOpponentCardRegistered,
		battledto.EventTurnStarted,
	}
	wantB := []battledto.EventType{
		battledto.EventOpponentCardRegistered,
		battledto.EventCardRegistered,
		battledto.EventTurnStarted,
	}
	assertTypes(t, h.rec.Types(A), wantA)
	assertTypes(t, h.rec.Types(B), wantB)

	reg := h.rec.OfType(A, battledto.EventCardRegistered)[0].Registration
	if reg.Role != "A" || reg.Level != 1 || reg.Card.HP != 105 || reg.Card.Attack != 30 {
		t.Fatalf("A registration = %+v", reg)
	}
	ts := h.rec.Last(B).TurnStart
	if ts.Turn != 1 || ts.TurnType != string(combat.AAttacks) || ts.Role != "B" || ts.TimeLimit != 15 {
		t.Fatalf("B turn start = %+v", ts)
	}
	if st := h.room.State(); st.Status != StatusBattle || st.HP != [2]int{105, 100} {
		t.Fatalf("state = %+v", st)
	}
}

func TestRegisterScalesByLevel(t *testing.T) {
	h := newHarness(t)
	if err := h.room.Register(context.Background(), A, "C1", "tc"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg := h.rec.Last(A).Registration
	// exp 100 → level 3 → x1.04
	want := progression.Scale(progression.Stats{HP: 80, Attack: 45, Defense: 10}, 3)
	if reg.Level != 3 || reg.Card.HP != want.HP || reg.Card.Attack != want.Attack || reg.Card.Defense != want.Defense {
		t.Fatalf("registration = %+v want level 3 %+v", reg, want)
	}
}

func TestJoinAfterRegistrationSeesOpponentCard(t *testing.T) {
	h := newHarness(t)
	if err := h.room.Register(context.Background(), A, "A1", "ta"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := h.room.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	evs := h.rec.Events(B)
	if len(evs) != 1 || evs[0].Type != battledto.EventOpponentCardRegistered || evs[0].Registration.Card.CharacterID != 1 {
		t.Fatalf("B events = %+v", evs)
	}
	if err := h.room.Join(); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("second join: want ErrRoomFull, got %v", err)
	}
}

func TestRegistrationGate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if err := h.room.Register(ctx, B, "B1", "tb"); !errors.Is(err, ErrNotSeated) {
		t.Fatalf("unseated B: %v", err)
	}
	if err := h.room.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}

	cases := []struct {
		name       string
		uid, token string
		want       error
	}{
		{"unknown", "NOPE", "x", ErrUnknownCard},
		{"empty uid", "  ", "x", ErrUnknownCard},
		{"bad token", "A1", "wrong", ErrAuthFailed},
		{"no character", "ORPHAN", "to", ErrCharacterMissing},
	}
	for _, tc := range cases {
		if err := h.room.Register(ctx, A, tc.uid, tc.token); !errors.Is(err, tc.want) {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, err)
		}
	}
	if n := len(h.rec.Events(A)); n != 1 {
		t.Fatalf("rejected registrations must not emit events, A got %d", n)
	}
	if used, _ := h.locks.InUse(ctx, "ORPHAN"); used {
		t.Fatalf("rejected card left locked")
	}

	if err := h.room.Register(ctx, A, "A1", "ta"); err != nil {
		t.Fatalf("Register A: %v", err)
	}
	if err := h.room.Register(ctx, A, "B1", "tb"); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("re-register: %v", err)
	}
	// same card on the other side of the same room
	if err := h.room.Register(ctx, B, "A1", "ta"); !errors.Is(err, ErrCardInUse) {
		t.Fatalf("same card twice in one room: %v", err)
	}
}

func TestCardInUseAcrossRooms(t *testing.T) {
	ctx := context.Background()
	cards := seedCards()
	locks := cardlock.NewMemory()
	r1 := newHarnessWith(t, "ROOM01", cards, locks)
	r2 := newHarnessWith(t, "ROOM02", cards, locks)

	if err := r1.room.Register(ctx, A, "A1", "ta"); err != nil {
		t.Fatalf("room1: %v", err)
	}
	err := r2.room.Register(ctx, A, "A1", "ta")
	if !errors.Is(err, ErrCardInUse) {
		t.Fatalf("room2: want ErrCardInUse, got %v", err)
	}
	var f battledto.Fault
	if !errors.As(err, &f) || f.Code != battledto.CodeCardInUse {
		t.Fatalf("expected fault with code %q, got %#v", battledto.CodeCardInUse, err)
	}

	r1.room.Close()
	waitDone(t, r1.room)
	if err := r2.room.Register(ctx, A, "A1", "ta"); err != nil {
		t.Fatalf("card should be free after room1 closed: %v", err)
	}
}

type refreshingLocks struct {
	*cardlock.Memory
	refreshed chan string
}

func (l refreshingLocks) Refresh(_ context.Context, uid, owner string) error {
	l.refreshed <- owner + "/" + uid
	return nil
}

func TestTurnStartRefreshesCardLocks(t *testing.T) {
	locks := refreshingLocks{Memory: cardlock.NewMemory(), refreshed: make(chan string, 16)}
	h := newHarness(t, func(d *Deps) { d.Locks = locks })
	h.start(t)

	expect := func(turn int) {
		t.Helper()
		got := map[string]bool{}
		for len(got) < 2 {
			select {
			case k := <-locks.refreshed:
				got[k] = true
			case <-time.After(2 * time.Second):
				t.Fatalf("turn %d refreshed only %v", turn, got)
			}
		}
		if !got["ROOM01/A1"] || !got["ROOM01/B1"] {
			t.Fatalf("turn %d refreshed %v", turn, got)
		}
	}
	expect(1)
	h.sched.Advance(combat.TurnTimeLimit)
	h.sched.Advance(2 * time.Second)
	if h.room.State().Status != StatusBattle {
		t.Fatalf("battle ended after one idle turn")
	}
	expect(2)
}

func TestActionValidation(t *testing.T) {
	h := newHarness(t)
	if err := h.room.SelectAction(A, combat.ActionAttack); !errors.Is(err, ErrNotInBattle) {
		t.Fatalf("before battle: %v", err)
	}
	h.start(t)

	if err := h.room.SelectAction(B, combat.ActionAttack); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("defender attacking: %v", err)
	}
	if err := h.room.SelectAction(A, combat.ActionCounter); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("attacker countering: %v", err)
	}
	if err := h.room.SelectAction(A, combat.ActionTimeout); !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("client-submitted timeout: %v", err)
	}
	h.act(t, A, combat.ActionSpecial)
	if err := h.room.SelectAction(A, combat.ActionAttack); !errors.Is(err, ErrActionAlreadySet) {
		t.Fatalf("second action: %v", err)
	}
	h.act(t, B, combat.ActionDefend)

	// resolving pause between turns
	if err := h.room.SelectAction(A, combat.ActionDefend); !errors.Is(err, ErrTurnLocked) {
		t.Fatalf("between turns: %v", err)
	}

	h.sched.Advance(2 * time.Second)
	h.act(t, B, combat.ActionAttack)
	h.act(t, A, combat.ActionDefend)
	h.sched.Advance(2 * time.Second)

	ts := h.rec.Last(A).TurnStart
	if ts == nil || ts.Turn != 3 || ts.SpecialCD != combat.SpecialCooldown {
		t.Fatalf("turn 3 start for A = %+v", ts)
	}
	if err := h.room.SelectAction(A, combat.ActionSpecial); !errors.Is(err, ErrSpecialOnCooldown) {
		t.Fatalf("special on cooldown: %v", err)
	}
	h.act(t, A, combat.ActionAttack)
	h.act(t, B, combat.ActionDefend)
	if cd := h.room.State().SpecialCD[0]; cd != combat.SpecialCooldown-1 {
		t.Fatalf("cooldown after attack = %d", cd)
	}
}

func TestTurnAlternationWithTimeouts(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	for i := 0; i < 100 && h.room.State().Status == StatusBattle; i++ {
		h.sched.Advance(combat.TurnTimeLimit)
		h.sched.Advance(2 * time.Second)
	}
	if st := h.room.State().Status; st != StatusFinished {
		t.Fatalf("match did not finish: %s", st)
	}
	starts := h.rec.OfType(A, battledto.EventTurnStarted)
	for i, ev := range starts {
		if want := string(combat.TurnTypeFor(i + 1)); ev.TurnStart.TurnType != want || ev.TurnStart.Turn != i+1 {
			t.Fatalf("turn %d: got %s/%d want %s", i+1, ev.TurnStart.TurnType, ev.TurnStart.Turn, want)
		}
	}
	results := h.rec.OfType(B, battledto.EventTurnResult)
	if len(results) != len(starts) {
		t.Fatalf("%d starts but %d results", len(starts), len(results))
	}
	for _, ev := range results {
		if ev.Result.ResultType != string(combat.OutcomePenalty) {
			t.Fatalf("both sides idle should be penalty, got %s", ev.Result.ResultType)
		}
	}
}

func TestDefenderTimeoutIsNoGuard(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.act(t, A, combat.ActionAttack)
	h.sched.Advance(combat.TurnTimeLimit)
	res := h.rec.Last(A).Result
	if res == nil || res.ResultType != string(combat.OutcomeNoGuard) || res.DefenderAction != string(combat.ActionTimeout) {
		t.Fatalf("result = %+v", res)
	}
}

func TestTimerAndActionsResolveOnce(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t)
		h.start(t)
		h.act(t, A, combat.ActionAttack)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.room.SelectAction(B, combat.ActionDefend)
		}()
		go func() {
			defer wg.Done()
			h.sched.Advance(combat.TurnTimeLimit)
		}()
		wg.Wait()

		n := 0
		for _, ev := range h.rec.OfType(A, battledto.EventTurnResult) {
			if ev.Result.Turn == 1 {
				n++
			}
		}
		if n != 1 {
			t.Fatalf("iteration %d: turn 1 resolved %d times", i, n)
		}
	}
}

func TestTimerRaceWithSystemScheduler(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := battletest.NewRecorder()
		cfg := DefaultConfig()
		cfg.TurnTimeLimit = time.Millisecond
		cfg.NextTurnDelay = time.Hour
		room, err := NewRoom("RACE01", cfg, Deps{Cards: seedCards(), RNG: rand.New(rand.NewPCG(3, 4))}, rec)
		if err != nil {
			t.Fatalf("NewRoom: %v", err)
		}
		ctx := context.Background()
		_ = room.Join()
		_ = room.Register(ctx, A, "A1", "ta")
		_ = room.Register(ctx, B, "B1", "tb")
		_ = room.SelectAction(A, combat.ActionAttack)
		_ = room.SelectAction(B, combat.ActionDefend)
		time.Sleep(5 * time.Millisecond)
		if n := len(rec.OfType(A, battledto.EventTurnResult)); n != 1 {
			t.Fatalf("iteration %d: %d results", i, n)
		}
		room.Close()
	}
}

func quickKOCatalog() *catalog.Catalog {
	return catalog.FromList([]catalog.Character{
		{ID: 1, Name: "Glass Cannon", Stats: progression.Stats{HP: 10, Attack: 100}},
		{ID: 2, Name: "Punching Bag", Stats: progression.Stats{HP: 10, Attack: 1}},
	})
}

func TestMatchEndAwardsAndPersists(t *testing.T) {
	h := newHarness(t, withCatalog(quickKOCatalog()))
	h.start(t)
	h.act(t, A, combat.ActionAttack)
	h.act(t, B, combat.ActionDefend)

	end := h.rec.Last(B)
	if end.Type != battledto.EventBattleEnd {
		t.Fatalf("last B event = %s", end.Type)
	}
	out := end.Outcome
	if out.Winner != "A" || out.Turns != 1 || out.MatchID != "match-ROOM01" {
		t.Fatalf("outcome = %+v", out)
	}
	// power 110 vs 11
	if out.ExpGained.A != progression.ExpMin || out.ExpGained.B != progression.ExpMax {
		t.Fatalf("exp gained = %+v", out.ExpGained)
	}
	if out.LevelUp.A || !out.LevelUp.B {
		t.Fatalf("level up = %+v", out.LevelUp)
	}
	if out.Cards.B.Level != 2 || out.Cards.B.Losses != 1 || out.Cards.A.Wins != 1 {
		t.Fatalf("card snapshots = %+v", out.Cards)
	}
	if out.FinalHP.B != 0 || out.FinalHP.A != 10 {
		t.Fatalf("final hp = %+v", out.FinalHP)
	}

	select {
	case <-h.done:
	default:
		t.Fatalf("OnDone not called")
	}
	waitDone(t, h.room)

	ctx := context.Background()
	b, _ := h.cards.GetCard(ctx, "B1")
	if b.Exp != 50 || b.Level != 2 || b.Losses != 1 {
		t.Fatalf("persisted B = %+v", b)
	}
	if used, _ := h.locks.InUse(ctx, "A1"); used {
		t.Fatalf("card lock not released")
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("timers left after finish: %d", h.sched.Pending())
	}
	if err := h.room.SelectAction(A, combat.ActionAttack); !errors.Is(err, ErrNotInBattle) {
		t.Fatalf("action after finish: %v", err)
	}
}

type failingRecorder struct{ calls int }

func (f *failingRecorder) RecordMatch(context.Context, *cardstore.MatchRecord) error {
	f.calls++
	return errors.New("db down")
}

func TestPersistFailureStillDeliversOutcome(t *testing.T) {
	fr := &failingRecorder{}
	h := newHarness(t, withCatalog(quickKOCatalog()), withResults(fr))
	h.start(t)
	h.act(t, A, combat.ActionAttack)
	h.act(t, B, combat.ActionDefend)
	if len(h.rec.OfType(A, battledto.EventBattleEnd)) != 1 || len(h.rec.OfType(B, battledto.EventBattleEnd)) != 1 {
		t.Fatalf("battle_end not delivered to both sides")
	}
	waitDone(t, h.room)
	if fr.calls != 1 {
		t.Fatalf("persist attempted %d times, want exactly 1", fr.calls)
	}
	if used, _ := h.locks.InUse(context.Background(), "B1"); used {
		t.Fatalf("locks must be released even when persistence fails")
	}
}

func TestLeaveMidBattle(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.act(t, A, combat.ActionAttack)

	if err := h.room.Leave(B); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if ev := h.rec.Last(A); ev.Type != battledto.EventOpponentDisconnected {
		t.Fatalf("A last event = %s", ev.Type)
	}
	waitDone(t, h.room)
	if len(h.cards.Matches()) != 0 {
		t.Fatalf("leave must not record a match")
	}
	if h.sched.Pending() != 0 {
		t.Fatalf("turn timer survived leave")
	}
	h.sched.Advance(time.Minute)
	if n := len(h.rec.OfType(A, battledto.EventTurnResult)); n != 0 {
		t.Fatalf("timer fired into discarded room: %d results", n)
	}
	if used, _ := h.locks.InUse(context.Background(), "A1"); used {
		t.Fatalf("locks not released on leave")
	}
	if err := h.room.Leave(A); err != nil {
		t.Fatalf("second leave should be a no-op: %v", err)
	}
}

func TestLeaveWhileWaiting(t *testing.T) {
	h := newHarness(t)
	if err := h.room.Leave(A); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if n := len(h.rec.Events(B)); n != 0 {
		t.Fatalf("nobody to notify, B got %d events", n)
	}
	if err := h.room.Join(); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("join closed room: %v", err)
	}
}

func assertTypes(t *testing.T, got, want []battledto.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("events = %v want %v", got, want)
		}
	}
}
