package relay

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/park285/nfc-card-battle/internal/arena"
	"github.com/park285/nfc-card-battle/internal/battle"
	"github.com/park285/nfc-card-battle/internal/battle/battletest"
	"github.com/park285/nfc-card-battle/internal/cardstore"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

type fakeConn struct {
	mu     sync.Mutex
	events []battledto.Event
}

func (f *fakeConn) Send(ev battledto.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeConn) all() []battledto.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]battledto.Event(nil), f.events...)
}

func (f *fakeConn) last() battledto.Event {
	evs := f.all()
	if len(evs) == 0 {
		return battledto.Event{}
	}
	return evs[len(evs)-1]
}

func (f *fakeConn) count(typ battledto.EventType) int {
	n := 0
	for _, ev := range f.all() {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func testCards() *cardstore.Memory {
	m := cardstore.NewMemory()
	m.PutCard(cardstore.Card{UID: "A1", CharacterID: 1, AuthToken: "ta"})
	m.PutCard(cardstore.Card{UID: "B1", CharacterID: 2, AuthToken: "tb"})
	return m
}

func newTestHub(t *testing.T, sched battle.Scheduler) *Hub {
	t.Helper()
	a := arena.New(arena.Config{Room: battle.DefaultConfig()}, battle.Deps{
		Cards:     testCards(),
		Scheduler: sched,
		RNG:       rand.New(rand.NewPCG(7, 7)),
	}, nil)
	t.Cleanup(func() { _ = a.Close() })
	return NewHub(a, nil)
}

func msg(typ battledto.MessageType) battledto.ClientMessage { return battledto.ClientMessage{Type: typ} }

func faultCode(t *testing.T, ev battledto.Event) string {
	t.Helper()
	if ev.Type != battledto.EventError || ev.Fault == nil {
		t.Fatalf("expected error event, got %+v", ev)
	}
	return ev.Fault.Code
}

func TestHubMatchFlow(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, battletest.NewManualScheduler())
	ca, cb := &fakeConn{}, &fakeConn{}
	sa, sb := hub.Attach(ca), hub.Attach(cb)

	sa.Handle(ctx, msg(battledto.MsgCreateRoom))
	created := ca.last()
	if created.Type != battledto.EventRoomCreated || created.RoomCode == "" {
		t.Fatalf("create: %+v", created)
	}
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgJoinRoom, RoomCode: created.RoomCode})
	if ca.last().Type != battledto.EventOpponentJoined {
		t.Fatalf("A not told about join: %+v", ca.last())
	}

	sa.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "A1", Token: "ta"})
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "B1", Token: "tb"})
	if ca.count(battledto.EventTurnStarted) != 1 || cb.count(battledto.EventTurnStarted) != 1 {
		t.Fatalf("battle did not start: A=%v B=%v", ca.all(), cb.all())
	}

	sa.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgSelectAction, Action: "attack"})
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgSelectAction, Action: "defend"})
	if ca.count(battledto.EventTurnResult) != 1 || cb.count(battledto.EventTurnResult) != 1 {
		t.Fatalf("turn not resolved")
	}

	sb.Detach()
	if ca.last().Type != battledto.EventOpponentDisconnected {
		t.Fatalf("A last = %+v", ca.last())
	}
	// the finished room no longer pins A
	sa.Handle(ctx, msg(battledto.MsgCreateRoom))
	if ca.last().Type != battledto.EventRoomCreated {
		t.Fatalf("A could not open a new room: %+v", ca.last())
	}
}

func TestHubRejections(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, battletest.NewManualScheduler())
	ca, cb, cc := &fakeConn{}, &fakeConn{}, &fakeConn{}
	sa, sb, sc := hub.Attach(ca), hub.Attach(cb), hub.Attach(cc)

	sa.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "A1", Token: "ta"})
	if got := faultCode(t, ca.last()); got != battledto.CodeNotInRoom {
		t.Fatalf("register outside room: %s", got)
	}
	sa.Handle(ctx, msg("shout"))
	if got := faultCode(t, ca.last()); got != battledto.CodeBadRequest {
		t.Fatalf("unknown type: %s", got)
	}
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgJoinRoom, RoomCode: "ZZZZZZ"})
	if got := faultCode(t, cb.last()); got != battledto.CodeRoomNotFound {
		t.Fatalf("join unknown: %s", got)
	}

	sa.Handle(ctx, msg(battledto.MsgCreateRoom))
	code := ca.last().RoomCode
	sa.Handle(ctx, msg(battledto.MsgCreateRoom))
	if got := faultCode(t, ca.last()); got != battledto.CodeAlreadyInRoom {
		t.Fatalf("double create: %s", got)
	}
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgJoinRoom, RoomCode: code})
	sc.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgJoinRoom, RoomCode: code})
	if got := faultCode(t, cc.last()); got != battledto.CodeRoomFull {
		t.Fatalf("third player: %s", got)
	}

	sa.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "A1", Token: "nope"})
	if got := faultCode(t, ca.last()); got != battledto.CodeAuthFailed {
		t.Fatalf("bad token: %s", got)
	}
	sa.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "A1", Token: "ta"})
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "B1", Token: "tb"})

	sa.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgSelectAction, Action: "fireball"})
	if got := faultCode(t, ca.last()); got != battledto.CodeIllegalAction {
		t.Fatalf("unknown action: %s", got)
	}
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgSelectAction, Action: "attack"})
	if got := faultCode(t, cb.last()); got != battledto.CodeIllegalAction {
		t.Fatalf("defender attacking: %s", got)
	}
	if cc.count(battledto.EventTurnStarted) != 0 {
		t.Fatalf("rejected joiner received room events")
	}
}

func TestHubLeaveMessage(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, battletest.NewManualScheduler())
	ca, cb := &fakeConn{}, &fakeConn{}
	sa, sb := hub.Attach(ca), hub.Attach(cb)

	sa.Handle(ctx, msg(battledto.MsgCreateRoom))
	sb.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgJoinRoom, RoomCode: ca.last().RoomCode})
	sa.Handle(ctx, msg(battledto.MsgLeaveRoom))
	if cb.last().Type != battledto.EventOpponentDisconnected {
		t.Fatalf("B last = %+v", cb.last())
	}
	sa.Handle(ctx, msg(battledto.MsgLeaveRoom))
	if got := faultCode(t, ca.last()); got != battledto.CodeNotInRoom {
		t.Fatalf("second leave: %s", got)
	}
}

func TestHubCardBoundToOneRoom(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t, battletest.NewManualScheduler())
	c1, c2 := &fakeConn{}, &fakeConn{}
	s1, s2 := hub.Attach(c1), hub.Attach(c2)

	s1.Handle(ctx, msg(battledto.MsgCreateRoom))
	s2.Handle(ctx, msg(battledto.MsgCreateRoom))
	if c1.last().RoomCode == "" || c2.last().RoomCode == "" || c1.last().RoomCode == c2.last().RoomCode {
		t.Fatalf("rooms: %q %q", c1.last().RoomCode, c2.last().RoomCode)
	}

	s1.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "A1", Token: "ta"})
	if c1.last().Type != battledto.EventCardRegistered {
		t.Fatalf("first room register: %+v", c1.last())
	}
	s2.Handle(ctx, battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: "A1", Token: "ta"})
	if got := faultCode(t, c2.last()); got != battledto.CodeCardInUse {
		t.Fatalf("second room register: %s", got)
	}
}
