// Package relay runs battle rooms inside the trusted server process and
// connects untrusted clients to them.
package relay

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/nfc-card-battle/internal/arena"
	"github.com/park285/nfc-card-battle/internal/battle"
	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/internal/obslog"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

var (
	ErrBadRequest    error = battledto.Fault{Code: battledto.CodeBadRequest, Message: "malformed message"}
	ErrNotInRoom     error = battledto.Fault{Code: battledto.CodeNotInRoom, Message: "not in a room"}
	ErrAlreadyInRoom error = battledto.Fault{Code: battledto.CodeAlreadyInRoom, Message: "already in a room"}
	ErrUnknownAction error = battledto.Fault{Code: battledto.CodeIllegalAction, Message: "unknown action"}
)

// Conn is one connected client. Send is called with a room lock held; it must
// queue and return.
type Conn interface {
	Send(ev battledto.Event)
}

// Hub maps connections to (room, role) pairs on top of an Arena.
type Hub struct {
	arena *arena.Arena
	log   *zap.Logger

	mu    sync.Mutex
	seats map[string]*seating
}

func NewHub(a *arena.Arena, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = obslog.L()
	}
	return &Hub{arena: a, log: logger, seats: make(map[string]*seating)}
}

// seating is the room notifier: it forwards each side's events to whichever
// connection holds that seat.
type seating struct {
	mu    sync.Mutex
	conns [2]Conn
}

func (s *seating) Notify(role combat.Role, ev battledto.Event) {
	s.mu.Lock()
	c := s.conns[role.Index()]
	s.mu.Unlock()
	if c != nil {
		c.Send(ev)
	}
}

func (s *seating) bind(role combat.Role, c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[role.Index()] != nil {
		return false
	}
	s.conns[role.Index()] = c
	return true
}

func (s *seating) unbind(role combat.Role, c Conn) {
	s.mu.Lock()
	if s.conns[role.Index()] == c {
		s.conns[role.Index()] = nil
	}
	s.mu.Unlock()
}

func (h *Hub) seatsFor(code string) *seating {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seats[strings.ToUpper(strings.TrimSpace(code))]
}

// Rooms reports how many rooms the hub is tracking.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seats)
}

// Session is the server-side state of one connection. Handle must not be called
// concurrently for the same session.
type Session struct {
	hub  *Hub
	conn Conn
	room *battle.Room
	role combat.Role
}

func (h *Hub) Attach(c Conn) *Session { return &Session{hub: h, conn: c} }

// Handle executes one client message. Failures are answered with an error event.
func (s *Session) Handle(ctx context.Context, msg battledto.ClientMessage) {
	err := s.dispatch(ctx, msg)
	if err == nil {
		return
	}
	var f battledto.Fault
	if !errors.As(err, &f) {
		s.hub.log.Error("relay_handle_error", zap.String("type", string(msg.Type)), zap.Error(err))
		err = battledto.Fault{Code: battledto.CodeInternal, Message: "internal error"}
	}
	s.conn.Send(battledto.FaultEvent(err))
}

func (s *Session) current() *battle.Room {
	if s.room != nil && s.room.State().Status == battle.StatusFinished {
		s.room = nil
	}
	return s.room
}

func (s *Session) dispatch(ctx context.Context, msg battledto.ClientMessage) error {
	switch msg.Type {
	case battledto.MsgCreateRoom:
		return s.create(ctx)
	case battledto.MsgJoinRoom:
		return s.join(ctx, msg.RoomCode)
	case battledto.MsgRegisterCard:
		room := s.current()
		if room == nil {
			return ErrNotInRoom
		}
		return room.Register(ctx, s.role, msg.CardUID, msg.Token)
	case battledto.MsgSelectAction:
		room := s.current()
		if room == nil {
			return ErrNotInRoom
		}
		action, ok := combat.ParseAction(msg.Action)
		if !ok {
			return ErrUnknownAction
		}
		return room.SelectAction(s.role, action)
	case battledto.MsgLeaveRoom:
		if s.current() == nil {
			return ErrNotInRoom
		}
		s.leave()
		return nil
	default:
		return ErrBadRequest
	}
}

func (s *Session) create(ctx context.Context) error {
	if s.current() != nil {
		return ErrAlreadyInRoom
	}
	seats := &seating{}
	seats.bind(combat.RoleA, s.conn)
	room, err := s.hub.arena.Create(ctx, seats)
	if err != nil {
		return err
	}
	code := room.Code()
	s.hub.mu.Lock()
	s.hub.seats[code] = seats
	s.hub.mu.Unlock()
	go func() {
		<-room.Done()
		s.hub.mu.Lock()
		delete(s.hub.seats, code)
		s.hub.mu.Unlock()
	}()

	s.room, s.role = room, combat.RoleA
	s.conn.Send(battledto.Event{Type: battledto.EventRoomCreated, RoomCode: code})
	return nil
}

func (s *Session) join(ctx context.Context, code string) error {
	if s.current() != nil {
		return ErrAlreadyInRoom
	}
	if strings.TrimSpace(code) == "" {
		return ErrBadRequest
	}
	seats := s.hub.seatsFor(code)
	if seats == nil {
		return arena.ErrRoomNotFound
	}
	// bind first so events emitted during Join reach this connection
	if !seats.bind(combat.RoleB, s.conn) {
		return battle.ErrRoomFull
	}
	room, err := s.hub.arena.Join(ctx, code)
	if err != nil {
		seats.unbind(combat.RoleB, s.conn)
		return err
	}
	s.room, s.role = room, combat.RoleB
	return nil
}

func (s *Session) leave() {
	room := s.room
	s.room = nil
	if err := room.Leave(s.role); err != nil {
		s.hub.log.Debug("relay_leave", zap.String("room", room.Code()), zap.Error(err))
	}
	if seats := s.hub.seatsFor(room.Code()); seats != nil {
		seats.unbind(s.role, s.conn)
	}
}

// Detach is called when the connection goes away. A seated client counts as leaving.
func (s *Session) Detach() {
	if s.current() != nil {
		s.leave()
	}
}
