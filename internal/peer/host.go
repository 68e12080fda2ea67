package peer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/nfc-card-battle/internal/arena"
	"github.com/park285/nfc-card-battle/internal/battle"
	"github.com/park285/nfc-card-battle/internal/cardstore"
	"github.com/park285/nfc-card-battle/internal/combat"
	"github.com/park285/nfc-card-battle/internal/obslog"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

var (
	ErrBadRequest    error = battledto.Fault{Code: battledto.CodeBadRequest, Message: "malformed message"}
	ErrUnknownAction error = battledto.Fault{Code: battledto.CodeIllegalAction, Message: "unknown action"}
	ErrGuestPresent        = errors.New("peer: a guest is already connected")
)

type HostConfig struct {
	// Code is shown to the guest for pairing; generated when empty.
	Code string
	Room battle.Config
	// Deps.Cards is the host's own record store and may be nil when the host
	// trusts guest snapshots only.
	Deps battle.Deps
}

// Host runs exactly one room in-process and plays side A. It implements
// battledto.Transport for the local player.
type Host struct {
	room  *battle.Room
	cards *guestOverlay
	local *mailbox
	log   *zap.Logger

	mu    sync.Mutex
	guest *mailbox
	link  io.Closer
}

var _ battledto.Transport = (*Host)(nil)

// NewHost creates the room and starts delivering local events to handler, beginning with room_created.
func NewHost(cfg HostConfig, handler battledto.EventHandler) (*Host, error) {
	code := strings.TrimSpace(cfg.Code)
	if code == "" {
		c, err := arena.NewCode()
		if err != nil {
			return nil, err
		}
		code = c
	}
	log := cfg.Deps.Logger
	if log == nil {
		log = obslog.L()
	}
	h := &Host{
		cards: &guestOverlay{base: cfg.Deps.Cards},
		local: newMailbox(),
		log:   log.With(zap.String("peer_room", code)),
	}
	deps := cfg.Deps
	deps.Cards = h.cards
	deps.Logger = log
	room, err := battle.NewRoom(code, cfg.Room, deps, battle.NotifierFunc(h.notify))
	if err != nil {
		return nil, err
	}
	h.room = room

	go h.local.run(func(ev battledto.Event) error {
		if handler != nil {
			handler(ev)
		}
		return nil
	})
	h.local.push(battledto.Event{Type: battledto.EventRoomCreated, RoomCode: code})
	return h, nil
}

func (h *Host) Code() string       { return h.room.Code() }
func (h *Host) Room() *battle.Room { return h.room }

func (h *Host) notify(role combat.Role, ev battledto.Event) {
	if role == combat.RoleA {
		h.local.push(ev)
		return
	}
	h.mu.Lock()
	box := h.guest
	h.mu.Unlock()
	if box != nil {
		box.push(ev)
	}
}

// fault reports err to the local player the way the relay would.
func (h *Host) fault(box *mailbox, err error) {
	var f battledto.Fault
	if !errors.As(err, &f) {
		h.log.Error("peer_handle_error", zap.Error(err))
		err = battledto.Fault{Code: battledto.CodeInternal, Message: "internal error"}
	}
	box.push(battledto.FaultEvent(err))
}

func (h *Host) RegisterCard(ctx context.Context, cardUID, token string) error {
	if err := h.room.Register(ctx, combat.RoleA, cardUID, token); err != nil {
		h.fault(h.local, err)
	}
	return nil
}

func (h *Host) SelectAction(_ context.Context, action string) error {
	a, ok := combat.ParseAction(action)
	if !ok {
		h.fault(h.local, ErrUnknownAction)
		return nil
	}
	if err := h.room.SelectAction(combat.RoleA, a); err != nil {
		h.fault(h.local, err)
	}
	return nil
}

func (h *Host) Leave(context.Context) error {
	if err := h.room.Leave(combat.RoleA); err != nil {
		h.fault(h.local, err)
	}
	return nil
}

// Serve seats the guest on link and pumps its messages into the room until the
// link fails or the match is over. A dropped link counts as the guest leaving.
func (h *Host) Serve(ctx context.Context, link io.ReadWriteCloser) error {
	h.mu.Lock()
	if h.guest != nil {
		h.mu.Unlock()
		_ = link.Close()
		return ErrGuestPresent
	}
	box := newMailbox()
	h.guest, h.link = box, link
	h.mu.Unlock()

	if err := h.room.Join(); err != nil {
		h.mu.Lock()
		h.guest, h.link = nil, nil
		h.mu.Unlock()
		_ = WriteFrame(link, battledto.FaultEvent(err))
		_ = link.Close()
		return err
	}
	h.log.Info("peer_guest_attach")

	written := make(chan struct{})
	go func() {
		defer close(written)
		box.run(func(ev battledto.Event) error { return WriteFrame(link, ev) })
	}()
	go func() {
		select {
		case <-h.room.Done():
		case <-ctx.Done():
		}
		box.close()
		<-written
		_ = link.Close()
	}()

	for {
		var msg battledto.ClientMessage
		if err := ReadFrame(link, &msg); err != nil {
			_ = h.room.Leave(combat.RoleB)
			box.close()
			_ = link.Close()
			if h.room.State().Status == battle.StatusFinished && !errors.Is(err, ErrFrameTooLarge) {
				h.log.Info("peer_guest_detach")
				return nil
			}
			return err
		}
		h.handleGuest(ctx, box, msg)
	}
}

func (h *Host) handleGuest(ctx context.Context, box *mailbox, msg battledto.ClientMessage) {
	var err error
	switch msg.Type {
	case battledto.MsgRegisterCard:
		h.cards.offer(msg.CardUID, msg.Token, msg.Card)
		err = h.room.Register(ctx, combat.RoleB, msg.CardUID, msg.Token)
	case battledto.MsgSelectAction:
		a, ok := combat.ParseAction(msg.Action)
		if !ok {
			err = ErrUnknownAction
			break
		}
		err = h.room.SelectAction(combat.RoleB, a)
	case battledto.MsgLeaveRoom:
		err = h.room.Leave(combat.RoleB)
	default:
		err = ErrBadRequest
	}
	if err != nil {
		h.fault(box, err)
	}
}

// Close discards the room and drops the guest link.
func (h *Host) Close() {
	h.room.Close()
	h.local.close()
	h.mu.Lock()
	link := h.link
	h.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

// guestOverlay serves the guest's self-reported card in front of the host's store.
type guestOverlay struct {
	base battle.CardSource

	mu   sync.Mutex
	card *cardstore.Card
}

func (o *guestOverlay) offer(uid, token string, snap *battledto.GuestCard) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if snap == nil {
		o.card = nil
		return
	}
	o.card = &cardstore.Card{
		UID:         strings.TrimSpace(uid),
		CharacterID: snap.CharacterID,
		Exp:         snap.Exp,
		Wins:        snap.Wins,
		Losses:      snap.Losses,
		AuthToken:   token,
	}
}

func (o *guestOverlay) GetCard(ctx context.Context, uid string) (*cardstore.Card, error) {
	o.mu.Lock()
	if o.card != nil && o.card.UID == uid {
		c := *o.card
		o.mu.Unlock()
		return &c, nil
	}
	o.mu.Unlock()
	if o.base == nil {
		return nil, nil
	}
	return o.base.GetCard(ctx, uid)
}
