package peer

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/park285/nfc-card-battle/internal/battle"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

// Guest is the joining side. It never runs match logic: inputs go to the host,
// and events from the host are handed to the handler unchanged.
type Guest struct {
	link    io.ReadWriteCloser
	cards   battle.CardSource
	handler battledto.EventHandler

	wmu sync.Mutex

	mu    sync.Mutex
	ended bool

	done chan struct{}
}

var _ battledto.Transport = (*Guest)(nil)

// NewGuest starts reading from link. cards is the guest's own record store used to
// attach a snapshot to register_card; it may be nil.
func NewGuest(link io.ReadWriteCloser, cards battle.CardSource, handler battledto.EventHandler) *Guest {
	g := &Guest{link: link, cards: cards, handler: handler, done: make(chan struct{})}
	go g.listen()
	return g
}

func (g *Guest) listen() {
	defer close(g.done)
	for {
		var ev battledto.Event
		if err := ReadFrame(g.link, &ev); err != nil {
			g.mu.Lock()
			lost := !g.ended
			g.ended = true
			g.mu.Unlock()
			if lost {
				g.deliver(battledto.Event{Type: battledto.EventOpponentDisconnected})
			}
			return
		}
		if ev.Type == battledto.EventBattleEnd || ev.Type == battledto.EventOpponentDisconnected {
			g.mu.Lock()
			g.ended = true
			g.mu.Unlock()
		}
		g.deliver(ev)
	}
}

func (g *Guest) deliver(ev battledto.Event) {
	if g.handler != nil {
		g.handler(ev)
	}
}

// Done is closed once the link is gone.
func (g *Guest) Done() <-chan struct{} { return g.done }

func (g *Guest) send(msg battledto.ClientMessage) error {
	g.wmu.Lock()
	defer g.wmu.Unlock()
	return WriteFrame(g.link, msg)
}

func (g *Guest) RegisterCard(ctx context.Context, cardUID, token string) error {
	msg := battledto.ClientMessage{Type: battledto.MsgRegisterCard, CardUID: strings.TrimSpace(cardUID), Token: token}
	if g.cards != nil {
		card, err := g.cards.GetCard(ctx, msg.CardUID)
		if err != nil {
			return err
		}
		if card != nil {
			msg.Card = &battledto.GuestCard{
				CharacterID: card.CharacterID,
				Exp:         card.Exp,
				Wins:        card.Wins,
				Losses:      card.Losses,
			}
		}
	}
	return g.send(msg)
}

func (g *Guest) SelectAction(_ context.Context, action string) error {
	return g.send(battledto.ClientMessage{Type: battledto.MsgSelectAction, Action: action})
}

// Leave tells the host and closes the link.
func (g *Guest) Leave(context.Context) error {
	g.mu.Lock()
	g.ended = true
	g.mu.Unlock()
	err := g.send(battledto.ClientMessage{Type: battledto.MsgLeaveRoom})
	_ = g.link.Close()
	return err
}

func (g *Guest) Close() error {
	g.mu.Lock()
	g.ended = true
	g.mu.Unlock()
	return g.link.Close()
}
