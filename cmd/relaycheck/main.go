package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/nfc-card-battle/internal/msgcat"
	"github.com/park285/nfc-card-battle/internal/relay"
	"github.com/park285/nfc-card-battle/pkg/battledto"
)

// relaycheck opens two player connections against a running relay, pairs them
// in a fresh room and prints every event each side receives.
//
//	RELAY_URL=ws://localhost:8080/ws CHECK_CARD_A=uid:token CHECK_CARD_B=uid:token relaycheck
func main() {
	url := os.Getenv("RELAY_URL")
	if url == "" {
		log.Fatal("RELAY_URL is required")
	}
	cardA := os.Getenv("CHECK_CARD_A")
	cardB := os.Getenv("CHECK_CARD_B")
	msgs, err := msgcat.New(os.Getenv("MESSAGES_DIR"))
	if err != nil {
		log.Fatalf("messages: %v", err)
	}

	printer := func(side string) battledto.EventHandler {
		return func(ev battledto.Event) {
			switch {
			case ev.Fault != nil:
				fmt.Printf("[%s] %s code=%s msg=%q\n", side, ev.Type, ev.Fault.Code, ev.Fault.Message)
			case ev.Result != nil:
				fmt.Printf("[%s] %s turn=%d %s dmg=%d/%d\n", side, ev.Type, ev.Result.Turn, ev.Result.ResultType, ev.Result.DamageToDefender, ev.Result.DamageToAttacker)
			default:
				fmt.Printf("[%s] %s\n", side, ev.Type)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := relay.Dial(ctx, url, printer("A"))
	if err != nil {
		log.Fatalf("dial A: %v", err)
	}
	defer func() { _ = a.Close(context.Background()) }()
	code, err := a.CreateRoom(ctx)
	if err != nil {
		log.Fatalf("create room: %v", err)
	}
	log.Println(msgs.Text("check.room_created", map[string]any{"Code": code}))

	b, err := relay.Dial(ctx, url, printer("B"))
	if err != nil {
		log.Fatalf("dial B: %v", err)
	}
	defer func() { _ = b.Close(context.Background()) }()
	if err := b.JoinRoom(ctx, code); err != nil {
		log.Fatalf("join room: %v", err)
	}

	if cardA == "" || cardB == "" {
		log.Println(msgs.Text("check.no_cards", nil))
	} else {
		register(ctx, a, "A", cardA)
		register(ctx, b, "B", cardB)
	}

	// Observe for a short window, then leave so the cards are released.
	t := time.NewTimer(10 * time.Second)
	select {
	case <-t.C:
	case <-a.Done():
		log.Println(msgs.Text("check.disconnected", map[string]any{"Side": "A", "Err": a.Err()}))
	}
	_ = a.Leave(context.Background())
}

func register(ctx context.Context, c *relay.Client, side, pair string) {
	uid, token, ok := strings.Cut(pair, ":")
	if !ok {
		log.Fatalf("CHECK_CARD_%s must be uid:token", side)
	}
	if err := c.RegisterCard(ctx, uid, token); err != nil {
		log.Fatalf("register %s: %v", side, err)
	}
}
