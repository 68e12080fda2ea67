// Package battledto defines the wire contract shared by the relay and peer transports.
package battledto

import (
	"context"
	"errors"
)

type EventType string

// Server/host → client notifications.
const (
	EventRoomCreated            EventType = "room_created"
	EventOpponentJoined         EventType = "opponent_joined"
	EventCardRegistered         EventType = "card_registered"
	EventOpponentCardRegistered EventType = "opponent_card_registered"
	EventTurnStarted            EventType = "battle_start"
	EventTurnResult             EventType = "turn_result"
	EventBattleEnd              EventType = "battle_end"
	EventOpponentDisconnected   EventType = "opponent_disconnected"
	EventError                  EventType = "error"
)

// Combatant is a level-scaled character as shown to players.
type Combatant struct {
	CharacterID int    `json:"id"`
	Name        string `json:"name"`
	HP          int    `json:"hp"`
	Attack      int    `json:"attack"`
	Defense     int    `json:"defense"`
}

// Registration is carried by card_registered and opponent_card_registered.
// Role is empty for the opponent variant.
type Registration struct {
	Card  Combatant `json:"card"`
	Role  string    `json:"role,omitempty"`
	Level int       `json:"level"`
}

type TurnStart struct {
	Turn      int    `json:"turn"`
	TimeLimit int    `json:"timeLimit"`
	TurnType  string `json:"turnType"`
	Role      string `json:"role"`
	SpecialCD int    `json:"specialCd"`
}

type SideState struct {
	HP        int `json:"hp"`
	SpecialCD int `json:"specialCd"`
}

type TurnResult struct {
	Turn             int       `json:"turn"`
	TurnType         string    `json:"turnType"`
	AttackerRole     string    `json:"attackerRole"`
	AttackerAction   string    `json:"attackerAction"`
	DefenderAction   string    `json:"defenderAction"`
	DamageToDefender int       `json:"damageToDefender"`
	DamageToAttacker int       `json:"damageToAttacker"`
	ResultType       string    `json:"resultType"`
	PlayerA          SideState `json:"playerA"`
	PlayerB          SideState `json:"playerB"`
}

// PerSide holds one value for each role.
type PerSide[T any] struct {
	A T `json:"A"`
	B T `json:"B"`
}

// Set assigns v to role "A" or "B".
func (p *PerSide[T]) Set(role string, v T) {
	if role == "B" {
		p.B = v
		return
	}
	p.A = v
}

func (p PerSide[T]) Get(role string) T {
	if role == "B" {
		return p.B
	}
	return p.A
}

// CardSnapshot is a card's progression state without its secret.
type CardSnapshot struct {
	UID         string `json:"uid"`
	CharacterID int    `json:"characterId"`
	Level       int    `json:"level"`
	Exp         int    `json:"exp"`
	Wins        int    `json:"totalWins"`
	Losses      int    `json:"totalLosses"`
}

type MatchOutcome struct {
	MatchID   string                `json:"matchId"`
	Winner    string                `json:"winner"`
	Turns     int                   `json:"turns"`
	FinalHP   PerSide[int]          `json:"finalHp"`
	ExpGained PerSide[int]          `json:"expGained"`
	LevelUp   PerSide[bool]         `json:"levelUp"`
	Cards     PerSide[CardSnapshot] `json:"cardStats"`
}

// Event is the single tagged union every transport carries. Exactly one payload
// field is set, matching Type; notifications without a payload carry none.
type Event struct {
	Type         EventType     `json:"type"`
	RoomCode     string        `json:"roomCode,omitempty"`
	Registration *Registration `json:"registration,omitempty"`
	TurnStart    *TurnStart    `json:"turnStart,omitempty"`
	Result       *TurnResult   `json:"result,omitempty"`
	Outcome      *MatchOutcome `json:"outcome,omitempty"`
	Fault        *Fault        `json:"fault,omitempty"`
}

// FaultEvent wraps err as an error event. Non-Fault errors become CodeInternal.
func FaultEvent(err error) Event {
	var f Fault
	if !errors.As(err, &f) {
		f = Fault{Code: CodeInternal, Message: err.Error()}
	}
	return Event{Type: EventError, Fault: &f}
}

// EventHandler receives notifications on the client side.
type EventHandler func(Event)

// Transport is the client-side protocol surface both adapters implement.
type Transport interface {
	RegisterCard(ctx context.Context, cardUID, token string) error
	SelectAction(ctx context.Context, action string) error
	Leave(ctx context.Context) error
}
