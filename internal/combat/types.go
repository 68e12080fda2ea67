package combat

import "time"

// Tunables used by live matches. Simulations override them through Params.
const (
	TurnTimeLimit           = 15 * time.Second
	MinDamage               = 1
	DefenseMultiplier       = 1.5
	DamageVariance          = 0.15
	SpecialCooldown         = 3
	SpecialMultiplier       = 1.8
	CounterSuccessRate      = 0.30
	CounterDamageMultiplier = 1.5
	MaxTurns                = 200
)

// Action is what a side submits for a turn.
type Action string

const (
	ActionAttack  Action = "attack"
	ActionSpecial Action = "special"
	ActionDefend  Action = "defend"
	ActionCounter Action = "counter"
	ActionTimeout Action = "timeout"
)

func ParseAction(s string) (Action, bool) {
	switch a := Action(s); a {
	case ActionAttack, ActionSpecial, ActionDefend, ActionCounter:
		return a, true
	default:
		return "", false
	}
}

// IsOffensive reports whether the attacker may submit a.
func (a Action) IsOffensive() bool { return a == ActionAttack || a == ActionSpecial }

// IsDefensive reports whether the defender may submit a.
func (a Action) IsDefensive() bool { return a == ActionDefend || a == ActionCounter }

type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

// Index maps A to 0 and B to 1.
func (r Role) Index() int {
	if r == RoleB {
		return 1
	}
	return 0
}

type TurnType string

const (
	AAttacks TurnType = "A_attacks"
	BAttacks TurnType = "B_attacks"
)

func (t TurnType) Attacker() Role {
	if t == BAttacks {
		return RoleB
	}
	return RoleA
}

func (t TurnType) Flip() TurnType {
	if t == AAttacks {
		return BAttacks
	}
	return AAttacks
}

// TurnTypeFor gives the attacking side of a 1-based turn number.
func TurnTypeFor(turn int) TurnType {
	if turn%2 == 0 {
		return BAttacks
	}
	return AAttacks
}

// Outcome tags how a turn was resolved.
type Outcome string

const (
	OutcomeDeal        Outcome = "deal"
	OutcomeDefend      Outcome = "defend"
	OutcomePerfect     Outcome = "perfect"
	OutcomeCounterOK   Outcome = "counter_ok"
	OutcomeCounterFail Outcome = "counter_fail"
	OutcomeNoGuard     Outcome = "no_guard"
	OutcomePenalty     Outcome = "penalty"
)

// Fighter is one side's state going into a turn.
type Fighter struct {
	HP        int
	Attack    int
	Defense   int
	SpecialCD int
}

// SideState is one side's state after a turn.
type SideState struct {
	HP        int `json:"hp"`
	SpecialCD int `json:"specialCd"`
}

// TurnResult is the immutable record of a single resolved turn.
type TurnResult struct {
	Turn             int
	TurnType         TurnType
	AttackerRole     Role
	AttackerAction   Action
	DefenderAction   Action
	DamageToDefender int
	DamageToAttacker int
	Outcome          Outcome
	A                SideState
	B                SideState
}

// Side returns the post-turn state for r.
func (t TurnResult) Side(r Role) SideState {
	if r == RoleB {
		return t.B
	}
	return t.A
}

// RNG is the only source of randomness the resolver consumes.
// *math/rand/v2.Rand satisfies it.
type RNG interface {
	Float64() float64
}
