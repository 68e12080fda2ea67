// Package combat resolves a single turn of a match. Everything here is pure;
// randomness comes in through RNG.
package combat

import (
	"errors"
	"math"
)

// Params holds every tunable the resolver reads.
type Params struct {
	DefenseMultiplier       float64 `json:"defenseMultiplier" yaml:"defense_multiplier"`
	SpecialMultiplier       float64 `json:"specialMultiplier" yaml:"special_multiplier"`
	SpecialCooldown         int     `json:"specialCooldown" yaml:"special_cooldown"`
	CounterSuccessRate      float64 `json:"counterSuccessRate" yaml:"counter_success_rate"`
	CounterDamageMultiplier float64 `json:"counterDamageMultiplier" yaml:"counter_damage_multiplier"`
	DamageVariance          float64 `json:"damageVariance" yaml:"damage_variance"`
	MinDamage               int     `json:"minDamage" yaml:"min_damage"`
}

func DefaultParams() Params {
	return Params{
		DefenseMultiplier:       DefenseMultiplier,
		SpecialMultiplier:       SpecialMultiplier,
		SpecialCooldown:         SpecialCooldown,
		CounterSuccessRate:      CounterSuccessRate,
		CounterDamageMultiplier: CounterDamageMultiplier,
		DamageVariance:          DamageVariance,
		MinDamage:               MinDamage,
	}
}

var ErrInvalidParams = errors.New("invalid combat params")

// Validate rejects parameter sets that could produce negative damage or probabilities outside [0,1].
func (p Params) Validate() error {
	switch {
	case p.DefenseMultiplier < 0, p.SpecialMultiplier < 0, p.CounterDamageMultiplier < 0:
		return ErrInvalidParams
	case p.SpecialCooldown < 0, p.MinDamage < 0:
		return ErrInvalidParams
	case p.CounterSuccessRate < 0, p.CounterSuccessRate > 1:
		return ErrInvalidParams
	case p.DamageVariance < 0, p.DamageVariance > 1:
		return ErrInvalidParams
	}
	return nil
}

// Resolve runs one turn with the default tunables.
func Resolve(turn int, tt TurnType, attacker, defender Fighter, attackerAction, defenderAction Action, rng RNG) TurnResult {
	return DefaultParams().Resolve(turn, tt, attacker, defender, attackerAction, defenderAction, rng)
}

// Resolve computes the outcome of one turn. The attacker is whichever side tt names.
//
// Priority: attacker timeout, defender timeout, counter, defend, plain hit.
// The RNG is consumed in a fixed order (counter roll before variance) so that
// replaying the same stream reproduces the same result.
func (p Params) Resolve(turn int, tt TurnType, attacker, defender Fighter, attackerAction, defenderAction Action, rng RNG) TurnResult {
	res := TurnResult{
		Turn:           turn,
		TurnType:       tt,
		AttackerRole:   tt.Attacker(),
		AttackerAction: attackerAction,
		DefenderAction: defenderAction,
	}

	attackerCD := max(attacker.SpecialCD-1, 0)
	power := attacker.Attack
	if attackerAction == ActionSpecial {
		power = int(math.Floor(float64(attacker.Attack) * p.SpecialMultiplier))
		attackerCD = p.SpecialCooldown
	}

	switch {
	case attackerAction == ActionTimeout:
		res.DamageToAttacker = p.vary(float64(defender.Attack), rng)
		res.Outcome = OutcomePenalty
	case defenderAction == ActionTimeout:
		// no guard: defense ignored
		res.DamageToDefender = p.vary(float64(power), rng)
		res.Outcome = OutcomeNoGuard
	case defenderAction == ActionCounter:
		if rng.Float64() < p.CounterSuccessRate {
			counter := math.Floor(float64(defender.Attack) * p.CounterDamageMultiplier)
			res.DamageToAttacker = p.vary(counter, rng)
			res.Outcome = OutcomeCounterOK
		} else {
			res.DamageToDefender = p.vary(float64(power), rng)
			res.Outcome = OutcomeCounterFail
		}
	case defenderAction == ActionDefend:
		raw := math.Max(float64(power)-float64(defender.Defense)*p.DefenseMultiplier, 0)
		res.DamageToDefender = p.vary(raw, rng)
		if res.DamageToDefender > 0 {
			res.Outcome = OutcomeDefend
		} else {
			res.Outcome = OutcomePerfect
		}
	default:
		res.DamageToDefender = p.vary(float64(max(power-defender.Defense, p.MinDamage)), rng)
		res.Outcome = OutcomeDeal
	}

	att := SideState{HP: max(attacker.HP-res.DamageToAttacker, 0), SpecialCD: attackerCD}
	def := SideState{HP: max(defender.HP-res.DamageToDefender, 0), SpecialCD: defender.SpecialCD}
	if res.AttackerRole == RoleA {
		res.A, res.B = att, def
	} else {
		res.A, res.B = def, att
	}
	return res
}

// vary applies the ±DamageVariance spread. Zero stays zero; anything else is floored at MinDamage.
func (p Params) vary(raw float64, rng RNG) int {
	if raw <= 0 {
		return 0
	}
	factor := 1 + (rng.Float64()*2-1)*p.DamageVariance
	return max(int(math.Round(raw*factor)), p.MinDamage)
}

// Winner picks the surviving side. A simultaneous knockout goes to A.
// ok is false while both sides still stand.
func Winner(hpA, hpB int) (winner Role, ok bool) {
	switch {
	case hpA <= 0:
		if hpB <= 0 {
			return RoleA, true
		}
		return RoleB, true
	case hpB <= 0:
		return RoleA, true
	}
	return "", false
}
