// Package sim plays AI-vs-AI matches straight through the combat resolver to
// estimate balance: win rates per matchup, match length and stalemates.
package sim

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/park285/nfc-card-battle/internal/catalog"
	"github.com/park285/nfc-card-battle/internal/combat"
)

var (
	ErrNoCharacters  = errors.New("sim: no characters")
	ErrInvalidTrials = errors.New("sim: trials must be positive")
	ErrInvalidPolicy = errors.New("sim: rates must be within [0, 1]")
)

// Policy picks actions for both simulated players.
type Policy interface {
	AttackAction(specialCD int, rng combat.RNG) combat.Action
	DefenseAction(rng combat.RNG) combat.Action
}

// RatePolicy picks special with SpecialRate whenever it is off cooldown and
// counter with CounterRate.
type RatePolicy struct {
	SpecialRate float64 `json:"specialRate" yaml:"special_rate"`
	CounterRate float64 `json:"counterRate" yaml:"counter_rate"`
}

func DefaultPolicy() RatePolicy { return RatePolicy{SpecialRate: 0.5, CounterRate: 0.3} }

func (p RatePolicy) Validate() error {
	if p.SpecialRate < 0 || p.SpecialRate > 1 || p.CounterRate < 0 || p.CounterRate > 1 {
		return ErrInvalidPolicy
	}
	return nil
}

func (p RatePolicy) AttackAction(specialCD int, rng combat.RNG) combat.Action {
	if specialCD == 0 && rng.Float64() < p.SpecialRate {
		return combat.ActionSpecial
	}
	return combat.ActionAttack
}

func (p RatePolicy) DefenseAction(rng combat.RNG) combat.Action {
	if rng.Float64() < p.CounterRate {
		return combat.ActionCounter
	}
	return combat.ActionDefend
}

type MatchupResult struct {
	CharA            string  `json:"charA"`
	CharB            string  `json:"charB"`
	CharAID          int     `json:"charAId"`
	CharBID          int     `json:"charBId"`
	WinsA            int     `json:"winsA"`
	WinsB            int     `json:"winsB"`
	Draws            int     `json:"draws"`
	Total            int     `json:"total"`
	WinRateA         float64 `json:"winRateA"`
	WinRateB         float64 `json:"winRateB"`
	DrawRate         float64 `json:"drawRate"`
	AvgTurns         float64 `json:"avgTurns"`
	StalemateRate    float64 `json:"stalemateRate"`
	AvgDamagePerTurn float64 `json:"avgDamagePerTurn"`

	turns int
}

type Summary struct {
	OverallStalemateRate float64 `json:"overallStalemateRate"`
	AvgTurns             float64 `json:"avgTurns"`
	FirstMoverWinRate    float64 `json:"firstMoverWinRate"`
	ExecutionMs          int64   `json:"executionMs"`
}

type Result struct {
	Matrix     []MatchupResult     `json:"matrix"`
	Summary    Summary             `json:"summary"`
	Characters []catalog.Character `json:"characters"`
}

type Options struct {
	// Workers bounds concurrent matchups; 0 means GOMAXPROCS.
	Workers int
	// Seed makes a run reproducible. Each trial gets its own PCG stream derived from it.
	Seed uint64
}

type outcome struct {
	winner combat.Role
	draw   bool
	turns  int
	damage int
}

// battle plays one match to a KO or the turn cap. A always attacks first.
func battle(a, b catalog.Character, params combat.Params, pol Policy, rng combat.RNG) outcome {
	fighters := [2]combat.Fighter{
		{HP: a.HP, Attack: a.Attack, Defense: a.Defense},
		{HP: b.HP, Attack: b.Attack, Defense: b.Defense},
	}
	total := 0
	for turn := 1; turn <= combat.MaxTurns; turn++ {
		tt := combat.TurnTypeFor(turn)
		atk := tt.Attacker()
		ai, di := atk.Index(), atk.Other().Index()

		aa := pol.AttackAction(fighters[ai].SpecialCD, rng)
		da := pol.DefenseAction(rng)
		res := params.Resolve(turn, tt, fighters[ai], fighters[di], aa, da, rng)

		fighters[0].HP, fighters[0].SpecialCD = res.A.HP, res.A.SpecialCD
		fighters[1].HP, fighters[1].SpecialCD = res.B.HP, res.B.SpecialCD
		total += res.DamageToDefender + res.DamageToAttacker

		if fighters[di].HP <= 0 {
			return outcome{winner: atk, turns: turn, damage: total}
		}
		if fighters[ai].HP <= 0 {
			return outcome{winner: atk.Other(), turns: turn, damage: total}
		}
	}
	return outcome{draw: true, turns: combat.MaxTurns, damage: total}
}

// SimulateMatchup plays trials matches of a (first mover) against b. Trial i
// draws from PCG(seed, i), so results do not depend on scheduling.
func SimulateMatchup(a, b catalog.Character, params combat.Params, pol Policy, trials int, seed uint64) MatchupResult {
	r := MatchupResult{CharA: a.Name, CharB: b.Name, CharAID: a.ID, CharBID: b.ID, Total: trials}
	if trials <= 0 {
		return r
	}
	damage := 0
	for i := 0; i < trials; i++ {
		o := battle(a, b, params, pol, rand.New(rand.NewPCG(seed, uint64(i))))
		switch {
		case o.draw:
			r.Draws++
		case o.winner == combat.RoleA:
			r.WinsA++
		default:
			r.WinsB++
		}
		r.turns += o.turns
		damage += o.damage
	}
	n := float64(trials)
	r.WinRateA = float64(r.WinsA) / n
	r.WinRateB = float64(r.WinsB) / n
	r.DrawRate = float64(r.Draws) / n
	r.StalemateRate = r.DrawRate
	r.AvgTurns = float64(r.turns) / n
	if r.turns > 0 {
		r.AvgDamagePerTurn = float64(damage) / float64(r.turns)
	}
	return r
}

// Run simulates every ordered pair of characters, including mirror matches.
func Run(ctx context.Context, chars []catalog.Character, params combat.Params, pol Policy, trials int, opts Options) (*Result, error) {
	if len(chars) == 0 {
		return nil, ErrNoCharacters
	}
	if trials <= 0 {
		return nil, ErrInvalidTrials
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if v, ok := pol.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	n := len(chars)
	matrix := make([]MatchupResult, n*n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for idx := range matrix {
		a, b := chars[idx/n], chars[idx%n]
		seed := opts.Seed + uint64(idx)*0x9E3779B97F4A7C15
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			matrix[idx] = SimulateMatchup(a, b, params, pol, trials, seed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var draws, turns, firstWins, matches int
	for _, m := range matrix {
		draws += m.Draws
		turns += m.turns
		firstWins += m.WinsA
		matches += m.Total
	}
	out := &Result{Matrix: matrix, Characters: append([]catalog.Character(nil), chars...)}
	if matches > 0 {
		out.Summary.OverallStalemateRate = float64(draws) / float64(matches)
		out.Summary.AvgTurns = float64(turns) / float64(matches)
		out.Summary.FirstMoverWinRate = float64(firstWins) / float64(matches)
	}
	out.Summary.ExecutionMs = time.Since(start).Milliseconds()
	return out, nil
}

// ExpectedDamage is the pre-variance damage of a plain attack into defend, the
// quantity that decides whether a matchup can stall.
func ExpectedDamage(attack, defense int, params combat.Params) float64 {
	return max(float64(attack)-float64(defense)*params.DefenseMultiplier, 0)
}
