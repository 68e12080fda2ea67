// Package progression maps cumulative experience to levels and levels to stat multipliers.
package progression

import "math"

const (
	MaxLevel       = 20
	LevelStatBonus = 0.02

	ExpBaseWin  = 30
	ExpBaseLose = 10
	ExpMin      = 5
	ExpMax      = 50
)

// Stats is a hp/attack/defense triple. Base templates and level-scaled combatants share it.
type Stats struct {
	HP      int `json:"hp" yaml:"hp"`
	Attack  int `json:"attack" yaml:"attack"`
	Defense int `json:"defense" yaml:"defense"`
}

// Power is the crude strength score used for experience weighting.
func (s Stats) Power() int { return s.HP + s.Attack + s.Defense }

// RequiredExp는 레벨 n 도달에 필요한 누적 EXP.
func RequiredExp(level int) int { return level * level * 10 }

// LevelFor returns the largest level <= MaxLevel whose RequiredExp is covered by exp.
// Levels never drop below 1.
func LevelFor(exp int) int {
	level := 1
	for level < MaxLevel && exp >= RequiredExp(level+1) {
		level++
	}
	return level
}

func Multiplier(level int) float64 {
	if level < 1 {
		level = 1
	}
	return 1 + float64(level-1)*LevelStatBonus
}

// Scale applies the level multiplier to every stat, rounding half away from zero.
func Scale(base Stats, level int) Stats {
	m := Multiplier(level)
	return Stats{
		HP:      int(math.Round(float64(base.HP) * m)),
		Attack:  int(math.Round(float64(base.Attack) * m)),
		Defense: int(math.Round(float64(base.Defense) * m)),
	}
}

// ExpGain weights the base award by the opponent/own power ratio and clamps it to [ExpMin, ExpMax].
// Both stat sets are expected to be level-scaled.
func ExpGain(win bool, mine, opponent Stats) int {
	ratio := 1.0
	if p := mine.Power(); p > 0 {
		ratio = float64(opponent.Power()) / float64(p)
	}
	base := ExpBaseLose
	if win {
		base = ExpBaseWin
	}
	gain := int(math.Round(float64(base) * ratio))
	return min(ExpMax, max(ExpMin, gain))
}

// Progress reports how far exp sits between level and level+1, in [0, 1].
func Progress(exp, level int) float64 {
	if level >= MaxLevel {
		return 1
	}
	cur := RequiredExp(level)
	next := RequiredExp(level + 1)
	p := float64(exp-cur) / float64(next-cur)
	return math.Min(1, math.Max(0, p))
}
