// Package reward computes the token amount paid for one completed job.
//
// Everything here is a pure function of its inputs. Live values (activity
// ratio, days since launch, trust, job count) are gathered by the caller.
package reward

import (
	"math"
)

// UnitsPerToken is the number of base units in one MINT (9 decimals).
const UnitsPerToken = 1_000_000_000

// Params holds the tunable constants of the reward formula.
type Params struct {
	BaseRate float64 `json:"base_rate" yaml:"base_rate"` // MINT per second

	MinDuration float64 `json:"min_duration_seconds" yaml:"min_duration_seconds"`
	MaxDuration float64 `json:"max_duration_seconds" yaml:"max_duration_seconds"`
	TaperKnee   float64 `json:"taper_knee_seconds" yaml:"taper_knee_seconds"`

	MinComplexity float64 `json:"min_complexity" yaml:"min_complexity"`
	MaxComplexity float64 `json:"max_complexity" yaml:"max_complexity"`

	MinActivity        float64 `json:"min_activity_ratio" yaml:"min_activity_ratio"`
	MaxActivity        float64 `json:"max_activity_ratio" yaml:"max_activity_ratio"`
	ActivityElasticity float64 `json:"activity_elasticity" yaml:"activity_elasticity"`

	DecayHalfLifeDays float64 `json:"decay_half_life_days" yaml:"decay_half_life_days"`
	DecayFloor        float64 `json:"decay_floor" yaml:"decay_floor"`

	WarmupJobs  int     `json:"warmup_jobs" yaml:"warmup_jobs"`
	WarmupStart float64 `json:"warmup_start" yaml:"warmup_start"`

	MinReward float64 `json:"min_reward" yaml:"min_reward"`
	MaxReward float64 `json:"max_reward" yaml:"max_reward"`
}

// DefaultParams returns the production constants.
func DefaultParams() Params {
	return Params{
		BaseRate:           0.005,
		MinDuration:        60,
		MaxDuration:        7 * 24 * 3600,
		TaperKnee:          30 * 60,
		MinComplexity:      0.5,
		MaxComplexity:      2.0,
		MinActivity:        0.1,
		MaxActivity:        10,
		ActivityElasticity: 0.4,
		DecayHalfLifeDays:  5,
		DecayFloor:         0.5,
		WarmupJobs:         30,
		WarmupStart:        0.5,
		MinReward:          0.5,
		MaxReward:          10,
	}
}

// Input is one job as seen by the formula.
type Input struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Complexity      float64 `json:"complexity"`
	ActivityRatio   float64 `json:"activity_ratio"`
	DaysSinceLaunch float64 `json:"days_since_launch"`
	TrustScore      int     `json:"trust_score"`
	JobCount        int64   `json:"job_count"`
}

// Breakdown records every factor that went into a reward so it can be
// logged and returned to the machine.
type Breakdown struct {
	DurationSeconds  float64 `json:"duration_seconds"`
	EffectiveSeconds float64 `json:"effective_seconds"`
	Base             float64 `json:"base"`
	Complexity       float64 `json:"complexity"`
	ActivityRatio    float64 `json:"activity_ratio"`
	ActivityMult     float64 `json:"activity_multiplier"`
	DecayMult        float64 `json:"decay_multiplier"`
	TrustMult        float64 `json:"trust_multiplier"`
	Warmup           float64 `json:"warmup_multiplier"`
	Raw              float64 `json:"raw"`
	Reward           float64 `json:"reward"`
}

// Units returns the clamped reward in base units.
func (b Breakdown) Units() int64 {
	return ToUnits(b.Reward)
}

// Compute evaluates the formula with DefaultParams.
func Compute(in Input) Breakdown {
	return DefaultParams().Compute(in)
}

// Compute evaluates the reward formula for in.
func (p Params) Compute(in Input) Breakdown {
	var b Breakdown
	b.DurationSeconds = clamp(in.DurationSeconds, p.MinDuration, p.MaxDuration)
	b.EffectiveSeconds = p.Taper(b.DurationSeconds)
	b.Base = b.EffectiveSeconds * p.BaseRate
	b.Complexity = clamp(in.Complexity, p.MinComplexity, p.MaxComplexity)

	ratio := in.ActivityRatio
	if ratio <= 0 || math.IsNaN(ratio) {
		ratio = 1
	}
	b.ActivityRatio = clamp(ratio, p.MinActivity, p.MaxActivity)
	b.ActivityMult = math.Pow(b.ActivityRatio, -p.ActivityElasticity)
	b.DecayMult = p.DecayMultiplier(in.DaysSinceLaunch)
	b.TrustMult = float64(clampInt(in.TrustScore, 0, 100)) / 100
	b.Warmup = p.Warmup(in.JobCount)

	b.Raw = b.Base * b.Complexity * b.ActivityMult * b.DecayMult * b.TrustMult * b.Warmup
	b.Reward = clamp(b.Raw, p.MinReward, p.MaxReward)
	return b
}

// Taper dampens durations beyond the knee with a square root curve that
// meets the linear segment with slope 1.
func (p Params) Taper(seconds float64) float64 {
	if p.TaperKnee <= 0 || seconds <= p.TaperKnee {
		return seconds
	}
	return 2*math.Sqrt(seconds*p.TaperKnee) - p.TaperKnee
}

// Warmup ramps from WarmupStart at zero jobs to 1.0 at WarmupJobs.
func (p Params) Warmup(jobCount int64) float64 {
	if p.WarmupJobs <= 0 {
		return 1
	}
	n := jobCount
	if n < 0 {
		n = 0
	}
	if n > int64(p.WarmupJobs) {
		n = int64(p.WarmupJobs)
	}
	return math.Min(1, p.WarmupStart+(1-p.WarmupStart)*float64(n)/float64(p.WarmupJobs))
}

// DecayMultiplier halves every DecayHalfLifeDays and never drops below
// DecayFloor.
func (p Params) DecayMultiplier(days float64) float64 {
	if days <= 0 || math.IsNaN(days) || p.DecayHalfLifeDays <= 0 {
		return 1
	}
	return math.Max(p.DecayFloor, math.Pow(0.5, days/p.DecayHalfLifeDays))
}

// ToUnits converts a MINT amount to base units, rounding to nearest.
func ToUnits(tokens float64) int64 {
	return int64(math.Round(tokens * UnitsPerToken))
}

// FromUnits converts base units to MINT.
func FromUnits(units int64) float64 {
	return float64(units) / UnitsPerToken
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
