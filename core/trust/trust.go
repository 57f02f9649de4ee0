// Package trust implements the per-machine reputation ladder:
// healthy -> probation -> banned.
package trust

import (
	"fmt"
	"strings"
)

// State is the position of a machine on the reputation ladder.
type State string

const (
	Healthy   State = "healthy"
	Probation State = "probation"
	Banned    State = "banned"
)

// Verdict is the external scorer's judgement of one job.
type Verdict string

const (
	Clean      Verdict = "clean"
	FlagSoft   Verdict = "flag_soft"
	FlagStrong Verdict = "flag_strong"
)

const (
	MaxScore      = 100
	RecoveryScore = 1

	softPenalty   = 2
	strongPenalty = 5

	// MinFlagConfidence is the scorer confidence below which a flag is
	// recorded but not acted on.
	MinFlagConfidence = 0.5
)

// Record is the trust portion of a machine.
type Record struct {
	Score      int   `json:"trust_score"`
	State      State `json:"trust_state"`
	Probations int   `json:"probation_count"`
}

// New returns the record every machine starts with.
func New() Record {
	return Record{Score: MaxScore, State: Healthy}
}

// Eligible reports whether settlements for this machine are paid.
func (r Record) Eligible() bool {
	return r.State == Healthy && r.Score > 0
}

// Apply returns the record after verdict v. The second return value is
// false when the verdict had no effect on the record.
func (r Record) Apply(v Verdict, confidence float64) (Record, bool) {
	if r.State == Banned {
		return r, false
	}
	switch v {
	case Clean:
		if r.State == Probation {
			r.State = Healthy
			r.Score = RecoveryScore
			return r, true
		}
		if r.Score >= MaxScore {
			return r, false
		}
		r.Score++
		return r, true
	case FlagSoft, FlagStrong:
		if confidence < MinFlagConfidence || r.State == Probation {
			return r, false
		}
		penalty := softPenalty
		if v == FlagStrong {
			penalty = strongPenalty
		}
		r.Score -= penalty
		if r.Score > 0 {
			return r, true
		}
		r.Score = 0
		if r.Probations > 0 {
			r.State = Banned
		} else {
			r.State = Probation
			r.Probations++
		}
		return r, true
	default:
		return r, false
	}
}

// ParseVerdict accepts the verdict names used on the wire.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case Clean, FlagSoft, FlagStrong:
		return v, nil
	case "soft":
		return FlagSoft, nil
	case "strong":
		return FlagStrong, nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// VerdictFromDelta maps a scorer's signed trust delta onto a verdict.
// Non-negative deltas are clean; -5 or below is a strong flag.
func VerdictFromDelta(delta float64) Verdict {
	switch {
	case delta >= 0:
		return Clean
	case delta <= -strongPenalty:
		return FlagStrong
	default:
		return FlagSoft
	}
}

// Normalize repairs a record loaded from storage.
func (r Record) Normalize() Record {
	if r.Score < 0 {
		r.Score = 0
	}
	if r.Score > MaxScore {
		r.Score = MaxScore
	}
	switch r.State {
	case Healthy, Probation, Banned:
	default:
		if r.Score == 0 {
			r.State = Probation
		} else {
			r.State = Healthy
		}
	}
	return r
}
