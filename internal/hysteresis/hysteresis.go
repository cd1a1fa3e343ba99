// Package hysteresis damps downward tier changes of a curve.
//
// Increases apply on the poll that sees them. A decrease must first clear a
// temperature deadband below the current tier's threshold, then hold below
// that line continuously for the tier's time hysteresis. Any poll that fails
// the deadband condition resets the hold timer.
package hysteresis

import (
	"time"

	"github.com/thatsimonsguy/fan-controller/internal/curve"
)

// State is the per device/zone memory. The zero value is uninitialised and
// commits the first evaluation directly.
type State struct {
	Tier           int
	CandidateTier  int
	CandidateSince time.Time // zero when no decrease is pending
	LastSeen       time.Time
	initialized    bool
}

type Transition string

const (
	Initial   Transition = "initial"
	Increased Transition = "increased"
	Decreased Transition = "decreased"
	Holding   Transition = "holding" // decrease pending, hold timer running
	Unchanged Transition = "unchanged"
)

type Result struct {
	Speed      int
	Tier       int
	RawTier    int
	Transition Transition
}

func (s *State) Pending() bool {
	return !s.CandidateSince.IsZero()
}

func (s *State) resetCandidate() {
	s.CandidateTier = curve.BaselineTier
	s.CandidateSince = time.Time{}
}

// Step feeds one reading through the curve and the damping rules and returns
// the committed speed.
func (s *State) Step(c curve.Curve, temp float64, now time.Time) Result {
	_, raw := c.Evaluate(temp)
	s.LastSeen = now

	if !s.initialized {
		s.initialized = true
		s.Tier = raw
		s.resetCandidate()
		return s.result(c, raw, Initial)
	}

	switch {
	case raw > s.Tier:
		s.Tier = raw
		s.resetCandidate()
		return s.result(c, raw, Increased)

	case raw == s.Tier:
		s.resetCandidate()
		return s.result(c, raw, Unchanged)
	}

	current := c.Breakpoints[s.Tier]
	if temp >= current.Threshold-current.TempHysteresis {
		s.resetCandidate()
		return s.result(c, raw, Unchanged)
	}

	if !s.Pending() {
		s.CandidateSince = now
	}
	s.CandidateTier = raw

	if now.Sub(s.CandidateSince) >= current.TimeHysteresis {
		s.Tier = raw
		s.resetCandidate()
		return s.result(c, raw, Decreased)
	}
	return s.result(c, raw, Holding)
}

func (s *State) result(c curve.Curve, raw int, t Transition) Result {
	return Result{
		Speed:      c.Speed(s.Tier),
		Tier:       s.Tier,
		RawTier:    raw,
		Transition: t,
	}
}
