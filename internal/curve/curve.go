// Package curve maps temperatures to fan duty percentages.
//
// Curves are piecewise-constant: the effective tier is the highest breakpoint
// whose threshold is at or below the temperature. Below the first threshold
// the curve yields the configured floor and tier -1.
package curve

import (
	"fmt"
	"time"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
)

const (
	// MinFloor is the lowest duty the board is ever commanded to.
	MinFloor = 15
	MaxSpeed = 100

	// BaselineTier is reported when no breakpoint qualifies.
	BaselineTier = -1
)

type Breakpoint struct {
	Threshold      float64       // °C, closed lower bound of the tier
	Speed          int           // duty percent
	TempHysteresis float64       // °C below Threshold before a decrease is considered
	TimeHysteresis time.Duration // continuous time below the deadband before a decrease commits
}

type Curve struct {
	Breakpoints []Breakpoint
	Floor       int
}

// Defaults are the process-wide values for omitted breakpoint fields.
type Defaults struct {
	TempHysteresis float64
	TimeHysteresis time.Duration
	Floor          int
}

func DefaultDefaults() Defaults {
	return Defaults{
		TempHysteresis: 3,
		TimeHysteresis: 30 * time.Second,
		Floor:          MinFloor,
	}
}

// Evaluate returns the duty and tier index for temp.
func (c Curve) Evaluate(temp float64) (int, int) {
	tier := BaselineTier
	for i, bp := range c.Breakpoints {
		if bp.Threshold > temp {
			break
		}
		tier = i
	}
	return c.Speed(tier), tier
}

// Speed returns the duty of a tier index, the floor for the baseline tier.
func (c Curve) Speed(tier int) int {
	if tier < 0 || tier >= len(c.Breakpoints) {
		return c.floor()
	}
	return c.Breakpoints[tier].Speed
}

func (c Curve) floor() int {
	if c.Floor <= 0 {
		return MinFloor
	}
	return c.Floor
}

// Validate checks ordering and speed bounds.
func (c Curve) Validate() error {
	if len(c.Breakpoints) == 0 {
		return fault.Config("curve has no breakpoints")
	}
	floor := c.floor()
	if floor < MinFloor || floor > MaxSpeed {
		return fault.Config("curve floor %d%% outside [%d, %d]", floor, MinFloor, MaxSpeed)
	}
	for i, bp := range c.Breakpoints {
		if bp.Speed < floor || bp.Speed > MaxSpeed {
			return fault.Config("breakpoint %d: speed %d%% outside [%d, %d]", i, bp.Speed, floor, MaxSpeed)
		}
		if bp.TempHysteresis < 0 {
			return fault.Config("breakpoint %d: negative temperature hysteresis", i)
		}
		if bp.TimeHysteresis < 0 {
			return fault.Config("breakpoint %d: negative time hysteresis", i)
		}
		if i == 0 {
			continue
		}
		prev := c.Breakpoints[i-1]
		if bp.Threshold <= prev.Threshold {
			return fault.Config("breakpoint %d: threshold %s not above %s", i, formatFloat(bp.Threshold), formatFloat(prev.Threshold))
		}
		if bp.Speed < prev.Speed {
			return fault.Config("breakpoint %d: speed %d%% lower than previous %d%%", i, bp.Speed, prev.Speed)
		}
	}
	return nil
}

func (c Curve) Equal(o Curve) bool {
	if c.floor() != o.floor() || len(c.Breakpoints) != len(o.Breakpoints) {
		return false
	}
	for i := range c.Breakpoints {
		if c.Breakpoints[i] != o.Breakpoints[i] {
			return false
		}
	}
	return true
}

func (b Breakpoint) String() string {
	return fmt.Sprintf("%s:%d:%s:%s",
		formatFloat(b.Threshold), b.Speed, formatFloat(b.TempHysteresis), formatFloat(b.TimeHysteresis.Seconds()))
}
