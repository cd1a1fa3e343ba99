package hysteresis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/fan-controller/internal/curve"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

type step struct {
	sec        int
	temp       float64
	speed      int
	transition Transition
}

func runSteps(t *testing.T, c curve.Curve, steps []step) *State {
	t.Helper()
	s := &State{}
	for i, st := range steps {
		res := s.Step(c, st.temp, at(st.sec))
		require.Equal(t, st.speed, res.Speed, "step %d (t=%ds, %.1f°C)", i, st.sec, st.temp)
		require.Equal(t, st.transition, res.Transition, "step %d (t=%ds, %.1f°C)", i, st.sec, st.temp)
	}
	return s
}

func TestStep_DeadbandThenHold(t *testing.T) {
	c := curve.MustParse("60:40:3:30,70:70:5:60", curve.DefaultDefaults())

	s := runSteps(t, c, []step{
		{0, 75, 70, Initial},
		{5, 68, 70, Unchanged}, // 68 > 70-5, still inside the deadband
		{10, 64, 70, Holding},  // hold timer starts
		{40, 63, 70, Holding},
		{69, 62, 70, Holding},
		{70, 62, 40, Decreased}, // 60s continuously below 65
	})
	assert.Equal(t, 0, s.Tier)
	assert.False(t, s.Pending())
}

func TestStep_DeadbandFailureResetsTimer(t *testing.T) {
	c := curve.MustParse("60:40:3:30,70:70:5:60", curve.DefaultDefaults())

	s := runSteps(t, c, []step{
		{0, 75, 70, Initial},
		{10, 64, 70, Holding},
		{50, 66, 70, Unchanged}, // back above the deadband line
		{60, 64, 70, Holding},   // timer restarts here
		{110, 64, 70, Holding},
		{120, 64, 40, Decreased},
	})
	assert.Equal(t, 0, s.Tier)
}

func TestStep_IncreaseIsImmediateDuringHold(t *testing.T) {
	c := curve.MustParse("50:30,60:40:3:30,70:70:5:60,80:100", curve.DefaultDefaults())

	s := runSteps(t, c, []step{
		{0, 75, 70, Initial},
		{10, 64, 70, Holding},
		{15, 85, 100, Increased},
	})
	assert.False(t, s.Pending())
	assert.Equal(t, 3, s.Tier)
}

func TestStep_IncreaseFromBaseline(t *testing.T) {
	c := curve.MustParse("50:30,70:80", curve.DefaultDefaults())

	runSteps(t, c, []step{
		{0, 30, 15, Initial},
		{5, 71, 80, Increased},
	})
}

func TestStep_ZeroHoldDecreasesOnceDeadbandClears(t *testing.T) {
	c := curve.MustParse("40:30:2:0,60:60:2:0", curve.DefaultDefaults())

	runSteps(t, c, []step{
		{0, 65, 60, Initial},
		{5, 59, 60, Unchanged}, // 59 >= 58
		{10, 57.5, 30, Decreased},
	})
}

func TestStep_DropToBaseline(t *testing.T) {
	c := curve.MustParse("50:30:3:10,70:70:5:20", curve.DefaultDefaults())

	s := runSteps(t, c, []step{
		{0, 72, 70, Initial},
		{5, 40, 70, Holding},
		{25, 40, 15, Decreased},
	})
	assert.Equal(t, curve.BaselineTier, s.Tier)
}

func TestStep_CommitsLatestCandidate(t *testing.T) {
	c := curve.MustParse("40:30,50:50,70:90:5:30", curve.DefaultDefaults())

	s := runSteps(t, c, []step{
		{0, 75, 90, Initial},
		{5, 55, 90, Holding},
		{20, 45, 90, Holding},
		{35, 45, 30, Decreased},
	})
	assert.Equal(t, 0, s.Tier)
}

func TestStep_LastSeenRefreshed(t *testing.T) {
	c := curve.MustParse("50:30", curve.DefaultDefaults())
	s := &State{}
	s.Step(c, 55, at(0))
	s.Step(c, 55, at(5))
	assert.Equal(t, at(5), s.LastSeen)
}
