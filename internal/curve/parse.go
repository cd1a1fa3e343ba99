package curve

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
)

// Parse reads "TEMP:SPEED[:TEMP_HYST[:TIME_HYST]],..." with omitted
// hysteresis fields taken from d. TIME_HYST is in seconds.
func Parse(s string, d Defaults) (Curve, error) {
	c := Curve{Floor: d.Floor}
	s = strings.TrimSpace(s)
	if s == "" {
		return c, fault.Config("empty curve")
	}

	for i, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) < 2 || len(fields) > 4 {
			return Curve{}, fault.Config("breakpoint %d %q: want TEMP:SPEED[:TEMP_HYST[:TIME_HYST]]", i, part)
		}

		bp := Breakpoint{
			TempHysteresis: d.TempHysteresis,
			TimeHysteresis: d.TimeHysteresis,
		}

		temp, err := parseNumber(fields[0])
		if err != nil {
			return Curve{}, fault.Config("breakpoint %d: temperature %q: %v", i, fields[0], err)
		}
		bp.Threshold = temp

		speed, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(fields[1]), "%"))
		if err != nil {
			return Curve{}, fault.Config("breakpoint %d: speed %q: %v", i, fields[1], err)
		}
		bp.Speed = speed

		if len(fields) >= 3 && strings.TrimSpace(fields[2]) != "" {
			h, err := parseNumber(fields[2])
			if err != nil {
				return Curve{}, fault.Config("breakpoint %d: temperature hysteresis %q: %v", i, fields[2], err)
			}
			bp.TempHysteresis = h
		}
		if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
			secs, err := parseNumber(fields[3])
			if err != nil {
				return Curve{}, fault.Config("breakpoint %d: time hysteresis %q: %v", i, fields[3], err)
			}
			bp.TimeHysteresis = time.Duration(secs * float64(time.Second))
		}

		c.Breakpoints = append(c.Breakpoints, bp)
	}

	if err := c.Validate(); err != nil {
		return Curve{}, err
	}
	return c, nil
}

// MustParse panics on error. Only for built-in curves.
func MustParse(s string, d Defaults) Curve {
	c, err := Parse(s, d)
	if err != nil {
		panic(err)
	}
	return c
}

// String serialises every field explicitly so the result re-parses to an
// equal curve under any defaults with the same floor.
func (c Curve) String() string {
	parts := make([]string, len(c.Breakpoints))
	for i, bp := range c.Breakpoints {
		parts[i] = bp.String()
	}
	return strings.Join(parts, ",")
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrRange
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
