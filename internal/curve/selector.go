package curve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Any matches every instance or every zone.
const Any = -1

// Selector picks device/zone pairs: KIND[INDEX][-zoneN].
type Selector struct {
	Kind  model.Kind
	Index int
	Zone  int
}

func ParseSelector(s string) (Selector, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	sel := Selector{Index: Any, Zone: Any}

	head := s
	if i := strings.Index(s, "-zone"); i >= 0 {
		head = s[:i]
		zone := s[i+len("-zone"):]
		if zone != "" {
			n, err := strconv.Atoi(zone)
			if err != nil || n < 0 {
				return Selector{}, fault.Config("selector %q: bad zone %q", s, zone)
			}
			sel.Zone = n
		}
	}

	i := len(head)
	for i > 0 && head[i-1] >= '0' && head[i-1] <= '9' {
		i--
	}
	kind, err := model.ParseKind(head[:i])
	if err != nil {
		return Selector{}, fault.Config("selector %q: %v", s, err)
	}
	sel.Kind = kind
	if i < len(head) {
		n, err := strconv.Atoi(head[i:])
		if err != nil {
			return Selector{}, fault.Config("selector %q: bad index %q", s, head[i:])
		}
		sel.Index = n
	}
	return sel, nil
}

// MatchesDevice ignores the zone part.
func (s Selector) MatchesDevice(d model.LogicalDevice) bool {
	return s.Kind == d.Kind && (s.Index == Any || s.Index == d.Index)
}

func (s Selector) Matches(d model.LogicalDevice, zone model.Zone) bool {
	return s.MatchesDevice(d) && (s.Zone == Any || s.Zone == int(zone))
}

// Specificity orders rules: an index outranks a zone, both outrank neither.
func (s Selector) Specificity() int {
	n := 0
	if s.Index != Any {
		n += 2
	}
	if s.Zone != Any {
		n++
	}
	return n
}

func (s Selector) String() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	if s.Index != Any {
		b.WriteString(strconv.Itoa(s.Index))
	}
	if s.Zone != Any {
		b.WriteString("-zone")
		b.WriteString(strconv.Itoa(s.Zone))
	}
	return b.String()
}

// Rule assigns a curve to a selector. A disabled rule removes the matching
// pairs from arbitration.
type Rule struct {
	Selector Selector
	Curve    Curve
	Disabled bool
}

func ParseRule(s string, d Defaults) (Rule, error) {
	lhs, rhs, ok := strings.Cut(s, "=")
	if !ok {
		return Rule{}, fault.Config("curve rule %q: want SELECTOR=CURVE", s)
	}
	sel, err := ParseSelector(lhs)
	if err != nil {
		return Rule{}, err
	}
	if strings.TrimSpace(rhs) == "" {
		return Rule{Selector: sel, Disabled: true}, nil
	}
	c, err := Parse(rhs, d)
	if err != nil {
		return Rule{}, fmt.Errorf("curve rule %q: %w", sel.String(), err)
	}
	return Rule{Selector: sel, Curve: c}, nil
}

func (r Rule) String() string {
	if r.Disabled {
		return r.Selector.String() + "="
	}
	return r.Selector.String() + "=" + r.Curve.String()
}
