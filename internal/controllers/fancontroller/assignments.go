package fancontroller

import (
	"sort"

	"github.com/thatsimonsguy/fan-controller/internal/curve"
	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// DefaultSource names assignments whose curve came from the kind default.
const DefaultSource = "default"

// Assignment maps one device to one zone through one curve.
type Assignment struct {
	Device model.LogicalDevice
	Zone   model.Zone
	Curve  curve.Curve
	Source string // rule selector that supplied Curve, or DefaultSource
}

type assignmentKey struct {
	device model.DeviceID
	zone   model.Zone
}

func (a Assignment) key() assignmentKey {
	return assignmentKey{device: a.Device.ID, zone: a.Zone}
}

type Options struct {
	Zones      []model.Zone
	KindCurves map[model.Kind]curve.Curve
	// KindZones lists the zones a kind drives when no rule names a zone.
	// Kinds missing here drive every zone.
	KindZones map[model.Kind][]model.Zone
}

// BuildAssignments resolves the device × zone relation. A device drives its
// kind's zones plus any zone a matching rule names explicitly. For each pair
// the most specific matching rule wins, the later rule on a tie. Disabled
// rules remove the pair from arbitration.
func BuildAssignments(devices []model.LogicalDevice, rules []curve.Rule, opts Options) ([]Assignment, error) {
	board := make(map[model.Zone]bool, len(opts.Zones))
	for _, z := range opts.Zones {
		board[z] = true
	}

	var out []Assignment
	for _, d := range devices {
		for _, z := range deviceZones(d, rules, opts, board) {
			rule, ok := bestRule(rules, d, z)
			if ok && rule.Disabled {
				continue
			}
			a := Assignment{Device: d, Zone: z}
			if ok {
				a.Curve = rule.Curve
				a.Source = rule.Selector.String()
			} else {
				c, found := opts.KindCurves[d.Kind]
				if !found {
					return nil, fault.Config("no curve for %s: kind %s has no default", d.ID, d.Kind)
				}
				a.Curve = c
				a.Source = DefaultSource
			}
			if err := a.Curve.Validate(); err != nil {
				return nil, fault.Config("%s %s: %v", d.ID, z, err)
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func deviceZones(d model.LogicalDevice, rules []curve.Rule, opts Options, board map[model.Zone]bool) []model.Zone {
	set := map[model.Zone]bool{}
	if zs, ok := opts.KindZones[d.Kind]; ok {
		for _, z := range zs {
			set[z] = true
		}
	} else {
		for _, z := range opts.Zones {
			set[z] = true
		}
	}
	for _, r := range rules {
		if r.Disabled || r.Selector.Zone == curve.Any || !r.Selector.MatchesDevice(d) {
			continue
		}
		set[model.Zone(r.Selector.Zone)] = true
	}

	zones := make([]model.Zone, 0, len(set))
	for z := range set {
		if board[z] {
			zones = append(zones, z)
		}
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i] < zones[j] })
	return zones
}

func bestRule(rules []curve.Rule, d model.LogicalDevice, z model.Zone) (curve.Rule, bool) {
	var best curve.Rule
	found := false
	for _, r := range rules {
		if !r.Selector.Matches(d, z) {
			continue
		}
		if !found || r.Selector.Specificity() >= best.Selector.Specificity() {
			best = r
			found = true
		}
	}
	return best, found
}

// ZonesOf returns the zones each device drives.
func ZonesOf(assignments []Assignment) map[model.DeviceID][]model.Zone {
	out := make(map[model.DeviceID][]model.Zone)
	for _, a := range assignments {
		out[a.Device.ID] = append(out[a.Device.ID], a.Zone)
	}
	return out
}
