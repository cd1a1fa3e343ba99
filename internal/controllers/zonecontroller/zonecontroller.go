// Package zonecontroller reduces device-level target speeds to one speed per
// fan zone. The most demanding device governs the whole zone.
package zonecontroller

import (
	"fmt"
	"sort"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Vote is one assignment's post-hysteresis speed for a zone.
type Vote struct {
	Device model.DeviceID
	Zone   model.Zone
	Speed  int
}

type Decision struct {
	Zone    model.Zone
	Speed   int
	Drivers []model.DeviceID // every device at the max value
	Votes   int
	Err     error // ErrArbitrationImpossible when the zone had no votes
}

func (d Decision) OK() bool {
	return d.Err == nil
}

// Arbitrate returns one decision per zone in zones. Votes for zones not
// listed are ignored.
func Arbitrate(zones []model.Zone, votes []Vote) map[model.Zone]Decision {
	decisions := make(map[model.Zone]Decision, len(zones))
	for _, z := range zones {
		decisions[z] = Decision{Zone: z}
	}

	for _, v := range votes {
		d, ok := decisions[v.Zone]
		if !ok {
			continue
		}
		d.Votes++
		switch {
		case d.Votes == 1 || v.Speed > d.Speed:
			d.Speed = v.Speed
			d.Drivers = []model.DeviceID{v.Device}
		case v.Speed == d.Speed:
			d.Drivers = append(d.Drivers, v.Device)
		}
		decisions[v.Zone] = d
	}

	for z, d := range decisions {
		if d.Votes == 0 {
			d.Err = fmt.Errorf("%w: %s has no contributing device", fault.ErrArbitrationImpossible, z)
			decisions[z] = d
			continue
		}
		sort.Slice(d.Drivers, func(i, j int) bool { return d.Drivers[i] < d.Drivers[j] })
		decisions[z] = d
	}
	return decisions
}

func DriverNames(ids []model.DeviceID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
