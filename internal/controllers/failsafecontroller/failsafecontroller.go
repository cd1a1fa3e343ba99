package failsafecontroller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/datadog"
	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// FailsafeSpeed is commanded to every zone in fail-safe.
const FailsafeSpeed = 100

const DefaultWriteTimeout = 10 * time.Second

// Trigger is one reason to force cooling this cycle. All applies it to
// every zone; otherwise only Zone is affected.
type Trigger struct {
	All    bool
	Zone   model.Zone
	Device model.DeviceID
	Err    error
}

func (t Trigger) Reason() string {
	var b strings.Builder
	b.WriteString(fault.Kind(t.Err))
	if t.Device != "" {
		b.WriteString(" ")
		b.WriteString(string(t.Device))
	}
	return b.String()
}

type FailsafeAction struct {
	// Zones to force to FailsafeSpeed this cycle.
	Zones []model.Zone
	// Engage and Clear are transitions relative to the previous cycle.
	Engage  []model.Zone
	Clear   []model.Zone
	Reasons map[model.Zone][]string
}

func (a FailsafeAction) Active(z model.Zone) bool {
	for _, active := range a.Zones {
		if active == z {
			return true
		}
	}
	return false
}

// Evaluate decides which zones are in fail-safe this cycle given the zones
// that were in it last cycle.
func Evaluate(active map[model.Zone]bool, triggers []Trigger, zones []model.Zone) FailsafeAction {
	action := FailsafeAction{Reasons: make(map[model.Zone][]string)}

	known := make(map[model.Zone]bool, len(zones))
	for _, z := range zones {
		known[z] = true
	}

	for _, t := range triggers {
		if t.All {
			for _, z := range zones {
				action.Reasons[z] = appendUnique(action.Reasons[z], t.Reason())
			}
			continue
		}
		if known[t.Zone] {
			action.Reasons[t.Zone] = appendUnique(action.Reasons[t.Zone], t.Reason())
		}
	}

	for _, z := range zones {
		_, triggered := action.Reasons[z]
		switch {
		case triggered:
			action.Zones = append(action.Zones, z)
			if !active[z] {
				action.Engage = append(action.Engage, z)
			}
		case active[z]:
			action.Clear = append(action.Clear, z)
		}
	}
	return action
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// ZoneWriter is the subset of the board the policy needs.
type ZoneWriter interface {
	SetZoneSpeed(ctx context.Context, z model.Zone, percent int) error
}

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

// Journal records transitions.
type Journal interface {
	RecordFailsafe(zone model.Zone, engaged bool, reason string) error
}

type Policy struct {
	board        ZoneWriter
	notifier     Notifier
	journal      Journal
	active       map[model.Zone]bool
	WriteTimeout time.Duration
}

// NewPolicy returns a policy with no zone in fail-safe. notifier and journal
// may be nil.
func NewPolicy(board ZoneWriter, notifier Notifier, journal Journal) *Policy {
	return &Policy{
		board:        board,
		notifier:     notifier,
		journal:      journal,
		active:       make(map[model.Zone]bool),
		WriteTimeout: DefaultWriteTimeout,
	}
}

func (p *Policy) IsActive(z model.Zone) bool {
	return p.active[z]
}

// Plan evaluates triggers against the zones currently in fail-safe without
// changing anything.
func (p *Policy) Plan(triggers []Trigger, zones []model.Zone) FailsafeAction {
	return Evaluate(p.active, triggers, zones)
}

// Apply evaluates triggers against the current state and executes the result.
func (p *Policy) Apply(ctx context.Context, triggers []Trigger, zones []model.Zone) (FailsafeAction, map[model.Zone]bool) {
	action := p.Plan(triggers, zones)
	return action, p.Execute(ctx, action)
}

// Execute commands every fail-safe zone to full speed, one write at a time,
// and returns which writes succeeded. Writes are not abandoned when ctx is
// cancelled.
func (p *Policy) Execute(ctx context.Context, action FailsafeAction) map[model.Zone]bool {
	for _, z := range action.Engage {
		reason := strings.Join(action.Reasons[z], ", ")
		log.Error().
			Str("zone", z.String()).
			Str("reason", reason).
			Int("speed", FailsafeSpeed).
			Msg("Entering fail-safe")
		datadog.Incr("failsafe.engaged", "zone:"+z.String())
		p.record(z, true, reason)
	}
	if len(action.Engage) > 0 {
		p.notify(action)
	}

	for _, z := range action.Clear {
		log.Warn().
			Str("zone", z.String()).
			Msg("Fail-safe cleared, resuming curve control")
		p.record(z, false, "")
	}

	written := make(map[model.Zone]bool, len(action.Zones))
	wctx := context.WithoutCancel(ctx)
	for _, z := range action.Zones {
		cctx, cancel := context.WithTimeout(wctx, p.WriteTimeout)
		err := p.board.SetZoneSpeed(cctx, z, FailsafeSpeed)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("zone", z.String()).Msg("Could not command fail-safe speed")
			datadog.Incr("hardware.failure", "zone:"+z.String())
			written[z] = false
			continue
		}
		written[z] = true
	}

	for _, z := range action.Engage {
		p.active[z] = true
	}
	for _, z := range action.Clear {
		delete(p.active, z)
	}
	for z := range p.active {
		datadog.Gauge("failsafe.active", 1, "zone:"+z.String())
	}
	for _, z := range action.Clear {
		datadog.Gauge("failsafe.active", 0, "zone:"+z.String())
	}

	return written
}

func (p *Policy) record(z model.Zone, engaged bool, reason string) {
	if p.journal == nil {
		return
	}
	if err := p.journal.RecordFailsafe(z, engaged, reason); err != nil {
		log.Warn().Err(err).Str("zone", z.String()).Msg("Could not journal fail-safe transition")
	}
}

func (p *Policy) notify(action FailsafeAction) {
	if p.notifier == nil {
		return
	}
	zones := make([]string, 0, len(action.Engage))
	reasons := map[string]bool{}
	for _, z := range action.Engage {
		zones = append(zones, z.String())
		for _, r := range action.Reasons[z] {
			reasons[r] = true
		}
	}
	rs := make([]string, 0, len(reasons))
	for r := range reasons {
		rs = append(rs, r)
	}
	sort.Strings(rs)

	title := "Fan controller: fail-safe engaged"
	message := fmt.Sprintf("%s forced to %d%% (%s)", strings.Join(zones, ", "), FailsafeSpeed, strings.Join(rs, ", "))
	if err := p.notifier.Send(title, message); err != nil {
		log.Error().Err(err).Msg("Failed to send fail-safe notification")
	}
}
