// Package fancontroller runs the control loop: poll every device, damp each
// assignment's curve through hysteresis, arbitrate per zone and command the
// board only when a zone's speed changes. Every runtime failure is resolved
// by the fail-safe policy at the end of the cycle.
package fancontroller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/fan-controller/internal/controllers/zonecontroller"
	"github.com/thatsimonsguy/fan-controller/internal/curve"
	"github.com/thatsimonsguy/fan-controller/internal/datadog"
	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/hardware"
	"github.com/thatsimonsguy/fan-controller/internal/hysteresis"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// UnknownSpeed marks a zone whose duty is not known, e.g. after a failed write.
const UnknownSpeed = -1

const DefaultWriteTimeout = 10 * time.Second

// StatusPublisher receives per-cycle state. Publish errors are logged only.
type StatusPublisher interface {
	PublishZone(z model.Zone, speed int, drivers []model.DeviceID, failsafe bool) error
	PublishReading(r model.Reading) error
}

type Journal interface {
	RecordZoneCommand(zone model.Zone, speed int, drivers []model.DeviceID) error
}

type Controller struct {
	board       hardware.Board
	policy      *failsafecontroller.Policy
	assignments []Assignment
	devices     []model.LogicalDevice
	zones       []model.Zone
	required    []curve.Selector
	interval    time.Duration

	// Only the loop goroutine touches these.
	hysteresis    map[assignmentKey]*hysteresis.State
	lastCommanded map[model.Zone]int

	Publisher    StatusPublisher
	Journal      Journal
	WriteTimeout time.Duration
	now          func() time.Time
}

func New(board hardware.Board, policy *failsafecontroller.Policy, assignments []Assignment, required []curve.Selector, interval time.Duration) *Controller {
	c := &Controller{
		board:         board,
		policy:        policy,
		assignments:   assignments,
		devices:       board.Devices(),
		zones:         board.Zones(),
		required:      required,
		interval:      interval,
		hysteresis:    make(map[assignmentKey]*hysteresis.State),
		lastCommanded: make(map[model.Zone]int),
		WriteTimeout:  DefaultWriteTimeout,
		now:           time.Now,
	}
	for _, z := range c.zones {
		c.lastCommanded[z] = UnknownSpeed
	}
	return c
}

// LastCommanded returns the last speed successfully written to z, or
// UnknownSpeed.
func (c *Controller) LastCommanded(z model.Zone) int {
	if s, ok := c.lastCommanded[z]; ok {
		return s
	}
	return UnknownSpeed
}

// IsRequired reports whether a failed reading for d must engage fail-safe
// on every zone. Required selectors never carry a zone; config rejects one.
func (c *Controller) IsRequired(d model.LogicalDevice) bool {
	for _, sel := range c.required {
		if sel.MatchesDevice(d) {
			return true
		}
	}
	return false
}

type DeviceReport struct {
	Reading  model.Reading
	Required bool
	// Speeds is this device's post-hysteresis vote per zone.
	Speeds map[model.Zone]int
}

type ZoneReport struct {
	Decision zonecontroller.Decision
	Speed    int // speed the zone was left at, UnknownSpeed if a write failed
	Changed  bool
	Failsafe bool
	WriteErr error
}

type CycleReport struct {
	Time      time.Time
	Devices   map[model.DeviceID]DeviceReport
	Zones     map[model.Zone]ZoneReport
	Failsafe  failsafecontroller.FailsafeAction
	Cancelled bool
}

// Startup forces every zone to full speed before the first cycle.
func (c *Controller) Startup(ctx context.Context) error {
	var errs []error
	for _, z := range c.zones {
		if err := c.write(ctx, z, failsafecontroller.FailsafeSpeed); err != nil {
			c.lastCommanded[z] = UnknownSpeed
			errs = append(errs, fmt.Errorf("%s: %w", z, err))
			continue
		}
		c.lastCommanded[z] = failsafecontroller.FailsafeSpeed
	}
	if len(errs) > 0 {
		return fault.Hardware(errors.Join(errs...))
	}
	log.Info().Int("speed", failsafecontroller.FailsafeSpeed).Msg("All zones set to full speed for startup")
	return nil
}

// Run polls once immediately and then every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", c.interval).
		Int("devices", len(c.devices)).
		Int("zones", len(c.zones)).
		Int("assignments", len(c.assignments)).
		Msg("Starting fan control loop")

	if err := c.Startup(ctx); err != nil {
		log.Error().Err(err).Msg("Could not set startup fan speed")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.RunCycle(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Fan control loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle performs one poll → evaluate → actuate pass. It never returns an
// error: failures become fail-safe triggers. A cancelled ctx abandons the
// cycle without touching the fans.
func (c *Controller) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{
		Time:    c.now(),
		Devices: make(map[model.DeviceID]DeviceReport, len(c.devices)),
		Zones:   make(map[model.Zone]ZoneReport, len(c.zones)),
	}
	if ctx.Err() != nil {
		report.Cancelled = true
		return report
	}

	var triggers []failsafecontroller.Trigger

	readings, err := c.board.GetTemps(ctx)
	if ctx.Err() != nil {
		report.Cancelled = true
		return report
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not read device temperatures")
		datadog.Incr("sensor.failure", "device:all")
		triggers = append(triggers, failsafecontroller.Trigger{All: true, Err: fault.Sensor(err)})
	}

	// Evaluate
	var votes []zonecontroller.Vote
	for _, d := range c.devices {
		r, ok := readings[d.ID]
		if !ok {
			r = model.Reading{Device: d.ID, Err: fault.Sensor(fmt.Errorf("no reading")), Timestamp: report.Time}
		}
		dr := DeviceReport{Reading: r, Required: c.IsRequired(d), Speeds: map[model.Zone]int{}}

		if !r.OK() {
			datadog.Incr("sensor.failure", "device:"+string(d.ID))
			if dr.Required {
				triggers = append(triggers, failsafecontroller.Trigger{All: true, Device: d.ID, Err: r.Err})
			}
			report.Devices[d.ID] = dr
			continue
		}

		datadog.Gauge("device.temperature", r.Celsius, "device:"+string(d.ID), "kind:"+string(d.Kind))
		for _, a := range c.assignments {
			if a.Device.ID != d.ID {
				continue
			}
			res := c.state(a).Step(a.Curve, r.Celsius, report.Time)
			dr.Speeds[a.Zone] = res.Speed
			votes = append(votes, zonecontroller.Vote{Device: d.ID, Zone: a.Zone, Speed: res.Speed})
			if res.Transition == hysteresis.Decreased || res.Transition == hysteresis.Increased {
				log.Debug().
					Str("device", string(d.ID)).
					Str("zone", a.Zone.String()).
					Str("transition", string(res.Transition)).
					Int("tier", res.Tier).
					Int("speed", res.Speed).
					Msg("Tier changed")
			}
		}
		report.Devices[d.ID] = dr
	}

	decisions := zonecontroller.Arbitrate(c.zones, votes)
	for _, z := range c.zones {
		if d := decisions[z]; !d.OK() {
			triggers = append(triggers, failsafecontroller.Trigger{Zone: z, Err: d.Err})
		}
	}

	// Actuate: curve-controlled zones first, sequentially.
	plan := c.policy.Plan(triggers, c.zones)
	var hwErrs []error
	for _, z := range c.zones {
		d := decisions[z]
		zr := ZoneReport{Decision: d, Speed: c.LastCommanded(z)}
		if plan.Active(z) {
			report.Zones[z] = zr
			continue
		}
		if zr.Speed != d.Speed {
			if err := c.write(ctx, z, d.Speed); err != nil {
				if ctx.Err() != nil {
					report.Cancelled = true
					return report
				}
				c.lastCommanded[z] = UnknownSpeed
				zr.Speed = UnknownSpeed
				zr.WriteErr = err
				hwErrs = append(hwErrs, err)
			} else {
				c.lastCommanded[z] = d.Speed
				zr.Speed = d.Speed
				zr.Changed = true
				c.journalCommand(z, d)
			}
		}
		report.Zones[z] = zr
	}

	if len(hwErrs) > 0 {
		err := fault.Hardware(errors.Join(hwErrs...))
		log.Error().Err(err).Msg("Fan command failed, forcing all zones to full speed")
		triggers = append(triggers, failsafecontroller.Trigger{All: true, Err: err})
	}

	action, written := c.policy.Apply(ctx, triggers, c.zones)
	report.Failsafe = action
	for _, z := range action.Zones {
		zr := report.Zones[z]
		zr.Failsafe = true
		if written[z] {
			zr.Changed = c.lastCommanded[z] != failsafecontroller.FailsafeSpeed
			c.lastCommanded[z] = failsafecontroller.FailsafeSpeed
			zr.Speed = failsafecontroller.FailsafeSpeed
		} else {
			c.lastCommanded[z] = UnknownSpeed
			zr.Speed = UnknownSpeed
		}
		report.Zones[z] = zr
	}

	c.observe(report)
	return report
}

func (c *Controller) state(a Assignment) *hysteresis.State {
	k := a.key()
	s, ok := c.hysteresis[k]
	if !ok {
		s = &hysteresis.State{}
		c.hysteresis[k] = s
	}
	return s
}

func (c *Controller) write(ctx context.Context, z model.Zone, speed int) error {
	wctx, cancel := context.WithTimeout(ctx, c.WriteTimeout)
	defer cancel()
	if err := c.board.SetZoneSpeed(wctx, z, speed); err != nil {
		return fmt.Errorf("set %s to %d%%: %w", z, speed, err)
	}
	return nil
}

func (c *Controller) journalCommand(z model.Zone, d zonecontroller.Decision) {
	if c.Journal == nil {
		return
	}
	if err := c.Journal.RecordZoneCommand(z, d.Speed, d.Drivers); err != nil {
		log.Warn().Err(err).Str("zone", z.String()).Msg("Could not journal zone command")
	}
}

// observe emits the per-device and per-zone lines, metrics and status.
func (c *Controller) observe(report CycleReport) {
	for _, d := range c.devices {
		dr, ok := report.Devices[d.ID]
		if !ok {
			continue
		}
		if c.Publisher != nil {
			if err := c.Publisher.PublishReading(dr.Reading); err != nil {
				log.Debug().Err(err).Str("device", string(d.ID)).Msg("Could not publish reading")
			}
		}
		if !dr.Reading.OK() {
			log.Warn().
				Str("device", string(d.ID)).
				Str("kind", string(d.Kind)).
				Bool("required", dr.Required).
				Err(dr.Reading.Err).
				Msg("Device has no reading, contributes no vote")
			continue
		}
		log.Info().
			Str("device", string(d.ID)).
			Str("kind", string(d.Kind)).
			Float64("temp", dr.Reading.Celsius).
			Str("source", dr.Reading.Source).
			Dict("zones", speedsDict(dr.Speeds)).
			Msg("Device")
	}

	for _, z := range c.zones {
		zr := report.Zones[z]
		ev := log.Info()
		if zr.Failsafe || zr.WriteErr != nil {
			ev = log.Warn()
		}
		ev.Str("zone", z.String()).
			Int("speed", zr.Speed).
			Strs("drivers", zonecontroller.DriverNames(zr.Decision.Drivers)).
			Bool("changed", zr.Changed).
			Bool("failsafe", zr.Failsafe)
		if zr.WriteErr != nil {
			ev.AnErr("write_err", zr.WriteErr)
		}
		ev.Msg("Zone")

		if zr.Speed != UnknownSpeed {
			datadog.Gauge("zone.duty", float64(zr.Speed), "zone:"+z.String())
		}
		if c.Publisher != nil {
			if err := c.Publisher.PublishZone(z, zr.Speed, zr.Decision.Drivers, zr.Failsafe); err != nil {
				log.Debug().Err(err).Str("zone", z.String()).Msg("Could not publish zone status")
			}
		}
	}
}

func speedsDict(speeds map[model.Zone]int) *zerolog.Event {
	zones := make([]model.Zone, 0, len(speeds))
	for z := range speeds {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i] < zones[j] })

	d := zerolog.Dict()
	for _, z := range zones {
		d.Int(z.String(), speeds[z])
	}
	return d
}

// LogAssignments writes one startup line per assignment.
func LogAssignments(assignments []Assignment, required []curve.Selector) {
	for _, a := range assignments {
		log.Info().
			Str("device", string(a.Device.ID)).
			Str("zone", a.Zone.String()).
			Str("curve", a.Curve.String()).
			Str("source", a.Source).
			Msg("Assignment")
	}
	names := make([]string, len(required))
	for i, s := range required {
		names[i] = s.String()
	}
	log.Info().Strs("required", names).Msg("Devices that engage fail-safe on every zone when unreadable")
}
