package fancontroller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/fan-controller/internal/controllers/failsafecontroller"
	"github.com/thatsimonsguy/fan-controller/internal/curve"
	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

type write struct {
	zone  model.Zone
	speed int
}

type fakeBoard struct {
	zones    []model.Zone
	devices  []model.LogicalDevice
	temps    map[model.DeviceID]float64
	failing  map[model.DeviceID]bool
	tempsErr error
	writeErr map[model.Zone]error
	writes   []write
}

func newFakeBoard(zones int, devices ...string) *fakeBoard {
	b := &fakeBoard{
		temps:    map[model.DeviceID]float64{},
		failing:  map[model.DeviceID]bool{},
		writeErr: map[model.Zone]error{},
	}
	for i := 0; i < zones; i++ {
		b.zones = append(b.zones, model.Zone(i))
	}
	for _, id := range devices {
		d, err := model.ParseDeviceID(id)
		if err != nil {
			panic(err)
		}
		b.devices = append(b.devices, d)
	}
	return b
}

func (b *fakeBoard) Zones() []model.Zone                        { return b.zones }
func (b *fakeBoard) Devices() []model.LogicalDevice             { return b.devices }
func (b *fakeBoard) GetMode(context.Context) (model.Mode, error) { return model.ModeFull, nil }
func (b *fakeBoard) SetMode(context.Context, model.Mode) error   { return nil }
func (b *fakeBoard) GetZoneSpeed(_ context.Context, z model.Zone) (int, error) {
	for i := len(b.writes) - 1; i >= 0; i-- {
		if b.writes[i].zone == z {
			return b.writes[i].speed, nil
		}
	}
	return 0, nil
}

func (b *fakeBoard) GetTemps(context.Context) (map[model.DeviceID]model.Reading, error) {
	if b.tempsErr != nil {
		return nil, b.tempsErr
	}
	out := make(map[model.DeviceID]model.Reading, len(b.devices))
	for _, d := range b.devices {
		if b.failing[d.ID] {
			out[d.ID] = model.Reading{Device: d.ID, Err: fault.Sensor(errors.New("timeout"))}
			continue
		}
		out[d.ID] = model.Reading{Device: d.ID, Celsius: b.temps[d.ID], Source: "fake"}
	}
	return out, nil
}

func (b *fakeBoard) SetZoneSpeed(_ context.Context, z model.Zone, percent int) error {
	if err := b.writeErr[z]; err != nil {
		return err
	}
	b.writes = append(b.writes, write{zone: z, speed: percent})
	return nil
}

func (b *fakeBoard) reset() { b.writes = nil }

type recordingJournal struct {
	commands []write
}

func (j *recordingJournal) RecordZoneCommand(zone model.Zone, speed int, _ []model.DeviceID) error {
	j.commands = append(j.commands, write{zone: zone, speed: speed})
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var testDefaults = curve.Defaults{TempHysteresis: 3, TimeHysteresis: 30 * time.Second, Floor: 15}

func rule(t *testing.T, s string) curve.Rule {
	t.Helper()
	r, err := curve.ParseRule(s, testDefaults)
	require.NoError(t, err)
	return r
}

func kindCurves() map[model.Kind]curve.Curve {
	out := map[model.Kind]curve.Curve{}
	for _, k := range model.Kinds {
		out[k] = curve.MustParse("40:25,60:50,80:100", testDefaults)
	}
	return out
}

func newController(t *testing.T, b *fakeBoard, rules []curve.Rule, required ...string) (*Controller, *fakeClock) {
	t.Helper()
	assignments, err := BuildAssignments(b.devices, rules, Options{Zones: b.zones, KindCurves: kindCurves()})
	require.NoError(t, err)

	var sels []curve.Selector
	for _, s := range required {
		sel, err := curve.ParseSelector(s)
		require.NoError(t, err)
		sels = append(sels, sel)
	}

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(b, failsafecontroller.NewPolicy(b, nil, nil), assignments, sels, 5*time.Second)
	c.now = clock.Now
	return c, clock
}

func TestBuildAssignments(t *testing.T) {
	devices := []model.LogicalDevice{
		model.NewDevice(model.KindCPU, 0),
		model.NewDevice(model.KindGPU, 0),
		model.NewDevice(model.KindGPU, 1),
		model.NewDevice(model.KindHDD, 0),
	}
	zones := []model.Zone{0, 1}

	tests := []struct {
		name      string
		rules     []string
		kindZones map[model.Kind][]model.Zone
		want      map[string]string // "device zone" -> source
	}{
		{
			name: "defaults drive every zone",
			want: map[string]string{
				"cpu0 zone0": DefaultSource, "cpu0 zone1": DefaultSource,
				"gpu0 zone0": DefaultSource, "gpu0 zone1": DefaultSource,
				"gpu1 zone0": DefaultSource, "gpu1 zone1": DefaultSource,
				"hdd0 zone0": DefaultSource, "hdd0 zone1": DefaultSource,
			},
		},
		{
			name:  "hdd= removes hdd from arbitration",
			rules: []string{"hdd="},
			want: map[string]string{
				"cpu0 zone0": DefaultSource, "cpu0 zone1": DefaultSource,
				"gpu0 zone0": DefaultSource, "gpu0 zone1": DefaultSource,
				"gpu1 zone0": DefaultSource, "gpu1 zone1": DefaultSource,
			},
		},
		{
			name:      "gpu0-zone1 affects only gpu0 on zone1",
			rules:     []string{"gpu0-zone1=60:30,80:100"},
			kindZones: map[model.Kind][]model.Zone{model.KindGPU: {0}, model.KindCPU: {0}, model.KindHDD: {1}},
			want: map[string]string{
				"cpu0 zone0": DefaultSource,
				"gpu0 zone0": DefaultSource, "gpu0 zone1": "gpu0-zone1",
				"gpu1 zone0": DefaultSource,
				"hdd0 zone1": DefaultSource,
			},
		},
		{
			name:  "gpu-zone applies to every gpu instance",
			rules: []string{"gpu-zone=50:40,70:100"},
			want: map[string]string{
				"cpu0 zone0": DefaultSource, "cpu0 zone1": DefaultSource,
				"gpu0 zone0": "gpu", "gpu0 zone1": "gpu",
				"gpu1 zone0": "gpu", "gpu1 zone1": "gpu",
				"hdd0 zone0": DefaultSource, "hdd0 zone1": DefaultSource,
			},
		},
		{
			name:  "more specific selector wins",
			rules: []string{"gpu0=50:40", "gpu=60:30", "gpu-zone1="},
			want: map[string]string{
				"cpu0 zone0": DefaultSource, "cpu0 zone1": DefaultSource,
				"gpu0 zone0": "gpu0", "gpu0 zone1": "gpu0",
				"gpu1 zone0": "gpu",
				"hdd0 zone0": DefaultSource, "hdd0 zone1": DefaultSource,
			},
		},
		{
			name:  "later rule wins a tie",
			rules: []string{"cpu=50:40", "cpu=55:45"},
			want: map[string]string{
				"cpu0 zone0": "cpu", "cpu0 zone1": "cpu",
				"gpu0 zone0": DefaultSource, "gpu0 zone1": DefaultSource,
				"gpu1 zone0": DefaultSource, "gpu1 zone1": DefaultSource,
				"hdd0 zone0": DefaultSource, "hdd0 zone1": DefaultSource,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rules []curve.Rule
			for _, s := range tt.rules {
				rules = append(rules, rule(t, s))
			}
			got, err := BuildAssignments(devices, rules, Options{Zones: zones, KindCurves: kindCurves(), KindZones: tt.kindZones})
			require.NoError(t, err)

			have := map[string]string{}
			for _, a := range got {
				have[string(a.Device.ID)+" "+a.Zone.String()] = a.Source
			}
			assert.Equal(t, tt.want, have)
		})
	}
}

func TestBuildAssignments_TieBreakCurve(t *testing.T) {
	devices := []model.LogicalDevice{model.NewDevice(model.KindCPU, 0)}
	got, err := BuildAssignments(devices,
		[]curve.Rule{rule(t, "cpu=50:40"), rule(t, "cpu=55:45")},
		Options{Zones: []model.Zone{0}, KindCurves: kindCurves()})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 45, got[0].Curve.Breakpoints[0].Speed)
}

func TestBuildAssignments_MissingKindCurve(t *testing.T) {
	devices := []model.LogicalDevice{model.NewDevice(model.KindBMC, 0)}
	_, err := BuildAssignments(devices, nil, Options{Zones: []model.Zone{0}, KindCurves: map[model.Kind]curve.Curve{}})
	assert.ErrorIs(t, err, fault.ErrConfig)
}

func TestZonesOf(t *testing.T) {
	devices := []model.LogicalDevice{model.NewDevice(model.KindGPU, 0)}
	got, err := BuildAssignments(devices, nil, Options{Zones: []model.Zone{0, 1}, KindCurves: kindCurves()})
	require.NoError(t, err)
	assert.Equal(t, []model.Zone{0, 1}, ZonesOf(got)["gpu0"])
}

func TestRunCycle_MaxWinsAndDriverReported(t *testing.T) {
	b := newFakeBoard(1, "cpu0", "gpu0")
	c, _ := newController(t, b, []curve.Rule{rule(t, "cpu=30:40"), rule(t, "gpu=30:70")})
	b.temps["cpu0"] = 50
	b.temps["gpu0"] = 50

	report := c.RunCycle(context.Background())

	zr := report.Zones[0]
	assert.Equal(t, 70, zr.Speed)
	assert.Equal(t, []model.DeviceID{"gpu0"}, zr.Decision.Drivers)
	assert.True(t, zr.Changed)
	assert.False(t, zr.Failsafe)
	assert.Equal(t, []write{{0, 70}}, b.writes)
	assert.Equal(t, map[model.Zone]int{0: 40}, report.Devices["cpu0"].Speeds)
}

func TestRunCycle_TieReportsAllDrivers(t *testing.T) {
	b := newFakeBoard(1, "cpu0", "gpu0")
	c, _ := newController(t, b, []curve.Rule{rule(t, "cpu=30:60"), rule(t, "gpu=30:60")})
	b.temps["cpu0"] = 45
	b.temps["gpu0"] = 45

	report := c.RunCycle(context.Background())
	assert.Equal(t, []model.DeviceID{"cpu0", "gpu0"}, report.Zones[0].Decision.Drivers)
}

func TestRunCycle_SuppressesRedundantCommands(t *testing.T) {
	b := newFakeBoard(2, "cpu0")
	c, clock := newController(t, b, nil)
	b.temps["cpu0"] = 65

	c.RunCycle(context.Background())
	assert.Equal(t, []write{{0, 50}, {1, 50}}, b.writes)

	b.reset()
	clock.Advance(5 * time.Second)
	report := c.RunCycle(context.Background())
	assert.Empty(t, b.writes)
	assert.False(t, report.Zones[0].Changed)
	assert.Equal(t, 50, report.Zones[0].Speed)
}

func TestRunCycle_StartupSetsFullSpeed(t *testing.T) {
	b := newFakeBoard(2, "cpu0")
	c, _ := newController(t, b, nil)

	require.NoError(t, c.Startup(context.Background()))
	assert.Equal(t, []write{{0, 100}, {1, 100}}, b.writes)
	assert.Equal(t, 100, c.LastCommanded(0))

	b.reset()
	b.temps["cpu0"] = 85
	c.RunCycle(context.Background())
	assert.Empty(t, b.writes, "already at 100%")
}

func TestRunCycle_RequiredSensorFailureForcesAllZones(t *testing.T) {
	b := newFakeBoard(2, "cpu0", "hdd0")
	c, clock := newController(t, b, nil, "cpu")
	b.temps["cpu0"] = 45
	b.temps["hdd0"] = 45
	c.RunCycle(context.Background())

	b.reset()
	b.failing["cpu0"] = true
	clock.Advance(5 * time.Second)
	report := c.RunCycle(context.Background())

	assert.Equal(t, []write{{0, 100}, {1, 100}}, b.writes)
	assert.Equal(t, []model.Zone{0, 1}, report.Failsafe.Engage)
	assert.True(t, report.Zones[0].Failsafe)
	assert.True(t, report.Zones[1].Failsafe)

	// loop continues and recovers
	b.reset()
	b.failing["cpu0"] = false
	clock.Advance(5 * time.Second)
	report = c.RunCycle(context.Background())
	assert.Equal(t, []model.Zone{0, 1}, report.Failsafe.Clear)
	assert.Equal(t, []write{{0, 25}, {1, 25}}, b.writes)
}

func TestRunCycle_OptionalSensorFailureDropsVote(t *testing.T) {
	b := newFakeBoard(1, "cpu0", "hdd0")
	c, _ := newController(t, b, []curve.Rule{rule(t, "hdd=30:80")}, "cpu")
	b.temps["cpu0"] = 45
	b.failing["hdd0"] = true

	report := c.RunCycle(context.Background())

	assert.False(t, report.Zones[0].Failsafe)
	assert.Equal(t, 25, report.Zones[0].Speed)
	assert.Equal(t, []model.DeviceID{"cpu0"}, report.Zones[0].Decision.Drivers)
}

func TestRunCycle_NoVotesFailsafesOnlyThatZone(t *testing.T) {
	b := newFakeBoard(2, "cpu0", "hdd0")
	c, _ := newController(t, b, []curve.Rule{rule(t, "hdd-zone1="), rule(t, "cpu-zone1=")}, "cpu")
	b.temps["cpu0"] = 45
	b.temps["hdd0"] = 45

	report := c.RunCycle(context.Background())

	assert.False(t, report.Zones[0].Failsafe)
	assert.True(t, report.Zones[1].Failsafe)
	assert.ErrorIs(t, report.Zones[1].Decision.Err, fault.ErrArbitrationImpossible)
	assert.Equal(t, []write{{0, 25}, {1, 100}}, b.writes)
}

func TestRunCycle_BoardReadFailureForcesAllZones(t *testing.T) {
	b := newFakeBoard(2, "cpu0")
	c, _ := newController(t, b, nil)
	b.tempsErr = errors.New("bmc unreachable")

	report := c.RunCycle(context.Background())

	assert.Equal(t, []model.Zone{0, 1}, report.Failsafe.Zones)
	assert.Equal(t, []write{{0, 100}, {1, 100}}, b.writes)
}

func TestRunCycle_HardwareFailureForcesAllZones(t *testing.T) {
	b := newFakeBoard(2, "cpu0")
	c, clock := newController(t, b, nil)
	b.temps["cpu0"] = 45
	b.writeErr[1] = errors.New("ipmitool exit 1")

	report := c.RunCycle(context.Background())

	assert.ErrorContains(t, report.Zones[1].WriteErr, "ipmitool exit 1")
	assert.True(t, report.Zones[0].Failsafe)
	assert.True(t, report.Zones[1].Failsafe)
	assert.Equal(t, 100, report.Zones[0].Speed)
	assert.Equal(t, UnknownSpeed, report.Zones[1].Speed)
	assert.Equal(t, []write{{0, 25}, {0, 100}}, b.writes)

	// next cycle retries the failed zone
	b.reset()
	delete(b.writeErr, 1)
	clock.Advance(5 * time.Second)
	report = c.RunCycle(context.Background())
	assert.False(t, report.Zones[1].Failsafe)
	assert.Equal(t, []write{{0, 25}, {1, 25}}, b.writes)
}

func TestRunCycle_IncreaseAppliesMidHold(t *testing.T) {
	b := newFakeBoard(1, "gpu0")
	c, clock := newController(t, b, []curve.Rule{rule(t, "gpu=50:30,70:60:5:30,80:100")})

	b.temps["gpu0"] = 75
	assert.Equal(t, 60, c.RunCycle(context.Background()).Zones[0].Speed)

	// 68 is inside the deadband
	clock.Advance(5 * time.Second)
	b.temps["gpu0"] = 68
	assert.Equal(t, 60, c.RunCycle(context.Background()).Zones[0].Speed)

	// 64 starts the hold timer
	clock.Advance(5 * time.Second)
	b.temps["gpu0"] = 64
	assert.Equal(t, 60, c.RunCycle(context.Background()).Zones[0].Speed)

	// spike crosses a higher breakpoint, applies immediately
	clock.Advance(5 * time.Second)
	b.temps["gpu0"] = 82
	assert.Equal(t, 100, c.RunCycle(context.Background()).Zones[0].Speed)
}

func TestRunCycle_DecreaseCommitsAfterHold(t *testing.T) {
	b := newFakeBoard(1, "gpu0")
	c, clock := newController(t, b, []curve.Rule{rule(t, "gpu=50:30,70:60:5:30")})

	b.temps["gpu0"] = 75
	c.RunCycle(context.Background())

	b.temps["gpu0"] = 60
	for i := 0; i < 6; i++ {
		clock.Advance(5 * time.Second)
		assert.Equal(t, 60, c.RunCycle(context.Background()).Zones[0].Speed, "cycle %d", i)
	}
	clock.Advance(5 * time.Second)
	assert.Equal(t, 30, c.RunCycle(context.Background()).Zones[0].Speed)
}

func TestRunCycle_CancelledLeavesFansAlone(t *testing.T) {
	b := newFakeBoard(1, "cpu0")
	c, _ := newController(t, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := c.RunCycle(ctx)
	assert.True(t, report.Cancelled)
	assert.Empty(t, b.writes)
}

func TestRunCycle_JournalsCommands(t *testing.T) {
	b := newFakeBoard(1, "cpu0")
	c, clock := newController(t, b, nil)
	j := &recordingJournal{}
	c.Journal = j

	b.temps["cpu0"] = 45
	c.RunCycle(context.Background())
	clock.Advance(5 * time.Second)
	c.RunCycle(context.Background())

	assert.Equal(t, []write{{0, 25}}, j.commands)
}

func TestRun_StopsOnCancel(t *testing.T) {
	b := newFakeBoard(1, "cpu0")
	c, _ := newController(t, b, nil)
	c.interval = time.Millisecond
	b.temps["cpu0"] = 45

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotEmpty(t, b.writes)
	assert.Equal(t, write{0, 100}, b.writes[0])
}
