package hardware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/ipmi"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// fakeBMC emulates the Supermicro OEM fan commands behind ipmitool raw.
type fakeBMC struct {
	mode        byte
	duty        map[byte]byte
	resetOnFull bool
	failDutyGet bool
	failSet     bool
	log         []string
}

func newFakeBMC(mode byte) *fakeBMC {
	return &fakeBMC{mode: mode, duty: map[byte]byte{0: 50, 1: 50}}
}

func (f *fakeBMC) Run(_ context.Context, name string, args ...string) (string, error) {
	if name != "ipmitool" || len(args) < 3 || args[0] != "raw" {
		return "", fmt.Errorf("unexpected command %s %v", name, args)
	}
	f.log = append(f.log, strings.Join(args[1:], " "))

	b := make([]byte, len(args)-1)
	for i, a := range args[1:] {
		v, err := strconv.ParseUint(strings.TrimPrefix(a, "0x"), 16, 8)
		if err != nil {
			return "", err
		}
		b[i] = byte(v)
	}

	switch {
	case b[1] == 0x45 && b[2] == 0x00:
		return fmt.Sprintf(" %02x\n", f.mode), nil
	case b[1] == 0x45 && b[2] == 0x01:
		if f.failSet {
			return "", errors.New("Unable to send RAW command")
		}
		f.mode = b[3]
		if f.resetOnFull && f.mode == 0x01 {
			for z := range f.duty {
				f.duty[z] = 100
			}
		}
		return "", nil
	case b[1] == 0x70 && b[2] == 0x66 && b[3] == 0x00:
		if f.failDutyGet {
			return "", errors.New("timeout")
		}
		return fmt.Sprintf(" %02x\n", f.duty[b[4]]), nil
	case b[1] == 0x70 && b[2] == 0x66 && b[3] == 0x01:
		if f.failSet {
			return "", errors.New("Unable to send RAW command")
		}
		f.duty[b[4]] = b[5]
		return "", nil
	}
	return "", fmt.Errorf("unsupported raw %v", b)
}

func newTestBoard(bmc *fakeBMC) *Supermicro {
	b := NewSupermicro(ipmi.NewClient(bmc), nil, 2)
	b.sleep = func(context.Context, time.Duration) error { return nil }
	return b
}

func TestGetMode(t *testing.T) {
	tests := []struct {
		code byte
		want model.Mode
	}{
		{0x00, model.ModeStandard},
		{0x01, model.ModeFull},
		{0x02, model.ModeOptimal},
		{0x04, model.ModeHeavyIO},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			got, err := newTestBoard(newFakeBMC(tt.code)).GetMode(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := newTestBoard(newFakeBMC(0x07)).GetMode(context.Background())
	assert.ErrorIs(t, err, fault.ErrHardwareCommand)
}

func TestSetZoneSpeed_InFullModeWritesDirectly(t *testing.T) {
	bmc := newFakeBMC(0x01)
	b := newTestBoard(bmc)

	require.NoError(t, b.SetZoneSpeed(context.Background(), 1, 60))

	assert.Equal(t, byte(60), bmc.duty[1])
	assert.Equal(t, []string{"0x30 0x45 0x00", "0x30 0x70 0x66 0x01 0x01 0x3c"}, bmc.log)
}

func TestSetZoneSpeed_SwitchesToFullPreservingOtherZone(t *testing.T) {
	bmc := newFakeBMC(0x02)
	bmc.duty[0] = 35
	bmc.resetOnFull = true
	b := newTestBoard(bmc)
	var slept time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	require.NoError(t, b.SetZoneSpeed(context.Background(), 1, 80))

	assert.Equal(t, byte(0x01), bmc.mode)
	assert.Equal(t, byte(35), bmc.duty[0], "other zone restored after the board reset it")
	assert.Equal(t, byte(80), bmc.duty[1])
	assert.Equal(t, DefaultModeSwitchDelay, slept)
}

func TestSetZoneSpeed_UnreadableZoneRestoredAtMax(t *testing.T) {
	bmc := newFakeBMC(0x00)
	bmc.failDutyGet = true
	b := newTestBoard(bmc)

	require.NoError(t, b.SetZoneSpeed(context.Background(), 0, 40))

	assert.Equal(t, byte(100), bmc.duty[1])
	assert.Equal(t, byte(40), bmc.duty[0])
}

func TestSetZoneSpeed_Clamps(t *testing.T) {
	tests := []struct {
		requested int
		want      byte
	}{
		{0, 15},
		{14, 15},
		{15, 15},
		{100, 100},
		{150, 100},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.requested), func(t *testing.T) {
			bmc := newFakeBMC(0x01)
			require.NoError(t, newTestBoard(bmc).SetZoneSpeed(context.Background(), 0, tt.requested))
			assert.Equal(t, tt.want, bmc.duty[0])
		})
	}
}

func TestSetZoneSpeed_Errors(t *testing.T) {
	bmc := newFakeBMC(0x01)
	bmc.failSet = true
	err := newTestBoard(bmc).SetZoneSpeed(context.Background(), 0, 50)
	assert.ErrorIs(t, err, fault.ErrHardwareCommand)

	err = newTestBoard(newFakeBMC(0x01)).SetZoneSpeed(context.Background(), 5, 50)
	assert.ErrorIs(t, err, fault.ErrHardwareCommand)
}

func TestGetZoneSpeed(t *testing.T) {
	bmc := newFakeBMC(0x01)
	bmc.duty[1] = 0x64
	got, err := newTestBoard(bmc).GetZoneSpeed(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 100, got)
	assert.Equal(t, []string{"0x30 0x70 0x66 0x00 0x01"}, bmc.log, "querying must not touch the mode")
}

func TestSetMode(t *testing.T) {
	bmc := newFakeBMC(0x01)
	require.NoError(t, newTestBoard(bmc).SetMode(context.Background(), model.ModeOptimal))
	assert.Equal(t, byte(0x02), bmc.mode)

	assert.ErrorIs(t, newTestBoard(bmc).SetMode(context.Background(), "turbo"), fault.ErrHardwareCommand)
}

type stubTemps struct {
	readings map[model.DeviceID]model.Reading
}

func (s stubTemps) Devices() []model.LogicalDevice {
	return []model.LogicalDevice{model.NewDevice(model.KindCPU, 0)}
}

func (s stubTemps) ReadAll(context.Context) map[model.DeviceID]model.Reading {
	return s.readings
}

func TestGetTemps(t *testing.T) {
	want := map[model.DeviceID]model.Reading{"cpu0": {Device: "cpu0", Celsius: 50}}
	b := NewSupermicro(ipmi.NewClient(newFakeBMC(0x01)), stubTemps{readings: want}, 2)

	got, err := b.GetTemps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, b.Devices(), 1)

	_, err = newTestBoard(newFakeBMC(0x01)).GetTemps(context.Background())
	assert.ErrorIs(t, err, fault.ErrSensor)
}
