package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/ipmi"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Supermicro OEM raw commands (netfn 0x30).
const (
	netFnOEM     = 0x30
	cmdFanMode   = 0x45
	cmdFanDuty   = 0x70
	subFanDuty   = 0x66
	opGet        = 0x00
	opSet        = 0x01
	MinDuty      = 15
	MaxDuty      = 100
	DefaultZones = 2
)

// DefaultModeSwitchDelay lets the BMC settle after entering full mode.
const DefaultModeSwitchDelay = 500 * time.Millisecond

type Supermicro struct {
	ipmi  *ipmi.Client
	temps TempReader
	zones []model.Zone

	MinDuty         int
	ModeSwitchDelay time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
}

func NewSupermicro(client *ipmi.Client, temps TempReader, zones int) *Supermicro {
	zs := make([]model.Zone, zones)
	for i := range zs {
		zs[i] = model.Zone(i)
	}
	return &Supermicro{
		ipmi:            client,
		temps:           temps,
		zones:           zs,
		MinDuty:         MinDuty,
		ModeSwitchDelay: DefaultModeSwitchDelay,
		sleep:           sleepCtx,
	}
}

func (b *Supermicro) Zones() []model.Zone {
	return b.zones
}

func (b *Supermicro) Devices() []model.LogicalDevice {
	if b.temps == nil {
		return nil
	}
	return b.temps.Devices()
}

func (b *Supermicro) GetTemps(ctx context.Context) (map[model.DeviceID]model.Reading, error) {
	if b.temps == nil {
		return nil, fault.Sensor(fmt.Errorf("no temperature sources configured"))
	}
	readings := b.temps.ReadAll(ctx)
	if err := ctx.Err(); err != nil {
		return readings, err
	}
	return readings, nil
}

func (b *Supermicro) GetMode(ctx context.Context) (model.Mode, error) {
	resp, err := b.ipmi.Raw(ctx, netFnOEM, cmdFanMode, opGet)
	if err != nil {
		return "", fault.Hardware(err)
	}
	if len(resp) != 1 {
		return "", fault.Hardware(fmt.Errorf("fan mode response %v", resp))
	}
	m, err := model.ModeFromCode(resp[0])
	if err != nil {
		return "", fault.Hardware(err)
	}
	return m, nil
}

func (b *Supermicro) SetMode(ctx context.Context, m model.Mode) error {
	code, ok := m.Code()
	if !ok {
		return fault.Hardware(fmt.Errorf("unknown fan mode %q", m))
	}
	if _, err := b.ipmi.Raw(ctx, netFnOEM, cmdFanMode, opSet, code); err != nil {
		return fault.Hardware(err)
	}
	log.Info().Str("mode", string(m)).Msg("Board fan mode set")
	return nil
}

func (b *Supermicro) GetZoneSpeed(ctx context.Context, z model.Zone) (int, error) {
	if err := b.checkZone(z); err != nil {
		return 0, err
	}
	resp, err := b.ipmi.Raw(ctx, netFnOEM, cmdFanDuty, subFanDuty, opGet, byte(z))
	if err != nil {
		return 0, fault.Hardware(err)
	}
	if len(resp) != 1 {
		return 0, fault.Hardware(fmt.Errorf("%s duty response %v", z, resp))
	}
	return int(resp[0]), nil
}

// SetZoneSpeed writes a duty cycle, entering full mode first when the board
// is in any other mode. The other zones' duty is carried across the switch.
func (b *Supermicro) SetZoneSpeed(ctx context.Context, z model.Zone, percent int) error {
	if err := b.checkZone(z); err != nil {
		return err
	}
	percent = b.clamp(z, percent)

	if err := b.ensureFullMode(ctx, z); err != nil {
		return err
	}
	return b.writeDuty(ctx, z, percent)
}

func (b *Supermicro) clamp(z model.Zone, percent int) int {
	switch {
	case percent < b.MinDuty:
		log.Warn().Str("zone", z.String()).Int("requested", percent).Int("applied", b.MinDuty).Msg("Duty cycle below minimum, clamping")
		return b.MinDuty
	case percent > MaxDuty:
		log.Warn().Str("zone", z.String()).Int("requested", percent).Int("applied", MaxDuty).Msg("Duty cycle above maximum, clamping")
		return MaxDuty
	}
	return percent
}

func (b *Supermicro) ensureFullMode(ctx context.Context, target model.Zone) error {
	mode, err := b.GetMode(ctx)
	if err != nil {
		return err
	}
	if mode == model.ModeFull {
		return nil
	}

	// Entering full mode can reset duty board-side; remember the rest.
	preserved := make(map[model.Zone]int)
	for _, z := range b.zones {
		if z == target {
			continue
		}
		duty, err := b.GetZoneSpeed(ctx, z)
		if err != nil {
			log.Warn().Err(err).Str("zone", z.String()).Msg("Could not read duty before mode switch, will restore at 100%")
			duty = MaxDuty
		}
		preserved[z] = duty
	}

	log.Info().Str("from", string(mode)).Msg("Switching board to full fan mode")
	if err := b.SetMode(ctx, model.ModeFull); err != nil {
		return err
	}
	if err := b.sleep(ctx, b.ModeSwitchDelay); err != nil {
		return fault.Hardware(err)
	}

	for _, z := range b.zones {
		duty, ok := preserved[z]
		if !ok {
			continue
		}
		if err := b.writeDuty(ctx, z, b.clamp(z, duty)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Supermicro) writeDuty(ctx context.Context, z model.Zone, percent int) error {
	if _, err := b.ipmi.Raw(ctx, netFnOEM, cmdFanDuty, subFanDuty, opSet, byte(z), byte(percent)); err != nil {
		return fault.Hardware(fmt.Errorf("set %s to %d%%: %w", z, percent, err))
	}
	return nil
}

func (b *Supermicro) checkZone(z model.Zone) error {
	if int(z) < 0 || int(z) >= len(b.zones) {
		return fault.Hardware(fmt.Errorf("%s does not exist on this board", z))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
