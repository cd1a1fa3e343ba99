// Package hardware abstracts the motherboard: device temperatures, fan mode
// and per-zone duty cycle.
package hardware

import (
	"context"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Board is the control surface the loop drives. Implementations are not
// assumed reentrant; callers issue writes sequentially.
type Board interface {
	Zones() []model.Zone
	Devices() []model.LogicalDevice
	GetTemps(ctx context.Context) (map[model.DeviceID]model.Reading, error)
	GetMode(ctx context.Context) (model.Mode, error)
	SetMode(ctx context.Context, m model.Mode) error
	GetZoneSpeed(ctx context.Context, z model.Zone) (int, error)
	SetZoneSpeed(ctx context.Context, z model.Zone, percent int) error
}

// TempReader produces one reading per logical device per call.
type TempReader interface {
	Devices() []model.LogicalDevice
	ReadAll(ctx context.Context) map[model.DeviceID]model.Reading
}
