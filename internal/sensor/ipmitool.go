package sensor

import (
	"context"
	"fmt"
	"sort"

	"github.com/thatsimonsguy/fan-controller/internal/ipmi"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Ipmitool reads named rows of the `ipmitool sensor` table. Several names
// may map to one device; the hottest valid row wins.
type Ipmitool struct {
	name    string
	client  *ipmi.Client
	names   map[string]model.DeviceID
	devices []model.LogicalDevice
}

func NewIpmitool(name string, client *ipmi.Client, names map[string]model.DeviceID) (*Ipmitool, error) {
	seen := make(map[model.DeviceID]bool)
	var devices []model.LogicalDevice
	for _, id := range names {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, err := model.ParseDeviceID(string(id))
		if err != nil {
			return nil, fmt.Errorf("ipmi sensor mapping: %w", err)
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return &Ipmitool{name: name, client: client, names: names, devices: devices}, nil
}

// GPUSlotNames maps the board's "GPU{n} Temp" rows to gpu{n-1}.
func GPUSlotNames(slots int) map[string]model.DeviceID {
	names := make(map[string]model.DeviceID, slots)
	for n := 1; n <= slots; n++ {
		names[fmt.Sprintf("GPU%d Temp", n)] = model.NewDevice(model.KindGPU, n-1).ID
	}
	return names
}

func (s *Ipmitool) Name() string                   { return s.name }
func (s *Ipmitool) Devices() []model.LogicalDevice { return s.devices }

func (s *Ipmitool) Read(ctx context.Context) (map[model.DeviceID]Sample, error) {
	rows, err := s.client.Sensors(ctx)
	if err != nil {
		return nil, err
	}
	return s.collect(rows), nil
}

func (s *Ipmitool) collect(rows map[string]ipmi.SensorRow) map[model.DeviceID]Sample {
	out := make(map[model.DeviceID]Sample)
	for name, id := range s.names {
		row, ok := rows[name]
		if !ok || !row.Valid || !Valid(row.Value) {
			continue
		}
		if cur, ok := out[id]; ok && cur.Celsius >= row.Value {
			continue
		}
		out[id] = Sample{Celsius: row.Value, Source: s.name}
	}
	return out
}
