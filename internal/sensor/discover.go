package sensor

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/cmdexec"
	"github.com/thatsimonsguy/fan-controller/internal/ipmi"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

type DiscoveryConfig struct {
	HwmonRoot    string // /sys/class/hwmon
	SysBlockRoot string // /sys/block
	DevRoot      string // /dev

	// Explicit device paths skip auto-detection.
	HDDDevices  []string
	NVMeDevices []string

	GPUSlots int

	// IPMISensors adds to or overrides the default sensor name mapping.
	IPMISensors map[string]model.DeviceID
}

// DefaultIPMISensors is the name mapping used for the reference board.
func DefaultIPMISensors(gpuSlots int) map[string]model.DeviceID {
	names := map[string]model.DeviceID{
		"CPU Temp":        "cpu0",
		"CPU1 Temp":       "cpu0",
		"CPU2 Temp":       "cpu1",
		"DIMMA~F Temp":    "ram0",
		"DIMMG~L Temp":    "ram0",
		"System Temp":     "bmc0",
		"Peripheral Temp": "bmc1",
	}
	for name, id := range GPUSlotNames(gpuSlots) {
		names[name] = id
	}
	return names
}

// Discover builds the sensor set for this host. Sources that cannot be
// found are logged and skipped; discovery itself never fails.
func Discover(ctx context.Context, r cmdexec.Runner, cfg DiscoveryConfig) []Sensor {
	client := ipmi.NewClient(r)

	rows, err := client.Sensors(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("IPMI sensor table unavailable, IPMI fallbacks disabled")
	}
	names := presentIPMINames(rows, mergeNames(DefaultIPMISensors(cfg.GPUSlots), cfg.IPMISensors))
	byKind := splitNamesByKind(names)

	var sensors []Sensor
	if s := discoverCPU(cfg, client, byKind[model.KindCPU]); s != nil {
		sensors = append(sensors, s)
	}
	if s := discoverGPU(ctx, r, client, byKind[model.KindGPU]); s != nil {
		sensors = append(sensors, s)
	}

	board := make(map[string]model.DeviceID)
	for kind, m := range byKind {
		if kind == model.KindCPU || kind == model.KindGPU {
			continue
		}
		for name, id := range m {
			board[name] = id
		}
	}
	if len(board) > 0 {
		if s, err := NewIpmitool("ipmitool", client, board); err != nil {
			log.Warn().Err(err).Msg("Skipping IPMI board sensors")
		} else {
			sensors = append(sensors, s)
		}
	}

	for i, path := range hddPaths(cfg) {
		sensors = append(sensors, NewSmartctl(r, path, model.NewDevice(model.KindHDD, i)))
	}
	for i, path := range nvmePaths(cfg) {
		sensors = append(sensors, NewNVMeCLI(r, path, model.NewDevice(model.KindNVMe, i)))
	}

	for _, s := range sensors {
		log.Info().
			Str("sensor", s.Name()).
			Strs("devices", deviceIDs(s.Devices())).
			Msg("Discovered sensor")
	}
	return sensors
}

// Devices flattens the devices of all sensors, de-duplicated and sorted.
func Devices(sensors []Sensor) []model.LogicalDevice {
	seen := make(map[model.DeviceID]bool)
	var out []model.LogicalDevice
	for _, s := range sensors {
		for _, d := range s.Devices() {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return kindOrder(out[i].Kind) < kindOrder(out[j].Kind)
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func kindOrder(k model.Kind) int {
	for i, known := range model.Kinds {
		if known == k {
			return i
		}
	}
	return len(model.Kinds)
}

func discoverCPU(cfg DiscoveryConfig, client *ipmi.Client, ipmiNames map[string]model.DeviceID) Sensor {
	var sources []Sensor
	devices := map[model.DeviceID]model.LogicalDevice{}

	dirs, err := FindHwmon(cfg.HwmonRoot, CPUHwmonDrivers)
	if err != nil {
		log.Warn().Err(err).Str("root", cfg.HwmonRoot).Msg("Could not scan hwmon")
	}
	for i, dir := range dirs {
		d := model.NewDevice(model.KindCPU, i)
		devices[d.ID] = d
		sources = append(sources, NewHwmon(dir.Path, dir.Driver, d))
	}

	if len(ipmiNames) > 0 {
		s, err := NewIpmitool("ipmi-cpu", client, ipmiNames)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping IPMI CPU sensors")
		} else {
			for _, d := range s.Devices() {
				devices[d.ID] = d
			}
			sources = append(sources, s)
		}
	}

	if len(sources) == 0 {
		log.Warn().Msg("No CPU temperature source found")
		return nil
	}
	return NewMerged("cpu", sortedDevices(devices), sources...)
}

func discoverGPU(ctx context.Context, r cmdexec.Runner, client *ipmi.Client, ipmiNames map[string]model.DeviceID) Sensor {
	devices := map[model.DeviceID]model.LogicalDevice{}

	temps, err := queryNvidia(ctx, r)
	if err != nil {
		log.Info().Err(err).Msg("nvidia-smi unavailable")
	}
	var nvidiaDevices []model.LogicalDevice
	for idx := range temps {
		d := model.NewDevice(model.KindGPU, idx)
		devices[d.ID] = d
		nvidiaDevices = append(nvidiaDevices, d)
	}
	sort.Slice(nvidiaDevices, func(i, j int) bool { return nvidiaDevices[i].Index < nvidiaDevices[j].Index })

	var sources []Sensor
	sources = append(sources, NewNvidiaSMI(r, nvidiaDevices))

	if len(ipmiNames) > 0 {
		s, err := NewIpmitool("ipmi-gpu", client, ipmiNames)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping IPMI GPU sensors")
		} else {
			if len(nvidiaDevices) == 0 {
				for _, d := range s.Devices() {
					devices[d.ID] = d
				}
			}
			sources = append(sources, s)
		}
	}

	if len(devices) == 0 {
		log.Info().Msg("No GPUs detected")
		return nil
	}
	return NewMerged("gpu", sortedDevices(devices), sources...)
}

func hddPaths(cfg DiscoveryConfig) []string {
	if len(cfg.HDDDevices) > 0 {
		return cfg.HDDDevices
	}
	entries, err := os.ReadDir(cfg.SysBlockRoot)
	if err != nil {
		log.Warn().Err(err).Str("root", cfg.SysBlockRoot).Msg("Could not scan block devices")
		return nil
	}
	var paths []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "sd") {
			continue
		}
		rot, err := os.ReadFile(filepath.Join(cfg.SysBlockRoot, e.Name(), "queue", "rotational"))
		if err != nil || strings.TrimSpace(string(rot)) != "1" {
			continue
		}
		paths = append(paths, filepath.Join(cfg.DevRoot, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

var nvmeNamespaceRegex = regexp.MustCompile(`^nvme\d+n1$`)

func nvmePaths(cfg DiscoveryConfig) []string {
	if len(cfg.NVMeDevices) > 0 {
		return cfg.NVMeDevices
	}
	entries, err := os.ReadDir(cfg.DevRoot)
	if err != nil {
		log.Warn().Err(err).Str("root", cfg.DevRoot).Msg("Could not scan NVMe devices")
		return nil
	}
	var paths []string
	for _, e := range entries {
		if nvmeNamespaceRegex.MatchString(e.Name()) {
			paths = append(paths, filepath.Join(cfg.DevRoot, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

func mergeNames(base, overrides map[string]model.DeviceID) map[string]model.DeviceID {
	out := make(map[string]model.DeviceID, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// presentIPMINames keeps the mappings whose row exists and is a valid
// temperature.
func presentIPMINames(rows map[string]ipmi.SensorRow, names map[string]model.DeviceID) map[string]model.DeviceID {
	out := make(map[string]model.DeviceID)
	for name, id := range names {
		row, ok := rows[name]
		if !ok || !row.Valid || !row.IsTemperature() {
			continue
		}
		out[name] = id
	}
	return out
}

func splitNamesByKind(names map[string]model.DeviceID) map[model.Kind]map[string]model.DeviceID {
	out := make(map[model.Kind]map[string]model.DeviceID)
	for name, id := range names {
		d, err := model.ParseDeviceID(string(id))
		if err != nil {
			log.Warn().Err(err).Str("ipmi_sensor", name).Msg("Ignoring IPMI sensor mapping")
			continue
		}
		if out[d.Kind] == nil {
			out[d.Kind] = make(map[string]model.DeviceID)
		}
		out[d.Kind][name] = id
	}
	return out
}

func sortedDevices(m map[model.DeviceID]model.LogicalDevice) []model.LogicalDevice {
	out := make([]model.LogicalDevice, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
