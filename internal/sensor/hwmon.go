package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// CPU drivers exposing package temperatures under /sys/class/hwmon.
var CPUHwmonDrivers = []string{"k10temp", "coretemp"}

// Hwmon reads every temp*_input of one hwmon directory and reports the
// hottest.
type Hwmon struct {
	dir    string
	driver string
	device model.LogicalDevice
}

func NewHwmon(dir, driver string, device model.LogicalDevice) *Hwmon {
	return &Hwmon{dir: dir, driver: driver, device: device}
}

func (s *Hwmon) Name() string                   { return "hwmon:" + s.driver }
func (s *Hwmon) Devices() []model.LogicalDevice { return []model.LogicalDevice{s.device} }

func (s *Hwmon) Read(ctx context.Context) (map[model.DeviceID]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inputs, err := filepath.Glob(filepath.Join(s.dir, "temp*_input"))
	if err != nil {
		return nil, err
	}
	sort.Strings(inputs)

	best, found := 0.0, false
	for _, path := range inputs {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		c := float64(milli) / 1000
		if !Valid(c) {
			continue
		}
		if !found || c > best {
			best, found = c, true
		}
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", s.dir, ErrNoReading)
	}
	return map[model.DeviceID]Sample{s.device.ID: {Celsius: best, Source: s.Name()}}, nil
}

// FindHwmon returns the hwmon directories under root whose name file
// matches one of drivers, sorted by path.
func FindHwmon(root string, drivers []string) ([]HwmonDir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(drivers))
	for _, d := range drivers {
		want[d] = true
	}

	var found []HwmonDir
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}
		driver := strings.TrimSpace(string(name))
		if want[driver] {
			found = append(found, HwmonDir{Path: dir, Driver: driver})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, nil
}

type HwmonDir struct {
	Path   string
	Driver string
}
