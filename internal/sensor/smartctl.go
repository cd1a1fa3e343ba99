package sensor

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/fan-controller/internal/cmdexec"
	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Smartctl reads one disk's SMART temperature attribute.
type Smartctl struct {
	runner cmdexec.Runner
	path   string
	device model.LogicalDevice
}

func NewSmartctl(r cmdexec.Runner, path string, device model.LogicalDevice) *Smartctl {
	return &Smartctl{runner: r, path: path, device: device}
}

func (s *Smartctl) Name() string                   { return "smartctl:" + s.path }
func (s *Smartctl) Devices() []model.LogicalDevice { return []model.LogicalDevice{s.device} }

func (s *Smartctl) Read(ctx context.Context) (map[model.DeviceID]Sample, error) {
	out, err := s.runner.Run(ctx, "smartctl", "-A", s.path)
	if err != nil {
		return nil, err
	}
	c, err := parseSmartctl(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if !Valid(c) {
		return nil, fmt.Errorf("%s: temperature %.1f out of range", s.path, c)
	}
	return map[model.DeviceID]Sample{s.device.ID: {Celsius: c, Source: "smartctl"}}, nil
}

// parseSmartctl returns the raw value (10th column) of attribute 194
// Temperature_Celsius, falling back to 190 Airflow_Temperature_Cel.
func parseSmartctl(out string) (float64, error) {
	found := map[string]float64{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 10 {
			continue
		}
		if parts[0] != "194" && parts[0] != "190" {
			continue
		}
		if _, seen := found[parts[0]]; seen {
			continue
		}
		c, err := strconv.ParseFloat(parts[9], 64)
		if err != nil {
			continue
		}
		found[parts[0]] = c
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if c, ok := found["194"]; ok {
		return c, nil
	}
	if c, ok := found["190"]; ok {
		return c, nil
	}
	return 0, ErrNoReading
}
