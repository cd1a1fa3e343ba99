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

// NVMeCLI reads one controller's composite temperature from nvme smart-log.
type NVMeCLI struct {
	runner cmdexec.Runner
	path   string
	device model.LogicalDevice
}

func NewNVMeCLI(r cmdexec.Runner, path string, device model.LogicalDevice) *NVMeCLI {
	return &NVMeCLI{runner: r, path: path, device: device}
}

func (s *NVMeCLI) Name() string                   { return "nvme:" + s.path }
func (s *NVMeCLI) Devices() []model.LogicalDevice { return []model.LogicalDevice{s.device} }

func (s *NVMeCLI) Read(ctx context.Context) (map[model.DeviceID]Sample, error) {
	out, err := s.runner.Run(ctx, "nvme", "smart-log", s.path)
	if err != nil {
		return nil, err
	}
	c, err := parseNVMeSmartLog(out)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if !Valid(c) {
		return nil, fmt.Errorf("%s: temperature %.1f out of range", s.path, c)
	}
	return map[model.DeviceID]Sample{s.device.ID: {Celsius: c, Source: "nvme"}}, nil
}

// parseNVMeSmartLog reads the first "temperature" line, e.g.
// "temperature : 38 C (311 Kelvin)" or "temperature : 38°C".
func parseNVMeSmartLog(out string) (float64, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(strings.ToLower(line), "temperature") {
			continue
		}
		_, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		num := strings.TrimRight(strings.ReplaceAll(fields[0], ",", ""), "°C")
		c, err := strconv.ParseFloat(num, 64)
		if err != nil {
			continue
		}
		return c, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNoReading
}
