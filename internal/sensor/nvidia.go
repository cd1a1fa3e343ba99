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

const nvidiaSMI = "nvidia-smi"

var nvidiaQueryArgs = []string{"--query-gpu=index,temperature.gpu", "--format=csv,noheader,nounits"}

// NvidiaSMI reads every GPU in one nvidia-smi call.
type NvidiaSMI struct {
	runner  cmdexec.Runner
	devices []model.LogicalDevice
}

func NewNvidiaSMI(r cmdexec.Runner, devices []model.LogicalDevice) *NvidiaSMI {
	return &NvidiaSMI{runner: r, devices: devices}
}

func (s *NvidiaSMI) Name() string                   { return nvidiaSMI }
func (s *NvidiaSMI) Devices() []model.LogicalDevice { return s.devices }

func (s *NvidiaSMI) Read(ctx context.Context) (map[model.DeviceID]Sample, error) {
	temps, err := queryNvidia(ctx, s.runner)
	if err != nil {
		return nil, err
	}
	out := make(map[model.DeviceID]Sample, len(temps))
	for idx, c := range temps {
		if !Valid(c) {
			continue
		}
		out[model.NewDevice(model.KindGPU, idx).ID] = Sample{Celsius: c, Source: nvidiaSMI}
	}
	return out, nil
}

func queryNvidia(ctx context.Context, r cmdexec.Runner) (map[int]float64, error) {
	out, err := r.Run(ctx, nvidiaSMI, nvidiaQueryArgs...)
	if err != nil {
		return nil, err
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI parses "index, temperature" lines. A GPU that reports
// "[N/A]" or garbage is left out.
func parseNvidiaSMI(out string) (map[int]float64, error) {
	temps := make(map[int]float64)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		c, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			continue
		}
		temps[idx] = c
	}
	return temps, scanner.Err()
}
