// Package sensor reads temperatures from the physical sources on the board
// and maps them onto logical devices.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/model"
)

// Readings outside this window are treated as sensor faults.
const (
	MinValidCelsius = 0.0
	MaxValidCelsius = 120.0
)

var ErrNoReading = errors.New("no reading")

func Valid(c float64) bool {
	return c >= MinValidCelsius && c <= MaxValidCelsius
}

type Sample struct {
	Celsius float64
	Source  string
}

// Sensor backs one or more logical devices. Read returns a sample for each
// device it could read; a device missing from the result failed this poll.
type Sensor interface {
	Name() string
	Devices() []model.LogicalDevice
	Read(ctx context.Context) (map[model.DeviceID]Sample, error)
}

// Budgeted is implemented by sensors that issue several reads in sequence
// per poll. Callers bounding a poll with a per-read timeout should allow
// Reads() of them.
type Budgeted interface {
	Reads() int
}

// Reads returns the number of read timeouts a poll may need.
func Reads(s Sensor) int {
	if b, ok := s.(Budgeted); ok && b.Reads() > 0 {
		return b.Reads()
	}
	return 1
}

// Merged tries its sources in order and keeps, per device, the first
// successful sample inside the validity window.
type Merged struct {
	name    string
	devices []model.LogicalDevice
	sources []Sensor

	mu     sync.Mutex
	warned map[model.DeviceID]bool
}

func NewMerged(name string, devices []model.LogicalDevice, sources ...Sensor) *Merged {
	return &Merged{
		name:    name,
		devices: devices,
		sources: sources,
		warned:  make(map[model.DeviceID]bool),
	}
}

func (m *Merged) Name() string                   { return m.name }
func (m *Merged) Devices() []model.LogicalDevice { return m.devices }

func (m *Merged) Reads() int {
	n := 0
	for _, src := range m.sources {
		n += Reads(src)
	}
	return n
}

// Read gives each source its share of the remaining deadline, so a hung
// preferred source cannot starve the fallbacks.
func (m *Merged) Read(ctx context.Context) (map[model.DeviceID]Sample, error) {
	out := make(map[model.DeviceID]Sample, len(m.devices))
	var errs []error

	left := m.Reads()
	for _, src := range m.sources {
		if len(out) == len(m.devices) {
			break
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			break
		}
		share := Reads(src)
		sctx, cancel := sourceContext(ctx, share, left)
		samples, err := src.Read(sctx)
		cancel()
		left -= share
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
		for _, d := range m.devices {
			if _, done := out[d.ID]; done {
				continue
			}
			if s, ok := samples[d.ID]; ok && Valid(s.Celsius) {
				out[d.ID] = s
				m.noteFallback(d.ID, src)
			}
		}
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// sourceContext bounds one source to share/left of the time remaining on ctx.
func sourceContext(ctx context.Context, share, left int) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok || left <= share {
		return context.WithCancel(ctx)
	}
	remaining := time.Until(deadline)
	return context.WithTimeout(ctx, remaining*time.Duration(share)/time.Duration(left))
}

// noteFallback warns the first time a device is answered by a source other
// than the first one that covers it.
func (m *Merged) noteFallback(id model.DeviceID, answered Sensor) {
	preferred := m.preferred(id)
	if preferred == nil || preferred == answered {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.warned[id] {
		return
	}
	m.warned[id] = true
	log.Warn().
		Str("sensor", m.name).
		Str("device", string(id)).
		Str("preferred", preferred.Name()).
		Str("source", answered.Name()).
		Msg("Preferred sensor source failed, using fallback")
}

func (m *Merged) preferred(id model.DeviceID) Sensor {
	for _, src := range m.sources {
		for _, d := range src.Devices() {
			if d.ID == id {
				return src
			}
		}
	}
	return nil
}

func deviceIDs(devices []model.LogicalDevice) []string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = string(d.ID)
	}
	return ids
}
