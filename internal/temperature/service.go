package temperature

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
	"github.com/thatsimonsguy/fan-controller/internal/model"
	"github.com/thatsimonsguy/fan-controller/internal/notifications"
	"github.com/thatsimonsguy/fan-controller/internal/sensor"
)

// A device failing this many polls in a row sends a notification.
const DefaultNotifyAfter = 3

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

type deviceHealth struct {
	failures int
	failing  bool
	notified bool
}

// Service polls every sensor once per call and returns one reading per
// logical device.
type Service struct {
	sensors []sensor.Sensor
	devices []model.LogicalDevice
	timeout time.Duration

	mutex  sync.Mutex
	health map[model.DeviceID]*deviceHealth

	notifyAfter int
	notifier    Notifier
	now         func() time.Time
}

func NewService(sensors []sensor.Sensor, readTimeout time.Duration) *Service {
	return newService(sensors, readTimeout, &realNotifier{}, time.Now)
}

// TestDeps holds test dependencies
type TestDeps struct {
	Notifier Notifier
	Now      func() time.Time
}

// NewServiceForTest creates a service with injectable dependencies for testing
func NewServiceForTest(sensors []sensor.Sensor, readTimeout time.Duration, deps *TestDeps) *Service {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return newService(sensors, readTimeout, deps.Notifier, now)
}

func newService(sensors []sensor.Sensor, readTimeout time.Duration, n Notifier, now func() time.Time) *Service {
	return &Service{
		sensors:     sensors,
		devices:     sensor.Devices(sensors),
		timeout:     readTimeout,
		health:      make(map[model.DeviceID]*deviceHealth),
		notifyAfter: DefaultNotifyAfter,
		notifier:    n,
		now:         now,
	}
}

type realNotifier struct{}

func (r *realNotifier) Send(title, message string) error {
	if !notifications.Enabled() {
		return nil
	}
	return notifications.Send(title, message)
}

func (s *Service) Devices() []model.LogicalDevice {
	return s.devices
}

type sensorResult struct {
	samples map[model.DeviceID]sensor.Sample
	err     error
}

// ReadAll reads all sensors concurrently, each bounded by the read timeout
// times the number of reads it issues, and waits for every one of them. Devices with no valid sample get a
// reading whose Err wraps fault.ErrSensor.
func (s *Service) ReadAll(ctx context.Context) map[model.DeviceID]model.Reading {
	results := make([]sensorResult, len(s.sensors))

	var g errgroup.Group
	for i, sn := range s.sensors {
		i, sn := i, sn
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(sensor.Reads(sn)))
			defer cancel()
			samples, err := sn.Read(rctx)
			results[i] = sensorResult{samples: samples, err: err}
			return nil
		})
	}
	_ = g.Wait()

	timestamp := s.now()
	readings := make(map[model.DeviceID]model.Reading, len(s.devices))
	for _, d := range s.devices {
		readings[d.ID] = s.resolve(d.ID, results, timestamp)
	}

	s.track(readings)
	return readings
}

// resolve takes the first sensor, in configuration order, that produced a
// sample for the device.
func (s *Service) resolve(id model.DeviceID, results []sensorResult, ts time.Time) model.Reading {
	var cause error
	for i, sn := range s.sensors {
		if !covers(sn, id) {
			continue
		}
		r := results[i]
		if sample, ok := r.samples[id]; ok {
			if !sensor.Valid(sample.Celsius) {
				cause = fmt.Errorf("%.1f°C outside valid range", sample.Celsius)
				continue
			}
			return model.Reading{Device: id, Celsius: sample.Celsius, Source: sample.Source, Timestamp: ts}
		}
		if cause == nil {
			cause = r.err
		}
	}
	if cause == nil {
		cause = sensor.ErrNoReading
	}
	return model.Reading{Device: id, Err: fault.Sensor(cause), Timestamp: ts}
}

func covers(sn sensor.Sensor, id model.DeviceID) bool {
	for _, d := range sn.Devices() {
		if d.ID == id {
			return true
		}
	}
	return false
}

// track logs and notifies device failure and recovery transitions once.
func (s *Service) track(readings map[model.DeviceID]model.Reading) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, r := range readings {
		h := s.health[id]
		if h == nil {
			h = &deviceHealth{}
			s.health[id] = h
		}

		if r.OK() {
			if h.failing {
				log.Info().
					Str("device", string(id)).
					Int("failed_polls", h.failures).
					Float64("temp", r.Celsius).
					Msg("Device temperature reading recovered")
				if h.notified {
					s.sendRecoveryNotification(id, r.Celsius)
				}
			}
			*h = deviceHealth{}
			continue
		}

		h.failures++
		if !h.failing {
			h.failing = true
			log.Warn().
				Str("device", string(id)).
				Err(r.Err).
				Msg("Device temperature reading failed")
		}
		if !h.notified && h.failures >= s.notifyAfter {
			h.notified = true
			s.sendFailureNotification(id, h.failures, r.Err)
		}
	}
}

func (s *Service) sendFailureNotification(id model.DeviceID, failures int, err error) {
	if s.notifier == nil {
		return
	}
	title := "Fan controller: sensor failure"
	message := fmt.Sprintf("%s has failed %d consecutive polls: %v", id, failures, err)
	if err := s.notifier.Send(title, message); err != nil {
		log.Error().Err(err).Str("device", string(id)).Msg("Failed to send sensor failure notification")
	}
}

func (s *Service) sendRecoveryNotification(id model.DeviceID, temp float64) {
	if s.notifier == nil {
		return
	}
	title := "Fan controller: sensor recovered"
	message := fmt.Sprintf("%s is reporting again at %.1f°C", id, temp)
	if err := s.notifier.Send(title, message); err != nil {
		log.Error().Err(err).Str("device", string(id)).Msg("Failed to send sensor recovery notification")
	}
}
