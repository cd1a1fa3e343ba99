// Package fault holds the error taxonomy shared by the control loop.
// Use errors.Is() against the sentinels below to classify a failure.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is fatal and only produced at startup.
	ErrConfig = errors.New("config error")

	// ErrSensor is a per-cycle reading failure: timeout, missing device or
	// unparseable utility output.
	ErrSensor = errors.New("sensor failure")

	// ErrHardwareCommand is a failed query or write to the board.
	ErrHardwareCommand = errors.New("hardware command failure")

	// ErrArbitrationImpossible means a zone had no contributing device.
	ErrArbitrationImpossible = errors.New("arbitration impossible")
)

func Config(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func Sensor(err error) error {
	if err == nil || errors.Is(err, ErrSensor) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSensor, err)
}

func Hardware(err error) error {
	if err == nil || errors.Is(err, ErrHardwareCommand) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrHardwareCommand, err)
}

// Kind returns a short label for logs and the journal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrSensor):
		return "sensor"
	case errors.Is(err, ErrHardwareCommand):
		return "hardware"
	case errors.Is(err, ErrArbitrationImpossible):
		return "arbitration"
	default:
		return "unknown"
	}
}
