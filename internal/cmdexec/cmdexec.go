// Package cmdexec runs the external utilities the daemon reads sensors and
// drives the board with. Every call is bounded by a timeout.
package cmdexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

var ErrTimeout = errors.New("command timed out")

// Runner executes a command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Exec runs real processes.
type Exec struct {
	// Timeout bounds a single invocation. Zero means only ctx bounds it.
	Timeout time.Duration
	// WaitDelay is how long to wait for output pipes after the process is
	// killed on cancellation.
	WaitDelay time.Duration
}

func (e Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = e.WaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%s: %w", name, ErrTimeout)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", name, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("%s failed: %w", name, err)
		}
		return "", fmt.Errorf("%s failed: %w (output: %s)", name, err, msg)
	}
	return stdout.String(), nil
}

// Func adapts a function to Runner. Tests use it to script command output.
type Func func(ctx context.Context, name string, args ...string) (string, error)

func (f Func) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f(ctx, name, args...)
}
