package shutdown

import (
	"errors"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/fan-controller/internal/fault"
)

const (
	ExitOK     = 0
	ExitError  = 1
	ExitConfig = 2
)

// ExitFunc is swapped out by tests.
var ExitFunc = os.Exit

func Shutdown() {
	log.Info().Msg("Fan controller stopped")
	ExitFunc(ExitOK)
}

// ShutdownWithError logs err and exits non-zero. Configuration errors get
// their own exit code.
func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Str("kind", fault.Kind(err)).Msg(msg)
	if errors.Is(err, fault.ErrConfig) {
		ExitFunc(ExitConfig)
		return
	}
	ExitFunc(ExitError)
}
