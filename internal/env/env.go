package env

import (
	"github.com/thatsimonsguy/fan-controller/internal/config"
)

// Cfg is set once by main after the configuration loads and is read-only
// afterwards.
var Cfg *config.Config
