// File: control/log.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Component logger constructor over zerolog.

package control

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns a component-tagged logger at the given level name.
// Unknown or "disabled" levels return a silent logger.
func NewLogger(component, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.Disabled || level == "" {
		return zerolog.Nop()
	}
	return zerolog.New(os.Stderr).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
