//go:build !linux

package appearance

import "glintd/internal/logging"

// NewMonitor returns the stub; only Linux has a portal scheme source.
func NewMonitor(_ *logging.Logger) Monitor {
	return newStubMonitor()
}
