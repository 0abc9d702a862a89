package capture

import (
	"fmt"
	"os"
	"runtime"
)

// EnvBackdropVar points FileGrabber at a backdrop image for headless
// runs.
const EnvBackdropVar = "GLINTD_BACKDROP"

// NewPlatformGrabber returns the best grabber for the current session.
//
// A GLINTD_BACKDROP image wins if set. Otherwise this is the seam where
// a compositor readback backend hooks in; without one the caller gets
// ErrNotSupported and the engine runs with contrast features off.
func NewPlatformGrabber() (Grabber, error) {
	if path := os.Getenv(EnvBackdropVar); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("backdrop %s: %w", path, err)
		}
		return NewFileGrabber(path), nil
	}

	return nil, fmt.Errorf("%w (%s)", ErrNotSupported, runtime.GOOS)
}
