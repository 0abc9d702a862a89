package lifecycle

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"glintd/internal/logging"
)

// CrashRecovery detects unclean exits through the session marker and
// runs a registered recovery callback before anything else starts.
// The marker is owned here exclusively.
type CrashRecovery struct {
	marker  *MarkerFile
	log     *logging.Logger
	onCrash func(*Marker)
}

func NewCrashRecovery(markerPath string, log *logging.Logger) *CrashRecovery {
	if log == nil {
		log = logging.Default().WithComponent("lifecycle")
	}
	return &CrashRecovery{
		marker: NewMarkerFile(markerPath),
		log:    log,
	}
}

// OnCrash registers the callback invoked when a crash is detected. It
// must at minimum force the system cursor back to default.
func (r *CrashRecovery) OnCrash(fn func(*Marker)) {
	r.onCrash = fn
}

// RecoverIfNeeded inspects the previous session's marker. A marker
// whose pid is no longer alive means the last run crashed: the
// recovery callback fires and the marker is cleared. A marker with a
// live pid is never treated as a crash.
func (r *CrashRecovery) RecoverIfNeeded() (bool, error) {
	marker, err := r.marker.Read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	if isProcessRunning(marker.PID) {
		return false, nil
	}

	r.log.Warn("previous session did not exit cleanly",
		"pid", marker.PID,
		"started_at", marker.StartTime,
		"cursor_was_active", marker.CursorWasActive)

	if r.onCrash != nil {
		r.onCrash(marker)
	}

	if err := r.marker.Remove(); err != nil {
		return true, err
	}
	return true, nil
}

// StartSession writes a fresh marker for the current process.
func (r *CrashRecovery) StartSession(cursorActive bool) error {
	return r.marker.Write(&Marker{
		PID:             os.Getpid(),
		StartTime:       time.Now(),
		CursorWasActive: cursorActive,
	})
}

// SetCursorActive updates the marker's enabled-state flag so a later
// crash report knows whether the cursor needs restoring.
func (r *CrashRecovery) SetCursorActive(active bool) error {
	marker, err := r.marker.Read()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r.StartSession(active)
		}
		return err
	}

	if marker.CursorWasActive == active {
		return nil
	}
	marker.CursorWasActive = active
	return r.marker.Write(marker)
}

// EndSession removes the marker; no marker means a clean exit.
func (r *CrashRecovery) EndSession() error {
	return r.marker.Remove()
}
