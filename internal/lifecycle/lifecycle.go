// Package lifecycle owns process startup and shutdown: single-instance
// enforcement, crash detection through a session marker, orphaned
// helper cleanup, and signal-safe termination.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"glintd/internal/logging"
)

// ErrAlreadyRunning means another instance owns the session; the
// process must exit without side effects.
var ErrAlreadyRunning = errors.New("another instance is already running")

// State is the lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "idle"
	}
}

// Options configures a Lifecycle.
type Options struct {
	// SocketPath is the control socket; a live listener there is an
	// existing instance.
	SocketPath string
	// MarkerPath is where the session marker lives.
	MarkerPath string
	// HelperName is the process name swept for orphans.
	HelperName string
	// SkipOrphanSweep disables the startup sweep for leftover helper
	// processes.
	SkipOrphanSweep bool
	Logger          *logging.Logger
}

// Lifecycle composes the instance guard, crash recovery, orphan
// cleaner and signal handler behind one Startup/Shutdown contract.
type Lifecycle struct {
	log         *logging.Logger
	guard       *SingleInstanceGuard
	recovery    *CrashRecovery
	orphans     *OrphanCleaner
	signals     *SignalHandler
	skipOrphans bool

	mu       sync.Mutex
	state    State
	handlers []func()
	shutdown sync.Once
}

func New(opts Options) *Lifecycle {
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("lifecycle")
	}
	helper := opts.HelperName
	if helper == "" {
		helper = "glintd-shim"
	}
	return &Lifecycle{
		log:         log,
		guard:       NewSingleInstanceGuard(opts.SocketPath, log),
		recovery:    NewCrashRecovery(opts.MarkerPath, log),
		orphans:     NewOrphanCleaner(helper, log),
		signals:     NewSignalHandler(),
		skipOrphans: opts.SkipOrphanSweep,
	}
}

// Recovery exposes the marker owner for enabled-state updates.
func (l *Lifecycle) Recovery() *CrashRecovery { return l.recovery }

// OnCrash registers the crash-recovery callback; it runs during
// Startup before anything else.
func (l *Lifecycle) OnCrash(fn func(*Marker)) { l.recovery.OnCrash(fn) }

// OnSignal registers a callback for SIGINT, SIGTERM and SIGHUP.
func (l *Lifecycle) OnSignal(fn func(os.Signal)) { l.signals.Register(fn) }

// OnShutdown registers a termination handler. Handlers run once, in
// registration order, during Shutdown.
func (l *Lifecycle) OnShutdown(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Startup runs the boot sequence: instance check, crash recovery,
// orphan sweep, signal installation, fresh session marker. On
// ErrAlreadyRunning the caller must exit; nothing was touched.
func (l *Lifecycle) Startup() error {
	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return fmt.Errorf("startup from state %s", l.state)
	}
	l.mu.Unlock()

	ok, err := l.guard.Check()
	if err != nil {
		return fmt.Errorf("instance check: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}

	crashed, err := l.recovery.RecoverIfNeeded()
	if err != nil {
		l.log.Warn("crash recovery incomplete", "error", err)
	}
	if crashed {
		l.log.Info("recovered from unclean shutdown")
	}

	if !l.skipOrphans {
		l.orphans.CleanupAsync()
	}
	l.signals.Start()

	if err := l.recovery.StartSession(false); err != nil {
		return fmt.Errorf("write session marker: %w", err)
	}

	l.mu.Lock()
	l.state = StateStarted
	l.mu.Unlock()
	return nil
}

// Shutdown is idempotent: termination handlers run once, the signal
// handler stops, and the session marker is removed so the next launch
// sees a clean exit.
func (l *Lifecycle) Shutdown() {
	l.shutdown.Do(func() {
		l.mu.Lock()
		l.state = StateShuttingDown
		handlers := make([]func(), len(l.handlers))
		copy(handlers, l.handlers)
		l.mu.Unlock()

		for _, fn := range handlers {
			fn()
		}

		l.signals.Stop()

		if err := l.recovery.EndSession(); err != nil {
			l.log.Warn("session marker not removed", "error", err)
		}

		l.mu.Lock()
		l.state = StateIdle
		l.mu.Unlock()
	})
}

// isProcessRunning probes a pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
