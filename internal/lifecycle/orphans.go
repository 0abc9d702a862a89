package lifecycle

import (
	"os"
	"syscall"
	"time"

	"glintd/internal/logging"
)

// OrphanCleaner finds helper processes left behind by earlier runs and
// terminates them. Matching is by process name, checked again right
// before signaling, so a recycled pid is never killed by mistake.
type OrphanCleaner struct {
	helperName string
	grace      time.Duration
	killWait   time.Duration
	log        *logging.Logger
}

func NewOrphanCleaner(helperName string, log *logging.Logger) *OrphanCleaner {
	if log == nil {
		log = logging.Default().WithComponent("lifecycle")
	}
	return &OrphanCleaner{
		helperName: helperName,
		grace:      time.Second,
		killWait:   500 * time.Millisecond,
		log:        log,
	}
}

// CleanupAsync runs Cleanup off the critical path. The returned
// channel delivers the kill count when the sweep finishes.
func (c *OrphanCleaner) CleanupAsync() <-chan int {
	done := make(chan int, 1)
	go func() { done <- c.Cleanup() }()
	return done
}

// Cleanup sweeps for orphaned helpers: SIGTERM, a grace window, then
// SIGKILL for holdouts. Returns how many processes were put down.
func (c *OrphanCleaner) Cleanup() int {
	pids, err := findProcessesByName(c.helperName, os.Getpid())
	if err != nil {
		c.log.Debug("orphan scan unavailable", "error", err)
		return 0
	}

	killed := 0
	for _, pid := range pids {
		name, err := processName(pid)
		if err != nil || name != c.helperName {
			continue
		}

		if c.terminate(pid) {
			killed++
			c.log.Info("terminated orphaned helper", "pid", pid)
		}
	}
	return killed
}

func (c *OrphanCleaner) terminate(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Exited between scan and signal.
		return false
	}
	if waitGone(pid, c.grace) {
		return true
	}

	c.log.Warn("orphaned helper ignored SIGTERM, killing", "pid", pid)
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return true
	}
	return waitGone(pid, c.killWait)
}

// waitGone polls until the pid exits or the window closes.
func waitGone(pid int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if !isProcessRunning(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !isProcessRunning(pid)
}
