//go:build unix

package main

import (
	"syscall"

	"golang.org/x/sys/unix"

	"glintd/internal/logging"
)

// detachSysProcAttr puts a spawned process in its own session so it
// survives the launching terminal.
func detachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// raiseFileLimit lifts the soft file descriptor limit toward the hard
// one. The daemon holds sockets, the journal and log files open at
// once; a 256-descriptor default is too tight on some systems.
func raiseFileLimit() {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return
	}
	if lim.Cur >= 1024 || lim.Cur >= lim.Max {
		return
	}
	want := lim
	want.Cur = lim.Max
	if want.Cur > 4096 {
		want.Cur = 4096
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &want); err != nil {
		logging.Debug("rlimit not raised", "error", err)
	}
}
