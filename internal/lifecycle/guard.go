package lifecycle

import (
	"os"
	"time"

	"glintd/internal/ipc"
	"glintd/internal/logging"
)

// SingleInstanceGuard ensures only one daemon owns the session. The
// control socket is the instance identity: a live listener there is an
// existing instance.
type SingleInstanceGuard struct {
	socketPath string
	log        *logging.Logger
}

func NewSingleInstanceGuard(socketPath string, log *logging.Logger) *SingleInstanceGuard {
	if log == nil {
		log = logging.Default().WithComponent("lifecycle")
	}
	return &SingleInstanceGuard{socketPath: socketPath, log: log}
}

// Check reports whether this process may proceed. When another
// instance is listening it is activated and Check returns false; the
// caller must exit without side effects. A stale socket file nobody
// listens on does not count, the server start sweeps it.
func (g *SingleInstanceGuard) Check() (bool, error) {
	if !ipc.IsSocketListening(g.socketPath) {
		return true, nil
	}

	cfg := ipc.DefaultClientConfig(g.socketPath)
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.AutoReconnect = false

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		// Something holds the socket even if it won't talk to us.
		// Starting anyway would yank the path from under it.
		g.log.Warn("socket is live but unreachable; refusing to start",
			"socket", g.socketPath, "error", err)
		return false, nil
	}
	defer client.Close()

	if err := client.Activate(os.Getpid()); err != nil {
		g.log.Warn("existing instance did not acknowledge activation",
			"socket", g.socketPath, "error", err)
		return false, nil
	}

	g.log.Info("another instance is running; activated it", "socket", g.socketPath)
	return false, nil
}
