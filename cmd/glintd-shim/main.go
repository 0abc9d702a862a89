// glintd-shim is the privileged pointer helper. It listens on its own
// Unix socket for rendered cursor images from glintd, verifies their
// checksums, and applies them through a pointer backend. It holds no
// policy: it draws what it is told and restores the system cursor on
// request, on disconnect of its last client, or on exit.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"glintd/internal/config"
	"glintd/internal/ipc"
	"glintd/internal/logging"
)

const version = "1.2.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("glintd-shim %s (protocol %d)\n", version, ipc.ProtocolVersion)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `glintd-shim - privileged pointer helper for glintd

Usage: glintd-shim <command> [options]

Commands:
  run             Run the helper
  version         Print version information
  help            Show this help message

Run options:
  -socket <path>  Pointer socket path (default: platform runtime dir)
  -dir <path>     Directory the file backend publishes into
  -idle <dur>     Exit after this long without a client (0 disables)
  -log-level <l>  Log level (default info)`)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	socket := fs.String("socket", "", "pointer socket path")
	dir := fs.String("dir", "", "file backend directory")
	idle := fs.Duration("idle", 10*time.Minute, "idle exit timeout")
	logLevel := fs.String("log-level", "info", "log level")
	fs.Parse(args)

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	logger, err := logging.New(&logging.Config{
		Level:     level,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "glintd-shim",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "glintd-shim: logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)
	logging.DefaultCrashHandler().SetVersion(version)

	socketPath := *socket
	if socketPath == "" {
		socketPath = filepath.Join(config.PlatformRuntimeDir(), "glintd-shim.sock")
	}
	backendDir := *dir
	if backendDir == "" {
		backendDir = filepath.Join(config.PlatformRuntimeDir(), "pointer")
	}

	s, err := newShim(shimOptions{
		SocketPath:  socketPath,
		Backend:     newFileBackend(backendDir),
		IdleTimeout: *idle,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "glintd-shim: %v\n", err)
		os.Exit(1)
	}
	if err := s.run(); err != nil {
		logging.Error("shim failed", "error", err)
		fmt.Fprintf(os.Stderr, "glintd-shim: %v\n", err)
		os.Exit(1)
	}
}
