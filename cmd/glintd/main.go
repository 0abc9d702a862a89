// glintd is the adaptive pointer-contrast daemon. It samples the
// screen beneath the pointer, re-renders the cursor glyph so it stays
// visible against the background, and forwards the result to the
// privileged glintd-shim helper which applies it system-wide.
//
//	glintd run        Run the daemon (foreground unless -detach)
//	glintd status     Query a running daemon over the control socket
//	glintd stop       Ask a running daemon to shut down
//	glintd version    Print the version
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"glintd/internal/config"
	"glintd/internal/ipc"
	"glintd/internal/lifecycle"
	"glintd/internal/logging"
)

const version = "1.2.0"

// envDetached marks a re-exec'd child so it does not detach again.
const envDetached = "GLINTD_DETACHED"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "stop":
		cmdStop(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("glintd %s (protocol %d)\n", version, ipc.ProtocolVersion)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `glintd - adaptive pointer contrast daemon

Usage: glintd <command> [options]

Commands:
  run             Run the daemon
  status          Show status of the running daemon
  stop            Stop the running daemon
  version         Print version information
  help            Show this help message

Run options:
  -config <path>  Path to config file (default: platform config dir)
  -detach         Detach from the terminal and run in the background
  -log-level <l>  Override the configured log level

Use 'glintctl' for the full control surface (pause, resume, events,
metrics, preview).`)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	detach := fs.Bool("detach", false, "run in the background")
	logLevel := fs.String("log-level", "", "override log level")
	fs.Parse(args)

	if *detach && os.Getenv(envDetached) == "" {
		if err := detachSelf(args); err != nil {
			fmt.Fprintf(os.Stderr, "glintd: detach: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "glintd: load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "glintd: invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "glintd: %v\n", err)
		os.Exit(1)
	}

	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "glintd: logging: %v\n", err)
		os.Exit(1)
	}
	raiseFileLimit()

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	d := newDaemon(cfg, path)
	if err := d.run(); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyRunning) {
			// The guard already activated the running instance.
			fmt.Fprintln(os.Stderr, "glintd: already running")
			return
		}
		logging.Error("daemon failed", "error", err)
		fmt.Fprintf(os.Stderr, "glintd: %v\n", err)
		os.Exit(1)
	}
}

// detachSelf re-execs `glintd run` in its own session and returns in
// the parent.
func detachSelf(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, append([]string{"run"}, args...)...)
	cmd.Env = append(os.Environ(), envDetached+"=1")
	cmd.SysProcAttr = detachSysProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Printf("glintd started in background (pid %d)\n", cmd.Process.Pid)
	return cmd.Process.Release()
}

func setupLogging(cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	// Detached runs have no terminal; force file output.
	output := cfg.Logging.Output
	if os.Getenv(envDetached) != "" && (output == "stdout" || output == "stderr") {
		output = "file"
	}

	logger, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "glintd",
	})
	if err != nil {
		return err
	}
	logging.SetDefault(logger)
	logging.DefaultCrashHandler().SetVersion(version)
	return nil
}

// controlClient dials the running daemon's control socket.
func controlClient(configPath string) (*ipc.Client, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ccfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	ccfg.AutoReconnect = false
	client := ipc.NewClient(ccfg)
	if err := client.Connect(); err != nil {
		return nil, nil, fmt.Errorf("daemon not reachable at %s: %w", cfg.IPC.SocketPath, err)
	}
	return client, cfg, nil
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	client, _, err := controlClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "glintd: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	st, err := client.Status(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "glintd: status: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("glintd %s  state=%s  uptime=%s\n", st.Version, st.State, st.Uptime.Round(time.Second))
	fmt.Printf("  tone=%s  color=%s  paused=%v  displays=%d\n",
		st.Tone, st.EffectiveColor, st.Paused, st.Displays)
	fmt.Printf("  shim: connected=%v version=%s mismatch=%v\n",
		st.Shim.Connected, st.Shim.Version, st.Shim.Mismatch)
	if st.CaptureDenied {
		fmt.Println("  capture: permission denied, contrast features degraded")
	}
}

func cmdStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	client, _, err := controlClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "glintd: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "glintd: stop: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("glintd stopping")
}
