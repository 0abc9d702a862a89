package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"glintd/internal/appearance"
	"glintd/internal/capture"
	"glintd/internal/channel"
	"glintd/internal/config"
	"glintd/internal/display"
	"glintd/internal/engine"
	"glintd/internal/health"
	"glintd/internal/ipc"
	"glintd/internal/journal"
	"glintd/internal/lifecycle"
	"glintd/internal/logging"
	"glintd/internal/metrics"
	"glintd/internal/render"
	"glintd/internal/sampler"
	"glintd/internal/watcher"
)

// daemon owns the wiring between the adaptation engine and everything
// around it: the privileged helper channel, the control socket, the
// config watcher, the scheme monitor and the process lifecycle.
type daemon struct {
	cfgMu   sync.Mutex
	cfg     *config.Config
	cfgPath string

	log     *logging.Logger
	metrics *metrics.GlintdMetrics
	reg     *metrics.Registry

	jrnl    *journal.Journal
	ch      *channel.Channel
	life    *lifecycle.Lifecycle
	topo    *display.Topology
	eng     *engine.Engine
	srv     *ipc.Server
	checker *health.Checker
	watch   *watcher.Watcher
	scheme  appearance.Monitor

	startedAt   time.Time
	spawnedShim bool

	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newDaemon(cfg *config.Config, cfgPath string) *daemon {
	return &daemon{
		cfg:     cfg,
		cfgPath: cfgPath,
		log:     logging.Default().WithComponent("daemon"),
	}
}

// config returns the active configuration snapshot.
func (d *daemon) config() *config.Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg
}

// record journals an event when the journal is open.
func (d *daemon) record(kind journal.Kind, detail string) {
	if d.jrnl == nil {
		return
	}
	if _, err := d.jrnl.Record(kind, detail); err != nil {
		d.log.Warn("journal write failed", "kind", kind, "error", err)
	}
}

// broadcast pushes an event to control-socket subscribers.
func (d *daemon) broadcast(ev *ipc.Event) {
	if d.srv != nil {
		d.srv.Broadcast(ev)
	}
}

// run wires every component and blocks until a shutdown is requested.
func (d *daemon) run() error {
	cfg := d.config()
	d.startedAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.cancel = cancel

	d.reg = metrics.NewRegistry("glintd", "daemon")
	d.metrics = metrics.InitMetrics(d.reg)

	if cfg.Journal.Enabled {
		jrnl, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			d.log.Warn("journal unavailable, events will not be recorded",
				"path", cfg.Journal.Path, "error", err)
		} else {
			d.jrnl = jrnl
		}
	}

	d.ch = channel.New(channel.Options{
		SocketPath:      cfg.Channel.SocketPath,
		DaemonVersion:   version,
		ConnectTimeout:  time.Duration(cfg.Channel.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout:  time.Duration(cfg.Channel.RequestTimeoutMs) * time.Millisecond,
		MaxPayloadBytes: cfg.Channel.MaxPayloadBytes,
		RetryAttempts:   cfg.Channel.RetryAttempts,
		RetryDelay:      time.Duration(cfg.Channel.RetryDelayMs) * time.Millisecond,
		OnStateChange:   d.onChannelState,
		Logger:          logging.Default().WithComponent("channel"),
	})

	// The channel must exist before the lifecycle starts: crash
	// recovery restores the cursor through it.
	d.life = lifecycle.New(lifecycle.Options{
		SocketPath:      cfg.IPC.SocketPath,
		MarkerPath:      cfg.Daemon.MarkerPath,
		HelperName:      "glintd-shim",
		SkipOrphanSweep: !cfg.Daemon.OrphanCleanup,
		Logger:          logging.Default().WithComponent("lifecycle"),
	})
	d.life.OnCrash(d.onCrash)

	if err := d.life.Startup(); err != nil {
		return err
	}
	defer d.life.Shutdown()

	if err := writePidFile(cfg.Daemon.PidFile); err != nil {
		d.log.Warn("pid file not written", "path", cfg.Daemon.PidFile, "error", err)
	} else {
		d.life.OnShutdown(func() { os.Remove(cfg.Daemon.PidFile) })
	}

	d.topo = display.NewTopology(display.NewEnvProvider())
	if err := d.topo.Refresh(); err != nil {
		d.log.Warn("display topology unavailable", "error", err)
	}
	d.metrics.SetTrackedDisplays(len(d.topo.Displays()))

	grabber, captureOK := d.buildGrabber()
	filter := sampler.NewStabilizer(sampler.FilterParams{
		Threshold:     cfg.Appearance.BrightnessThreshold,
		Hysteresis:    cfg.Appearance.Hysteresis,
		HistoryDepth:  cfg.Tuning.HistoryDepth,
		FlickerLimit:  cfg.Tuning.FlickerLimit,
		FlickerWindow: time.Duration(cfg.Tuning.FlickerWindowMs) * time.Millisecond,
	})
	samp := sampler.New(d.topo, grabber, filter, sampler.Options{
		PatchSide:        cfg.Tuning.PatchSide,
		MultiPoint:       cfg.Appearance.MultiPoint,
		MultiPointRadius: cfg.Tuning.MultiPointRadius,
	})
	renderer := render.New(0, 0)

	if cfg.IPC.Enabled {
		srv, err := ipc.NewServer(ipc.ServerConfig{
			SocketPath:     cfg.IPC.SocketPath,
			ReadTimeout:    time.Duration(cfg.IPC.TimeoutSec) * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxConnections: cfg.IPC.MaxConnections,
			VerifyPeer:     true,
		}, &controlHandler{d: d})
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		d.srv = srv
	}

	engOpts := engine.Options{
		Topology:         d.topo,
		Pointer:          newPointerSource(d.topo, d.log),
		Sampler:          samp,
		Renderer:         renderer,
		Forwarder:        d.ch,
		Applier:          newLocalApplier(filepath.Dir(cfg.Daemon.PidFile)),
		Metrics:          d.metrics,
		Notify:           d.broadcast,
		Logger:           logging.Default().WithComponent("engine"),
		CaptureAvailable: captureOK,
		Appearance:       cfg.Appearance,
		Tuning:           cfg.Tuning,
	}
	if d.jrnl != nil {
		engOpts.Journal = d.jrnl
	}
	eng, err := engine.New(engOpts)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	d.eng = eng

	d.registerHealthChecks(captureOK)

	if d.srv != nil {
		if err := d.srv.Start(); err != nil {
			return fmt.Errorf("control server: %w", err)
		}
		d.life.OnShutdown(func() { d.srv.Stop() })
	}

	d.ensureShim(cfg)

	d.scheme = appearance.NewMonitor(logging.Default().WithComponent("appearance"))
	if err := d.scheme.Start(); err != nil {
		d.log.Debug("appearance monitor unavailable", "error", err)
	} else {
		d.life.OnShutdown(func() { d.scheme.Stop() })
	}

	if cfg.Daemon.AutoReload {
		w, err := watcher.New(d.cfgPath, 200*time.Millisecond,
			logging.Default().WithComponent("watcher"))
		if err != nil {
			d.log.Warn("config watcher unavailable", "path", d.cfgPath, "error", err)
		} else {
			w.OnChange(func(string) { d.reloadConfig() })
			if err := w.Start(); err != nil {
				d.log.Warn("config watcher failed to start", "error", err)
			} else {
				d.watch = w
				d.life.OnShutdown(func() { d.watch.Stop() })
			}
		}
	}

	d.life.OnSignal(func(sig os.Signal) {
		if sig == syscall.SIGHUP {
			d.log.Info("reloading configuration on SIGHUP")
			d.reloadConfig()
			return
		}
		d.log.Info("shutting down on signal", "signal", sig.String())
		d.stop()
	})

	// The engine stops before the channel closes so the restore calls
	// still have a live helper connection.
	d.life.OnShutdown(func() {
		if err := d.eng.Stop(); err != nil {
			d.log.Warn("engine stop failed", "error", err)
		}
	})
	d.life.OnShutdown(func() { d.shutdownShim() })
	if d.jrnl != nil {
		d.life.OnShutdown(func() { d.jrnl.Close() })
	}

	// The marker flips to active before the first apply can happen, so
	// a crash mid-start errs toward a harmless spurious restore.
	if err := d.life.Recovery().SetCursorActive(cfg.Appearance.Enabled); err != nil {
		d.log.Warn("session marker update failed", "error", err)
	}
	if cfg.Appearance.Enabled {
		if err := d.eng.Start(); err != nil {
			return fmt.Errorf("engine start: %w", err)
		}
	}

	d.log.Info("glintd running",
		"version", version,
		"mode", string(cfg.Appearance.Mode),
		"enabled", cfg.Appearance.Enabled,
		"socket", cfg.IPC.SocketPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.schemeLoop(gctx) })
	g.Go(func() error { return d.maintenanceLoop(gctx) })
	return g.Wait()
}

// onCrash runs before any other startup work when the previous
// instance died unclean. The system cursor is forced back to default
// regardless of what the marker says: a crash between the marker write
// and the first apply leaves the flag false while a custom cursor may
// already be up. The flag only shapes the journal detail.
func (d *daemon) onCrash(m *lifecycle.Marker) {
	d.log.Warn("restoring cursor after unclean shutdown",
		"pid", m.PID, "cursor_was_active", m.CursorWasActive)
	if err := d.ch.Restore(); err != nil {
		d.log.Warn("crash-recovery restore failed", "error", err)
	}
	d.metrics.RecordCrashRecovery()
	detail := fmt.Sprintf("pid %d", m.PID)
	if m.CursorWasActive {
		detail += ", cursor was active"
	}
	d.record(journal.KindCrashRecovered, detail)
}

// stop requests termination; the run loop unwinds through the
// registered shutdown handlers.
func (d *daemon) stop() {
	d.stopOnce.Do(func() {
		d.broadcast(&ipc.Event{
			Type:      ipc.EventShutdown,
			Timestamp: time.Now(),
			Message:   "daemon shutting down",
		})
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// buildGrabber resolves the platform capture backend. Without one the
// daemon still runs: the sampler degrades to the base color.
func (d *daemon) buildGrabber() (capture.Grabber, bool) {
	grabber, err := capture.NewPlatformGrabber()
	if err == nil {
		return grabber, true
	}
	if errors.Is(err, capture.ErrPermissionDenied) {
		d.log.Warn("screen capture permission denied, contrast features off")
		d.record(journal.KindCaptureDenied, err.Error())
	} else {
		d.log.Info("no screen capture backend, contrast features off", "error", err)
	}
	return unavailableGrabber{}, false
}

// onChannelState observes helper connection transitions.
func (d *daemon) onChannelState(from, to channel.State) {
	switch to {
	case channel.StateConnected:
		d.metrics.SetShimConnected(true)
		if from == channel.StateDisconnected || from == channel.StateConnecting {
			st := d.ch.Status()
			if st.Mismatch {
				d.metrics.RecordVersionMismatch()
				d.record(journal.KindVersionMismatch, "helper version "+st.Version)
				d.broadcast(&ipc.Event{
					Type:      ipc.EventVersionMismatch,
					Timestamp: time.Now(),
					Message:   "helper version " + st.Version,
				})
				return
			}
			d.metrics.RecordReconnect()
			d.record(journal.KindShimReconnect, "helper version "+st.Version)
			d.broadcast(&ipc.Event{
				Type:      ipc.EventShimReconnect,
				Timestamp: time.Now(),
				Message:   "helper connected",
			})
		}
	case channel.StateDisconnected:
		d.metrics.SetShimConnected(false)
	}
}

// ensureShim probes the helper socket and spawns the helper binary when
// nothing answers. A spawned helper is asked to exit on shutdown; a
// pre-existing one is left alone.
func (d *daemon) ensureShim(cfg *config.Config) {
	timeout := time.Duration(cfg.Channel.ConnectTimeoutMs) * time.Millisecond
	if err := d.ch.CheckHealth(timeout); err == nil {
		return
	}

	path := cfg.Channel.HelperPath
	if path == "" {
		found, err := exec.LookPath("glintd-shim")
		if err != nil {
			d.log.Info("glintd-shim not found, cursor stays session-local")
			return
		}
		path = found
	}

	cmd := exec.Command(path, "run", "-socket", cfg.Channel.SocketPath)
	cmd.SysProcAttr = detachSysProcAttr()
	if err := cmd.Start(); err != nil {
		d.log.Warn("helper spawn failed", "path", path, "error", err)
		return
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	d.spawnedShim = true
	d.log.Info("spawned pointer helper", "path", path, "pid", pid)

	// Give the helper a moment to bind its socket before the first
	// forward races it.
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := d.ch.CheckHealth(200 * time.Millisecond); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	d.log.Warn("helper did not become reachable", "socket", cfg.Channel.SocketPath)
}

// shutdownShim tears down the helper side: a helper this daemon spawned
// is asked to restore and exit, any other just loses the connection.
func (d *daemon) shutdownShim() {
	if d.spawnedShim {
		if err := d.ch.RequestShutdown(); err != nil {
			d.log.Warn("helper shutdown request failed", "error", err)
		}
		return
	}
	d.ch.Close()
}

func (d *daemon) registerHealthChecks(captureOK bool) {
	d.checker = health.NewChecker()

	d.checker.RegisterFunc("engine", true, func(context.Context) error {
		st := d.eng.Status()
		if st.Enabled && st.State != engine.StateRunning {
			return fmt.Errorf("engine %s while enabled", st.State)
		}
		return nil
	})
	d.checker.RegisterFunc("shim", false, func(context.Context) error {
		return d.ch.CheckHealth(2 * time.Second)
	})
	d.checker.RegisterFunc("capture", false, func(context.Context) error {
		if !captureOK {
			return errors.New("no capture backend")
		}
		if d.eng.Status().CaptureDenied {
			return errors.New("screen capture permission denied")
		}
		return nil
	})
	if d.jrnl != nil {
		d.checker.RegisterFunc("journal", false, func(context.Context) error {
			_, err := d.jrnl.Count()
			return err
		})
	}
}

// reloadConfig re-reads the config file and applies the delta live.
// The daemon never writes the file back; settings persistence belongs
// to whoever edits the file.
func (d *daemon) reloadConfig() {
	fresh, err := config.Load(d.cfgPath)
	if err != nil {
		d.log.Warn("config reload failed", "path", d.cfgPath, "error", err)
		return
	}
	if err := fresh.Validate(); err != nil {
		d.log.Warn("config reload rejected", "path", d.cfgPath, "error", err)
		return
	}

	d.cfgMu.Lock()
	prev := d.cfg
	d.cfg = fresh
	d.cfgMu.Unlock()

	d.applyEnabled(prev.Appearance.Enabled, fresh.Appearance.Enabled)
	d.eng.Configure(fresh.Appearance, fresh.Tuning)
	d.log.Info("configuration reloaded", "path", d.cfgPath)
}

// applyEnabled turns the engine on or off across an enabled-flag
// transition and keeps the session marker truthful.
func (d *daemon) applyEnabled(was, now bool) {
	if was == now {
		return
	}
	if now {
		if err := d.eng.Start(); err != nil {
			d.log.Warn("engine start failed", "error", err)
			return
		}
	} else {
		if err := d.eng.Stop(); err != nil {
			d.log.Warn("engine stop failed", "error", err)
		}
	}
	if err := d.life.Recovery().SetCursorActive(now); err != nil {
		d.log.Warn("session marker update failed", "error", err)
	}
}

// schemeLoop forwards system light/dark flips into the engine.
func (d *daemon) schemeLoop(ctx context.Context) error {
	defer logging.DefaultCrashHandler().RecoverGoroutine()
	if d.scheme == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-d.scheme.Events():
			if !ok {
				<-ctx.Done()
				return nil
			}
			d.log.Info("system scheme changed", "scheme", s.String())
			d.eng.HandleSchemeChange(s.String())
		}
	}
}

// maintenanceLoop keeps slow background chores off the hot path:
// uptime gauge refresh and journal retention pruning.
func (d *daemon) maintenanceLoop(ctx context.Context) error {
	defer logging.DefaultCrashHandler().RecoverGoroutine()

	uptime := time.NewTicker(30 * time.Second)
	defer uptime.Stop()
	prune := time.NewTicker(6 * time.Hour)
	defer prune.Stop()

	d.pruneJournal()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-uptime.C:
			d.metrics.UpdateUptime()
		case <-prune.C:
			d.pruneJournal()
		}
	}
}

func (d *daemon) pruneJournal() {
	if d.jrnl == nil {
		return
	}
	cfg := d.config()
	retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return
	}
	removed, err := d.jrnl.Prune(time.Now().Add(-retention))
	if err != nil {
		d.log.Warn("journal prune failed", "error", err)
		return
	}
	if removed > 0 {
		d.log.Debug("journal pruned", "removed", removed)
	}
	if n, err := d.jrnl.Count(); err == nil {
		d.metrics.SetJournalEntries(n)
	}
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}
