// glintctl is the control CLI for glintd. It talks to the daemon's
// control socket and exposes the full control surface: status,
// pause/resume, live settings, the event stream, metrics, the journal
// and cursor previews.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"glintd/internal/config"
	"glintd/internal/ipc"
)

const version = "1.2.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		cmdStatus(os.Args[2:])
	case "refresh":
		cmdRefresh(os.Args[2:])
	case "pause":
		cmdSimple(os.Args[2:], "pause", func(c *ipc.Client) error { return c.Pause() })
	case "resume":
		cmdSimple(os.Args[2:], "resume", func(c *ipc.Client) error { return c.Resume() })
	case "get":
		cmdGet(os.Args[2:])
	case "set":
		cmdSet(os.Args[2:])
	case "events":
		cmdEvents(os.Args[2:])
	case "metrics":
		cmdMetrics(os.Args[2:])
	case "journal":
		cmdJournal(os.Args[2:])
	case "health":
		cmdHealth(os.Args[2:])
	case "preview":
		cmdPreview(os.Args[2:])
	case "shutdown":
		cmdSimple(os.Args[2:], "shutdown", func(c *ipc.Client) error { return c.Shutdown() })
	case "version", "-v", "--version":
		fmt.Printf("glintctl %s (protocol %d)\n", version, ipc.ProtocolVersion)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `glintctl - control the glintd daemon

Usage: glintctl <command> [options]

Commands:
  status          Show daemon status
  refresh         Force an immediate re-sample and re-render
  pause           Suspend adaptation (cursor keeps its last state)
  resume          Resume adaptation
  get [key...]    Print settings (all, or the named keys)
  set key=value   Change settings live (not persisted to the file)
  events          Stream daemon events until interrupted
  metrics         Print a metrics snapshot
  journal         Print recent daemon events from the journal
  health          Run component health checks
  preview         Fetch the current cursor image
  shutdown        Stop the daemon
  version         Print version information

Common options:
  -socket <path>  Control socket path (default: from the config file)`)
}

// dial connects to the daemon, honoring -socket when given.
func dial(socketPath string) *ipc.Client {
	if socketPath == "" {
		cfg, err := config.Load("")
		if err != nil {
			fatal("load config: %v", err)
		}
		socketPath = cfg.IPC.SocketPath
	}

	ccfg := ipc.DefaultClientConfig(socketPath)
	ccfg.AutoReconnect = false
	client := ipc.NewClient(ccfg)
	if err := client.Connect(); err != nil {
		fatal("glintd not reachable at %s: %v", socketPath, err)
	}
	return client
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "glintctl: "+format+"\n", args...)
	os.Exit(1)
}

func socketFlag(fs *flag.FlagSet) *string {
	return fs.String("socket", "", "control socket path")
}

func cmdSimple(args []string, name string, call func(*ipc.Client) error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	if err := call(client); err != nil {
		fatal("%s: %v", name, err)
	}
	fmt.Println("ok")
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socket := socketFlag(fs)
	withConfig := fs.Bool("config", false, "include active settings")
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	st, err := client.Status(*withConfig)
	if err != nil {
		fatal("status: %v", err)
	}

	fmt.Printf("glintd %s\n", st.Version)
	fmt.Printf("  state:    %s%s\n", st.State, pausedSuffix(st.Paused))
	fmt.Printf("  uptime:   %s\n", st.Uptime.Round(time.Second))
	fmt.Printf("  tone:     %s\n", st.Tone)
	if st.EffectiveColor != "" {
		fmt.Printf("  color:    %s\n", st.EffectiveColor)
	}
	fmt.Printf("  displays: %d\n", st.Displays)
	fmt.Printf("  shim:     connected=%v version=%s mismatch=%v\n",
		st.Shim.Connected, orDash(st.Shim.Version), st.Shim.Mismatch)
	if st.CaptureDenied {
		fmt.Println("  capture:  permission denied, contrast features degraded")
	}
	if len(st.Config) > 0 {
		fmt.Println("  settings:")
		printKeyValues(st.Config, "    ")
	}
}

func pausedSuffix(paused bool) string {
	if paused {
		return " (paused)"
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdRefresh(args []string) {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	resp, err := client.Refresh()
	if err != nil {
		fatal("refresh: %v", err)
	}
	fmt.Printf("refreshed  tone=%s color=%s\n", resp.Tone, resp.EffectiveColor)
}

func cmdGet(args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	resp, err := client.GetConfig(fs.Args())
	if err != nil {
		fatal("get: %v", err)
	}
	printKeyValues(resp.Config, "")
}

func cmdSet(args []string) {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	if fs.NArg() == 0 {
		fatal("set: at least one key=value pair required")
	}

	values := make(map[string]any, fs.NArg())
	for _, arg := range fs.Args() {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			fatal("set: %q is not key=value", arg)
		}
		values[key] = parseValue(raw)
	}

	client := dial(*socket)
	defer client.Close()

	resp, err := client.SetConfig(values)
	if err != nil {
		fatal("set: %v", err)
	}
	if !resp.Success {
		fatal("set: %s", resp.Error)
	}
	fmt.Printf("applied: %s\n", strings.Join(resp.Applied, ", "))
}

// parseValue guesses the JSON type of a command line value: booleans
// and numbers pass through typed, everything else stays a string.
func parseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n
	}
	return raw
}

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	if err := client.Subscribe(nil); err != nil {
		fatal("subscribe: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	fmt.Fprintln(os.Stderr, "streaming events, Ctrl-C to stop")
	for {
		select {
		case <-sigs:
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			fmt.Printf("%s  %-18s %s\n",
				ev.Timestamp.Format(time.TimeOnly), eventName(ev.Type), ev.Message)
		}
	}
}

func eventName(t ipc.EventType) string {
	switch t {
	case ipc.EventStateChanged:
		return "state_changed"
	case ipc.EventToneChanged:
		return "tone_changed"
	case ipc.EventSchemeChanged:
		return "scheme_changed"
	case ipc.EventSettingsReload:
		return "settings_reload"
	case ipc.EventDisplayChanged:
		return "display_changed"
	case ipc.EventShimReconnect:
		return "shim_reconnect"
	case ipc.EventVersionMismatch:
		return "version_mismatch"
	case ipc.EventShutdown:
		return "shutdown"
	case ipc.EventError:
		return "error"
	default:
		return fmt.Sprintf("event_0x%04x", uint16(t))
	}
}

func cmdMetrics(args []string) {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	socket := socketFlag(fs)
	prefix := fs.String("prefix", "", "only metrics with this name prefix")
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	resp, err := client.Metrics(*prefix)
	if err != nil {
		fatal("metrics: %v", err)
	}

	for _, m := range resp.Metrics {
		switch m.Type {
		case "histogram":
			mean := 0.0
			if m.Count > 0 {
				mean = m.Sum / float64(m.Count)
			}
			fmt.Printf("%-50s count=%d mean=%.3f\n", m.Name, m.Count, mean)
		default:
			fmt.Printf("%-50s %g\n", m.Name, m.Value)
		}
	}
}

func cmdJournal(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	socket := socketFlag(fs)
	limit := fs.Int("n", 20, "maximum entries")
	kind := fs.String("kind", "", "only entries of this kind")
	sinceStr := fs.String("since", "", "only entries after this RFC3339 time")
	fs.Parse(args)

	req := &ipc.JournalRequest{Limit: *limit, Kind: *kind}
	if *sinceStr != "" {
		t, err := time.Parse(time.RFC3339, *sinceStr)
		if err != nil {
			fatal("journal: bad -since: %v", err)
		}
		req.Since = t
	}

	client := dial(*socket)
	defer client.Close()

	resp, err := client.Journal(req)
	if err != nil {
		fatal("journal: %v", err)
	}
	for _, e := range resp.Entries {
		fmt.Printf("%s  %-18s %s\n",
			e.Time.Format(time.DateTime), e.Kind, e.Detail)
	}
}

func cmdHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	resp, err := client.Health()
	if err != nil {
		fatal("health: %v", err)
	}

	fmt.Printf("overall: %s\n", resp.Status)
	for _, c := range resp.Checks {
		line := fmt.Sprintf("  %-10s %-10s %dms", c.Name, c.Status, c.LatencyMs)
		if c.Error != "" {
			line += "  " + c.Error
		}
		fmt.Println(line)
	}
	if resp.Status != "healthy" {
		os.Exit(1)
	}
}

func cmdPreview(args []string) {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	socket := socketFlag(fs)
	out := fs.String("o", "cursor-preview.png", "output PNG path")
	scale := fs.Float64("scale", 0, "render scale (0 means the active scale)")
	fs.Parse(args)

	client := dial(*socket)
	defer client.Close()

	resp, err := client.Preview(*scale)
	if err != nil {
		fatal("preview: %v", err)
	}
	if !resp.Success {
		fatal("preview: %s", resp.Error)
	}
	if err := os.WriteFile(*out, resp.PNG, 0644); err != nil {
		fatal("preview: write %s: %v", *out, err)
	}
	fmt.Printf("wrote %s  hotspot=(%d,%d) scale=%g color=%s\n",
		*out, resp.HotSpotX, resp.HotSpotY, resp.Scale, resp.Color)
}

func printKeyValues(m map[string]any, indent string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s%s = %v\n", indent, k, m[k])
	}
}
