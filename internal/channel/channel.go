// Package channel maintains the daemon's connection to the privileged
// pointer helper (glintd-shim).
//
// The channel is deliberately pessimistic: the helper can crash, lag a
// version behind, or be absent entirely, and none of that may disturb
// the adaptation loop. Every failure path logs and returns; the caller
// keeps ticking. Connection state lives behind one mutex so two racing
// callers can never create two live connections.
package channel

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/image/draw"

	"glintd/internal/ipc"
	"glintd/internal/logging"
	"glintd/internal/render"
)

// State is the tagged connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateConnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

// ErrVersionMismatch marks a helper speaking a different protocol
// revision. Data calls are refused until a reconnect sees a good one.
var ErrVersionMismatch = errors.New("helper protocol version mismatch")

// Default payload policy.
const (
	DefaultMaxPayloadBytes = 5 << 20
	DefaultMaxDimension    = 256
)

// Options configures a Channel.
type Options struct {
	SocketPath     string
	DaemonVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// MaxPayloadBytes is the largest encoded image sent as-is. Larger
	// frames are downsampled to MaxDimension and re-encoded.
	MaxPayloadBytes int64
	MaxDimension    int

	RetryAttempts int
	RetryDelay    time.Duration

	// OnStateChange, when set, observes connection transitions. It is
	// invoked on its own goroutine.
	OnStateChange func(from, to State)

	Logger *logging.Logger
}

func (o Options) normalized() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 2 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	return o
}

// Stats counts channel activity.
type Stats struct {
	Connects          uint64
	Sends             uint64
	SendFailures      uint64
	Downsamples       uint64
	VersionMismatches uint64
}

// Status is the channel's externally visible condition.
type Status struct {
	State    State
	Version  string
	Mismatch bool
}

// Channel is the serial client for the pointer helper. Lazily
// connected: the first call dials, later calls reuse the connection
// until it is invalidated.
type Channel struct {
	mu   sync.Mutex
	opts Options
	log  *logging.Logger

	state       State
	client      *ipc.Client
	shimVersion string
	mismatch    bool
	noticeShown bool

	stats Stats
}

// New creates a Channel. No connection is made until the first call.
func New(opts Options) *Channel {
	opts = opts.normalized()
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("channel")
	}
	return &Channel{
		opts:  opts,
		log:   log,
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Status returns the connection state, cached helper version, and
// whether the version gate is refusing data calls.
func (ch *Channel) Status() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return Status{State: ch.state, Version: ch.shimVersion, Mismatch: ch.mismatch}
}

// Stats returns a copy of the activity counters.
func (ch *Channel) Stats() Stats {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.stats
}

// SetCursor forwards a rendered cursor to the helper. Failures are
// logged and returned; the local cursor application is unaffected.
func (ch *Channel) SetCursor(r *render.Rendered) error {
	if r == nil || r.Image == nil {
		return errors.New("no rendered cursor")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	client, err := ch.ensureConnectedLocked()
	if err != nil {
		return err
	}

	if ch.mismatch {
		// Notice already logged at gate time.
		return ErrVersionMismatch
	}

	req, err := ch.buildCursorRequestLocked(r)
	if err != nil {
		ch.log.Warn("cursor payload unusable", "error", err)
		return err
	}

	resp, err := client.SetCursor(req)
	if err != nil {
		ch.stats.SendFailures++
		ch.log.Warn("cursor forward failed", "error", err)
		ch.invalidateLocked()
		return err
	}
	if !resp.Success {
		ch.stats.SendFailures++
		ch.log.Warn("helper rejected cursor", "error", resp.Error)
		return fmt.Errorf("helper rejected cursor: %s", resp.Error)
	}

	ch.stats.Sends++
	return nil
}

// Restore asks the helper to put the system cursor back. Allowed even
// under a version mismatch: restoring is the safe direction.
func (ch *Channel) Restore() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	client, err := ch.ensureConnectedLocked()
	if err != nil {
		return err
	}

	if err := client.RestoreCursor(); err != nil {
		ch.log.Warn("cursor restore failed", "error", err)
		ch.invalidateLocked()
		return err
	}
	return nil
}

// CheckHealth verifies the helper answers within the timeout.
func (ch *Channel) CheckHealth(timeout time.Duration) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	client, err := ch.ensureConnectedLocked()
	if err != nil {
		return err
	}

	if err := client.PingTimeout(timeout); err != nil {
		ch.log.Warn("helper health check failed", "error", err)
		ch.invalidateLocked()
		return err
	}
	return nil
}

// Version returns the cached helper version from the last gate
// exchange, with false when no exchange has happened.
func (ch *Channel) Version() (string, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.shimVersion, ch.shimVersion != ""
}

// RequestShutdown asks the helper to restore the cursor and exit.
func (ch *Channel) RequestShutdown() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	client, err := ch.ensureConnectedLocked()
	if err != nil {
		return err
	}

	err = client.ShimShutdown()
	if err != nil {
		ch.log.Warn("helper shutdown request failed", "error", err)
	}
	// The helper exits either way; drop the connection.
	ch.invalidateLocked()
	return err
}

// Close drops the connection without touching the helper.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.invalidateLocked()
	return nil
}

// ensureConnectedLocked dials and runs the version gate when the
// channel is not already connected. Callers hold ch.mu.
func (ch *Channel) ensureConnectedLocked() (*ipc.Client, error) {
	if ch.state == StateConnected && ch.client != nil {
		return ch.client, nil
	}

	ch.transitionLocked(StateConnecting)

	cfg := ipc.DefaultClientConfig(ch.opts.SocketPath)
	cfg.ConnectTimeout = ch.opts.ConnectTimeout
	cfg.RequestTimeout = ch.opts.RequestTimeout
	cfg.AutoReconnect = false // the channel owns reconnect policy

	client, err := retry.DoWithData(func() (*ipc.Client, error) {
		c := ipc.NewClient(cfg)
		if err := c.Connect(); err != nil {
			return nil, err
		}
		return c, nil
	},
		retry.Attempts(uint(ch.opts.RetryAttempts)),
		retry.Delay(ch.opts.RetryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ch.log.Debug("helper connect retry", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		ch.transitionLocked(StateDisconnected)
		ch.log.Warn("helper unreachable", "socket", ch.opts.SocketPath, "error", err)
		return nil, err
	}

	// Version gate runs before the first data call on every new
	// connection.
	ver, err := client.ShimVersion(ch.opts.DaemonVersion)
	if err != nil {
		client.Close()
		ch.transitionLocked(StateDisconnected)
		ch.log.Warn("helper version exchange failed", "error", err)
		return nil, err
	}

	ch.client = client
	ch.shimVersion = ver.Version
	ch.stats.Connects++
	ch.transitionLocked(StateConnected)

	if ver.ProtocolVersion != ipc.ProtocolVersion {
		ch.mismatch = true
		ch.stats.VersionMismatches++
		if !ch.noticeShown {
			ch.noticeShown = true
			ch.log.Error("pointer helper speaks a different protocol; cursor forwarding disabled until the helper is updated",
				"helper_version", ver.Version,
				"helper_protocol", ver.ProtocolVersion,
				"daemon_protocol", ipc.ProtocolVersion)
		}
	} else {
		ch.mismatch = false
		ch.noticeShown = false
	}

	return ch.client, nil
}

// invalidateLocked clears the connection handle and cached version.
// The next call reconnects lazily.
func (ch *Channel) invalidateLocked() {
	if ch.client != nil {
		ch.client.Close()
		ch.client = nil
	}
	ch.shimVersion = ""
	ch.mismatch = false
	ch.transitionLocked(StateDisconnected)
}

// transitionLocked updates the state and notifies the observer.
func (ch *Channel) transitionLocked(to State) {
	from := ch.state
	if from == to {
		return
	}
	ch.state = to
	if ch.opts.OnStateChange != nil {
		go ch.opts.OnStateChange(from, to)
	}
}

// buildCursorRequestLocked encodes a rendered cursor, downsampling
// when it exceeds the payload ceiling.
func (ch *Channel) buildCursorRequestLocked(r *render.Rendered) (*ipc.SetCursorRequest, error) {
	data := r.PNG
	sum := r.Checksum
	img := r.Image
	hot := r.HotSpot
	scale := r.Scale

	if len(data) == 0 {
		// The renderer returns images without bytes when encoding
		// failed; try once more here.
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode cursor: %w", err)
		}
		data = buf.Bytes()
		sum = blake2b.Sum256(data)
	}

	if int64(len(data)) > ch.opts.MaxPayloadBytes {
		small, factor, err := ch.downsample(img)
		if err != nil {
			return nil, err
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, small); err != nil {
			return nil, fmt.Errorf("encode downsampled cursor: %w", err)
		}

		ch.stats.Downsamples++
		ch.log.Info("cursor downsampled for transport",
			"from_bytes", len(data),
			"to_bytes", buf.Len(),
			"factor", factor)

		img = small
		data = buf.Bytes()
		sum = blake2b.Sum256(data)
		// The hot spot and DPI intent track the resize.
		hot = image.Point{
			X: int(float64(hot.X)*factor + 0.5),
			Y: int(float64(hot.Y)*factor + 0.5),
		}
		scale *= factor
	}

	return &ipc.SetCursorRequest{
		PNG:      data,
		Checksum: hex.EncodeToString(sum[:]),
		HotSpotX: hot.X,
		HotSpotY: hot.Y,
		Width:    img.Bounds().Dx(),
		Height:   img.Bounds().Dy(),
		Scale:    scale,
	}, nil
}

// downsample scales an image so its longest side is MaxDimension.
func (ch *Channel) downsample(src *image.RGBA) (*image.RGBA, float64, error) {
	b := src.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if longest <= 0 {
		return nil, 0, errors.New("empty cursor image")
	}

	factor := float64(ch.opts.MaxDimension) / float64(longest)
	if factor >= 1 {
		return src, 1, nil
	}

	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst, factor, nil
}
