package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/blake2b"

	"glintd/internal/ipc"
	"glintd/internal/logging"
)

// shimOptions configures the helper process.
type shimOptions struct {
	SocketPath string
	Backend    Backend

	// IdleTimeout exits the helper after this long without any client
	// activity. Zero disables the idle exit.
	IdleTimeout time.Duration

	Logger *logging.Logger
}

// shim is the helper's server state. It verifies and applies cursor
// frames and guarantees the system cursor is restored on every exit
// path: shutdown request, signal, or idle timeout.
type shim struct {
	log     *logging.Logger
	backend Backend
	idle    time.Duration

	srv *ipc.Server

	mu           sync.Mutex
	applied      bool
	lastActivity time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func newShim(opts shimOptions) (*shim, error) {
	if opts.Backend == nil {
		return nil, errors.New("shim: backend required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("shim")
	}

	s := &shim{
		log:          log,
		backend:      opts.Backend,
		idle:         opts.IdleTimeout,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}

	cfg := ipc.DefaultServerConfig("")
	cfg.SocketPath = opts.SocketPath
	srv, err := ipc.NewServer(cfg, s)
	if err != nil {
		return nil, err
	}
	s.srv = srv
	return s, nil
}

// run serves until a shutdown request, a signal, or the idle timeout.
// The cursor is restored before the socket goes away.
func (s *shim) run() error {
	if err := s.srv.Start(); err != nil {
		return fmt.Errorf("pointer socket: %w", err)
	}
	s.log.Info("glintd-shim listening",
		"socket", s.srv.SocketPath(),
		"backend", s.backend.Name(),
		"version", version)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	idle := time.NewTicker(30 * time.Second)
	defer idle.Stop()

	for {
		select {
		case sig := <-sigs:
			s.log.Info("exiting on signal", "signal", sig.String())
			return s.teardown()
		case <-s.done:
			return s.teardown()
		case <-idle.C:
			if s.idleExpired() {
				s.log.Info("idle timeout, exiting", "idle", s.idle)
				return s.teardown()
			}
		}
	}
}

func (s *shim) teardown() error {
	s.restoreIfApplied()
	return s.srv.Stop()
}

func (s *shim) idleExpired() bool {
	if s.idle <= 0 {
		return false
	}
	if s.srv.PeerCount() > 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) > s.idle
}

func (s *shim) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *shim) restoreIfApplied() {
	s.mu.Lock()
	applied := s.applied
	s.applied = false
	s.mu.Unlock()
	if !applied {
		return
	}
	if err := s.backend.Restore(); err != nil {
		s.log.Warn("cursor restore failed", "error", err)
	}
}

// HandleMessage serves the pointer plane. The version exchange always
// answers; data calls are verified before they touch the backend.
func (s *shim) HandleMessage(_ context.Context, _ *ipc.Peer, msg *ipc.Message) (*ipc.Message, error) {
	s.touch()
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case ipc.MsgShimVersion:
		var req ipc.ShimVersionRequest
		if len(msg.Payload) > 0 {
			_ = ipc.Decode(msg.Payload, &req)
		}
		if req.ProtocolVersion != ipc.ProtocolVersion {
			s.log.Warn("daemon speaks a different protocol revision",
				"daemon_version", req.DaemonVersion,
				"daemon_protocol", req.ProtocolVersion,
				"shim_protocol", ipc.ProtocolVersion)
		}
		return ipc.NewResponse(ipc.MsgShimVersionResp, id, &ipc.ShimVersionResponse{
			Version:         version,
			ProtocolVersion: ipc.ProtocolVersion,
			Backend:         s.backend.Name(),
		})

	case ipc.MsgSetCursor:
		return s.handleSetCursor(id, msg.Payload)

	case ipc.MsgRestoreCursor:
		s.mu.Lock()
		s.applied = false
		s.mu.Unlock()
		if err := s.backend.Restore(); err != nil {
			s.log.Warn("restore failed", "error", err)
			return ipc.NewResponse(ipc.MsgRestoreCursorResp, id, &ipc.SetCursorResponse{
				Success: false,
				Error:   err.Error(),
			})
		}
		return ipc.NewResponse(ipc.MsgRestoreCursorResp, id, &ipc.SetCursorResponse{Success: true})

	case ipc.MsgShimShutdown:
		s.log.Info("shutdown requested")
		s.doneOnce.Do(func() { close(s.done) })
		return ipc.NewResponse(ipc.MsgShimShutdownResp, id, &ipc.Ack{Success: true})

	default:
		return ipc.NewErrorMessage(id, ipc.ErrUnsupported,
			fmt.Sprintf("unsupported message type 0x%04x", uint16(msg.Header.Type))), nil
	}
}

// handleSetCursor verifies the frame end to end before applying: the
// PNG is re-hashed and a checksum mismatch rejects the frame, so a
// corrupted image can never become the pointer.
func (s *shim) handleSetCursor(id uint32, payload []byte) (*ipc.Message, error) {
	var req ipc.SetCursorRequest
	if err := ipc.Decode(payload, &req); err != nil {
		return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "bad payload"), nil
	}
	if len(req.PNG) == 0 {
		return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "empty image"), nil
	}

	sum := blake2b.Sum256(req.PNG)
	if hex.EncodeToString(sum[:]) != req.Checksum {
		s.log.Warn("cursor frame rejected, checksum mismatch",
			"bytes", len(req.PNG), "claimed", req.Checksum)
		return ipc.NewErrorMessage(id, ipc.ErrChecksumMismatch, "checksum mismatch"), nil
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(req.PNG))
	if err != nil {
		return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "not a PNG image"), nil
	}
	if req.Width > 0 && req.Height > 0 && (cfg.Width != req.Width || cfg.Height != req.Height) {
		s.log.Warn("cursor frame rejected, dimension mismatch",
			"claimed", fmt.Sprintf("%dx%d", req.Width, req.Height),
			"actual", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		return ipc.NewErrorMessage(id, ipc.ErrInvalidRequest, "dimension mismatch"), nil
	}

	if err := s.backend.Apply(&req); err != nil {
		s.log.Warn("cursor apply failed", "error", err)
		return ipc.NewResponse(ipc.MsgSetCursorResp, id, &ipc.SetCursorResponse{
			Success: false,
			Error:   err.Error(),
		})
	}

	s.mu.Lock()
	s.applied = true
	s.mu.Unlock()
	s.log.Debug("cursor applied",
		"bytes", len(req.PNG),
		"size", fmt.Sprintf("%dx%d", req.Width, req.Height),
		"scale", req.Scale)
	return ipc.NewResponse(ipc.MsgSetCursorResp, id, &ipc.SetCursorResponse{Success: true})
}
