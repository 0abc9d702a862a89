package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Common client errors.
var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionLost   = errors.New("connection lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// Client dials a glintd Unix socket and speaks the framed protocol.
// glintctl uses it against the control socket; the daemon uses it
// against the shim's pointer socket.
type Client struct {
	mu         sync.RWMutex
	conn       net.Conn
	socketPath string

	// Connection state
	connected    atomic.Bool
	reconnecting atomic.Bool
	readerActive atomic.Bool

	// Write serialization
	writeMu sync.Mutex

	// Request correlation
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32

	// Event delivery
	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	// Reconnection
	autoReconnect bool
	reconnectWait time.Duration
	maxReconnect  int

	// Shutdown coordination
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	config ClientConfig
}

// ClientConfig configures the IPC client.
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration
	MaxReconnect   int
}

// DefaultClientConfig returns sensible defaults for the given socket.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		AutoReconnect:  true,
		ReconnectWait:  time.Second,
		MaxReconnect:   3,
	}
}

// EventHandler is called when streamed events are received.
type EventHandler func(event *Event)

// NewClient creates a new IPC client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		socketPath:    cfg.SocketPath,
		pending:       make(map[uint32]chan *Message),
		eventChan:     make(chan *Event, 100),
		autoReconnect: cfg.AutoReconnect,
		reconnectWait: cfg.ReconnectWait,
		maxReconnect:  cfg.MaxReconnect,
		ctx:           ctx,
		cancel:        cancel,
		config:        cfg,
	}
}

// Connect establishes the connection and starts the read loop.
func (c *Client) Connect() error {
	if err := c.dial(); err != nil {
		return err
	}

	// One read loop per client, surviving reconnects.
	if c.readerActive.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.readLoop()
	}

	return nil
}

// dial establishes the socket connection.
func (c *Client) dial() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.Dial("unix", c.socketPath)
	if err != nil {
		// A missing socket file or a stale socket nobody listens on
		// both mean the server side is gone.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect %s: %w", c.socketPath, err)
	}

	c.conn = conn
	c.connected.Store(true)
	return nil
}

// Close shuts the client down and waits for the read loop to exit.
func (c *Client) Close() error {
	c.cancel()
	c.close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(c.eventChan)
	case <-time.After(2 * time.Second):
	}

	return nil
}

// close tears down the connection without signaling shutdown.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected.Store(false)

	// Fail all pending requests
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = make(map[uint32]chan *Message)
	c.pendingMu.Unlock()
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SocketPath returns the socket path the client dials.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// SetEventHandler sets the handler invoked for streamed events.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the channel streamed events are delivered on.
func (c *Client) Events() <-chan *Event {
	return c.eventChan
}

// Call sends a request and decodes the typed response into result.
// A MsgError reply is returned as a *ResponseError.
func (c *Client) Call(reqType, respType MessageType, payload, result any) error {
	return c.CallTimeout(reqType, respType, payload, result, c.config.RequestTimeout)
}

// CallTimeout is Call with an explicit timeout.
func (c *Client) CallTimeout(reqType, respType MessageType, payload, result any, timeout time.Duration) error {
	resp, err := c.requestWithTimeout(reqType, payload, timeout)
	if err != nil {
		return err
	}

	if resp.Header.Type == MsgError {
		var er ErrorResponse
		if err := Decode(resp.Payload, &er); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &ResponseError{Code: er.Code, Message: er.Message, Details: er.Details}
	}

	if resp.Header.Type != respType {
		return fmt.Errorf("unexpected response type: 0x%04x", uint16(resp.Header.Type))
	}

	if result != nil {
		if err := Decode(resp.Payload, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// requestWithTimeout sends a request and waits for its response.
func (c *Client) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		data, err = Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	msg := NewMessage(msgType, reqID, data)

	respChan := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(msg, 10*time.Second); err != nil {
		c.close()
		return nil, fmt.Errorf("write message: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// write serializes frame writes across goroutines.
func (c *Client) write(msg *Message, timeout time.Duration) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	return msg.Write(conn)
}

// readLoop reads messages from the connection until shutdown.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.readerActive.Store(false)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			if c.autoReconnect {
				c.tryReconnect()
				continue
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.sendPing()
				continue
			}

			c.close()
			if c.autoReconnect {
				c.tryReconnect()
				continue
			}
			return
		}

		c.handleMessage(msg)
	}
}

// handleMessage routes an incoming message. Pongs flow through the
// pending map so Ping callers see them; keepalive pongs find no
// waiter and fall away.
func (c *Client) handleMessage(msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		pong := NewMessage(MsgPong, msg.Header.RequestID, nil)
		c.write(pong, 5*time.Second)

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err != nil {
			return
		}
		select {
		case c.eventChan <- &event:
		default:
			// Channel full, drop event
		}

		c.eventMu.RLock()
		handler := c.eventHandler
		c.eventMu.RUnlock()
		if handler != nil {
			go handler(&event)
		}

	default:
		// Response to a pending request
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

// sendPing sends a keepalive ping.
func (c *Client) sendPing() {
	msg := NewMessage(MsgPing, c.nextReqID.Add(1), nil)
	c.write(msg, 5*time.Second)
}

// tryReconnect attempts to re-establish a dropped connection.
func (c *Client) tryReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for i := 0; i < c.maxReconnect; i++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectWait):
		}

		if err := c.dial(); err == nil {
			return
		}
	}
}

// Control plane API

// Ping checks that the server is responsive.
func (c *Client) Ping() error {
	return c.PingTimeout(5 * time.Second)
}

// PingTimeout pings with a caller-chosen deadline.
func (c *Client) PingTimeout(timeout time.Duration) error {
	resp, err := c.requestWithTimeout(MsgPing, nil, timeout)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: 0x%04x", uint16(resp.Header.Type))
	}
	return nil
}

// Status requests daemon status.
func (c *Client) Status(includeConfig bool) (*StatusResponse, error) {
	req := &StatusRequest{IncludeConfig: includeConfig}
	var resp StatusResponse
	if err := c.Call(MsgStatus, MsgStatusResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh forces an immediate re-sample and re-render.
func (c *Client) Refresh() (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := c.Call(MsgRefresh, MsgRefreshResp, &RefreshRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause suspends adaptation, leaving the current cursor in place.
func (c *Client) Pause() error {
	return c.ack(MsgPause, MsgPauseResp, nil)
}

// Resume reverses Pause.
func (c *Client) Resume() error {
	return c.ack(MsgResume, MsgResumeResp, nil)
}

// Shutdown asks the daemon to exit cleanly.
func (c *Client) Shutdown() error {
	return c.ack(MsgShutdown, MsgShutdownResp, nil)
}

// Activate pokes a running daemon on behalf of a second instance that
// lost the single-instance race.
func (c *Client) Activate(pid int) error {
	return c.ack(MsgActivate, MsgActivateResp, &ActivateRequest{PID: pid})
}

// GetConfig fetches configuration values.
func (c *Client) GetConfig(keys []string) (*ConfigResponse, error) {
	var resp ConfigResponse
	if err := c.Call(MsgGetConfig, MsgGetConfigResp, &ConfigRequest{Keys: keys}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetConfig updates configuration values.
func (c *Client) SetConfig(values map[string]any) (*SetConfigResponse, error) {
	var resp SetConfigResponse
	if err := c.Call(MsgSetConfig, MsgSetConfigResp, &SetConfigRequest{Config: values}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, fmt.Errorf("set config failed: %s", resp.Error)
	}
	return &resp, nil
}

// Metrics fetches a metrics snapshot.
func (c *Client) Metrics(prefix string) (*MetricsResponse, error) {
	var resp MetricsResponse
	if err := c.Call(MsgMetrics, MsgMetricsResp, &MetricsRequest{Prefix: prefix}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Journal queries recorded daemon events.
func (c *Client) Journal(req *JournalRequest) (*JournalResponse, error) {
	if req == nil {
		req = &JournalRequest{}
	}
	var resp JournalResponse
	if err := c.Call(MsgJournal, MsgJournalResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches component health.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.Call(MsgHealth, MsgHealthResp, &HealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Preview fetches the daemon's current rendered cursor.
func (c *Client) Preview(scale float64) (*PreviewResponse, error) {
	var resp PreviewResponse
	if err := c.Call(MsgPreview, MsgPreviewResp, &PreviewRequest{Scale: scale}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe subscribes to streamed events. An empty list subscribes
// to everything.
func (c *Client) Subscribe(events []EventType) error {
	var resp SubscribeResponse
	if err := c.Call(MsgSubscribe, MsgSubscribeResp, &SubscribeRequest{Events: events}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return errors.New("subscription failed")
	}
	return nil
}

// Unsubscribe cancels event delivery.
func (c *Client) Unsubscribe() error {
	resp, err := c.requestWithTimeout(MsgUnsubscribe, &UnsubscribeRequest{}, c.config.RequestTimeout)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgUnsubscribeResp {
		return fmt.Errorf("unexpected response: 0x%04x", uint16(resp.Header.Type))
	}
	return nil
}

// Pointer plane API

// SetCursor hands a rendered cursor to the shim.
func (c *Client) SetCursor(req *SetCursorRequest) (*SetCursorResponse, error) {
	var resp SetCursorResponse
	if err := c.Call(MsgSetCursor, MsgSetCursorResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RestoreCursor asks the shim to restore the system cursor.
func (c *Client) RestoreCursor() error {
	var resp SetCursorResponse
	if err := c.Call(MsgRestoreCursor, MsgRestoreCursorResp, &RestoreCursorRequest{}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("restore failed: %s", resp.Error)
	}
	return nil
}

// ShimVersion exchanges versions with the shim.
func (c *Client) ShimVersion(daemonVersion string) (*ShimVersionResponse, error) {
	req := &ShimVersionRequest{
		DaemonVersion:   daemonVersion,
		ProtocolVersion: ProtocolVersion,
	}
	var resp ShimVersionResponse
	if err := c.Call(MsgShimVersion, MsgShimVersionResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ShimShutdown asks the shim to restore the cursor and exit.
func (c *Client) ShimShutdown() error {
	return c.ack(MsgShimShutdown, MsgShimShutdownResp, &ShimShutdownRequest{})
}

// ack sends a request whose response is a bare Ack.
func (c *Client) ack(reqType, respType MessageType, payload any) error {
	var resp Ack
	if err := c.Call(reqType, respType, payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error == "" {
			return errors.New("request refused")
		}
		return errors.New(resp.Error)
	}
	return nil
}
