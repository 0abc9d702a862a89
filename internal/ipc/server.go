package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes messages the server does not handle internally.
type Handler interface {
	// HandleMessage processes a message and returns a response. A nil
	// response with a nil error means the message needs no reply.
	HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, peer *Peer, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	return f(ctx, peer, msg)
}

// Server accepts connections on a Unix socket and dispatches framed
// messages. The daemon runs one for the control socket; the shim runs
// one for the pointer socket.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	peers       map[string]*Peer
	subscribers map[string]*subscription
	startedAt   time.Time

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxConns     int
	verifyPeer   bool

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Request ID counter for server-initiated messages
	nextRequestID atomic.Uint32

	// Event channel for broadcasting
	eventChan chan *Event
}

// Peer represents a connected client process.
type Peer struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Credentials  *PeerCredentials // nil when lookup is unsupported
	ConnectedAt  time.Time
	LastActivity time.Time

	// Write serialization
	writeMu sync.Mutex
}

// subscription tracks a peer's event subscription.
type subscription struct {
	peerID string
	all    bool
	events map[EventType]bool
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
	VerifyPeer     bool // reject peers running as a different user
}

// DefaultServerConfig returns sensible defaults for a socket in dir.
func DefaultServerConfig(dir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(dir, "glintd.sock"),
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 10,
		VerifyPeer:     true,
	}
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("socket path required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		socketPath:   cfg.SocketPath,
		handler:      handler,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		maxConns:     cfg.MaxConnections,
		verifyPeer:   cfg.VerifyPeer,
		peers:        make(map[string]*Peer),
		subscribers:  make(map[string]*subscription),
		ctx:          ctx,
		cancel:       cancel,
		eventChan:    make(chan *Event, 100),
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Owner only. Peer credential checks back this up on Linux.
	if err := SetSocketPermissions(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.eventBroadcaster()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil // Already stopped
	}

	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	s.mu.Unlock()

	close(s.eventChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	os.Remove(s.socketPath)

	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Broadcast queues an event for all subscribed peers. Events are
// dropped when the queue is full.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- event:
	default:
	}
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		if s.verifyPeer {
			ok, err := VerifyPeerIsCurrentUser(conn)
			if err != nil || !ok {
				conn.Close()
				continue
			}
		}

		s.mu.RLock()
		count := len(s.peers)
		s.mu.RUnlock()

		if count >= s.maxConns {
			conn.Close()
			continue
		}

		creds, _ := GetPeerCredentials(conn)
		peer := &Peer{
			ID:           generatePeerID(),
			conn:         conn,
			Credentials:  creds,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.mu.Lock()
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

// handleConnection runs the read loop for a single peer.
func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, peer.ID)
		delete(s.subscribers, peer.ID)
		s.mu.Unlock()
		peer.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		peer.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		msg, err := ReadMessage(peer.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			// Idle peers get a ping instead of a disconnect.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.sendPing(peer)
				continue
			}
			return
		}

		peer.mu.Lock()
		peer.LastActivity = time.Now()
		peer.mu.Unlock()

		response, err := s.processMessage(peer, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}

		if response != nil {
			if err := s.sendMessage(peer, response); err != nil {
				return
			}
		}
	}
}

// processMessage handles protocol messages internally and hands the
// rest to the configured handler.
func (s *Server) processMessage(peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		return nil, nil

	case MsgSubscribe:
		return s.handleSubscribe(peer, msg)

	case MsgUnsubscribe:
		return s.handleUnsubscribe(peer, msg)

	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, peer, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
}

// handleSubscribe processes an event subscription.
func (s *Server) handleSubscribe(peer *Peer, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
	}

	sub := &subscription{
		peerID: peer.ID,
		events: make(map[EventType]bool),
	}
	if len(req.Events) == 0 {
		sub.all = true
	} else {
		for _, et := range req.Events {
			sub.events[et] = true
		}
	}

	s.mu.Lock()
	s.subscribers[peer.ID] = sub
	s.mu.Unlock()

	resp := &SubscribeResponse{
		Success:        true,
		SubscriptionID: peer.ID,
	}

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, resp)
}

// handleUnsubscribe processes event unsubscription.
func (s *Server) handleUnsubscribe(peer *Peer, msg *Message) (*Message, error) {
	s.mu.Lock()
	delete(s.subscribers, peer.ID)
	s.mu.Unlock()

	return NewMessage(MsgUnsubscribeResp, msg.Header.RequestID, nil), nil
}

// eventBroadcaster fans queued events out to subscribed peers.
func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for event := range s.eventChan {
		s.mu.RLock()
		for peerID, sub := range s.subscribers {
			if sub.all || sub.events[event.Type] {
				if peer, ok := s.peers[peerID]; ok {
					go s.sendEvent(peer, event)
				}
			}
		}
		s.mu.RUnlock()
	}
}

// sendEvent sends an event to a peer.
func (s *Server) sendEvent(peer *Peer, event *Event) {
	payload, err := Encode(event)
	if err != nil {
		return
	}

	msg := NewMessage(MsgEvent, s.nextRequestID.Add(1), payload)
	s.sendMessage(peer, msg)
}

// sendMessage writes a message to a peer.
func (s *Server) sendMessage(peer *Peer, msg *Message) error {
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()

	peer.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return msg.Write(peer.conn)
}

// sendPing sends a ping to keep a connection alive.
func (s *Server) sendPing(peer *Peer) {
	msg := NewMessage(MsgPing, s.nextRequestID.Add(1), nil)
	s.sendMessage(peer, msg)
}

var peerSeq atomic.Uint64

// generatePeerID generates a unique peer ID.
func generatePeerID() string {
	return fmt.Sprintf("peer-%d-%d", os.Getpid(), peerSeq.Add(1))
}
