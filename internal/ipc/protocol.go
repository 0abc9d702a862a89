// Package ipc implements the framed wire protocol glintd speaks on its
// Unix sockets.
//
// Two sockets carry the same framing:
//   - the control socket, where glintctl queries and steers the daemon
//   - the pointer socket, where the daemon hands rendered cursors to
//     the privileged glintd-shim helper
//
// Frames are a fixed 16-byte big-endian header followed by a JSON
// payload. Requests carry a correlation ID so responses and pushed
// events can share one connection.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
)

// Protocol version for compatibility checking.
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x47495043 // "GIPC"
)

// MaxPayload caps a single frame's payload. Cursor art is downsampled
// well below this before it is sent.
const MaxPayload = 16 << 20

// MessageType identifies the type of a framed message.
type MessageType uint16

const (
	// Core messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0003

	// Daemon control (0x01xx)
	MsgStatus       MessageType = 0x0100
	MsgStatusResp   MessageType = 0x0101
	MsgRefresh      MessageType = 0x0102
	MsgRefreshResp  MessageType = 0x0103
	MsgPause        MessageType = 0x0104
	MsgPauseResp    MessageType = 0x0105
	MsgResume       MessageType = 0x0106
	MsgResumeResp   MessageType = 0x0107
	MsgShutdown     MessageType = 0x0108
	MsgShutdownResp MessageType = 0x0109
	MsgActivate     MessageType = 0x010A
	MsgActivateResp MessageType = 0x010B

	// Configuration (0x02xx)
	MsgGetConfig     MessageType = 0x0200
	MsgGetConfigResp MessageType = 0x0201
	MsgSetConfig     MessageType = 0x0202
	MsgSetConfigResp MessageType = 0x0203

	// Telemetry (0x03xx)
	MsgMetrics     MessageType = 0x0300
	MsgMetricsResp MessageType = 0x0301
	MsgJournal     MessageType = 0x0302
	MsgJournalResp MessageType = 0x0303
	MsgHealth      MessageType = 0x0304
	MsgHealthResp  MessageType = 0x0305
	MsgPreview     MessageType = 0x0306
	MsgPreviewResp MessageType = 0x0307

	// Event streaming (0x04xx)
	MsgSubscribe       MessageType = 0x0400
	MsgSubscribeResp   MessageType = 0x0401
	MsgUnsubscribe     MessageType = 0x0402
	MsgUnsubscribeResp MessageType = 0x0403
	MsgEvent           MessageType = 0x0404

	// Pointer plane, daemon to shim (0x05xx)
	MsgSetCursor         MessageType = 0x0500
	MsgSetCursorResp     MessageType = 0x0501
	MsgRestoreCursor     MessageType = 0x0502
	MsgRestoreCursorResp MessageType = 0x0503
	MsgShimVersion       MessageType = 0x0504
	MsgShimVersionResp   MessageType = 0x0505
	MsgShimShutdown      MessageType = 0x0506
	MsgShimShutdownResp  MessageType = 0x0507
)

// EventType identifies the type of a streamed event.
type EventType uint16

const (
	EventStateChanged    EventType = 0x0001
	EventToneChanged     EventType = 0x0002
	EventSchemeChanged   EventType = 0x0003
	EventSettingsReload  EventType = 0x0004
	EventDisplayChanged  EventType = 0x0005
	EventShimReconnect   EventType = 0x0006
	EventVersionMismatch EventType = 0x0007
	EventShutdown        EventType = 0x0008
	EventError           EventType = 0x0009
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// Header flags.
const (
	FlagJSON       uint8 = 0x01
	FlagCompressed uint8 = 0x02 // reserved
)

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from a reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Error codes carried by ErrorResponse.
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotRunning       = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnsupported      = 6
	ErrVersionMismatch  = 7
	ErrChecksumMismatch = 8
	ErrBusy             = 9
)

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResponseError is a decoded MsgError payload surfaced as a Go error.
type ResponseError struct {
	Code    int
	Message string
	Details string
}

func (e *ResponseError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("ipc error %d: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("ipc error %d: %s", e.Code, e.Message)
}

// Request/Response payloads

// Ack is the generic success/failure response.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusRequest requests daemon status.
type StatusRequest struct {
	IncludeConfig bool `json:"include_config,omitempty"`
}

// ShimStatus describes the pointer helper from the daemon's side.
type ShimStatus struct {
	Connected bool   `json:"connected"`
	Version   string `json:"version,omitempty"`
	Mismatch  bool   `json:"mismatch,omitempty"`
}

// StatusResponse contains daemon status.
type StatusResponse struct {
	Version        string         `json:"version"`
	StartedAt      time.Time      `json:"started_at"`
	Uptime         time.Duration  `json:"uptime"`
	State          string         `json:"state"`
	Paused         bool           `json:"paused"`
	Tone           string         `json:"tone"`
	EffectiveColor string         `json:"effective_color"`
	CaptureDenied  bool           `json:"capture_denied"`
	Displays       int            `json:"displays"`
	Shim           ShimStatus     `json:"shim"`
	Config         map[string]any `json:"config,omitempty"`
}

// RefreshRequest forces an immediate re-sample and re-render.
type RefreshRequest struct{}

// RefreshResponse reports the outcome of a forced refresh.
type RefreshResponse struct {
	Success        bool   `json:"success"`
	Tone           string `json:"tone,omitempty"`
	EffectiveColor string `json:"effective_color,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ActivateRequest is sent by a second daemon instance that lost the
// single-instance race. The running daemon re-asserts its cursor.
type ActivateRequest struct {
	PID int `json:"pid"`
}

// ConfigRequest requests configuration values.
type ConfigRequest struct {
	Keys []string `json:"keys,omitempty"` // Empty means all keys
}

// ConfigResponse contains configuration values.
type ConfigResponse struct {
	Config map[string]any `json:"config"`
}

// SetConfigRequest updates configuration values.
type SetConfigRequest struct {
	Config map[string]any `json:"config"`
}

// SetConfigResponse acknowledges a configuration change.
type SetConfigResponse struct {
	Success bool     `json:"success"`
	Applied []string `json:"applied,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// MetricsRequest requests a metrics snapshot.
type MetricsRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// MetricSample is one exported metric value.
type MetricSample struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Value float64 `json:"value"`
	Count uint64  `json:"count,omitempty"`
	Sum   float64 `json:"sum,omitempty"`
}

// MetricsResponse contains a metrics snapshot.
type MetricsResponse struct {
	Collected time.Time      `json:"collected"`
	Metrics   []MetricSample `json:"metrics"`
}

// JournalRequest queries recorded daemon events.
type JournalRequest struct {
	Limit int       `json:"limit,omitempty"`
	Kind  string    `json:"kind,omitempty"`
	Since time.Time `json:"since,omitempty"`
}

// JournalEntry is one recorded daemon event.
type JournalEntry struct {
	ID     int64     `json:"id"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// JournalResponse contains queried journal entries.
type JournalResponse struct {
	Entries []JournalEntry `json:"entries"`
}

// HealthRequest requests component health checks.
type HealthRequest struct{}

// HealthCheckResult is the outcome of one component check.
type HealthCheckResult struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthResponse contains component health.
type HealthResponse struct {
	Status string              `json:"status"`
	Checks []HealthCheckResult `json:"checks"`
}

// PreviewRequest asks the daemon for its current rendered cursor.
type PreviewRequest struct {
	Scale float64 `json:"scale,omitempty"`
}

// PreviewResponse carries the rendered preview.
type PreviewResponse struct {
	Success      bool    `json:"success"`
	Error        string  `json:"error,omitempty"`
	PNG          []byte  `json:"png,omitempty"`
	HotSpotX     int     `json:"hot_spot_x"`
	HotSpotY     int     `json:"hot_spot_y"`
	Color        string  `json:"color,omitempty"`
	OutlineColor string  `json:"outline_color,omitempty"`
	Scale        float64 `json:"scale,omitempty"`
}

// SubscribeRequest requests event subscription.
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription.
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// UnsubscribeRequest requests event unsubscription.
type UnsubscribeRequest struct{}

// Event is a streamed event.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Pointer plane payloads

// SetCursorRequest carries a rendered cursor image to the shim. The
// shim re-hashes the PNG and rejects the frame on checksum mismatch.
type SetCursorRequest struct {
	PNG      []byte  `json:"png"`
	Checksum string  `json:"checksum"` // hex BLAKE2b-256 of PNG
	HotSpotX int     `json:"hot_spot_x"`
	HotSpotY int     `json:"hot_spot_y"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Scale    float64 `json:"scale"`
}

// SetCursorResponse acknowledges a cursor update.
type SetCursorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RestoreCursorRequest asks the shim to restore the system cursor.
type RestoreCursorRequest struct{}

// ShimVersionRequest exchanges versions before the first data call.
type ShimVersionRequest struct {
	DaemonVersion   string `json:"daemon_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// ShimVersionResponse reports the shim's version and backend.
type ShimVersionResponse struct {
	Version         string `json:"version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	Backend         string `json:"backend,omitempty"`
}

// ShimShutdownRequest asks the shim to restore the cursor and exit.
type ShimShutdownRequest struct{}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
