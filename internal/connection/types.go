package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (read deadline exceeded)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a frame handed from the Manager to its FrameHandler.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// FrameHandler consumes inbound frames. HandleFrame is called from a single
// goroutine per live connection, in receive order.
type FrameHandler interface {
	HandleFrame(msg RawMessage)
}

// FrameHandlerFunc is a function adapter for FrameHandler.
type FrameHandlerFunc func(RawMessage)

func (f FrameHandlerFunc) HandleFrame(msg RawMessage) {
	f(msg)
}

// TokenProvider supplies the current session token. ok is false when no
// session exists yet; this is not an error.
type TokenProvider interface {
	Token() (token string, ok bool)
}

// Envelope is the outbound wire frame.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // Full URL including ?token=
	HandshakeTimeout time.Duration // Dial handshake timeout
	PingInterval     time.Duration // How often we ping the server (0 = never)
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Host                 string        // Server host, e.g. "localhost:3000"
	Secure               bool          // wss when true, ws otherwise
	Path                 string        // WebSocket path (default "/ws")
	ReconnectBaseDelay   time.Duration // Delay before the first reconnect attempt
	ReconnectMaxDelay    time.Duration // Cap on a single delay (0 = uncapped)
	MaxReconnectAttempts int           // Automatic attempts before giving up
	Client               ClientConfig  // Per-connection transport settings
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Path:                 "/ws",
		ReconnectBaseDelay:   1 * time.Second,
		MaxReconnectAttempts: 5,
		Client:               DefaultClientConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State            State
	Attempts         int
	ReconnectPending bool
	Terminal         bool
	FramesReceived   int64
	SendsWritten     int64
	SendsDropped     int64
}
