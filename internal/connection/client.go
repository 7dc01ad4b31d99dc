package connection

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one WebSocket connection attempt. A Client is never reused:
// after Close or a reported error the Manager builds a fresh one.
type Client interface {
	// Connect dials the server. It returns once the handshake completes.
	Connect(ctx context.Context) error

	// Close sends a normal closure frame and tears the socket down. It is
	// safe to call more than once.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages yields inbound frames stamped with their local receive time.
	Messages() <-chan TimestampedMessage

	// Errors yields at most one error, after which the client is dead.
	Errors() <-chan error

	// IsConnected reports whether the socket is usable.
	IsConnected() bool
}

// ClientFactory builds a Client for one connection attempt.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	messages chan TimestampedMessage
	errors   chan error

	// stop is closed by Close; goroutines select on it to exit.
	stop      chan struct{}
	closeOnce sync.Once
	closing   atomic.Bool

	mu   sync.Mutex // guards conn
	conn *websocket.Conn
	up   atomic.Bool

	// gorilla allows one concurrent writer, control frames included.
	writeMu sync.Mutex
}

// NewClient returns an unconnected gorilla/websocket Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		stop:     make(chan struct{}),
	}
}

func (c *client) Connect(ctx context.Context) error {
	if c.closing.Load() {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.mu.Unlock()

	// A pong or any data frame proves the peer is alive and pushes the
	// read deadline out. Server pings are answered by gorilla's default
	// ping handler.
	c.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline(conn)
		return nil
	})

	c.up.Store(true)
	go c.readLoop(conn)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn)
	}

	c.logger.Debug("websocket connected", "host", hostOf(c.cfg.URL))
	return nil
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.up.Store(false)
		close(c.stop)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = conn.Close()
	})
	return err
}

func (c *client) Send(data []byte) error {
	if !c.up.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage { return c.messages }

func (c *client) Errors() <-chan error { return c.errors }

func (c *client) IsConnected() bool { return c.up.Load() }

func (c *client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.up.Store(false)
			if !c.closing.Load() {
				c.fail(c.classify(err))
			}
			return
		}
		c.extendReadDeadline(conn)

		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: time.Now()}:
		case <-c.stop:
			return
		}
	}
}

// pingLoop keeps intermediaries from idling the socket out and provokes
// the pongs that extend the read deadline.
func (c *client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout()))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("ping failed", "error", err)
		}
	}
}

func (c *client) extendReadDeadline(conn *websocket.Conn) {
	if c.cfg.PingTimeout <= 0 {
		return
	}
	conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
}

// classify maps a read-deadline expiry onto ErrStaleConnection.
func (c *client) classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.logger.Warn("no traffic from server, connection stale", "timeout", c.cfg.PingTimeout)
		return ErrStaleConnection
	}
	return err
}

func (c *client) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return time.Second
}

// fail reports the first terminal error; later ones are dropped.
func (c *client) fail(err error) {
	select {
	case c.errors <- err:
	default:
	}
}
