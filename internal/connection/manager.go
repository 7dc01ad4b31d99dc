package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Manager owns the realtime socket lifecycle and its reconnect policy.
type Manager interface {
	// Connect opens the socket if it is not already Connecting or Open.
	// It never blocks on I/O; the dial happens in the background.
	Connect()

	// Disconnect cancels any pending reconnect, closes the live socket and
	// leaves the manager in terminal Closed.
	Disconnect()

	// Send writes a {"type","data"} frame when Open. When not Open the
	// message is dropped and Send returns nil.
	Send(msgType string, data any) error

	// State returns the current lifecycle state.
	State() State

	// Stats returns current connection statistics.
	Stats() ManagerStats
}

// ScheduleFunc runs f after d and returns a function that cancels it.
// cancel reports whether f was prevented from running.
type ScheduleFunc func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Manager.
type Option func(*manager)

// WithClientFactory overrides how a Client is built for each attempt.
func WithClientFactory(f ClientFactory) Option {
	return func(m *manager) {
		m.newClient = f
	}
}

// WithScheduler overrides the reconnect timer.
func WithScheduler(f ScheduleFunc) Option {
	return func(m *manager) {
		m.schedule = f
	}
}

// WithStateListener registers a callback for every state transition.
// It runs outside the manager lock and must not block.
func WithStateListener(f func(StateChange)) Option {
	return func(m *manager) {
		m.onState = f
	}
}

// WithConnectivityLost registers a callback fired when the reconnect budget
// is exhausted.
func WithConnectivityLost(f func()) Option {
	return func(m *manager) {
		m.onLost = f
	}
}

// liveConn is the socket owned by the manager for one attempt.
type liveConn struct {
	client Client
	ctx    context.Context
	cancel context.CancelFunc // aborts an in-flight dial
	stop   chan struct{}      // stops the pump
}

// pendingReconnect is the cancellable scheduled reconnect.
type pendingReconnect struct {
	cancel func() bool
}

// effects are collected under the lock and applied after it is released.
type effects struct {
	changes []StateChange
	lost    bool
	dial    *liveConn
	pump    *liveConn
}

// manager implements the Manager interface.
type manager struct {
	cfg     ManagerConfig
	tokens  TokenProvider
	handler FrameHandler
	logger  *slog.Logger

	newClient ClientFactory
	schedule  ScheduleFunc
	onState   func(StateChange)
	onLost    func()

	// Guarded by mu
	mu       sync.RWMutex
	state    State
	terminal bool
	attempts int
	backoff  *backoff.ExponentialBackOff
	conn     *liveConn
	pending  *pendingReconnect

	// Effects in transition order. One goroutine at a time delivers them.
	queue      []effects
	delivering bool

	// Stats
	framesReceived atomic.Int64
	sendsWritten   atomic.Int64
	sendsDropped   atomic.Int64
}

// NewManager creates a new Connection Manager in StateIdle.
func NewManager(cfg ManagerConfig, tokens TokenProvider, handler FrameHandler, logger *slog.Logger, opts ...Option) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = DefaultManagerConfig().ReconnectBaseDelay
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}

	m := &manager{
		cfg:       cfg,
		tokens:    tokens,
		handler:   handler,
		logger:    logger,
		newClient: NewClient,
		schedule:  afterFunc,
		state:     StateIdle,
		backoff:   newBackOff(cfg),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// newBackOff yields base, 2*base, 4*base, ... with no jitter.
func newBackOff(cfg ManagerConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = cfg.ReconnectMaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Reset()
	return b
}

// Connect opens the socket.
func (m *manager) Connect() {
	m.mu.Lock()
	m.enqueueLocked(m.connectLocked(true))
	m.mu.Unlock()

	m.flush()
}

// Disconnect tears the connection down for good.
func (m *manager) Disconnect() {
	var fx effects

	m.mu.Lock()
	m.cancelPendingLocked()

	live := m.conn
	m.conn = nil

	if m.state == StateOpen || m.state == StateConnecting {
		m.transitionLocked(&fx, StateClosing, false, nil)
	}
	m.transitionLocked(&fx, StateClosed, true, nil)
	m.enqueueLocked(fx)
	m.mu.Unlock()

	if live != nil {
		live.cancel()
		close(live.stop)
		if err := live.client.Close(); err != nil {
			m.logger.Debug("close failed", "error", err)
		}
		m.logger.Info("realtime disconnected")
	}

	m.flush()
}

// Send writes a frame if Open. The write happens outside the lock; the
// client serializes concurrent writers.
func (m *manager) Send(msgType string, data any) error {
	m.mu.RLock()
	live, state := m.conn, m.state
	m.mu.RUnlock()

	if state != StateOpen || live == nil || !live.client.IsConnected() {
		m.dropSend(msgType, state)
		return nil
	}

	payload, err := json.Marshal(Envelope{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	if err := live.client.Send(payload); err != nil {
		// The socket went away between the check and the write.
		if m.superseded(live) {
			m.dropSend(msgType, m.State())
			return nil
		}
		return fmt.Errorf("send %s: %w", msgType, err)
	}

	m.sendsWritten.Add(1)
	return nil
}

func (m *manager) dropSend(msgType string, state State) {
	m.sendsDropped.Add(1)
	m.logger.Debug("dropping outbound message, socket not open",
		"type", msgType,
		"state", state,
	)
}

// superseded reports whether live is no longer the manager's open socket.
func (m *manager) superseded(live *liveConn) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != live || m.state != StateOpen
}

// State returns the current state.
func (m *manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		State:            m.state,
		Attempts:         m.attempts,
		ReconnectPending: m.pending != nil,
		Terminal:         m.terminal,
		FramesReceived:   m.framesReceived.Load(),
		SendsWritten:     m.sendsWritten.Load(),
		SendsDropped:     m.sendsDropped.Load(),
	}
}

// connectLocked starts an attempt. manual is false for timer-driven attempts.
func (m *manager) connectLocked(manual bool) effects {
	var fx effects

	if m.state == StateConnecting || m.state == StateOpen {
		return fx
	}

	if manual {
		m.cancelPendingLocked()
		if m.terminal || m.state == StateIdle {
			m.attempts = 0
			m.backoff.Reset()
		}
	}

	token, ok := "", false
	if m.tokens != nil {
		token, ok = m.tokens.Token()
	}
	if !ok || token == "" {
		m.logger.Debug("no session token, staying idle")
		m.cancelPendingLocked()
		m.transitionLocked(&fx, StateIdle, false, nil)
		return fx
	}

	m.transitionLocked(&fx, StateConnecting, false, nil)

	cfg := m.cfg.Client
	cfg.URL = BuildURL(m.cfg, token)

	ctx, cancel := context.WithCancel(context.Background())
	live := &liveConn{
		client: m.newClient(cfg, m.logger),
		ctx:    ctx,
		cancel: cancel,
		stop:   make(chan struct{}),
	}
	m.conn = live
	fx.dial = live

	m.logger.Info("connecting realtime",
		"host", m.cfg.Host,
		"secure", m.cfg.Secure,
		"attempt", m.attempts,
	)

	return fx
}

// dial runs one connection attempt.
func (m *manager) dial(live *liveConn) {
	defer live.cancel()

	err := live.client.Connect(live.ctx)

	var fx effects

	m.mu.Lock()
	if m.conn != live {
		// Disconnect or a newer attempt took over.
		m.mu.Unlock()
		live.client.Close()
		return
	}

	if err != nil {
		m.logger.Warn("realtime connect failed", "error", err)
		m.dropLocked(&fx, err)
		m.enqueueLocked(fx)
		m.mu.Unlock()
		live.client.Close()
		m.flush()
		return
	}

	m.transitionLocked(&fx, StateOpen, false, nil)
	m.attempts = 0
	m.backoff.Reset()
	fx.pump = live
	m.enqueueLocked(fx)
	m.mu.Unlock()

	m.logger.Info("realtime connected", "host", m.cfg.Host)
	m.flush()
}

// pump hands inbound frames to the handler in order until the client fails
// or the manager stops it.
func (m *manager) pump(live *liveConn) {
	msgs := live.client.Messages()
	errs := live.client.Errors()

	for {
		select {
		case <-live.stop:
			return
		default:
		}

		select {
		case <-live.stop:
			return

		case msg := <-msgs:
			m.deliver(msg)

		case err := <-errs:
			// Frames read before the failure still get dispatched.
			m.drain(live, msgs)
			m.lost(live, err)
			return
		}
	}
}

func (m *manager) drain(live *liveConn, msgs <-chan TimestampedMessage) {
	for {
		select {
		case <-live.stop:
			return
		case msg := <-msgs:
			m.deliver(msg)
		default:
			return
		}
	}
}

func (m *manager) deliver(msg TimestampedMessage) {
	m.framesReceived.Add(1)
	if m.handler == nil {
		return
	}
	m.handler.HandleFrame(RawMessage{
		Data:       msg.Data,
		ReceivedAt: msg.ReceivedAt,
	})
}

// lost handles an unsolicited close of the live socket.
func (m *manager) lost(live *liveConn, err error) {
	var fx effects

	m.mu.Lock()
	if m.conn != live {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("realtime connection lost", "error", err)
	m.dropLocked(&fx, err)
	m.enqueueLocked(fx)
	m.mu.Unlock()

	live.client.Close()
	m.flush()
}

// dropLocked moves to Closed and either schedules a reconnect or gives up.
func (m *manager) dropLocked(fx *effects, err error) {
	if m.conn != nil {
		close(m.conn.stop)
		m.conn = nil
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.transitionLocked(fx, StateClosed, true, err)
		fx.lost = true
		m.logger.Warn("realtime reconnect attempts exhausted",
			"attempts", m.attempts,
			"max_attempts", m.cfg.MaxReconnectAttempts,
		)
		return
	}

	m.transitionLocked(fx, StateClosed, false, err)

	delay := m.backoff.NextBackOff()
	m.attempts++

	p := &pendingReconnect{}
	m.pending = p
	p.cancel = m.schedule(delay, func() { m.fireReconnect(p) })

	m.logger.Info("realtime reconnect scheduled",
		"attempt", m.attempts,
		"delay", delay,
	)
}

// fireReconnect is the timer callback. It is a no-op if p was cancelled.
func (m *manager) fireReconnect(p *pendingReconnect) {
	m.mu.Lock()
	if m.pending != p {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.enqueueLocked(m.connectLocked(false))
	m.mu.Unlock()

	m.flush()
}

func (m *manager) cancelPendingLocked() {
	if m.pending == nil {
		return
	}
	if m.pending.cancel != nil {
		m.pending.cancel()
	}
	m.pending = nil
}

// transitionLocked records a state change. Same-state transitions with an
// unchanged terminal flag are ignored.
func (m *manager) transitionLocked(fx *effects, to State, terminal bool, err error) {
	from := m.state
	if from == to && m.terminal == terminal {
		return
	}
	if !validTransition(from, to) {
		m.logger.Error("invalid state transition", "from", from, "to", to)
		return
	}

	m.state = to
	m.terminal = terminal
	fx.changes = append(fx.changes, StateChange{
		From:     from,
		To:       to,
		Terminal: terminal,
		Err:      err,
	})
}

func (m *manager) enqueueLocked(fx effects) {
	if len(fx.changes) == 0 && !fx.lost && fx.dial == nil && fx.pump == nil {
		return
	}
	m.queue = append(m.queue, fx)
}

// flush applies queued effects in the order they were recorded. If another
// goroutine is already delivering, including a listener re-entering the
// manager, flush returns and that goroutine delivers the rest.
func (m *manager) flush() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		fx := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.apply(fx)
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

// apply runs one batch of side effects. Listeners fire before any goroutine
// that could produce the next transition is started.
func (m *manager) apply(fx effects) {
	if m.onState != nil {
		for _, change := range fx.changes {
			m.onState(change)
		}
	}
	if fx.lost && m.onLost != nil {
		m.onLost()
	}
	if fx.pump != nil {
		go m.pump(fx.pump)
	}
	if fx.dial != nil {
		go m.dial(fx.dial)
	}
}
