// Package realtime wires the connection manager, router and subscription
// registry into one session-scoped service. Build a Service after sign-in and
// Close it on sign-out.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rickgao/tandem-realtime/internal/connection"
	"github.com/rickgao/tandem-realtime/internal/journal"
	"github.com/rickgao/tandem-realtime/internal/router"
	"github.com/rickgao/tandem-realtime/internal/subscription"
)

// EventConnectivityLost is emitted once the reconnect budget is exhausted.
// The Message carries no payload.
const EventConnectivityLost = "connectivity_lost"

// Recorder persists journal events. *journal.Writer implements it.
type Recorder interface {
	Record(ev journal.Event) bool
}

// Listener receives decoded messages for one event name.
type Listener = subscription.Listener[router.Message]

// Stats aggregates statistics from every stage.
type Stats struct {
	Connection connection.ManagerStats
	Router     router.RouterStats
}

// Option configures a Service.
type Option func(*options)

type options struct {
	cache       router.CacheInvalidator
	notifier    router.NotificationScheduler
	recorder    Recorder
	sink        subscription.ErrorSink
	onState     func(connection.StateChange)
	connOptions []connection.Option
}

// WithCache sets the query cache the router invalidates.
func WithCache(c router.CacheInvalidator) Option {
	return func(o *options) {
		o.cache = c
	}
}

// WithNotifier sets the notification scheduler.
func WithNotifier(n router.NotificationScheduler) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithRecorder journals dispatched messages and state transitions.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithErrorSink receives listener failures instead of the default log line.
func WithErrorSink(sink subscription.ErrorSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithStateListener observes connection state transitions. It runs outside
// the manager lock and must not block.
func WithStateListener(f func(connection.StateChange)) Option {
	return func(o *options) {
		o.onState = f
	}
}

// WithConnectionOptions passes options through to the connection manager.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(o *options) {
		o.connOptions = append(o.connOptions, opts...)
	}
}

// Service is the realtime surface the app talks to.
type Service struct {
	manager   connection.Manager
	router    router.Router
	registry  *subscription.Registry[router.Message]
	recorder  Recorder
	stateHook func(connection.StateChange)
	logger    *slog.Logger

	closed atomic.Bool
}

// New builds a Service in StateIdle. Nothing is dialed until Connect.
func New(cfg connection.ManagerConfig, tokens connection.TokenProvider, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		registry:  subscription.New[router.Message](o.sink, logger.With("component", "subscriptions")),
		recorder:  o.recorder,
		stateHook: o.onState,
		logger:    logger,
	}

	s.router = router.NewRouter(o.cache, o.notifier, emitter{s}, logger.With("component", "router"))

	connOpts := append([]connection.Option{}, o.connOptions...)
	connOpts = append(connOpts,
		connection.WithStateListener(s.onState),
		connection.WithConnectivityLost(s.onConnectivityLost),
	)
	s.manager = connection.NewManager(cfg, tokens, s.router, logger.With("component", "connection"), connOpts...)

	return s
}

// On registers listener for event and returns its handle for Off.
func (s *Service) On(event string, listener Listener) subscription.Subscription {
	return s.registry.On(event, listener)
}

// Off removes a registration. Unknown handles are ignored.
func (s *Service) Off(sub subscription.Subscription) {
	s.registry.Off(sub)
}

// Send writes a {"type","data"} frame when the socket is Open and silently
// drops it otherwise, including after Close.
func (s *Service) Send(msgType string, data any) error {
	return s.manager.Send(msgType, data)
}

// Connect opens the socket. It is a no-op after Close.
func (s *Service) Connect() {
	if s.closed.Load() {
		return
	}
	s.manager.Connect()
}

// Disconnect closes the socket and stops reconnecting. Listeners are kept,
// and a later Connect starts over.
func (s *Service) Disconnect() {
	s.manager.Disconnect()
}

// Close disconnects and drops every listener. The Service is unusable
// afterwards.
func (s *Service) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.manager.Disconnect()
	s.registry.Clear()
}

// State returns the connection state.
func (s *Service) State() connection.State {
	return s.manager.State()
}

// Stats returns statistics from the connection and router.
func (s *Service) Stats() Stats {
	return Stats{
		Connection: s.manager.Stats(),
		Router:     s.router.Stats(),
	}
}

func (s *Service) onState(c connection.StateChange) {
	attrs := []any{"from", c.From, "to", c.To}
	if c.Terminal {
		attrs = append(attrs, "terminal", true)
	}
	if c.Err != nil {
		attrs = append(attrs, "error", c.Err)
	}
	s.logger.Debug("connection state changed", attrs...)

	if s.recorder != nil {
		s.recorder.Record(journal.NewEvent(journal.KindState, c.To.String(), nil, time.Now()))
	}
	if s.stateHook != nil {
		s.stateHook(c)
	}
}

func (s *Service) onConnectivityLost() {
	s.logger.Warn("realtime connectivity lost, giving up until next connect")
	s.registry.Emit(EventConnectivityLost, router.Message{
		Type:       router.MessageType(EventConnectivityLost),
		ReceivedAt: time.Now(),
	})
}

// emitter journals a dispatched message before fanning it out.
type emitter struct {
	s *Service
}

func (e emitter) Emit(event string, msg router.Message) int {
	if e.s.recorder != nil {
		var payload json.RawMessage
		if len(msg.Data) > 0 && json.Valid(msg.Data) {
			payload = msg.Data
		}
		e.s.recorder.Record(journal.NewEvent(journal.KindMessage, event, payload, msg.ReceivedAt))
	}
	return e.s.registry.Emit(event, msg)
}
