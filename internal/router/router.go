package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rickgao/tandem-realtime/internal/connection"
)

// CacheInvalidator marks a cached query stale.
type CacheInvalidator interface {
	Invalidate(key string)
}

// NotificationScheduler schedules a local notification for immediate display.
type NotificationScheduler interface {
	Schedule(ctx context.Context, title, body string) error
}

// Emitter fans a decoded message out to listeners registered for its type.
// It returns the number of listeners that failed.
type Emitter interface {
	Emit(event string, msg Message) int
}

// Router decodes inbound frames and applies the side effects for each
// message type before notifying listeners.
type Router interface {
	connection.FrameHandler

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cache    CacheInvalidator
	notifier NotificationScheduler
	emitter  Emitter
	logger   *slog.Logger

	mu              sync.RWMutex
	received        int64
	dispatched      int64
	parseErrors     int64
	unknownMessages int64
	notifyErrors    int64
	listenerErrors  int64
}

// NewRouter creates a Router. Nil cache or notifier disables that side effect.
func NewRouter(cache CacheInvalidator, notifier NotificationScheduler, emitter Emitter, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &router{
		cache:    cache,
		notifier: notifier,
		emitter:  emitter,
		logger:   logger,
	}
}

// HandleFrame decodes and dispatches one frame. Malformed and unknown frames
// are logged and counted, never propagated.
func (r *router) HandleFrame(raw connection.RawMessage) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	msg, err := Decode(raw.Data)
	if err != nil {
		r.mu.Lock()
		if errors.Is(err, ErrUnknownType) {
			r.unknownMessages++
		} else {
			r.parseErrors++
		}
		r.mu.Unlock()

		if errors.Is(err, ErrUnknownType) {
			r.logger.Debug("ignoring message", "error", err)
		} else {
			r.logger.Warn("failed to decode message", "error", err)
		}
		return
	}
	msg.ReceivedAt = raw.ReceivedAt

	r.dispatch(msg)
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		MessagesReceived:   r.received,
		MessagesDispatched: r.dispatched,
		ParseErrors:        r.parseErrors,
		UnknownMessages:    r.unknownMessages,
		NotifyErrors:       r.notifyErrors,
		ListenerErrors:     r.listenerErrors,
	}
}

// dispatch runs invalidate, then notify, then emit.
func (r *router) dispatch(msg Message) {
	switch p := msg.Payload.(type) {
	case TaskUpdated:
		r.invalidate(CacheKeyTasks)
	case TaskCreated:
		r.invalidate(CacheKeyTasks)
		r.notify(TitleNewTask, p.Title)
	case NudgeSent:
		r.invalidate(CacheKeyNotifications)
		body := p.Message
		if body == "" {
			body = DefaultNudgeBody
		}
		r.notify(TitleNudge, body)
	case NotificationPayload:
		r.invalidate(CacheKeyNotifications)
		r.notify(p.Title, p.Message)
	}

	failed := 0
	if r.emitter != nil {
		failed = r.emitter.Emit(string(msg.Type), msg)
	}

	r.mu.Lock()
	r.dispatched++
	r.listenerErrors += int64(failed)
	r.mu.Unlock()
}

func (r *router) invalidate(key string) {
	if r.cache == nil {
		return
	}
	r.cache.Invalidate(key)
}

func (r *router) notify(title, body string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Schedule(context.Background(), title, body); err != nil {
		r.logger.Warn("failed to schedule notification", "title", title, "error", err)
		r.mu.Lock()
		r.notifyErrors++
		r.mu.Unlock()
	}
}
