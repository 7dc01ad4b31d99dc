// Package subscription implements an ordered, in-process publish/subscribe
// registry keyed by event name.
package subscription

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Listener handles one emitted value. A returned error (or a panic) is
// reported to the registry's ErrorSink and does not stop later listeners.
type Listener[T any] func(T) error

// ErrorSink receives listener failures.
type ErrorSink func(event string, sub Subscription, err error)

// Subscription identifies one registration. Registering the same function
// twice yields two distinct subscriptions, and both fire.
type Subscription struct {
	ID    uuid.UUID
	Event string
}

type entry[T any] struct {
	sub      Subscription
	listener Listener[T]
}

// Registry maps event names to ordered listener lists.
type Registry[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]entry[T]
	sink      ErrorSink
	logger    *slog.Logger
}

// New creates a Registry. A nil sink logs failures instead.
func New[T any](sink ErrorSink, logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry[T]{
		listeners: make(map[string][]entry[T]),
		logger:    logger,
	}
	if sink == nil {
		sink = r.logFailure
	}
	r.sink = sink
	return r
}

// On appends listener to event's list.
func (r *Registry[T]) On(event string, listener Listener[T]) Subscription {
	sub := Subscription{ID: uuid.New(), Event: event}

	r.mu.Lock()
	r.listeners[event] = append(r.listeners[event], entry[T]{sub: sub, listener: listener})
	r.mu.Unlock()

	return sub
}

// Off removes sub. It is a no-op if sub is not registered.
func (r *Registry[T]) Off(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.listeners[sub.Event]
	for i, e := range list {
		if e.sub.ID != sub.ID {
			continue
		}
		// Copy so in-flight Emit snapshots are unaffected.
		next := make([]entry[T], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, sub.Event)
		} else {
			r.listeners[sub.Event] = next
		}
		return
	}
}

// Emit invokes every listener for event in registration order and returns
// the number of listeners that failed.
func (r *Registry[T]) Emit(event string, value T) int {
	r.mu.RLock()
	list := r.listeners[event]
	r.mu.RUnlock()

	failed := 0
	for _, e := range list {
		if err := r.invoke(e, value); err != nil {
			failed++
			r.sink(event, e.sub, err)
		}
	}
	return failed
}

// Len returns the number of listeners registered for event.
func (r *Registry[T]) Len(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[event])
}

// Clear drops every subscription.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	r.listeners = make(map[string][]entry[T])
	r.mu.Unlock()
}

func (r *Registry[T]) invoke(e entry[T], value T) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()
	return e.listener(value)
}

func (r *Registry[T]) logFailure(event string, sub Subscription, err error) {
	r.logger.Error("listener failed",
		"event", event,
		"subscription", sub.ID,
		"error", err,
	)
}
