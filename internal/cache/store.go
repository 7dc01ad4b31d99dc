// Package cache holds query results keyed by name and tracks which of them
// the server has made stale.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the current value for a key.
type FetchFunc func(ctx context.Context) (any, error)

// Stats contains cache statistics.
type Stats struct {
	Entries       int
	Hits          int64
	Fetches       int64
	FetchErrors   int64
	Invalidations int64
}

type entry struct {
	value     any
	fetchedAt time.Time
	stale     bool
	gen       uint64 // Bumped by every Invalidate
}

// Store is an in-memory query cache. Invalidate marks an entry stale without
// dropping its value; the next Get refetches it.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	maxAge       time.Duration
	onInvalidate func(key string)
	now          func() time.Time
	logger       *slog.Logger

	hits          int64
	fetches       int64
	fetchErrors   int64
	invalidations int64
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge makes entries stale once older than d. Zero disables expiry.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		s.maxAge = d
	}
}

// WithOnInvalidate registers a hook called after every Invalidate.
func WithOnInvalidate(fn func(key string)) Option {
	return func(s *Store) {
		s.onInvalidate = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty Store.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Invalidate marks key stale. Invalidating a key that was never fetched
// still records the mark so a fetch already in flight is not trusted.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.stale = true
	e.gen++
	s.invalidations++
	hook := s.onInvalidate
	s.mu.Unlock()

	// A later Get must not join a fetch that started before the invalidation.
	s.group.Forget(key)

	s.logger.Debug("cache invalidated", "key", key)

	if hook != nil {
		hook(key)
	}
}

// IsStale reports whether key is missing, invalidated or expired.
func (s *Store) IsStale(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleLocked(s.entries[key])
}

// Peek returns the cached value regardless of staleness.
func (s *Store) Peek(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.fetchedAt.IsZero() {
		return nil, false
	}
	return e.value, true
}

// Get returns the cached value for key, calling fetch when it is stale.
// Concurrent Gets for the same key share one fetch.
func (s *Store) Get(ctx context.Context, key string, fetch FetchFunc) (any, error) {
	s.mu.Lock()
	if e := s.entries[key]; !s.staleLocked(e) {
		s.hits++
		v := e.value
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.refresh(ctx, key, fetch)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	return v, nil
}

// Stats returns current statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:       len(s.entries),
		Hits:          s.hits,
		Fetches:       s.fetches,
		FetchErrors:   s.fetchErrors,
		Invalidations: s.invalidations,
	}
}

func (s *Store) refresh(ctx context.Context, key string, fetch FetchFunc) (any, error) {
	s.mu.Lock()
	var gen uint64
	if e, ok := s.entries[key]; ok {
		gen = e.gen
	}
	s.fetches++
	s.mu.Unlock()

	v, err := fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.fetchErrors++
		return nil, err
	}

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.value = v
	e.fetchedAt = s.now()
	// An invalidation that landed mid-fetch keeps the entry stale.
	e.stale = e.gen != gen

	return v, nil
}

// staleLocked must be called with mu held.
func (s *Store) staleLocked(e *entry) bool {
	if e == nil || e.stale || e.fetchedAt.IsZero() {
		return true
	}
	if s.maxAge > 0 && s.now().Sub(e.fetchedAt) > s.maxAge {
		return true
	}
	return false
}
