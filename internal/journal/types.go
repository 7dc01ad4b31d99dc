package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Kind classifies a journal event.
type Kind string

const (
	KindMessage Kind = "message" // Inbound frame that was dispatched
	KindState   Kind = "state"   // Connection state transition
)

// Event is one row of the realtime_events table.
type Event struct {
	ID         uuid.UUID
	Kind       Kind
	Type       string          // Message type, or the new state for KindState
	Payload    json.RawMessage // Optional
	OccurredAt time.Time
}

// NewEvent stamps an event with a fresh ID.
func NewEvent(kind Kind, typ string, payload json.RawMessage, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		Type:       typ,
		Payload:    payload,
		OccurredAt: at,
	}
}

// BatchSender is the subset of *pgxpool.Pool the writer uses.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// WriterConfig holds batch writer configuration.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int // Initial buffer capacity
	MaxBufferSize int // Events beyond this are dropped
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    256,
		MaxBufferSize: 8192,
	}
}

// WriterMetrics contains writer statistics.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64

	Buffered       int // Events waiting for the next flush
	BufferCapacity int
}

// row is the database form of an Event.
type row struct {
	ID         uuid.UUID
	Kind       string
	Type       string
	Payload    []byte // NULL when empty
	OccurredAt int64  // Microseconds since epoch
}
