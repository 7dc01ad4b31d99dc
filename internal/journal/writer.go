package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const insertEvent = `
	INSERT INTO realtime_events (id, kind, type, payload, occurred_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING
`

// Writer buffers events and writes them to realtime_events in batches.
type Writer struct {
	cfg    WriterConfig
	logger *slog.Logger
	db     BatchSender

	input *Buffer[Event]
	kick  chan struct{} // Signals a full batch

	flushMu sync.Mutex // Serializes flushes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricsMu sync.Mutex
	metrics   WriterMetrics
}

// NewWriter creates a Writer. A nil db makes flushes discard events, which
// keeps the pipeline usable without a database.
func NewWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  NewBuffer[Event](cfg.BufferSize, cfg.MaxBufferSize),
		kick:   make(chan struct{}, 1),
		ctx:    context.Background(),
	}
}

// Record queues an event. It never blocks and returns false if the event
// was dropped.
func (w *Writer) Record(ev Event) bool {
	if !w.input.Push(ev) {
		w.metricsMu.Lock()
		w.metrics.Dropped++
		w.metricsMu.Unlock()
		return false
	}
	if w.input.Len() >= w.cfg.BatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// Start begins periodic flushing.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still buffered.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	w.input.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("journal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Final flush uses the caller's context since ours is cancelled.
	for w.input.Len() > 0 {
		if err := w.flushWith(ctx); err != nil {
			return fmt.Errorf("final flush: %w", err)
		}
	}
	return nil
}

// Stats returns current metrics, including buffer occupancy.
func (w *Writer) Stats() WriterMetrics {
	buf := w.input.Stats()

	w.metricsMu.Lock()
	m := w.metrics
	w.metricsMu.Unlock()

	m.Buffered = buf.Count
	m.BufferCapacity = buf.Capacity
	return m
}

// Flush writes one batch synchronously.
func (w *Writer) Flush(ctx context.Context) error {
	return w.flushWith(ctx)
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushAll()
		case <-w.kick:
			w.flushAll()
		}
	}
}

// flushAll writes batches until the buffer is empty or a write fails.
func (w *Writer) flushAll() {
	for w.input.Len() > 0 {
		if err := w.flushWith(w.ctx); err != nil {
			return
		}
	}
}

func (w *Writer) flushWith(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	events := w.input.Drain(w.cfg.BatchSize)
	if len(events) == 0 {
		return nil
	}

	if w.db == nil {
		return nil
	}

	rows := make([]row, len(events))
	for i, ev := range events {
		rows[i] = transform(ev)
	}

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, rows)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.metricsMu.Lock()
		w.metrics.Errors++
		w.metricsMu.Unlock()
		return err
	}

	w.metricsMu.Lock()
	w.metrics.Inserts += int64(len(rows) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.metricsMu.Unlock()

	w.logger.Debug("flushed journal events",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// transform converts an Event to its row form.
func transform(ev Event) row {
	r := row{
		ID:         ev.ID,
		Kind:       string(ev.Kind),
		Type:       ev.Type,
		OccurredAt: ev.OccurredAt.UnixMicro(),
	}
	if len(ev.Payload) > 0 {
		r.Payload = ev.Payload
	}
	return r
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.ID, r.Kind, r.Type, r.Payload, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
