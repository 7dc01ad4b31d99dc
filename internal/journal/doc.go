// Package journal persists realtime events to the realtime_events table.
//
// Events are queued in a bounded in-memory buffer and written in batches with
// pgx.Batch. Rows are append-only and keyed by a random UUID, so a retried
// batch never duplicates an event. When the buffer is full new events are
// dropped and counted rather than blocking the dispatch path.
package journal
