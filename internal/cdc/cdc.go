// Package cdc implements the change-data-capture ingester (C4): it turns
// database row events on the watched (table, column) pairs into ordered
// registry deltas, batches them, and hands them to the reference registry.
package cdc

import "context"

// Op identifies the kind of row mutation a RawEvent carries.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RawEvent is a single row mutation read off a replication stream, already
// filtered to a watched table but not yet decoded into deltas.
type RawEvent struct {
	Table  string
	Op     Op
	Old    map[string]string
	New    map[string]string
	Cursor string
}

// Source streams RawEvents from a backend-specific replication feed.
//
// Run blocks, sending events to out, until ctx is cancelled or the
// connection is lost; it returns nil on clean shutdown and a non-nil error
// on anything that should trigger a reconnect with backoff. startCursor is
// the last durably-applied checkpoint; a Source resumes from it, or from
// the current end of the stream when startCursor is empty.
type Source interface {
	Run(ctx context.Context, startCursor string, out chan<- RawEvent) error

	// Ack commits cursor as durably processed, releasing upstream
	// resources (WAL on Postgres; a no-op on MySQL; the in-memory source
	// only records the cursor).
	Ack(ctx context.Context, cursor string) error

	Close() error
}
