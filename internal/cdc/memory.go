package cdc

import (
	"context"
	"sync"
)

// MemorySource is an in-process, channel-backed Source used by tests and by
// any deployment that feeds CDC events from an in-process producer instead
// of a live replication stream.
type MemorySource struct {
	mu       sync.Mutex
	events   []RawEvent
	acked    []string
	closed   bool
	closedCh chan struct{}
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource builds a MemorySource pre-loaded with events. Run replays
// them in order, then blocks until ctx is cancelled or Close is called.
func NewMemorySource(events []RawEvent) *MemorySource {
	return &MemorySource{events: events, closedCh: make(chan struct{})}
}

func (m *MemorySource) Run(ctx context.Context, startCursor string, out chan<- RawEvent) error {
	resumed := startCursor == ""
	for _, ev := range m.events {
		if !resumed {
			if ev.Cursor == startCursor {
				resumed = true
			}
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		case <-m.closedCh:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-m.closedCh:
		return nil
	}
}

func (m *MemorySource) Ack(ctx context.Context, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, cursor)
	return nil
}

// Acked returns the cursors passed to Ack, in call order, for test
// assertions.
func (m *MemorySource) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.acked))
	copy(out, m.acked)
	return out
}

func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}
