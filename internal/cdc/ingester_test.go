package cdc

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bryonbaker/s3gc/internal/metrics"
	"github.com/bryonbaker/s3gc/internal/registry"
)

func testIngesterMetrics() (*metrics.Metrics, *metrics.HealthChecks) {
	return metrics.NewMetrics(prometheus.NewRegistry()), metrics.NewHealthChecks()
}

func newTestIngesterRegistry(t *testing.T) *registry.SQLiteRegistry {
	t.Helper()
	reg, err := registry.NewSQLiteRegistry(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestIngesterAppliesDecodedDeltasAndAcksCursor(t *testing.T) {
	reg := newTestIngesterRegistry(t)
	src := NewMemorySource([]RawEvent{
		{Table: "users", Op: OpInsert, New: map[string]string{"avatar_url": "avatars/1.png"}, Cursor: "1"},
		{Table: "users", Op: OpInsert, New: map[string]string{"avatar_url": "avatars/2.png"}, Cursor: "2"},
	})

	m, health := testIngesterMetrics()
	ing := NewIngester("postgres", src, reg, watchedCols, m, health, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ing.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		count, ok, err := reg.CountOf(context.Background(), "avatars/2.png")
		return err == nil && ok && count == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	cp, ok, err := reg.Checkpoint(context.Background(), "postgres")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", cp.Cursor)

	require.NotEmpty(t, src.Acked())
}

func TestIngesterDecodesInsertAndUpdate(t *testing.T) {
	reg := newTestIngesterRegistry(t)
	src := NewMemorySource([]RawEvent{
		{Table: "documents", Op: OpInsert, New: map[string]string{"attachment_key": "docs/a.pdf"}, Cursor: "1"},
		{Table: "documents", Op: OpUpdate,
			Old: map[string]string{"attachment_key": "docs/a.pdf"},
			New: map[string]string{"attachment_key": "docs/b.pdf"},
			Cursor: "2",
		},
	})

	m, health := testIngesterMetrics()
	ing := NewIngester("postgres", src, reg, watchedCols, m, health, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ing.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		oldCount, ok1, err1 := reg.CountOf(context.Background(), "docs/a.pdf")
		newCount, ok2, err2 := reg.CountOf(context.Background(), "docs/b.pdf")
		return err1 == nil && err2 == nil && ok1 && ok2 && oldCount == 0 && newCount == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestIngesterLogsSwallowedRegistryUnderflow(t *testing.T) {
	reg := newTestIngesterRegistry(t)
	src := NewMemorySource([]RawEvent{
		{Table: "users", Op: OpDelete, Old: map[string]string{"avatar_url": "avatars/ghost.png"}, Cursor: "1"},
	})

	core, logs := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	m, health := testIngesterMetrics()
	ing := NewIngester("postgres", src, reg, watchedCols, m, health, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ing.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		count, ok, err := reg.CountOf(context.Background(), "avatars/ghost.png")
		return err == nil && ok && count == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	entries := logs.FilterMessage("registry underflow swallowed, already-applied duplicate assumed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assertFieldEquals(t, entries[0], "key", "avatars/ghost.png")
}

func assertFieldEquals(t *testing.T, entry observer.LoggedEntry, key, want string) {
	t.Helper()
	for _, f := range entry.Context {
		if f.Key == key {
			require.Equal(t, want, f.String)
			return
		}
	}
	t.Fatalf("field %q not found in log entry", key)
}

func TestDecodeDeltasDoesNotMutateRawEventFields(t *testing.T) {
	ev := RawEvent{Table: "users", Op: OpInsert, New: map[string]string{"avatar_url": "x"}}
	before := ev.New["avatar_url"]
	_ = decodeDeltas(ev, watchedCols)
	require.Equal(t, before, ev.New["avatar_url"])
}
