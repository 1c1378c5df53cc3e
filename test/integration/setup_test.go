//go:build integration

// Package integration_test exercises the full orphan-detection and
// backup-then-delete pipeline end to end: a real SQLite registry and vault,
// a controllable in-memory object store and DB verifier stand-in, and the
// actual gc.Cycle / restore.Engine wiring used in production.
package integration_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bryonbaker/s3gc/internal/config"
	"github.com/bryonbaker/s3gc/internal/gc"
	"github.com/bryonbaker/s3gc/internal/metrics"
	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/bryonbaker/s3gc/internal/objectstore"
	"github.com/bryonbaker/s3gc/internal/registry"
	"github.com/bryonbaker/s3gc/internal/restore"
	"github.com/bryonbaker/s3gc/internal/vault"
)

// testEnv bundles the real registry, vault, and store used across a
// scenario, plus the cycle and restore engine built on top of them.
type testEnv struct {
	Cfg     *config.Config
	Reg     *registry.SQLiteRegistry
	Vault   *vault.SQLiteVault
	Store   *fakeStore
	Metrics *metrics.Metrics
	Cycle   *gc.Cycle
	Restore *restore.Engine
}

// setupTestEnv creates an in-memory SQLite registry and vault, a fake
// in-memory bucket, and a Cycle/Engine pair wired exactly as production
// wires them. verifier controls the DB re-verification gate's answer for
// each key; tests mutate it directly to simulate a live (or paused) CDC
// feed. The returned testEnv must be torn down via the cleanup function.
func setupTestEnv(t *testing.T, mode string, retentionDays int) (*testEnv, *fakeVerifier, func()) {
	t.Helper()

	logger := zap.NewNop()

	reg, err := registry.NewSQLiteRegistry(":memory:", logger)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}

	vlt, err := vault.NewSQLiteVault(":memory:", logger)
	if err != nil {
		t.Fatalf("failed to open vault: %v", err)
	}

	store := newFakeStore()
	v := &fakeVerifier{}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	cfg := &config.Config{
		Store: config.StoreConfig{Bucket: "integration-bucket"},
		GC: config.GCConfig{
			Mode:          mode,
			RetentionDays: retentionDays,
		},
		Vault:  config.VaultConfig{Path: t.TempDir()},
		Worker: config.WorkerConfig{Concurrency: 4},
	}

	env := &testEnv{
		Cfg:     cfg,
		Reg:     reg,
		Vault:   vlt,
		Store:   store,
		Metrics: m,
		Cycle:   gc.NewCycle(reg, vlt, v, store, cfg, m, logger),
		Restore: restore.NewEngine(vlt, store, logger),
	}

	cleanup := func() {
		reg.Close()
		vlt.Close()
	}

	return env, v, cleanup
}

// fakeVerifier lets a test declare which keys the source database still
// references, standing in for a live DB re-verification query.
type fakeVerifier struct {
	mu         sync.Mutex
	referenced map[string]bool
}

func (f *fakeVerifier) ExistsAnywhere(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.referenced[key], nil
}

func (f *fakeVerifier) Close() error { return nil }

func (f *fakeVerifier) setReferenced(key string, referenced bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.referenced == nil {
		f.referenced = make(map[string]bool)
	}
	f.referenced[key] = referenced
}

// fakeStore is an in-memory objectstore.Store, standing in for a real
// S3-compatible bucket so scenarios can assert on exact byte content and
// HEAD/404 behavior without a network dependency.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body         []byte
	lastModified time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]fakeObject)}
}

// put seeds an object directly, without going through the Put path, so
// scenarios can control LastModified precisely.
func (f *fakeStore) put(key string, body []byte, lastModified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{body: body, lastModified: lastModified}
}

func (f *fakeStore) ListKeys(ctx context.Context) (<-chan models.ListedObject, <-chan error) {
	out := make(chan models.ListedObject)
	errc := make(chan error, 1)

	f.mu.Lock()
	snapshot := make(map[string]fakeObject, len(f.objects))
	for k, v := range f.objects {
		snapshot[k] = v
	}
	f.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errc)
		for key, obj := range snapshot {
			select {
			case out <- models.ListedObject{
				Key:          key,
				Size:         int64(len(obj.body)),
				LastModified: obj.lastModified,
				HasTimestamp: true,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

func (f *fakeStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return readCloser{bytes.NewReader(obj.body)}, nil
}

func (f *fakeStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("fakeStore: read put body: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{body: data, lastModified: time.Now().UTC()}
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) Head(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Health(ctx context.Context) error { return nil }

type readCloser struct{ io.Reader }

func (r readCloser) Close() error { return nil }

var _ objectstore.Store = (*fakeStore)(nil)
