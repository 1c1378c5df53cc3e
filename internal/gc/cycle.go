// Package gc implements the GC cycle orchestrator (C7): one complete pass
// from candidate discovery through verified, backed-up deletion.
package gc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bryonbaker/s3gc/internal/compressor"
	"github.com/bryonbaker/s3gc/internal/config"
	"github.com/bryonbaker/s3gc/internal/metrics"
	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/bryonbaker/s3gc/internal/objectstore"
	"github.com/bryonbaker/s3gc/internal/registry"
	"github.com/bryonbaker/s3gc/internal/vault"
	"github.com/bryonbaker/s3gc/internal/verifier"
)

// ErrCycleBusy is returned by RunCycle when a cycle is already in flight on
// this process.
var ErrCycleBusy = errors.New("gc: cycle already running")

const defaultWorkerCount = 8

// Cycle drives one full GC pass: list, filter, verify, act, close.
type Cycle struct {
	reg      registry.Registry
	vlt      vault.Vault
	verifier verifier.Verifier
	store    objectstore.Store
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger

	running sync.Mutex

	ulidMu     sync.Mutex
	ulidSource io.Reader
}

// NewCycle builds a Cycle from its dependencies.
func NewCycle(reg registry.Registry, vlt vault.Vault, v verifier.Verifier, store objectstore.Store, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Cycle {
	return &Cycle{
		reg:        reg,
		vlt:        vlt,
		verifier:   v,
		store:      store,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		ulidSource: ulid.Monotonic(rand.Reader, 0),
	}
}

// candidateOutcome accumulates the per-cycle counters and bounded error
// list as candidates finish verification and action, guarded by mu since
// multiple workers update it concurrently.
type candidateOutcome struct {
	mu              sync.Mutex
	candidatesFound int
	verifiedOrphans int
	deletedCount    int
	errorCount      int
	errs            []string
}

func (o *candidateOutcome) addCandidate() {
	o.mu.Lock()
	o.candidatesFound++
	o.mu.Unlock()
}

func (o *candidateOutcome) addVerifiedOrphan() {
	o.mu.Lock()
	o.verifiedOrphans++
	o.mu.Unlock()
}

func (o *candidateOutcome) addDeleted() {
	o.mu.Lock()
	o.deletedCount++
	o.mu.Unlock()
}

func (o *candidateOutcome) addError(key string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errorCount++
	if len(o.errs) < models.MaxReportedErrors {
		o.errs = append(o.errs, fmt.Sprintf("%s: %v", key, err))
	}
}

// addRegistryStale records a corrected stale-registry detection in the
// reported errors list, without counting it against errorCount: the
// registry was successfully corrected, so this is a logged anomaly, not a
// cycle failure.
func (o *candidateOutcome) addRegistryStale(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.errs) < models.MaxReportedErrors {
		o.errs = append(o.errs, fmt.Sprintf("registry_stale(%s)", key))
	}
}

func (o *candidateOutcome) snapshot() (int, int, int, int, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	errs := make([]string, len(o.errs))
	copy(errs, o.errs)
	return o.candidatesFound, o.verifiedOrphans, o.deletedCount, o.errorCount, errs
}

// RunCycle executes one complete GC pass and returns its result. It refuses
// to run if another cycle is already in flight on this process. If
// cfg.GC.CycleTimeout is set, the cycle is bounded by it: on expiry the
// cycle closes cleanly with status "cancelled" rather than "error".
func (c *Cycle) RunCycle(ctx context.Context) (models.GCResult, error) {
	if !c.running.TryLock() {
		return models.GCResult{}, ErrCycleBusy
	}
	defer c.running.Unlock()

	if c.cfg.GC.CycleTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.GC.CycleTimeout.Duration)
		defer cancel()
	}

	operationID := c.newOperationID()
	startedAt := time.Now().UTC()
	mode := c.cfg.GC.Mode

	c.logger.Info("gc cycle starting",
		zap.String("operation_id", operationID),
		zap.String("mode", mode),
	)

	if err := c.vlt.BeginOperation(ctx, operationID, mode, c.configDigest(), startedAt); err != nil {
		return models.GCResult{}, fmt.Errorf("gc: begin operation: %w", err)
	}

	outcome := &candidateOutcome{}
	runErr := c.verifyAndAct(ctx, operationID, outcome)

	candidatesFound, verifiedOrphans, deletedCount, errorCount, errs := outcome.snapshot()
	finishedAt := time.Now().UTC()

	status := models.CycleStatusSuccess
	cancelled := errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)
	if runErr != nil {
		status = models.CycleStatusError
		if cancelled {
			status = models.CycleStatusCancelled
		}
	}

	counters := vault.OperationCounters{
		CandidatesFound: candidatesFound,
		VerifiedOrphans: verifiedOrphans,
		DeletedCount:    deletedCount,
		ErrorCount:      errorCount,
		Status:          status,
	}
	// ctx may already be cancelled or past its deadline here, which would make
	// EndOperation's ExecContext a no-op; detach from it so the operation's
	// closing bookkeeping always lands.
	endCtx := context.WithoutCancel(ctx)
	if endErr := c.vlt.EndOperation(endCtx, operationID, finishedAt, counters); endErr != nil {
		c.logger.Error("failed to close gc operation", zap.String("operation_id", operationID), zap.Error(endErr))
	}

	if c.metrics != nil {
		c.metrics.RecordGCCycle(status, finishedAt.Sub(startedAt))
		c.metrics.AddCandidatesFound(candidatesFound)
		c.metrics.AddVerifiedOrphans(verifiedOrphans)
		c.metrics.AddObjectsDeleted(deletedCount)
		c.metrics.AddGCErrors(errorCount)
	}

	result := models.GCResult{
		OperationID:     operationID,
		Mode:            mode,
		Status:          status,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		CandidatesFound: candidatesFound,
		VerifiedOrphans: verifiedOrphans,
		DeletedCount:    deletedCount,
		Errors:          errs,
		ErrorCount:      errorCount,
	}

	c.logger.Info("gc cycle finished",
		zap.String("operation_id", operationID),
		zap.String("status", status),
		zap.Int("candidates_found", candidatesFound),
		zap.Int("verified_orphans", verifiedOrphans),
		zap.Int("deleted_count", deletedCount),
		zap.Int("error_count", errorCount),
	)

	if runErr != nil && !cancelled {
		return result, runErr
	}
	return result, nil
}

// verifyAndAct lists the bucket, filters candidates, and dispatches each
// verified orphan to a bounded worker pool. It returns an error only for
// unrecoverable infrastructure faults; per-object failures are captured in
// outcome instead.
func (c *Cycle) verifyAndAct(ctx context.Context, operationID string, outcome *candidateOutcome) error {
	workerCount := c.cfg.Worker.Concurrency
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(workerCount))
	queue := make(chan models.ListedObject, workerCount*2)

	g.Go(func() error {
		defer close(queue)
		keys, errc := c.store.ListKeys(gctx)
		for {
			select {
			case obj, ok := <-keys:
				if !ok {
					select {
					case err := <-errc:
						return err
					default:
						return nil
					}
				}
				if !c.isCandidateForListing(obj) {
					continue
				}
				select {
				case queue <- obj:
				case <-gctx.Done():
					return gctx.Err()
				}
			case err := <-errc:
				if err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for obj := range queue {
			obj := obj
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			g.Go(func() error {
				defer sem.Release(1)
				c.processCandidate(gctx, operationID, obj, outcome)
				return nil
			})
		}
		return nil
	})

	return g.Wait()
}

// isCandidateForListing applies the exclude-prefix and retention gates
// that can be decided from the listing alone, before the registry is
// consulted.
func (c *Cycle) isCandidateForListing(obj models.ListedObject) bool {
	for _, prefix := range c.cfg.GC.ExcludePrefixes {
		if strings.HasPrefix(obj.Key, prefix) {
			return false
		}
	}

	if !obj.HasTimestamp {
		// Fail closed: an object with no last-modified timestamp is
		// treated as too young to be a candidate.
		return false
	}

	cutoff := objectstore.RetentionCutoff(time.Now().UTC(), c.cfg.GC.RetentionDays)
	return obj.LastModified.Before(cutoff)
}

// processCandidate applies the registry filter, the DB re-verification
// gate, and the mode-dependent action for one listed object.
func (c *Cycle) processCandidate(ctx context.Context, operationID string, obj models.ListedObject, outcome *candidateOutcome) {
	count, ok, err := c.reg.CountOf(ctx, obj.Key)
	if err != nil {
		outcome.addError(obj.Key, fmt.Errorf("registry lookup: %w", err))
		return
	}
	if ok && count > 0 {
		return
	}

	outcome.addCandidate()

	exists, err := c.verifier.ExistsAnywhere(ctx, obj.Key)
	if err != nil {
		outcome.addError(obj.Key, fmt.Errorf("db re-verification: %w", err))
		return
	}
	if exists {
		c.logger.Warn("registry_stale: candidate still referenced in database",
			zap.String("key", obj.Key), zap.String("operation_id", operationID))
		if _, applyErr := c.reg.ApplyBatch(ctx, registry.DeltaBatch{
			Deltas: []models.Delta{{Key: obj.Key, Sign: 1}},
		}); applyErr != nil {
			c.logger.Error("failed to correct stale registry entry",
				zap.String("key", obj.Key), zap.Error(applyErr))
		}
		outcome.addRegistryStale(obj.Key)
		if c.metrics != nil {
			c.metrics.RecordRegistryStale()
		}
		return
	}

	outcome.addVerifiedOrphan()

	switch c.cfg.GC.Mode {
	case models.ModeDryRun:
		// No side effect beyond the counters already incremented above.

	case models.ModeAuditOnly:
		record := models.VaultRecord{
			OperationID: operationID,
			S3Key:       obj.Key,
			DeletedAt:   time.Now().UTC(),
		}
		if err := c.vlt.RecordDeletion(ctx, record); err != nil && !errors.Is(err, vault.ErrConflict) {
			outcome.addError(obj.Key, fmt.Errorf("audit record: %w", err))
		}

	case models.ModeExecute:
		if err := c.executeDeletion(ctx, operationID, obj, outcome); err != nil {
			outcome.addError(obj.Key, err)
			return
		}
		outcome.addDeleted()
	}
}

// executeDeletion backs up obj's key to the vault, then deletes it from the
// bucket. Success is only acknowledged once the delete call returns OK; any
// earlier failure leaves the bucket object untouched.
func (c *Cycle) executeDeletion(ctx context.Context, operationID string, obj models.ListedObject, outcome *candidateOutcome) error {
	body, err := c.store.Get(ctx, obj.Key)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer body.Close()

	blobPath := c.blobPath(operationID, obj.Key)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o750); err != nil {
		return fmt.Errorf("prepare blob directory: %w", err)
	}

	blobFile, err := os.Create(blobPath)
	if err != nil {
		return fmt.Errorf("create blob file: %w", err)
	}

	result, err := compressor.Compress(blobFile, body, compressor.CodecZstd)
	closeErr := blobFile.Close()
	if err != nil {
		os.Remove(blobPath)
		return fmt.Errorf("compress: %w", err)
	}
	if closeErr != nil {
		os.Remove(blobPath)
		return fmt.Errorf("close blob file: %w", closeErr)
	}

	record := models.VaultRecord{
		OperationID:  operationID,
		S3Key:        obj.Key,
		OriginalSize: obj.Size,
		StoredSize:   result.StoredSize,
		Codec:        string(compressor.CodecZstd),
		ContentHash:  result.ContentHash,
		BlobPath:     blobPath,
		DeletedAt:    time.Now().UTC(),
	}
	if err := c.vlt.RecordDeletion(ctx, record); err != nil {
		if errors.Is(err, vault.ErrConflict) {
			// Duplicate listing under eventual consistency: the first
			// attempt already owns this key. Leave the blob in place for
			// that record and drop this one silently.
			return nil
		}
		os.Remove(blobPath)
		return fmt.Errorf("record backup: %w", err)
	}

	if err := c.store.Delete(ctx, obj.Key); err != nil {
		// The backup is already durable; leave it for later reconciliation
		// rather than deleting it, since the bucket object is still live.
		return fmt.Errorf("delete from bucket: %w", err)
	}

	if c.metrics != nil {
		c.metrics.AddBytesDeleted(obj.Size)
	}
	return nil
}

// blobPath derives the on-disk location for a backed-up object's blob,
// scoped under the operation that created it: vault_root/backups/<operation_id>/<sha256(key)>.<codec>.
func (c *Cycle) blobPath(operationID, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.cfg.Vault.Path, "backups", operationID, hex.EncodeToString(sum[:])+".zst")
}

// configDigest fingerprints the configuration fields that affect GC
// behavior, recorded on the operation header for audit purposes.
func (c *Cycle) configDigest() string {
	prefixes := append([]string(nil), c.cfg.GC.ExcludePrefixes...)
	sort.Strings(prefixes)
	material := fmt.Sprintf("bucket=%s;mode=%s;retention_days=%d;exclude=%s",
		c.cfg.Store.Bucket, c.cfg.GC.Mode, c.cfg.GC.RetentionDays, strings.Join(prefixes, ","))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// newOperationID allocates a time-ordered, monotonic-within-process
// operation ID. ulid.Monotonic is not safe for unsynchronized concurrent
// use, hence the mutex.
func (c *Cycle) newOperationID() string {
	c.ulidMu.Lock()
	defer c.ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), c.ulidSource)
	return id.String()
}
