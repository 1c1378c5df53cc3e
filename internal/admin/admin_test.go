package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bryonbaker/s3gc/internal/config"
	"github.com/bryonbaker/s3gc/internal/gc"
	"github.com/bryonbaker/s3gc/internal/metrics"
	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/bryonbaker/s3gc/internal/objectstore"
	"github.com/bryonbaker/s3gc/internal/reconciler"
	"github.com/bryonbaker/s3gc/internal/registry"
	"github.com/bryonbaker/s3gc/internal/restore"
	"github.com/bryonbaker/s3gc/internal/vault"
)

func testSetup(t *testing.T) (*Server, *registry.MockRegistry, *vault.MockVault, *objectstore.MockStore) {
	t.Helper()

	cfg := &config.Config{
		GC:    config.GCConfig{Mode: models.ModeDryRun, RetentionDays: 7},
		Vault: config.VaultConfig{Path: t.TempDir()},
	}
	cfg.AdminAPIKey = "test-key"
	cfg.Worker.Concurrency = 2

	reg := new(registry.MockRegistry)
	v := new(vault.MockVault)
	store := new(objectstore.MockStore)

	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	cycle := gc.NewCycle(reg, v, nopVerifier{}, store, cfg, m, logger)
	restoreEng := restore.NewEngine(v, store, logger)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	recon := reconciler.NewReconciler(db, reg, cfg, m, logger)

	health := metrics.NewHealthChecks()
	health.Update("cdc", "ok")

	s := NewServer(cfg, v, store, reg, cycle, restoreEng, recon, health, logger)
	return s, reg, v, store
}

type nopVerifier struct{}

func (nopVerifier) ExistsAnywhere(ctx context.Context, key string) (bool, error) { return false, nil }
func (nopVerifier) Close() error                                                 { return nil }

func authedRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer test-key")
	return req
}

func TestHandleHealthReportsComponentStatus(t *testing.T) {
	s, _, v, store := testSetup(t)
	v.On("Ping").Return(nil)
	store.On("Health", mock.Anything).Return(nil)

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/s3gc/health"))

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.True(t, resp.VaultAccessible)
	require.True(t, resp.StoreReachable)
	require.True(t, resp.CDCConnected)
}

func TestAuthenticationRejectsMissingBearerToken(t *testing.T) {
	s, _, _, _ := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/s3gc/health", nil)
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthenticationRejectsWrongBearerToken(t *testing.T) {
	s, _, _, _ := testSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/s3gc/health", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleStatusReturnsAggregates(t *testing.T) {
	s, _, v, _ := testSetup(t)
	v.On("Totals", mock.Anything).Return(int64(3), int64(10), nil)
	v.On("LastOperation", mock.Anything).Return(models.GCOperation{
		OperationID: "op-1",
		StartedAt:   time.Now(),
	}, true, nil)

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/s3gc/status"))

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, int64(3), resp.TotalRuns)
	require.Equal(t, int64(10), resp.TotalDeleted)
	require.NotNil(t, resp.LastRunAt)
}

func TestHandleRunReturnsGCResult(t *testing.T) {
	s, reg, v, store := testSetup(t)

	reg.On("CountOf", mock.Anything, mock.Anything).Return(uint64(0), false, nil).Maybe()
	v.On("BeginOperation", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	v.On("EndOperation", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	out := make(chan models.ListedObject)
	errc := make(chan error, 1)
	close(out)
	close(errc)
	store.On("ListKeys", mock.Anything).Return((<-chan models.ListedObject)(out), (<-chan error)(errc))

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/s3gc/run"))

	require.Equal(t, http.StatusOK, w.Code)
	var result models.GCResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, models.ModeDryRun, result.Mode)
}

func TestHandleRestoreOperationReturns404ForUnknownOperation(t *testing.T) {
	s, _, v, _ := testSetup(t)
	v.On("Operation", mock.Anything, "missing-op").Return(models.GCOperation{}, false, nil)

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/s3gc/restore/missing-op"))

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRestoreKeyReturns404WhenNoBackupExists(t *testing.T) {
	s, _, v, _ := testSetup(t)
	v.On("LookupByKey", mock.Anything, "missing.png").Return(models.VaultRecord{}, false, nil)

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/s3gc/restore-key?s3_key=missing.png"))

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRebuildReturnsKeysScanned(t *testing.T) {
	s, reg, _, _ := testSetup(t)
	reg.On("Rebuild", mock.Anything, mock.Anything).Return(nil)

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, authedRequest(http.MethodPost, "/admin/s3gc/rebuild"))

	require.Equal(t, http.StatusOK, w.Code)
	var result models.RebuildResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, 0, result.KeysScanned)
}

func TestHandleOperationsReturnsItemsAndCursor(t *testing.T) {
	s, _, v, _ := testSetup(t)
	v.On("ListOperations", mock.Anything, 50, "").Return(
		[]models.GCOperation{{OperationID: "op-2"}, {OperationID: "op-1"}}, "", nil)

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, authedRequest(http.MethodGet, "/admin/s3gc/operations"))

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	items := resp["items"].([]interface{})
	require.Len(t, items, 2)
}
