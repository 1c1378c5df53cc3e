// Package admin implements the administrative HTTP surface: health and
// status reporting, on-demand cycle/restore/rebuild triggers, and a
// paginated view of past GC operations. Every route requires a bearer
// token matching S3GC_ADMIN_API_KEY.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

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

// Server exposes the /admin/s3gc/* HTTP surface.
type Server struct {
	cfg        *config.Config
	vlt        vault.Vault
	store      objectstore.Store
	reg        registry.Registry
	cycle      *gc.Cycle
	restoreEng *restore.Engine
	recon      *reconciler.Reconciler
	health     *metrics.HealthChecks
	logger     *zap.Logger

	httpServer *http.Server
}

// NewServer creates a new admin Server wired to its dependencies.
func NewServer(
	cfg *config.Config,
	vlt vault.Vault,
	store objectstore.Store,
	reg registry.Registry,
	cycle *gc.Cycle,
	restoreEng *restore.Engine,
	recon *reconciler.Reconciler,
	health *metrics.HealthChecks,
	logger *zap.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		vlt:        vlt,
		store:      store,
		reg:        reg,
		cycle:      cycle,
		restoreEng: restoreEng,
		recon:      recon,
		health:     health,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/s3gc/health", s.authenticated(s.handleHealth))
	mux.HandleFunc("GET /admin/s3gc/status", s.authenticated(s.handleStatus))
	mux.HandleFunc("GET /admin/s3gc/metrics", s.authenticated(s.handleMetrics))
	mux.HandleFunc("GET /admin/s3gc/config", s.authenticated(s.handleConfig))
	mux.HandleFunc("POST /admin/s3gc/run", s.authenticated(s.handleRun))
	mux.HandleFunc("GET /admin/s3gc/operations", s.authenticated(s.handleOperations))
	mux.HandleFunc("POST /admin/s3gc/restore/{operation_id}", s.authenticated(s.handleRestoreOperation))
	mux.HandleFunc("POST /admin/s3gc/restore-key", s.authenticated(s.handleRestoreKey))
	mux.HandleFunc("POST /admin/s3gc/rebuild", s.authenticated(s.handleRebuild))

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler: mux,
	}
	return s
}

// Start begins serving HTTP requests. It blocks until the server is stopped
// or encounters a fatal error. http.ErrServerClosed is not returned.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the admin HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authenticated wraps next with bearer-token enforcement. A missing or
// unconfigured S3GC_ADMIN_API_KEY fails closed: the admin surface refuses
// every request rather than serving unauthenticated.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "admin API key is not configured")
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		valid := len(auth) > len(prefix) && auth[:len(prefix)] == prefix &&
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.cfg.AdminAPIKey)) == 1
		if !valid {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vaultOK := s.vlt.Ping() == nil
	storeOK := s.store.Health(ctx) == nil
	cdcOK := s.health.All()["cdc"] == "ok"

	status := "ok"
	if !vaultOK || !storeOK || !cdcOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:          status,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		VaultAccessible: vaultOK,
		StoreReachable:  storeOK,
		CDCConnected:    cdcOK,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalRuns, totalDeleted, err := s.vlt.Totals(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	resp := models.StatusResponse{
		TotalRuns:    totalRuns,
		TotalDeleted: totalDeleted,
		Mode:         s.cfg.GC.Mode,
	}

	if lastOp, ok, err := s.vlt.LastOperation(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	} else if ok {
		resp.LastRunAt = &lastOp.StartedAt
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalRuns, totalDeleted, err := s.vlt.Totals(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	registrySize, err := s.reg.Size(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	vaultSize, err := s.vlt.Size(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, models.MetricsSnapshot{
		TotalRuns:         totalRuns,
		TotalDeleted:      totalDeleted,
		RegistrySizeBytes: registrySize,
		VaultSizeBytes:    vaultSize,
	})
}

// redactedConfig is a JSON view of the configuration with secrets stripped.
type redactedConfig struct {
	App       config.AppConfig     `json:"app"`
	Store     redactedStoreConfig  `json:"store"`
	GC        config.GCConfig      `json:"gc"`
	Vault     config.VaultConfig   `json:"vault"`
	CDC       redactedCDCConfig    `json:"cdc"`
	Worker    config.WorkerConfig  `json:"worker"`
	Storage   config.StorageConfig `json:"storage"`
	Metrics   config.MetricsConfig `json:"metrics"`
	Admin     config.AdminConfig   `json:"admin"`
	Reconcile config.ReconcileConfig `json:"reconcile"`
}

type redactedStoreConfig struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	UsePathStyle bool   `json:"usePathStyle"`
}

type redactedCDCConfig struct {
	Backend string `json:"backend"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redactedConfig{
		App: s.cfg.App,
		Store: redactedStoreConfig{
			Bucket:       s.cfg.Store.Bucket,
			Region:       s.cfg.Store.Region,
			Endpoint:     s.cfg.Store.Endpoint,
			UsePathStyle: s.cfg.Store.UsePathStyle,
		},
		GC:      s.cfg.GC,
		Vault:   s.cfg.Vault,
		CDC:     redactedCDCConfig{Backend: s.cfg.CDC.Backend},
		Worker:  s.cfg.Worker,
		Storage: s.cfg.Storage,
		Metrics: s.cfg.Metrics,
		Admin:   s.cfg.Admin,
		Reconcile: s.cfg.Reconcile,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.cycle.RunCycle(r.Context())
	if errors.Is(err, gc.ErrCycleBusy) {
		writeError(w, http.StatusConflict, "CycleBusy", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "ConfigurationError", "limit must be a positive integer")
			return
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	ops, nextCursor, err := s.vlt.ListOperations(r.Context(), limit, cursor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":       ops,
		"next_cursor": nextCursor,
	})
}

func (s *Server) handleRestoreOperation(w http.ResponseWriter, r *http.Request) {
	operationID := r.PathValue("operation_id")
	if operationID == "" {
		writeError(w, http.StatusBadRequest, "ConfigurationError", "operation_id is required")
		return
	}

	ctx := r.Context()
	if _, ok, err := s.vlt.Operation(ctx, operationID); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("unknown operation %q", operationID))
		return
	}

	dryRun := parseBoolQuery(r, "dry_run")
	skipExisting := parseBoolQuery(r, "skip_existing")

	result, err := s.restoreEng.RestoreOperation(ctx, operationID, dryRun, skipExisting)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RestoreError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRestoreKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("s3_key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "ConfigurationError", "s3_key query parameter is required")
		return
	}
	dryRun := parseBoolQuery(r, "dry_run")

	result, err := s.restoreEng.RestoreSingleKey(r.Context(), key, dryRun)
	if errors.Is(err, vault.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("no undone backup for key %q", key))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "RestoreError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.recon == nil {
		writeError(w, http.StatusBadRequest, "ConfigurationError", "no cdc backend configured, nothing to scan")
		return
	}

	start := time.Now()
	n, err := s.recon.Reconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, models.RebuildResult{
		KeysScanned: n,
		Duration:    time.Since(start),
	})
}

func parseBoolQuery(r *http.Request, key string) bool {
	v := r.URL.Query().Get(key)
	b, _ := strconv.ParseBool(v)
	return b
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
