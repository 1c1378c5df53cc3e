package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecks tracks per-component health status in a thread-safe manner.
type HealthChecks struct {
	mu     sync.RWMutex
	checks map[string]string
}

// NewHealthChecks creates an empty HealthChecks instance.
func NewHealthChecks() *HealthChecks {
	return &HealthChecks{
		checks: make(map[string]string),
	}
}

// Update sets the status for the given component.
func (h *HealthChecks) Update(component string, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[component] = status
}

// All returns a snapshot of all component statuses.
func (h *HealthChecks) All() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.checks))
	for k, v := range h.checks {
		out[k] = v
	}
	return out
}

// AllOK returns true if every registered component has the status "ok".
func (h *HealthChecks) AllOK() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, v := range h.checks {
		if v != "ok" {
			return false
		}
	}
	return true
}

// Server is the s3gc process's own HTTP surface for Prometheus scraping and
// liveness/readiness probing, separate from the admin API in internal/admin.
type Server struct {
	httpServer   *http.Server
	registry     *prometheus.Registry
	healthChecks *HealthChecks

	mu    sync.RWMutex
	ready bool
}

// NewServer builds the metrics/health server, registering routes for
// metricsPath (Prometheus exposition), healthPath (liveness), and readyPath
// (readiness). registry may be nil to fall back to the default Prometheus
// registry.
func NewServer(port int, metricsPath string, healthPath string, readyPath string, registry *prometheus.Registry) *Server {
	s := &Server{
		registry:     registry,
		healthChecks: NewHealthChecks(),
		ready:        false,
	}

	mux := http.NewServeMux()

	// Prometheus metrics handler.
	if registry != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle(metricsPath, promhttp.Handler())
	}

	// Liveness probe -- always returns 200 if the process is running.
	mux.HandleFunc(healthPath, s.handleHealth)

	// Readiness probe -- returns 200 only when all components are healthy.
	mux.HandleFunc(readyPath, s.handleReady)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return s
}

// Start blocks serving HTTP until Shutdown is called or a fatal listener
// error occurs. http.ErrServerClosed from a graceful Shutdown is swallowed.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, waiting for in-flight requests to finish
// or ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// UpdateHealthCheck records the latest status s3gc observed for component
// (e.g. "registry", "vault", "cdc"), surfaced by the readiness handler.
func (s *Server) UpdateHealthCheck(component string, status string) {
	s.healthChecks.Update(component, status)
}

// SetReady flips whether the readiness probe should report healthy,
// regardless of per-component health: used to hold the process out of a
// load balancer's rotation during startup and graceful shutdown.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *Server) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// handleHealth always answers 200: it only proves the process is scheduled
// and able to handle HTTP, not that any dependency is healthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleReady answers 200 only once SetReady(true) has been called and
// every tracked component's last-reported status is "ok"; otherwise 503.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := s.healthChecks.All()
	allOK := s.isReady() && s.healthChecks.AllOK()

	status := "ok"
	code := http.StatusOK
	if !allOK {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	resp := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}

	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
