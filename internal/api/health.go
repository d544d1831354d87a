package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"agentpipe/internal/domain"
	"agentpipe/internal/metrics"
)

// CheckResult is one dependency's health check outcome.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Check probes one dependency.
type Check func() CheckResult

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// HealthServer is the per-process liveness surface every agent, the
// orchestrator, and the publisher expose: /health, /health/ready, /metrics.
type HealthServer struct {
	service      string
	capabilities []domain.TaskType
	checks       map[string]Check
}

func NewHealthServer(service string, capabilities []domain.TaskType) *HealthServer {
	return &HealthServer{
		service:      service,
		capabilities: capabilities,
		checks:       map[string]Check{},
	}
}

func (h *HealthServer) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// RedisCheck probes the shared store with a ping.
func RedisCheck(ping func(ctx context.Context) error) Check {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return CheckResult{Status: statusUnhealthy, Message: err.Error()}
		}
		return CheckResult{Status: statusHealthy, Latency: time.Since(start).String()}
	}
}

func (h *HealthServer) router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    statusHealthy,
			"service":   h.service,
			"timestamp": time.Now().Unix(),
		})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		results := make(map[string]CheckResult, len(h.checks))
		code := http.StatusOK
		overall := statusHealthy
		for name, check := range h.checks {
			res := check()
			results[name] = res
			if res.Status != statusHealthy {
				overall = statusUnhealthy
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]any{
			"status":       overall,
			"service":      h.service,
			"capabilities": h.capabilities,
			"checks":       results,
		})
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Serve runs the health surface until ctx ends.
func (h *HealthServer) Serve(ctx context.Context, addr string) {
	srv := http.Server{
		Addr:         addr,
		Handler:      h.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info().Str("service", h.service).Str("addr", addr).Msg("health endpoints serving")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("health server failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
