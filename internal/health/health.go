// Package health serves the liveness and metrics endpoints for a running
// persistence layer.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dyluth/stash/internal/persistence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Health statuses reported by /healthz
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusWarmingUp = "warming_up"
)

// StatusSource reports store connection state.
type StatusSource interface {
	Status() persistence.StatusReport
}

// Server provides HTTP health check and metrics endpoints.
type Server struct {
	source   StatusSource
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	server   *http.Server
	addr     net.Addr
}

// NewServer creates a new health check server. A nil gatherer disables
// /metrics.
func NewServer(source StatusSource, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		source:   source,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Handler returns the HTTP handler serving /healthz and /metrics.
func (h *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthCheckHandler)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on addr and serves in the background. Listen errors are
// returned immediately.
func (h *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	h.addr = ln.Addr()
	h.server = &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	// Start server in background
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error().Err(err).Msg("Health server error")
		}
	}()

	h.logger.Info().Str("addr", ln.Addr().String()).Msg("Health server listening")
	return nil
}

// Addr returns the bound listen address once started.
func (h *Server) Addr() net.Addr {
	return h.addr
}

// Shutdown gracefully shuts down the health check server.
func (h *Server) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Always returns 200 OK: running without a primary store is a supported mode,
// reported as "degraded" rather than as a failure.
func (h *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := h.source.Status()
	response := Response{
		Status:  StatusHealthy,
		Primary: report.Primary.String(),
		Shadow:  report.Shadow.String(),
	}
	switch {
	case !report.Settled():
		response.Status = StatusWarmingUp
	case report.Degraded():
		response.Status = StatusDegraded
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// Response is the JSON response structure for health checks.
type Response struct {
	Status  string `json:"status"`
	Primary string `json:"primary"`
	Shadow  string `json:"shadow"`
}
