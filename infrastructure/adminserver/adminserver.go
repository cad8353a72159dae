// Package adminserver provides the unauthenticated health/readiness/metrics
// mux mounted by the daemons that have no RPC router of their own
// (cmd/payments-monitor, cmd/executor-agent), grounded on wisbric-nightowl's
// vendor/github.com/wisbric/core/pkg/httpserver.Server: a chi.Mux carrying
// /healthz, /readyz, and /metrics, kept separate from each service's
// authenticated RPC router so domain routes never share middleware stacks
// with operational ones.
package adminserver

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the operational mux: liveness, readiness, and Prometheus
// scraping. It never carries authentication middleware.
type Server struct {
	Router    *chi.Mux
	db        *sql.DB
	startedAt time.Time
}

// New builds the admin mux. registry may be nil to skip /metrics; db may be
// nil to make /readyz always report ready (used by daemons with no direct
// database handle of their own).
func New(registry *prometheus.Registry, db *sql.DB) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		db:        db,
		startedAt: time.Now(),
	}

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	if registry != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReadyz pings the database (if one was provided) with a short
// timeout so a wedged connection pool fails readiness instead of liveness.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Uptime reports how long the admin server has been serving.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
