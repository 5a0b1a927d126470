// Package diag is the participant's diagnostics listener (spec §10.5):
// Prometheus metrics, a liveness probe, and build version info over HTTP.
package diag

import (
	"context"
	"fmt"
	"net/http"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves /metrics, /healthz, and /version on one listener.
type Server struct {
	http *http.Server
}

// New builds a diagnostics Server bound to addr, exporting reg's metrics.
func New(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "revision=%s lastCommit=%s dirty=%t\n",
			versioninfo.Revision, versioninfo.LastCommit.Format("2006-01-02T15:04:05Z07:00"), versioninfo.DirtyBuild)
	})
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// ListenAndServe starts the diagnostics server; it blocks until the server
// stops or fails, mirroring net/http.Server's own contract.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the diagnostics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
