package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the collector's metrics over HTTP for Prometheus to scrape.
// Callers that need additional routes alongside /metrics (an admin JSON
// surface, say) register them on Mux before calling Start.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	port       int
}

// NewServer builds a metrics HTTP server on port (defaulting to 9419).
func NewServer(port int) *Server {
	if port == 0 {
		port = 9419
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		mux:  mux,
		port: port,
	}
}

// Mux returns the server's route table so callers can attach routes beyond
// /metrics and /health before Start is called.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start blocks serving metrics until Stop is called.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.port
}
