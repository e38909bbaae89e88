// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package diagnostics exposes the dispatch core's /metrics and /ports
// surfaces over HTTP, the same gorilla/mux router shape the teacher's
// internal/ebpf/controlplane package uses for its own control endpoints.
package diagnostics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/appidcore/internal/appid/registry"
	"grimm.is/appidcore/internal/logging"
)

// PortDumper renders the registry's active ports, mirroring spec §6's
// dumpPorts diagnostic.
type PortDumper interface {
	DumpPorts() (tcp, udp string)
}

// Server is the diagnostics HTTP server: Prometheus's default registry
// under /metrics, and the registry's dumpPorts output under /ports.
type Server struct {
	router *mux.Router
	http   *http.Server
	logger *logging.Logger
}

// New builds a diagnostics server bound to addr. dumper is usually the
// live *registry.Registry; a nil dumper disables /ports.
func New(addr string, dumper PortDumper, logger *logging.Logger) *Server {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/ports", func(w http.ResponseWriter, req *http.Request) {
		if dumper == nil {
			http.Error(w, "port dumping unavailable", http.StatusServiceUnavailable)
			return
		}
		tcp, udp := dumper.DumpPorts()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, tcp)
		fmt.Fprintln(w, udp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}).Methods(http.MethodGet)

	return &Server{
		router: r,
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe starts the diagnostics server. It blocks until the server
// stops (normally via context cancellation through Shutdown).
func (s *Server) ListenAndServe() error {
	if s.logger != nil {
		s.logger.Info("diagnostics server listening", "addr", s.http.Addr)
	}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

var _ PortDumper = (*registry.Registry)(nil)
