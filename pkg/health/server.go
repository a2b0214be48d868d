// Package health serves liveness and readiness endpoints alongside any
// webhook handlers the gateway mounts on the same listener.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

type Server struct {
	server  *http.Server
	router  *mux.Router
	started time.Time

	mu     sync.RWMutex
	checks map[string]func() bool
}

func NewServer(host string, port int) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		started: time.Now(),
		checks:  make(map[string]func() bool),
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle mounts h at path, optionally restricted to methods.
func (s *Server) Handle(path string, h http.Handler, methods ...string) {
	route := s.router.Handle(path, h)
	if len(methods) > 0 {
		route.Methods(methods...)
	}
}

// RegisterCheck adds a named readiness probe. /ready reports 503 until every
// probe returns true.
func (s *Server) RegisterCheck(name string, fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return s.server.Addr
}

func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	results := make(map[string]bool, len(s.checks))
	ready := true
	for name, fn := range s.checks {
		ok := fn()
		results[name] = ok
		ready = ready && ok
	}
	s.mu.RUnlock()

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
