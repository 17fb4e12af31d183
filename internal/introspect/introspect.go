// Package introspect exposes a read-only HTTP status surface: the message
// registry, live module states, subscriber counts, and counters.
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattih11/commrat/internal/domain/message"
	"github.com/mattih11/commrat/internal/module"
)

// Server serves the status endpoint for a set of registered modules.
type Server struct {
	registry *message.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	modules map[string]*module.Module

	httpSrv *http.Server
}

// NewServer creates an unstarted server over the given registry.
func NewServer(reg *message.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: reg,
		logger:   logger,
		modules:  make(map[string]*module.Module),
	}
}

// Attach registers a module for export.
func (s *Server) Attach(m *module.Module) {
	s.mu.Lock()
	s.modules[m.Name()] = m
	s.mu.Unlock()
}

// Detach removes a module.
func (s *Server) Detach(name string) {
	s.mu.Lock()
	delete(s.modules, name)
	s.mu.Unlock()
}

type registryEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Class      string `json:"class"`
	MaxPayload int    `json:"max_payload"`
}

type moduleStatus struct {
	Name          string               `json:"name"`
	State         string               `json:"state"`
	Subscribers   []int                `json:"subscribers"`
	InputMetadata []module.Metadata    `json:"input_metadata"`
	Stats         module.StatsSnapshot `json:"stats"`
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/registry", s.getRegistry)
	r.Get("/modules", s.getModules)
	r.Get("/modules/{name}", s.getModule)
	r.Get("/modules/{name}/subscribers", s.getSubscribers)
	return r
}

func (s *Server) getRegistry(w http.ResponseWriter, _ *http.Request) {
	entries := s.registry.Snapshot()
	out := make([]registryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, registryEntry{
			ID:         fmt.Sprintf("%#x", e.ID),
			Name:       e.Name,
			Class:      message.ClassOf(e.ID).String(),
			MaxPayload: e.MaxPayload,
		})
	}
	writeJSON(w, out)
}

func (s *Server) statusOf(m *module.Module) moduleStatus {
	return moduleStatus{
		Name:          m.Name(),
		State:         m.State().String(),
		Subscribers:   m.SubscriberCounts(),
		InputMetadata: m.InputMetadata(),
		Stats:         m.Stats(),
	}
}

func (s *Server) getModules(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]moduleStatus, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, s.statusOf(m))
	}
	s.mu.RUnlock()
	writeJSON(w, out)
}

func (s *Server) getModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.RLock()
	m, ok := s.modules[name]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, s.statusOf(m))
}

type subscriberStatus struct {
	Output      int `json:"output"`
	Subscribers int `json:"subscribers"`
}

func (s *Server) getSubscribers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.RLock()
	m, ok := s.modules[name]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	counts := m.SubscriberCounts()
	out := make([]subscriberStatus, len(counts))
	for i, n := range counts {
		out[i] = subscriberStatus{Output: i, Subscribers: n}
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Start begins listening on addr.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("introspect: listen %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("introspect: serve", "err", err)
		}
	}()
	s.logger.Info("introspect listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
