// Package admin exposes a read-only introspection server: status and
// per-user memory stats over JSON, Prometheus metrics, and a WebSocket
// tail of the event bus. It mutates nothing.
package admin

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kotobot/koto/bus"
	"github.com/kotobot/koto/memory"
	"github.com/kotobot/koto/platform"
)

// Config for the admin server.
type Config struct {
	Addr  string
	Token string // empty disables auth
}

// Server serves the introspection API.
type Server struct {
	cfg       Config
	mem       *memory.Coordinator
	platforms *platform.Manager
	plugins   []string
	provider  string
	events    *bus.Bus
	registry  *prometheus.Registry

	httpServer *http.Server

	mu      sync.Mutex
	tailers map[chan bus.Event]struct{}
}

// New builds the server. registry may be nil to skip /metrics.
func New(cfg Config, mem *memory.Coordinator, platforms *platform.Manager, plugins []string, provider string, events *bus.Bus, registry *prometheus.Registry) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{
		cfg:       cfg,
		mem:       mem,
		platforms: platforms,
		plugins:   plugins,
		provider:  provider,
		events:    events,
		registry:  registry,
		tailers:   make(map[chan bus.Event]struct{}),
	}
	if events != nil {
		events.SubscribeAll(s.fanOut)
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.auth)

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/memory/{userID}", s.handleMemory)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	r.Get("/ws", s.handleWS)
	return r
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			// Browsers cannot set WS headers, so /ws also accepts ?token=.
			if token == header {
				token = r.URL.Query().Get("token")
			}
			if token != s.cfg.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[ADMIN] listening on %s", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[ADMIN] server stopped: %v", err)
		}
	}()
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Platforms    map[string]bool `json:"platforms"`
	Plugins      []string        `json:"plugins"`
	LLMProvider  string          `json:"llm_provider"`
	IndexEnabled bool            `json:"index_enabled"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Plugins:     s.plugins,
		LLMProvider: s.provider,
	}
	if s.platforms != nil {
		resp.Platforms = s.platforms.Platforms()
	}
	if s.mem != nil {
		resp.IndexEnabled = s.mem.IndexEnabled()
	}
	writeJSON(w, resp)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || s.mem == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, s.mem.Stats(r.Context(), userID))
}

var upgrader = websocket.Upgrader{
	// The admin surface is read-only; origin checks stay permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams every bus event to the observer as JSON frames.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ADMIN] ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan bus.Event, 64)
	s.mu.Lock()
	s.tailers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.tailers, ch)
		s.mu.Unlock()
	}()

	// Drain reads so pings and close frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case e := <-ch:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

// fanOut delivers a bus event to every tailer, dropping it for clients
// that cannot keep up.
func (s *Server) fanOut(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.tailers {
		select {
		case ch <- e:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ADMIN] encode response: %v", err)
	}
}
