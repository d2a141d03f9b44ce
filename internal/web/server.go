// Package web serves the node's JSON API and live event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"csrmesh-node/internal/automation"
	"csrmesh-node/internal/node"
	"csrmesh-node/internal/store"
)

// Controller is the node surface the API exposes.
type Controller interface {
	Events() *node.EventBus
	Time(ctx context.Context) (node.TimeStatus, error)
	SetTime(ctx context.Context, t time.Time, tz int8) error
	SetBroadcastInterval(ctx context.Context, secs uint16) error
	Actions(ctx context.Context) (node.ActionTable, error)
	DeleteActions(ctx context.Context, mask uint32) (uint32, error)
	History(limit int) ([]*store.HistoryRecord, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires X-API-Key on /api/ endpoints.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation enables the script endpoints.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithRequestTimeout bounds each call into the node.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// Server is the HTTP API.
type Server struct {
	node           Controller
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	requestTimeout time.Duration
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts its WebSocket hub.
func NewServer(n Controller, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		node:           n,
		logger:         logger.With("component", "web"),
		mux:            http.NewServeMux(),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()
	s.unsubEvents = n.Events().OnAll(func(ev node.Event) {
		s.wsHub.Broadcast(ev)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/time", s.handleAPIGetTime)
	s.mux.HandleFunc("PUT /api/time", s.handleAPISetTime)
	s.mux.HandleFunc("PUT /api/time/interval", s.handleAPISetInterval)

	s.mux.HandleFunc("GET /api/actions", s.handleAPIListActions)
	s.mux.HandleFunc("GET /api/actions/{id}", s.handleAPIGetAction)
	s.mux.HandleFunc("DELETE /api/actions", s.handleAPIDeleteActions)
	s.mux.HandleFunc("DELETE /api/actions/{id}", s.handleAPIDeleteAction)
	s.mux.HandleFunc("GET /api/history", s.handleAPIHistory)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /api/ws", s.handleWS)
}

// ServeHTTP applies CORS and API key checks before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		// Browsers cannot set headers on a WebSocket upgrade.
		if key == "" && r.URL.Path == "/api/ws" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
