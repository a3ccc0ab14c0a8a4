// Package api exposes the control-plane's HTTP and WebSocket surface: a
// health probe and Prometheus scrape endpoint for operators, JSON
// introspection of engine runs, and a WebSocket stream that broadcasts
// whatever events the caller passes to Broadcast (cmd/engine sends
// run-phase transitions).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus-v2/daily-engine/internal/config"
	"github.com/prometheus-v2/daily-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// runStore is the slice of internal/store.RuntimeStore the API needs to
// answer read-only introspection requests.
type runStore interface {
	GetEngineRun(ctx context.Context, asOfDate, region string) (types.EngineRun, bool, error)
	ListActiveEngineRuns(ctx context.Context) ([]types.EngineRun, error)
}

// Server is the control-plane HTTP/WebSocket server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	cfg        config.APIConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	runs       runStore
	registry   *prometheus.Registry
}

// NewServer wires the routes and WebSocket upgrader. registry is the
// Prometheus registry /metrics serves; pass nil to use the default global
// registry.
func NewServer(logger *zap.Logger, cfg config.APIConfig, runs runStore, registry *prometheus.Registry) *Server {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		runs:    runs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		registry: registry,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/runs/{asOfDate}/{region}", s.handleGetRun).Methods(http.MethodGet)
	s.router.HandleFunc(s.cfg.WebSocketPath, s.handleStream)

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	} else {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
}

// Router exposes the underlying mux.Router for tests that want to drive
// requests through httptest.NewServer without a CORS wrapper.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving; it blocks until the server stops or errors.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting control-plane API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop closes all WebSocket connections and gracefully shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		close(c.Send)
		_ = c.Conn.Close()
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListActiveEngineRuns(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	run, found, err := s.runs.GetEngineRun(r.Context(), vars["asOfDate"], vars["region"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}
