// Package server exposes the attachment pipeline over HTTP: canvas and
// session CRUD, provider settings, on-demand exports, and the streaming
// chat endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvaschat/canvas"
	"canvaschat/chat"
	"canvaschat/core"
	"canvaschat/db"
	"canvaschat/export"
	"canvaschat/logging"
	"canvaschat/syncer"
)

// ChatStream is the consumable side of one chat turn.
type ChatStream interface {
	Tokens() <-chan string
	Err() error
}

// ChatService starts chat turns.
type ChatService interface {
	Submit(ctx context.Context, req chat.Request) (ChatStream, error)
}

// NewOrchestratorService adapts *chat.Orchestrator to ChatService.
func NewOrchestratorService(o *chat.Orchestrator) ChatService {
	return orchestratorService{o: o}
}

type orchestratorService struct {
	o *chat.Orchestrator
}

func (s orchestratorService) Submit(ctx context.Context, req chat.Request) (ChatStream, error) {
	stream, err := s.o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// IdentityResolver maps a request to a user ID for provider settings.
// There is no authentication layer; identity is advisory.
type IdentityResolver interface {
	UserID(r *http.Request) string
}

// HeaderIdentity resolves identity from the x-user-id header, defaulting
// to "local" for single-user deployments.
type HeaderIdentity struct{}

func (HeaderIdentity) UserID(r *http.Request) string {
	if id := r.Header.Get("x-user-id"); id != "" {
		return id
	}
	return "local"
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string
	Port int

	ReadTimeout     time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// LogSkipPaths are paths excluded from request logging
	LogSkipPaths []string
}

// DefaultServerConfig returns defaults suitable for local use. There is
// no write timeout because the chat endpoint streams indefinitely.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "localhost",
		Port:            3000,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogSkipPaths:    []string{"/health"},
	}
}

// Server wires the pipeline components behind an http.Server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	config     ServerConfig
	logger     *logging.Logger

	cfg      *core.Config
	store    *db.Store
	database *db.Database
	tabs     *canvas.TabList
	exporter *export.Service
	chats    ChatService
	debounce *syncer.Debouncer
	identity IdentityResolver

	// surfaces holds the live surface for every open canvas, keyed by
	// canvas ID. The active tab's surface is also bound into tabs.
	surfacesMu sync.Mutex
	surfaces   map[string]*canvas.MemSurface
}

// NewServer creates a fully wired server. identity may be nil; the header
// resolver is used then.
func NewServer(
	config ServerConfig,
	cfg *core.Config,
	database *db.Database,
	store *db.Store,
	tabs *canvas.TabList,
	exporter *export.Service,
	chats ChatService,
	debounce *syncer.Debouncer,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		mux:      http.NewServeMux(),
		config:   config,
		logger:   logger.Named("server"),
		cfg:      cfg,
		store:    store,
		database: database,
		tabs:     tabs,
		exporter: exporter,
		chats:    chats,
		debounce: debounce,
		identity: HeaderIdentity{},
		surfaces: make(map[string]*canvas.MemSurface),
	}
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: config.ReadTimeout,
		IdleTimeout: config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/canvases", s.handleListCanvases)
	s.mux.HandleFunc("POST /api/canvases", s.handleCreateCanvas)
	s.mux.HandleFunc("DELETE /api/canvases", s.handleDeleteAllCanvases)
	s.mux.HandleFunc("PUT /api/canvases/{id}", s.handleRenameCanvas)
	s.mux.HandleFunc("DELETE /api/canvases/{id}", s.handleDeleteCanvas)
	s.mux.HandleFunc("POST /api/canvases/{id}/activate", s.handleActivateCanvas)
	s.mux.HandleFunc("PUT /api/canvases/{id}/shapes/{shapeID}", s.handlePutShape)
	s.mux.HandleFunc("DELETE /api/canvases/{id}/shapes/{shapeID}", s.handleDeleteShape)

	s.mux.HandleFunc("GET /api/chat-sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/chat-sessions", s.handleCreateSession)
	s.mux.HandleFunc("DELETE /api/chat-sessions", s.handleDeleteAllSessions)
	s.mux.HandleFunc("DELETE /api/chat-sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /api/chat-sessions/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /api/chat-sessions/{id}/messages", s.handleAppendMessage)

	s.mux.HandleFunc("GET /api/user/provider-settings", s.handleGetProviderSettings)
	s.mux.HandleFunc("PUT /api/user/provider-settings", s.handlePutProviderSettings)

	s.mux.HandleFunc("GET /api/export", s.handleExport)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
}

// Handler returns the full middleware-wrapped handler. Exposed for
// httptest in addition to Start.
func (s *Server) Handler() http.Handler {
	return NewLoggingMiddleware(s.logger, s.config.LogSkipPaths).Handler(s.mux)
}

// Start blocks serving HTTP until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and flushes the bound canvas so a
// quiet-period write pending at exit is not lost.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}
	if s.debounce != nil {
		if err := s.debounce.Flush(shutdownCtx); err != nil {
			s.logger.Warn("final canvas flush failed", zap.Error(err))
		}
	}
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.database != nil {
		if err := s.database.Ping(); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// OpenCanvas registers a live surface for a canvas and, when it is the
// active tab, binds it for direct export and debounced persistence.
// Called at startup for restored canvases and on create.
func (s *Server) OpenCanvas(rec db.CanvasRecord, activate bool) error {
	surface := canvas.NewMemSurface(s.cfg.ExportMaxPixels)
	if rec.Snapshot != nil {
		if err := surface.Restore(rec.Snapshot); err != nil {
			return fmt.Errorf("failed to restore canvas %s: %w", rec.ID, err)
		}
	}

	s.surfacesMu.Lock()
	s.surfaces[rec.ID] = surface
	s.surfacesMu.Unlock()

	s.tabs.Add(canvas.Tab{ID: rec.ID, Name: rec.Name, PersistenceKey: rec.PersistenceKey})
	if activate {
		s.activateLocked(rec.ID, rec.PersistenceKey, surface)
	}
	return nil
}

func (s *Server) activateLocked(id, persistenceKey string, surface *canvas.MemSurface) {
	s.tabs.SetActive(id)
	s.tabs.BindActiveSurface(surface)
	if s.debounce != nil {
		s.debounce.Bind(surface, persistenceKey)
	}
}

func (s *Server) surfaceFor(id string) (*canvas.MemSurface, bool) {
	s.surfacesMu.Lock()
	defer s.surfacesMu.Unlock()
	surface, ok := s.surfaces[id]
	return surface, ok
}

func (s *Server) dropSurface(id string) {
	s.surfacesMu.Lock()
	delete(s.surfaces, id)
	s.surfacesMu.Unlock()
}
