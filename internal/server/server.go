package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kartoza/diet-planner/internal/api"
	"github.com/kartoza/diet-planner/internal/config"
	"github.com/kartoza/diet-planner/internal/history"
	"github.com/kartoza/diet-planner/internal/pipeline"
)

// Server holds all the components for the web application
type Server struct {
	cfg          *config.Config
	logger       *zap.Logger
	httpServer   *http.Server
	router       *mux.Router
	historyStore *history.Store

	// mu guards pipe; a model pack install swaps it while requests read it.
	mu   sync.RWMutex
	pipe *pipeline.Context
}

// New creates a new Server. A pipeline that fails to load is logged and
// left empty so a model pack can still be installed over the API.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: mux.NewRouter(),
	}

	pipe, err := LoadPipeline(cfg, logger)
	if err != nil {
		logger.Warn("Prediction pipeline not available", zap.Error(err))
	} else {
		s.pipe = pipe
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.Resolve(cfg.History.Path))
		if err != nil {
			logger.Warn("Run history not available", zap.Error(err))
		} else {
			s.historyStore = store
		}
	}

	s.setupRoutes()
	return s, nil
}

// NewWithPipeline creates a Server around an already loaded pipeline.
func NewWithPipeline(cfg *config.Config, logger *zap.Logger, pipe *pipeline.Context, store *history.Store) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		router:       mux.NewRouter(),
		historyStore: store,
		pipe:         pipe,
	}
	s.setupRoutes()
	return s
}

// Current returns the prediction context in use, or nil if none is loaded.
func (s *Server) Current() *pipeline.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipe
}

// swap replaces the prediction context. Requests already running keep the
// context they started with.
func (s *Server) swap(pipe *pipeline.Context) {
	s.mu.Lock()
	s.pipe = pipe
	s.mu.Unlock()
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiHandler := api.NewHandler(s, s.historyStore, s.cfg, s.logger)
	apiHandler.RegisterRoutes(apiRouter)

	// Model pack management routes
	s.router.HandleFunc("/api/modelpack/status", s.handleModelPackStatus).Methods("GET")
	s.router.HandleFunc("/api/modelpack/install", s.handleModelPackInstall).Methods("POST")

	s.router.Use(s.logRequests)
}

// logRequests logs each request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// Start begins listening for HTTP connections
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("Server listening", zap.String("url", fmt.Sprintf("http://localhost:%d", s.cfg.Server.Port)))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.historyStore != nil {
		if cerr := s.historyStore.Close(); cerr != nil {
			s.logger.Warn("Error closing run history", zap.Error(cerr))
		}
	}
	return err
}
