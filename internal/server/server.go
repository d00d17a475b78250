// Package server provides the HTTP API for medrag.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/medrag/internal/chat"
	"github.com/hyperjump/medrag/internal/config"
	"github.com/hyperjump/medrag/internal/indexer"
	"github.com/hyperjump/medrag/internal/retrieval"
	"github.com/hyperjump/medrag/internal/storage"
	"github.com/hyperjump/medrag/pkg/utils"
)

// Server is the HTTP server for the medrag API. Authorization of the
// patient in the path is left to the fronting gateway.
type Server struct {
	indexer   *indexer.Indexer
	store     storage.Store
	retriever *retrieval.Retriever
	chat      *chat.Orchestrator
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server
	started   time.Time
}

// NewServer creates a server with the given dependencies.
func NewServer(
	idx *indexer.Indexer,
	store storage.Store,
	retriever *retrieval.Retriever,
	orchestrator *chat.Orchestrator,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	logger = utils.OrNop(logger)
	return &Server{
		indexer:   idx,
		store:     store,
		retriever: retriever,
		chat:      orchestrator,
		config:    cfg,
		logger:    logger,
		started:   time.Now(),
	}
}

// Router returns the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/documents", s.handleIndexDocument)
		r.Route("/documents/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDocument)
			r.Delete("/", s.handleDeleteDocument)
			r.Get("/chunks", s.handleDocumentChunks)
			r.Post("/reindex", s.handleReindexDocument)
		})

		r.Delete("/extractions/{id}", s.handleDeleteExtraction)

		r.Route("/patients/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDeletePatient)
			r.Get("/documents", s.handlePatientDocuments)
			r.Delete("/chunks", s.handleDeletePatientChunks)
			r.Post("/reindex", s.handleReindexPatient)
			r.Get("/stats", s.handlePatientStats)
			r.Post("/search", s.handleSearch)
			r.Post("/chat", s.handleChat)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// requestLogger logs method, route and status. Paths carry only numeric ids
// and bodies are never logged.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
