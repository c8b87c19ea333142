// Package server provides the HTTP API for reports, comments, annotation and bulk uploads.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/sensor/internal/config"
	"github.com/hyperjump/sensor/internal/keyword"
	"github.com/hyperjump/sensor/internal/models"
	"github.com/hyperjump/sensor/internal/storage"
	"github.com/hyperjump/sensor/internal/trace"
)

// Uploads accepts bulk uploads and reports their progress.
type Uploads interface {
	Submit(ctx context.Context, req models.UploadRequest) (models.UploadResponse, error)
	Status(ctx context.Context, jobID string) (models.UploadSnapshot, error)
}

// Annotator annotates one comment. The server expects it to persist the result.
type Annotator interface {
	Annotate(ctx context.Context, c *models.Comment) (models.CommentPatch, error)
}

// WatchService manages inbox directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the sensor API.
type Server struct {
	storage   storage.Storage
	uploads   Uploads
	index     keyword.CommentIndex
	annotator Annotator
	config    *config.ServerConfig
	logger    *zap.Logger
	server    *http.Server

	watch         WatchService
	configPath    string
	fullConfig    *config.Config
	fullConfigMu  sync.Mutex
	diskPaths     []string
	searchDefault int
}

// Option configures a Server.
type Option func(*Server)

// WithIndex enables the search endpoint and keeps the index in step with deletes.
func WithIndex(idx keyword.CommentIndex) Option {
	return func(s *Server) { s.index = idx }
}

// WithAnnotator enables the annotate endpoint.
func WithAnnotator(a Annotator) Option {
	return func(s *Server) { s.annotator = a }
}

// WithWatch enables the inbox directory endpoints. When configPath is set, directory
// changes are saved to cfg at that path.
func WithWatch(w WatchService, configPath string, cfg *config.Config) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
		s.fullConfig = cfg
	}
}

// WithDiskPaths lists extra paths, such as the search index, counted in the status report.
func WithDiskPaths(paths ...string) Option {
	return func(s *Server) { s.diskPaths = paths }
}

// NewServer creates a server with the given dependencies.
func NewServer(store storage.Storage, uploads Uploads, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		storage:       store,
		uploads:       uploads,
		config:        cfg,
		logger:        logger,
		searchDefault: 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	r.Use(s.traceRequests)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/reports", s.handleListReports)
		r.Route("/reports/{rid}", func(r chi.Router) {
			r.Get("/", s.handleGetReport)
			r.Delete("/", s.handleDeleteReport)
			r.Post("/thresholds", s.handleUpdateThresholds)
			r.Get("/comments", s.handleListComments)
			r.Post("/comments/batch", s.handleCreateComments)
			r.Get("/themes", s.handleThemes)
			r.Get("/search", s.handleSearch)
		})

		r.Route("/comments/{cid}", func(r chi.Router) {
			r.Get("/", s.handleGetComment)
			r.Delete("/", s.handleDeleteComment)
			r.Post("/annotate", s.handleAnnotate)
			r.Post("/clear", s.handleClearAnnotation)
		})

		r.Post("/uploads", s.handleUpload)
		r.Get("/uploads/{job}/status", s.handleUploadStatus)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// traceRequests adopts the client's correlation id, or assigns one, and logs the request.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(trace.Header)
		if id == "" {
			id = trace.NewID()
		}
		w.Header().Set(trace.Header, id)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(trace.WithID(r.Context(), id)))
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("trace_id", id))
	})
}
