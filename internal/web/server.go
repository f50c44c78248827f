// Package web exposes the knowledge base over HTTP.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/reconcile"
	"github.com/roach88/kbase/internal/transfer"
)

// Options configures a Server. Zero values select defaults.
type Options struct {
	Logger *slog.Logger

	// MaxUploadBytes bounds POST /api/upload bodies.
	MaxUploadBytes int64

	// MaxBodyBytes bounds item and import request bodies.
	MaxBodyBytes int64
}

const (
	defaultMaxUploadBytes = 5 << 20
	defaultMaxBodyBytes   = 64 << 20
)

// Server is the kbase HTTP server.
type Server struct {
	eng      *reconcile.Engine
	blobs    blob.Blobs
	exporter *transfer.Exporter
	importer *transfer.Importer
	opts     Options
	logger   *slog.Logger
	router   *gin.Engine
}

// NewServer wires the routes.
func NewServer(eng *reconcile.Engine, blobs blob.Blobs, exporter *transfer.Exporter, importer *transfer.Importer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	router := gin.New()
	s := &Server{
		eng:      eng,
		blobs:    blobs,
		exporter: exporter,
		importer: importer,
		opts:     opts,
		logger:   opts.Logger,
		router:   router,
	}
	router.Use(gin.Recovery(), s.logRequests)

	router.GET("/uploads/:key", s.handleImage)

	api := router.Group("/api")
	{
		api.GET("/items", s.handleList)
		api.GET("/items/search", s.handleSearch)
		api.GET("/items/:id", s.handleGet)
		api.POST("/items", s.handleCreate)
		api.PUT("/items/:id", s.handleUpdate)
		api.DELETE("/items/:id", s.handleDelete)

		api.GET("/incidents", s.handleByKind("incident"))
		api.GET("/instructions", s.handleByKind("instruction"))

		api.POST("/upload", s.handleUpload)
		api.GET("/export", s.handleExport)
		api.POST("/import", s.handleImport)
		api.DELETE("/clear", s.handleClear)
		api.POST("/sweep", s.handleSweep)
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()

	level := slog.LevelDebug
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(c.Request.Context(), level, "http request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start),
	)
}
