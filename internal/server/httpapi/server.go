// Package httpapi exposes the dashboard and plugin HTTP API on gin.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmitrijs2005/optipress/internal/logging"
	"github.com/dmitrijs2005/optipress/internal/server/metrics"
	"github.com/dmitrijs2005/optipress/internal/server/services"
	"github.com/dmitrijs2005/optipress/internal/server/transfer"
	"github.com/dmitrijs2005/optipress/internal/server/webhooks"
	"github.com/gin-gonic/gin"
)

const (
	maxWebhookBody = 1 << 20
	maxJSONBody    = 64 << 10
	shutdownWait   = 10 * time.Second
)

type Server struct {
	address    string
	router     *gin.Engine
	auth       services.Authenticator
	users      *services.UserService
	optimize   *services.OptimizeService
	transfer   *transfer.Orchestrator
	reconciler *webhooks.Reconciler
	metrics    *metrics.Metrics
	logger     logging.Logger
}

func NewServer(address string, l logging.Logger, m *metrics.Metrics, a services.Authenticator,
	us *services.UserService, ops *services.OptimizeService, t *transfer.Orchestrator, r *webhooks.Reconciler) *Server {
	s := &Server{
		address:    address,
		router:     gin.New(),
		auth:       a,
		users:      us,
		optimize:   ops,
		transfer:   t,
		reconciler: r,
		metrics:    m,
		logger:     l.With("module", "http_server"),
	}
	s.router.HandleMethodNotAllowed = true

	s.router.Use(gin.Recovery())
	s.router.Use(metrics.Middleware(m))
	s.router.Use(loggingMiddleware(s.logger))

	s.setupRoutes()
	return s
}

// Handler returns the gin engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/signup", s.handleSignup)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
		authGroup.POST("/logout", s.requireAccount(), s.handleLogout)
	}

	user := api.Group("/user", s.requireAccount())
	{
		user.GET("/me", s.handleMe)
		user.GET("/credits", s.handleCredits)
	}

	images := api.Group("/images", s.requireAccount())
	{
		images.POST("/upload-url", s.handleUploadURL)
		images.POST("/optimize", s.handleOptimize)
		images.POST("/delete", s.handleDelete)
	}

	api.POST("/webhooks/freemius", s.handleWebhook)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWait)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
