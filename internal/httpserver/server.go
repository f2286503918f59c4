// Package httpserver is the HTTP adapter over the notification service: a
// gin router with the delivery endpoints, health probes and the shared
// middleware chain. It holds no business logic.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/notifyrelay/notifyrelay/internal/middleware"
	"github.com/notifyrelay/notifyrelay/internal/monitoring"
)

// Options configures the HTTP server.
type Options struct {
	Addr          string
	ServiceName   string
	Service       NotificationService
	HealthChecker *monitoring.HealthChecker
	Logging       *middleware.LoggingConfig
}

// Server wraps the gin engine and the underlying http.Server.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds the router and wires the middleware chain: correlation first,
// then tracing, request logging and panic recovery.
func New(opts Options) *Server {
	engine := gin.New()
	engine.Use(middleware.CorrelationID())
	engine.Use(otelgin.Middleware(opts.ServiceName))
	engine.Use(middleware.RequestLogger(opts.Logging))
	engine.Use(middleware.ErrorHandler())

	handler := NewHandler(opts.Service)

	engine.GET("/health", opts.HealthChecker.LivenessHandler())
	engine.GET("/health/ready", opts.HealthChecker.ReadinessHandler())

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/notifications", handler.CreateNotification)
		v1.GET("/notifications/:id", handler.GetNotification)
		v1.GET("/notifications", handler.ListNotifications)
	}

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
