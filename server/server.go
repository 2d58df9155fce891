// Package server exposes the gateway over HTTP: synchronous chat,
// SSE streaming chat, critical-action confirmation and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/careops/wardgate/agent"
	"github.com/careops/wardgate/formatter"
	"github.com/careops/wardgate/logging"
)

// Options tune the HTTP layer.
type Options struct {
	// RateRPS is the sustained per-tenant request rate. Zero disables
	// rate limiting.
	RateRPS   float64
	RateBurst int
	// HTTPClient is used for backend health probes.
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Server is the echo application serving the gateway API.
type Server struct {
	echo      *echo.Echo
	agent     *agent.Agent
	formatter *formatter.Formatter
	backends  map[string]string
	client    *http.Client
	logger    logging.Logger
}

// New assembles the router. backends maps service names to base URLs
// for the health fan-out.
func New(ag *agent.Agent, fm *formatter.Formatter, backends map[string]string, optFns ...func(o *Options)) *Server {
	opts := Options{
		RateBurst:  20,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		echo:      echo.New(),
		agent:     ag,
		formatter: fm,
		backends:  backends,
		client:    opts.HTTPClient,
		logger:    logging.OrNoOp(opts.Logger),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger)
	if opts.RateRPS > 0 {
		s.echo.Use(tenantRateLimiter(opts.RateRPS, opts.RateBurst))
	}

	s.echo.POST("/chat", s.handleChat)
	s.echo.POST("/chat/stream", s.handleChatStream)
	s.echo.POST("/confirm/:confirmation_id", s.handleConfirm)
	s.echo.GET("/health", s.handleHealth)

	return s
}

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}
}

// tenantRateLimiter keys the limiter on the tenant header so one noisy
// tenant cannot starve the rest. Requests without the header fall back
// to the client IP.
func tenantRateLimiter(rps float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(rps),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			if tenant := c.Request().Header.Get("X-Tenant-ID"); tenant != "" {
				return tenant, nil
			}
			return c.RealIP(), nil
		},
	})
}
