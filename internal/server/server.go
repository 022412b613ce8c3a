package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// ServerConfig holds configuration for the HTTP server
type ServerConfig struct {
	Addr    string // Server bind address (e.g., ":8090")
	DevMode bool   // Enable development mode (detailed error responses)
	APIKey  string // Optional API key for authentication

	// Per-client request rate for /v1; zero disables the limiter.
	RateLimit float64
	RateBurst int
}

// ServerDeps contains dependencies required to create a new Server
type ServerDeps struct {
	Handlers *Handlers
	Config   ServerConfig
}

// Server wraps Echo HTTP server with additional lifecycle management
type Server struct {
	e      *echo.Echo
	cfg    ServerConfig
	closed chan struct{}
}

// NewServer creates a new HTTP server with the given dependencies
func NewServer(deps ServerDeps) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := deps.Handlers
	if h.Logger == nil {
		h.Logger = logrus.New()
	}
	h.DevMode = h.DevMode || deps.Config.DevMode

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.Logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency,
			}).Debug("request")
			return nil
		},
	}))

	e.Server.ReadTimeout = 15 * time.Second
	e.Server.WriteTimeout = 75 * time.Second
	e.Server.IdleTimeout = 60 * time.Second

	RegisterRoutes(e, h, deps.Config)

	return &Server{e: e, cfg: deps.Config, closed: make(chan struct{})}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() *echo.Echo {
	return s.e
}

// Start begins serving HTTP requests on the configured address
func (s *Server) Start() error {
	return s.e.Start(s.cfg.Addr)
}

// Shutdown gracefully shuts down the server with a 10-second timeout
func (s *Server) Shutdown(ctx context.Context) error {
	defer close(s.closed)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// WaitClosed blocks until the server is fully shut down or context times out
func (s *Server) WaitClosed(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return nil
	}
}

// SetNoCacheHeaders middleware prevents caching of API responses
func SetNoCacheHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		return next(c)
	}
}

// SetJSONContentType middleware ensures all responses have JSON content type
func SetJSONContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		return next(c)
	}
}
