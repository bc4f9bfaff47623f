// Package api is the HTTP adapter of the Caliper engine. It translates REST
// calls into engine operations and engine error kinds into status codes; no
// orchestration logic lives here.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/domain"
	"github.com/caliperml/caliper/engine"
	"github.com/caliperml/caliper/queue"
)

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	Port            int
	BodyLimit       string // e.g., "100M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64 // Requests per second (0 = no limit)
}

// DefaultServerConfig returns a server config with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8090,
		BodyLimit:       "100M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimit:       0,
	}
}

// Server serves the engine's REST surface.
type Server struct {
	echo     *echo.Echo
	config   ServerConfig
	service  *engine.Service
	uploader *engine.Uploader
	queue    *queue.TaskQueue
	logger   *logrus.Entry
}

// NewServer builds the echo server with standard middleware and all routes
// registered.
func NewServer(config ServerConfig, service *engine.Service, uploader *engine.Uploader, q *queue.TaskQueue, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(common.Logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}
	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}
	e.HTTPErrorHandler = httpErrorHandler

	s := &Server{
		echo:     e,
		config:   config,
		service:  service,
		uploader: uploader,
		queue:    q,
		logger:   logger.WithField("component", "api"),
	}
	s.routes()
	return s
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.WithField("port", s.config.Port).Info("starting HTTP server")
	return s.echo.StartServer(server)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// httpErrorHandler maps engine error kinds onto status codes.
func httpErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := err.Error()

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		code = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			message = msg
		}
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvalidStateForUpload),
		errors.Is(err, domain.ErrStaleWrite):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrUnknownTask):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrTransient):
		code = http.StatusServiceUnavailable
	}

	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
		} else {
			_ = c.JSON(code, ErrorResponse{
				Error:   http.StatusText(code),
				Message: message,
			})
		}
	}
}
