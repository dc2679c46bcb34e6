package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/canon/internal/ingest"
	"horse.fit/canon/internal/metrics"
	"horse.fit/canon/internal/pipeline"
	"horse.fit/canon/internal/stages"
)

const (
	defaultClaimLimit = 10
	maxClaimLimit     = 500
	defaultBodyLimit  = "4M"
	metricsPath       = "/metrics"
)

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AdminTokenHash is the bcrypt hash admin routes compare bearer tokens
	// against. Empty disables the admin routes.
	AdminTokenHash string
}

type Server struct {
	service *pipeline.Service
	machine *stages.Machine
	decoder *ingest.Decoder
	metrics *metrics.Metrics
	logger  zerolog.Logger
	opts    Options
}

func NewServer(service *pipeline.Service, machine *stages.Machine, decoder *ingest.Decoder, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	if decoder == nil {
		decoder = ingest.NewDecoder(false)
	}

	return &Server{
		service: service,
		machine: machine,
		decoder: decoder,
		metrics: m,
		logger:  logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
			AdminTokenHash:  strings.TrimSpace(opts.AdminTokenHash),
		},
	}
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() (*echo.Echo, error) {
	if s == nil || s.service == nil || s.machine == nil {
		return nil, fmt.Errorf("server is not initialized")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(defaultBodyLimit))
	e.Use(s.countRequests())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: s.logRequest,
	}))

	e.GET(metricsPath, echo.WrapHandler(s.metrics.Handler()))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/stats", s.handleStats)
	api.POST("/documents", s.handleIngest)
	api.GET("/documents/:id", s.handleDocument)
	api.GET("/clusters/:primary_id", s.handleCluster)
	api.POST("/stages/:stage/claim", s.handleClaim)
	api.POST("/stages/:stage/complete", s.handleComplete)
	api.POST("/stages/:stage/fail", s.handleFail)

	requireAdmin := s.requireAdmin()
	api.POST("/stages/:stage/reset", s.handleReset, requireAdmin)
	api.POST("/stages/:stage/release-stale", s.handleReleaseStale, requireAdmin)

	return e, nil
}

func (s *Server) Start(ctx context.Context) error {
	e, err := s.Handler()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Bool("admin_routes", s.opts.AdminTokenHash != "").Msg("canon api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("canon api server stopped")
	return nil
}

// logRequest logs server errors at error, client errors at warn and metric
// scrapes at debug.
func (s *Server) logRequest(c echo.Context, v middleware.RequestLoggerValues) error {
	event := s.logger.Info()
	switch {
	case v.Status >= http.StatusInternalServerError:
		event = s.logger.Error()
	case v.Status >= http.StatusBadRequest:
		event = s.logger.Warn()
	case c.Path() == metricsPath:
		event = s.logger.Debug()
	}
	event.
		Err(v.Error).
		Str("method", v.Method).
		Str("uri", v.URI).
		Str("route", c.Path()).
		Int("status", v.Status).
		Dur("latency", v.Latency).
		Str("remote_ip", v.RemoteIP).
		Str("request_id", v.RequestID).
		Msg("http request")
	return nil
}

// countRequests records one counter sample per request, labelled by route
// pattern rather than raw path.
func (s *Server) countRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			s.metrics.Request(c.Request().Method, route, strconv.Itoa(status))
			return err
		}
	}
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	isAPI := strings.HasPrefix(c.Request().URL.Path, "/api/")
	if isAPI {
		if status >= 500 {
			_ = internalError(c, "Internal server error")
			return
		}
		_ = fail(c, status, message, nil)
		return
	}

	_ = c.String(status, message)
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}
