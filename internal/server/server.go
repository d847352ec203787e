// Package server is the local HTTP front the agent talks to. It accepts
// Anthropic Messages requests, hands them to the upstream client and writes
// the translated answer back, streaming when the agent asked for it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/auth"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/instructions"
	"github.com/dvcrn/claude-openai-bridge/internal/probe"
	"github.com/dvcrn/claude-openai-bridge/internal/upstream"
)

const (
	maxRequestBody      = 32 << 20
	shutdownGracePeriod = 10 * time.Second
	readHeaderTimeout   = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Options struct {
	Addr     string
	Upstream *upstream.Client
	Prober   *probe.Prober
	// Auth and Instructions are nil for the generic backend.
	Auth         *auth.Coordinator
	Instructions *instructions.Cache
	AdminAPIKey  string
	Logger       zerolog.Logger
	Tracer       trace.Tracer
	Now          func() time.Time
}

type Server struct {
	routing      config.Routing
	upstream     *upstream.Client
	prober       *probe.Prober
	auth         *auth.Coordinator
	instructions *instructions.Cache
	adminKey     string
	addr         string

	app    *echo.Echo
	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New wires routes and middleware. Nothing listens until Run.
func New(opts Options) *Server {
	s := &Server{
		routing:      opts.Upstream.Routing(),
		upstream:     opts.Upstream,
		prober:       opts.Prober,
		auth:         opts.Auth,
		instructions: opts.Instructions,
		adminKey:     strings.TrimSpace(opts.AdminAPIKey),
		addr:         opts.Addr,
		log:          opts.Logger.With().Str("component", "server").Logger(),
		tracer:       opts.Tracer,
		now:          opts.Now,
	}
	if s.prober == nil {
		s.prober = probe.New(probe.Options{Logger: opts.Logger})
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/dvcrn/claude-openai-bridge/internal/server")
	}
	if s.now == nil {
		s.now = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Pre(eventLoggingSink)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogUserAgent: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Str("user_agent", v.UserAgent).
				Dur("duration", v.Latency).
				Msg("Finished request")
			return nil
		},
	}))

	s.app = e
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	for _, prefix := range []string{"", "/anthropic"} {
		s.app.POST(prefix+"/v1/messages", s.handleMessages)
		s.app.POST(prefix+"/v1/messages/count_tokens", s.handleCountTokens)
	}

	admin := s.app.Group("/admin", s.adminMiddleware)
	admin.GET("/status", s.handleStatus)
	admin.POST("/reset", s.handleReset)
	admin.POST("/credentials", s.handleSetCredentials)
	admin.DELETE("/credentials", s.handleClearCredentials)

	s.app.RouteNotFound("/*", s.handleNotFound)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.app }

// Run binds the listener and serves until ctx is cancelled. A bind failure
// is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.app.Listener = ln
	s.app.Server.ReadHeaderTimeout = readHeaderTimeout
	s.app.Server.IdleTimeout = idleTimeout

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", s.routing.Backend.String()).
		Str("target", s.routing.Target).
		Msg("🚀 Proxy listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(s.app.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.log.Info().Msg("👋 Server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// eventLoggingSink swallows the agent's telemetry posts.
func eventLoggingSink(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if strings.Contains(c.Request().URL.Path, "event_logging") {
			return c.NoContent(http.StatusOK)
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleNotFound(c echo.Context) error {
	r := c.Request()
	s.log.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	return c.String(http.StatusNotFound, "Not found: "+r.RequestURI)
}

// errorHandler renders every handler error in the agent's error envelope.
// Errors after the response was committed can only be logged.
func (s *Server) errorHandler(err error, c echo.Context) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code == http.StatusNotFound && !c.Response().Committed {
			_ = s.handleNotFound(c)
			return
		}
		kind := apierr.KindInternal
		if he.Code < http.StatusInternalServerError {
			kind = apierr.KindInvalidRequest
		}
		err = apierr.WithStatus(kind, he.Code, fmt.Sprint(he.Message), err)
	}
	e := apierr.As(err)

	ev := s.log.Warn()
	if e.Status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	ev.Err(err).
		Str("kind", e.Kind.String()).
		Int("status", e.Status).
		Str("uri", c.Request().RequestURI).
		Msg("Request failed")

	if c.Response().Committed {
		return
	}
	if err := c.JSONBlob(e.Status, e.MarshalEnvelope()); err != nil {
		s.log.Error().Err(err).Msg("Failed to write error response")
	}
}
