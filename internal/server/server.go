package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"unigate/internal/config"
	"unigate/internal/models"
	"unigate/internal/observability"
	"unigate/internal/orchestrator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	writeTimeoutSlack   = 5 * time.Second
	rateLimitExpiry     = 3 * time.Minute
)

// Gateway is the completion surface the HTTP layer serves.
type Gateway interface {
	Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error)
	Stream(ctx context.Context, req *models.ChatCompletionRequest) (*orchestrator.Stream, error)
	Backends() []string
}

type Server struct {
	cfg     config.Config
	gateway Gateway
	metrics *observability.Metrics
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware. metrics
// may be nil, in which case no metrics route is mounted.
func New(cfg config.Config, gateway Gateway, metrics *observability.Metrics) (*Server, error) {
	if gateway == nil {
		return nil, errors.New("gateway must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if cfg.RateLimit.Enabled {
		e.Use(rateLimiter(cfg.RateLimit))
	}

	srv := &Server{
		cfg:     cfg,
		gateway: gateway,
		metrics: metrics,
		app:     e,
		address: cfg.Server.Address(),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the configured echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}
	if s.cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Server.MaxConnections)
	}
	s.app.Listener = ln

	printStartupBanner(s.cfg, s.gateway.Backends())
	slog.Info("starting server", "addr", ln.Addr().String(), "max_connections", s.cfg.Server.MaxConnections)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Server.Timeout() + writeTimeoutSlack,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.POST("/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		s.app.GET(s.cfg.Metrics.Path, echo.WrapHandler(s.metrics.Handler()))
	}
}

// rateLimiter limits completion requests per client IP. Health and metrics
// probes are exempt.
func rateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		Burst:     cfg.BurstSize,
		ExpiresIn: rateLimitExpiry,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return !strings.HasSuffix(c.Path(), "/chat/completions")
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return requestError{
				Status:  http.StatusForbidden,
				Message: "unable to identify client",
				Type:    "invalid_request_error",
			}
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return requestError{
				Status:  http.StatusTooManyRequests,
				Message: "rate limit exceeded",
				Type:    "rate_limit_error",
				Code:    "rate_limited",
			}
		},
	})
}

func printStartupBanner(cfg config.Config, backends []string) {
	fmt.Println()
	fmt.Println("unigate ready")
	fmt.Printf("Listening on http://%s\n", cfg.Server.Address())
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  POST /chat/completions")
	fmt.Println("  POST /v1/chat/completions")
	if cfg.Metrics.Enabled {
		fmt.Printf("  GET  %s\n", cfg.Metrics.Path)
	}
	fmt.Printf("Backends: %s\n", strings.Join(backends, ", "))
	fmt.Printf("Example:\n  curl http://%s/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"ollama:llama3\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", cfg.Server.Address())
}
