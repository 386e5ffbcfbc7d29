package factory

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"unigate/internal/config"
	"unigate/internal/provider"
	geminiProvider "unigate/internal/provider/gemini"
	ollamaProvider "unigate/internal/provider/ollama"
	openaiProvider "unigate/internal/provider/openai"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	healthCheckTimeout     = 10 * time.Second
)

// Options tune how backends are constructed.
type Options struct {
	// Client overrides the per-backend HTTP client. Used by tests.
	Client *http.Client
	// SkipHealthChecks disables startup probing for every backend.
	SkipHealthChecks bool
}

// New constructs the provider for one configured backend, selected by kind.
func New(name string, cfg config.ProviderConfig, client *http.Client) (provider.Provider, error) {
	switch cfg.Kind {
	case config.KindOllama:
		return ollamaProvider.New(name, cfg, client)
	case config.KindGemini:
		return geminiProvider.New(name, cfg, client)
	case config.KindOpenAI:
		return openaiProvider.New(name, cfg, client)
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", cfg.Kind)
	}
}

// Build constructs every configured backend, health checks them concurrently
// and returns the resulting registry. The first failing check aborts startup.
func Build(ctx context.Context, cfg config.Config, opts Options) (*provider.Registry, error) {
	var providers []provider.Provider
	var probes []provider.Provider

	for _, name := range cfg.ProviderNames() {
		pc := cfg.Providers[name]

		client := opts.Client
		if client == nil {
			client = newHTTPClient(pc.Timeout())
		}

		p, err := New(name, pc, client)
		if err != nil {
			return nil, fmt.Errorf("initialise %s backend: %w", name, err)
		}
		providers = append(providers, p)

		if !opts.SkipHealthChecks && pc.HealthCheckEnabled() {
			probes = append(probes, p)
		}
	}

	if err := HealthCheck(ctx, probes...); err != nil {
		return nil, err
	}

	registry, err := provider.NewRegistry(providers...)
	if err != nil {
		return nil, fmt.Errorf("register backends: %w", err)
	}
	return registry, nil
}

// HealthCheck probes each provider concurrently and returns the first failure.
func HealthCheck(ctx context.Context, providers ...provider.Provider) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range providers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, healthCheckTimeout)
			defer cancel()

			start := time.Now()
			if err := p.HealthCheck(checkCtx); err != nil {
				return fmt.Errorf("health check %s: %w", p.Name(), err)
			}
			slog.Info("backend healthy", "backend", p.Name(), "kind", p.Kind(), "latency_ms", time.Since(start).Milliseconds())
			return nil
		})
	}
	return g.Wait()
}

// newHTTPClient bounds the wait for response headers rather than the whole
// exchange, so long streamed bodies are limited only by the request context.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Transport: transport,
	}
}
