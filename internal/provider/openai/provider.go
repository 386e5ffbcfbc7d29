package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"unigate/internal/config"
	"unigate/internal/models"
	"unigate/internal/provider"
)

// Provider implements provider.Provider for OpenAI-compatible APIs.
type Provider struct {
	name      string
	baseURL   string
	headers   map[string]string
	client    *http.Client
	models    provider.Allowlist
	chatURL   string
	modelsURL string
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai provider %q requires an api key", name)
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	headers["Authorization"] = "Bearer " + cfg.APIKey
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Provider{
		name:      name,
		baseURL:   baseURL,
		headers:   headers,
		client:    client,
		models:    provider.Allowlist(cfg.Models),
		chatURL:   baseURL + "/chat/completions",
		modelsURL: baseURL + "/models",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() string {
	return config.KindOpenAI
}

func (p *Provider) SupportsModel(model string) bool {
	return p.models.Allows(model)
}

// HealthCheck lists the models visible to the configured key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodGet, p.modelsURL, nil, p.headers)
	if err != nil {
		return err
	}

	httpResp, err := provider.Do(p.client, p.name, "health check", httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	return provider.DecodeJSON(p.name, "health check", httpResp.Body, &list)
}

func (p *Provider) ChatCompletion(ctx context.Context, req *provider.Request) (models.Result, error) {
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, p.chatURL, buildChatPayload(req, false), p.headers)
	if err != nil {
		return models.Result{}, err
	}

	httpResp, err := provider.Do(p.client, p.name, "chat", httpReq)
	if err != nil {
		return models.Result{}, err
	}
	defer httpResp.Body.Close()

	var providerResp chatResponse
	if err := provider.DecodeJSON(p.name, "chat", httpResp.Body, &providerResp); err != nil {
		return models.Result{}, err
	}

	result, ok := providerResp.toResult()
	if !ok {
		return models.Result{}, provider.NoUsableCandidate(p.name, "chat")
	}
	return result, nil
}

func (p *Provider) StreamChatCompletion(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, p.chatURL, buildChatPayload(req, true), p.headers)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := provider.Do(p.client, p.name, "stream", httpReq)
	if err != nil {
		return nil, err
	}

	return provider.NewStream(ctx, p.name, httpResp.Body, provider.SSEFraming, newStreamDecoder(p.name)), nil
}
