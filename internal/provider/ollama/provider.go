package ollama

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"unigate/internal/config"
	"unigate/internal/models"
	"unigate/internal/provider"
)

// Provider implements provider.Provider for an Ollama server's native API.
type Provider struct {
	name       string
	client     *http.Client
	headers    map[string]string
	models     provider.Allowlist
	chatURL    string
	versionURL string
}

// New constructs an Ollama provider. Ollama needs no credential; a configured
// api_key is sent as a bearer token for servers running behind a proxy.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	headers := make(map[string]string, len(cfg.Headers)+1)
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Provider{
		name:       name,
		client:     client,
		headers:    headers,
		models:     provider.Allowlist(cfg.Models),
		chatURL:    baseURL + "/api/chat",
		versionURL: baseURL + "/api/version",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() string {
	return config.KindOllama
}

func (p *Provider) SupportsModel(model string) bool {
	return p.models.Allows(model)
}

// HealthCheck queries the server version endpoint.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodGet, p.versionURL, nil, p.headers)
	if err != nil {
		return err
	}

	httpResp, err := provider.Do(p.client, p.name, "health check", httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	var version struct {
		Version string `json:"version"`
	}
	return provider.DecodeJSON(p.name, "health check", httpResp.Body, &version)
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
	httpReq.Header.Set("Accept", "application/x-ndjson")

	httpResp, err := provider.Do(p.client, p.name, "stream", httpReq)
	if err != nil {
		return nil, err
	}

	return provider.NewStream(ctx, p.name, httpResp.Body, provider.NDJSONFraming, &streamDecoder{backend: p.name}), nil
}
