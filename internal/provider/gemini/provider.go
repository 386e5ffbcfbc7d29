package gemini

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"unigate/internal/config"
	"unigate/internal/models"
	"unigate/internal/provider"
)

const (
	methodGenerate = "generateContent"
	methodStream   = "streamGenerateContent"
)

// Provider implements provider.Provider for the Gemini generateContent API.
// The configured url is the models collection, for example
// https://generativelanguage.googleapis.com/v1beta/models.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
	models  provider.Allowlist
}

// New constructs a Gemini provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini provider requires an api key")
	}

	return &Provider{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		headers: cfg.Headers,
		client:  client,
		models:  provider.Allowlist(cfg.Models),
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Kind() string {
	return config.KindGemini
}

func (p *Provider) SupportsModel(model string) bool {
	return p.models.Allows(model)
}

// endpoint builds {base}/{model}:{method}?key={api_key}.
func (p *Provider) endpoint(model, method string) string {
	query := url.Values{"key": {p.apiKey}}
	segments := strings.Split(model, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return p.baseURL + "/" + strings.Join(segments, "/") + ":" + method + "?" + query.Encode()
}

// HealthCheck lists models with the configured key.
func (p *Provider) HealthCheck(ctx context.Context) error {
	query := url.Values{"key": {p.apiKey}, "pageSize": {"1"}}
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodGet, p.baseURL+"?"+query.Encode(), nil, p.headers)
	if err != nil {
		return err
	}

	httpResp, err := provider.Do(p.client, p.name, "health check", httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	var list struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	return provider.DecodeJSON(p.name, "health check", httpResp.Body, &list)
}

func (p *Provider) ChatCompletion(ctx context.Context, req *provider.Request) (models.Result, error) {
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, p.endpoint(req.Model, methodGenerate), buildPayload(req), p.headers)
	if err != nil {
		return models.Result{}, err
	}

	httpResp, err := provider.Do(p.client, p.name, "chat", httpReq)
	if err != nil {
		return models.Result{}, err
	}
	defer httpResp.Body.Close()

	var providerResp generateResponse
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
	httpReq, err := provider.NewJSONRequest(ctx, http.MethodPost, p.endpoint(req.Model, methodStream), buildPayload(req), p.headers)
	if err != nil {
		return nil, err
	}

	httpResp, err := provider.Do(p.client, p.name, "stream", httpReq)
	if err != nil {
		return nil, err
	}

	return provider.NewStream(ctx, p.name, httpResp.Body, provider.JSONArrayFraming, &streamDecoder{backend: p.name}), nil
}
