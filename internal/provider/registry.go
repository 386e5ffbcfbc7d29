package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"unigate/internal/models"
)

// Request is the backend-facing form of a chat completion: the model name is
// already stripped of its backend prefix.
type Request struct {
	Model       string
	Messages    []models.Message
	Temperature *float64
	MaxTokens   *int
	Tools       []models.ToolDeclaration
}

// Provider defines the behaviour every backend adapter implements.
type Provider interface {
	Name() string
	Kind() string
	SupportsModel(model string) bool
	HealthCheck(ctx context.Context) error
	ChatCompletion(ctx context.Context, req *Request) (models.Result, error)
	StreamChatCompletion(ctx context.Context, req *Request) (*Stream, error)
}

// Allowlist restricts the models a backend serves. An empty list allows every model.
type Allowlist []string

// Allows reports whether model is permitted.
func (a Allowlist) Allows(model string) bool {
	return len(a) == 0 || slices.Contains(a, model)
}

// Registry maps backend names to providers. It is immutable after
// construction and safe for concurrent lookups without locking.
type Registry struct {
	backends map[string]Provider
	names    []string
}

// NewRegistry constructs a registry holding the given providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{backends: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("provider must not be nil")
		}
		if _, exists := r.backends[p.Name()]; exists {
			return nil, fmt.Errorf("provider %q already registered", p.Name())
		}
		r.backends[p.Name()] = p
		r.names = append(r.names, p.Name())
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.backends[name]
	return p, ok
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Resolve returns the provider for id, failing with ErrBackendNotConfigured or
// ErrUnsupportedModel without touching the network.
func (r *Registry) Resolve(id models.ModelIdentifier) (Provider, error) {
	p, ok := r.Get(id.Backend)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotConfigured, id.Backend)
	}
	if !p.SupportsModel(id.ModelName) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, id)
	}
	return p, nil
}
