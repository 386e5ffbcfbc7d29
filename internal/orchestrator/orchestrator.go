package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"unigate/internal/config"
	"unigate/internal/models"
	"unigate/internal/observability"
	"unigate/internal/provider"
	"unigate/internal/tools"
)

const (
	modeSync   = "sync"
	modeStream = "stream"

	outcomeOK        = "ok"
	outcomeError     = "error"
	outcomeToolError = "tool_error"
)

// ToolCallError reports a failed tool dispatch together with the call the
// model attempted. It unwraps to tools.ErrToolNotFound or *tools.ExecutionError.
type ToolCallError struct {
	Backend string
	Call    models.ToolCall
	Err     error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool call %s from %s: %v", e.Call.Name, e.Backend, e.Err)
}

func (e *ToolCallError) Unwrap() error { return e.Err }

// RetryPolicy controls how often a failed backend call is repeated.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
}

// RetryPolicies derives the per-backend retry policy from configuration.
func RetryPolicies(cfg config.Config) map[string]RetryPolicy {
	out := make(map[string]RetryPolicy, len(cfg.Providers))
	for name, p := range cfg.Providers {
		out[name] = RetryPolicy{MaxRetries: p.MaxRetries, Delay: p.RetryDelay()}
	}
	return out
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicies sets the retry policy of each named backend.
func WithRetryPolicies(policies map[string]RetryPolicy) Option {
	return func(o *Orchestrator) {
		for name, p := range policies {
			o.retries[name] = p
		}
	}
}

// WithMetrics records completion metrics into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator drives one chat completion from the inbound request to the
// final assistant message: it resolves the backend, dispatches the request
// and runs at most one tool call the model asks for.
type Orchestrator struct {
	registry *provider.Registry
	catalog  *tools.Catalog
	retries  map[string]RetryPolicy
	metrics  *observability.Metrics
}

// New constructs an orchestrator backed by the provided registry and tool catalog.
// A nil catalog means no tool is executable; calls to declared tools then fail
// with tools.ErrToolNotFound.
func New(registry *provider.Registry, catalog *tools.Catalog, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	o := &Orchestrator{
		registry: registry,
		catalog:  catalog,
		retries:  make(map[string]RetryPolicy),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Backends lists the configured backend names.
func (o *Orchestrator) Backends() []string {
	return o.registry.Names()
}

// plan is a request resolved against the registry and tool catalog.
type plan struct {
	backend  provider.Provider
	toolset  *tools.Set
	upstream *provider.Request
}

func (o *Orchestrator) prepare(req *models.ChatCompletionRequest) (*plan, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request must not be nil", models.ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id, err := models.ParseModelIdentifier(req.Model)
	if err != nil {
		return nil, err
	}

	backend, err := o.registry.Resolve(id)
	if err != nil {
		return nil, err
	}

	toolset, declared, err := o.catalog.Select(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}

	return &plan{
		backend: backend,
		toolset: toolset,
		upstream: &provider.Request{
			Model:       id.ModelName,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Tools:       declared,
		},
	}, nil
}

// Complete runs a non-streaming completion and returns the final assistant message.
func (o *Orchestrator) Complete(ctx context.Context, req *models.ChatCompletionRequest) (*models.ChatCompletionResponse, error) {
	start := time.Now()

	p, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	name := p.backend.Name()

	var result models.Result
	err = o.retry(ctx, name, func() error {
		var callErr error
		result, callErr = p.backend.ChatCompletion(ctx, p.upstream)
		return callErr
	})
	if err != nil {
		o.metrics.RecordCompletion(name, modeSync, outcomeError, time.Since(start))
		return nil, fmt.Errorf("backend %s chat completion: %w", name, err)
	}

	content, err := o.fold(ctx, name, p.toolset, result)
	if err != nil {
		o.metrics.RecordCompletion(name, modeSync, outcomeOf(err), time.Since(start))
		return nil, err
	}

	o.metrics.RecordCompletion(name, modeSync, outcomeOK, time.Since(start))
	return &models.ChatCompletionResponse{
		Message: models.Message{Role: models.RoleAssistant, Content: content},
	}, nil
}

// fold turns a backend result into assistant text, running the tool call if
// the model issued one.
func (o *Orchestrator) fold(ctx context.Context, backend string, toolset *tools.Set, result models.Result) (string, error) {
	if text, ok := result.Text(); ok {
		return text, nil
	}
	call, ok := result.ToolCall()
	if !ok {
		return "", provider.NoUsableCandidate(backend, "chat")
	}
	return o.invoke(ctx, backend, toolset, call)
}

func (o *Orchestrator) invoke(ctx context.Context, backend string, toolset *tools.Set, call models.ToolCall) (string, error) {
	out, err := toolset.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		o.metrics.RecordToolExecution(call.Name, outcomeError)
		slog.Warn("tool call failed", "backend", backend, "tool", call.Name, "error", err)
		return "", &ToolCallError{Backend: backend, Call: call, Err: err}
	}
	o.metrics.RecordToolExecution(call.Name, outcomeOK)
	slog.Debug("tool call completed", "backend", backend, "tool", call.Name)
	return out, nil
}

// retry runs op under the backend's retry policy. Only retryable backend
// errors are repeated.
func (o *Orchestrator) retry(ctx context.Context, backend string, op func() error) error {
	policy := o.retries[backend]
	if policy.MaxRetries <= 0 {
		return op()
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Delay), uint64(policy.MaxRetries)),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		o.metrics.RecordRetry(backend)
		slog.Warn("retrying backend call", "backend", backend, "wait", wait, "error", err)
	})
}

func retryable(err error) bool {
	var backendErr *provider.BackendError
	return errors.As(err, &backendErr) && backendErr.Retryable()
}

func outcomeOf(err error) string {
	var toolErr *ToolCallError
	if errors.As(err, &toolErr) {
		return outcomeToolError
	}
	return outcomeError
}
