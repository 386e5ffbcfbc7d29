package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"unigate/internal/config"
	"unigate/internal/models"
	"unigate/internal/observability"
	"unigate/internal/provider"
	"unigate/internal/tools"
)

// fakeBackend answers chat calls with chat and streams the NDJSON body in frames.
type fakeBackend struct {
	name    string
	allowed provider.Allowlist
	chat    func(call int) (models.Result, error)
	frames  string
	calls   atomic.Int32
	lastReq *provider.Request
}

func (f *fakeBackend) Name() string                          { return f.name }
func (f *fakeBackend) Kind() string                          { return "fake" }
func (f *fakeBackend) SupportsModel(model string) bool       { return f.allowed.Allows(model) }
func (f *fakeBackend) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeBackend) ChatCompletion(ctx context.Context, req *provider.Request) (models.Result, error) {
	n := int(f.calls.Add(1))
	f.lastReq = req
	return f.chat(n)
}

func (f *fakeBackend) StreamChatCompletion(ctx context.Context, req *provider.Request) (*provider.Stream, error) {
	f.calls.Add(1)
	f.lastReq = req
	body := io.NopCloser(strings.NewReader(f.frames))
	return provider.NewStream(ctx, f.name, body, provider.NDJSONFraming, &fragmentDecoder{}), nil
}

// fragmentDecoder maps {"text":"..."} and {"tool":"...","args":{...}} frames to fragments.
type fragmentDecoder struct{}

func (fragmentDecoder) Decode(payload []byte) ([]models.Fragment, error) {
	var frame struct {
		Text *string         `json:"text"`
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, err
	}
	if frame.Tool != "" {
		return []models.Fragment{models.ToolCallFragment(frame.Tool, frame.Args)}, nil
	}
	if frame.Text == nil {
		return nil, errors.New("empty frame")
	}
	return []models.Fragment{models.TextFragment(*frame.Text)}, nil
}

func (fragmentDecoder) Finish() []models.Fragment { return nil }

func replyText(text string) func(int) (models.Result, error) {
	return func(int) (models.Result, error) { return models.MessageResult(text), nil }
}

func newOrchestrator(t *testing.T, backend *fakeBackend, opts ...Option) *Orchestrator {
	t.Helper()
	registry, err := provider.NewRegistry(backend)
	require.NoError(t, err)
	catalog, err := tools.NewCatalog(tools.Add())
	require.NoError(t, err)
	o, err := New(registry, catalog, opts...)
	require.NoError(t, err)
	return o
}

func chatRequest(model string, declared ...string) *models.ChatCompletionRequest {
	req := &models.ChatCompletionRequest{
		Model:    model,
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}
	for _, name := range declared {
		req.Tools = append(req.Tools, models.ToolDeclaration{Name: name})
	}
	return req
}

func TestCompleteReturnsAssistantText(t *testing.T) {
	backend := &fakeBackend{name: "ollama", chat: replyText("hello")}
	o := newOrchestrator(t, backend)

	resp, err := o.Complete(context.Background(), chatRequest("ollama:llama3"))
	require.NoError(t, err)
	require.Equal(t, models.RoleAssistant, resp.Message.Role)
	require.Equal(t, "hello", resp.Message.Content)
	require.Equal(t, "llama3", backend.lastReq.Model)
}

func TestCompleteFailsBeforeDispatch(t *testing.T) {
	backend := &fakeBackend{name: "gemini", allowed: provider.Allowlist{"gemini-1.5-flash"}, chat: replyText("x")}
	o := newOrchestrator(t, backend)

	tests := []struct {
		name  string
		model string
		want  error
	}{
		{name: "unknown backend", model: "unknown:foo", want: provider.ErrBackendNotConfigured},
		{name: "missing separator", model: "gemini", want: models.ErrInvalidModelFormat},
		{name: "empty model name", model: "gemini:", want: models.ErrInvalidModelFormat},
		{name: "model not allowed", model: "gemini:gemini-pro", want: provider.ErrUnsupportedModel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Complete(context.Background(), chatRequest(tc.model))
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Zero(t, backend.calls.Load())

	_, err := o.Complete(context.Background(), &models.ChatCompletionRequest{Model: "gemini:gemini-1.5-flash"})
	require.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestCompleteRunsToolCall(t *testing.T) {
	backend := &fakeBackend{name: "openai", chat: func(int) (models.Result, error) {
		return models.ToolCallResult("add", json.RawMessage(`{"x":2,"y":2}`)), nil
	}}
	o := newOrchestrator(t, backend)

	resp, err := o.Complete(context.Background(), chatRequest("openai:gpt-4o", "add"))
	require.NoError(t, err)
	require.Equal(t, "4", resp.Message.Content)

	require.Len(t, backend.lastReq.Tools, 1)
	require.NotEmpty(t, backend.lastReq.Tools[0].Parameters)
}

func TestCompleteMissingToolCarriesAttemptedCall(t *testing.T) {
	backend := &fakeBackend{name: "openai", chat: func(int) (models.Result, error) {
		return models.ToolCallResult("missing_tool", json.RawMessage(`{"q":1}`)), nil
	}}
	o := newOrchestrator(t, backend)

	_, err := o.Complete(context.Background(), chatRequest("openai:gpt-4o", "missing_tool"))
	require.ErrorIs(t, err, tools.ErrToolNotFound)

	var toolErr *ToolCallError
	require.ErrorAs(t, err, &toolErr)
	require.Equal(t, "missing_tool", toolErr.Call.Name)
	require.JSONEq(t, `{"q":1}`, string(toolErr.Call.Arguments))
}

func TestCompleteToolExecutionError(t *testing.T) {
	backend := &fakeBackend{name: "openai", chat: func(int) (models.Result, error) {
		return models.ToolCallResult("add", json.RawMessage(`{"x":"two"}`)), nil
	}}
	o := newOrchestrator(t, backend)

	_, err := o.Complete(context.Background(), chatRequest("openai:gpt-4o", "add"))
	var execErr *tools.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "add", execErr.Tool)
}

func TestCompleteRetriesRetryableErrors(t *testing.T) {
	backend := &fakeBackend{name: "ollama", chat: func(n int) (models.Result, error) {
		if n < 3 {
			return models.Result{}, &provider.BackendError{Backend: "ollama", Op: "chat", StatusCode: http.StatusServiceUnavailable}
		}
		return models.MessageResult("recovered"), nil
	}}
	metrics := observability.NewMetrics()
	o := newOrchestrator(t, backend,
		WithRetryPolicies(map[string]RetryPolicy{"ollama": {MaxRetries: 2, Delay: time.Millisecond}}),
		WithMetrics(metrics),
	)

	resp, err := o.Complete(context.Background(), chatRequest("ollama:llama3"))
	require.NoError(t, err)
	require.Equal(t, "recovered", resp.Message.Content)
	require.EqualValues(t, 3, backend.calls.Load())
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.BackendRetries.WithLabelValues("ollama")))
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	backend := &fakeBackend{name: "ollama", chat: func(int) (models.Result, error) {
		return models.Result{}, &provider.BackendError{Backend: "ollama", Op: "chat", StatusCode: http.StatusBadRequest}
	}}
	o := newOrchestrator(t, backend,
		WithRetryPolicies(map[string]RetryPolicy{"ollama": {MaxRetries: 3}}),
	)

	_, err := o.Complete(context.Background(), chatRequest("ollama:llama3"))
	var backendErr *provider.BackendError
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, http.StatusBadRequest, backendErr.StatusCode)
	require.EqualValues(t, 1, backend.calls.Load())
}

func TestRetryPoliciesFromConfig(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"ollama": {MaxRetries: 3, RetryDelayMS: 250},
	}}
	require.Equal(t, RetryPolicy{MaxRetries: 3, Delay: 250 * time.Millisecond}, RetryPolicies(cfg)["ollama"])
}

func drain(t *testing.T, s *Stream) []string {
	t.Helper()
	var out []string
	for s.Next() {
		out = append(out, s.Text())
	}
	return out
}

func TestStreamRelaysTextInOrder(t *testing.T) {
	backend := &fakeBackend{name: "ollama", frames: "{\"text\":\"hel\"}\nnot json\n{\"text\":\"\"}\n{\"text\":\"lo\"}\n"}
	metrics := observability.NewMetrics()
	o := newOrchestrator(t, backend, WithMetrics(metrics))

	stream, err := o.Stream(context.Background(), chatRequest("ollama:llama3"))
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveStreams.WithLabelValues("ollama")))

	require.Equal(t, []string{"hel", "lo"}, drain(t, stream))
	require.NoError(t, stream.Err())
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	require.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveStreams.WithLabelValues("ollama")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.SkippedFrames.WithLabelValues("ollama")))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.StreamFragments.WithLabelValues("ollama")))
}

func TestStreamToolResultIsFinalFragment(t *testing.T) {
	backend := &fakeBackend{name: "gemini", frames: "{\"text\":\"thinking\"}\n{\"tool\":\"add\",\"args\":{\"x\":1.5,\"y\":2}}\n{\"text\":\"ignored\"}\n"}
	o := newOrchestrator(t, backend)

	stream, err := o.Stream(context.Background(), chatRequest("gemini:gemini-1.5-flash", "add"))
	require.NoError(t, err)
	defer stream.Close()

	require.Equal(t, []string{"thinking", "3.5"}, drain(t, stream))
	require.NoError(t, stream.Err())
}

func TestStreamMissingTool(t *testing.T) {
	backend := &fakeBackend{name: "gemini", frames: "{\"tool\":\"missing_tool\"}\n"}
	o := newOrchestrator(t, backend)

	stream, err := o.Stream(context.Background(), chatRequest("gemini:gemini-1.5-flash", "missing_tool"))
	require.NoError(t, err)
	defer stream.Close()

	require.Empty(t, drain(t, stream))
	require.ErrorIs(t, stream.Err(), tools.ErrToolNotFound)

	var toolErr *ToolCallError
	require.ErrorAs(t, stream.Err(), &toolErr)
	require.Equal(t, "gemini", toolErr.Backend)
}

func TestStreamLookupErrorsBeforeNetwork(t *testing.T) {
	backend := &fakeBackend{name: "ollama"}
	o := newOrchestrator(t, backend)

	_, err := o.Stream(context.Background(), chatRequest("unknown:foo"))
	require.ErrorIs(t, err, provider.ErrBackendNotConfigured)
	require.Zero(t, backend.calls.Load())
}
