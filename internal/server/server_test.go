package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"unigate/internal/config"
	"unigate/internal/observability"
	"unigate/internal/orchestrator"
	"unigate/internal/provider"
	"unigate/internal/provider/gemini"
	"unigate/internal/provider/ollama"
	"unigate/internal/tools"
)

// fakeOllama answers /api/chat based on the last user message: "call <tool>"
// makes it issue a tool call, anything else is echoed back as "hello".
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		last := payload.Messages[len(payload.Messages)-1].Content

		if tool, ok := strings.CutPrefix(last, "call "); ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"`+tool+`","arguments":{"x":2,"y":2}}}]},"done":true}`)
			return
		}

		if payload.Stream {
			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"hel"},"done":false}`+"\n")
			_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`+"\n")
			_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":""},"done":true}`+"\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"hello"},"done":true}`)
	}))
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *observability.Metrics) {
	t.Helper()

	backend := fakeOllama(t)
	t.Cleanup(backend.Close)

	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"ollama": {URL: backend.URL},
		},
	}
	cfg.ApplyDefaults()
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := ollama.New("ollama", cfg.Providers["ollama"], backend.Client())
	require.NoError(t, err)
	registry, err := provider.NewRegistry(p)
	require.NoError(t, err)
	catalog, err := tools.NewCatalog(tools.Add())
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	gateway, err := orchestrator.New(registry, catalog, orchestrator.WithMetrics(metrics))
	require.NoError(t, err)

	srv, err := New(cfg, gateway, metrics)
	require.NoError(t, err)
	return srv, metrics
}

func post(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error struct {
		Message  string `json:"message"`
		Type     string `json:"type"`
		Code     string `json:"code"`
		ToolCall *struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"tool_call"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestChatCompletion(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	for _, path := range []string{"/chat/completions", "/v1/chat/completions"} {
		rec := post(t, srv, path, `{"model":"ollama:llama3","messages":[{"role":"user","content":"hi"}]}`)
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.JSONEq(t, `{"message":{"role":"assistant","content":"hello"}}`, rec.Body.String())
		require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	}
}

func TestChatCompletionErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{
			name:   "unknown backend",
			body:   `{"model":"unknown:foo","messages":[{"role":"user","content":"hi"}]}`,
			status: http.StatusServiceUnavailable,
			code:   "backend_not_configured",
		},
		{
			name:   "missing separator",
			body:   `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`,
			status: http.StatusBadRequest,
			code:   "invalid_model_format",
		},
		{
			name:   "no messages",
			body:   `{"model":"ollama:llama3","messages":[]}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "malformed json",
			body:   `{"model":`,
			status: http.StatusBadRequest,
		},
		{
			name:   "trailing data",
			body:   `{"model":"ollama:llama3"} {}`,
			status: http.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, srv, "/chat/completions", tc.body)
			require.Equal(t, tc.status, rec.Code)
			body := decodeError(t, rec)
			require.NotEmpty(t, body.Error.Message)
			if tc.code != "" {
				require.Equal(t, tc.code, body.Error.Code)
			}
		})
	}
}

func TestChatCompletionRunsTool(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := post(t, srv, "/chat/completions",
		`{"model":"ollama:llama3","messages":[{"role":"user","content":"call add"}],"tools":[{"name":"add"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":{"role":"assistant","content":"4"}}`, rec.Body.String())
}

func TestChatCompletionMissingTool(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := post(t, srv, "/chat/completions",
		`{"model":"ollama:llama3","messages":[{"role":"user","content":"call missing_tool"}],"tools":[{"name":"missing_tool"}]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decodeError(t, rec)
	require.Equal(t, "tool_not_found", body.Error.Code)
	require.NotNil(t, body.Error.ToolCall)
	require.Equal(t, "missing_tool", body.Error.ToolCall.Name)
	require.JSONEq(t, `{"x":2,"y":2}`, string(body.Error.ToolCall.Arguments))
}

func TestChatCompletionStream(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := post(t, srv, "/chat/completions",
		`{"model":"ollama:llama3","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t,
		"data: {\"delta\":\"hel\"}\n\ndata: {\"delta\":\"lo\"}\n\ndata: [DONE]\n\n",
		rec.Body.String(),
	)
}

func TestChatCompletionStreamLookupFailure(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := post(t, srv, "/chat/completions",
		`{"model":"unknown:foo","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "backend_not_configured", decodeError(t, rec).Error.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
	})

	post(t, srv, "/chat/completions", `{"model":"ollama:llama3","messages":[{"role":"user","content":"hi"}]}`)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","backends":["ollama"]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `unigate_completions_total{backend="ollama",mode="sync",outcome="ok"} 1`)
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1}
	})

	body := `{"model":"ollama:llama3","messages":[{"role":"user","content":"hi"}]}`
	require.Equal(t, http.StatusOK, post(t, srv, "/chat/completions", body).Code)

	rec := post(t, srv, "/chat/completions", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeError(t, rec).Error.Code)

	health := httptest.NewRecorder()
	srv.Handler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, health.Code)
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "invalid_request_error", decodeError(t, rec).Error.Type)
}

func TestChatCompletionWithoutTimeout(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.TimeoutSeconds = 0
	})

	rec := post(t, srv, "/chat/completions", `{"model":"ollama:llama3","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":{"role":"assistant","content":"hello"}}`, rec.Body.String())
}

func TestAccessLogRecordsErrorStatus(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	var logs bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })

	rec := post(t, srv, "/chat/completions", `{"model":"unknown:foo","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var entry struct {
		Msg    string `json:"msg"`
		Status int    `json:"status"`
		Error  string `json:"error"`
	}
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry.Msg == "request" {
			break
		}
	}
	require.Equal(t, "request", entry.Msg)
	require.Equal(t, http.StatusServiceUnavailable, entry.Status)
	require.Contains(t, entry.Error, "backend not configured")
}

func TestBackendErrorHidesAPIKey(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()

	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"gemini": {Kind: config.KindGemini, URL: closed.URL + "/v1beta/models", APIKey: "SUPERSECRETKEY"},
		},
	}
	cfg.ApplyDefaults()

	p, err := gemini.New("gemini", cfg.Providers["gemini"], http.DefaultClient)
	require.NoError(t, err)
	registry, err := provider.NewRegistry(p)
	require.NoError(t, err)
	catalog, err := tools.NewCatalog()
	require.NoError(t, err)
	gateway, err := orchestrator.New(registry, catalog)
	require.NoError(t, err)
	srv, err := New(cfg, gateway, observability.NewMetrics())
	require.NoError(t, err)

	rec := post(t, srv, "/chat/completions", `{"model":"gemini:gemini-1.5-flash","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "backend_error", decodeError(t, rec).Error.Code)
	require.NotContains(t, rec.Body.String(), "SUPERSECRETKEY")
}
