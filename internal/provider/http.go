package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "unigate/0.1"
	maxErrorBody    = 64 * 1024
)

// NewJSONRequest builds an outbound request with a JSON body and the common
// headers. A nil payload sends no body.
func NewJSONRequest(ctx context.Context, method, url string, payload any, headers map[string]string) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Do sends req and converts transport failures and non-2xx statuses into
// *BackendError. On success the caller owns the response body.
func Do(client *http.Client, backend, op string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			err = ctxErr
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = RedactURL(urlErr.URL)
		}
		return nil, &BackendError{Backend: backend, Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, parseAPIError(backend, op, resp)
	}
	return resp, nil
}

// DecodeJSON decodes a complete response body, reporting failures as a
// *BackendError wrapping a *DecodeError.
func DecodeJSON(backend, op string, r io.Reader, target any) error {
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(target); err != nil {
		return &BackendError{Backend: backend, Op: op, Err: &DecodeError{Backend: backend, Err: err}}
	}
	return nil
}

// NoUsableCandidate reports a decoded response that carries neither text nor a tool call.
func NoUsableCandidate(backend, op string) error {
	return &BackendError{Backend: backend, Op: op, Err: &DecodeError{Backend: backend, Err: ErrNoUsableCandidate}}
}

// apiErrorResponse covers both {"error":{"message":...}} (OpenAI, Gemini) and
// {"error":"..."} (Ollama).
type apiErrorResponse struct {
	Error json.RawMessage `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}

func parseAPIError(backend, op string, resp *http.Response) error {
	backendErr := &BackendError{Backend: backend, Op: op, StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		backendErr.Err = fmt.Errorf("read error body: %w", err)
		return backendErr
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && len(apiErr.Error) > 0 {
		var obj apiErrorObject
		var msg string
		switch {
		case json.Unmarshal(apiErr.Error, &msg) == nil && msg != "":
			backendErr.Message = msg
			return backendErr
		case json.Unmarshal(apiErr.Error, &obj) == nil && obj.Message != "":
			kind := obj.Type
			if kind == "" {
				kind = obj.Status
			}
			if kind != "" {
				backendErr.Message = fmt.Sprintf("%s: %s", kind, obj.Message)
			} else {
				backendErr.Message = obj.Message
			}
			return backendErr
		}
	}

	backendErr.Message = strings.TrimSpace(string(body))
	if backendErr.Message == "" {
		backendErr.Message = http.StatusText(resp.StatusCode)
	}
	return backendErr
}

// Truncate shortens s to at most n bytes for logging.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// credentialParams are query parameters that carry secrets.
var credentialParams = []string{"key", "api_key", "apikey", "access_token", "token"}

// RedactURL masks credential query parameters so the URL is safe to log or
// return to clients.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable url]"
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
	}
	query := u.Query()
	changed := false
	for _, name := range credentialParams {
		if query.Has(name) {
			query.Set(name, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
