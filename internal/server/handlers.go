package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"unigate/internal/models"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"backends": s.gateway.Backends(),
	})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req models.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	if timeout := s.cfg.Server.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if req.Streaming() {
		return s.streamChatCompletion(ctx, c, &req)
	}

	resp, err := s.gateway.Complete(ctx, &req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

type streamDelta struct {
	Delta string `json:"delta"`
}

// streamChatCompletion relays fragments as server-sent events. Errors before
// the first byte is written get a regular JSON error response; later errors
// are reported in a final "error" event.
func (s *Server) streamChatCompletion(ctx context.Context, c echo.Context, req *models.ChatCompletionRequest) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	stream, err := s.gateway.Stream(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	defer stream.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	for stream.Next() {
		if err := writeSSEData(c.Response(), streamDelta{Delta: stream.Text()}); err != nil {
			slog.Warn("client stream write failed", "backend", stream.Backend(), "err", err)
			return nil
		}
		flusher.Flush()
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
			slog.Info("client disconnected mid-stream", "backend", stream.Backend())
			return nil
		}
		slog.Error("stream failed", "backend", stream.Backend(), "err", err)
		reqErr := toHTTPError(err)
		if writeErr := writeSSEEvent(c.Response(), "error", errorPayload(reqErr)); writeErr == nil {
			flusher.Flush()
		}
		return nil
	}

	if _, err := io.WriteString(c.Response(), "data: [DONE]\n\n"); err != nil {
		return nil
	}
	flusher.Flush()
	return nil
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

func writeSSEData(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write SSE event name: %w", err)
	}
	return writeSSEData(w, payload)
}
