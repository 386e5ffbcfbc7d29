package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"unigate/internal/models"
	"unigate/internal/orchestrator"
	"unigate/internal/provider"
	"unigate/internal/tools"
)

type requestError struct {
	Status   int
	Message  string
	Type     string
	Code     string
	ToolCall *models.ToolCall
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message  string           `json:"message"`
		Type     string           `json:"type"`
		Code     string           `json:"code,omitempty"`
		ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	} `json:"error"`
}

func errorPayload(err error) errorBody {
	var reqErr requestError
	if !errors.As(err, &reqErr) {
		reqErr = requestError{Message: "internal server error", Type: "server_error"}
	}
	var payload errorBody
	payload.Error.Message = reqErr.Message
	payload.Error.Type = reqErr.Type
	payload.Error.Code = reqErr.Code
	payload.Error.ToolCall = reqErr.ToolCall
	return payload
}

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorPayload(reqErr))
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, errorPayload(requestError{Message: msg, Type: "invalid_request_error"}))
		return
	}

	_ = c.JSON(http.StatusInternalServerError, errorPayload(err))
}

// toHTTPError maps gateway errors onto response statuses: malformed input is
// a 400, a backend absent from configuration a 503, anything else a 500.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, models.ErrInvalidModelFormat):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "invalid_model_format",
		}
	case errors.Is(err, provider.ErrUnsupportedModel):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "unsupported_model",
		}
	case errors.Is(err, models.ErrInvalidRequest):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	case errors.Is(err, provider.ErrBackendNotConfigured):
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: err.Error(),
			Type:    "backend_error",
			Code:    "backend_not_configured",
		}
	}

	var toolErr *orchestrator.ToolCallError
	if errors.As(err, &toolErr) {
		code := "tool_execution_failed"
		if errors.Is(err, tools.ErrToolNotFound) {
			code = "tool_not_found"
		}
		call := toolErr.Call
		return requestError{
			Status:   http.StatusInternalServerError,
			Message:  err.Error(),
			Type:     "tool_error",
			Code:     code,
			ToolCall: &call,
		}
	}

	var backendErr *provider.BackendError
	if errors.As(err, &backendErr) {
		code := "backend_error"
		var decodeErr *provider.DecodeError
		if errors.As(err, &decodeErr) || errors.Is(err, provider.ErrNoUsableCandidate) {
			code = "decode_error"
		}
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: err.Error(),
			Type:    "backend_error",
			Code:    code,
		}
	}

	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}
