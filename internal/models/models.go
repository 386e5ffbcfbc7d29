package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDeclaration declares a callable function to a backend.
type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatCompletionRequest is the provider-agnostic request accepted by the gateway.
type ChatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Stream      *bool             `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Tools       []ToolDeclaration `json:"tools,omitempty"`
}

// Streaming reports whether the caller asked for a streamed response.
func (r *ChatCompletionRequest) Streaming() bool {
	return r.Stream != nil && *r.Stream
}

// Validate checks the request shape before any backend is involved.
func (r *ChatCompletionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return fmt.Errorf("%w: model must be provided", ErrInvalidRequest)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrInvalidRequest)
	}
	for i, msg := range r.Messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("%w: messages[%d] has invalid role %q", ErrInvalidRequest, i, msg.Role)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrInvalidRequest)
	}
	for i, tool := range r.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("%w: tools[%d] name must not be empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

// ChatCompletionResponse is the caller-visible output after any tool round trip.
type ChatCompletionResponse struct {
	Message Message `json:"message"`
}
