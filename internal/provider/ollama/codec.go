package ollama

import (
	"encoding/json"

	"unigate/internal/models"
	"unigate/internal/provider"
)

type chatPayload struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *chatOptions    `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func buildChatPayload(req *provider.Request, stream bool) chatPayload {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	payload := chatPayload{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		payload.Options = &chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, ollamaTool{
			Type: "function",
			Function: ollamaFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return payload
}

// chatResponse is both the complete response and one NDJSON stream line.
type chatResponse struct {
	Model   string         `json:"model"`
	Message *ollamaMessage `json:"message"`
	Done    bool           `json:"done"`
	Error   string         `json:"error"`
}

// toResult prefers the first tool call over text content. An empty message
// content is still a valid (empty) reply.
func (r chatResponse) toResult() (models.Result, bool) {
	if r.Message == nil {
		return models.Result{}, false
	}
	if call, ok := firstToolCall(r.Message.ToolCalls); ok {
		return models.ToolCallResult(call.Function.Name, call.Function.Arguments), true
	}
	return models.MessageResult(r.Message.Content), true
}

func firstToolCall(calls []ollamaToolCall) (ollamaToolCall, bool) {
	for _, call := range calls {
		if call.Function.Name != "" {
			return call, true
		}
	}
	return ollamaToolCall{}, false
}

// streamDecoder emits content deltas as they arrive and holds the first tool
// call until the stream is done.
type streamDecoder struct {
	backend string
	pending *ollamaToolCall
}

func (d *streamDecoder) Decode(payload []byte) ([]models.Fragment, error) {
	var chunk chatResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}
	if chunk.Error != "" {
		return nil, &provider.BackendError{Backend: d.backend, Op: "stream", Message: chunk.Error}
	}

	var out []models.Fragment
	if chunk.Message != nil {
		if chunk.Message.Content != "" {
			out = append(out, models.TextFragment(chunk.Message.Content))
		}
		if call, ok := firstToolCall(chunk.Message.ToolCalls); ok && d.pending == nil {
			d.pending = &call
		}
	}
	if chunk.Done {
		out = append(out, d.Finish()...)
	}
	return out, nil
}

func (d *streamDecoder) Finish() []models.Fragment {
	if d.pending == nil {
		return nil
	}
	call := d.pending
	d.pending = nil
	return []models.Fragment{models.ToolCallFragment(call.Function.Name, call.Function.Arguments)}
}
