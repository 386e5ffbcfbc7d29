package openai

import (
	"encoding/json"
	"sort"
	"strings"

	"unigate/internal/models"
	"unigate/internal/provider"
)

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func buildChatPayload(req *provider.Request, stream bool) chatPayload {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    messages,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	for _, tool := range req.Tools {
		payload.Tools = append(payload.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return payload
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role         string          `json:"role"`
	Content      *string         `json:"content"`
	ToolCalls    []toolCallBlock `json:"tool_calls"`
	FunctionCall *functionBlock  `json:"function_call"`
}

type toolCallBlock struct {
	Index    int           `json:"index"`
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function functionBlock `json:"function"`
}

type functionBlock struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// toResult classifies the first choice. Tool calls take precedence over text;
// when several tool calls are present only the first is used.
func (r chatResponse) toResult() (models.Result, bool) {
	if len(r.Choices) == 0 {
		return models.Result{}, false
	}

	msg := r.Choices[0].Message
	if len(msg.ToolCalls) > 0 && msg.ToolCalls[0].Function.Name != "" {
		call := msg.ToolCalls[0].Function
		return models.ToolCallResult(call.Name, argumentsJSON(call.Arguments)), true
	}
	if msg.FunctionCall != nil && msg.FunctionCall.Name != "" {
		return models.ToolCallResult(msg.FunctionCall.Name, argumentsJSON(msg.FunctionCall.Arguments)), true
	}
	if msg.Content != nil {
		return models.MessageResult(*msg.Content), true
	}
	return models.Result{}, false
}

// argumentsJSON converts the string-encoded arguments OpenAI returns into raw
// JSON. Arguments that are not valid JSON are kept as a JSON string so the
// tool dispatcher reports the mismatch.
func argumentsJSON(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return nil
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
	Error   *streamError   `json:"error"`
}

// streamError is an error object sent in place of a chunk, e.g. when the
// upstream is overloaded mid-stream.
type streamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Content      *string         `json:"content"`
	ToolCalls    []toolCallBlock `json:"tool_calls"`
	FunctionCall *functionBlock  `json:"function_call"`
}

// toolCallBuffer accumulates one tool call's streamed name and argument fragments.
type toolCallBuffer struct {
	name string
	args strings.Builder
}

// streamDecoder reassembles tool calls keyed by their stream index and
// finalizes them at finish_reason or end of stream.
type streamDecoder struct {
	backend string
	calls   map[int]*toolCallBuffer
}

func newStreamDecoder(backend string) *streamDecoder {
	return &streamDecoder{backend: backend, calls: make(map[int]*toolCallBuffer)}
}

func (d *streamDecoder) Decode(payload []byte) ([]models.Fragment, error) {
	var chunk streamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}
	if chunk.Error != nil {
		msg := chunk.Error.Message
		if chunk.Error.Type != "" {
			msg = chunk.Error.Type + ": " + msg
		}
		return nil, &provider.BackendError{Backend: d.backend, Op: "stream", Message: msg}
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	choice := chunk.Choices[0]
	if choice.Index != 0 {
		return nil, nil
	}

	var out []models.Fragment
	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		out = append(out, models.TextFragment(*choice.Delta.Content))
	}
	for _, tc := range choice.Delta.ToolCalls {
		d.appendCall(tc.Index, tc.Function)
	}
	if choice.Delta.FunctionCall != nil {
		d.appendCall(0, *choice.Delta.FunctionCall)
	}
	if choice.FinishReason != nil && *choice.FinishReason != "" {
		out = append(out, d.Finish()...)
	}
	return out, nil
}

func (d *streamDecoder) appendCall(index int, fn functionBlock) {
	buf, ok := d.calls[index]
	if !ok {
		buf = &toolCallBuffer{}
		d.calls[index] = buf
	}
	if fn.Name != "" {
		buf.name = fn.Name
	}
	buf.args.WriteString(fn.Arguments)
}

// Finish emits buffered tool calls in index order and resets the buffer.
func (d *streamDecoder) Finish() []models.Fragment {
	if len(d.calls) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(d.calls))
	for idx := range d.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	out := make([]models.Fragment, 0, len(indexes))
	for _, idx := range indexes {
		buf := d.calls[idx]
		if buf.name == "" {
			continue
		}
		out = append(out, models.ToolCallFragment(buf.name, argumentsJSON(buf.args.String())))
	}
	d.calls = make(map[int]*toolCallBuffer)
	return out
}
