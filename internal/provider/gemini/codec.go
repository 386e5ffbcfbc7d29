package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"unigate/internal/models"
	"unigate/internal/provider"
)

type generatePayload struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []toolBlock       `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text         *string       `json:"text,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type toolBlock struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func textPart(s string) part {
	return part{Text: &s}
}

// buildPayload maps the unified conversation onto Gemini contents. System
// messages become the system instruction and assistant turns use the
// "model" role.
func buildPayload(req *provider.Request) generatePayload {
	var payload generatePayload
	var system []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
		case models.RoleAssistant:
			payload.Contents = append(payload.Contents, content{Role: "model", Parts: []part{textPart(msg.Content)}})
		default:
			payload.Contents = append(payload.Contents, content{Role: "user", Parts: []part{textPart(msg.Content)}})
		}
	}
	if len(system) > 0 {
		payload.SystemInstruction = &content{Parts: []part{textPart(strings.Join(system, "\n\n"))}}
	}

	if req.Temperature != nil || req.MaxTokens != nil {
		payload.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		payload.Tools = []toolBlock{{FunctionDeclarations: decls}}
	}

	return payload
}

type generateResponse struct {
	Candidates []candidate `json:"candidates"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type candidate struct {
	Content      *content `json:"content"`
	FinishReason string   `json:"finishReason"`
}

// toResult classifies the first candidate: its first function call wins,
// otherwise the concatenated text parts.
func (r generateResponse) toResult() (models.Result, bool) {
	if len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return models.Result{}, false
	}

	parts := r.Candidates[0].Content.Parts
	for _, p := range parts {
		if p.FunctionCall != nil && p.FunctionCall.Name != "" {
			return models.ToolCallResult(p.FunctionCall.Name, p.FunctionCall.Args), true
		}
	}

	var text strings.Builder
	found := false
	for _, p := range parts {
		if p.Text != nil {
			text.WriteString(*p.Text)
			found = true
		}
	}
	if !found {
		return models.Result{}, false
	}
	return models.MessageResult(text.String()), true
}

// streamDecoder decodes streamGenerateContent array elements. Text parts are
// emitted immediately; the first function call is held until the candidate
// reports a finish reason or the stream ends.
type streamDecoder struct {
	backend string
	pending *functionCall
}

func (d *streamDecoder) Decode(payload []byte) ([]models.Fragment, error) {
	var chunk generateResponse
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, err
	}
	if chunk.Error != nil {
		return nil, &provider.BackendError{
			Backend:    d.backend,
			Op:         "stream",
			StatusCode: chunk.Error.Code,
			Message:    fmt.Sprintf("%s: %s", chunk.Error.Status, chunk.Error.Message),
		}
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}

	cand := chunk.Candidates[0]
	var out []models.Fragment
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil && p.FunctionCall.Name != "":
				if d.pending == nil {
					call := *p.FunctionCall
					d.pending = &call
				}
			case p.Text != nil && *p.Text != "":
				out = append(out, models.TextFragment(*p.Text))
			}
		}
	}
	if cand.FinishReason != "" {
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
	return []models.Fragment{models.ToolCallFragment(call.Name, call.Args)}
}
