package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"unigate/internal/models"
)

// ErrToolNotFound indicates a tool call naming a tool absent from the set.
var ErrToolNotFound = errors.New("tool not found")

// ExecutionError reports a tool that rejected its arguments or failed while running.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Tool is a named function a model may ask the gateway to run. Arguments
// arrive as JSON and the result is returned as a string.
type Tool interface {
	Declaration() models.ToolDeclaration
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// Func adapts a strongly typed function into a Tool. Arguments are decoded
// into Args and the return value is encoded back to a string.
type Func[Args, Returns any] struct {
	decl models.ToolDeclaration
	fn   func(context.Context, Args) (Returns, error)
}

// NewFunc wraps fn as a Tool described by decl.
func NewFunc[Args, Returns any](decl models.ToolDeclaration, fn func(context.Context, Args) (Returns, error)) *Func[Args, Returns] {
	return &Func[Args, Returns]{decl: decl, fn: fn}
}

func (f *Func[Args, Returns]) Declaration() models.ToolDeclaration {
	return f.decl
}

func (f *Func[Args, Returns]) Invoke(ctx context.Context, raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var args Args
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&args); err != nil {
		return "", &ExecutionError{Tool: f.decl.Name, Err: fmt.Errorf("decode arguments: %w", err)}
	}

	out, err := f.fn(ctx, args)
	if err != nil {
		return "", &ExecutionError{Tool: f.decl.Name, Err: err}
	}

	text, err := Stringify(out)
	if err != nil {
		return "", &ExecutionError{Tool: f.decl.Name, Err: err}
	}
	return text, nil
}

// Stringify renders a tool result for the conversation: strings pass
// through unchanged, anything else is JSON-encoded.
func Stringify(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// Set is the name-indexed collection of tools available to one request.
type Set struct {
	tools map[string]Tool
}

// NewSet builds a set, rejecting duplicate names.
func NewSet(tools ...Tool) (*Set, error) {
	s := &Set{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := t.Declaration().Name
		if name == "" {
			return nil, errors.New("tool name must not be empty")
		}
		if _, exists := s.tools[name]; exists {
			return nil, fmt.Errorf("tool %q already registered", name)
		}
		s.tools[name] = t
	}
	return s, nil
}

// Len returns the number of tools in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Lookup returns the tool registered under name.
func (s *Set) Lookup(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Declarations returns the declarations of every tool, sorted by name.
func (s *Set) Declarations() []models.ToolDeclaration {
	if s == nil {
		return nil
	}
	out := make([]models.ToolDeclaration, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Declaration())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool. A missing tool yields ErrToolNotFound; any
// failure of the tool itself is an *ExecutionError.
func (s *Set) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := s.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	out, err := t.Invoke(ctx, args)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return "", err
		}
		return "", &ExecutionError{Tool: name, Err: err}
	}
	return out, nil
}
