package models

import "encoding/json"

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the backend-agnostic outcome of one completion: either assistant
// text or a tool call, never both. The zero value is neither and is only
// returned alongside an error.
type Result struct {
	text     string
	toolCall *ToolCall
	set      bool
}

// MessageResult returns a Result carrying assistant text.
func MessageResult(text string) Result {
	return Result{text: text, set: true}
}

// ToolCallResult returns a Result carrying a tool call. Empty arguments are
// normalized to an empty JSON object.
func ToolCallResult(name string, args json.RawMessage) Result {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return Result{toolCall: &ToolCall{Name: name, Arguments: args}, set: true}
}

// IsZero reports whether r carries neither variant.
func (r Result) IsZero() bool { return !r.set }

// Text returns the assistant text and whether r is a message.
func (r Result) Text() (string, bool) {
	if !r.set || r.toolCall != nil {
		return "", false
	}
	return r.text, true
}

// ToolCall returns the tool call and whether r is a tool call.
func (r Result) ToolCall() (ToolCall, bool) {
	if r.toolCall == nil {
		return ToolCall{}, false
	}
	return *r.toolCall, true
}

// FragmentKind distinguishes the pieces a streaming decode produces.
type FragmentKind int

const (
	// FragmentText is an incremental piece of assistant text.
	FragmentText FragmentKind = iota
	// FragmentToolCall is a finalized tool call whose arguments are complete.
	FragmentToolCall
)

// Fragment is one decoded unit of a streamed completion.
type Fragment struct {
	Kind     FragmentKind
	Text     string
	ToolCall *ToolCall
}

// TextFragment builds a text fragment.
func TextFragment(text string) Fragment {
	return Fragment{Kind: FragmentText, Text: text}
}

// ToolCallFragment builds a finalized tool-call fragment.
func ToolCallFragment(name string, args json.RawMessage) Fragment {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return Fragment{Kind: FragmentToolCall, ToolCall: &ToolCall{Name: name, Arguments: args}}
}
