package provider

import (
	"bufio"
	"bytes"
)

// FrameState classifies a raw frame after framing tokens are stripped.
type FrameState int

const (
	// FramePayload carries a JSON payload for the chunk decoder.
	FramePayload FrameState = iota
	// FrameSkip is a heartbeat, comment or blank frame.
	FrameSkip
	// FrameDone is an explicit end-of-stream sentinel.
	FrameDone
)

// Framing splits a response body into frames and strips the framing tokens
// of one backend wire format.
type Framing struct {
	Name    string
	Split   bufio.SplitFunc
	Payload func(frame []byte) ([]byte, FrameState)
}

var (
	doneSentinel = []byte("[DONE]")
	dataPrefix   = []byte("data:")
)

// SSEFraming handles server-sent events: "data: " lines carry payloads,
// "[DONE]" terminates, comments and other fields are ignored.
var SSEFraming = Framing{
	Name:  "sse",
	Split: bufio.ScanLines,
	Payload: func(frame []byte) ([]byte, FrameState) {
		line := bytes.TrimSpace(frame)
		if !bytes.HasPrefix(line, dataPrefix) {
			return nil, FrameSkip
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		switch {
		case len(payload) == 0:
			return nil, FrameSkip
		case bytes.Equal(payload, doneSentinel):
			return nil, FrameDone
		}
		return payload, FramePayload
	},
}

// NDJSONFraming handles newline-delimited JSON objects. An optional "data:"
// prefix is tolerated.
var NDJSONFraming = Framing{
	Name:  "ndjson",
	Split: bufio.ScanLines,
	Payload: func(frame []byte) ([]byte, FrameState) {
		line := bytes.TrimSpace(frame)
		line = bytes.TrimSpace(bytes.TrimPrefix(line, dataPrefix))
		switch {
		case len(line) == 0:
			return nil, FrameSkip
		case bytes.Equal(line, doneSentinel):
			return nil, FrameDone
		}
		return line, FramePayload
	},
}

// JSONArrayFraming handles a JSON array streamed element by element: the
// enclosing brackets and separating commas are dropped and each top-level
// object becomes one frame.
var JSONArrayFraming = Framing{
	Name:  "json-array",
	Split: scanJSONArrayElements,
	Payload: func(frame []byte) ([]byte, FrameState) {
		payload := bytes.Trim(frame, "[], \t\r\n")
		if len(payload) == 0 {
			return nil, FrameSkip
		}
		return payload, FramePayload
	},
}

func isArrayFiller(b byte) bool {
	switch b {
	case '[', ']', ',', ' ', '\t', '\r', '\n':
		return true
	}
	return false
}

// scanJSONArrayElements is a bufio.SplitFunc yielding one top-level object
// per token. Braces inside strings are ignored. Stray non-object text is
// yielded as its own token so the decoder can reject it.
func scanJSONArrayElements(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && isArrayFiller(data[start]) {
		start++
	}
	if start == len(data) {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	if data[start] != '{' {
		end := start
		for end < len(data) && !isArrayFiller(data[end]) && data[end] != '{' {
			end++
		}
		if end == len(data) && !atEOF {
			return start, nil, nil
		}
		return end, data[start:end], nil
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(data); i++ {
		c := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, data[start : i+1], nil
			}
		}
	}

	if atEOF {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}
