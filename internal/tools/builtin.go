package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"unigate/internal/models"
)

type addArgs struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns x + y.
func Add() Tool {
	return NewFunc(models.ToolDeclaration{
		Name:        "add",
		Description: "Add two numbers and return the sum.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"x": {"type": "number", "description": "first operand"},
				"y": {"type": "number", "description": "second operand"}
			},
			"required": ["x", "y"]
		}`),
	}, func(_ context.Context, args addArgs) (float64, error) {
		return args.X + args.Y, nil
	})
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty"`
}

// CurrentTime returns the current time in RFC 3339 form for an IANA timezone.
func CurrentTime(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return NewFunc(models.ToolDeclaration{
		Name:        "current_time",
		Description: "Return the current date and time, optionally in an IANA timezone such as Europe/Berlin.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name, defaults to UTC"}
			}
		}`),
	}, func(_ context.Context, args currentTimeArgs) (string, error) {
		loc := time.UTC
		if args.Timezone != "" {
			l, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", args.Timezone)
			}
			loc = l
		}
		return now().In(loc).Format(time.RFC3339), nil
	})
}

var builtins = map[string]func() Tool{
	"add":          Add,
	"current_time": func() Tool { return CurrentTime(nil) },
}

// Builtin returns the built-in tool registered under name.
func Builtin(name string) (Tool, bool) {
	ctor, ok := builtins[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// BuiltinNames lists the available built-in tools.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
