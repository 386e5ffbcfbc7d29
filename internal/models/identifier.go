package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidModelFormat indicates a model string that is not of the form "backend:model".
var ErrInvalidModelFormat = errors.New("invalid model format")

// ErrInvalidRequest indicates a structurally invalid chat request.
var ErrInvalidRequest = errors.New("invalid request")

// ModelIdentifier names the backend and the backend-local model of a request.
type ModelIdentifier struct {
	Backend   string
	ModelName string
}

func (id ModelIdentifier) String() string {
	return id.Backend + ":" + id.ModelName
}

// ParseModelIdentifier splits s on its first colon. The backend is lowercased;
// the model name is trimmed but keeps its case.
func ParseModelIdentifier(s string) (ModelIdentifier, error) {
	backend, model, ok := strings.Cut(s, ":")
	if !ok {
		return ModelIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidModelFormat, s)
	}

	backend = strings.ToLower(strings.TrimSpace(backend))
	model = strings.TrimSpace(model)
	if backend == "" || model == "" {
		return ModelIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidModelFormat, s)
	}

	return ModelIdentifier{Backend: backend, ModelName: model}, nil
}
