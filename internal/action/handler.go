// Package action holds the type-keyed handlers that saga steps and
// compensations dispatch to.
package action

import (
	"context"
	"fmt"
)

// Request is what a handler receives for one step or compensation run.
type Request struct {
	SagaID        string         `json:"sagaId"`
	StepID        string         `json:"stepId"`
	CorrelationID string         `json:"correlationId"`
	Params        map[string]any `json:"params"`
	// Variables is the saga input; StepResults holds outputs of completed
	// steps keyed by step id. Handlers must treat both as read-only.
	Variables   map[string]any `json:"variables"`
	StepResults map[string]any `json:"stepResults"`
}

// Handler is the interface all action implementations must satisfy.
type Handler interface {
	// Type returns the string key this handler is registered under.
	Type() string
	// Execute runs the action. The returned map becomes the step output.
	Execute(ctx context.Context, req *Request) (map[string]any, error)
}

// Validator is implemented by handlers that can check their params when a
// saga definition is loaded.
type Validator interface {
	Validate(params map[string]any) error
}

type funcHandler struct {
	typ string
	fn  func(context.Context, *Request) (map[string]any, error)
}

// Func adapts a plain function to Handler.
func Func(actionType string, fn func(ctx context.Context, req *Request) (map[string]any, error)) Handler {
	return funcHandler{typ: actionType, fn: fn}
}

func (f funcHandler) Type() string { return f.typ }

func (f funcHandler) Execute(ctx context.Context, req *Request) (map[string]any, error) {
	return f.fn(ctx, req)
}

// StringParam reads a required string param.
func StringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("param %q is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string, got %T", key, v)
	}
	return s, nil
}
