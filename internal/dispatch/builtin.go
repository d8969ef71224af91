package dispatch

import (
	"context"
	"errors"
	"fmt"

	"zbridge/pkg/types"
)

// ErrNoPrompter is returned by ^Prompt when the request cannot reach a client
var ErrNoPrompter = errors.New("command requires client input but no prompter is attached")

// RegisterBuiltins adds ^Ping, ^Echo, ^Whoami and ^Prompt
func RegisterBuiltins(m *Mux) {
	m.MustRegister("^Ping", types.ClassOther, ping,
		WithDescription("Liveness check, replies Pong!"))
	m.MustRegister("^Echo", types.ClassRead, echo,
		WithDescription("Returns its arguments"))
	m.MustRegister("^Whoami", types.ClassRead, whoami,
		WithDescription("Returns the caller's user context"))
	m.MustRegister("^Prompt", types.ClassOther, prompt,
		WithDescription("Asks the client for a value and returns it"),
		WithArgs("label", "kind", "choices", "default"))
}

// NewDefaultMux returns a Mux with the built-in commands registered
func NewDefaultMux() *Mux {
	m := NewMux()
	RegisterBuiltins(m)
	return m
}

func ping(ctx context.Context, req *types.DispatchRequest) (any, error) {
	return map[string]string{"message": "Pong!"}, nil
}

func echo(ctx context.Context, req *types.DispatchRequest) (any, error) {
	if req.Args == nil {
		return map[string]any{}, nil
	}
	return req.Args, nil
}

func whoami(ctx context.Context, req *types.DispatchRequest) (any, error) {
	if req.User == nil {
		return map[string]any{"authenticated": false}, nil
	}
	return req.User, nil
}

func prompt(ctx context.Context, req *types.DispatchRequest) (any, error) {
	if req.Prompter == nil {
		return nil, ErrNoPrompter
	}

	p := types.InputPrompt{Label: "value"}
	if v, ok := req.Args["label"].(string); ok && v != "" {
		p.Label = v
	}
	if v, ok := req.Args["kind"].(string); ok {
		p.Kind = v
	}
	if v, ok := req.Args["choices"].([]any); ok {
		for _, c := range v {
			p.Choices = append(p.Choices, fmt.Sprint(c))
		}
	}
	p.Default = req.Args["default"]

	value, err := req.Prompter.Prompt(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": value}, nil
}
