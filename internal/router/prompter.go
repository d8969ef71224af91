package router

import (
	"context"
	"encoding/json"
	"fmt"

	"zbridge/internal/pending"
	"zbridge/pkg/types"
)

// prompter asks the dispatching connection for input mid-command
type prompter struct {
	table     *pending.Table
	client    client
	requestID json.RawMessage
}

var _ types.Prompter = (*prompter)(nil)

// Prompt sends an input_request and waits for the matching input_response.
// It fails with pending.ErrTimeout if the client never answers.
func (p *prompter) Prompt(ctx context.Context, prompt types.InputPrompt) (any, error) {
	req := p.table.Create(p.client.ID())

	frame := types.InputRequest{
		Event:     types.EventInputRequest,
		ID:        req.ID,
		Prompt:    prompt,
		RequestID: p.requestID,
	}
	if err := p.client.WriteJSON(frame); err != nil {
		p.table.Cancel(req)
		return nil, fmt.Errorf("send input request: %w", err)
	}

	return p.table.Await(ctx, req)
}
