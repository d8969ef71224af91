package interfaces

import (
	"context"

	"zbridge/pkg/types"
)

// Dispatcher executes application-level commands on behalf of the bridge
// ARCHITECTURAL DISCOVERY: The bridge has no compile-time dependency on the
// application engine, everything it needs goes through this boundary
type Dispatcher interface {
	// Dispatch runs a command and returns a JSON-encodable result
	// FUNCTIONAL DISCOVERY: ctx is cancelled when the originating connection closes
	Dispatch(ctx context.Context, req *types.DispatchRequest) (any, error)

	// Classify reports whether a command is a cacheable read, a mutation, or neither
	Classify(command string) types.CommandClass
}

// Describer is implemented by dispatchers that can describe themselves.
// The discover, introspect and get_schema control actions require it.
type Describer interface {
	Commands() []types.CommandInfo
	Describe(name string) (types.CommandInfo, bool)
	Schema(ctx context.Context, model string) (any, error)
}
