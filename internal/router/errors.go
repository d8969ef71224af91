package router

import (
	"errors"
	"fmt"
)

// Wire error codes
const (
	CodeProtocol       = "protocol_error"
	CodeAuthentication = "authentication_error"
	CodeDispatch       = "dispatch_error"
	CodeTimeout        = "timeout_error"
	CodeRateLimited    = "rate_limited"
	CodeUnknownAction  = "unknown_action"
	CodeInvalidRequest = "invalid_request"
)

var (
	ErrNilDispatcher     = errors.New("router requires a dispatcher")
	ErrNilProvider       = errors.New("router requires an auth provider")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrMalformedFrame    = errors.New("frame is not a JSON object")
	ErrNoDiscriminator   = errors.New("frame has no action, event or zKey")
	ErrMissingCommand    = errors.New("dispatch frame has no zKey")
	ErrDraining          = errors.New("server is shutting down")
	ErrScopeForbidden    = errors.New("cache scope not permitted for this connection")
	ErrInvalidCacheScope = errors.New("cache scope must be context, all, user or app")
	ErrCacheDisabled     = errors.New("cache is disabled")
	ErrInternalOnly      = errors.New("requires an internal or dual auth context")
)

// DispatchError wraps a dispatcher failure, including recovered panics
type DispatchError struct {
	Command string
	Err     error
	Panic   any
}

func (e *DispatchError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("command %s panicked: %v", e.Command, e.Panic)
	}
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
