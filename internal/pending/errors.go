package pending

import "errors"

var (
	ErrTimeout     = errors.New("timed out waiting for client input")
	ErrNotFound    = errors.New("no pending request with that id")
	ErrOwnerClosed = errors.New("connection closed before input arrived")
)
