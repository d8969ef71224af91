package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownModel   = errors.New("unknown schema model")
	ErrNotDescribable = errors.New("dispatcher does not describe its commands")
)

// ErrUserNotFound is returned by UserLookup implementations when no row matches
var ErrUserNotFound = errors.New("user not found")
