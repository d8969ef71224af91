package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidAppName     = errors.New("application name must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidCommandName = errors.New("command name must be 1-128 printable characters")
	ErrInvalidIdentifier  = errors.New("identifier must start with a letter and contain only letters, digits and underscores")
	ErrInvalidAuthContext = errors.New("auth context must be internal, application or dual")
)
