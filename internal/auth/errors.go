package auth

import (
	"errors"
	"fmt"
)

// Error codes carried on *Error and surfaced to clients as auth_code
const (
	CodeUnknownCredential  = "unknown_credential"
	CodeLookupUnavailable  = "lookup_unavailable"
	CodeInvalidToken       = "invalid_token"
	CodeExpiredToken       = "expired_token"
	CodeMissingApplication = "missing_application"
	CodeContextUnavailable = "context_unavailable"
)

// Error is an authentication failure with a stable code
type Error struct {
	Code string
	App  string
	Err  error
}

func (e *Error) Error() string {
	msg := "authentication failed: " + e.Code
	if e.App != "" {
		msg += fmt.Sprintf(" (app %q)", e.App)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of an *Error in err's chain, or "" if there is none
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

var (
	ErrInvalidScope   = errors.New("logout scope must be internal, app, all_apps or all")
	ErrAppRequired    = errors.New("logout scope app requires an application name")
	ErrNotLoggedIn    = errors.New("not logged in to that application")
	ErrInvalidContext = errors.New("context must be internal, application or dual")
)
