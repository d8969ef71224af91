package types

import (
	"regexp"
	"unicode"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	appNameRegex    = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
)

// IsValidAppName checks if an application name meets format requirements
func IsValidAppName(name string) bool {
	if len(name) < 1 || len(name) > 64 {
		return false
	}
	return appNameRegex.MatchString(name)
}

// IsValidIdentifier reports whether name is safe to splice into SQL as a
// column name. Lookup field names come from configuration, never from clients.
func IsValidIdentifier(name string) bool {
	if len(name) < 1 || len(name) > 64 {
		return false
	}
	return identifierRegex.MatchString(name)
}

// IsValidCommandName checks a dispatcher command name (zKey)
// FUNCTIONAL DISCOVERY: command names like "^Ping" carry a caret prefix, so only
// control characters and whitespace are rejected
func IsValidCommandName(name string) bool {
	if len(name) < 1 || len(name) > 128 {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// IsValidAuthContext checks an auth context discriminator
func IsValidAuthContext(ctx string) bool {
	switch ctx {
	case AuthContextInternal, AuthContextApplication, AuthContextDual:
		return true
	default:
		return false
	}
}

// Validate checks the fields of a user context that feed the cache key
func (u *UserContext) Validate() error {
	if u == nil {
		return nil
	}
	if !IsValidAuthContext(u.AuthContext) {
		return ErrInvalidAuthContext
	}
	if u.AppName != "" && !IsValidAppName(u.AppName) {
		return ErrInvalidAppName
	}
	return nil
}
