package interfaces

import "context"

// UserLookup resolves application users by an arbitrary configured field
// FUNCTIONAL DISCOVERY: field names are configuration, never hard-coded, so
// each application can keep its own user table layout
type UserLookup interface {
	// FindUser returns the row whose field equals value within app
	FindUser(ctx context.Context, app, field, value string) (map[string]any, error)
}
