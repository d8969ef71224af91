package auth

import (
	"zbridge/pkg/types"
)

// Principal is an authenticated user, internal or per application
type Principal = types.PrincipalInfo

// Identity is the resolved authentication state of a connection. It is one of
// InternalIdentity, ApplicationIdentity or DualIdentity; anonymous
// connections have a nil Identity.
type Identity interface {
	// Context returns the discriminator: internal, application or dual
	Context() string
	isIdentity()
}

// InternalIdentity is a principal of the hosting process only
type InternalIdentity struct {
	Principal Principal
}

func (InternalIdentity) Context() string { return types.AuthContextInternal }
func (InternalIdentity) isIdentity()     {}

// ApplicationIdentity is one or more application logins
type ApplicationIdentity struct {
	Apps      map[string]Principal
	ActiveApp string
}

func (ApplicationIdentity) Context() string { return types.AuthContextApplication }
func (ApplicationIdentity) isIdentity()     {}

// DualIdentity holds both an internal principal and application logins.
// ActiveContext selects which of them commands run as.
type DualIdentity struct {
	Internal      Principal
	Apps          map[string]Principal
	ActiveApp     string
	ActiveContext string
	DualMode      bool
}

func (DualIdentity) Context() string { return types.AuthContextDual }
func (DualIdentity) isIdentity()     {}
