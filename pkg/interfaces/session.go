package interfaces

import "zbridge/pkg/types"

// HostSession exposes the internal session of the hosting process
type HostSession interface {
	// Current returns the logged-in internal principal, if any
	Current() (types.PrincipalInfo, bool)
}
