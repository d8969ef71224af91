package auth

import (
	"sync"

	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

// HostSession is the internal session of the hosting process. Connections
// opened while it is logged in resolve with an internal principal.
type HostSession struct {
	mu        sync.RWMutex
	principal *Principal
}

var _ interfaces.HostSession = (*HostSession)(nil)

// NewHostSession returns a logged-out host session
func NewHostSession() *HostSession {
	return &HostSession{}
}

// Login sets the internal principal
func (h *HostSession) Login(p Principal) {
	p.Authenticated = true
	h.mu.Lock()
	h.principal = &p
	h.mu.Unlock()
}

// Logout clears the internal principal. Existing connections keep theirs.
func (h *HostSession) Logout() {
	h.mu.Lock()
	h.principal = nil
	h.mu.Unlock()
}

// Current returns the internal principal, if logged in. A nil session is
// logged out.
func (h *HostSession) Current() (types.PrincipalInfo, bool) {
	if h == nil {
		return types.PrincipalInfo{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.principal == nil {
		return types.PrincipalInfo{}, false
	}
	return *h.principal, true
}
