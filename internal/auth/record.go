package auth

import (
	"fmt"
	"sort"
	"sync"

	"zbridge/pkg/types"
)

// Record is the authentication state of one connection. Only the Provider
// mutates it.
type Record struct {
	mu            sync.RWMutex
	internal      *Principal
	apps          map[string]Principal
	activeApp     string
	activeContext string
	dualMode      bool
}

// NewRecord returns an anonymous record
func NewRecord() *Record {
	return &Record{apps: make(map[string]Principal)}
}

// Identity returns the tagged identity, nil when anonymous
func (r *Record) Identity() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identityLocked()
}

func (r *Record) identityLocked() Identity {
	switch {
	case r.internal != nil && len(r.apps) > 0:
		return DualIdentity{
			Internal:      *r.internal,
			Apps:          r.appsCopyLocked(),
			ActiveApp:     r.activeApp,
			ActiveContext: r.activeContext,
			DualMode:      r.dualMode,
		}
	case r.internal != nil:
		return InternalIdentity{Principal: *r.internal}
	case len(r.apps) > 0:
		return ApplicationIdentity{Apps: r.appsCopyLocked(), ActiveApp: r.activeApp}
	default:
		return nil
	}
}

// IsAuthenticated reports whether any principal is attached
func (r *Record) IsAuthenticated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.internal != nil || len(r.apps) > 0
}

// ActiveApp returns the focused application, or ""
func (r *Record) ActiveApp() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeApp
}

// ActiveContext returns internal, application, dual or "" when anonymous
func (r *Record) ActiveContext() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeContext
}

// Apps returns the authenticated application names in sorted order
func (r *Record) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.appNamesLocked()
}

// Info renders the record for connection_info and whoami
func (r *Record) Info() types.AuthInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := types.AuthInfo{
		Authenticated: r.internal != nil || len(r.apps) > 0,
		Context:       r.activeContext,
		DualMode:      r.dualMode,
		ActiveApp:     r.activeApp,
	}
	if info.Context == "" {
		info.Context = "anonymous"
	}
	if r.internal != nil {
		p := *r.internal
		info.Internal = &p
	}
	if len(r.apps) > 0 {
		info.Applications = r.appsCopyLocked()
	}
	return info
}

func (r *Record) appsCopyLocked() map[string]Principal {
	out := make(map[string]Principal, len(r.apps))
	for k, v := range r.apps {
		out[k] = v
	}
	return out
}

func (r *Record) appNamesLocked() []string {
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// mutators below require r.mu held for writing

func (r *Record) setInternalLocked(p Principal) {
	p.Authenticated = true
	r.internal = &p
}

func (r *Record) addAppLocked(app string, p Principal, activate bool) {
	p.Authenticated = true
	r.apps[app] = p
	if activate || r.activeApp == "" {
		r.activeApp = app
	}
}

// recomputeLocked restores the invariants after any mutation: activeApp
// names an authenticated app, and activeContext is satisfiable.
func (r *Record) recomputeLocked() {
	if _, ok := r.apps[r.activeApp]; !ok {
		r.activeApp = ""
		if names := r.appNamesLocked(); len(names) > 0 {
			r.activeApp = names[0]
		}
	}
	r.dualMode = r.internal != nil && len(r.apps) > 0

	if r.satisfiableLocked(r.activeContext) {
		return
	}
	switch {
	case r.dualMode:
		r.activeContext = types.AuthContextDual
	case r.internal != nil:
		r.activeContext = types.AuthContextInternal
	case len(r.apps) > 0:
		r.activeContext = types.AuthContextApplication
	default:
		r.activeContext = ""
	}
}

func (r *Record) satisfiableLocked(ctx string) bool {
	hasApp := r.activeApp != ""
	switch ctx {
	case types.AuthContextInternal:
		return r.internal != nil
	case types.AuthContextApplication:
		return hasApp
	case types.AuthContextDual:
		return r.internal != nil && hasApp
	default:
		return false
	}
}

// checkLocked verifies the record invariants
func (r *Record) checkLocked() error {
	if r.activeApp != "" {
		p, ok := r.apps[r.activeApp]
		if !ok || !p.Authenticated {
			return fmt.Errorf("active app %q has no authenticated entry", r.activeApp)
		}
	}
	if r.activeContext != "" && !r.satisfiableLocked(r.activeContext) {
		return fmt.Errorf("active context %q is not satisfiable", r.activeContext)
	}
	if r.activeContext == "" && (r.internal != nil || len(r.apps) > 0) {
		return fmt.Errorf("authenticated record has no active context")
	}
	return nil
}
