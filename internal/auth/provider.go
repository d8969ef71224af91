// Package auth resolves and maintains the authentication context of each
// connection: an internal session of the hosting process, logins to one or
// more external applications, or both at once.
package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"zbridge/internal/clock"
	"zbridge/internal/token"
	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

// Logout scopes
const (
	ScopeInternal = "internal"
	ScopeApp      = "app"
	ScopeAllApps  = "all_apps"
	ScopeAll      = "all"
)

// LookupConfig names the user-table fields used to authenticate an application
type LookupConfig struct {
	IDField         string
	UsernameField   string
	RoleField       string
	CredentialField string
}

// DefaultLookup matches the bundled user store schema
func DefaultLookup() LookupConfig {
	return LookupConfig{
		IDField:         "id",
		UsernameField:   "username",
		RoleField:       "role",
		CredentialField: "credential",
	}
}

func (l LookupConfig) withDefaults(d LookupConfig) LookupConfig {
	if l.IDField == "" {
		l.IDField = d.IDField
	}
	if l.UsernameField == "" {
		l.UsernameField = d.UsernameField
	}
	if l.RoleField == "" {
		l.RoleField = d.RoleField
	}
	if l.CredentialField == "" {
		l.CredentialField = d.CredentialField
	}
	return l
}

// AppConfig overrides lookup settings for one application
type AppConfig struct {
	Lookup    LookupConfig
	PublicKey ed25519.PublicKey
}

// Credentials are the handshake parameters of a connection
type Credentials struct {
	Token string
	App   string
	// Silent refreshes a login without moving focus to its app
	Silent bool
}

// LogoutSummary reports what a logout cleared and where the record landed
type LogoutSummary struct {
	Scope           string   `json:"scope"`
	InternalCleared bool     `json:"internal_cleared"`
	AppsCleared     []string `json:"apps_cleared,omitempty"`
	ActiveContext   string   `json:"active_context"`
	ActiveApp       string   `json:"active_app,omitempty"`
}

// Options configures a Provider
type Options struct {
	Lookup        interfaces.UserLookup
	Host          interfaces.HostSession
	DefaultApp    string
	DefaultLookup LookupConfig
	Apps          map[string]AppConfig
	// PublicKey verifies signed tokens for apps without their own key
	PublicKey ed25519.PublicKey
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Provider is the only component that mutates a Record
type Provider struct {
	lookup        interfaces.UserLookup
	host          interfaces.HostSession
	defaultApp    string
	defaultLookup LookupConfig
	apps          map[string]AppConfig
	publicKey     ed25519.PublicKey
	clock         clock.Clock
	logger        *slog.Logger
}

// NewProvider creates an authentication provider
func NewProvider(opts Options) *Provider {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	apps := make(map[string]AppConfig, len(opts.Apps))
	for name, cfg := range opts.Apps {
		apps[name] = cfg
	}
	return &Provider{
		lookup:        opts.Lookup,
		host:          opts.Host,
		defaultApp:    opts.DefaultApp,
		defaultLookup: opts.DefaultLookup.withDefaults(DefaultLookup()),
		apps:          apps,
		publicKey:     opts.PublicKey,
		clock:         opts.Clock,
		logger:        opts.Logger.With("component", "auth"),
	}
}

// DefaultApp returns the application used when a login names none
func (p *Provider) DefaultApp() string { return p.defaultApp }

// Resolve establishes the context of a new connection. A failed
// application login leaves the record as it was and returns an *Error; the
// connection may continue with whatever identity remains.
func (p *Provider) Resolve(ctx context.Context, rec *Record, creds Credentials) (Identity, error) {
	if p.host != nil {
		if principal, ok := p.host.Current(); ok {
			rec.mu.Lock()
			rec.setInternalLocked(principal)
			p.commitLocked(rec, false)
			rec.mu.Unlock()
		}
	}

	if creds.Token != "" {
		if _, err := p.Login(ctx, rec, creds.App, creds.Token, creds.Silent); err != nil {
			return rec.Identity(), err
		}
	}
	return rec.Identity(), nil
}

// Login authenticates token against app and adds the login to rec,
// preserving logins to other applications
func (p *Provider) Login(ctx context.Context, rec *Record, app, tok string, silent bool) (Principal, error) {
	if app == "" {
		app = p.defaultApp
	}
	principal, err := p.AuthenticateApp(ctx, app, tok)
	if err != nil {
		p.logger.Warn("application login failed", "app", app, "code", CodeOf(err), "error", err)
		return Principal{}, err
	}

	rec.mu.Lock()
	rec.addAppLocked(app, principal, !silent)
	// a fresh login with both principals present defaults to dual
	p.commitLocked(rec, true)
	rec.mu.Unlock()

	p.logger.Info("application login", "app", app, "user_id", principal.ID, "silent", silent)
	return principal, nil
}

// QueryFields returns the distinct columns user lookups filter on, across the
// default lookup and every configured application
func (p *Provider) QueryFields() []string {
	seen := map[string]bool{
		p.defaultLookup.IDField:         true,
		p.defaultLookup.CredentialField: true,
	}
	for _, cfg := range p.apps {
		lc := cfg.Lookup.withDefaults(p.defaultLookup)
		seen[lc.IDField] = true
		seen[lc.CredentialField] = true
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// AuthenticateApp validates tok for app without touching any record.
// Signed tokens are verified first; anything else is treated as an opaque
// credential and looked up by the configured credential field.
func (p *Provider) AuthenticateApp(ctx context.Context, app, tok string) (Principal, error) {
	if app == "" {
		return Principal{}, &Error{Code: CodeMissingApplication}
	}
	if tok == "" {
		return Principal{}, &Error{Code: CodeUnknownCredential, App: app}
	}
	if p.lookup == nil {
		return Principal{}, &Error{Code: CodeLookupUnavailable, App: app, Err: errors.New("no user lookup configured")}
	}

	cfg := p.apps[app]
	lc := cfg.Lookup.withDefaults(p.defaultLookup)

	field, value := lc.CredentialField, tok
	if token.IsSigned(tok) {
		key := cfg.PublicKey
		if key == nil {
			key = p.publicKey
		}
		if key == nil {
			return Principal{}, &Error{Code: CodeInvalidToken, App: app, Err: errors.New("signed tokens are not accepted")}
		}
		claims, err := token.VerifyForApp(key, tok, app, p.clock.Now())
		if err != nil {
			code := CodeInvalidToken
			if errors.Is(err, token.ErrExpired) {
				code = CodeExpiredToken
			}
			return Principal{}, &Error{Code: code, App: app, Err: err}
		}
		field, value = lc.IDField, claims.Subject
	}

	row, err := p.lookup.FindUser(ctx, app, field, value)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return Principal{}, &Error{Code: CodeUnknownCredential, App: app}
		}
		return Principal{}, &Error{Code: CodeLookupUnavailable, App: app, Err: err}
	}

	principal := Principal{
		Authenticated: true,
		ID:            stringField(row, lc.IDField),
		Username:      stringField(row, lc.UsernameField),
		Role:          stringField(row, lc.RoleField),
	}
	if principal.ID == "" {
		return Principal{}, &Error{Code: CodeLookupUnavailable, App: app, Err: fmt.Errorf("user row has no %q field", lc.IDField)}
	}
	return principal, nil
}

// SwitchApp focuses rec on app. It fails if rec has no login for app.
func (p *Provider) SwitchApp(rec *Record, app string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if entry, ok := rec.apps[app]; !ok || !entry.Authenticated {
		return false
	}
	rec.activeApp = app
	p.commitLocked(rec, false)
	return true
}

// SetActiveContext switches which principal commands run as. The
// transition is refused unless the target context has the records it needs.
func (p *Provider) SetActiveContext(rec *Record, target string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.satisfiableLocked(target) {
		return false
	}
	rec.activeContext = target
	p.commitLocked(rec, false)
	return true
}

// Logout clears part or all of rec and recomputes its context
func (p *Provider) Logout(rec *Record, scope, app string) (LogoutSummary, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	summary := LogoutSummary{Scope: scope}
	switch scope {
	case ScopeInternal:
		summary.InternalCleared = rec.internal != nil
		rec.internal = nil
	case ScopeApp:
		if app == "" {
			return summary, ErrAppRequired
		}
		if _, ok := rec.apps[app]; !ok {
			return summary, fmt.Errorf("%w: %s", ErrNotLoggedIn, app)
		}
		delete(rec.apps, app)
		summary.AppsCleared = []string{app}
	case ScopeAllApps:
		summary.AppsCleared = rec.appNamesLocked()
		rec.apps = make(map[string]Principal)
	case ScopeAll:
		summary.InternalCleared = rec.internal != nil
		summary.AppsCleared = rec.appNamesLocked()
		rec.internal = nil
		rec.apps = make(map[string]Principal)
	default:
		return summary, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	p.commitLocked(rec, false)
	summary.ActiveContext = rec.activeContext
	summary.ActiveApp = rec.activeApp
	return summary, nil
}

// UserContext derives the cache/dispatch identity from the active context
func (p *Provider) UserContext(rec *Record) *types.UserContext {
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	switch rec.activeContext {
	case types.AuthContextInternal:
		if rec.internal == nil {
			return nil
		}
		return &types.UserContext{
			UserID:      rec.internal.ID,
			Role:        rec.internal.Role,
			AuthContext: types.AuthContextInternal,
		}
	case types.AuthContextApplication:
		app, ok := rec.apps[rec.activeApp]
		if !ok {
			return nil
		}
		return &types.UserContext{
			UserID:      app.ID,
			AppName:     rec.activeApp,
			Role:        app.Role,
			AuthContext: types.AuthContextApplication,
		}
	case types.AuthContextDual:
		app, ok := rec.apps[rec.activeApp]
		if !ok || rec.internal == nil {
			return nil
		}
		return &types.UserContext{
			UserID:         app.ID,
			InternalUserID: rec.internal.ID,
			AppName:        rec.activeApp,
			Role:           app.Role,
			AuthContext:    types.AuthContextDual,
		}
	default:
		return nil
	}
}

// GetAppUser returns rec's principal for app
func (p *Provider) GetAppUser(rec *Record, app string) (Principal, bool) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	principal, ok := rec.apps[app]
	return principal, ok && principal.Authenticated
}

// commitLocked recomputes derived state and enforces the record invariants.
// preferDual moves a record holding both principals into the dual context.
func (p *Provider) commitLocked(rec *Record, preferDual bool) {
	rec.recomputeLocked()
	if preferDual && rec.dualMode {
		rec.activeContext = types.AuthContextDual
	}
	if err := rec.checkLocked(); err != nil {
		// unreachable unless recomputeLocked is wrong
		p.logger.Error("authentication record invariant violated", "error", err)
		rec.activeApp = ""
		rec.recomputeLocked()
	}
}

func stringField(row map[string]any, field string) string {
	v, ok := row[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
