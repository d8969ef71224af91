package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zbridge/internal/auth"
	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

// Cache clearing scopes for the clear_cache action
const (
	ScopeContext = "context"
	ScopeAll     = "all"
	ScopeUser    = "user"
	ScopeApp     = "app"
)

// handleAction answers control and authentication actions locally. None of
// them reach the dispatcher.
func (r *Router) handleAction(ctx context.Context, c client, action string, frame map[string]json.RawMessage, reqID json.RawMessage) {
	var (
		result any
		err    error
	)

	switch action {
	case types.ActionPing:
		result = map[string]any{"pong": true, "timestamp": r.clock.Now().UTC()}
	case types.ActionClearCache:
		result, err = r.clearCache(c, frame)
	case types.ActionCacheStats:
		if r.cache == nil {
			err = ErrCacheDisabled
			break
		}
		result = r.cache.Stats()
	case types.ActionSetCacheTTL:
		result, err = r.setCacheTTL(c, frame)
	case types.ActionGetSchema:
		result, err = r.getSchema(ctx, frame)
	case types.ActionDiscover:
		result, err = r.discover()
	case types.ActionIntrospect:
		result, err = r.introspect(frame)
	case types.ActionLogin:
		result, err = r.login(ctx, c, frame)
	case types.ActionSwitchApp:
		result, err = r.switchApp(c, frame)
	case types.ActionSetContext:
		result, err = r.setContext(c, frame)
	case types.ActionLogout:
		result, err = r.logout(c, frame)
	case types.ActionWhoami:
		result = r.whoami(c)
	default:
		c.Logger().Info("unknown action", "action", action)
		r.replyError(c, reqID, CodeUnknownAction, fmt.Errorf("unknown action %q", action))
		return
	}

	if err != nil {
		r.replyActionError(c, action, reqID, err)
		return
	}
	r.reply(c, types.Response{Action: action, Result: result, RequestID: reqID})
}

func (r *Router) replyActionError(c client, action string, reqID json.RawMessage, err error) {
	resp := types.Response{Action: action, Error: err.Error(), RequestID: reqID}
	switch {
	case auth.CodeOf(err) != "":
		resp.Code = CodeAuthentication
		resp.AuthCode = auth.CodeOf(err)
	case errors.Is(err, ErrScopeForbidden), errors.Is(err, ErrInternalOnly):
		resp.Code = CodeAuthentication
	default:
		resp.Code = CodeInvalidRequest
	}
	r.reply(c, resp)
}

// clearCache clears the caller's own partition unless a wider scope is asked for
func (r *Router) clearCache(c client, frame map[string]json.RawMessage) (any, error) {
	if r.cache == nil {
		return nil, ErrCacheDisabled
	}
	scope, err := decodeString(frame["scope"], "scope")
	if err != nil {
		return nil, err
	}
	if scope == "" {
		scope = ScopeContext
	}

	uc := r.provider.UserContext(c.Record())
	var cleared int
	switch scope {
	case ScopeContext:
		cleared = r.cache.ClearForContext(uc)
	case ScopeAll:
		if !hasInternalPrincipal(c) {
			return nil, fmt.Errorf("clear_cache scope all %w", ErrInternalOnly)
		}
		cleared = r.cache.ClearAll()
	case ScopeUser:
		if uc == nil {
			return nil, ErrScopeForbidden
		}
		cleared = r.cache.ClearForUser(uc.UserID)
	case ScopeApp:
		if uc == nil || uc.AppName == "" {
			return nil, ErrScopeForbidden
		}
		cleared = r.cache.ClearForApp(uc.AppName)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCacheScope, scope)
	}

	c.Logger().Info("cache cleared", "scope", scope, "entries", cleared)
	return map[string]any{"scope": scope, "cleared": cleared}, nil
}

// hasInternalPrincipal reports whether c acts as the host operator.
// FUNCTIONAL DISCOVERY: the cache is shared by every tenant, so only the
// internal or dual context may retune or flush all of it
func hasInternalPrincipal(c client) bool {
	switch c.Record().ActiveContext() {
	case types.AuthContextInternal, types.AuthContextDual:
		return true
	}
	return false
}

// setCacheTTL takes the new default TTL in seconds
func (r *Router) setCacheTTL(c client, frame map[string]json.RawMessage) (any, error) {
	if r.cache == nil {
		return nil, ErrCacheDisabled
	}
	if !hasInternalPrincipal(c) {
		return nil, fmt.Errorf("set_query_cache_ttl %w", ErrInternalOnly)
	}
	raw, ok := frame["ttl"]
	if !ok {
		return nil, errors.New("set_query_cache_ttl requires ttl in seconds")
	}
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return nil, errors.New("ttl must be a number of seconds")
	}
	if err := r.cache.SetDefaultTTL(time.Duration(seconds * float64(time.Second))); err != nil {
		return nil, err
	}
	return map[string]any{"ttl_seconds": r.cache.DefaultTTL().Seconds()}, nil
}

func (r *Router) describer() (interfaces.Describer, error) {
	d, ok := r.dispatcher.(interfaces.Describer)
	if !ok {
		return nil, interfaces.ErrNotDescribable
	}
	return d, nil
}

func (r *Router) getSchema(ctx context.Context, frame map[string]json.RawMessage) (any, error) {
	d, err := r.describer()
	if err != nil {
		return nil, err
	}
	model, err := decodeString(frame["model"], "model")
	if err != nil {
		return nil, err
	}
	return d.Schema(ctx, model)
}

func (r *Router) discover() (any, error) {
	d, err := r.describer()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"server":   types.ServerName,
		"version":  types.ServerVersion,
		"features": types.Features,
		"commands": d.Commands(),
	}, nil
}

func (r *Router) introspect(frame map[string]json.RawMessage) (any, error) {
	d, err := r.describer()
	if err != nil {
		return nil, err
	}
	name, err := decodeString(frame["command"], "command")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return d.Commands(), nil
	}
	info, ok := d.Describe(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownCommand, name)
	}
	return info, nil
}

type loginRequest struct {
	App    string `json:"app"`
	Token  string `json:"token"`
	Silent bool   `json:"silent"`
}

func (r *Router) login(ctx context.Context, c client, frame map[string]json.RawMessage) (any, error) {
	var req loginRequest
	if err := decodeFields(frame, &req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, errors.New("login requires a token")
	}

	principal, err := r.provider.Login(ctx, c.Record(), req.App, req.Token, req.Silent)
	if err != nil {
		c.Logger().Info("login failed", "app", req.App, "code", auth.CodeOf(err))
		return nil, err
	}
	c.Logger().Info("login succeeded", "app", c.Record().ActiveApp(), "user", principal.ID)
	return map[string]any{"user": principal, "auth": c.Record().Info()}, nil
}

func (r *Router) switchApp(c client, frame map[string]json.RawMessage) (any, error) {
	app, err := decodeString(frame["app"], "app")
	if err != nil {
		return nil, err
	}
	if !r.provider.SwitchApp(c.Record(), app) {
		return nil, &auth.Error{Code: auth.CodeContextUnavailable, App: app, Err: auth.ErrNotLoggedIn}
	}
	return c.Record().Info(), nil
}

func (r *Router) setContext(c client, frame map[string]json.RawMessage) (any, error) {
	target, err := decodeString(frame["context"], "context")
	if err != nil {
		return nil, err
	}
	if !types.IsValidAuthContext(target) {
		return nil, fmt.Errorf("%w: %q", auth.ErrInvalidContext, target)
	}
	if !r.provider.SetActiveContext(c.Record(), target) {
		return nil, &auth.Error{Code: auth.CodeContextUnavailable, Err: fmt.Errorf("context %s is not available", target)}
	}
	return c.Record().Info(), nil
}

func (r *Router) logout(c client, frame map[string]json.RawMessage) (any, error) {
	var req struct {
		Scope string `json:"scope"`
		App   string `json:"app"`
	}
	if err := decodeFields(frame, &req); err != nil {
		return nil, err
	}
	if req.Scope == "" {
		req.Scope = auth.ScopeAll
	}
	summary, err := r.provider.Logout(c.Record(), req.Scope, req.App)
	if err != nil {
		return nil, err
	}
	c.Logger().Info("logout", "scope", req.Scope, "context", summary.ActiveContext)
	return summary, nil
}

func (r *Router) whoami(c client) any {
	return map[string]any{
		"connection_id": c.ID(),
		"auth":          c.Record().Info(),
		"user_context":  r.provider.UserContext(c.Record()),
	}
}

// decodeFields re-reads the frame into a typed request struct
func decodeFields(frame map[string]json.RawMessage, v any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid action fields: %w", err)
	}
	return nil
}
