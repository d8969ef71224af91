package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zbridge/internal/auth"
	"zbridge/internal/cache"
	"zbridge/internal/clock"
	"zbridge/internal/pending"
	"zbridge/internal/websocket"
	"zbridge/pkg/interfaces"
	"zbridge/pkg/types"
)

// Broadcaster fans a frame out to every other connection. The hub implements it.
type Broadcaster interface {
	Broadcast(event string, payload any, excludeID string) error
}

// client is the part of a connection the router talks to
type client interface {
	ID() string
	Record() *auth.Record
	WriteJSON(v any) error
	Logger() *slog.Logger
}

// Options wires a Router to its collaborators
type Options struct {
	Dispatcher   interfaces.Dispatcher
	Provider     *auth.Provider
	Cache        *cache.Manager // nil disables result caching
	Pending      *pending.Table
	Broadcaster  Broadcaster
	RateLimit    int
	AuthRequired bool
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Router classifies inbound frames and answers them
// ARCHITECTURAL DISCOVERY: Pure message routing logic without connection handling,
// the websocket layer only hands over raw frames and close notifications
type Router struct {
	dispatcher   interfaces.Dispatcher
	provider     *auth.Provider
	cache        *cache.Manager
	pending      *pending.Table
	broadcaster  Broadcaster
	limiter      *RateLimiter
	authRequired bool
	clock        clock.Clock
	logger       *slog.Logger

	mu       sync.Mutex
	inflight sync.WaitGroup
	draining bool
}

var _ websocket.FrameHandler = (*Router)(nil)

// New creates a router
// FUNCTIONAL DISCOVERY: Dependency injection enables testing with mock components
func New(opts Options) (*Router, error) {
	if opts.Dispatcher == nil {
		return nil, ErrNilDispatcher
	}
	if opts.Provider == nil {
		return nil, ErrNilProvider
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pending == nil {
		opts.Pending = pending.NewTable(0, opts.Clock, opts.Logger)
	}
	return &Router{
		dispatcher:   opts.Dispatcher,
		provider:     opts.Provider,
		cache:        opts.Cache,
		pending:      opts.Pending,
		broadcaster:  opts.Broadcaster,
		limiter:      NewRateLimiter(opts.RateLimit, opts.Clock),
		authRequired: opts.AuthRequired,
		clock:        opts.Clock,
		logger:       opts.Logger.With("component", "router"),
	}, nil
}

// SetBroadcaster wires the broadcast path after construction
func (r *Router) SetBroadcaster(b Broadcaster) { r.broadcaster = b }

// HandleFrame processes one inbound frame. It never blocks on the dispatcher;
// dispatches run on their own goroutine so reading continues.
func (r *Router) HandleFrame(ctx context.Context, conn *websocket.Connection, data []byte) {
	r.handle(ctx, conn, data)
}

// ConnectionClosed fails conn's pending input requests and drops its limiter state
func (r *Router) ConnectionClosed(conn *websocket.Connection) {
	r.release(conn.ID())
}

func (r *Router) release(id string) {
	if n := r.pending.ReleaseOwner(id); n > 0 {
		r.logger.Debug("released pending requests", "conn", id, "count", n)
	}
	r.limiter.Forget(id)
}

func (r *Router) handle(ctx context.Context, c client, data []byte) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || frame == nil {
		if !r.limiter.Allow(c.ID()) {
			r.replyError(c, nil, CodeRateLimited, ErrRateLimitExceeded)
			return
		}
		c.Logger().Debug("malformed frame", "error", err)
		r.replyError(c, nil, CodeProtocol, ErrMalformedFrame)
		return
	}
	reqID := frame[types.FieldRequestID]

	// FUNCTIONAL DISCOVERY: answers to pending prompts are not throttled, a
	// busy client must not be able to time out its own input requests
	if !isInputResponse(frame) && !r.limiter.Allow(c.ID()) {
		r.replyError(c, reqID, CodeRateLimited, ErrRateLimitExceeded)
		return
	}

	if raw, ok := frame[types.FieldAction]; ok {
		action, err := decodeString(raw, types.FieldAction)
		if err != nil {
			r.replyError(c, reqID, CodeInvalidRequest, err)
			return
		}
		r.handleAction(ctx, c, action, frame, reqID)
		return
	}

	if raw, ok := frame[types.FieldEvent]; ok {
		event, err := decodeString(raw, types.FieldEvent)
		if err != nil {
			r.replyError(c, reqID, CodeInvalidRequest, err)
			return
		}
		switch event {
		case types.EventDispatch:
			r.startDispatch(ctx, c, frame, reqID)
		case types.EventInputResponse:
			r.handleInputResponse(c, frame, reqID)
		default:
			c.Logger().Info("ignoring unknown event", "event", event)
			r.reply(c, types.Response{Event: types.EventAck, Status: "ignored", RequestID: reqID})
		}
		return
	}

	if _, ok := frame[types.FieldCommand]; ok {
		r.startDispatch(ctx, c, frame, reqID)
		return
	}

	r.replyError(c, reqID, CodeInvalidRequest, ErrNoDiscriminator)
}

// startDispatch validates a dispatch frame and runs it on its own goroutine
func (r *Router) startDispatch(ctx context.Context, c client, frame map[string]json.RawMessage, reqID json.RawMessage) {
	raw, ok := frame[types.FieldCommand]
	if !ok {
		r.replyError(c, reqID, CodeInvalidRequest, ErrMissingCommand)
		return
	}
	command, err := decodeString(raw, types.FieldCommand)
	if err != nil {
		r.replyError(c, reqID, CodeInvalidRequest, err)
		return
	}
	if !types.IsValidCommandName(command) {
		r.replyError(c, reqID, CodeInvalidRequest, fmt.Errorf("%w: %q", types.ErrInvalidCommandName, command))
		return
	}
	if r.authRequired && !c.Record().IsAuthenticated() {
		r.replyAuthError(c, reqID, &auth.Error{Code: auth.CodeContextUnavailable, Err: errors.New("authentication required")})
		return
	}

	args, err := commandArgs(frame)
	if err != nil {
		r.replyError(c, reqID, CodeInvalidRequest, err)
		return
	}
	broadcast := decodeBool(frame[types.FieldBroadcast])

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		r.replyError(c, reqID, CodeDispatch, ErrDraining)
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.inflight.Done()
		r.runDispatch(ctx, c, command, args, broadcast, reqID)
	}()
}

func (r *Router) runDispatch(ctx context.Context, c client, command string, args map[string]any, broadcast bool, reqID json.RawMessage) {
	uc := r.provider.UserContext(c.Record())
	// TECHNICAL DISCOVERY: the app name becomes part of the cache partition,
	// so a malformed one must never reach BuildKey
	if err := uc.Validate(); err != nil {
		r.replyAuthError(c, reqID, &auth.Error{Code: auth.CodeContextUnavailable, App: c.Record().ActiveApp(), Err: err})
		return
	}
	class := r.dispatcher.Classify(command)
	logger := c.Logger().With("command", command, "class", class.String())

	var key string
	if class == types.ClassRead && r.cache != nil {
		key = r.cache.BuildKey(command, args, uc)
		if payload, ok := r.cache.Get(key); ok {
			logger.Debug("cache hit")
			r.reply(c, types.Response{Result: payload, Cached: true, RequestID: reqID})
			r.broadcastResult(c, command, payload, broadcast)
			return
		}
	}

	req := &types.DispatchRequest{
		Command:      command,
		Args:         args,
		User:         uc,
		ConnectionID: c.ID(),
		Prompter:     &prompter{table: r.pending, client: c, requestID: reqID},
	}

	start := r.clock.Now()
	result, err := r.invoke(ctx, req)
	if err != nil {
		logger.Warn("dispatch failed", "error", err, "duration", r.clock.Now().Sub(start))
		r.replyDispatchError(c, reqID, err)
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		r.replyDispatchError(c, reqID, &DispatchError{Command: command, Err: fmt.Errorf("encode result: %w", err)})
		return
	}

	switch class {
	case types.ClassRead:
		if r.cache != nil {
			if err := r.cache.Put(key, payload, 0, cache.WithOwner(uc)); err != nil {
				logger.Warn("failed to cache result", "error", err)
			}
		}
	case types.ClassWrite:
		if r.cache != nil {
			if n := r.cache.ClearForContext(uc); n > 0 {
				logger.Debug("invalidated cached reads", "count", n)
			}
		}
	}

	r.reply(c, types.Response{Result: json.RawMessage(payload), RequestID: reqID})
	r.broadcastResult(c, command, payload, broadcast)
}

// invoke calls the dispatcher, converting failures and panics to *DispatchError
func (r *Router) invoke(ctx context.Context, req *types.DispatchRequest) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("dispatcher panicked", "command", req.Command, "panic", p)
			result, err = nil, &DispatchError{Command: req.Command, Panic: p}
		}
	}()

	result, err = r.dispatcher.Dispatch(ctx, req)
	if err != nil {
		var de *DispatchError
		if !errors.As(err, &de) {
			err = &DispatchError{Command: req.Command, Err: err}
		}
		return nil, err
	}
	return result, nil
}

func (r *Router) broadcastResult(c client, command string, payload json.RawMessage, broadcast bool) {
	if !broadcast || r.broadcaster == nil {
		return
	}
	data := map[string]any{
		"zKey":   command,
		"result": payload,
		"from":   c.ID(),
	}
	if err := r.broadcaster.Broadcast(types.EventDispatchResult, data, c.ID()); err != nil {
		c.Logger().Warn("broadcast failed", "command", command, "error", err)
	}
}

func (r *Router) handleInputResponse(c client, frame map[string]json.RawMessage, reqID json.RawMessage) {
	id, err := decodeString(frame["requestId"], "requestId")
	if err != nil || id == "" {
		r.replyError(c, reqID, CodeInvalidRequest, errors.New("input_response requires a requestId"))
		return
	}

	var value any
	if raw, ok := frame["value"]; ok {
		if err := json.Unmarshal(raw, &value); err != nil {
			r.replyError(c, reqID, CodeProtocol, err)
			return
		}
	}

	if err := r.pending.Resolve(id, c.ID(), value); err != nil {
		r.replyError(c, reqID, CodeInvalidRequest, err)
		return
	}
	r.reply(c, types.Response{Event: types.EventAck, Status: "resolved", RequestID: reqID})
}

// Drain refuses new dispatches and waits for in-flight ones until ctx ends
func (r *Router) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run periodically prunes idle limiter state until ctx ends
func (r *Router) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.limiter.Cleanup(); n > 0 {
				r.logger.Debug("pruned rate limiter entries", "count", n)
			}
		}
	}
}

func (r *Router) reply(c client, resp types.Response) {
	if err := c.WriteJSON(resp); err != nil {
		c.Logger().Debug("failed to write response", "error", err)
	}
}

func (r *Router) replyError(c client, reqID json.RawMessage, code string, err error) {
	r.reply(c, types.Response{Error: err.Error(), Code: code, RequestID: reqID})
}

func (r *Router) replyAuthError(c client, reqID json.RawMessage, err error) {
	r.reply(c, types.Response{
		Error:     err.Error(),
		Code:      CodeAuthentication,
		AuthCode:  auth.CodeOf(err),
		RequestID: reqID,
	})
}

// replyDispatchError maps a dispatch failure onto its wire code
func (r *Router) replyDispatchError(c client, reqID json.RawMessage, err error) {
	switch {
	case errors.Is(err, pending.ErrTimeout):
		r.replyError(c, reqID, CodeTimeout, err)
	case auth.CodeOf(err) != "":
		r.replyAuthError(c, reqID, err)
	default:
		r.replyError(c, reqID, CodeDispatch, err)
	}
}

// reserved fields never reach the dispatcher as arguments
var reserved = map[string]bool{
	types.FieldEvent:     true,
	types.FieldAction:    true,
	types.FieldCommand:   true,
	types.FieldRequestID: true,
	types.FieldBroadcast: true,
}

// commandArgs collects the command-specific fields of a dispatch frame
func commandArgs(frame map[string]json.RawMessage) (map[string]any, error) {
	args := make(map[string]any, len(frame))
	for k, raw := range frame {
		if reserved[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		args[k] = v
	}
	return args, nil
}

func decodeString(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q must be a string", field)
	}
	return s, nil
}

func decodeBool(raw json.RawMessage) bool {
	var b bool
	if raw == nil || json.Unmarshal(raw, &b) != nil {
		return false
	}
	return b
}

func isInputResponse(frame map[string]json.RawMessage) bool {
	if _, ok := frame[types.FieldAction]; ok {
		return false
	}
	event, err := decodeString(frame[types.FieldEvent], types.FieldEvent)
	return err == nil && event == types.EventInputResponse
}
