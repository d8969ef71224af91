package types

import (
	"context"
	"encoding/json"
	"time"
)

// ServerName and ServerVersion are reported in every connection_info frame
const (
	ServerName    = "zbridge"
	ServerVersion = "1.4.0"
)

// Frame discriminators
// ARCHITECTURAL DISCOVERY: "event" carries client events, "action" carries bridge control actions
const (
	EventDispatch       = "dispatch"
	EventInputResponse  = "input_response"
	EventInputRequest   = "input_request"
	EventConnectionInfo = "connection_info"
	EventAck            = "ack"
	EventDispatchResult = "dispatch_result"
	EventClientJoined   = "client_connected"
	EventClientLeft     = "client_disconnected"
)

// Control actions handled by the bridge itself, never forwarded to the dispatcher
const (
	ActionClearCache  = "clear_cache"
	ActionCacheStats  = "cache_stats"
	ActionSetCacheTTL = "set_query_cache_ttl"
	ActionGetSchema   = "get_schema"
	ActionDiscover    = "discover"
	ActionIntrospect  = "introspect"
	ActionPing        = "ping"
	ActionLogin       = "login"
	ActionSwitchApp   = "switch_app"
	ActionSetContext  = "set_context"
	ActionLogout      = "logout"
	ActionWhoami      = "whoami"
)

// Reserved frame fields
const (
	FieldEvent     = "event"
	FieldAction    = "action"
	FieldCommand   = "zKey"
	FieldRequestID = "_requestId"
	FieldBroadcast = "_broadcast"
)

// Features advertised in connection_info
var Features = []string{
	"dispatch",
	"cache",
	"multi_app_auth",
	"input_requests",
	"broadcast",
	"schema",
}

// Authentication context discriminators
const (
	AuthContextInternal    = "internal"
	AuthContextApplication = "application"
	AuthContextDual        = "dual"
)

// UserContext identifies the principal a command runs as.
// FUNCTIONAL DISCOVERY: every field participates in the cache key, a nil
// *UserContext means an anonymous connection.
type UserContext struct {
	UserID         string `json:"user_id"`
	InternalUserID string `json:"internal_user_id,omitempty"`
	AppName        string `json:"app_name,omitempty"`
	Role           string `json:"role"`
	AuthContext    string `json:"auth_context"`
}

// CommandClass tells the router whether a command may be cached
type CommandClass int

const (
	// ClassOther commands are neither cached nor invalidate anything
	ClassOther CommandClass = iota
	// ClassRead commands are cacheable
	ClassRead
	// ClassWrite commands mutate state and invalidate the caller's cached reads
	ClassWrite
)

func (c CommandClass) String() string {
	switch c {
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	default:
		return "other"
	}
}

// MarshalJSON renders the class by name
func (c CommandClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// DispatchRequest is what the router hands to the dispatcher collaborator
type DispatchRequest struct {
	Command      string
	Args         map[string]any
	User         *UserContext
	ConnectionID string
	Prompter     Prompter
}

// Prompter asks the client for a value mid-command. Implementations must
// honour ctx and fail with a timeout rather than block forever.
type Prompter interface {
	Prompt(ctx context.Context, prompt InputPrompt) (any, error)
}

// InputPrompt describes a value the server needs from the client
type InputPrompt struct {
	Label   string   `json:"label"`
	Kind    string   `json:"kind,omitempty"`
	Choices []string `json:"choices,omitempty"`
	Default any      `json:"default,omitempty"`
}

// CommandInfo describes a dispatcher command for discover/introspect
type CommandInfo struct {
	Name        string       `json:"name"`
	Class       CommandClass `json:"class"`
	Description string       `json:"description,omitempty"`
	Args        []string     `json:"args,omitempty"`
}

// Response is a reply to a single client frame.
// TECHNICAL DISCOVERY: RequestID is kept raw so any client-supplied JSON value echoes unchanged
type Response struct {
	Action    string          `json:"action,omitempty"`
	Event     string          `json:"event,omitempty"`
	Result    any             `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	AuthCode  string          `json:"auth_code,omitempty"`
	Status    string          `json:"status,omitempty"`
	Cached    bool            `json:"_cached,omitempty"`
	RequestID json.RawMessage `json:"_requestId,omitempty"`
}

// InputRequest is pushed to a client when a command needs input
type InputRequest struct {
	Event     string          `json:"event"`
	ID        string          `json:"requestId"`
	Prompt    InputPrompt     `json:"prompt"`
	RequestID json.RawMessage `json:"_requestId,omitempty"`
}

// Notice is a server-initiated event frame
type Notice struct {
	Event     string    `json:"event"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionInfo is the first frame every client receives
type ConnectionInfo struct {
	Event         string         `json:"event"`
	Data          ConnectionData `json:"data"`
	ServerVersion string         `json:"server_version"`
	Features      []string       `json:"features"`
	Auth          AuthInfo       `json:"auth"`
}

// ConnectionData is the server metadata block of connection_info
type ConnectionData struct {
	ConnectionID    string    `json:"connection_id"`
	Server          string    `json:"server"`
	ConnectedAt     time.Time `json:"connected_at"`
	CacheTTLSeconds float64   `json:"cache_ttl_seconds"`
	AuthRequired    bool      `json:"auth_required"`
}

// AuthInfo summarises a connection's identity for clients
type AuthInfo struct {
	Authenticated bool                     `json:"authenticated"`
	Context       string                   `json:"context"`
	DualMode      bool                     `json:"dual_mode,omitempty"`
	Internal      *PrincipalInfo           `json:"internal,omitempty"`
	Applications  map[string]PrincipalInfo `json:"applications,omitempty"`
	ActiveApp     string                   `json:"active_app,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// PrincipalInfo is the wire form of an authenticated principal
type PrincipalInfo struct {
	Authenticated bool   `json:"authenticated"`
	ID            string `json:"id"`
	Username      string `json:"username"`
	Role          string `json:"role"`
}
