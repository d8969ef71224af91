package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig
	WebSocket *WebSocketConfig
	Auth      *AuthConfig
	Cache     *CacheConfig
	Database  *DatabaseConfig
	Log       *LogConfig
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	// AdminToken guards the user provisioning routes; empty leaves them unmounted
	AdminToken string
}

// WebSocketConfig tunes connections and the frame router
type WebSocketConfig struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
	MaxMessageSize   int64
	AllowedOrigins   []string
	RateLimit        int // frames per connection per minute
	InputTimeout     time.Duration
	AnnouncePresence bool
}

// LookupConfig names the user-store columns used to authenticate an application
type LookupConfig struct {
	IDField         string `yaml:"id_field"`
	UsernameField   string `yaml:"username_field"`
	RoleField       string `yaml:"role_field"`
	CredentialField string `yaml:"credential_field"`
}

// AppConfig overrides lookup settings per application
type AppConfig struct {
	Lookup         LookupConfig `yaml:"lookup"`
	TokenPublicKey string       `yaml:"token_public_key"`
}

// HostUserConfig seeds the internal (host) session at startup
type HostUserConfig struct {
	ID       string `yaml:"id"`
	Username string `yaml:"username"`
	Role     string `yaml:"role"`
}

type AuthConfig struct {
	Required       bool
	DefaultApp     string
	TokenPublicKey string // hex Ed25519 key for signed tokens
	Lookup         LookupConfig
	Apps           map[string]AppConfig
	HostUser       *HostUserConfig
}

type CacheConfig struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations.
// An empty path disables the user store.
type DatabaseConfig struct {
	Path    string
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

// FUNCTIONAL DISCOVERY: Production-ready defaults
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 1 << 20,
			RateLimit:      100,
			InputTimeout:   5 * time.Second,
		},
		Auth: &AuthConfig{
			Lookup: LookupConfig{
				IDField:         "id",
				UsernameField:   "username",
				RoleField:       "role",
				CredentialField: "credential",
			},
			Apps: map[string]AppConfig{},
		},
		Cache: &CacheConfig{
			DefaultTTL:    60 * time.Second,
			MaxTTL:        time.Hour,
			SweepInterval: 30 * time.Second,
		},
		Database: &DatabaseConfig{
			Path:    "./zbridge.db",
			Timeout: 30 * time.Second,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Auth == nil || c.Cache == nil || c.Database == nil || c.Log == nil {
		return errors.New("all configuration sections are required")
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownGrace <= 0 {
		return fmt.Errorf("HTTP shutdown grace must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}
	if c.WebSocket.RateLimit <= 0 {
		return fmt.Errorf("WebSocket rate limit must be positive")
	}
	if c.WebSocket.InputTimeout <= 0 {
		return fmt.Errorf("WebSocket input timeout must be positive")
	}

	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache default TTL must be positive")
	}
	if c.Cache.MaxTTL > 0 && c.Cache.DefaultTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache default TTL exceeds max TTL")
	}
	if c.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache sweep interval cannot be negative")
	}

	if c.Database.Path != "" && c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Auth.HostUser != nil && c.Auth.HostUser.ID == "" {
		return fmt.Errorf("auth host_user requires an id")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// Addr is the listen address
func (h *HTTPConfig) Addr() string {
	return h.Host + ":" + strconv.Itoa(h.Port)
}

// SlogLevel parses Level
func (l *LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Unparseable values are ignored and the previous value kept
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("ZBRIDGE_HTTP_HOST", &config.HTTP.Host)
	envInt("ZBRIDGE_HTTP_PORT", &config.HTTP.Port)
	envDuration("ZBRIDGE_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("ZBRIDGE_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("ZBRIDGE_HTTP_SHUTDOWN_GRACE", &config.HTTP.ShutdownGrace)
	envString("ZBRIDGE_HTTP_ADMIN_TOKEN", &config.HTTP.AdminToken)

	envDuration("ZBRIDGE_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("ZBRIDGE_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("ZBRIDGE_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("ZBRIDGE_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt("ZBRIDGE_WEBSOCKET_RATE_LIMIT", &config.WebSocket.RateLimit)
	envDuration("ZBRIDGE_WEBSOCKET_INPUT_TIMEOUT", &config.WebSocket.InputTimeout)
	envBool("ZBRIDGE_WEBSOCKET_ANNOUNCE_PRESENCE", &config.WebSocket.AnnouncePresence)
	if origins := os.Getenv("ZBRIDGE_WEBSOCKET_ALLOWED_ORIGINS"); origins != "" {
		config.WebSocket.AllowedOrigins = SplitList(origins)
	}

	envBool("ZBRIDGE_AUTH_REQUIRED", &config.Auth.Required)
	envString("ZBRIDGE_AUTH_DEFAULT_APP", &config.Auth.DefaultApp)
	envString("ZBRIDGE_AUTH_TOKEN_PUBLIC_KEY", &config.Auth.TokenPublicKey)

	envDuration("ZBRIDGE_CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)
	envDuration("ZBRIDGE_CACHE_MAX_TTL", &config.Cache.MaxTTL)
	envDuration("ZBRIDGE_CACHE_SWEEP_INTERVAL", &config.Cache.SweepInterval)

	envString("ZBRIDGE_DATABASE_PATH", &config.Database.Path)
	envDuration("ZBRIDGE_DATABASE_TIMEOUT", &config.Database.Timeout)

	envString("ZBRIDGE_LOG_LEVEL", &config.Log.Level)
	envString("ZBRIDGE_LOG_FORMAT", &config.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// SplitList splits a comma-separated list, dropping blanks
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigFile represents the on-disk structure
// FUNCTIONAL DISCOVERY: Separate struct for parsing to handle duration strings
type ConfigFile struct {
	HTTP      *HTTPConfigFile      `yaml:"http"`
	WebSocket *WebSocketConfigFile `yaml:"websocket"`
	Auth      *AuthConfigFile      `yaml:"auth"`
	Cache     *CacheConfigFile     `yaml:"cache"`
	Database  *DatabaseConfigFile  `yaml:"database"`
	Log       *LogConfigFile       `yaml:"log"`
}

type HTTPConfigFile struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ReadTimeout   string `yaml:"read_timeout"`
	WriteTimeout  string `yaml:"write_timeout"`
	ShutdownGrace string `yaml:"shutdown_grace"`
	AdminToken    string `yaml:"admin_token"`
}

type WebSocketConfigFile struct {
	PingInterval     string   `yaml:"ping_interval"`
	ReadTimeout      string   `yaml:"read_timeout"`
	WriteTimeout     string   `yaml:"write_timeout"`
	BufferSize       int      `yaml:"buffer_size"`
	MaxMessageSize   int64    `yaml:"max_message_size"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	RateLimit        int      `yaml:"rate_limit"`
	InputTimeout     string   `yaml:"input_timeout"`
	AnnouncePresence *bool    `yaml:"announce_presence"`
}

type AuthConfigFile struct {
	Required       *bool                `yaml:"required"`
	DefaultApp     string               `yaml:"default_app"`
	TokenPublicKey string               `yaml:"token_public_key"`
	Lookup         *LookupConfig        `yaml:"lookup"`
	Apps           map[string]AppConfig `yaml:"apps"`
	HostUser       *HostUserConfig      `yaml:"host_user"`
}

type CacheConfigFile struct {
	DefaultTTL    string `yaml:"default_ttl"`
	MaxTTL        string `yaml:"max_ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

type DatabaseConfigFile struct {
	Path    *string `yaml:"path"`
	Timeout string  `yaml:"timeout"`
}

type LogConfigFile struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment scenarios.
// YAML is the format; JSON files load too since JSON is valid YAML.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	if err := file.apply(config); err != nil {
		return fmt.Errorf("config file %s: %w", filepath, err)
	}
	return nil
}

// apply overlays every field set in the file onto config
func (f *ConfigFile) apply(config *Config) error {
	var errs []error
	duration := func(dst *time.Duration, value, field string) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		*dst = d
	}

	if h := f.HTTP; h != nil {
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		if h.Port != 0 {
			config.HTTP.Port = h.Port
		}
		duration(&config.HTTP.ReadTimeout, h.ReadTimeout, "http.read_timeout")
		duration(&config.HTTP.WriteTimeout, h.WriteTimeout, "http.write_timeout")
		duration(&config.HTTP.ShutdownGrace, h.ShutdownGrace, "http.shutdown_grace")
		if h.AdminToken != "" {
			config.HTTP.AdminToken = h.AdminToken
		}
	}

	if ws := f.WebSocket; ws != nil {
		duration(&config.WebSocket.PingInterval, ws.PingInterval, "websocket.ping_interval")
		duration(&config.WebSocket.ReadTimeout, ws.ReadTimeout, "websocket.read_timeout")
		duration(&config.WebSocket.WriteTimeout, ws.WriteTimeout, "websocket.write_timeout")
		duration(&config.WebSocket.InputTimeout, ws.InputTimeout, "websocket.input_timeout")
		if ws.BufferSize != 0 {
			config.WebSocket.BufferSize = ws.BufferSize
		}
		if ws.MaxMessageSize != 0 {
			config.WebSocket.MaxMessageSize = ws.MaxMessageSize
		}
		if ws.AllowedOrigins != nil {
			config.WebSocket.AllowedOrigins = ws.AllowedOrigins
		}
		if ws.RateLimit != 0 {
			config.WebSocket.RateLimit = ws.RateLimit
		}
		if ws.AnnouncePresence != nil {
			config.WebSocket.AnnouncePresence = *ws.AnnouncePresence
		}
	}

	if a := f.Auth; a != nil {
		if a.Required != nil {
			config.Auth.Required = *a.Required
		}
		if a.DefaultApp != "" {
			config.Auth.DefaultApp = a.DefaultApp
		}
		if a.TokenPublicKey != "" {
			config.Auth.TokenPublicKey = a.TokenPublicKey
		}
		if a.Lookup != nil {
			config.Auth.Lookup = mergeLookup(config.Auth.Lookup, *a.Lookup)
		}
		for name, app := range a.Apps {
			config.Auth.Apps[name] = app
		}
		if a.HostUser != nil {
			config.Auth.HostUser = a.HostUser
		}
	}

	if c := f.Cache; c != nil {
		duration(&config.Cache.DefaultTTL, c.DefaultTTL, "cache.default_ttl")
		duration(&config.Cache.MaxTTL, c.MaxTTL, "cache.max_ttl")
		duration(&config.Cache.SweepInterval, c.SweepInterval, "cache.sweep_interval")
	}

	if d := f.Database; d != nil {
		if d.Path != nil {
			config.Database.Path = *d.Path
		}
		duration(&config.Database.Timeout, d.Timeout, "database.timeout")
	}

	if l := f.Log; l != nil {
		if l.Level != "" {
			config.Log.Level = l.Level
		}
		if l.Format != "" {
			config.Log.Format = l.Format
		}
	}

	return errors.Join(errs...)
}

func mergeLookup(base, override LookupConfig) LookupConfig {
	if override.IDField != "" {
		base.IDField = override.IDField
	}
	if override.UsernameField != "" {
		base.UsernameField = override.UsernameField
	}
	if override.RoleField != "" {
		base.RoleField = override.RoleField
	}
	if override.CredentialField != "" {
		base.CredentialField = override.CredentialField
	}
	return base
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// A file that was asked for but cannot be loaded is an error
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
