package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"zbridge/internal/app"
	"zbridge/internal/config"
	"zbridge/pkg/types"
)

// ConfigFileEnv names the config file when --config is not given
const ConfigFileEnv = "ZBRIDGE_CONFIG_FILE"

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line settings. Flags override the config file,
// which overrides the environment.
type options struct {
	configPath string
	version    bool
	flags      *pflag.FlagSet

	host           string
	port           int
	requireAuth    bool
	defaultApp     string
	cacheTTL       time.Duration
	allowedOrigins []string
	dbPath         string
	logLevel       string
	logFormat      string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("zbridge", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or JSON config file (default $"+ConfigFileEnv+")")
	fs.BoolVar(&opts.version, "version", false, "print the version and exit")
	fs.StringVar(&opts.host, "host", "", "listen host")
	fs.IntVarP(&opts.port, "port", "p", 0, "listen port")
	fs.BoolVar(&opts.requireAuth, "require-auth", false, "reject handshakes without valid credentials")
	fs.StringVar(&opts.defaultApp, "default-app", "", "application used when a login names none")
	fs.DurationVar(&opts.cacheTTL, "cache-ttl", 0, "default TTL of cached read results")
	fs.StringSliceVar(&opts.allowedOrigins, "allowed-origin", nil, "allowed WebSocket origin (repeatable, * allows any)")
	fs.StringVar(&opts.dbPath, "db", "", "user store SQLite path")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.configPath == "" {
		opts.configPath = os.Getenv(ConfigFileEnv)
	}
	opts.flags = fs
	return opts, nil
}

// loadConfig layers explicitly set flags over the environment and config file
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return nil, err
	}

	changed := opts.flags.Changed
	if changed("host") {
		cfg.HTTP.Host = opts.host
	}
	if changed("port") {
		cfg.HTTP.Port = opts.port
	}
	if changed("require-auth") {
		cfg.Auth.Required = opts.requireAuth
	}
	if changed("default-app") {
		cfg.Auth.DefaultApp = opts.defaultApp
	}
	if changed("cache-ttl") {
		cfg.Cache.DefaultTTL = opts.cacheTTL
	}
	if changed("allowed-origin") {
		cfg.WebSocket.AllowedOrigins = opts.allowedOrigins
	}
	if changed("db") {
		cfg.Database.Path = opts.dbPath
	}
	if changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run(args []string, stderr io.Writer) error {
	// STEP 1: Flags, then configuration with precedence (flags > file > env > defaults)
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.version {
		fmt.Fprintf(stderr, "%s %s\n", types.ServerName, types.ServerVersion)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg, app.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Serve until SIGINT/SIGTERM; Run shuts down within the grace period
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}
	logger.Info("zbridge stopped")
	return nil
}
