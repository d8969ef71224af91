package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"zbridge/internal/api"
	"zbridge/internal/auth"
	"zbridge/internal/cache"
	"zbridge/internal/clock"
	"zbridge/internal/config"
	"zbridge/internal/dispatch"
	"zbridge/internal/hub"
	"zbridge/internal/pending"
	"zbridge/internal/router"
	"zbridge/internal/token"
	"zbridge/internal/userstore"
	"zbridge/internal/websocket"
	"zbridge/pkg/interfaces"
)

// Option customises an Application
type Option func(*Application)

// WithDispatcher replaces the built-in command set
func WithDispatcher(d interfaces.Dispatcher) Option {
	return func(a *Application) { a.dispatcher = d }
}

// WithLogger sets the root logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Application) { a.logger = l }
}

// WithClock replaces the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(a *Application) { a.clock = c }
}

// Application coordinates all system components
// ARCHITECTURAL DISCOVERY: Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	clock      clock.Clock
	dispatcher interfaces.Dispatcher

	store      *userstore.Store // nil when no database is configured
	host       *auth.HostSession
	provider   *auth.Provider
	cache      *cache.Manager
	pending    *pending.Table
	router     *router.Router
	registry   *websocket.Registry
	hub        *hub.Hub
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	mu        sync.Mutex
	listener  net.Listener
	cancelRun context.CancelFunc
	stopOnce  sync.Once
	stopErr   error
}

// NewApplication creates a new application instance with all components initialized
// FUNCTIONAL DISCOVERY: Component initialization follows strict dependency order:
// Store -> Auth -> Cache -> Router -> Registry -> Hub -> WebSocket -> API -> HTTP
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.dispatcher == nil {
		a.dispatcher = dispatch.NewDefaultMux()
	}

	// STEP 1: User store (optional foundation layer)
	var lookup interfaces.UserLookup
	if cfg.Database.Path != "" {
		store, err := userstore.Open(userstore.Config{
			Path:         cfg.Database.Path,
			WriteTimeout: cfg.Database.Timeout,
			Logger:       a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open user store: %w", err)
		}
		a.store = store
		lookup = store
	}

	// STEP 2: Authentication provider and host session
	provider, err := a.buildProvider(lookup)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.provider = provider
	if a.store != nil {
		for _, field := range provider.QueryFields() {
			if !a.store.HasColumn(field) {
				a.closeStore()
				return nil, fmt.Errorf("auth lookup field %q is not a column of the users table", field)
			}
		}
	}

	// STEP 3: Result cache and pending input requests
	a.cache = cache.NewManager(cache.Options{
		DefaultTTL:    cfg.Cache.DefaultTTL,
		MaxTTL:        cfg.Cache.MaxTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Clock:         a.clock,
		Logger:        a.logger,
	})
	a.pending = pending.NewTable(cfg.WebSocket.InputTimeout, a.clock, a.logger)

	// STEP 4: Message router
	a.router, err = router.New(router.Options{
		Dispatcher:   a.dispatcher,
		Provider:     a.provider,
		Cache:        a.cache,
		Pending:      a.pending,
		RateLimit:    cfg.WebSocket.RateLimit,
		AuthRequired: cfg.Auth.Required,
		Clock:        a.clock,
		Logger:       a.logger,
	})
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	// STEP 5: Connection registry and broadcast hub
	a.registry = websocket.NewRegistry(a.logger)
	a.hub, err = hub.NewHub(a.registry, hub.Options{Clock: a.clock, Logger: a.logger})
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}
	a.router.SetBroadcaster(a.hub)

	// STEP 6: WebSocket handshake handler
	a.wsHandler = websocket.NewHandler(a.registry, a.provider, a.router, websocket.HandlerConfig{
		AuthRequired:     cfg.Auth.Required,
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
		AnnouncePresence: cfg.WebSocket.AnnouncePresence,
		Conn: websocket.ConnOptions{
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			ReadTimeout:    cfg.WebSocket.ReadTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			BufferSize:     cfg.WebSocket.BufferSize,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		},
	}, a.logger)
	a.wsHandler.SetAnnouncer(a.hub)
	a.wsHandler.SetTTLSource(a.cache)

	// STEP 7: Admin API with the WebSocket endpoint mounted
	apiOpts := api.Options{
		Registry:       a.registry,
		Cache:          a.cache,
		Hub:            a.hub,
		WebSocket:      a.wsHandler,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		StartedAt:      a.clock.Now(),
		Logger:         a.logger,
	}
	if a.store != nil {
		apiOpts.Store = a.store
		apiOpts.Users = a.store
		apiOpts.AdminToken = cfg.HTTP.AdminToken
	}
	a.apiServer = api.NewServer(apiOpts)

	a.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      a.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return a, nil
}

func (a *Application) buildProvider(lookup interfaces.UserLookup) (*auth.Provider, error) {
	authCfg := a.config.Auth

	var publicKey ed25519.PublicKey
	if authCfg.TokenPublicKey != "" {
		key, err := token.ParsePublicKey(authCfg.TokenPublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid token public key: %w", err)
		}
		publicKey = key
	}

	apps := make(map[string]auth.AppConfig, len(authCfg.Apps))
	for name, appCfg := range authCfg.Apps {
		ac := auth.AppConfig{Lookup: auth.LookupConfig(appCfg.Lookup)}
		if appCfg.TokenPublicKey != "" {
			key, err := token.ParsePublicKey(appCfg.TokenPublicKey)
			if err != nil {
				return nil, fmt.Errorf("invalid token public key for app %q: %w", name, err)
			}
			ac.PublicKey = key
		}
		apps[name] = ac
	}

	a.host = auth.NewHostSession()
	if hu := authCfg.HostUser; hu != nil {
		a.host.Login(auth.Principal{ID: hu.ID, Username: hu.Username, Role: hu.Role})
		a.logger.Info("host session seeded", "user", hu.Username)
	}

	return auth.NewProvider(auth.Options{
		Lookup:        lookup,
		Host:          a.host,
		DefaultApp:    authCfg.DefaultApp,
		DefaultLookup: auth.LookupConfig(authCfg.Lookup),
		Apps:          apps,
		PublicKey:     publicKey,
		Clock:         a.clock,
		Logger:        a.logger,
	}), nil
}

// Start binds the listener so Addr is known before Run serves
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln
	a.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Run serves until ctx ends or a component fails, then shuts down
// gracefully within the configured grace period
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.cancelRun = cancel
	ln := a.listener
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	// STEP 1: Hub first so connections can be announced
	if err := a.hub.Start(gctx); err != nil {
		return fmt.Errorf("failed to start broadcast hub: %w", err)
	}

	// STEP 2: Background maintenance
	g.Go(func() error {
		a.cache.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.router.Run(gctx)
		return nil
	})

	// STEP 3: HTTP server accepts connections
	g.Go(func() error {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.config.HTTP.ShutdownGrace)
		defer stopCancel()
		return a.Stop(stopCtx)
	})

	a.logger.Info("zbridge started", "addr", ln.Addr().String())
	return g.Wait()
}

// Stop gracefully shuts down the application. It is safe to call more than
// once; later calls return the first result.
// FUNCTIONAL DISCOVERY: Reverse dependency order: HTTP -> dispatches -> connections -> Hub -> Store
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.shutdown(ctx)
	})
	return a.stopErr
}

func (a *Application) shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	var errs []error

	// STEP 1: Stop accepting new connections
	a.mu.Lock()
	started := a.listener != nil
	cancelRun := a.cancelRun
	a.mu.Unlock()
	if started {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	// STEP 2: Let in-flight dispatches finish
	if err := a.router.Drain(ctx); err != nil {
		a.logger.Warn("dispatches still running at shutdown", "error", err)
		errs = append(errs, fmt.Errorf("drain dispatches: %w", err))
	}

	// STEP 3: Close every connection and wait for read loops
	if err := a.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}

	// STEP 4: Stop broadcasts and background maintenance
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if cancelRun != nil {
		cancelRun()
	}

	// STEP 5: Close the user store
	if err := a.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("user store shutdown: %w", err))
	}

	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *Application) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// Addr returns the bound listener address, or the configured one before Start
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler exposes the HTTP surface, for tests
func (a *Application) Handler() http.Handler { return a.apiServer }

// HostSession returns the internal session new connections resolve against
func (a *Application) HostSession() *auth.HostSession { return a.host }

// Store returns the user store, or nil when none is configured
func (a *Application) Store() *userstore.Store { return a.store }
