// Package app wires the linkd daemon: config, logging, persistence, the
// session registry and the admin HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"linkd/cmd/internal/content"
	"linkd/cmd/internal/credstore"
	"linkd/cmd/internal/link"
	"linkd/cmd/internal/metrics"
	"linkd/cmd/internal/registry"
	"linkd/cmd/internal/settings"
	"linkd/cmd/internal/supervisor"
	"linkd/cmd/internal/transport"
	"linkd/cmd/internal/transport/bridge"
	"linkd/migrations"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used when no database is configured.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

type dbStore struct {
	pool *pgxpool.Pool
}

func (s dbStore) Close(_ context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// App is the linkd runtime: it owns the registry and the HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	reg     *registry.Registry
	links   *link.Registry
	metrics *metrics.Metrics
}

// Option overrides a collaborator New would otherwise build from Config.
type Option func(*options)

type options struct {
	provider transport.Provider
}

// WithProvider replaces the bridge transport.
func WithProvider(p transport.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	st, pool, dbEnabled, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = st.Close(ctx)
		return nil, err
	}

	settingsStore, linkStore, err := newDomainStores(cfg, pool, dbEnabled)
	if err != nil {
		return fail(err)
	}
	settingsSvc, err := settings.NewService(settingsStore)
	if err != nil {
		return fail(err)
	}
	links, err := link.NewRegistry(linkStore, link.WithHasher(hasher), link.WithDefaultTTL(cfg.LinkTTL))
	if err != nil {
		return fail(err)
	}

	creds, err := newCredentialStore(cfg)
	if err != nil {
		return fail(err)
	}

	provider := o.provider
	if provider == nil {
		provider, err = bridge.NewProvider(cfg.BridgeURL,
			bridge.WithToken(cfg.BridgeToken),
			bridge.WithLogger(log),
		)
		if err != nil {
			return fail(err)
		}
	}

	var quoteOpts, weatherOpts []content.Option
	if cfg.QuoteBaseURL != "" {
		quoteOpts = append(quoteOpts, content.WithBaseURL(cfg.QuoteBaseURL))
	}
	if cfg.WeatherBaseURL != "" {
		weatherOpts = append(weatherOpts, content.WithBaseURL(cfg.WeatherBaseURL))
	}

	var admin transport.JID
	if cfg.AdminJID != "" {
		admin, err = transport.NormalizeJID(cfg.AdminJID, cfg.Server)
		if err != nil {
			return fail(err)
		}
	}

	m := metrics.New()
	backoff := supervisor.DefaultBackoff()
	backoff.InitialDelay = cfg.BackoffInitial
	backoff.MaxDelay = cfg.BackoffMax
	backoff.MaxAttempts = cfg.BackoffMaxAttempts

	reg, err := registry.New(registry.Config{
		Admin:           admin,
		LinkedMode:      cfg.LinkedMode,
		Server:          cfg.Server,
		RateLimit:       cfg.RateLimit,
		RateLimitWindow: cfg.RateLimitWindow,
		LinkTTL:         cfg.LinkTTL,
		OutboxSize:      cfg.OutboxSize,
		Backoff:         backoff,
		PresenceEvery:   cfg.PresenceEvery,
		StatusPollEvery: cfg.StatusPollEvery,
	}, registry.Deps{
		Provider:    provider,
		Credentials: creds,
		Settings:    settingsSvc,
		Links:       links,
		Quotes:      content.NewQuoteClient(quoteOpts...),
		Weather:     content.NewWeatherClient(cfg.WeatherAPIKey, weatherOpts...),
		Metrics:     m,
	}, registry.WithLogger(log))
	if err != nil {
		return fail(err)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    pool,
		dbEnabled: dbEnabled,
		reg:       reg,
		links:     links,
		metrics:   m,
	}, nil
}

// Registry exposes the session registry.
func (a *App) Registry() *registry.Registry { return a.reg }

// Handler returns the admin HTTP handler with request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, &adminAPI{
		log:       a.log,
		cfg:       a.cfg,
		reg:       a.reg,
		links:     a.links,
		metrics:   a.metrics,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
	})
	return WithRequestLogging(mux, a.log, a.metrics)
}

// Run starts the HTTP server and the configured sessions, and blocks until
// context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled, "linked_mode", a.cfg.LinkedMode)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.autoStart(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	if err := a.reg.Close(shutdownCtx); err != nil {
		a.log.Error("registry.close.fail", "err", err)
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// autoStart starts LINKD_AUTOSTART sessions. A failing session is logged
// and does not stop the others.
func (a *App) autoStart(ctx context.Context) {
	for _, entry := range a.cfg.AutoStart {
		id, phone := splitAutoStart(entry)
		if _, err := a.reg.StartSession(ctx, id, registry.StartOptions{Phone: phone}); err != nil {
			a.log.Error("session.autostart.fail", "session", id, "err", err)
			continue
		}
		a.log.Info("session.autostart", "session", id, "pairing", phone != "")
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and local stores.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.local_stores")
		return nopStore{}, nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}
	if cfg.DBMigrate {
		if err := migrations.Apply(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, nil, false, err
		}
		log.Info("db.migrated", "schema", cfg.DBSchema)
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return dbStore{pool: pool}, pool, true, nil
}

// newDomainStores picks Postgres when enabled, else file or memory stores.
// The pool is owned by the app; the stores never close it.
func newDomainStores(cfg Config, pool *pgxpool.Pool, dbEnabled bool) (settings.Store, link.Store, error) {
	if dbEnabled {
		ss, err := settings.NewPostgresStore(pool, settings.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, nil, err
		}
		ls, err := link.NewPostgresStore(pool, link.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, nil, err
		}
		return ss, ls, nil
	}

	var ss settings.Store = settings.NewMemoryStore()
	if cfg.SettingsDir != "" {
		fs, err := settings.NewFileStore(cfg.SettingsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("settings dir: %w", err)
		}
		ss = fs
	}
	return ss, link.NewMemoryStore(), nil
}

func newCredentialStore(cfg Config) (credstore.Store, error) {
	if cfg.CredentialsDir == "" {
		return credstore.NewMemoryStore(), nil
	}
	st, err := credstore.NewSealedFileStore(cfg.CredentialsDir, cfg.CredentialsKey)
	if err != nil {
		return nil, err
	}
	return st, nil
}
