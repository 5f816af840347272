package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"storefront-gateway/internal/alerting"
	"storefront-gateway/internal/audit"
	"storefront-gateway/internal/breaker"
	"storefront-gateway/internal/config"
	"storefront-gateway/internal/inventory"
	"storefront-gateway/internal/logging"
	"storefront-gateway/internal/metrics"
	"storefront-gateway/internal/payments"
	"storefront-gateway/internal/resilience"
	"storefront-gateway/internal/scheduler"
	"storefront-gateway/internal/server"
	"storefront-gateway/internal/service"
	"storefront-gateway/internal/storage"
	"storefront-gateway/internal/storage/redisstore"
	"storefront-gateway/internal/storage/sqlite"
	"storefront-gateway/internal/supplier"
	"storefront-gateway/internal/transport"
	"storefront-gateway/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config     *config.Config
	ConfigPath string
	Logger     zerolog.Logger

	// Out receives command output; nil means stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, configPath string, logger zerolog.Logger) *App {
	return &App{Config: cfg, ConfigPath: configPath, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the wired components for one command invocation.
type runtime struct {
	backend   storage.Backend
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	breaker   *breaker.Breaker
	audit     *audit.Log
	inventory *inventory.Service
	engine    *payments.Engine
	notifier  alerting.Notifier
	closers   []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	var (
		backend storage.Backend
		err     error
	)
	switch a.Config.Database.Driver {
	case "sqlite":
		backend, err = sqlite.Open(ctx, a.Config.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
	default:
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		backend = storage.NewStore(pool)
	}

	if a.Config.Database.AutoMigrate {
		if err := backend.Migrate(ctx); err != nil {
			backend.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return backend, nil
}

func (a *App) newRedis() *redis.Client {
	if a.Config.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.Nop{}
}

func (a *App) healthStore(backend storage.Backend, rdb *redis.Client) storage.HealthStore {
	switch a.Config.Breaker.Backend {
	case "redis":
		return redisstore.NewHealthStore(rdb, a.Config.Redis.KeyPrefix)
	case "memory":
		return breaker.NewMemoryStore()
	default:
		return backend
	}
}

func (a *App) preferenceStore(rdb *redis.Client) transport.PreferenceStore {
	if a.Config.Transport.PreferenceBackend == "redis" {
		return redisstore.NewPreferenceStore(rdb, a.Config.Redis.KeyPrefix)
	}
	prefs := transport.NewMemoryPreferences()
	if a.Config.Transport.DefaultPreference != "" {
		if err := prefs.SavePreference(context.Background(), a.Config.Transport.PreferenceScope, a.Config.Transport.DefaultPreference); err != nil {
			a.Logger.Debug().Err(err).Str("route", a.Config.Transport.DefaultPreference).Msg("seed transport preference failed")
		}
	}
	return prefs
}

func routesFrom(cfg []config.RouteConfig) []transport.Route {
	routes := make([]transport.Route, 0, len(cfg))
	for _, rc := range cfg {
		routes = append(routes, transport.Route{Name: rc.Name, ProxyURL: rc.ProxyURL, EncodeTarget: rc.EncodeTarget})
	}
	return routes
}

// build wires every component the commands share. Callers must Close the runtime.
func (a *App) build(ctx context.Context) (*runtime, error) {
	cfg := a.Config
	rt := &runtime{registry: prometheus.NewRegistry()}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	rt.backend = backend
	rt.closers = append(rt.closers, backend.Close)

	rdb := a.newRedis()
	if rdb != nil {
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
	}

	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.New(rt.registry, metrics.Config{ServiceName: cfg.App.Name, Environment: cfg.App.Environment})
	rt.notifier = a.newNotifier()
	rt.audit = audit.New(backend, a.Logger)

	rt.breaker = breaker.New(a.healthStore(backend, rdb), breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		ProbeTimeout:     cfg.Breaker.ProbeTimeout,
	}, a.Logger)
	rt.breaker.OnStateChange(a.onBreakerChange(rt))

	selector, err := transport.NewSelector(routesFrom(cfg.Transport.Routes), a.preferenceStore(rdb), a.Logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	executor := resilience.New(resilience.Deps{
		Breaker:  rt.breaker,
		Selector: selector,
		Audit:    rt.audit,
		Metrics:  rt.metrics,
	}, resilience.Options{
		MaxRetries:     cfg.Executor.MaxRetries,
		DelaySchedule:  cfg.Executor.DelaySchedule,
		AttemptTimeout: cfg.Executor.AttemptTimeout,
	}, a.Logger)

	userAgent := cfg.Supplier.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	client := supplier.New(supplier.Options{
		Name:      cfg.Supplier.Name,
		BaseURL:   cfg.Supplier.BaseURL,
		APIKey:    cfg.Supplier.APIKey,
		UserAgent: userAgent,
		Timeout:   cfg.Supplier.Timeout,
	}, a.Logger)
	rt.inventory = inventory.New(backend, client, executor, rt.metrics, inventory.Options{TTL: cfg.Inventory.TTL}, a.Logger)

	verifier := payments.NewPayPalVerifier(payments.PayPalOptions{
		APIBase:      cfg.Payments.APIBase,
		ClientID:     cfg.Payments.ClientID,
		ClientSecret: cfg.Payments.ClientSecret,
		WebhookID:    cfg.Payments.WebhookID,
		UserAgent:    userAgent,
		Timeout:      cfg.Payments.VerifyTimeout,
	}, a.Logger)
	rt.engine = payments.NewEngine(payments.Deps{
		Store:    backend,
		Verifier: verifier,
		Audit:    rt.audit,
		Notifier: rt.notifier,
		Metrics:  rt.metrics,
	}, payments.Options{}, a.Logger)

	return rt, nil
}

func (a *App) onBreakerChange(rt *runtime) func(breaker.Transition) {
	return func(t breaker.Transition) {
		rt.metrics.SetBreakerState(t.API, string(t.To))

		var kind alerting.Kind
		switch t.To {
		case breaker.StateOpen:
			if t.From == breaker.StateOpen {
				return
			}
			kind = alerting.KindBreakerOpened
		case breaker.StateClosed:
			kind = alerting.KindBreakerClosed
		default:
			return
		}

		note := breakerNotification(t, kind, time.Now().UTC())

		// Transitions fire inside caller requests; delivery must not hold them up.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := rt.notifier.Notify(ctx, note); err != nil {
				a.Logger.Warn().Err(err).Str("api", t.API).Msg("breaker notification failed")
			}
		}()
	}
}

func breakerNotification(t breaker.Transition, kind alerting.Kind, at time.Time) alerting.Notification {
	fields := map[string]string{
		"from":   string(t.From),
		"errors": fmt.Sprintf("%d", t.Health.ErrorCount),
	}
	if t.Health.LastError != nil {
		fields["last_error"] = *t.Health.LastError
	}
	return alerting.Notification{Kind: kind, Subject: t.API, Fields: fields, At: at}
}

func (a *App) newSyncService(rt *runtime) (*service.Service, error) {
	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		RunAtStart:    true,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	var locker storage.AdvisoryLocker
	if l, ok := rt.backend.(storage.AdvisoryLocker); ok {
		locker = l
	}
	return service.New(sched, rt.inventory, locker, service.Options{
		Tokens:  a.Config.Inventory.WatchTokens,
		Workers: a.Config.Inventory.SyncWorkers,
		LockKey: a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger), nil
}

// watchConfig applies log level changes from the config file without a restart.
func (a *App) watchConfig() {
	if a.ConfigPath == "" {
		return
	}
	err := config.Watch(a.ConfigPath, func(cfg *config.Config) {
		level := logging.ApplyLevel(cfg.Logging.Level)
		a.Logger.Info().Str("level", level.String()).Msg("configuration reloaded")
	}, func(err error) {
		a.Logger.Warn().Err(err).Msg("ignoring invalid configuration revision")
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("config watch disabled")
	}
}

// Serve runs the HTTP server and, when enabled, the scheduled stock sync.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	a.watchConfig()

	srv := server.New(server.Deps{
		Stock:      rt.inventory,
		Reconciler: rt.engine,
		Health:     rt.breaker,
		Logs:       rt.audit,
		Gatherer:   rt.registry,
	}, server.Options{
		Listen:       a.Config.Server.Listen,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		BodyLimit:    a.Config.Server.BodyLimit,
	}, a.Logger)

	var svc *service.Service
	if a.Config.Scheduler.Enabled && len(a.Config.Inventory.WatchTokens) > 0 {
		if svc, err = a.newSyncService(rt); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if svc != nil {
		g.Go(func() error { return svc.Run(gctx) })
	}

	a.Logger.Info().Str("version", version.Version).Msg("starting storefront gateway")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("gateway terminated with error")
		return err
	}

	a.Logger.Info().Msg("storefront gateway stopped")
	return nil
}

// SyncOptions configure the sync command.
type SyncOptions struct {
	Loop   bool
	Tokens []string
}

// Sync refreshes every watched token once, or on the configured schedule when Loop is set.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(opts.Tokens) > 0 {
		a.Config.Inventory.WatchTokens = opts.Tokens
	}
	if len(a.Config.Inventory.WatchTokens) == 0 {
		return errors.New("no tokens to sync; set inventory.watch_tokens or pass --token")
	}

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := a.newSyncService(rt)
	if err != nil {
		return err
	}

	if opts.Loop {
		err := svc.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	summary, err := svc.SyncAll(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d of %d tokens failed to sync", len(summary.Failed), len(a.Config.Inventory.WatchTokens))
	}
	return nil
}

// ResetBreaker forces the circuit for api closed.
func (a *App) ResetBreaker(ctx context.Context, api string) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	health, err := rt.breaker.Reset(ctx, api)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("api", health.API).Str("state", string(breaker.StateOf(health))).Msg("circuit reset")
	return nil
}

// Migrate applies the schema of the configured backend.
func (a *App) Migrate(ctx context.Context) error {
	a.Config.Database.AutoMigrate = false
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema migrated")
	return nil
}
