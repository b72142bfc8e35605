// Package app wires every gateway component into one runnable application,
// grounded on the teacher's internal/engine/runtime.Application: a
// functional-options constructor (New) that builds the backing
// store, the processing pipeline, its background services, and the
// operator control surface, then hands them to a system.Manager for
// deterministic Start/Stop ordering.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/r3e-network/integration-gateway/internal/app/adapters/adapterutil"
	"github.com/r3e-network/integration-gateway/internal/app/adapters/httppush"
	"github.com/r3e-network/integration-gateway/internal/app/adapters/logconsumer"
	"github.com/r3e-network/integration-gateway/internal/app/adapters/relpoll"
	"github.com/r3e-network/integration-gateway/internal/app/dedup"
	"github.com/r3e-network/integration-gateway/internal/app/delivery"
	"github.com/r3e-network/integration-gateway/internal/app/domain/eventsource"
	"github.com/r3e-network/integration-gateway/internal/app/httpapi"
	"github.com/r3e-network/integration-gateway/internal/app/pipeline"
	"github.com/r3e-network/integration-gateway/internal/app/resourcemonitor"
	"github.com/r3e-network/integration-gateway/internal/app/retryworker"
	"github.com/r3e-network/integration-gateway/internal/app/rules"
	"github.com/r3e-network/integration-gateway/internal/app/sandbox"
	"github.com/r3e-network/integration-gateway/internal/app/scheduler"
	"github.com/r3e-network/integration-gateway/internal/app/secrets"
	"github.com/r3e-network/integration-gateway/internal/app/storage"
	"github.com/r3e-network/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-network/integration-gateway/internal/app/storage/postgres"
	"github.com/r3e-network/integration-gateway/internal/app/system"
	"github.com/r3e-network/integration-gateway/internal/app/transform"
	"github.com/r3e-network/integration-gateway/pkg/config"
	"github.com/r3e-network/integration-gateway/pkg/logger"
)

// allStores is every storage interface this application needs, satisfied by
// both storage/memory.Store and storage/postgres.Store.
type allStores interface {
	storage.TenantStore
	storage.RuleStore
	storage.EventSourceConfigStore
	storage.CheckpointStore
	storage.ProcessedEventStore
	storage.AuditStore
	storage.ExecutionLogStore
	storage.DLQStore
	storage.ScheduledDeliveryStore
	storage.PendingEventStore
	storage.LookupStore
}

// Application owns every long-running component's lifecycle through a
// system.Manager.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	entry   *logrus.Entry
	manager *system.Manager
	httpSvc *httpapi.Service
	db      *sql.DB

	// shutdownCh is closed to unblock Run early, independent of ctx, when a
	// background component (currently only resourcemonitor.Monitor, on a
	// crossed memory threshold) requests shutdown on its own.
	shutdownCh chan struct{}
}

// Option customises construction, mirroring the teacher's
// internal/engine/runtime.Option pattern.
type Option func(*options)

type options struct {
	cfg        *config.Config
	listenAddr string
	authTokens []string
}

// WithConfig injects an explicit configuration, bypassing config.Load.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.cfg = cfg
		}
	}
}

// WithListenAddr overrides the operator API's listen address.
func WithListenAddr(addr string) Option {
	return func(o *options) {
		if addr = strings.TrimSpace(addr); addr != "" {
			o.listenAddr = addr
		}
	}
}

// WithAuthTokens overrides the operator API's bearer-token allow-list.
func WithAuthTokens(tokens []string) Option {
	return func(o *options) {
		var clean []string
		for _, t := range tokens {
			if t = strings.TrimSpace(t); t != "" {
				clean = append(clean, t)
			}
		}
		if len(clean) > 0 {
			o.authTokens = clean
		}
	}
}

// New builds an Application. With no options, configuration comes from
// config.Load() (env + optional config file) and an empty Database.DSN
// selects the in-memory store.
func New(opts ...Option) (*Application, error) {
	built := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&built)
		}
	}

	cfg := built.cfg
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
	entry := logrus.NewEntry(log.Logger)

	sandbox.SetAuditLogger(buildAuditLogger(cfg))
	delivery.SetDecisionLogger(buildDecisionLogger(cfg))

	store, db, err := buildStore(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}

	manager := system.NewManager()

	secretProvider := buildSecretProvider(cfg)

	resolver := rules.New(store, store)
	cache := rules.NewCachingResolver(resolver, 5*time.Second)

	var ruleCache ruleCacheInvalidator = cache
	if redisClient, ok := buildRedisClient(cfg); ok {
		broadcaster := rules.NewInvalidationBroadcaster(redisClient, cfg.Redis.Channel, cache, entry.WithField("component", "rules.invalidation"))
		if err := manager.Register(broadcaster); err != nil {
			return nil, err
		}
		ruleCache = publishingInvalidator{cache: cache, broadcaster: broadcaster}
	}

	limits := sandbox.Limits{
		WallClock:   time.Duration(cfg.Sandbox.WallClockMs) * time.Millisecond,
		MaxInputKB:  cfg.Sandbox.MaxInputKB,
		MaxOutputKB: cfg.Sandbox.MaxOutputKB,
	}
	if limits.WallClock <= 0 {
		limits = sandbox.DefaultLimits
	}

	transformer := transform.New(store).WithLimits(limits)
	executor := delivery.NewExecutor(cfg.HTTP, cfg.Security, secretProvider, store, store)
	sched := scheduler.New(store, store, executor, cfg.Scheduler, entry.WithField("component", "scheduler")).WithLimits(limits)
	worker := retryworker.New(store, store, executor, cfg.Worker, entry.WithField("component", "retryworker"))
	pipe := pipeline.New(dedup.New(store, store), cache, transformer, sched, executor, store, log)

	if err := manager.Register(pipe); err != nil {
		return nil, err
	}
	if err := manager.Register(newRunnerService("scheduler", sched.Run)); err != nil {
		return nil, err
	}
	if err := manager.Register(newRunnerService("retryworker", worker.Run)); err != nil {
		return nil, err
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }
	monitor := resourcemonitor.New(cfg.Memory.HeapThresholdMB, cfg.Memory.GracefulShutdown, requestShutdown, entry.WithField("component", "resourcemonitor"))
	if err := manager.Register(newRunnerService("resourcemonitor", monitor.Run)); err != nil {
		return nil, err
	}

	adapterSvcs, err := buildAdapters(context.Background(), cfg, store, db, pipe.Handle, entry)
	if err != nil {
		return nil, fmt.Errorf("configure ingestion adapters: %w", err)
	}
	for _, svc := range adapterSvcs {
		if err := manager.Register(svc); err != nil {
			return nil, err
		}
	}

	listenAddr := built.listenAddr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf("%s:%d", orDefault(cfg.Server.Host, "0.0.0.0"), orDefaultInt(cfg.Server.Port, 8080))
	}
	tokens := built.authTokens
	if len(tokens) == 0 {
		tokens = cfg.Auth.Tokens
	}
	if len(tokens) == 0 {
		entry.Warn("no operator API auth tokens configured; every authenticated route will reject requests")
	}

	httpSvc := httpapi.NewService(httpapi.Dependencies{
		Rules:     store,
		Logs:      store,
		DLQ:       store,
		Scheduled: store,
		Executor:  executor,
		Scheduler: sched,
		Manager:   manager,
		RuleCache: ruleCache,
	}, httpapi.Config{
		Addr:       listenAddr,
		AuthTokens: tokens,
	}, entry.WithField("component", "httpapi"))

	if err := manager.Register(httpSvc); err != nil {
		return nil, err
	}

	return &Application{cfg: cfg, log: log, entry: entry, manager: manager, httpSvc: httpSvc, db: db, shutdownCh: shutdownCh}, nil
}

// Run starts every registered service and blocks until ctx is cancelled or a
// background component (resourcemonitor.Monitor) requests shutdown on its
// own via the memory-threshold trip.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.entry.Info("integration gateway started")
	select {
	case <-ctx.Done():
	case <-a.shutdownCh:
		a.entry.Warn("integration gateway shutting down: memory threshold exceeded")
	}
	return nil
}

// Shutdown stops every registered service in reverse order and closes the
// database connection, if any.
func (a *Application) Shutdown(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if a.db != nil {
		if cerr := a.db.Close(); cerr != nil {
			a.entry.WithError(cerr).Warn("error closing database connection")
		}
	}
	return err
}

// ruleCacheInvalidator mirrors httpapi's unexported interface of the same
// shape, satisfied by *rules.CachingResolver and publishingInvalidator.
type ruleCacheInvalidator interface {
	Invalidate(tenantID string)
}

// publishingInvalidator invalidates the local cache and broadcasts the same
// invalidation to every other instance over Redis.
type publishingInvalidator struct {
	cache       *rules.CachingResolver
	broadcaster *rules.InvalidationBroadcaster
}

func (p publishingInvalidator) Invalidate(tenantID string) {
	if err := p.broadcaster.Publish(context.Background(), tenantID); err != nil {
		p.cache.Invalidate(tenantID)
	}
}

func buildSecretProvider(cfg *config.Config) secrets.Provider {
	vaultURL := strings.TrimSpace(os.Getenv("AZURE_KEY_VAULT_URL"))
	if vaultURL == "" {
		return secrets.EnvSecretProvider{}
	}
	provider, err := secrets.NewAzureKeyVaultSecretProvider(vaultURL, 5*time.Minute)
	if err != nil {
		return secrets.EnvSecretProvider{}
	}
	return provider
}

// buildAuditLogger configures the zap sink for sandbox's script-execution
// audit trail (start/stop, resource-cap violations), matching the
// configured logging level so the two log streams agree on verbosity.
func buildAuditLogger(cfg *config.Config) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(parseZapLevel(cfg.Logging.Level))
	if strings.EqualFold(cfg.Logging.Format, "console") || strings.EqualFold(cfg.Logging.Format, "text") {
		zapCfg.Encoding = "console"
	}
	built, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return built
}

func parseZapLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// buildDecisionLogger configures the zerolog sink for the security-policy
// decision log (private-network blocking, HTTPS enforcement), a separate
// low-cardinality stream from general application logging.
func buildDecisionLogger(cfg *config.Config) *zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Logging.Level)))
	if err != nil {
		level = zerolog.InfoLevel
	}
	l := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("log", "security_decision").Logger()
	return &l
}

func buildRedisClient(cfg *config.Config) (*redis.Client, bool) {
	raw := strings.TrimSpace(cfg.Redis.URL)
	if raw == "" {
		return nil, false
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, false
	}
	return redis.NewClient(opts), true
}

func buildStore(ctx context.Context, cfg *config.Config) (allStores, *sql.DB, error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		return memory.New(), nil, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifeSecs) * time.Second)
	}

	if cfg.Database.MigrateOnStart {
		if err := postgres.ApplyMigrations(db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	return postgres.New(db), db, nil
}

// buildAdapters constructs one ingestion adapter per configured
// eventsource.EventSourceConfig row, wrapped as a system.Service bound to
// handle through the pipeline.
func buildAdapters(ctx context.Context, cfg *config.Config, store allStores, db *sql.DB, handle adapterutil.Handler, log *logrus.Entry) ([]system.Service, error) {
	configs, err := store.ListEventSourceConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list event source configs: %w", err)
	}

	var sqlxDB *sqlx.DB
	if db != nil {
		sqlxDB = sqlx.NewDb(db, "postgres")
	}

	var redisClient *redis.Client
	if raw := strings.TrimSpace(cfg.Redis.URL); raw != "" {
		if opts, err := redis.ParseURL(raw); err == nil {
			redisClient = redis.NewClient(opts)
		}
	}

	adapterLog := logger.NewDefault("adapters")

	var services []system.Service
	for _, src := range configs {
		switch src.Kind {
		case eventsource.KindRelationalPoll:
			if sqlxDB == nil || src.Relational == nil {
				log.WithField("source_id", src.ID).Warn("application: skipping relational-poll source, no database configured")
				continue
			}
			adapter := relpoll.New(src.TenantID, src.ID, sqlxDB, *src.Relational, store, adapterLog)
			services = append(services, &adapterService{adapter: adapter, handler: handle})
		case eventsource.KindHTTPPush:
			if src.HTTPPush == nil {
				continue
			}
			adapter := httppush.New(src.TenantID, *src.HTTPPush, store, adapterLog)
			services = append(services, &adapterService{adapter: adapter, handler: handle})
		case eventsource.KindPartitionedLog:
			if redisClient == nil || src.Log == nil {
				log.WithField("source_id", src.ID).Warn("application: skipping partitioned-log source, no Redis configured")
				continue
			}
			adapter := logconsumer.New(src.TenantID, *src.Log, redisClient, adapterLog)
			services = append(services, &adapterService{adapter: adapter, handler: handle})
		}
	}
	return services, nil
}

// adapterService adapts adapterutil.Adapter's (ctx, handler) Start
// signature to system.Service's plain (ctx) Start, binding the pipeline's
// Handle method once at construction.
type adapterService struct {
	adapter adapterutil.Adapter
	handler adapterutil.Handler
}

func (s *adapterService) Name() string { return s.adapter.Name() }

func (s *adapterService) Start(ctx context.Context) error {
	return s.adapter.Start(ctx, s.handler)
}

func (s *adapterService) Stop(ctx context.Context) error {
	return s.adapter.Stop(ctx)
}

// runnerService adapts a bare `Run(ctx)` loop (scheduler.Scheduler.Run,
// retryworker.Worker.Run) to system.Service, the same cancel-then-wait
// shape adapterutil.PollLoop already uses for adapters.
type runnerService struct {
	name   string
	run    func(ctx context.Context)
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunnerService(name string, run func(context.Context)) *runnerService {
	return &runnerService{name: name, run: run}
}

func (s *runnerService) Name() string { return s.name }

func (s *runnerService) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()
	return nil
}

func (s *runnerService) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
