// The worker binary hosts the background half of the platform: the outbox
// dispatcher, the inbox processor, the scheduler leader and run executor,
// the fanout slicer, the claim reaper and the watchdog. One process serves
// one or more databases: each component sweeps the database set through a
// selector, and the set itself comes from env configuration or from the
// primary's directory table.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowanlabs/conveyor/internal/config"
	"github.com/rowanlabs/conveyor/internal/domain"
	"github.com/rowanlabs/conveyor/internal/fanout"
	"github.com/rowanlabs/conveyor/internal/health"
	"github.com/rowanlabs/conveyor/internal/idempotency"
	"github.com/rowanlabs/conveyor/internal/inbox"
	"github.com/rowanlabs/conveyor/internal/observability"
	"github.com/rowanlabs/conveyor/internal/outbox"
	"github.com/rowanlabs/conveyor/internal/postgres"
	"github.com/rowanlabs/conveyor/internal/routing"
	"github.com/rowanlabs/conveyor/internal/scheduler"
	"github.com/rowanlabs/conveyor/internal/watchdog"
	"github.com/rowanlabs/conveyor/internal/workqueue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obsCfg := observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer shutdownProvider(lp.Shutdown, "logger provider")
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer shutdownProvider(tp.Shutdown, "tracer provider")

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer shutdownProvider(mp.Shutdown, "meter provider")

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}

	slog.InfoContext(ctx, "starting worker",
		"poll_interval", cfg.PollInterval, "batch_size", cfg.BatchSize,
		"selection", cfg.Selection, "discovery", cfg.Discovery)

	latch := health.NewStartupLatch()
	dbStep := latch.Register("databases")

	primaryPool, err := postgres.NewPool(ctx, poolConfig(cfg, cfg.Database.DSN))
	if err != nil {
		return fmt.Errorf("failed to create primary connection pool: %w", err)
	}
	defer primaryPool.Close()
	slog.InfoContext(ctx, "storage initialized",
		"database", "primary", "dsn", maskPassword(cfg.Database.DSN))

	var wg sync.WaitGroup
	provider, err := buildProvider(ctx, cfg, primaryPool, &wg)
	if err != nil {
		return err
	}

	startup := health.NewStartupRunner()
	for _, entry := range provider.List() {
		pool := entry.Store
		if err := startup.Add(health.StartupCheck{
			Name:     "database:" + entry.Name,
			Order:    0,
			Critical: true,
			Run: func(ctx context.Context) error {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				return pool.Ping(pingCtx)
			},
		}); err != nil {
			return err
		}
	}
	if err := startup.RunAll(ctx); err != nil {
		return fmt.Errorf("startup checks failed: %w", err)
	}
	dbStep.Done()

	backoff := workqueue.BackoffPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Minute,
		MaxBackoff:  time.Hour,
	}
	runtimes := newRuntimeCache(cfg, backoff, metrics)

	// Probes and health checks cover the databases known at boot; databases
	// discovered later get loops, reaping and GC but report through logs.
	var (
		probes []watchdog.Probe
		checks []health.Check
	)
	for _, entry := range provider.List() {
		rt, err := runtimes.get(ctx, entry)
		if err != nil {
			return fmt.Errorf("failed to build runtime for %q: %w", entry.Name, err)
		}
		probes = append(probes, rt.probes...)
		checks = append(checks, rt.checks...)
	}

	wd, err := watchdog.NewService(probes,
		[]watchdog.AlertSink{
			watchdog.SlogSink{},
			watchdog.NewStoreSink("worker", postgres.NewWatchdogStore(primaryPool)),
		},
		watchdog.WithScanPeriod(cfg.WatchdogScanPeriod),
		watchdog.WithHeartbeatPeriod(cfg.WatchdogHeartbeatPeriod),
	)
	if err != nil {
		return fmt.Errorf("failed to create watchdog: %w", err)
	}

	registry := health.NewRegistry(latch)
	for _, check := range checks {
		if err := registry.Add(check); err != nil {
			return err
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	health.NewHandler(registry).Mount(router)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	for _, comp := range components() {
		loop := &workqueue.Loop{
			Name:         comp.name,
			PollInterval: cfg.PollInterval,
			Jitter:       cfg.PollInterval / 4,
			Run:          sweepRun(newSelector(cfg.Selection, provider), runtimes, comp.pick),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loop.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reapLoop(ctx, cfg.ReapInterval, metrics, provider, runtimes)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		idempotencyGCLoop(ctx, cfg.IdempotencyRetention, cfg.IdempotencyGCInterval, provider, runtimes)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		wd.Start(ctx)
	}()

	errResult := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "health server listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("failed to serve: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
	case err := <-errResult:
		cancel()
		wg.Wait()
		runtimes.closeAll(context.Background())
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(shutdownCtx, "server shutdown timed out", "error", err)
	}
	wg.Wait()
	// Release held leader and topic leases so successors take over at once.
	runtimes.closeAll(shutdownCtx)
	return nil
}

func poolConfig(cfg *config.WorkerConfig, dsn string) postgres.DBConfig {
	return postgres.DBConfig{
		DSN:             dsn,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MinIdleConns:    cfg.Database.MinIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		SkipMigrations:  cfg.Database.SkipMigrations,
	}
}

// buildProvider assembles the database set. Static discovery dials the
// env-configured targets once; directory discovery reads the primary's
// directory table and refreshes on an interval, dialing and disposing pools
// as the set changes.
func buildProvider(ctx context.Context, cfg *config.WorkerConfig, primaryPool *pgxpool.Pool, wg *sync.WaitGroup) (routing.Provider[*pgxpool.Pool], error) {
	factory := func(ctx context.Context, target routing.Target) (*pgxpool.Pool, error) {
		pool, err := postgres.NewPool(ctx, poolConfig(cfg, target.DSN))
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "storage initialized",
			"database", target.Name, "dsn", maskPassword(target.DSN))
		return pool, nil
	}

	if cfg.Discovery == "directory" {
		source := postgres.NewDirectorySource(primaryPool,
			routing.Target{Name: "primary", DSN: cfg.Database.DSN})
		dyn, err := routing.NewDynamicProvider(ctx, source, factory,
			routing.WithRefreshInterval[*pgxpool.Pool](cfg.DiscoveryInterval),
			routing.WithDisposer[*pgxpool.Pool](func(pool *pgxpool.Pool) { pool.Close() }),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to discover databases: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			dyn.Start(ctx)
		}()
		return dyn, nil
	}

	targets, err := cfg.Targets()
	if err != nil {
		return nil, err
	}
	entries := make([]routing.Entry[*pgxpool.Pool], 0, len(targets))
	for _, target := range targets {
		pool := primaryPool
		if target.Name != "primary" {
			pool, err = factory(ctx, routing.Target{Name: target.Name, DSN: target.DSN})
			if err != nil {
				return nil, fmt.Errorf("failed to create connection pool for %q: %w", target.Name, err)
			}
		}
		entries = append(entries, routing.Entry[*pgxpool.Pool]{
			Name:  target.Name,
			DSN:   target.DSN,
			Store: pool,
		})
	}
	return routing.NewStaticProvider(entries)
}

// component is one worker concern swept across the database set.
type component struct {
	name string
	pick func(rt *databaseRuntime) workqueue.RunFunc
}

func components() []component {
	return []component{
		{"outbox-dispatcher", func(rt *databaseRuntime) workqueue.RunFunc { return rt.dispatcher.RunOnce }},
		{"inbox-processor", func(rt *databaseRuntime) workqueue.RunFunc { return rt.processor.RunOnce }},
		{"scheduler-leader", func(rt *databaseRuntime) workqueue.RunFunc { return rt.leader.RunOnce }},
		{"job-run-executor", func(rt *databaseRuntime) workqueue.RunFunc { return rt.runner.RunOnce }},
		{"fanout-slicer", func(rt *databaseRuntime) workqueue.RunFunc { return rt.slicer.RunOnce }},
	}
}

func newSelector(kind string, provider routing.Provider[*pgxpool.Pool]) routing.Selector[*pgxpool.Pool] {
	if kind == "round_robin" {
		return routing.NewRoundRobin(provider)
	}
	return routing.NewDrainFirst(provider)
}

// sweepRun adapts one component to the loop: every cycle the selector picks
// the next database, the component works it, and the processed count feeds
// back so drain-first stays on a backlogged database.
func sweepRun(sel routing.Selector[*pgxpool.Pool], runtimes *runtimeCache, pick func(rt *databaseRuntime) workqueue.RunFunc) workqueue.RunFunc {
	return func(ctx context.Context) (int, error) {
		entry, ok := sel.Next()
		if !ok {
			return 0, nil
		}

		rt, err := runtimes.get(ctx, entry)
		if err != nil {
			return 0, fmt.Errorf("failed to build runtime for %q: %w", entry.Name, err)
		}

		n, err := pick(rt)(ctx)
		sel.Report(n)
		return n, err
	}
}

// databaseRuntime is the component set built for one database.
type databaseRuntime struct {
	name string
	dsn  string

	dispatcher *outbox.Dispatcher
	processor  *inbox.Processor
	leader     *scheduler.Leader
	runner     *scheduler.Runner
	slicer     *fanout.Slicer

	probes     []watchdog.Probe
	checks     []health.Check
	reapQueues map[string]*postgres.Queue
	idemStore  *postgres.IdempotencyStore
}

// close releases the leases the runtime's components hold.
func (rt *databaseRuntime) close(ctx context.Context) {
	rt.leader.Close(ctx)
	rt.slicer.Close(ctx)
}

// runtimeCache lazily builds one runtime per database and rebuilds it when
// the database's connection string changes.
type runtimeCache struct {
	cfg     *config.WorkerConfig
	backoff workqueue.BackoffPolicy
	metrics *observability.Metrics

	mu       sync.Mutex
	runtimes map[string]*databaseRuntime
}

func newRuntimeCache(cfg *config.WorkerConfig, backoff workqueue.BackoffPolicy, metrics *observability.Metrics) *runtimeCache {
	return &runtimeCache{
		cfg:      cfg,
		backoff:  backoff,
		metrics:  metrics,
		runtimes: make(map[string]*databaseRuntime),
	}
}

func (c *runtimeCache) get(ctx context.Context, entry routing.Entry[*pgxpool.Pool]) (*databaseRuntime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rt, ok := c.runtimes[entry.Name]; ok {
		if rt.dsn == entry.DSN {
			return rt, nil
		}
		rt.close(ctx)
	}

	rt, err := buildDatabaseRuntime(entry, c.cfg, c.backoff, c.metrics)
	if err != nil {
		return nil, err
	}
	c.runtimes[entry.Name] = rt
	return rt, nil
}

// prune drops runtimes for databases no longer in the set, releasing the
// leases they hold.
func (c *runtimeCache) prune(ctx context.Context, current []routing.Entry[*pgxpool.Pool]) {
	known := make(map[string]bool, len(current))
	for _, e := range current {
		known[e.Name] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, rt := range c.runtimes {
		if !known[name] {
			rt.close(ctx)
			delete(c.runtimes, name)
			slog.InfoContext(ctx, "database runtime removed", "database", name)
		}
	}
}

func (c *runtimeCache) closeAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, rt := range c.runtimes {
		rt.close(ctx)
		delete(c.runtimes, name)
	}
}

func buildDatabaseRuntime(entry routing.Entry[*pgxpool.Pool], cfg *config.WorkerConfig, backoff workqueue.BackoffPolicy, metrics *observability.Metrics) (*databaseRuntime, error) {
	pool := entry.Store

	outboxStore := postgres.NewOutboxStore(pool)
	inboxStore := postgres.NewInboxStore(pool)
	schedulerStore := postgres.NewSchedulerStore(pool, outboxStore)
	fanoutStore := postgres.NewFanoutStore(pool)
	leaseStore := postgres.NewLeaseStore(pool)
	idemStore := postgres.NewIdempotencyStore(pool)

	outboxQueue, err := postgres.NewQueue(pool, postgres.TableOutbox)
	if err != nil {
		return nil, err
	}
	inboxQueue, err := postgres.NewQueue(pool, postgres.TableInbox)
	if err != nil {
		return nil, err
	}
	runQueue, err := postgres.NewQueue(pool, postgres.TableJobRuns)
	if err != nil {
		return nil, err
	}

	producer := outbox.NewProducer(outboxStore)

	dispatcher := outbox.NewDispatcher(outboxQueue, outboxStore,
		outbox.WithJoinReporter(outboxStore),
		outbox.WithLeaseDuration(cfg.ClaimLease),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithBackoffPolicy(backoff),
		outbox.WithMetrics(metrics),
	)

	processor := inbox.NewProcessor(inboxQueue, inboxStore,
		idempotency.NewExecutor(idemStore),
		inbox.WithLeaseDuration(cfg.ClaimLease),
		inbox.WithBatchSize(cfg.BatchSize),
		inbox.WithBackoffPolicy(backoff),
		inbox.WithMetrics(metrics),
	)

	if err := registerHandlers(dispatcher, processor); err != nil {
		return nil, err
	}

	leader := scheduler.NewLeader(schedulerStore, leaseStore)
	runner := scheduler.NewRunner(runQueue, schedulerStore, producer,
		scheduler.WithRunBackoff(backoff))
	slicer := fanout.NewSlicer(fanoutStore, leaseStore)

	return &databaseRuntime{
		name:       entry.Name,
		dsn:        entry.DSN,
		dispatcher: dispatcher,
		processor:  processor,
		leader:     leader,
		runner:     runner,
		slicer:     slicer,
		probes: []watchdog.Probe{
			watchdog.NewOverdueJobsProbe(schedulerStore, cfg.StuckThreshold),
			watchdog.NewStuckInboxProbe(inboxStore, cfg.StuckThreshold),
		},
		checks: []health.Check{
			pingCheck(entry.Name, pool),
			backlogCheck(entry.Name, outboxStore),
		},
		reapQueues: map[string]*postgres.Queue{
			"outbox":   outboxQueue,
			"inbox":    inboxQueue,
			"job_runs": runQueue,
		},
		idemStore: idemStore,
	}, nil
}

// registerHandlers binds the built-in topics. Applications hosting their own
// worker register their handlers here instead.
func registerHandlers(dispatcher *outbox.Dispatcher, processor *inbox.Processor) error {
	if err := dispatcher.Register("conveyor.echo", func(ctx context.Context, msg *domain.OutboxMessage) error {
		slog.InfoContext(ctx, "echo message",
			"message_id", msg.MessageID, "correlation_id", msg.CorrelationID,
			"payload_bytes", len(msg.Payload))
		return nil
	}); err != nil {
		return err
	}

	return processor.Register("ping", func(ctx context.Context, record *domain.WebhookEventRecord, msg *domain.InboxMessage) error {
		slog.InfoContext(ctx, "ping event",
			"provider", record.Provider, "dedupe_key", msg.DedupeID)
		return nil
	})
}

func pingCheck(database string, pool *pgxpool.Pool) health.Check {
	return health.Check{
		Name:    "postgres:" + database,
		Buckets: []health.Bucket{health.BucketDep},
		Run: health.NewCachedCheck(func(ctx context.Context) health.Result {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := pool.Ping(pingCtx); err != nil {
				return health.Unhealthy(fmt.Sprintf("ping failed: %v", err))
			}
			return health.Healthy("connected")
		}, health.CacheTTLs{Healthy: 10 * time.Second, Unhealthy: 2 * time.Second}).Run,
	}
}

func backlogCheck(database string, outboxStore *postgres.OutboxStore) health.Check {
	return health.Check{
		Name:    "outbox-backlog:" + database,
		Buckets: []health.Bucket{health.BucketDep},
		Run: health.NewCachedCheck(func(ctx context.Context) health.Result {
			counts, err := outboxStore.StatusCounts(ctx)
			if err != nil {
				return health.Unhealthy(fmt.Sprintf("failed to read outbox counts: %v", err))
			}
			result := health.Healthy("no poisoned messages")
			if poisoned := counts[domain.StatusPoisoned]; poisoned > 0 {
				result = health.Degraded(fmt.Sprintf("%d poisoned messages", poisoned))
			}
			result.Data = map[string]any{
				"pending":  counts[domain.StatusPending],
				"claimed":  counts[domain.StatusClaimed],
				"poisoned": counts[domain.StatusPoisoned],
			}
			return result
		}, health.CacheTTLs{Healthy: 30 * time.Second, Degraded: 10 * time.Second, Unhealthy: 5 * time.Second}).Run,
	}
}

// reapLoop returns expired claims to the pool on a fixed cadence, sweeping
// every database in the current set. Reaping is idempotent, so every worker
// runs it without coordination. The same tick prunes runtimes for databases
// that left the set.
func reapLoop(ctx context.Context, interval time.Duration, metrics *observability.Metrics, provider routing.Provider[*pgxpool.Pool], runtimes *runtimeCache) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries := provider.List()
			runtimes.prune(ctx, entries)
			for _, entry := range entries {
				rt, err := runtimes.get(ctx, entry)
				if err != nil {
					slog.WarnContext(ctx, "failed to build runtime for reaping",
						"database", entry.Name, "error", err)
					continue
				}
				for name, queue := range rt.reapQueues {
					reaped, err := queue.ReapExpired(ctx)
					if err != nil {
						slog.WarnContext(ctx, "failed to reap expired claims",
							"database", entry.Name, "queue", name, "error", err)
						continue
					}
					if reaped > 0 {
						slog.InfoContext(ctx, "reaped expired claims",
							"database", entry.Name, "queue", name, "count", reaped)
						metrics.RecordReaped(ctx, name, reaped)
					}
				}
			}
		}
	}
}

func idempotencyGCLoop(ctx context.Context, retention, interval time.Duration, provider routing.Provider[*pgxpool.Pool], runtimes *runtimeCache) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range provider.List() {
				rt, err := runtimes.get(ctx, entry)
				if err != nil {
					continue
				}
				removed, err := rt.idemStore.GC(ctx, retention)
				if err != nil {
					slog.WarnContext(ctx, "idempotency GC failed",
						"database", entry.Name, "error", err)
					continue
				}
				if removed > 0 {
					slog.InfoContext(ctx, "idempotency keys expired",
						"database", entry.Name, "count", removed)
				}
			}
		}
	}
}

func shutdownProvider(shutdown func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to shutdown "+name, "error", err)
	}
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
