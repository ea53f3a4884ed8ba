package dataflow

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common"
	"github.com/G-Research/dataflow/internal/common/database"
	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/common/health"
	"github.com/G-Research/dataflow/internal/common/util"
	"github.com/G-Research/dataflow/internal/dataflow/admission"
	"github.com/G-Research/dataflow/internal/dataflow/backoff"
	"github.com/G-Research/dataflow/internal/dataflow/clusterlock"
	"github.com/G-Research/dataflow/internal/dataflow/configuration"
	"github.com/G-Research/dataflow/internal/dataflow/delivery"
	"github.com/G-Research/dataflow/internal/dataflow/events"
	"github.com/G-Research/dataflow/internal/dataflow/ingest"
	"github.com/G-Research/dataflow/internal/dataflow/policy"
	"github.com/G-Research/dataflow/internal/dataflow/processor"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
	"github.com/G-Research/dataflow/internal/dataflow/webhook"
	"github.com/G-Research/dataflow/internal/dataflow/worker"
)

// Services holds every component built from one configuration.
// Close must be called once the services are no longer needed.
type Services struct {
	Config       *configuration.DataflowConfig
	Clock        clock.WithTicker
	Repositories *repository.Repositories
	Redis        redis.UniversalClient
	Store        *storage.LocalStore
	Lock         clusterlock.Lock
	Policies     *policy.Evaluator
	Publisher    events.Publisher
	Ingest       *ingest.Service
	Runner       *worker.Runner
	Purger       *worker.Purger

	// Set when checksums are kept in postgres
	postgresChecksums *admission.PostgresChecksumStore
	closers           []func()
}

func NewServices(ctx context.Context, config *configuration.DataflowConfig) (*Services, error) {
	s := &Services{Config: config, Clock: clock.RealClock{}}
	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Services) onClose(f func()) {
	s.closers = append(s.closers, f)
}

// Close releases connections in the reverse order of their creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *Services) build(ctx context.Context) error {
	config := s.Config

	sqlDb, dialect, err := s.openRepositories(ctx)
	if err != nil {
		return err
	}

	store, err := storage.NewLocalStore(config.Storage.Root, s.Clock)
	if err != nil {
		return err
	}
	s.Store = store

	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	s.onClose(func() { util.CloseResource("redis client", redisClient) })
	s.Redis = redisClient

	if s.Lock, err = s.openLock(ctx, sqlDb, dialect); err != nil {
		return err
	}

	checksums, err := s.openChecksumStore(redisClient)
	if err != nil {
		return err
	}

	if s.Publisher, err = s.openPublisher(); err != nil {
		return err
	}

	s.Policies = policy.NewEvaluator(s.Repositories.Clients, s.Repositories.Batches, config.Policy, config.Sensitive, s.Clock)
	s.Ingest = ingest.NewService(
		s.Repositories.Clients,
		s.Repositories.Batches,
		store,
		admission.NewRedisRateLimiter(redisClient, s.Clock),
		admission.Limits{Default: config.Policy.RateLimitPerMinute, Tiers: config.RateLimit.Tiers},
		config.RateLimit.Period,
		checksums,
		config.Dedup.Ttl,
		s.Policies,
		s.Publisher,
		s.Clock,
	)

	downstreamRetry, err := backoff.FromConfig(config.Downstream.Retry)
	if err != nil {
		return err
	}
	webhookRetry, err := backoff.FromConfig(config.Webhook.Retry)
	if err != nil {
		return err
	}
	batchProcessor := processor.NewProcessor(
		s.Repositories.Items,
		store,
		delivery.NewClient(config.Downstream.BaseUrl, config.Downstream.RequestTimeout, downstreamRetry),
		s.Policies,
		config.Import.ChunkSize,
		s.Clock,
	)
	s.Runner = worker.NewRunner(
		s.Repositories.Batches,
		s.Lock,
		batchProcessor,
		store,
		webhook.NewEngine(s.Repositories.Webhooks, config.Webhook.RequestTimeout, webhookRetry, s.Clock),
		config.Worker.DeleteFileOnCompletion,
		config.Lock.Timeout,
		s.Clock,
	)
	s.Purger = worker.NewPurger(s.Repositories.Batches, store, s.Clock)
	return nil
}

// HealthChecker reports whether redis and the cluster lock store can be reached.
func (s *Services) HealthChecker() health.Checker {
	return health.NewMultiChecker(
		health.CheckerFunc("redis", func(context.Context) error {
			return errors.WithStack(s.Redis.Ping().Err())
		}),
		health.CheckerFunc("cluster lock", func(ctx context.Context) error {
			_, err := s.Lock.Status(ctx)
			return err
		}),
	)
}

// openRepositories returns the database/sql handle backing the repositories, if any.
func (s *Services) openRepositories(ctx context.Context) (*sql.DB, string, error) {
	switch s.Config.DatabaseType {
	case "postgres":
		db, err := database.OpenPostgres(s.Config.Postgres)
		if err != nil {
			return nil, "", err
		}
		s.onClose(func() { util.CloseResource("postgres database", db) })
		s.Repositories = repository.NewSqlRepositories(db, repository.DialectPostgres)
		return db, repository.DialectPostgres, nil
	case "sqlite":
		db, err := openMigratedSqlite(ctx, s.Config.Sqlite.Path)
		if err != nil {
			return nil, "", err
		}
		s.onClose(func() { util.CloseResource("sqlite database", db) })
		s.Repositories = repository.NewSqlRepositories(db, repository.DialectSqlite)
		return db, repository.DialectSqlite, nil
	case "memory":
		repos, err := repository.NewInMemoryRepositories()
		if err != nil {
			return nil, "", err
		}
		s.Repositories = repos
		return nil, "", nil
	default:
		return nil, "", errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "databaseType",
			Value:   s.Config.DatabaseType,
			Message: "must be one of postgres, sqlite or memory",
		})
	}
}

func (s *Services) openLock(ctx context.Context, db *sql.DB, dialect string) (clusterlock.Lock, error) {
	config := s.Config.Lock
	switch config.Provider {
	case "redis":
		nodeOptions := s.Config.Redis.AsNodeOptions()
		nodes := make([]redis.Cmdable, 0, len(nodeOptions))
		for _, options := range nodeOptions {
			node := redis.NewClient(options)
			s.onClose(func() { util.CloseResource("redis lock node client", node) })
			nodes = append(nodes, node)
		}
		key := config.RedisKey
		if key == "" {
			key = clusterlock.DefaultRedisKey
		}
		return clusterlock.NewRedLock(nodes, key, config.Timeout, s.Clock), nil
	case "sql":
		if db == nil {
			// The in-memory repositories have no table to hold the lock row; keep it in a private sqlite database.
			lockDb, err := openMigratedSqlite(ctx, ":memory:")
			if err != nil {
				return nil, err
			}
			s.onClose(func() { util.CloseResource("lock database", lockDb) })
			return clusterlock.NewSqlLock(lockDb, repository.DialectSqlite, s.Clock), nil
		}
		return clusterlock.NewSqlLock(db, dialect, s.Clock), nil
	default:
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "lock.provider",
			Value:   config.Provider,
			Message: "must be sql or redis",
		})
	}
}

func (s *Services) openChecksumStore(redisClient redis.UniversalClient) (admission.ChecksumStore, error) {
	config := s.Config.Dedup
	if config.Store != "postgres" {
		return admission.NewRedisChecksumStore(redisClient), nil
	}
	pool, err := database.OpenPgxPool(s.Config.Postgres)
	if err != nil {
		return nil, err
	}
	s.onClose(pool.Close)
	store, err := admission.NewPostgresChecksumStore(pool, config.CacheSize, config.TableName)
	if err != nil {
		return nil, err
	}
	s.postgresChecksums = store
	return store, nil
}

func (s *Services) openPublisher() (events.Publisher, error) {
	config := s.Config.Events
	switch config.Provider {
	case "pulsar":
		client, err := events.NewPulsarClient(&config.Pulsar)
		if err != nil {
			return nil, err
		}
		s.onClose(client.Close)
		publisher, err := events.NewPulsarPublisher(client, &config.Pulsar)
		if err != nil {
			return nil, err
		}
		s.onClose(publisher.Close)
		return publisher, nil
	case "nats":
		publisher, err := events.NewNatsPublisher(&config.Nats)
		if err != nil {
			return nil, err
		}
		s.onClose(publisher.Close)
		return publisher, nil
	default:
		return events.NoopPublisher{}, nil
	}
}

func (s *Services) openConsumer() (events.Consumer, error) {
	config := s.Config.Events
	switch config.Provider {
	case "pulsar":
		client, err := events.NewPulsarClient(&config.Pulsar)
		if err != nil {
			return nil, err
		}
		s.onClose(client.Close)
		consumer, err := events.NewPulsarConsumer(client, &config.Pulsar)
		if err != nil {
			return nil, err
		}
		s.onClose(consumer.Close)
		return consumer, nil
	case "nats":
		consumer, err := events.NewNatsConsumer(&config.Nats)
		if err != nil {
			return nil, err
		}
		s.onClose(consumer.Close)
		return consumer, nil
	default:
		return nil, nil
	}
}

type App struct {
	Config *configuration.DataflowConfig
}

func New(config *configuration.DataflowConfig) *App {
	return &App{Config: config}
}

// StartUp runs the worker until ctx is cancelled or one of its loops fails.
func (a *App) StartUp(ctx context.Context) error {
	config := a.Config
	log := log.WithField("Dataflow", "Startup")
	common.SetLogLevel(config.Logging.Level)

	services, err := NewServices(ctx, config)
	if err != nil {
		return err
	}
	defer services.Close()

	consumer, err := services.openConsumer()
	if err != nil {
		return err
	}

	shutdownMetricServer := common.ServeMetricsAndHealth(config.Metrics.Port, services.HealthChecker())
	defer shutdownMetricServer()

	g, ctx := errgroup.WithContext(ctx)
	poller := worker.NewPoller(
		services.Repositories.Batches,
		services.Runner,
		config.Worker.PollInterval,
		config.Worker.PollBatchSize,
		config.Lock.Timeout,
		services.Clock,
	)
	g.Go(func() error { return poller.Run(ctx) })

	watchdog := clusterlock.NewWatchdog(services.Lock, config.Lock.WatchdogInterval, config.Lock.Timeout, services.Clock)
	g.Go(func() error { return watchdog.Run(ctx) })

	if config.Retention.EnableCleanup {
		sweeper := worker.NewRetentionSweeper(
			services.Repositories.Batches,
			services.Policies,
			services.Store,
			config.Retention.CheckInterval,
			config.Retention.MaxBatchesPerRun,
			services.Clock,
		)
		g.Go(func() error { return sweeper.Run(ctx) })
	} else {
		log.Info("retention cleanup disabled")
	}

	if services.postgresChecksums != nil {
		interval := config.Dedup.CleanupInterval
		if interval <= 0 {
			interval = time.Hour
		}
		g.Go(func() error { return services.postgresChecksums.PeriodicCleanup(ctx, interval, config.Dedup.Ttl) })
	}

	if consumer != nil {
		g.Go(func() error { return consumer.Run(ctx, worker.NewReadyHandler(services.Runner)) })
	}

	log.Infof("dataflow worker started with %s database and %s lock", config.DatabaseType, config.Lock.Provider)
	err = g.Wait()
	services.Runner.Wait()
	log.Info("dataflow worker stopped")
	return err
}

// Migrate brings the configured database schema up to date.
func Migrate(ctx context.Context, config *configuration.DataflowConfig) error {
	switch config.DatabaseType {
	case "postgres":
		pool, err := database.OpenPgxPool(config.Postgres)
		if err != nil {
			return err
		}
		defer pool.Close()
		return migratePostgres(ctx, pool)
	case "sqlite":
		db, err := openMigratedSqlite(ctx, config.Sqlite.Path)
		if err != nil {
			return err
		}
		util.CloseResource("sqlite database", db)
		return nil
	default:
		log.Infof("nothing to migrate for %s database", config.DatabaseType)
		return nil
	}
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := repository.PostgresMigrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(ctx, pool, migrations)
}

func openMigratedSqlite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := repository.OpenSqlite(path)
	if err != nil {
		return nil, err
	}
	if err := repository.MigrateSqlite(ctx, db); err != nil {
		util.CloseResource("sqlite database", db)
		return nil, err
	}
	return db, nil
}
