package configuration

import (
	"time"

	"github.com/G-Research/dataflow/internal/common/config"
)

type DataflowConfig struct {
	Logging LoggingConfig
	Metrics MetricsConfig

	// Type of database used - must be one of 'postgres', 'sqlite' or 'memory'
	DatabaseType string `validate:"oneof=postgres sqlite memory"`
	Postgres     config.PostgresConfig
	Sqlite       config.SqliteConfig
	Redis        config.RedisConfig

	Lock       LockConfig
	Worker     WorkerConfig
	Import     ImportConfig
	Downstream DownstreamConfig
	Webhook    WebhookConfig
	Sensitive  SensitiveDataConfig
	Policy     PolicyDefaults
	RateLimit  RateLimitConfig
	Dedup      DedupConfig
	Retention  RetentionConfig
	Storage    StorageConfig
	Events     EventsConfig
}

type LoggingConfig struct {
	Level string
}

type MetricsConfig struct {
	Port uint16
}

type LockConfig struct {
	// Either 'sql' (the batch_lock row) or 'redis' (quorum lock over Redis.Addrs)
	Provider string `validate:"oneof=sql redis"`
	// A lock held for longer than this is considered abandoned
	Timeout time.Duration `validate:"required"`
	// How often the watchdog looks for abandoned locks
	WatchdogInterval time.Duration `validate:"required"`
	// Redis key of the quorum lock
	RedisKey string
}

type WorkerConfig struct {
	PollInterval time.Duration `validate:"required"`
	// Number of Pending and of due Scheduled batches fetched per poll
	PollBatchSize int `validate:"gt=0"`
	// Remove the stored upload once a batch reaches a terminal state
	DeleteFileOnCompletion bool
}

type ImportConfig struct {
	ChunkSize int `validate:"gt=0"`
}

type BackoffConfig struct {
	// One of 'fixed', 'exponential' or 'jittered'
	Strategy    string `validate:"oneof=fixed exponential jittered"`
	MaxAttempts uint   `validate:"gt=0"`
	// Used by 'fixed' and as the base schedule for 'jittered'
	Delays []time.Duration
	// Used by 'exponential'
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Used by 'jittered'
	MaxJitter time.Duration
}

type DownstreamConfig struct {
	BaseUrl        string        `validate:"required"`
	RequestTimeout time.Duration `validate:"required"`
	Retry          BackoffConfig
}

type WebhookConfig struct {
	RequestTimeout time.Duration `validate:"required"`
	Retry          BackoffConfig
}

type SensitiveDataConfig struct {
	RedactPayloadOnSuccess bool
	RedactPayloadOnFailure bool
	IncludePayloadHash     bool
}

// PolicyDefaults are applied when a client has no policy or leaves a field unset.
// Nil means "no limit".
type PolicyDefaults struct {
	MaxFileSizeMb      *int
	MaxBatchPerDay     *int
	AllowedStartHour   *int
	AllowedEndHour     *int
	LargeThresholdMb   *int
	RateLimitPerMinute int `validate:"gt=0"`
	RetentionDays      int `validate:"gt=0"`
	// How long a resolved client policy is cached
	CacheTtl time.Duration
}

type RateLimitConfig struct {
	// Per-client-identifier overrides, used when the client policy does not set a limit
	Tiers  map[string]int
	Period time.Duration `validate:"required"`
}

type DedupConfig struct {
	// Either 'redis' or 'postgres'
	Store string        `validate:"oneof=redis postgres"`
	Ttl   time.Duration `validate:"required"`
	// Size of the local cache of finalized checksums (postgres store only)
	CacheSize       int
	CleanupInterval time.Duration
	TableName       string
}

type RetentionConfig struct {
	EnableCleanup    bool
	CheckInterval    time.Duration `validate:"required"`
	MaxBatchesPerRun int           `validate:"gt=0"`
	// Upper bound used by the purge command when no explicit max is given
	PurgeMaxBatches int `validate:"gt=0"`
}

type StorageConfig struct {
	Root string `validate:"required"`
}

type EventsConfig struct {
	// One of 'none', 'pulsar' or 'nats'
	Provider string              `validate:"oneof=none pulsar nats"`
	Pulsar   config.PulsarConfig `validate:"-"`
	Nats     config.NatsConfig   `validate:"-"`
}
