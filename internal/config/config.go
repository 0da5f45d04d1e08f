package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings (POSTGRES_* vars)
	Database DatabaseConfig

	// Queue settings for the ingestion job queue
	Queue QueueConfig

	// Context engine settings for contextual embeddings
	Context ContextConfig

	// Ingest settings for source acquisition and pipeline limits
	Ingest IngestConfig

	// AI provider configuration
	AI AIConfig

	// Qdrant vector store configuration
	Qdrant QdrantConfig

	// Scaling settings for health-based worker concurrency
	Scaling ScalingConfig

	// Otel tracing configuration
	Otel OtelConfig

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"rag"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"rag"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
	AutoMigrate  bool          `env:"DB_AUTO_MIGRATE" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// QueueConfig holds job queue scheduling, retry, and liveness settings
type QueueConfig struct {
	// MaxConcurrentJobs caps the number of jobs processing at once
	MaxConcurrentJobs int `env:"MAX_CONCURRENT_JOBS" envDefault:"3"`
	// JobTimeoutMs is the absolute per-job deadline (default 2h)
	JobTimeoutMs int `env:"JOB_TIMEOUT_MS" envDefault:"7200000"`
	// MaxRetries is the retry budget per job
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`
	// RetryDelayMs is the base retry delay; the n-th retry waits n times this
	RetryDelayMs int `env:"RETRY_DELAY_MS" envDefault:"30000"`
	// HeartbeatIntervalMs is the heartbeat cadence for active jobs
	HeartbeatIntervalMs int `env:"HEARTBEAT_INTERVAL_MS" envDefault:"30000"`
	// HeartbeatTimeoutMs fails a job whose heartbeat went silent
	HeartbeatTimeoutMs int `env:"HEARTBEAT_TIMEOUT_MS" envDefault:"300000"`
	// ProgressTimeoutMs fails a job that made no progress (default 10m)
	ProgressTimeoutMs int `env:"PROGRESS_TIMEOUT_MS" envDefault:"600000"`
	// CleanupIntervalMs is the cadence of the liveness sweep (default 3m)
	CleanupIntervalMs int `env:"CLEANUP_INTERVAL_MS" envDefault:"180000"`
	// DispatchIntervalMs is the dispatcher tick
	DispatchIntervalMs int `env:"DISPATCH_INTERVAL_MS" envDefault:"1000"`
}

func (q *QueueConfig) JobTimeout() time.Duration {
	return time.Duration(q.JobTimeoutMs) * time.Millisecond
}

func (q *QueueConfig) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelayMs) * time.Millisecond
}

func (q *QueueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(q.HeartbeatIntervalMs) * time.Millisecond
}

func (q *QueueConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(q.HeartbeatTimeoutMs) * time.Millisecond
}

func (q *QueueConfig) ProgressTimeout() time.Duration {
	return time.Duration(q.ProgressTimeoutMs) * time.Millisecond
}

func (q *QueueConfig) CleanupInterval() time.Duration {
	return time.Duration(q.CleanupIntervalMs) * time.Millisecond
}

func (q *QueueConfig) DispatchInterval() time.Duration {
	return time.Duration(q.DispatchIntervalMs) * time.Millisecond
}

// ContextConfig holds contextual embedding settings
type ContextConfig struct {
	// Enabled toggles contextual summaries globally
	Enabled bool `env:"CONTEXT_EMBEDDINGS_ENABLED" envDefault:"true"`
	// Model is the completion model used for context generation
	Model string `env:"CONTEXT_MODEL" envDefault:"gemini-2.0-flash"`
	// BatchSize is the context generation batch size (clamped to 1-20)
	BatchSize int `env:"CONTEXT_BATCH_SIZE" envDefault:"5"`
	// MaxTokens bounds a single context completion
	MaxTokens int `env:"CONTEXT_MAX_TOKENS" envDefault:"150"`
	// Temperature for context completions
	Temperature float64 `env:"CONTEXT_TEMPERATURE" envDefault:"0.2"`
}

// EffectiveBatchSize clamps the configured batch size into its valid range
func (c *ContextConfig) EffectiveBatchSize() int {
	if c.BatchSize < 1 {
		return 1
	}
	if c.BatchSize > 20 {
		return 20
	}
	return c.BatchSize
}

// IngestConfig holds source acquisition and pipeline limits
type IngestConfig struct {
	// MaxFileSizeBytes rejects larger file submissions (default 100 MB)
	MaxFileSizeBytes int64 `env:"MAX_FILE_SIZE" envDefault:"104857600"`
	// MaxRedirects bounds URL fetch redirect chains
	MaxRedirects int `env:"FETCH_MAX_REDIRECTS" envDefault:"5"`
	// FetchTimeoutMs is the per-attempt URL fetch timeout
	FetchTimeoutMs int `env:"FETCH_TIMEOUT_MS" envDefault:"30000"`
	// FetchRetries is the URL fetch retry budget
	FetchRetries int `env:"FETCH_RETRIES" envDefault:"3"`
	// ChunkTimeoutMs is the hard per-chunk processing timeout (default 10m)
	ChunkTimeoutMs int `env:"CHUNK_TIMEOUT_MS" envDefault:"600000"`
	// BatchPauseMs is the pause between chunk batches
	BatchPauseMs int `env:"BATCH_PAUSE_MS" envDefault:"200"`
	// DefaultChunkSize is the chunker target size in characters
	DefaultChunkSize int `env:"CHUNK_SIZE" envDefault:"1000"`
	// DefaultOverlap is the chunker overlap in characters
	DefaultOverlap int `env:"CHUNK_OVERLAP" envDefault:"100"`
}

func (i *IngestConfig) FetchTimeout() time.Duration {
	return time.Duration(i.FetchTimeoutMs) * time.Millisecond
}

func (i *IngestConfig) ChunkTimeout() time.Duration {
	return time.Duration(i.ChunkTimeoutMs) * time.Millisecond
}

func (i *IngestConfig) BatchPause() time.Duration {
	return time.Duration(i.BatchPauseMs) * time.Millisecond
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	// GoogleAPIKey for the Generative AI backend
	GoogleAPIKey string `env:"GOOGLE_API_KEY" envDefault:""`
	// EmbeddingModel name
	EmbeddingModel string `env:"EMBEDDING_MODEL" envDefault:"text-embedding-004"`
	// Dimension of produced embeddings
	Dimension int `env:"EMBEDDING_DIMENSION" envDefault:"768"`
	// NetworkDisabled swaps in the no-op client (for testing)
	NetworkDisabled bool `env:"AI_NETWORK_DISABLED" envDefault:"false"`
}

// IsEnabled returns true if a real AI provider is configured
func (a *AIConfig) IsEnabled() bool {
	if a.NetworkDisabled {
		return false
	}
	return a.GoogleAPIKey != ""
}

// QdrantConfig holds vector store connection settings
type QdrantConfig struct {
	Host       string `env:"QDRANT_HOST" envDefault:"localhost"`
	Port       int    `env:"QDRANT_PORT" envDefault:"6334"`
	Collection string `env:"QDRANT_COLLECTION" envDefault:"rag_chunks"`
}

// ScalingConfig holds health-based concurrency scaling settings
type ScalingConfig struct {
	// Enabled toggles adaptive scaling of batch concurrency
	Enabled bool `env:"SCALING_ENABLED" envDefault:"false"`
	// MinConcurrency is the floor under critical pressure
	MinConcurrency int `env:"SCALING_MIN_CONCURRENCY" envDefault:"1"`
	// MaxConcurrency is the ceiling under healthy conditions
	MaxConcurrency int `env:"SCALING_MAX_CONCURRENCY" envDefault:"3"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("db_host", cfg.Database.Host),
		slog.String("qdrant_host", cfg.Qdrant.Host),
		slog.Int("max_concurrent_jobs", cfg.Queue.MaxConcurrentJobs),
	)

	return cfg, nil
}
