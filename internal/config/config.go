package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"PORT" envDefault:"8842"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// APIKey authenticates every non-health endpoint via the X-API-Key header.
	APIKey string `env:"API_KEY"`

	// Database settings
	Database DatabaseConfig

	// Redis settings (queue fabric, classifier cache, rate limiting)
	Redis RedisConfig

	// LLM completion configuration
	LLM LLMConfig

	// Request queue configuration
	Queue QueueConfig

	// LLM worker configuration
	Worker WorkerConfig

	// Background job queue configuration
	Jobs JobsConfig

	// Extraction pipeline configuration
	Extraction ExtractionConfig

	// Smart classifier configuration
	Classifier ClassifierConfig

	// Embeddings + reranker configuration
	Embeddings EmbeddingsConfig

	// Vector store configuration
	Vector VectorConfig

	// Smart merge configuration
	Merge MergeConfig

	// API rate limiting
	RateLimit RateLimitConfig

	// Scraper service client
	Scraper ScraperClientConfig

	// Alerting (Mailgun) configuration
	Alert AlertConfig

	// Snapshot storage (S3) configuration
	Storage StorageConfig

	// OpenTelemetry tracing
	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"300s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"knowledge"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"knowledge"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr returns the host:port address for the Redis client
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LLMConfig holds completion provider configuration
type LLMConfig struct {
	// Provider selects the completion backend: "openai" (any
	// OpenAI-compatible endpoint) or "google" (Gemini via API key).
	Provider string `env:"KE_LLM_PROVIDER" envDefault:"openai"`

	// BaseURL of the OpenAI-compatible endpoint
	BaseURL string `env:"KE_LLM_BASE_URL" envDefault:"http://localhost:11434/v1"`

	APIKey string `env:"KE_LLM_API_KEY" envDefault:""`
	Model  string `env:"KE_LLM_MODEL" envDefault:"qwen2.5:14b"`

	// GoogleAPIKey is used when Provider is "google"
	GoogleAPIKey string `env:"GOOGLE_API_KEY" envDefault:""`

	MaxTokens int `env:"KE_LLM_MAX_TOKENS" envDefault:"4096"`

	// BaseTemperature is the first-attempt sampling temperature; each retry
	// adds RetryTemperatureIncrement.
	BaseTemperature           float64 `env:"KE_LLM_BASE_TEMPERATURE" envDefault:"0.1"`
	RetryTemperatureIncrement float64 `env:"KE_LLM_RETRY_TEMPERATURE_INCREMENT" envDefault:"0.1"`

	TimeoutSeconds int `env:"KE_LLM_TIMEOUT_SECONDS" envDefault:"120"`

	RetryBackoffMinMs int `env:"KE_LLM_RETRY_BACKOFF_MIN_MS" envDefault:"500"`
	RetryBackoffMaxMs int `env:"KE_LLM_RETRY_BACKOFF_MAX_MS" envDefault:"8000"`
}

// Timeout returns the per-request timeout as a Duration
func (l *LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// RetryBackoffMin returns the minimum retry backoff as a Duration
func (l *LLMConfig) RetryBackoffMin() time.Duration {
	return time.Duration(l.RetryBackoffMinMs) * time.Millisecond
}

// RetryBackoffMax returns the maximum retry backoff as a Duration
func (l *LLMConfig) RetryBackoffMax() time.Duration {
	return time.Duration(l.RetryBackoffMaxMs) * time.Millisecond
}

// QueueConfig holds LLM request queue settings
type QueueConfig struct {
	// Stream is the Redis stream key requests are appended to
	Stream string `env:"KE_QUEUE_STREAM" envDefault:"ke:llm:requests"`

	// Group is the consumer group workers read through
	Group string `env:"KE_QUEUE_GROUP" envDefault:"llm-workers"`

	// DLQKey is the Redis list requests land on after exhausting retries
	DLQKey string `env:"KE_QUEUE_DLQ_KEY" envDefault:"ke:llm:dlq"`

	// MaxDepth is the hard cap on queued requests; submits beyond it fail
	MaxDepth int `env:"KE_QUEUE_MAX_DEPTH" envDefault:"1000"`

	// BackpressureThreshold is the depth the slow-down heuristics key off
	BackpressureThreshold int `env:"KE_QUEUE_BACKPRESSURE_THRESHOLD" envDefault:"100"`

	// ResponseTTLSeconds bounds how long an unconsumed response is kept
	ResponseTTLSeconds int `env:"KE_QUEUE_RESPONSE_TTL_SECONDS" envDefault:"600"`

	// PollIntervalMs is the waiter fallback poll interval
	PollIntervalMs int `env:"KE_QUEUE_POLL_INTERVAL_MS" envDefault:"250"`
}

// ResponseTTL returns the response key TTL as a Duration
func (q *QueueConfig) ResponseTTL() time.Duration {
	return time.Duration(q.ResponseTTLSeconds) * time.Second
}

// PollInterval returns the waiter poll interval as a Duration
func (q *QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMs) * time.Millisecond
}

// WorkerConfig holds LLM worker settings
type WorkerConfig struct {
	Concurrency    int `env:"KE_WORKER_CONCURRENCY" envDefault:"5"`
	MinConcurrency int `env:"KE_WORKER_MIN_CONCURRENCY" envDefault:"1"`
	MaxConcurrency int `env:"KE_WORKER_MAX_CONCURRENCY" envDefault:"20"`

	// MaxRetries bounds total attempts per request
	MaxRetries int `env:"KE_WORKER_MAX_RETRIES" envDefault:"3"`

	// AdjustmentIntervalSeconds is how often adaptive concurrency re-evaluates
	AdjustmentIntervalSeconds int `env:"KE_WORKER_ADJUSTMENT_INTERVAL_SECONDS" envDefault:"30"`
}

// AdjustmentInterval returns the adaptive window as a Duration
func (w *WorkerConfig) AdjustmentInterval() time.Duration {
	return time.Duration(w.AdjustmentIntervalSeconds) * time.Second
}

// JobsConfig holds background job queue settings
type JobsConfig struct {
	// PollIntervalMs is how often job runners poll for queued work
	PollIntervalMs int `env:"KE_JOBS_POLL_INTERVAL_MS" envDefault:"2000"`

	// MaxAttempts bounds retries per job before it fails permanently
	MaxAttempts int `env:"KE_JOBS_MAX_ATTEMPTS" envDefault:"3"`

	BaseRetryDelaySec int `env:"KE_JOBS_BASE_RETRY_DELAY_SEC" envDefault:"30"`
	MaxRetryDelaySec  int `env:"KE_JOBS_MAX_RETRY_DELAY_SEC" envDefault:"900"`

	// StaleThresholdMinutes is how long a job may sit in running with no
	// heartbeat before the scheduler re-queues it
	StaleThresholdMinutes int `env:"KE_JOBS_STALE_THRESHOLD_MINUTES" envDefault:"15"`

	// RetentionDays is how long finished jobs are kept before cleanup
	RetentionDays int `env:"KE_JOBS_RETENTION_DAYS" envDefault:"30"`
}

// PollInterval returns the runner poll interval as a Duration
func (j *JobsConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalMs) * time.Millisecond
}

// ExtractionConfig holds extraction pipeline settings
type ExtractionConfig struct {
	MaxConcurrentChunks  int `env:"KE_EXTRACTION_MAX_CONCURRENT_CHUNKS" envDefault:"4"`
	MaxConcurrentSources int `env:"KE_EXTRACTION_MAX_CONCURRENT_SOURCES" envDefault:"10"`

	// CheckpointChunkSize is how many sources a batch commits per checkpoint
	CheckpointChunkSize int `env:"KE_EXTRACTION_CHECKPOINT_CHUNK_SIZE" envDefault:"20"`

	// DedupThreshold is the inclusive similarity score above which a source
	// is considered a duplicate
	DedupThreshold float64 `env:"KE_DEDUP_THRESHOLD" envDefault:"0.90"`

	// Chunker target sizes in bytes
	ChunkTargetSize int `env:"KE_CHUNK_TARGET_SIZE" envDefault:"6000"`
	ChunkMinSize    int `env:"KE_CHUNK_MIN_SIZE" envDefault:"2000"`
	ChunkMaxSize    int `env:"KE_CHUNK_MAX_SIZE" envDefault:"8000"`
	ChunkOverlap    int `env:"KE_CHUNK_OVERLAP" envDefault:"256"`
}

// ClassifierConfig holds smart classifier settings
type ClassifierConfig struct {
	Enabled bool `env:"KE_CLASSIFIER_ENABLED" envDefault:"true"`

	HighThreshold     float64 `env:"KE_CLASSIFIER_HIGH_THRESHOLD" envDefault:"0.60"`
	LowThreshold      float64 `env:"KE_CLASSIFIER_LOW_THRESHOLD" envDefault:"0.35"`
	RerankerThreshold float64 `env:"KE_CLASSIFIER_RERANKER_THRESHOLD" envDefault:"0.5"`

	CacheTTLSeconds int `env:"KE_CLASSIFIER_CACHE_TTL_SECONDS" envDefault:"86400"`

	// UseDefaultSkipPatterns forces the built-in skip list even for
	// projects with smart classification enabled
	UseDefaultSkipPatterns bool `env:"KE_USE_DEFAULT_SKIP_PATTERNS" envDefault:"false"`
}

// CacheTTL returns the group-embedding cache TTL as a Duration
func (c *ClassifierConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// EmbeddingsConfig holds embedding + reranker service settings
type EmbeddingsConfig struct {
	BaseURL string `env:"KE_EMBEDDINGS_BASE_URL" envDefault:"http://localhost:8080"`
	APIKey  string `env:"KE_EMBEDDINGS_API_KEY" envDefault:""`
	Model   string `env:"KE_EMBEDDINGS_MODEL" envDefault:"bge-m3"`

	RerankModel string `env:"KE_RERANK_MODEL" envDefault:"bge-reranker-v2-m3"`

	// Dimension of the embedding vectors the service returns
	Dimension int `env:"KE_EMBEDDINGS_DIMENSION" envDefault:"1024"`

	// RequestsPerSecond caps outbound embedding calls; 0 disables the cap
	RequestsPerSecond float64 `env:"KE_EMBEDDINGS_RPS" envDefault:"0"`

	TimeoutSeconds int `env:"KE_EMBEDDINGS_TIMEOUT_SECONDS" envDefault:"30"`
}

// IsConfigured returns true when an embedding endpoint is set
func (e *EmbeddingsConfig) IsConfigured() bool {
	return e.BaseURL != ""
}

// Timeout returns the per-request timeout as a Duration
func (e *EmbeddingsConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// VectorConfig holds vector store settings
type VectorConfig struct {
	URL        string `env:"KE_VECTOR_URL" envDefault:""`
	APIKey     string `env:"KE_VECTOR_API_KEY" envDefault:""`
	Collection string `env:"KE_VECTOR_COLLECTION" envDefault:"extractions"`
}

// IsConfigured returns true when a vector store endpoint is set
func (v *VectorConfig) IsConfigured() bool {
	return v.URL != ""
}

// MergeConfig holds smart merge settings
type MergeConfig struct {
	// MinConfidence drops merge candidates below this score
	MinConfidence float64 `env:"KE_MERGE_MIN_CONFIDENCE" envDefault:"0.3"`

	// MaxCandidates caps how many candidates the merge prompt sees
	MaxCandidates int `env:"KE_MERGE_MAX_CANDIDATES" envDefault:"5"`
}

// RateLimitConfig holds API rate limiting settings
type RateLimitConfig struct {
	Enabled   bool `env:"KE_RATE_LIMIT_ENABLED" envDefault:"true"`
	PerMinute int  `env:"KE_RATE_LIMIT_PER_MINUTE" envDefault:"120"`
}

// ScraperClientConfig holds the scraper service client settings
type ScraperClientConfig struct {
	URL            string `env:"KE_SCRAPER_URL" envDefault:"http://localhost:8843"`
	TimeoutSeconds int    `env:"KE_SCRAPER_TIMEOUT_SECONDS" envDefault:"120"`
}

// Timeout returns the scrape request timeout as a Duration
func (s *ScraperClientConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// AlertConfig holds Mailgun alerting settings
type AlertConfig struct {
	MailgunDomain string `env:"KE_ALERT_DOMAIN" envDefault:""`
	MailgunAPIKey string `env:"KE_ALERT_API_KEY" envDefault:""`
	From          string `env:"KE_ALERT_FROM" envDefault:""`
	To            string `env:"KE_ALERT_TO" envDefault:""`

	// DLQThreshold is the dead-letter depth that triggers an alert
	DLQThreshold int `env:"KE_ALERT_DLQ_THRESHOLD" envDefault:"25"`
}

// IsConfigured returns true if Mailgun alerting is configured
func (a *AlertConfig) IsConfigured() bool {
	return a.MailgunDomain != "" && a.MailgunAPIKey != "" && a.To != ""
}

// StorageConfig holds S3-compatible snapshot storage settings
type StorageConfig struct {
	Endpoint        string `env:"STORAGE_ENDPOINT" envDefault:""`
	AccessKeyID     string `env:"STORAGE_ACCESS_KEY" envDefault:""`
	SecretAccessKey string `env:"STORAGE_SECRET_KEY" envDefault:""`
	Region          string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	SnapshotBucket  string `env:"STORAGE_BUCKET_SNAPSHOTS" envDefault:"ke-snapshots"`
	UsePathStyle    bool   `env:"STORAGE_USE_PATH_STYLE" envDefault:"true"`
}

// Enabled returns true if snapshot storage is configured
func (s *StorageConfig) Enabled() bool {
	return s.Endpoint != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// insecureAPIKeys are rejected outright regardless of length.
var insecureAPIKeys = map[string]struct{}{
	"changeme": {},
	"test":     {},
	"password": {},
	"secret":   {},
	"api-key":  {},
	"apikey":   {},
	"12345678": {},
	"default":  {},
}

// ValidateAPIKey enforces the minimum bar for the static API key: present,
// at least 16 characters, and not one of the well-known placeholder values.
func ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if len(key) < 16 {
		return fmt.Errorf("API_KEY must be at least 16 characters, got %d", len(key))
	}
	if _, bad := insecureAPIKeys[strings.ToLower(key)]; bad {
		return fmt.Errorf("API_KEY %q is a well-known placeholder, set a real key", key)
	}
	return nil
}

// Validate checks invariants that env parsing cannot express
func (c *Config) Validate() error {
	if err := ValidateAPIKey(c.APIKey); err != nil {
		return err
	}
	if c.Worker.MinConcurrency < 1 {
		return fmt.Errorf("KE_WORKER_MIN_CONCURRENCY must be >= 1, got %d", c.Worker.MinConcurrency)
	}
	if c.Worker.MaxConcurrency < c.Worker.MinConcurrency {
		return fmt.Errorf("KE_WORKER_MAX_CONCURRENCY (%d) below min (%d)",
			c.Worker.MaxConcurrency, c.Worker.MinConcurrency)
	}
	if c.Queue.MaxDepth < 1 {
		return fmt.Errorf("KE_QUEUE_MAX_DEPTH must be >= 1, got %d", c.Queue.MaxDepth)
	}
	if c.Extraction.DedupThreshold < 0 || c.Extraction.DedupThreshold > 1 {
		return fmt.Errorf("KE_DEDUP_THRESHOLD must be in [0,1], got %v", c.Extraction.DedupThreshold)
	}
	if c.Classifier.LowThreshold > c.Classifier.HighThreshold {
		return fmt.Errorf("KE_CLASSIFIER_LOW_THRESHOLD (%v) above high (%v)",
			c.Classifier.LowThreshold, c.Classifier.HighThreshold)
	}
	return nil
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("redis_addr", cfg.Redis.Addr()),
		slog.String("llm_provider", cfg.LLM.Provider),
	)

	return cfg, nil
}
