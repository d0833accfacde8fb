package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Redis     RedisConfig     `json:"redis"`
	Qdrant    QdrantConfig    `json:"qdrant"`
	Embedding EmbeddingConfig `json:"embedding"`
	Cache     CacheConfig     `json:"cache"`
	Breaker   BreakerConfig   `json:"breaker"`
	Queue     QueueConfig     `json:"queue"`
	Worker    WorkerConfig    `json:"worker"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Source    SourceConfig    `json:"source"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Tracing   TracingConfig   `json:"tracing"`
}

// ServerConfig contains the ops HTTP server configuration
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// QdrantConfig contains vector store connection configuration
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	APIKey     string `json:"api_key"`
	UseTLS     bool   `json:"use_tls"`
	Collection string `json:"collection"`
	VectorSize int    `json:"vector_size"`
	MaxRetries int    `json:"max_retries"`
}

// EmbeddingConfig contains embedding provider configuration
type EmbeddingConfig struct {
	BaseURL        string  `json:"base_url"`
	APIKey         string  `json:"api_key"`
	Model          string  `json:"model"`
	Dimension      int     `json:"dimension"`
	MaxTokens      int     `json:"max_tokens"`
	BatchSize      int     `json:"batch_size"`
	Concurrency    int     `json:"concurrency"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	CacheTenant    string  `json:"cache_tenant"`
}

// CacheConfig contains resilient cache configuration
type CacheConfig struct {
	Prefix         string        `json:"prefix"`
	LocalMaxItems  int           `json:"local_max_items"`
	OperationTTL   time.Duration `json:"operation_timeout"`
	QueryResultTTL time.Duration `json:"query_result_ttl"`
	EmbeddingTTL   time.Duration `json:"embedding_ttl"`
	KnowledgeTTL   time.Duration `json:"knowledge_ttl"`
	EventTTL       time.Duration `json:"event_ttl"`
}

// BreakerConfig contains circuit breaker configuration for the remote cache
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// QueueConfig contains task queue configuration
type QueueConfig struct {
	Name              string        `json:"name"`
	MaxRetries        int           `json:"max_retries"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"`
	TaskTTL           time.Duration `json:"task_ttl"`
	ProcessingTimeout time.Duration `json:"processing_timeout"`
}

// WorkerConfig contains worker pool configuration
type WorkerConfig struct {
	Count          int           `json:"count"`
	PollInterval   time.Duration `json:"poll_interval"`
	HandlerTimeout time.Duration `json:"handler_timeout"`
	RecoverEvery   time.Duration `json:"recover_every"`
}

// ReconcileConfig contains reconciliation engine configuration
type ReconcileConfig struct {
	UpsertBatchSize int     `json:"upsert_batch_size"`
	ScrollPageSize  int     `json:"scroll_page_size"`
	SearchLimit     int     `json:"search_limit"`
	ScoreThreshold  float32 `json:"score_threshold"`
}

// SourceConfig contains the optional business-record source configuration
type SourceConfig struct {
	DatabaseURL  string `json:"database_url"`
	Table        string `json:"table"`
	MaxOpenConns int    `json:"max_open_conns"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`
	SampleRatio float64 `json:"sample_ratio"`
	Insecure    bool    `json:"insecure"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Defaults()

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Defaults builds the configuration from the environment without validating it
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8090),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Host:         getEnvString("REDIS_HOST", "localhost"),
			Port:         getEnvInt("REDIS_PORT", 6379),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 2*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 2*time.Second),
		},
		Qdrant: QdrantConfig{
			Host:       getEnvString("QDRANT_HOST", "localhost"),
			Port:       getEnvInt("QDRANT_PORT", 6334),
			APIKey:     getEnvString("QDRANT_API_KEY", ""),
			UseTLS:     getEnvBool("QDRANT_USE_TLS", false),
			Collection: getEnvString("QDRANT_COLLECTION", "business_rules"),
			VectorSize: getEnvInt("QDRANT_VECTOR_SIZE", 1536),
			MaxRetries: getEnvInt("QDRANT_MAX_RETRIES", 3),
		},
		Embedding: EmbeddingConfig{
			BaseURL:        getEnvString("EMBEDDING_BASE_URL", ""),
			APIKey:         getEnvString("EMBEDDING_API_KEY", ""),
			Model:          getEnvString("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension:      getEnvInt("EMBEDDING_DIMENSION", 1536),
			MaxTokens:      getEnvInt("EMBEDDING_MAX_TOKENS", 8000),
			BatchSize:      getEnvInt("EMBEDDING_BATCH_SIZE", 32),
			Concurrency:    getEnvInt("EMBEDDING_CONCURRENCY", 4),
			RequestsPerSec: getEnvFloat("EMBEDDING_REQUESTS_PER_SEC", 10),
			CacheTenant:    getEnvString("EMBEDDING_CACHE_TENANT", "shared"),
		},
		Cache: CacheConfig{
			Prefix:         getEnvString("CACHE_PREFIX", "chatwootai"),
			LocalMaxItems:  getEnvInt("CACHE_LOCAL_MAX_ITEMS", 10000),
			OperationTTL:   getEnvDuration("CACHE_OPERATION_TIMEOUT", 2*time.Second),
			QueryResultTTL: getEnvDuration("CACHE_QUERY_RESULT_TTL", time.Hour),
			EmbeddingTTL:   getEnvDuration("CACHE_EMBEDDING_TTL", 24*time.Hour),
			KnowledgeTTL:   getEnvDuration("CACHE_KNOWLEDGE_TTL", 7*24*time.Hour),
			EventTTL:       getEnvDuration("CACHE_EVENT_TTL", 24*time.Hour),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 60*time.Second),
		},
		Queue: QueueConfig{
			Name:              getEnvString("QUEUE_NAME", "knowledge_sync"),
			MaxRetries:        getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBaseDelay:    getEnvDuration("QUEUE_RETRY_BASE_DELAY", 5*time.Second),
			RetryMaxDelay:     getEnvDuration("QUEUE_RETRY_MAX_DELAY", 10*time.Minute),
			TaskTTL:           getEnvDuration("QUEUE_TASK_TTL", 7*24*time.Hour),
			ProcessingTimeout: getEnvDuration("QUEUE_PROCESSING_TIMEOUT", 15*time.Minute),
		},
		Worker: WorkerConfig{
			Count:          getEnvInt("WORKER_COUNT", 2),
			PollInterval:   getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
			HandlerTimeout: getEnvDuration("WORKER_HANDLER_TIMEOUT", 10*time.Minute),
			RecoverEvery:   getEnvDuration("WORKER_RECOVER_EVERY", time.Minute),
		},
		Reconcile: ReconcileConfig{
			UpsertBatchSize: getEnvInt("RECONCILE_UPSERT_BATCH_SIZE", 64),
			ScrollPageSize:  getEnvInt("RECONCILE_SCROLL_PAGE_SIZE", 256),
			SearchLimit:     getEnvInt("RECONCILE_SEARCH_LIMIT", 5),
			ScoreThreshold:  float32(getEnvFloat("RECONCILE_SCORE_THRESHOLD", 0.7)),
		},
		Source: SourceConfig{
			DatabaseURL:  getEnvString("SOURCE_DATABASE_URL", ""),
			Table:        getEnvString("SOURCE_TABLE", "knowledge_records"),
			MaxOpenConns: getEnvInt("SOURCE_MAX_OPEN_CONNS", 5),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "knowledge_sync"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnvString("TRACING_ENDPOINT", "localhost:4318"),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 0.1),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var problems []string

	if c.Qdrant.Collection == "" {
		problems = append(problems, "qdrant collection is required")
	}
	if c.Qdrant.VectorSize <= 0 {
		problems = append(problems, "qdrant vector size must be positive")
	}
	if c.Embedding.Dimension != c.Qdrant.VectorSize {
		problems = append(problems, fmt.Sprintf("embedding dimension %d does not match vector size %d",
			c.Embedding.Dimension, c.Qdrant.VectorSize))
	}
	if c.Embedding.MaxTokens <= 0 {
		problems = append(problems, "embedding max tokens must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		problems = append(problems, "breaker failure threshold must be positive")
	}
	if c.Breaker.ResetTimeout <= 0 {
		problems = append(problems, "breaker reset timeout must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		problems = append(problems, "queue max retries cannot be negative")
	}
	if c.Queue.RetryBaseDelay <= 0 {
		problems = append(problems, "queue retry base delay must be positive")
	}
	if c.Worker.Count <= 0 {
		problems = append(problems, "worker count must be positive")
	}
	if c.Worker.PollInterval <= 0 {
		problems = append(problems, "worker poll interval must be positive")
	}
	if c.Reconcile.UpsertBatchSize <= 0 {
		problems = append(problems, "reconcile upsert batch size must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// ServerAddr returns the ops HTTP listen address
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
