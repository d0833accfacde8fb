// Package app builds the process-wide object graph once at startup and owns
// its lifecycle. Components receive their collaborators explicitly.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GiovanoMP/chatwootai-sub005/internal/cache"
	"github.com/GiovanoMP/chatwootai-sub005/internal/embeddings"
	"github.com/GiovanoMP/chatwootai-sub005/internal/queue"
	"github.com/GiovanoMP/chatwootai-sub005/internal/reconcile"
	"github.com/GiovanoMP/chatwootai-sub005/internal/source"
	"github.com/GiovanoMP/chatwootai-sub005/internal/store"
	"github.com/GiovanoMP/chatwootai-sub005/internal/vectorstore"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/config"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/health"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/metrics"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/resilience"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/tracing"
)

// ServiceName identifies the process in logs and traces
const ServiceName = "knowledge-sync"

// Version is set at build time
var Version = "dev"

// App holds every long-lived component
type App struct {
	Config      *config.Config
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Tracing     *tracing.TracingService
	Redis       *store.RedisClient
	Breaker     *resilience.CircuitBreaker
	Cache       *cache.Service
	Embedder    embeddings.Client
	VectorStore vectorstore.Store
	Source      source.Source
	Engine      *reconcile.Engine
	Queue       *queue.Queue
	Registry    *queue.Registry
	Workers     *queue.WorkerPool
	Health      *health.Service

	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

type options struct {
	logger      *logging.Logger
	registry    *prometheus.Registry
	redis       *store.RedisClient
	embedder    embeddings.Client
	vectorStore vectorstore.Store
	source      source.Source
}

// Option overrides a collaborator the app would otherwise build from config
type Option func(*options)

// WithLogger uses logger instead of building one
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricsRegistry registers collectors on registry
func WithMetricsRegistry(registry *prometheus.Registry) Option {
	return func(o *options) { o.registry = registry }
}

// WithRedis uses an existing Redis client. The app does not close it.
func WithRedis(client *store.RedisClient) Option {
	return func(o *options) { o.redis = client }
}

// WithEmbedder uses client instead of the OpenAI-compatible provider
func WithEmbedder(client embeddings.Client) Option {
	return func(o *options) { o.embedder = client }
}

// WithVectorStore uses s instead of connecting to Qdrant. The app does not close it.
func WithVectorStore(s vectorstore.Store) Option {
	return func(o *options) { o.vectorStore = s }
}

// WithSource uses src as the record source
func WithSource(src source.Source) Option {
	return func(o *options) { o.source = src }
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidationError("invalid configuration").WithCause(err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	if err := a.build(ctx, o); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config

	// Logging
	a.Logger = o.logger
	if a.Logger == nil {
		logger, err := logging.NewLogger(&logging.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Output:      cfg.Logging.Output,
			ServiceName: ServiceName,
			Version:     Version,
		})
		if err != nil {
			return errors.NewValidationError("invalid logging configuration").WithCause(err)
		}
		a.Logger = logger
	}

	// Observability
	a.Metrics = metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	}, o.registry)

	tracingSvc, err := tracing.NewTracingService(ctx, &tracing.Config{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		Environment:    "production",
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRate:   cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return errors.NewExternalError("otel", "failed to initialise tracing").WithCause(err)
	}
	a.Tracing = tracingSvc
	a.onClose("tracing", tracingSvc.Shutdown)

	// Redis backs both the cache and the queue
	a.Redis = o.redis
	if a.Redis == nil {
		client, err := store.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		a.Redis = client
		a.onClose("redis", func(context.Context) error { return client.Close() })
	}

	a.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "redis-cache",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			a.Metrics.SetBreakerState(name, int(to))
		},
		Logger: a.Logger,
	})
	a.Metrics.SetBreakerState("redis-cache", int(resilience.StateClosed))

	a.Cache = cache.NewService(a.Redis, a.Breaker, &cache.Config{
		Prefix:           cfg.Cache.Prefix,
		LocalMaxItems:    cfg.Cache.LocalMaxItems,
		OperationTimeout: cfg.Cache.OperationTTL,
		Policy:           cachePolicy(cfg.Cache),
	}, a.Logger, a.Metrics)

	// Embeddings
	embedder := o.embedder
	if embedder == nil {
		httpClient := tracingSvc.InstrumentHTTPClient(&http.Client{Timeout: 60 * time.Second})
		provider, err := embeddings.NewOpenAIEmbedder(&cfg.Embedding, httpClient)
		if err != nil {
			return errors.NewValidationError("invalid embedding configuration").WithCause(err)
		}
		client, err := embeddings.NewLangchainClient(provider, embeddings.ConfigFrom(&cfg.Embedding), a.Logger, a.Metrics)
		if err != nil {
			return err
		}
		embedder = client
	}
	a.Embedder = embeddings.NewCachingClient(embedder, a.Cache, cfg.Embedding.CacheTenant, a.Logger)

	// Vector store
	a.VectorStore = o.vectorStore
	if a.VectorStore == nil {
		qdrantStore, err := vectorstore.NewQdrantStore(ctx, &cfg.Qdrant, a.Logger)
		if err != nil {
			return err
		}
		a.VectorStore = qdrantStore
		a.onClose("qdrant", func(context.Context) error { return qdrantStore.Close() })
	}

	// Record source is optional; without it tasks must carry their records
	a.Source = o.source
	if a.Source == nil && cfg.Source.DatabaseURL != "" {
		sqlSource, err := source.NewSQLSource(ctx, &cfg.Source)
		if err != nil {
			return err
		}
		a.Source = sqlSource
		a.onClose("source", func(context.Context) error { return sqlSource.Close() })
	}

	a.Engine, err = reconcile.NewEngine(a.VectorStore, a.Embedder, a.Cache, nil, reconcile.Config{
		Collection:      cfg.Qdrant.Collection,
		Dimension:       cfg.Qdrant.VectorSize,
		MaxTokens:       cfg.Embedding.MaxTokens,
		UpsertBatchSize: cfg.Reconcile.UpsertBatchSize,
		ScrollPageSize:  cfg.Reconcile.ScrollPageSize,
		SearchLimit:     cfg.Reconcile.SearchLimit,
		ScoreThreshold:  cfg.Reconcile.ScoreThreshold,
	}, a.Logger, a.Metrics)
	if err != nil {
		return err
	}

	// Queue and workers
	a.Queue = queue.NewQueue(a.Redis, queue.Config{
		Name:              cfg.Queue.Name,
		MaxRetries:        cfg.Queue.MaxRetries,
		RetryBaseDelay:    cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:     cfg.Queue.RetryMaxDelay,
		TaskTTL:           cfg.Queue.TaskTTL,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
	}, a.Logger, a.Metrics)

	a.Registry = queue.NewRegistry()
	if err := a.Registry.Register(queue.TaskTypeReconcile, reconcile.NewReconcileHandler(a.Engine, a.Source)); err != nil {
		return err
	}
	if err := a.Registry.Register(queue.TaskTypeInvalidateCache, reconcile.NewInvalidateHandler(a.Cache)); err != nil {
		return err
	}

	a.Workers = queue.NewWorkerPool(a.Queue, a.Registry, queue.WorkerConfig{
		Count:           cfg.Worker.Count,
		PollInterval:    cfg.Worker.PollInterval,
		HandlerTimeout:  cfg.Worker.HandlerTimeout,
		RecoverEvery:    cfg.Worker.RecoverEvery,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, a.Logger, a.Metrics)

	a.Health = health.NewService(a.Logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"service": ServiceName, "version": Version},
	})
	a.registerCheckers()

	return nil
}

func (a *App) registerCheckers() {
	a.Health.RegisterChecker("redis", health.NewPingChecker("redis", a.Redis, true))
	a.Health.RegisterChecker("vector_store", health.NewPingChecker("vector_store", a.VectorStore, true))
	a.Health.RegisterChecker("cache_breaker", health.NewBreakerChecker("cache_breaker", a.Breaker))
	if pinger, ok := a.Source.(health.Pinger); ok {
		a.Health.RegisterChecker("record_source", health.NewPingChecker("record_source", pinger, false))
	}
	a.Health.RegisterChecker("queue", health.NewCustomChecker("queue", a.queueCheck))
}

func (a *App) queueCheck(ctx context.Context) (health.Status, string, error) {
	stats, err := a.Queue.Stats(ctx)
	if err != nil {
		return health.StatusUnhealthy, "queue statistics unavailable", err
	}

	var ready int64
	for _, n := range stats.Ready {
		ready += n
	}
	message := fmt.Sprintf("%d ready, %d delayed, %d processing, %d dead", ready, stats.Delayed, stats.Processing, stats.DeadLetter)
	if !a.Workers.IsRunning() {
		return health.StatusDegraded, "workers not running; " + message, nil
	}
	return health.StatusHealthy, message, nil
}

func cachePolicy(cfg config.CacheConfig) cache.Policy {
	policy := cache.DefaultPolicy()
	overrides := map[cache.DataType]time.Duration{
		cache.DataTypeQueryResult: cfg.QueryResultTTL,
		cache.DataTypeEmbedding:   cfg.EmbeddingTTL,
		cache.DataTypeKnowledge:   cfg.KnowledgeTTL,
		cache.DataTypeEvent:       cfg.EventTTL,
	}
	for dt, ttl := range overrides {
		if ttl > 0 {
			policy.Defaults[dt] = ttl
		}
	}
	return policy
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Start starts the worker pool
func (a *App) Start(ctx context.Context) error {
	return a.Workers.Start(ctx, a.Config.Worker.PollInterval)
}

// Close stops the workers and releases connections in reverse order of creation
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Workers != nil && a.Workers.IsRunning() {
		if err := a.Workers.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("workers: %w", err))
		}
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil

	return stderrors.Join(errs...)
}
