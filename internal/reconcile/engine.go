// Package reconcile keeps a tenant's vector index in line with its current
// record set and answers cached semantic searches over it.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/GiovanoMP/chatwootai-sub005/internal/cache"
	"github.com/GiovanoMP/chatwootai-sub005/internal/embeddings"
	"github.com/GiovanoMP/chatwootai-sub005/internal/knowledge"
	"github.com/GiovanoMP/chatwootai-sub005/internal/vectorstore"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/metrics"
)

var tracer = otel.Tracer("github.com/GiovanoMP/chatwootai-sub005/internal/reconcile")

// indexCacheID is the knowledge-namespace entry holding the indexed record list
const indexCacheID = "index"

// Config contains engine configuration
type Config struct {
	Collection      string  `json:"collection"`
	Dimension       int     `json:"dimension"`
	MaxTokens       int     `json:"max_tokens"`
	UpsertBatchSize int     `json:"upsert_batch_size"`
	ScrollPageSize  int     `json:"scroll_page_size"`
	SearchLimit     int     `json:"search_limit"`
	ScoreThreshold  float32 `json:"score_threshold"`
	// Clock overrides time.Now for last_updated
	Clock func() time.Time `json:"-"`
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		Collection:      "knowledge",
		Dimension:       1536,
		MaxTokens:       8000,
		UpsertBatchSize: 64,
		ScrollPageSize:  vectorstore.DefaultScrollPage,
		SearchLimit:     5,
		ScoreThreshold:  0.7,
	}
}

// Result reports what one reconciliation pass changed. On failure it holds
// the mutations applied before the error.
type Result struct {
	TenantID string        `json:"tenant_id"`
	Upserted int           `json:"upserted"`
	Removed  int           `json:"removed"`
	Duration time.Duration `json:"duration"`
}

// Hit is one search result
type Hit struct {
	ID         string                 `json:"id"`
	OriginalID string                 `json:"original_id"`
	Score      float32                `json:"score"`
	Payload    map[string]interface{} `json:"payload"`
}

// IndexedRecord is a record as the index currently holds it
type IndexedRecord struct {
	ID         string                 `json:"id"`
	OriginalID string                 `json:"original_id"`
	Payload    map[string]interface{} `json:"payload"`
}

// Engine is the reconciliation engine
type Engine struct {
	store     vectorstore.Store
	embedder  embeddings.Client
	cache     *cache.Service
	composers *knowledge.Registry
	tokenizer *embeddings.Tokenizer
	config    Config
	now       func() time.Time
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewEngine creates a reconciliation engine. A nil cache disables search
// caching and invalidation; nil composers use the default registry.
func NewEngine(store vectorstore.Store, embedder embeddings.Client, c *cache.Service, composers *knowledge.Registry, config Config, logger *logging.Logger, m *metrics.Metrics) (*Engine, error) {
	if store == nil {
		return nil, errors.NewValidationError("vector store is required")
	}
	if embedder == nil {
		return nil, errors.NewValidationError("embedding client is required")
	}

	defaults := DefaultConfig()
	if config.Collection == "" {
		config.Collection = defaults.Collection
	}
	if config.Dimension <= 0 {
		config.Dimension = embedder.Dimension()
	}
	if config.Dimension <= 0 {
		return nil, errors.NewValidationError("vector dimension must be positive")
	}
	if config.UpsertBatchSize <= 0 {
		config.UpsertBatchSize = defaults.UpsertBatchSize
	}
	if config.ScrollPageSize <= 0 {
		config.ScrollPageSize = defaults.ScrollPageSize
	}
	if config.SearchLimit <= 0 {
		config.SearchLimit = defaults.SearchLimit
	}
	if composers == nil {
		composers = knowledge.DefaultRegistry()
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Engine{
		store:     store,
		embedder:  embedder,
		cache:     c,
		composers: composers,
		tokenizer: embeddings.TokenizerFor(embedder.Model()),
		config:    config,
		now:       now,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Config returns the effective engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// planned is a validated record with its stable ID and embedding text
type planned struct {
	record knowledge.Record
	id     string
	text   string
}

// Reconcile makes the tenant's index hold exactly records. Points whose
// original ID is no longer present are deleted, and every current record is
// embedded and upserted under its stable ID. An empty set tears the tenant down.
//
// Every record is validated before anything is mutated. Upsert and delete
// failures abort the pass; what was applied stays applied and the returned
// Result counts it.
func (e *Engine) Reconcile(ctx context.Context, tenantID string, records []knowledge.Record) (*Result, error) {
	start := time.Now()
	result := &Result{TenantID: tenantID}

	ctx, span := tracer.Start(ctx, "reconcile.Reconcile")
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("records", len(records)),
	)
	defer span.End()
	ctx = logging.WithTenantID(ctx, tenantID)

	if err := cache.ValidateTenant(tenantID); err != nil {
		return result, err
	}
	plan, err := e.plan(tenantID, records)
	if err != nil {
		e.metrics.RecordReconcile("invalid", 0, 0, time.Since(start))
		return result, err
	}

	err = e.apply(ctx, tenantID, plan, result)
	result.Duration = time.Since(start)

	if err == nil || result.Upserted > 0 || result.Removed > 0 {
		e.invalidate(ctx, tenantID)
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("upserted", result.Upserted),
		attribute.Int("removed", result.Removed),
	)
	e.metrics.RecordReconcile(status, result.Upserted, result.Removed, result.Duration)
	e.logger.LogSyncEvent(ctx, tenantID, "reconciled", map[string]interface{}{
		"status":      status,
		"records":     len(plan),
		"upserted":    result.Upserted,
		"removed":     result.Removed,
		"duration_ms": result.Duration.Milliseconds(),
	})

	return result, err
}

// Teardown removes everything indexed for the tenant
func (e *Engine) Teardown(ctx context.Context, tenantID string) (*Result, error) {
	return e.Reconcile(ctx, tenantID, nil)
}

// plan validates and de-duplicates records and composes their embedding text
func (e *Engine) plan(tenantID string, records []knowledge.Record) ([]planned, error) {
	records = knowledge.Dedupe(records)
	out := make([]planned, 0, len(records))

	for _, r := range records {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		text, err := e.composers.EmbeddingText(r)
		if err != nil {
			return nil, err
		}
		text = e.tokenizer.Truncate(text, e.config.MaxTokens)
		if text == "" {
			return nil, errors.NewValidationError("record has no embeddable text").
				WithDetail("original_id", r.OriginalID)
		}
		out = append(out, planned{
			record: r,
			id:     knowledge.StableID(tenantID, r.OriginalID),
			text:   text,
		})
	}
	return out, nil
}

func (e *Engine) apply(ctx context.Context, tenantID string, plan []planned, result *Result) error {
	if err := e.store.EnsureCollection(ctx, e.config.Collection, e.config.Dimension); err != nil {
		return err
	}

	existing, err := e.store.Scroll(ctx, e.config.Collection, vectorstore.TenantFilter(tenantID), e.config.ScrollPageSize)
	if err != nil {
		return err
	}

	toRemove := staleIDs(existing, plan)
	for start := 0; start < len(toRemove); start += e.config.UpsertBatchSize {
		end := min(start+e.config.UpsertBatchSize, len(toRemove))
		if err := e.store.Delete(ctx, e.config.Collection, toRemove[start:end]); err != nil {
			return err
		}
		result.Removed += end - start
	}

	now := e.now()
	for start := 0; start < len(plan); start += e.config.UpsertBatchSize {
		end := min(start+e.config.UpsertBatchSize, len(plan))
		batch := plan[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.text
		}
		vectors, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if len(vectors) != len(batch) {
			return errors.NewEmbeddingError(fmt.Sprintf("expected %d vectors, got %d", len(batch), len(vectors)))
		}

		points := make([]vectorstore.Point, len(batch))
		for i, p := range batch {
			points[i] = vectorstore.Point{
				ID:      p.id,
				Vector:  vectors[i],
				Payload: p.record.Payload(tenantID, now),
			}
		}
		if err := e.store.Upsert(ctx, e.config.Collection, points); err != nil {
			return err
		}
		result.Upserted += len(points)
	}

	return nil
}

// staleIDs returns the IDs of indexed points that the plan no longer covers.
// Membership is decided by the original_id payload; a point whose ID is not
// the stable ID of its original_id is stale as well.
func staleIDs(existing []vectorstore.Point, plan []planned) []string {
	current := make(map[string]string, len(plan))
	for _, p := range plan {
		current[p.record.OriginalID] = p.id
	}

	var stale []string
	for _, point := range existing {
		originalID, _ := point.Payload["original_id"].(string)
		if id, ok := current[originalID]; ok && id == point.ID {
			continue
		}
		stale = append(stale, point.ID)
	}
	return stale
}

// invalidate drops cached searches and record listings of the tenant
func (e *Engine) invalidate(ctx context.Context, tenantID string) {
	if e.cache == nil {
		return
	}
	for _, dt := range []cache.DataType{cache.DataTypeQueryResult, cache.DataTypeKnowledge} {
		if _, err := e.cache.InvalidateFor(ctx, tenantID, dt, "*"); err != nil {
			e.logger.Warn("Failed to invalidate tenant cache",
				"tenant_id", tenantID,
				"data_type", string(dt),
				"error", err.Error())
		}
	}
}

// Search embeds query and returns the tenant's best matching records. Results
// are cached per (query, limit, threshold) until the next reconciliation.
// A non-positive limit and a negative threshold use the configured ones.
func (e *Engine) Search(ctx context.Context, tenantID, query string, limit int, threshold float32) ([]Hit, error) {
	if err := cache.ValidateTenant(tenantID); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, errors.NewValidationError("search query is required")
	}
	if limit <= 0 {
		limit = e.config.SearchLimit
	}
	if threshold < 0 {
		threshold = e.config.ScoreThreshold
	}

	ctx, span := tracer.Start(ctx, "reconcile.Search")
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("limit", limit),
	)
	defer span.End()

	cacheID := searchCacheID(query, limit, threshold)
	if e.cache != nil {
		var cached []Hit
		found, err := e.cache.Get(ctx, tenantID, cache.DataTypeQueryResult, cacheID, &cached)
		if err == nil && found {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			e.metrics.RecordSearch("hit")
			return cached, nil
		}
	}
	e.metrics.RecordSearch("miss")

	vector, err := e.embedder.Embed(ctx, query, e.config.MaxTokens)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	scored, err := e.store.Search(ctx, e.config.Collection, vector, vectorstore.TenantFilter(tenantID), limit, threshold)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		originalID, _ := sp.Payload["original_id"].(string)
		hits = append(hits, Hit{
			ID:         sp.ID,
			OriginalID: originalID,
			Score:      sp.Score,
			Payload:    sp.Payload,
		})
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, tenantID, cache.DataTypeQueryResult, cacheID, hits); err != nil {
			e.logger.Debug("Failed to cache search result", "tenant_id", tenantID, "error", err.Error())
		}
	}
	return hits, nil
}

// Indexed lists what the index holds for the tenant, sorted by point ID.
// The listing is cached in the knowledge namespace until the next reconciliation.
func (e *Engine) Indexed(ctx context.Context, tenantID string) ([]IndexedRecord, error) {
	if err := cache.ValidateTenant(tenantID); err != nil {
		return nil, err
	}

	if e.cache != nil {
		var cached []IndexedRecord
		if found, err := e.cache.Get(ctx, tenantID, cache.DataTypeKnowledge, indexCacheID, &cached); err == nil && found {
			return cached, nil
		}
	}

	if err := e.store.EnsureCollection(ctx, e.config.Collection, e.config.Dimension); err != nil {
		return nil, err
	}
	points, err := e.store.Scroll(ctx, e.config.Collection, vectorstore.TenantFilter(tenantID), e.config.ScrollPageSize)
	if err != nil {
		return nil, err
	}

	out := make([]IndexedRecord, 0, len(points))
	for _, p := range points {
		originalID, _ := p.Payload["original_id"].(string)
		out = append(out, IndexedRecord{ID: p.ID, OriginalID: originalID, Payload: p.Payload})
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, tenantID, cache.DataTypeKnowledge, indexCacheID, out); err != nil {
			e.logger.Debug("Failed to cache record listing", "tenant_id", tenantID, "error", err.Error())
		}
	}
	return out, nil
}

func searchCacheID(query string, limit int, threshold float32) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(limit)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(float64(threshold), 'f', -1, 32)))
	return hex.EncodeToString(h.Sum(nil))
}
