package reconcile

import (
	"context"
	"fmt"

	"github.com/GiovanoMP/chatwootai-sub005/internal/cache"
	"github.com/GiovanoMP/chatwootai-sub005/internal/knowledge"
	"github.com/GiovanoMP/chatwootai-sub005/internal/queue"
	"github.com/GiovanoMP/chatwootai-sub005/internal/source"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

// ReconcilePayload is the payload of a reconcile task. Records travel inline
// unless FromSource asks the handler to load them.
type ReconcilePayload struct {
	TenantID   string             `json:"tenant_id"`
	Records    []knowledge.Record `json:"records,omitempty"`
	FromSource bool               `json:"from_source,omitempty"`
}

// InvalidatePayload is the payload of an invalidate_cache task.
// No data types means query results and knowledge listings.
type InvalidatePayload struct {
	TenantID  string   `json:"tenant_id"`
	DataTypes []string `json:"data_types,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// ReconcileHandler runs reconcile tasks against an engine
type ReconcileHandler struct {
	engine *Engine
	source source.Source
}

// NewReconcileHandler creates a reconcile task handler. src may be nil when
// every task carries its records inline.
func NewReconcileHandler(engine *Engine, src source.Source) *ReconcileHandler {
	return &ReconcileHandler{engine: engine, source: src}
}

// Handle implements queue.Handler
func (h *ReconcileHandler) Handle(ctx context.Context, task *queue.Task) (interface{}, error) {
	var payload ReconcilePayload
	if err := task.Decode(&payload); err != nil {
		return nil, err
	}

	records := payload.Records
	if payload.FromSource {
		if h.source == nil {
			return nil, errors.NewValidationError("no record source configured").
				WithDetail("tenant_id", payload.TenantID)
		}
		if err := cache.ValidateTenant(payload.TenantID); err != nil {
			return nil, err
		}
		var err error
		records, err = h.source.Records(ctx, payload.TenantID)
		if err != nil {
			return nil, err
		}
	}

	result, err := h.engine.Reconcile(ctx, payload.TenantID, records)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InvalidateHandler runs invalidate_cache tasks
type InvalidateHandler struct {
	cache *cache.Service
}

// NewInvalidateHandler creates an invalidate_cache task handler
func NewInvalidateHandler(c *cache.Service) *InvalidateHandler {
	return &InvalidateHandler{cache: c}
}

// Handle implements queue.Handler. The result maps data type to removed entries.
func (h *InvalidateHandler) Handle(ctx context.Context, task *queue.Task) (interface{}, error) {
	var payload InvalidatePayload
	if err := task.Decode(&payload); err != nil {
		return nil, err
	}

	dataTypes := []cache.DataType{cache.DataTypeQueryResult, cache.DataTypeKnowledge}
	if len(payload.DataTypes) > 0 {
		dataTypes = dataTypes[:0]
		for _, name := range payload.DataTypes {
			dt := cache.DataType(name)
			if !dt.Valid() {
				return nil, errors.NewValidationError(fmt.Sprintf("unknown cache data type %q", name))
			}
			dataTypes = append(dataTypes, dt)
		}
	}

	removed := make(map[string]int, len(dataTypes))
	for _, dt := range dataTypes {
		n, err := h.cache.InvalidateFor(ctx, payload.TenantID, dt, payload.Pattern)
		if err != nil {
			return nil, err
		}
		removed[string(dt)] = n
	}
	return removed, nil
}

// Ensure handlers implement queue.Handler
var (
	_ queue.Handler = (*ReconcileHandler)(nil)
	_ queue.Handler = (*InvalidateHandler)(nil)
)
