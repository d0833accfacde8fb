// Package vectorstore provides the vector index used for tenant knowledge.
//
// QdrantStore talks to Qdrant over gRPC; MemoryStore is an in-process
// implementation for tests and local runs without a Qdrant server.
package vectorstore

import (
	"context"
	"regexp"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

// DefaultScrollPage is the page size used when Scroll is given no limit
const DefaultScrollPage = 256

// Point is one indexed vector. IDs must be UUID strings.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector,omitempty"`
	Payload map[string]interface{} `json:"payload"`
}

// ScoredPoint is a search hit
type ScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float32                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Filter restricts scroll and search to points whose payload keys equal the given keywords
type Filter struct {
	Must map[string]string `json:"must,omitempty"`
}

// TenantFilter matches every point of a tenant
func TenantFilter(tenantID string) Filter {
	return Filter{Must: map[string]string{"tenant_id": tenantID}}
}

// Store is the vector index. Every failure is a vector_store error, except
// malformed arguments which are validation errors.
type Store interface {
	// EnsureCollection creates the collection when it does not exist
	EnsureCollection(ctx context.Context, name string, dim int) error
	// Upsert inserts or overwrites points by ID
	Upsert(ctx context.Context, collection string, points []Point) error
	// Delete removes points by ID; unknown IDs are ignored
	Delete(ctx context.Context, collection string, ids []string) error
	// Scroll returns every point matching filter, reading limit points per
	// page. Vectors are not loaded.
	Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error)
	// Search returns at most limit points with score >= threshold, best first
	Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, threshold float32) ([]ScoredPoint, error)
	Health(ctx context.Context) error
	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,255}$`)

func validateCollection(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return errors.NewValidationError("invalid collection name").WithDetail("collection", name)
	}
	return nil
}

func (f Filter) matches(payload map[string]interface{}) bool {
	for key, want := range f.Must {
		got, ok := payload[key].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}
