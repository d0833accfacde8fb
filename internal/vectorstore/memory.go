package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

type memoryCollection struct {
	dim    int
	points map[string]Point
}

// MemoryStore keeps collections in process memory and scores with cosine similarity
type MemoryStore struct {
	mutex       sync.RWMutex
	collections map[string]*memoryCollection
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

// EnsureCollection creates the collection; an existing one must have the same dimension
func (s *MemoryStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	if err := validateCollection(name); err != nil {
		return err
	}
	if dim <= 0 {
		return errors.NewValidationError("vector dimension must be positive")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if c, ok := s.collections[name]; ok {
		if c.dim != dim {
			return errors.NewVectorStoreError("ensure_collection",
				fmt.Sprintf("collection %s has dimension %d, expected %d", name, c.dim, dim))
		}
		return nil
	}
	s.collections[name] = &memoryCollection{dim: dim, points: make(map[string]Point)}
	return nil
}

// Upsert stores copies of points
func (s *MemoryStore) Upsert(ctx context.Context, collection string, points []Point) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c, err := s.collection("upsert", collection)
	if err != nil {
		return err
	}

	for _, p := range points {
		if _, err := uuid.Parse(p.ID); err != nil {
			return errors.NewValidationError("point id must be a UUID").WithDetail("id", p.ID)
		}
		if len(p.Vector) != c.dim {
			return errors.NewVectorStoreError("upsert",
				fmt.Sprintf("vector has dimension %d, collection expects %d", len(p.Vector), c.dim))
		}
	}

	for _, p := range points {
		c.points[p.ID] = Point{
			ID:      p.ID,
			Vector:  append([]float32(nil), p.Vector...),
			Payload: copyPayload(p.Payload),
		}
	}
	return nil
}

// Delete removes points by ID
func (s *MemoryStore) Delete(ctx context.Context, collection string, ids []string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c, err := s.collection("delete", collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

// Scroll returns matching points ordered by ID
func (s *MemoryStore) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	c, err := s.collection("scroll", collection)
	if err != nil {
		return nil, err
	}

	var out []Point
	for _, p := range c.points {
		if filter.matches(p.Payload) {
			out = append(out, Point{ID: p.ID, Payload: copyPayload(p.Payload)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Search scores every matching point against vector
func (s *MemoryStore) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, threshold float32) ([]ScoredPoint, error) {
	if limit <= 0 {
		return nil, errors.NewValidationError("search limit must be positive")
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	c, err := s.collection("search", collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != c.dim {
		return nil, errors.NewVectorStoreError("search",
			fmt.Sprintf("query has dimension %d, collection expects %d", len(vector), c.dim))
	}

	var hits []ScoredPoint
	for _, p := range c.points {
		if !filter.matches(p.Payload) {
			continue
		}
		score := cosine(vector, p.Vector)
		if score < threshold {
			continue
		}
		hits = append(hits, ScoredPoint{ID: p.ID, Score: score, Payload: copyPayload(p.Payload)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Health always succeeds
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// Len reports the number of points in collection
func (s *MemoryStore) Len(collection string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if c, ok := s.collections[collection]; ok {
		return len(c.points)
	}
	return 0
}

func (s *MemoryStore) collection(op, name string) (*memoryCollection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, errors.NewVectorStoreError(op, fmt.Sprintf("collection %s does not exist", name))
	}
	return c, nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func copyPayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
