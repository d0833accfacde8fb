// Package source loads the records a tenant currently wants indexed.
package source

import (
	"context"
	"sync"

	"github.com/GiovanoMP/chatwootai-sub005/internal/knowledge"
)

// Source supplies the currently eligible records of a tenant. Inactive and
// hidden records are filtered out before they get here.
type Source interface {
	Records(ctx context.Context, tenantID string) ([]knowledge.Record, error)
}

// StaticSource serves records held in memory
type StaticSource struct {
	mu      sync.RWMutex
	records map[string][]knowledge.Record
}

// NewStaticSource creates an empty static source
func NewStaticSource() *StaticSource {
	return &StaticSource{records: make(map[string][]knowledge.Record)}
}

// Set replaces the records of a tenant
func (s *StaticSource) Set(tenantID string, records []knowledge.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[tenantID] = append([]knowledge.Record(nil), records...)
}

// Records returns a copy of the tenant's records; an unknown tenant has none
func (s *StaticSource) Records(ctx context.Context, tenantID string) ([]knowledge.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]knowledge.Record(nil), s.records[tenantID]...), nil
}
