// Package knowledge holds the tenant records that get indexed for semantic search.
package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

// Kind tags the shape of a record
type Kind string

const (
	KindPermanentRule Kind = "permanent_rule"
	KindTemporaryRule Kind = "temporary_rule"
	KindDocument      Kind = "document"
	KindCustom        Kind = "custom"
)

// Kinds lists every known kind
var Kinds = []Kind{KindPermanentRule, KindTemporaryRule, KindDocument, KindCustom}

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsTemporary reports whether records of this kind carry a validity window
func (k Kind) IsTemporary() bool {
	return k == KindTemporaryRule
}

// Record is one unit of tenant content as produced by the business layer
type Record struct {
	OriginalID  string                 `json:"original_id" db:"original_id"`
	Kind        Kind                   `json:"kind" db:"kind"`
	Name        string                 `json:"name" db:"name"`
	Description string                 `json:"description" db:"description"`
	Type        string                 `json:"type" db:"type"`
	Body        string                 `json:"body,omitempty" db:"body"`
	Data        map[string]interface{} `json:"data,omitempty" db:"-"`
	ValidFrom   *time.Time             `json:"valid_from,omitempty" db:"valid_from"`
	ValidTo     *time.Time             `json:"valid_to,omitempty" db:"valid_to"`
}

// Validate checks the record is indexable
func (r Record) Validate() error {
	if strings.TrimSpace(r.OriginalID) == "" {
		return errors.NewValidationError("record original_id is required")
	}
	if !r.Kind.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown record kind %q", r.Kind)).
			WithDetail("original_id", r.OriginalID)
	}
	if strings.TrimSpace(r.Name+r.Description+r.Type+r.Body) == "" {
		return errors.NewValidationError("record has no text to embed").
			WithDetail("original_id", r.OriginalID)
	}
	if r.ValidFrom != nil && r.ValidTo != nil && r.ValidFrom.After(*r.ValidTo) {
		return errors.NewValidationError("record validity window ends before it starts").
			WithDetail("original_id", r.OriginalID)
	}
	return nil
}

// namespace for stable IDs; changing it re-keys every index
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chatwootai:knowledge"))

// StableID derives the vector ID of a record. The same (tenant, original ID)
// always yields the same UUID, so re-indexing overwrites instead of duplicating.
func StableID(tenantID, originalID string) string {
	return uuid.NewSHA1(namespace, []byte(tenantID+"\x00"+originalID)).String()
}

// Payload builds the vector payload stored next to the embedding
func (r Record) Payload(tenantID string, now time.Time) map[string]interface{} {
	payload := map[string]interface{}{
		"original_id":  r.OriginalID,
		"tenant_id":    tenantID,
		"kind":         string(r.Kind),
		"is_temporary": r.Kind.IsTemporary(),
		"last_updated": now.UTC().Format(time.RFC3339),
		"name":         r.Name,
		"description":  r.Description,
		"type":         r.Type,
	}
	if r.ValidFrom != nil {
		payload["valid_from"] = r.ValidFrom.UTC().Format(time.RFC3339)
	}
	if r.ValidTo != nil {
		payload["valid_to"] = r.ValidTo.UTC().Format(time.RFC3339)
	}
	if r.Body != "" {
		payload["body"] = r.Body
	}
	if len(r.Data) > 0 {
		payload["data"] = r.Data
	}
	return payload
}

// Dedupe collapses records sharing an original ID. The last occurrence wins
// and keeps the position of the first.
func Dedupe(records []Record) []Record {
	index := make(map[string]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if i, ok := index[r.OriginalID]; ok {
			out[i] = r
			continue
		}
		index[r.OriginalID] = len(out)
		out = append(out, r)
	}
	return out
}
