package cache

import "time"

// DataType selects the TTL policy of a cache entry
type DataType string

const (
	DataTypeToolDiscovery       DataType = "tool_discovery"
	DataTypeConversationContext DataType = "conversation_context"
	DataTypeQueryResult         DataType = "query_result"
	DataTypeEmbedding           DataType = "embedding"
	DataTypeKnowledge           DataType = "knowledge"
	DataTypeEvent               DataType = "event"
)

// DataTypes lists every known data type
var DataTypes = []DataType{
	DataTypeToolDiscovery,
	DataTypeConversationContext,
	DataTypeQueryResult,
	DataTypeEmbedding,
	DataTypeKnowledge,
	DataTypeEvent,
}

// Valid reports whether dt is a known data type
func (dt DataType) Valid() bool {
	for _, known := range DataTypes {
		if dt == known {
			return true
		}
	}
	return false
}

// Importance selects the conversation-context TTL tier
type Importance string

const (
	ImportanceHigh    Importance = "high"
	ImportanceMedium  Importance = "medium"
	ImportanceLow     Importance = "low"
	ImportanceDefault Importance = ""
)

// Policy maps data types to their default expiry
type Policy struct {
	Defaults map[DataType]time.Duration
	// SourceTTL overrides tool discovery per upstream source
	SourceTTL map[string]time.Duration
	// ImportanceTTL tiers conversation context
	ImportanceTTL map[Importance]time.Duration
	// Fallback applies to data types missing from Defaults
	Fallback time.Duration
}

// DefaultPolicy returns the built-in TTL table
func DefaultPolicy() Policy {
	return Policy{
		Defaults: map[DataType]time.Duration{
			DataTypeToolDiscovery:       6 * time.Hour,
			DataTypeConversationContext: 12 * time.Hour,
			DataTypeQueryResult:         time.Hour,
			DataTypeEmbedding:           24 * time.Hour,
			DataTypeKnowledge:           7 * 24 * time.Hour,
			DataTypeEvent:               24 * time.Hour,
		},
		SourceTTL: map[string]time.Duration{
			"erp":     12 * time.Hour,
			"mcp":     time.Hour,
			"webhook": 30 * time.Minute,
		},
		ImportanceTTL: map[Importance]time.Duration{
			ImportanceHigh:    72 * time.Hour,
			ImportanceMedium:  24 * time.Hour,
			ImportanceLow:     6 * time.Hour,
			ImportanceDefault: 12 * time.Hour,
		},
		Fallback: time.Hour,
	}
}

// TTL resolves the expiry for one write. An explicit TTL wins, then the
// per-source or per-importance override, then the data type default.
func (p Policy) TTL(dt DataType, opts setOptions) time.Duration {
	if opts.ttl > 0 {
		return opts.ttl
	}

	switch dt {
	case DataTypeToolDiscovery:
		if ttl, ok := p.SourceTTL[opts.source]; ok && opts.source != "" {
			return ttl
		}
	case DataTypeConversationContext:
		if ttl, ok := p.ImportanceTTL[opts.importance]; ok {
			return ttl
		}
	}

	if ttl, ok := p.Defaults[dt]; ok {
		return ttl
	}
	return p.Fallback
}

type setOptions struct {
	ttl        time.Duration
	source     string
	importance Importance
}

// SetOption customises a single Set call
type SetOption func(*setOptions)

// WithTTL overrides the policy expiry
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithSource names the upstream source of a tool discovery entry
func WithSource(source string) SetOption {
	return func(o *setOptions) { o.source = source }
}

// WithImportance selects the conversation context tier
func WithImportance(importance Importance) SetOption {
	return func(o *setOptions) { o.importance = importance }
}
