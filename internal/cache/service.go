package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/metrics"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/resilience"
)

// Remote is the key/value backend behind the cache (Redis in production)
type Remote interface {
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Health(ctx context.Context) error
}

// Config holds cache configuration
type Config struct {
	Prefix           string        `json:"prefix"`
	LocalMaxItems    int           `json:"local_max_items"`
	OperationTimeout time.Duration `json:"operation_timeout"`
	Policy           Policy        `json:"-"`
	// Clock overrides time.Now for the local fallback
	Clock func() time.Time `json:"-"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Prefix:           "chatwootai",
		LocalMaxItems:    10000,
		OperationTimeout: 2 * time.Second,
		Policy:           DefaultPolicy(),
	}
}

// Stats are process-local counters
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	LocalFallbacks int64 `json:"local_fallbacks"`
	RemoteErrors   int64 `json:"remote_errors"`
	LocalItems     int   `json:"local_items"`
}

// Service is the tenant-partitioned resilient cache. Remote calls go through
// the circuit breaker; remote failures are absorbed and answered from the
// local fallback. Only validation and serialization problems surface as errors.
type Service struct {
	remote    Remote
	breaker   *resilience.CircuitBreaker
	local     *localCache
	policy    Policy
	prefix    string
	opTimeout time.Duration
	logger    *logging.Logger
	metrics   *metrics.Metrics

	hits           atomic.Int64
	misses         atomic.Int64
	localFallbacks atomic.Int64
	remoteErrors   atomic.Int64
}

// NewService creates a new cache service
func NewService(remote Remote, breaker *resilience.CircuitBreaker, config *Config, logger *logging.Logger, m *metrics.Metrics) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Policy.Defaults == nil {
		config.Policy = DefaultPolicy()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:   "cache",
			Logger: logger,
		})
	}

	return &Service{
		remote:    remote,
		breaker:   breaker,
		local:     newLocalCache(config.LocalMaxItems, config.Clock),
		policy:    config.Policy,
		prefix:    config.Prefix,
		opTimeout: config.OperationTimeout,
		logger:    logger,
		metrics:   m,
	}
}

// Set stores value under (tenant, dataType, identifier). The local fallback
// is always written; a failed remote write only relaxes durability.
func (s *Service) Set(ctx context.Context, tenant string, dataType DataType, identifier string, value interface{}, opts ...SetOption) error {
	key, err := s.key(tenant, dataType, identifier)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.NewValidationError("failed to serialize cache value").WithCause(err)
	}

	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}
	ttl := s.policy.TTL(dataType, o)

	s.local.set(key.String(), data, ttl)

	err = s.callRemote(ctx, func(ctx context.Context) error {
		return s.remote.SetEX(ctx, key.String(), data, ttl)
	})
	if err != nil {
		s.degraded("set", key, err)
		s.metrics.RecordCacheOperation("set", string(dataType), "local_only")
		return nil
	}

	s.metrics.RecordCacheOperation("set", string(dataType), "ok")
	return nil
}

// Get loads the entry into dest and reports whether it was found.
// A remote miss is authoritative; remote failures fall back to the local copy.
func (s *Service) Get(ctx context.Context, tenant string, dataType DataType, identifier string, dest interface{}) (bool, error) {
	key, err := s.key(tenant, dataType, identifier)
	if err != nil {
		return false, err
	}

	var data []byte
	err = s.callRemote(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.remote.Get(ctx, key.String())
		return err
	})

	switch {
	case err == nil:
		if jsonErr := json.Unmarshal(data, dest); jsonErr == nil {
			s.refreshLocal(ctx, key, data)
			return s.hit("get", dataType), nil
		}
		s.logger.Warn("Discarding undecodable cache entry", "key", key.String())
		return s.fromLocal(key, dataType, dest), nil
	case errors.IsNotFound(err):
		s.local.delete(key.String())
		return s.miss("get", dataType), nil
	default:
		s.degraded("get", key, err)
		return s.fromLocal(key, dataType, dest), nil
	}
}

// Delete removes the entry from both tiers
func (s *Service) Delete(ctx context.Context, tenant string, dataType DataType, identifier string) error {
	key, err := s.key(tenant, dataType, identifier)
	if err != nil {
		return err
	}

	s.local.delete(key.String())

	err = s.callRemote(ctx, func(ctx context.Context) error {
		_, err := s.remote.Del(ctx, key.String())
		return err
	})
	if err != nil {
		s.degraded("delete", key, err)
	}

	s.metrics.RecordCacheOperation("delete", string(dataType), "ok")
	return nil
}

// Exists reports whether the entry is present, with the same fallback rules as Get
func (s *Service) Exists(ctx context.Context, tenant string, dataType DataType, identifier string) (bool, error) {
	key, err := s.key(tenant, dataType, identifier)
	if err != nil {
		return false, err
	}

	var count int64
	err = s.callRemote(ctx, func(ctx context.Context) error {
		var err error
		count, err = s.remote.Exists(ctx, key.String())
		return err
	})
	if err != nil {
		s.degraded("exists", key, err)
		s.localFallbacks.Add(1)
		s.metrics.RecordCacheFallback("exists")
		return s.local.exists(key.String()), nil
	}

	return count > 0, nil
}

// InvalidateFor removes every entry of (tenant, dataType) whose identifier
// matches pattern (* and ? wildcards) and returns how many distinct keys went away
func (s *Service) InvalidateFor(ctx context.Context, tenant string, dataType DataType, pattern string) (int, error) {
	if err := validateNamespace(tenant, dataType); err != nil {
		return 0, err
	}
	if pattern == "" {
		pattern = "*"
	}

	full := Key{Prefix: s.prefix, Tenant: tenant, DataType: dataType, Identifier: pattern}
	re, err := globToRegexp(full.String())
	if err != nil {
		return 0, errors.NewValidationError(fmt.Sprintf("invalid invalidation pattern %q", pattern)).WithCause(err)
	}

	removed := make(map[string]struct{})
	for _, k := range s.local.deleteMatching(re) {
		removed[k] = struct{}{}
	}

	remotePattern := Key{Prefix: s.prefix, Tenant: tenant, DataType: dataType, Identifier: remoteGlob(pattern)}
	err = s.callRemote(ctx, func(ctx context.Context) error {
		keys, err := s.remote.Keys(ctx, remotePattern.String())
		if err != nil {
			return err
		}
		if _, err := s.remote.Del(ctx, keys...); err != nil {
			return err
		}
		for _, k := range keys {
			removed[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		s.degraded("invalidate", full, err)
	}

	s.logger.Debug("Cache namespace invalidated",
		"tenant_id", tenant,
		"data_type", string(dataType),
		"pattern", pattern,
		"removed", len(removed),
	)
	s.metrics.RecordCacheOperation("invalidate", string(dataType), "ok")
	return len(removed), nil
}

// ClearLocal drops the whole in-process fallback
func (s *Service) ClearLocal() {
	s.local.clear()
}

// Health pings the remote through the breaker
func (s *Service) Health(ctx context.Context) error {
	return s.callRemote(ctx, func(ctx context.Context) error {
		return s.remote.Health(ctx)
	})
}

// Breaker exposes the remote circuit breaker
func (s *Service) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

// Stats returns a copy of the counters
func (s *Service) Stats() Stats {
	return Stats{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		LocalFallbacks: s.localFallbacks.Load(),
		RemoteErrors:   s.remoteErrors.Load(),
		LocalItems:     s.local.size(),
	}
}

func (s *Service) callRemote(ctx context.Context, fn func(context.Context) error) error {
	if s.remote == nil {
		return errors.NewRemoteUnavailableError("cache", "no remote cache configured")
	}

	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		if s.opTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
			defer cancel()
		}
		return fn(ctx)
	})
}

// refreshLocal mirrors a remote hit locally without extending its expiry.
// Entries unknown locally take the remaining remote TTL.
func (s *Service) refreshLocal(ctx context.Context, key Key, data []byte) {
	if s.local.refresh(key.String(), data) {
		return
	}

	var ttl time.Duration
	err := s.callRemote(ctx, func(ctx context.Context) error {
		var err error
		ttl, err = s.remote.TTL(ctx, key.String())
		return err
	})
	if err != nil || ttl <= 0 {
		return
	}
	s.local.set(key.String(), data, ttl)
}

func (s *Service) fromLocal(key Key, dataType DataType, dest interface{}) bool {
	s.localFallbacks.Add(1)
	s.metrics.RecordCacheFallback("get")

	data, ok := s.local.get(key.String())
	if !ok {
		return s.miss("get", dataType)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		s.local.delete(key.String())
		return s.miss("get", dataType)
	}
	return s.hit("get", dataType)
}

func (s *Service) hit(op string, dataType DataType) bool {
	s.hits.Add(1)
	s.metrics.RecordCacheOperation(op, string(dataType), "hit")
	return true
}

func (s *Service) miss(op string, dataType DataType) bool {
	s.misses.Add(1)
	s.metrics.RecordCacheOperation(op, string(dataType), "miss")
	return false
}

// degraded records an absorbed remote failure. Calls short-circuited by an
// open breaker are not counted as remote errors.
func (s *Service) degraded(op string, key Key, err error) {
	if s.remote == nil || resilience.IsCircuitBreakerError(err) {
		return
	}
	s.remoteErrors.Add(1)
	s.metrics.RecordCacheRemoteError(op)
	s.logger.Warn("Remote cache operation failed, using local fallback",
		"operation", op,
		"tenant_id", key.Tenant,
		"data_type", string(key.DataType),
		"error", err.Error(),
	)
}
