package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiovanoMP/chatwootai-sub005/internal/store"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/resilience"
)

type failingRemote struct {
	calls atomic.Int64
}

func (f *failingRemote) fail() error {
	f.calls.Add(1)
	return errors.NewRemoteUnavailableError("redis", "connection refused")
}

func (f *failingRemote) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.fail()
}
func (f *failingRemote) Get(ctx context.Context, key string) ([]byte, error) { return nil, f.fail() }
func (f *failingRemote) Del(ctx context.Context, keys ...string) (int64, error) {
	return 0, f.fail()
}
func (f *failingRemote) Exists(ctx context.Context, keys ...string) (int64, error) {
	return 0, f.fail()
}
func (f *failingRemote) Keys(ctx context.Context, pattern string) ([]string, error) {
	return nil, f.fail()
}
func (f *failingRemote) TTL(ctx context.Context, key string) (time.Duration, error) {
	return 0, f.fail()
}
func (f *failingRemote) Health(ctx context.Context) error { return f.fail() }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type payload struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func newBreaker(threshold int) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "redis",
		FailureThreshold: threshold,
		ResetTimeout:     time.Hour,
		Logger:           logging.NewNopLogger(),
	})
}

func newTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Prefix = "test"
	return cfg
}

func setupRedisCache(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := store.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
	t.Cleanup(func() { client.Close() })

	svc := NewService(client, newBreaker(3), newTestConfig(), logging.NewNopLogger(), nil)
	return svc, mr
}

func TestSetGet_RoundTripThroughRedis(t *testing.T) {
	svc, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeKnowledge, "rule-1", payload{Name: "refunds", Score: 3}))

	assert.True(t, mr.Exists("test:t1:knowledge:rule-1"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("test:t1:knowledge:rule-1"))

	var got payload
	found, err := svc.Get(ctx, "t1", DataTypeKnowledge, "rule-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload{Name: "refunds", Score: 3}, got)

	// Tenants never see each other's entries
	found, err = svc.Get(ctx, "t2", DataTypeKnowledge, "rule-1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSet_TTLPolicy(t *testing.T) {
	svc, mr := setupRedisCache(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		dataType DataType
		opts     []SetOption
		want     time.Duration
	}{
		{"tool discovery default", DataTypeToolDiscovery, nil, 6 * time.Hour},
		{"tool discovery erp", DataTypeToolDiscovery, []SetOption{WithSource("erp")}, 12 * time.Hour},
		{"tool discovery webhook", DataTypeToolDiscovery, []SetOption{WithSource("webhook")}, 30 * time.Minute},
		{"tool discovery unknown source", DataTypeToolDiscovery, []SetOption{WithSource("ftp")}, 6 * time.Hour},
		{"context high", DataTypeConversationContext, []SetOption{WithImportance(ImportanceHigh)}, 72 * time.Hour},
		{"context low", DataTypeConversationContext, []SetOption{WithImportance(ImportanceLow)}, 6 * time.Hour},
		{"context default", DataTypeConversationContext, nil, 12 * time.Hour},
		{"query result", DataTypeQueryResult, nil, time.Hour},
		{"embedding", DataTypeEmbedding, nil, 24 * time.Hour},
		{"event", DataTypeEvent, nil, 24 * time.Hour},
		{"explicit ttl wins", DataTypeKnowledge, []SetOption{WithTTL(time.Minute), WithSource("erp")}, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, svc.Set(ctx, "t1", tt.dataType, tt.name, "v", tt.opts...))
			assert.Equal(t, tt.want, mr.TTL("test:t1:"+string(tt.dataType)+":"+tt.name))
		})
	}
}

func TestGet_FallsBackToLocalWhenRemoteAlwaysFails(t *testing.T) {
	remote := &failingRemote{}
	svc := NewService(remote, newBreaker(100), newTestConfig(), logging.NewNopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeQueryResult, "q", payload{Name: "cached"}))

	var got payload
	found, err := svc.Get(ctx, "t1", DataTypeQueryResult, "q", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cached", got.Name)

	exists, err := svc.Exists(ctx, "t1", DataTypeQueryResult, "q")
	require.NoError(t, err)
	assert.True(t, exists)

	svc.ClearLocal()
	found, err = svc.Get(ctx, "t1", DataTypeQueryResult, "q", &got)
	require.NoError(t, err)
	assert.False(t, found)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.GreaterOrEqual(t, stats.RemoteErrors, int64(3))
}

func TestBreakerStopsCallingFailingRemote(t *testing.T) {
	remote := &failingRemote{}
	breaker := newBreaker(2)
	svc := NewService(remote, breaker, newTestConfig(), logging.NewNopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeEvent, "e1", 1))
	require.NoError(t, svc.Set(ctx, "t1", DataTypeEvent, "e2", 2))
	require.Equal(t, resilience.StateOpen, breaker.State())
	callsWhenOpened := remote.calls.Load()

	var v int
	found, err := svc.Get(ctx, "t1", DataTypeEvent, "e2", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, v)
	assert.Equal(t, callsWhenOpened, remote.calls.Load(), "open breaker must not reach the remote")

	assert.Error(t, svc.Health(ctx))
}

func TestGet_FallsBackWhenRedisGoesAway(t *testing.T) {
	svc, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeKnowledge, "k", "value"))
	mr.Close()

	var got string
	found, err := svc.Get(ctx, "t1", DataTypeKnowledge, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", got)

	require.NoError(t, svc.Set(ctx, "t1", DataTypeKnowledge, "k2", "local only"))
	require.NoError(t, svc.Delete(ctx, "t1", DataTypeKnowledge, "k"))
	found, err = svc.Get(ctx, "t1", DataTypeKnowledge, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGet_RemoteHitKeepsEntryExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	newSvc := func() *Service {
		client := store.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}))
		t.Cleanup(func() { client.Close() })
		cfg := newTestConfig()
		cfg.Clock = clock.Now
		return NewService(client, newBreaker(3), cfg, logging.NewNopLogger(), nil)
	}
	writer, reader := newSvc(), newSvc()
	ctx := context.Background()

	require.NoError(t, writer.Set(ctx, "t1", DataTypeToolDiscovery, "crm", "v", WithSource("webhook")))

	var got string
	for _, svc := range []*Service{writer, reader} {
		found, err := svc.Get(ctx, "t1", DataTypeToolDiscovery, "crm", &got)
		require.NoError(t, err)
		require.True(t, found)
	}
	assert.Equal(t, 1, reader.Stats().LocalItems)

	clock.Advance(2 * time.Hour)
	mr.FastForward(2 * time.Hour)
	mr.Close()

	for name, svc := range map[string]*Service{"writer": writer, "reader": reader} {
		found, err := svc.Get(ctx, "t1", DataTypeToolDiscovery, "crm", &got)
		require.NoError(t, err)
		assert.False(t, found, name)
	}
}

func TestGet_RemoteMissIsAuthoritative(t *testing.T) {
	svc, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeKnowledge, "k", "value"))
	mr.Del("test:t1:knowledge:k")

	var got string
	found, err := svc.Get(ctx, "t1", DataTypeKnowledge, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, svc.Stats().LocalItems)
}

func TestGet_UndecodableRemoteValueFallsBack(t *testing.T) {
	svc, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeKnowledge, "k", payload{Name: "good"}))
	require.NoError(t, mr.Set("test:t1:knowledge:k", "{not json"))

	var got payload
	found, err := svc.Get(ctx, "t1", DataTypeKnowledge, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "good", got.Name)
}

func TestInvalidateFor(t *testing.T) {
	svc, mr := setupRedisCache(t)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeQueryResult, "q1", 1))
	require.NoError(t, svc.Set(ctx, "t1", DataTypeQueryResult, "q2", 2))
	require.NoError(t, svc.Set(ctx, "t1", DataTypeKnowledge, "k1", 3))
	require.NoError(t, svc.Set(ctx, "t2", DataTypeQueryResult, "q1", 4))

	removed, err := svc.InvalidateFor(ctx, "t1", DataTypeQueryResult, "*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.False(t, mr.Exists("test:t1:query_result:q1"))
	assert.False(t, mr.Exists("test:t1:query_result:q2"))
	assert.True(t, mr.Exists("test:t1:knowledge:k1"))
	assert.True(t, mr.Exists("test:t2:query_result:q1"))

	// Local copies are gone too, even with the remote down
	mr.Close()
	var v int
	found, err := svc.Get(ctx, "t1", DataTypeQueryResult, "q1", &v)
	require.NoError(t, err)
	assert.False(t, found)
	found, err = svc.Get(ctx, "t1", DataTypeKnowledge, "k1", &v)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestInvalidateFor_PatternWhileRemoteDown(t *testing.T) {
	svc := NewService(&failingRemote{}, newBreaker(100), newTestConfig(), logging.NewNopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeConversationContext, "conv-1:summary", "a"))
	require.NoError(t, svc.Set(ctx, "t1", DataTypeConversationContext, "conv-1:tail", "b"))
	require.NoError(t, svc.Set(ctx, "t1", DataTypeConversationContext, "conv-2:summary", "c"))

	removed, err := svc.InvalidateFor(ctx, "t1", DataTypeConversationContext, "conv-1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, svc.Stats().LocalItems)
}

func TestValidation(t *testing.T) {
	svc := NewService(&failingRemote{}, newBreaker(100), newTestConfig(), logging.NewNopLogger(), nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		tenant   string
		dataType DataType
		id       string
	}{
		{"empty tenant", "", DataTypeKnowledge, "x"},
		{"tenant with separator", "a:b", DataTypeKnowledge, "x"},
		{"tenant with glob", "a*", DataTypeKnowledge, "x"},
		{"unknown data type", "t1", DataType("bogus"), "x"},
		{"empty identifier", "t1", DataTypeKnowledge, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.Set(ctx, tt.tenant, tt.dataType, tt.id, "v")
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

			_, err = svc.Get(ctx, tt.tenant, tt.dataType, tt.id, new(string))
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}

	err := svc.Set(ctx, "t1", DataTypeKnowledge, "x", make(chan int))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestLocalFallback_LazyExpiry(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := newTestConfig()
	cfg.Clock = clock.Now
	svc := NewService(&failingRemote{}, newBreaker(100), cfg, logging.NewNopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeEvent, "e", "v", WithTTL(time.Minute)))

	clock.Advance(59 * time.Second)
	var got string
	found, _ := svc.Get(ctx, "t1", DataTypeEvent, "e", &got)
	assert.True(t, found)

	clock.Advance(time.Second)
	found, _ = svc.Get(ctx, "t1", DataTypeEvent, "e", &got)
	assert.False(t, found)
	assert.Equal(t, 0, svc.Stats().LocalItems)
}

func TestLocalFallback_Bounded(t *testing.T) {
	cfg := newTestConfig()
	cfg.LocalMaxItems = 2
	svc := NewService(&failingRemote{}, newBreaker(100), cfg, logging.NewNopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeEvent, "short", 1, WithTTL(time.Minute)))
	require.NoError(t, svc.Set(ctx, "t1", DataTypeEvent, "long", 2, WithTTL(time.Hour)))
	require.NoError(t, svc.Set(ctx, "t1", DataTypeEvent, "newest", 3, WithTTL(time.Hour)))

	assert.Equal(t, 2, svc.Stats().LocalItems)

	var v int
	found, _ := svc.Get(ctx, "t1", DataTypeEvent, "short", &v)
	assert.False(t, found, "entry closest to expiry is evicted first")
	found, _ = svc.Get(ctx, "t1", DataTypeEvent, "newest", &v)
	assert.True(t, found)
}

func TestNoRemoteConfigured(t *testing.T) {
	svc := NewService(nil, nil, nil, logging.NewNopLogger(), nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "t1", DataTypeKnowledge, "k", "v"))
	var got string
	found, err := svc.Get(ctx, "t1", DataTypeKnowledge, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), svc.Stats().RemoteErrors)
}

func TestGlobToRegexp(t *testing.T) {
	re, err := globToRegexp("p:t1:query_result:a?c*")
	require.NoError(t, err)

	assert.True(t, re.MatchString("p:t1:query_result:abc"))
	assert.True(t, re.MatchString("p:t1:query_result:axc/with/slashes"))
	assert.False(t, re.MatchString("p:t1:query_result:ac"))
	assert.False(t, re.MatchString("p:t10:query_result:abc"))
	assert.Equal(t, `a\[1\]*`, remoteGlob("a[1]*"))
}
