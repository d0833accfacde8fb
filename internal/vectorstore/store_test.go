package vectorstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
)

func pointFor(tenant, original string, vec ...float32) Point {
	return Point{
		ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenant+"/"+original)).String(),
		Vector:  vec,
		Payload: map[string]interface{}{"tenant_id": tenant, "original_id": original},
	}
}

func newMemoryCollection(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.EnsureCollection(context.Background(), "rules", 2))
	return s
}

func TestMemoryStore_EnsureCollection(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "rules", 3))
	require.NoError(t, s.EnsureCollection(ctx, "rules", 3))

	err := s.EnsureCollection(ctx, "rules", 4)
	assert.True(t, errors.IsType(err, errors.ErrorTypeVectorStore))

	err = s.EnsureCollection(ctx, "bad name!", 3)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	err = s.EnsureCollection(ctx, "other", 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestMemoryStore_UpsertOverwritesByID(t *testing.T) {
	s := newMemoryCollection(t)
	ctx := context.Background()

	p := pointFor("t1", "1", 1, 0)
	require.NoError(t, s.Upsert(ctx, "rules", []Point{p}))

	p.Payload["name"] = "changed"
	require.NoError(t, s.Upsert(ctx, "rules", []Point{p}))

	assert.Equal(t, 1, s.Len("rules"))
	points, err := s.Scroll(ctx, "rules", TenantFilter("t1"), 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "changed", points[0].Payload["name"])
	assert.Nil(t, points[0].Vector)
}

func TestMemoryStore_UpsertRejects(t *testing.T) {
	s := newMemoryCollection(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "rules", []Point{{ID: "not-a-uuid", Vector: []float32{1, 0}}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	err = s.Upsert(ctx, "rules", []Point{pointFor("t1", "1", 1, 0, 0)})
	assert.True(t, errors.IsType(err, errors.ErrorTypeVectorStore))

	err = s.Upsert(ctx, "missing", []Point{pointFor("t1", "1", 1, 0)})
	assert.True(t, errors.IsType(err, errors.ErrorTypeVectorStore))

	assert.Equal(t, 0, s.Len("rules"))
}

func TestMemoryStore_ScrollIsTenantScoped(t *testing.T) {
	s := newMemoryCollection(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "rules", []Point{
		pointFor("t1", "a", 1, 0),
		pointFor("t1", "b", 0, 1),
		pointFor("t2", "a", 1, 1),
	}))

	t1, err := s.Scroll(ctx, "rules", TenantFilter("t1"), 0)
	require.NoError(t, err)
	assert.Len(t, t1, 2)

	all, err := s.Scroll(ctx, "rules", Filter{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Delete(ctx, "rules", []string{t1[0].ID, uuid.NewString()}))
	t1, err = s.Scroll(ctx, "rules", TenantFilter("t1"), 0)
	require.NoError(t, err)
	assert.Len(t, t1, 1)
}

func TestMemoryStore_Search(t *testing.T) {
	s := newMemoryCollection(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "rules", []Point{
		pointFor("t1", "exact", 1, 0),
		pointFor("t1", "close", 1, 0.2),
		pointFor("t1", "orthogonal", 0, 1),
		pointFor("t2", "other-tenant", 1, 0),
	}))

	hits, err := s.Search(ctx, "rules", []float32{1, 0}, TenantFilter("t1"), 10, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "exact", hits[0].Payload["original_id"])
	assert.Equal(t, "close", hits[1].Payload["original_id"])
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)

	hits, err = s.Search(ctx, "rules", []float32{1, 0}, TenantFilter("t1"), 1, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = s.Search(ctx, "rules", []float32{1, 0}, Filter{}, 0, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = s.Search(ctx, "rules", []float32{1, 0, 0}, Filter{}, 1, 0)
	assert.True(t, errors.IsType(err, errors.ErrorTypeVectorStore))
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{stderrors.New("plain"), false},
		{status.Error(grpccodes.Unavailable, "down"), true},
		{status.Error(grpccodes.DeadlineExceeded, "slow"), true},
		{status.Error(grpccodes.ResourceExhausted, "busy"), true},
		{status.Error(grpccodes.InvalidArgument, "bad"), false},
		{status.Error(grpccodes.NotFound, "missing"), false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestToQdrantFilter(t *testing.T) {
	assert.Nil(t, toQdrantFilter(Filter{}))

	f := toQdrantFilter(Filter{Must: map[string]string{"tenant_id": "t1", "original_id": "42"}})
	require.NotNil(t, f)
	require.Len(t, f.GetMust(), 2)

	first := f.GetMust()[0].GetField()
	assert.Equal(t, "original_id", first.GetKey())
	assert.Equal(t, "42", first.GetMatch().GetKeyword())

	second := f.GetMust()[1].GetField()
	assert.Equal(t, "tenant_id", second.GetKey())
	assert.Equal(t, "t1", second.GetMatch().GetKeyword())
}

func TestPayloadRoundTrip(t *testing.T) {
	type window struct {
		From string `json:"from"`
	}

	in := map[string]interface{}{
		"tenant_id":    "t1",
		"is_temporary": true,
		"count":        3,
		"tags":         []string{"a", "b"},
		"window":       window{From: "2024-01-01"},
		"missing":      nil,
	}

	payload, err := toPayload(in)
	require.NoError(t, err)

	out := fromPayload(payload)
	assert.Equal(t, "t1", out["tenant_id"])
	assert.Equal(t, true, out["is_temporary"])
	assert.Equal(t, []interface{}{"a", "b"}, out["tags"])
	assert.Equal(t, map[string]interface{}{"from": "2024-01-01"}, out["window"])
	assert.Nil(t, out["missing"])

	switch n := out["count"].(type) {
	case float64:
		assert.Equal(t, float64(3), n)
	case int64:
		assert.Equal(t, int64(3), n)
	default:
		t.Fatalf("unexpected count type %T", n)
	}
}

func TestFromValueKinds(t *testing.T) {
	assert.Equal(t, int64(7), fromValue(&qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: 7}}))
	assert.Equal(t, 1.5, fromValue(&qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: 1.5}}))
	assert.Nil(t, fromValue(nil))
}

func TestToPointIDs(t *testing.T) {
	id := uuid.NewString()
	ids, err := toPointIDs([]string{id})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, id, pointIDString(ids[0]))

	_, err = toPointIDs([]string{"42"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	assert.Equal(t, "", pointIDString(nil))
	assert.Equal(t, "9", pointIDString(qdrant.NewIDNum(9)))
}
