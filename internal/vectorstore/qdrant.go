package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/config"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/resilience"
)

var tracer = otel.Tracer("github.com/GiovanoMP/chatwootai-sub005/internal/vectorstore")

// indexed payload fields
var keywordIndexes = []string{"tenant_id", "original_id"}

const maxMessageSize = 50 * 1024 * 1024

// IsTransientError reports gRPC failures worth retrying
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore is a Store over Qdrant's native gRPC API
type QdrantStore struct {
	client  *qdrant.Client
	retrier *resilience.Retrier
	logger  *logging.Logger

	// collections known to exist
	collections sync.Map
}

// NewQdrantStore connects to Qdrant and checks that it answers
func NewQdrantStore(ctx context.Context, cfg *config.QdrantConfig, logger *logging.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMessageSize),
				grpc.MaxCallSendMsgSize(maxMessageSize),
			),
		},
	}
	if cfg.APIKey != "" {
		qcfg.APIKey = cfg.APIKey
	}

	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, errors.NewVectorStoreError("connect", "failed to create qdrant client").WithCause(err)
	}

	store := newQdrantStore(client, cfg.MaxRetries, logger)

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Health(healthCtx); err != nil {
		_ = client.Close()
		return nil, err
	}

	store.logger.Info("Vector store connected",
		"host", cfg.Host,
		"port", cfg.Port,
		"tls", cfg.UseTLS,
	)
	return store, nil
}

func newQdrantStore(client *qdrant.Client, maxRetries int, logger *logging.Logger) *QdrantStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &QdrantStore{
		client: client,
		retrier: resilience.NewRetrier(resilience.RetryConfig{
			MaxAttempts:     maxRetries + 1,
			InitialDelay:    200 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			Jitter:          true,
			RetryableErrors: IsTransientError,
			Logger:          logger,
		}),
		logger: logger,
	}
}

// EnsureCollection creates a cosine collection with keyword indexes on
// tenant_id and original_id when it is missing
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	if err := validateCollection(name); err != nil {
		return err
	}
	if dim <= 0 {
		return errors.NewValidationError("vector dimension must be positive")
	}
	if _, ok := s.collections.Load(name); ok {
		return nil
	}

	ctx, span := tracer.Start(ctx, "QdrantStore.EnsureCollection")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("vector_size", dim),
	)

	var exists bool
	err := s.retrier.Execute(ctx, func(ctx context.Context) error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return s.fail(span, "ensure_collection", err)
	}

	if !exists {
		err = s.retrier.Execute(ctx, func(ctx context.Context) error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists {
			return s.fail(span, "ensure_collection", err)
		}

		for _, field := range keywordIndexes {
			err = s.retrier.Execute(ctx, func(ctx context.Context) error {
				_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
					CollectionName: name,
					FieldName:      field,
					FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
					Wait:           qdrant.PtrOf(true),
				})
				return err
			})
			if err != nil {
				return s.fail(span, "create_index", err)
			}
		}

		s.logger.Info("Vector collection created", "collection", name, "dimension", dim)
	}

	s.collections.Store(name, true)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Upsert writes points and waits for the write to be applied
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("points", len(points)),
	)

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if _, err := uuid.Parse(p.ID); err != nil {
			return errors.NewValidationError("point id must be a UUID").WithDetail("id", p.ID)
		}
		payload, err := toPayload(p.Payload)
		if err != nil {
			return errors.NewValidationError("payload is not representable").WithCause(err).WithDetail("id", p.ID)
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		})
	}

	err := s.retrier.Execute(ctx, func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         structs,
		})
		return err
	})
	if err != nil {
		return s.fail(span, "upsert", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Delete removes points by ID
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("points", len(ids)),
	)

	pointIDs, err := toPointIDs(ids)
	if err != nil {
		return err
	}

	err = s.retrier.Execute(ctx, func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{Ids: pointIDs},
				},
			},
		})
		return err
	})
	if err != nil {
		return s.fail(span, "delete", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Scroll pages through every matching point using the next page offset
func (s *QdrantStore) Scroll(ctx context.Context, collection string, filter Filter, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = DefaultScrollPage
	}

	ctx, span := tracer.Start(ctx, "QdrantStore.Scroll")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	var (
		out    []Point
		offset *qdrant.PointId
	)
	for {
		var resp *qdrant.ScrollResponse
		err := s.retrier.Execute(ctx, func(ctx context.Context) error {
			var err error
			resp, err = s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: collection,
				Filter:         toQdrantFilter(filter),
				Offset:         offset,
				Limit:          qdrant.PtrOf(uint32(limit)),
				WithPayload:    qdrant.NewWithPayload(true),
			})
			return err
		})
		if err != nil {
			return nil, s.fail(span, "scroll", err)
		}

		for _, p := range resp.GetResult() {
			out = append(out, Point{
				ID:      pointIDString(p.GetId()),
				Payload: fromPayload(p.GetPayload()),
			})
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	span.SetAttributes(attribute.Int("points", len(out)))
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// Search runs a filtered similarity query with a score threshold
func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, filter Filter, limit int, threshold float32) ([]ScoredPoint, error) {
	if limit <= 0 {
		return nil, errors.NewValidationError("search limit must be positive")
	}

	ctx, span := tracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("limit", limit),
	)

	var results []*qdrant.ScoredPoint
	err := s.retrier.Execute(ctx, func(ctx context.Context) error {
		var err error
		results, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Filter:         toQdrantFilter(filter),
			Limit:          qdrant.PtrOf(uint64(limit)),
			ScoreThreshold: qdrant.PtrOf(threshold),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		return nil, s.fail(span, "search", err)
	}

	hits := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		hits = append(hits, ScoredPoint{
			ID:      pointIDString(r.GetId()),
			Score:   r.GetScore(),
			Payload: fromPayload(r.GetPayload()),
		})
	}

	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "")
	return hits, nil
}

// Health calls the Qdrant health endpoint
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Health")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		return s.fail(span, "health", err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// Close closes the gRPC connection
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStore) fail(span oteltrace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.GetType(err) == errors.ErrorTypeValidation {
		return err
	}
	s.logger.Warn("Vector store operation failed", "operation", op, "error", err.Error())
	return errors.NewVectorStoreError(op, fmt.Sprintf("qdrant %s failed", op)).WithCause(err)
}

func toQdrantFilter(filter Filter) *qdrant.Filter {
	if len(filter.Must) == 0 {
		return nil
	}

	keys := make([]string, 0, len(filter.Must))
	for k := range filter.Must {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions := make([]*qdrant.Condition, 0, len(keys))
	for _, k := range keys {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: filter.Must[k]},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func toPointIDs(ids []string) ([]*qdrant.PointId, error) {
	out := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return nil, errors.NewValidationError("point id must be a UUID").WithDetail("id", id)
		}
		out = append(out, qdrant.NewIDUUID(id))
	}
	return out, nil
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// toPayload normalises arbitrary Go values through JSON so nested structs,
// typed slices and maps become values qdrant can represent
func toPayload(payload map[string]interface{}) (map[string]*qdrant.Value, error) {
	if len(payload) == 0 {
		return map[string]*qdrant.Value{}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var normalised map[string]interface{}
	if err := json.Unmarshal(data, &normalised); err != nil {
		return nil, err
	}
	return qdrant.TryValueMap(normalised)
}

func fromPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *qdrant.Value) interface{} {
	if v == nil {
		return nil
	}

	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_StructValue:
		return fromPayload(kind.StructValue.GetFields())
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		list := make([]interface{}, len(values))
		for i, item := range values {
			list[i] = fromValue(item)
		}
		return list
	default:
		return nil
	}
}
