package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/bull/ragsworth/internal/domain"
)

const (
	// qdrantVector is the named vector every point stores its embedding under.
	qdrantVector = "content"

	qdrantBatchSize = 100
)

// pointNamespace derives Qdrant point UUIDs from chunk ids.
var pointNamespace = uuid.MustParse("8f7d3c1e-6a0b-4f5e-9c2d-1b3a5e7f9d02")

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
	Metric     Metric
	TopK       int
	Retry      RetryPolicy
}

// qdrantPoints is the subset of the Qdrant client that writes and scans
// points.
type qdrantPoints interface {
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	ScrollAndOffset(ctx context.Context, request *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error)
}

// Qdrant is a VectorIndex backed by a Qdrant collection over gRPC.
type Qdrant struct {
	client     *qdrant.Client
	points     qdrantPoints
	collection string
	dim        int
	metric     Metric
	topK       int
	retry      RetryPolicy
	logger     *slog.Logger
}

var (
	_ VectorIndex  = (*Qdrant)(nil)
	_ TopKProvider = (*Qdrant)(nil)
)

// NewQdrant connects to Qdrant, waits for it to become healthy and ensures
// the collection exists with the configured dimension and metric.
func NewQdrant(ctx context.Context, cfg QdrantConfig, logger *slog.Logger) (*Qdrant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metric, err := validateConfig(cfg.Dimension, cfg.Metric)
	if err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}

	// Create Qdrant client using gRPC
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create qdrant client: %v", domain.ErrConfiguration, err)
	}

	q := &Qdrant{
		client:     client,
		points:     client,
		collection: cfg.Collection,
		dim:        cfg.Dimension,
		metric:     metric,
		topK:       cfg.TopK,
		retry:      cfg.Retry.withDefaults(),
		logger:     logger,
	}

	if err := q.healthCheckWithRetry(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: qdrant unreachable: %v", domain.ErrNetworkTransient, err)
	}

	if err := q.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return q, nil
}

// healthCheckWithRetry performs health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (q *Qdrant) healthCheckWithRetry(ctx context.Context) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		return q.Health(ctx)
	}, backoff.WithContext(exponentialBackoff, ctx))
}

// Health implements VectorIndex.
func (q *Qdrant) Health(ctx context.Context) error {
	result, err := q.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

func (q *Qdrant) distance() qdrant.Distance {
	switch q.metric {
	case L2:
		return qdrant.Distance_Euclid
	case InnerProduct:
		return qdrant.Distance_Dot
	default:
		return qdrant.Distance_Cosine
	}
}

// ensureCollection creates the collection and its payload indexes when
// missing, and checks the vector size of an existing one.
func (q *Qdrant) ensureCollection(ctx context.Context) error {
	collections, err := q.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("%w: list collections: %v", domain.ErrNetworkTransient, err)
	}

	for _, name := range collections {
		if name == q.collection {
			return q.checkCollection(ctx)
		}
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			qdrantVector: {
				Size:     uint64(q.dim),
				Distance: q.distance(),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	// Filtering by document and chunk id needs keyword indexes.
	for _, field := range []string{"document_id", "chunk_id"} {
		_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create index for field %s: %w", field, err)
		}
	}

	q.logger.Info("Created qdrant collection", "collection", q.collection, "dimension", q.dim, "metric", q.metric)
	return nil
}

func (q *Qdrant) checkCollection(ctx context.Context) error {
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("get collection: %w", err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()[qdrantVector]
	if params == nil {
		return fmt.Errorf("%w: collection %s has no %q vector", domain.ErrConfiguration, q.collection, qdrantVector)
	}
	if int(params.GetSize()) != q.dim {
		return fmt.Errorf("%w: collection %s stores %d dimensions, configured %d",
			domain.ErrDimensionMismatch, q.collection, params.GetSize(), q.dim)
	}
	return nil
}

// Add implements VectorIndex. The whole batch goes out in one upsert
// request after the duplicate check.
func (q *Qdrant) Add(ctx context.Context, records []domain.IndexRecord, opts ...AddOption) (int, error) {
	o := applyAddOptions(opts)

	batch, err := validateBatch(records, q.dim, o.upsert)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if !o.upsert {
		ids := make([]*qdrant.PointId, len(batch))
		for i, r := range batch {
			ids[i] = qdrant.NewIDUUID(pointID(r.ChunkID))
		}

		var existing []*qdrant.RetrievedPoint
		err := q.retry.do(ctx, q.logger, "qdrant get", func(ctx context.Context) error {
			var err error
			existing, err = q.client.Get(ctx, &qdrant.GetPoints{
				CollectionName: q.collection,
				Ids:            ids,
				WithPayload:    qdrant.NewWithPayloadInclude("chunk_id"),
			})
			return err
		})
		if err != nil {
			return 0, err
		}
		if len(existing) > 0 {
			return 0, fmt.Errorf("%w: %s already indexed",
				domain.ErrDuplicateChunk, existing[0].GetPayload()["chunk_id"].GetStringValue())
		}
	}

	if err := q.upsert(ctx, toPoints(batch)); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (q *Qdrant) upsert(ctx context.Context, points []*qdrant.PointStruct) error {
	return q.retry.do(ctx, q.logger, "qdrant upsert", func(ctx context.Context) error {
		_, err := q.points.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.collection,
			Points:         points,
		})
		return err
	})
}

// Search implements VectorIndex. L2 scores are squared to match Flat.
func (q *Qdrant) Search(ctx context.Context, query []float32, topK int) ([]domain.SearchResult, error) {
	if err := validateQuery(query, q.dim, topK); err != nil {
		return nil, err
	}

	vectorName := qdrantVector
	var points []*qdrant.ScoredPoint
	err := q.retry.do(ctx, q.logger, "qdrant query", func(ctx context.Context) error {
		var err error
		points, err = q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.collection,
			Query:          qdrant.NewQuery(query...),
			Using:          &vectorName,
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	results := make([]domain.SearchResult, 0, len(points))
	for _, p := range points {
		score := float64(p.GetScore())
		if q.metric == L2 {
			score *= score
		}
		results = append(results, domain.SearchResult{
			Record: fromPayload(p.GetPayload(), namedVector(p.GetVectors())),
			Score:  score,
		})
	}
	return rank(results), nil
}

// Delete implements VectorIndex.
func (q *Qdrant) Delete(ctx context.Context, documentID string) (int, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID)},
	}

	var count uint64
	err := q.retry.do(ctx, q.logger, "qdrant count", func(ctx context.Context) error {
		var err error
		count, err = q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: q.collection,
			Filter:         filter,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	err = q.retry.do(ctx, q.logger, "qdrant delete", func(ctx context.Context) error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.collection,
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Persist implements VectorIndex by scrolling through every point.
func (q *Qdrant) Persist(ctx context.Context, dir string) error {
	var records []domain.IndexRecord
	var offset *qdrant.PointId

	for {
		var points []*qdrant.RetrievedPoint
		var next *qdrant.PointId
		err := q.retry.do(ctx, q.logger, "qdrant scroll", func(ctx context.Context) error {
			var err error
			points, next, err = q.points.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: q.collection,
				Limit:          qdrant.PtrOf(uint32(qdrantBatchSize)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectors(true),
			})
			return err
		})
		if err != nil {
			return err
		}

		for _, p := range points {
			records = append(records, fromPayload(p.GetPayload(), namedVector(p.GetVectors())))
		}

		if next == nil {
			break
		}
		offset = next
	}

	return WriteSnapshot(dir, Manifest{Kind: KindQdrant, Dimension: q.dim, Metric: q.metric}, records)
}

// Load implements VectorIndex. Snapshot records are upserted first and
// points missing from the snapshot are deleted afterwards, so the
// collection is never dropped. A failed Load leaves earlier points in place
// and running it again converges on the snapshot.
func (q *Qdrant) Load(ctx context.Context, dir string) error {
	m, records, err := ReadSnapshot(dir, KindQdrant, q.dim)
	if err != nil {
		return err
	}
	if m.Metric != q.metric {
		return fmt.Errorf("%w: snapshot metric %s, collection metric %s", domain.ErrConfiguration, m.Metric, q.metric)
	}

	keep := make(map[string]struct{}, len(records))
	for i := 0; i < len(records); i += qdrantBatchSize {
		end := min(i+qdrantBatchSize, len(records))
		if err := q.upsert(ctx, toPoints(records[i:end])); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
		for _, r := range records[i:end] {
			keep[pointID(r.ChunkID)] = struct{}{}
		}
	}

	pruned, err := q.prune(ctx, keep)
	if err != nil {
		return err
	}

	q.logger.Info("Loaded qdrant collection", "collection", q.collection, "records", len(records), "pruned", pruned)
	return nil
}

// prune deletes every point whose id is not in keep.
func (q *Qdrant) prune(ctx context.Context, keep map[string]struct{}) (int, error) {
	var stale []*qdrant.PointId
	var offset *qdrant.PointId
	for {
		var points []*qdrant.RetrievedPoint
		var next *qdrant.PointId
		err := q.retry.do(ctx, q.logger, "qdrant scroll", func(ctx context.Context) error {
			var err error
			points, next, err = q.points.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: q.collection,
				Limit:          qdrant.PtrOf(uint32(qdrantBatchSize)),
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(false),
				WithVectors:    qdrant.NewWithVectors(false),
			})
			return err
		})
		if err != nil {
			return 0, err
		}
		for _, p := range points {
			if _, ok := keep[p.GetId().GetUuid()]; !ok {
				stale = append(stale, p.GetId())
			}
		}
		if next == nil {
			break
		}
		offset = next
	}

	for i := 0; i < len(stale); i += qdrantBatchSize {
		ids := stale[i:min(i+qdrantBatchSize, len(stale))]
		err := q.retry.do(ctx, q.logger, "qdrant delete", func(ctx context.Context) error {
			_, err := q.points.Delete(ctx, &qdrant.DeletePoints{
				CollectionName: q.collection,
				Points:         qdrant.NewPointsSelector(ids...),
			})
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("prune stale points: %w", err)
		}
	}
	return len(stale), nil
}

// Count implements VectorIndex.
func (q *Qdrant) Count(ctx context.Context) (int, error) {
	var count uint64
	err := q.retry.do(ctx, q.logger, "qdrant count", func(ctx context.Context) error {
		var err error
		count, err = q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: q.collection,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	return int(count), err
}

// Dimension implements VectorIndex.
func (q *Qdrant) Dimension() int { return q.dim }

// Metric implements VectorIndex.
func (q *Qdrant) Metric() Metric { return q.metric }

// Kind implements VectorIndex.
func (q *Qdrant) Kind() string { return KindQdrant }

// TopK implements TopKProvider.
func (q *Qdrant) TopK() int { return q.topK }

// Close closes the Qdrant client connection.
func (q *Qdrant) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

func pointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func toPoints(records []domain.IndexRecord) []*qdrant.PointStruct {
	points := make([]*qdrant.PointStruct, len(records))
	for i, r := range records {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		points[i] = &qdrant.PointStruct{
			Id: qdrant.NewIDUUID(pointID(r.ChunkID)),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				qdrantVector: qdrant.NewVector(r.Vector...),
			}),
			Payload: qdrant.NewValueMap(map[string]any{
				"chunk_id":    r.ChunkID,
				"document_id": r.DocumentID,
				"ordinal":     int64(r.Ordinal),
				"text":        r.Text,
				"metadata":    meta,
			}),
		}
	}
	return points
}

func fromPayload(payload map[string]*qdrant.Value, vector []float32) domain.IndexRecord {
	var meta map[string]string
	if fields := payload["metadata"].GetStructValue().GetFields(); len(fields) > 0 {
		meta = make(map[string]string, len(fields))
		for k, v := range fields {
			meta[k] = v.GetStringValue()
		}
	}
	return domain.IndexRecord{
		ChunkID:    payload["chunk_id"].GetStringValue(),
		DocumentID: payload["document_id"].GetStringValue(),
		Ordinal:    int(payload["ordinal"].GetIntegerValue()),
		Text:       payload["text"].GetStringValue(),
		Metadata:   meta,
		Vector:     vector,
	}
}

func namedVector(v *qdrant.VectorsOutput) []float32 {
	out := v.GetVectors().GetVectors()[qdrantVector]
	if out == nil {
		return nil
	}
	return out.GetData()
}
