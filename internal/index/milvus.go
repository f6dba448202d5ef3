package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/bull/ragsworth/internal/domain"
)

const (
	milvusVectorField = "vector"
	milvusPageSize    = 1000
)

var milvusOutputFields = []string{"chunk_id", "document_id", "ordinal", "text", "metadata", milvusVectorField}

// MilvusConfig configures the Milvus backend.
type MilvusConfig struct {
	Address    string
	Username   string
	Password   string
	Database   string
	UseTLS     bool
	Collection string
	Dimension  int
	Metric     Metric
	TopK       int
	Retry      RetryPolicy
}

// Milvus is a VectorIndex backed by a Milvus collection with an HNSW index.
type Milvus struct {
	client     client.Client
	collection string
	dim        int
	metric     Metric
	topK       int
	retry      RetryPolicy
	logger     *slog.Logger
}

var (
	_ VectorIndex  = (*Milvus)(nil)
	_ TopKProvider = (*Milvus)(nil)
)

// NewMilvus connects to Milvus and ensures the collection is created,
// indexed and loaded.
func NewMilvus(ctx context.Context, cfg MilvusConfig, logger *slog.Logger) (*Milvus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metric, err := validateConfig(cfg.Dimension, cfg.Metric)
	if err != nil {
		return nil, err
	}
	if cfg.Address == "" {
		cfg.Address = "localhost:19530"
	}
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}

	m := &Milvus{
		collection: cfg.Collection,
		dim:        cfg.Dimension,
		metric:     metric,
		topK:       cfg.TopK,
		retry:      cfg.Retry.withDefaults(),
		logger:     logger,
	}

	err = m.retry.do(ctx, logger, "milvus connect", func(ctx context.Context) error {
		var err error
		m.client, err = client.NewClient(ctx, client.Config{
			Address:       cfg.Address,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DBName:        cfg.Database,
			EnableTLSAuth: cfg.UseTLS,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := m.ensureCollection(ctx); err != nil {
		m.client.Close()
		return nil, err
	}
	return m, nil
}

func (m *Milvus) metricType() entity.MetricType {
	switch m.metric {
	case L2:
		return entity.L2
	case InnerProduct:
		return entity.IP
	default:
		return entity.COSINE
	}
}

func (m *Milvus) ensureCollection(ctx context.Context) error {
	exists, err := m.client.HasCollection(ctx, m.collection)
	if err != nil {
		return fmt.Errorf("%w: check collection: %v", domain.ErrNetworkTransient, err)
	}

	if exists {
		coll, err := m.client.DescribeCollection(ctx, m.collection)
		if err != nil {
			return fmt.Errorf("describe collection: %w", err)
		}
		for _, f := range coll.Schema.Fields {
			if f.Name != milvusVectorField {
				continue
			}
			if dim, _ := strconv.Atoi(f.TypeParams[entity.TypeParamDim]); dim != m.dim {
				return fmt.Errorf("%w: collection %s stores %d dimensions, configured %d",
					domain.ErrDimensionMismatch, m.collection, dim, m.dim)
			}
		}
	} else {
		schema := &entity.Schema{
			CollectionName: m.collection,
			Description:    "RAG chunk vectors",
			Fields: []*entity.Field{
				{
					Name:       "chunk_id",
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					TypeParams: map[string]string{entity.TypeParamMaxLength: "512"},
				},
				{
					Name:       "document_id",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{entity.TypeParamMaxLength: "512"},
				},
				{
					Name:     "ordinal",
					DataType: entity.FieldTypeInt64,
				},
				{
					Name:       "text",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{entity.TypeParamMaxLength: "65535"},
				},
				{
					Name:       "metadata",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{entity.TypeParamMaxLength: "65535"},
				},
				{
					Name:       milvusVectorField,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{entity.TypeParamDim: strconv.Itoa(m.dim)},
				},
			},
		}

		err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber,
			client.WithConsistencyLevel(entity.ClStrong))
		if err != nil {
			return fmt.Errorf("create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(m.metricType(), 8, 64)
		if err != nil {
			return fmt.Errorf("%w: hnsw index: %v", domain.ErrConfiguration, err)
		}
		if err := m.client.CreateIndex(ctx, m.collection, milvusVectorField, idx, false); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
		m.logger.Info("Created milvus collection", "collection", m.collection, "dimension", m.dim, "metric", m.metric)
	}

	if err := m.client.LoadCollection(ctx, m.collection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

// Add implements VectorIndex.
func (m *Milvus) Add(ctx context.Context, records []domain.IndexRecord, opts ...AddOption) (int, error) {
	o := applyAddOptions(opts)

	batch, err := validateBatch(records, m.dim, o.upsert)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if !o.upsert {
		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.ChunkID
		}
		existing, err := m.query(ctx, "chunk_id in "+quoteList(ids), []string{"chunk_id"}, 0, 0)
		if err != nil {
			return 0, err
		}
		if found := stringColumn(existing, "chunk_id"); len(found) > 0 {
			return 0, fmt.Errorf("%w: %s already indexed", domain.ErrDuplicateChunk, found[0])
		}
	}

	columns, err := toColumns(batch, m.dim)
	if err != nil {
		return 0, err
	}

	err = m.retry.do(ctx, m.logger, "milvus write", func(ctx context.Context) error {
		var err error
		if o.upsert {
			_, err = m.client.Upsert(ctx, m.collection, "", columns...)
		} else {
			_, err = m.client.Insert(ctx, m.collection, "", columns...)
		}
		return err
	})
	if err != nil {
		return 0, err
	}

	if err := m.client.Flush(ctx, m.collection, false); err != nil {
		m.logger.Warn("Failed to flush milvus collection", "collection", m.collection, "error", err)
	}
	return len(batch), nil
}

// Search implements VectorIndex. Milvus already reports squared L2
// distances, cosine similarity and inner product.
func (m *Milvus) Search(ctx context.Context, query []float32, topK int) ([]domain.SearchResult, error) {
	if err := validateQuery(query, m.dim, topK); err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexHNSWSearchParam(max(64, topK))
	if err != nil {
		return nil, fmt.Errorf("%w: search params: %v", domain.ErrConfiguration, err)
	}

	var found []client.SearchResult
	err = m.retry.do(ctx, m.logger, "milvus search", func(ctx context.Context) error {
		var err error
		found, err = m.client.Search(
			ctx,
			m.collection,
			[]string{},
			"",
			milvusOutputFields,
			[]entity.Vector{entity.FloatVector(query)},
			milvusVectorField,
			m.metricType(),
			topK,
			sp,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(found) > 0 && found[0].Err != nil {
		return nil, fmt.Errorf("%w: milvus search: %v", domain.ErrRemotePermanent, found[0].Err)
	}
	if len(found) == 0 || found[0].ResultCount == 0 {
		return []domain.SearchResult{}, nil
	}

	result := found[0]
	records := fromColumns(result.Fields)
	results := make([]domain.SearchResult, 0, len(records))
	for i, r := range records {
		if i >= len(result.Scores) {
			break
		}
		results = append(results, domain.SearchResult{Record: r, Score: float64(result.Scores[i])})
	}
	return rank(results), nil
}

// Delete implements VectorIndex.
func (m *Milvus) Delete(ctx context.Context, documentID string) (int, error) {
	expr := "document_id == " + strconv.Quote(documentID)

	count, err := m.count(ctx, expr)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	err = m.retry.do(ctx, m.logger, "milvus delete", func(ctx context.Context) error {
		return m.client.Delete(ctx, m.collection, "", expr)
	})
	if err != nil {
		return 0, err
	}

	if err := m.client.Flush(ctx, m.collection, false); err != nil {
		m.logger.Warn("Failed to flush after delete", "collection", m.collection, "error", err)
	}
	return count, nil
}

// Persist implements VectorIndex by paging through the collection.
func (m *Milvus) Persist(ctx context.Context, dir string) error {
	var records []domain.IndexRecord
	for offset := 0; ; offset += milvusPageSize {
		page, err := m.query(ctx, `chunk_id != ""`, milvusOutputFields, offset, milvusPageSize)
		if err != nil {
			return err
		}
		batch := fromColumns(page)
		records = append(records, batch...)
		if len(batch) < milvusPageSize {
			break
		}
	}

	return WriteSnapshot(dir, Manifest{Kind: KindMilvus, Dimension: m.dim, Metric: m.metric}, records)
}

// Load implements VectorIndex. Snapshot records are upserted page by page
// and rows whose chunk id is absent from the snapshot are deleted at the
// end; the collection itself is never dropped, so a failed Load keeps the
// earlier rows and can simply be retried.
func (m *Milvus) Load(ctx context.Context, dir string) error {
	manifest, records, err := ReadSnapshot(dir, KindMilvus, m.dim)
	if err != nil {
		return err
	}
	if manifest.Metric != m.metric {
		return fmt.Errorf("%w: snapshot metric %s, collection metric %s", domain.ErrConfiguration, manifest.Metric, m.metric)
	}

	keep := make(map[string]struct{}, len(records))
	for i := 0; i < len(records); i += milvusPageSize {
		end := min(i+milvusPageSize, len(records))
		if _, err := m.Add(ctx, records[i:end], WithUpsert()); err != nil {
			return fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
		for _, r := range records[i:end] {
			keep[r.ChunkID] = struct{}{}
		}
	}

	pruned, err := m.prune(ctx, keep)
	if err != nil {
		return err
	}

	m.logger.Info("Loaded milvus collection", "collection", m.collection, "records", len(records), "pruned", pruned)
	return nil
}

// prune deletes every row whose chunk id is not in keep.
func (m *Milvus) prune(ctx context.Context, keep map[string]struct{}) (int, error) {
	var stale []string
	for offset := 0; ; offset += milvusPageSize {
		page, err := m.query(ctx, `chunk_id != ""`, []string{"chunk_id"}, offset, milvusPageSize)
		if err != nil {
			return 0, err
		}
		ids := stringColumn(page, "chunk_id")
		for _, id := range ids {
			if _, ok := keep[id]; !ok {
				stale = append(stale, id)
			}
		}
		if len(ids) < milvusPageSize {
			break
		}
	}

	for i := 0; i < len(stale); i += milvusPageSize {
		expr := "chunk_id in " + quoteList(stale[i:min(i+milvusPageSize, len(stale))])
		err := m.retry.do(ctx, m.logger, "milvus delete", func(ctx context.Context) error {
			return m.client.Delete(ctx, m.collection, "", expr)
		})
		if err != nil {
			return 0, fmt.Errorf("prune stale rows: %w", err)
		}
	}
	return len(stale), nil
}

// Count implements VectorIndex.
func (m *Milvus) Count(ctx context.Context) (int, error) {
	return m.count(ctx, "")
}

// Health implements VectorIndex.
func (m *Milvus) Health(ctx context.Context) error {
	if _, err := m.client.ListCollections(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Dimension implements VectorIndex.
func (m *Milvus) Dimension() int { return m.dim }

// Metric implements VectorIndex.
func (m *Milvus) Metric() Metric { return m.metric }

// Kind implements VectorIndex.
func (m *Milvus) Kind() string { return KindMilvus }

// TopK implements TopKProvider.
func (m *Milvus) TopK() int { return m.topK }

// Close implements VectorIndex.
func (m *Milvus) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

func (m *Milvus) query(ctx context.Context, expr string, fields []string, offset, limit int) (client.ResultSet, error) {
	var opts []client.SearchQueryOptionFunc
	if limit > 0 {
		opts = append(opts, client.WithLimit(int64(limit)), client.WithOffset(int64(offset)))
	}

	var rs client.ResultSet
	err := m.retry.do(ctx, m.logger, "milvus query", func(ctx context.Context) error {
		var err error
		rs, err = m.client.Query(ctx, m.collection, nil, expr, fields, opts...)
		return err
	})
	return rs, err
}

func (m *Milvus) count(ctx context.Context, expr string) (int, error) {
	rs, err := m.query(ctx, expr, []string{"count(*)"}, 0, 0)
	if err != nil {
		return 0, err
	}
	col, ok := rs.GetColumn("count(*)").(*entity.ColumnInt64)
	if !ok || len(col.Data()) == 0 {
		return 0, fmt.Errorf("%w: milvus count returned no rows", domain.ErrRemotePermanent)
	}
	return int(col.Data()[0]), nil
}

func toColumns(records []domain.IndexRecord, dim int) ([]entity.Column, error) {
	var (
		chunkIDs = make([]string, len(records))
		docIDs   = make([]string, len(records))
		ordinals = make([]int64, len(records))
		texts    = make([]string, len(records))
		metadata = make([]string, len(records))
		vectors  = make([][]float32, len(records))
	)
	for i, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: encode metadata for %s: %v", domain.ErrInvalidRequest, r.ChunkID, err)
		}
		chunkIDs[i] = r.ChunkID
		docIDs[i] = r.DocumentID
		ordinals[i] = int64(r.Ordinal)
		texts[i] = r.Text
		metadata[i] = string(meta)
		vectors[i] = r.Vector
	}

	return []entity.Column{
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("document_id", docIDs),
		entity.NewColumnInt64("ordinal", ordinals),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("metadata", metadata),
		entity.NewColumnFloatVector(milvusVectorField, dim, vectors),
	}, nil
}

func fromColumns(columns []entity.Column) []domain.IndexRecord {
	var rs client.ResultSet = columns
	chunkIDs := stringColumn(rs, "chunk_id")
	docIDs := stringColumn(rs, "document_id")
	texts := stringColumn(rs, "text")
	metadata := stringColumn(rs, "metadata")

	var ordinals []int64
	if col, ok := rs.GetColumn("ordinal").(*entity.ColumnInt64); ok {
		ordinals = col.Data()
	}
	var vectors [][]float32
	if col, ok := rs.GetColumn(milvusVectorField).(*entity.ColumnFloatVector); ok {
		vectors = col.Data()
	}

	records := make([]domain.IndexRecord, len(chunkIDs))
	for i, id := range chunkIDs {
		r := domain.IndexRecord{ChunkID: id}
		if i < len(docIDs) {
			r.DocumentID = docIDs[i]
		}
		if i < len(ordinals) {
			r.Ordinal = int(ordinals[i])
		}
		if i < len(texts) {
			r.Text = texts[i]
		}
		if i < len(vectors) {
			r.Vector = vectors[i]
		}
		if i < len(metadata) && metadata[i] != "" && metadata[i] != "null" {
			_ = json.Unmarshal([]byte(metadata[i]), &r.Metadata)
		}
		records[i] = r
	}
	return records
}

func stringColumn(rs client.ResultSet, name string) []string {
	if col, ok := rs.GetColumn(name).(*entity.ColumnVarChar); ok {
		return col.Data()
	}
	return nil
}

// quoteList renders ids as a Milvus expression list literal.
func quoteList(ids []string) string {
	b, _ := json.Marshal(ids)
	return string(b)
}
