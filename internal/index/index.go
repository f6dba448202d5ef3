// Package index provides vector indexes over chunk embeddings.
//
// Every backend implements VectorIndex. Flat keeps all records in memory and
// searches exhaustively; Qdrant, Milvus and PGVector are clients to remote
// services with bounded retries. Remote backends are eventually consistent:
// a record returned by Add may not be visible to an immediately following
// Search.
package index

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/bull/ragsworth/internal/domain"
)

// Backend kinds, also written to persisted snapshots.
const (
	KindFlat     = "flat"
	KindQdrant   = "qdrant"
	KindMilvus   = "milvus"
	KindPGVector = "pgvector"
)

// Metric is the similarity measure of an index.
type Metric string

const (
	// L2 is squared Euclidean distance; lower is closer.
	L2 Metric = "l2"
	// Cosine is cosine similarity; higher is closer.
	Cosine Metric = "cosine"
	// InnerProduct is the dot product on pre-normalized vectors; higher is closer.
	InnerProduct Metric = "ip"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case L2, Cosine, InnerProduct:
		return m, nil
	case "euclidean":
		return L2, nil
	case "dot", "inner_product":
		return InnerProduct, nil
	default:
		return "", fmt.Errorf("%w: unknown metric %q", domain.ErrConfiguration, s)
	}
}

// Ascending reports whether lower scores rank first.
func (m Metric) Ascending() bool {
	return m == L2
}

// Score compares a query against a stored vector of the same length.
func (m Metric) Score(query, vector []float32) float64 {
	switch m {
	case L2:
		var sum float64
		for i := range query {
			d := float64(query[i]) - float64(vector[i])
			sum += d * d
		}
		return sum
	case Cosine:
		var dot, qn, vn float64
		for i := range query {
			q, v := float64(query[i]), float64(vector[i])
			dot += q * v
			qn += q * q
			vn += v * v
		}
		if qn == 0 || vn == 0 {
			return 0
		}
		return dot / (math.Sqrt(qn) * math.Sqrt(vn))
	default:
		var dot float64
		for i := range query {
			dot += float64(query[i]) * float64(vector[i])
		}
		return dot
	}
}

// Better reports whether score a ranks ahead of score b.
func (m Metric) Better(a, b float64) bool {
	if m.Ascending() {
		return a < b
	}
	return a > b
}

// VectorIndex is the capability every backend provides.
type VectorIndex interface {
	// Add stores records. The call is all-or-nothing: a wrong-dimension
	// vector fails with domain.ErrDimensionMismatch and an id already
	// present (or repeated in the batch) fails with
	// domain.ErrDuplicateChunk unless WithUpsert is given.
	Add(ctx context.Context, records []domain.IndexRecord, opts ...AddOption) (int, error)

	// Search returns at most topK results ordered best first. topK <= 0
	// fails with domain.ErrConfiguration; an empty index returns no results.
	Search(ctx context.Context, query []float32, topK int) ([]domain.SearchResult, error)

	// Delete removes every record of the document and returns how many
	// were removed. Unknown documents are a no-op.
	Delete(ctx context.Context, documentID string) (int, error)

	// Persist writes a snapshot directory; Load replaces the contents with one.
	Persist(ctx context.Context, dir string) error
	Load(ctx context.Context, dir string) error

	Count(ctx context.Context) (int, error)
	Health(ctx context.Context) error
	Dimension() int
	Metric() Metric
	Kind() string
	Close() error
}

// TopKProvider is implemented by indexes configured with their own top_k.
// A positive value overrides the pipeline-level top_k for every search on
// that index instance.
type TopKProvider interface {
	TopK() int
}

// AddOption configures an Add call.
type AddOption func(*addOptions)

type addOptions struct {
	upsert bool
}

// WithUpsert replaces records whose chunk id already exists.
func WithUpsert() AddOption {
	return func(o *addOptions) {
		o.upsert = true
	}
}

func applyAddOptions(opts []AddOption) addOptions {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// validateBatch checks dimensions and in-batch duplicates before any
// backend work. With upsert, a repeated id keeps its last record.
func validateBatch(records []domain.IndexRecord, dim int, upsert bool) ([]domain.IndexRecord, error) {
	seen := make(map[string]int, len(records))
	out := make([]domain.IndexRecord, 0, len(records))

	for i, r := range records {
		if r.ChunkID == "" {
			return nil, fmt.Errorf("%w: record %d has no chunk id", domain.ErrInvalidRequest, i)
		}
		if len(r.Vector) != dim {
			return nil, fmt.Errorf("%w: record %s has %d dimensions, expected %d",
				domain.ErrDimensionMismatch, r.ChunkID, len(r.Vector), dim)
		}
		if j, dup := seen[r.ChunkID]; dup {
			if !upsert {
				return nil, fmt.Errorf("%w: %s repeated in batch", domain.ErrDuplicateChunk, r.ChunkID)
			}
			out[j] = r
			continue
		}
		seen[r.ChunkID] = len(out)
		out = append(out, r)
	}

	return out, nil
}

func validateQuery(query []float32, dim, topK int) error {
	if topK <= 0 {
		return fmt.Errorf("%w: top_k must be positive, got %d", domain.ErrConfiguration, topK)
	}
	if len(query) != dim {
		return fmt.Errorf("%w: query has %d dimensions, expected %d",
			domain.ErrDimensionMismatch, len(query), dim)
	}
	return nil
}

func validateConfig(dim int, metric Metric) (Metric, error) {
	if dim <= 0 {
		return "", fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrConfiguration, dim)
	}
	if metric == "" {
		return Cosine, nil
	}
	return ParseMetric(string(metric))
}

// rank assigns 1-based ranks in slice order.
func rank(results []domain.SearchResult) []domain.SearchResult {
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}
