package index

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bull/ragsworth/internal/domain"
)

// Flat is an in-memory index with exact, brute-force search.
//
// Add, Delete and Load take the write lock and Search the read lock, so a
// search never observes a partially applied batch. Ties in score rank by
// insertion order; an upsert keeps the original position.
type Flat struct {
	mu      sync.RWMutex
	dim     int
	metric  Metric
	topK    int
	records []domain.IndexRecord // insertion order
	byID    map[string]int       // chunk id -> position in records
	logger  *slog.Logger
}

var (
	_ VectorIndex  = (*Flat)(nil)
	_ TopKProvider = (*Flat)(nil)
)

// FlatOption configures a Flat index.
type FlatOption func(*Flat)

// WithTopK sets the instance-level top_k override.
func WithTopK(k int) FlatOption {
	return func(f *Flat) {
		f.topK = k
	}
}

// WithLogger sets the logger used by the index.
func WithLogger(logger *slog.Logger) FlatOption {
	return func(f *Flat) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFlat creates an empty flat index.
func NewFlat(dim int, metric Metric, opts ...FlatOption) (*Flat, error) {
	metric, err := validateConfig(dim, metric)
	if err != nil {
		return nil, err
	}

	f := &Flat{
		dim:    dim,
		metric: metric,
		byID:   make(map[string]int),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.topK < 0 {
		return nil, fmt.Errorf("%w: top_k must not be negative", domain.ErrConfiguration)
	}
	return f, nil
}

// Add implements VectorIndex.
func (f *Flat) Add(ctx context.Context, records []domain.IndexRecord, opts ...AddOption) (int, error) {
	o := applyAddOptions(opts)

	batch, err := validateBatch(records, f.dim, o.upsert)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !o.upsert {
		for _, r := range batch {
			if _, exists := f.byID[r.ChunkID]; exists {
				return 0, fmt.Errorf("%w: %s already indexed", domain.ErrDuplicateChunk, r.ChunkID)
			}
		}
	}

	for _, r := range batch {
		r = cloneRecord(r)
		if pos, exists := f.byID[r.ChunkID]; exists {
			f.records[pos] = r
			continue
		}
		f.byID[r.ChunkID] = len(f.records)
		f.records = append(f.records, r)
	}

	return len(batch), nil
}

// Search implements VectorIndex.
func (f *Flat) Search(ctx context.Context, query []float32, topK int) ([]domain.SearchResult, error) {
	if err := validateQuery(query, f.dim, topK); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.records) == 0 {
		return []domain.SearchResult{}, nil
	}

	h := &candidates{metric: f.metric}
	for pos, r := range f.records {
		c := candidate{pos: pos, score: f.metric.Score(query, r.Vector)}
		if h.Len() < topK {
			heap.Push(h, c)
			continue
		}
		if h.better(c, h.items[0]) {
			h.items[0] = c
			heap.Fix(h, 0)
		}
	}

	ranked := h.items
	sort.Slice(ranked, func(i, j int) bool { return h.better(ranked[i], ranked[j]) })

	results := make([]domain.SearchResult, len(ranked))
	for i, c := range ranked {
		results[i] = domain.SearchResult{
			Record: cloneRecord(f.records[c.pos]),
			Score:  c.score,
		}
	}
	return rank(results), nil
}

// Delete implements VectorIndex.
func (f *Flat) Delete(ctx context.Context, documentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.records[:0]
	removed := 0
	for _, r := range f.records {
		if r.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	if removed == 0 {
		return 0, nil
	}

	// Clear the tail so removed records can be collected.
	for i := len(kept); i < len(f.records); i++ {
		f.records[i] = domain.IndexRecord{}
	}
	f.records = kept
	f.reindex()

	f.logger.Debug("Deleted document from flat index", "document_id", documentID, "records", removed)
	return removed, nil
}

// Persist implements VectorIndex.
func (f *Flat) Persist(ctx context.Context, dir string) error {
	f.mu.RLock()
	records := make([]domain.IndexRecord, len(f.records))
	copy(records, f.records)
	f.mu.RUnlock()

	return WriteSnapshot(dir, Manifest{Kind: KindFlat, Dimension: f.dim, Metric: f.metric}, records)
}

// Load implements VectorIndex. The persisted metric replaces the configured
// one so search results match the index that was persisted.
func (f *Flat) Load(ctx context.Context, dir string) error {
	m, records, err := ReadSnapshot(dir, KindFlat, f.dim)
	if err != nil {
		return err
	}

	byID := make(map[string]int, len(records))
	for i, r := range records {
		if _, dup := byID[r.ChunkID]; dup {
			return fmt.Errorf("%w: snapshot repeats chunk %s", domain.ErrDuplicateChunk, r.ChunkID)
		}
		byID[r.ChunkID] = i
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if m.Metric != f.metric {
		f.logger.Warn("Snapshot metric differs from configuration, using snapshot metric",
			"configured", f.metric, "snapshot", m.Metric)
	}
	f.metric = m.Metric
	f.records = records
	f.byID = byID

	f.logger.Info("Loaded flat index", "dir", dir, "records", len(records))
	return nil
}

// Count implements VectorIndex.
func (f *Flat) Count(ctx context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.records), nil
}

// Health implements VectorIndex; an in-process index is always healthy.
func (f *Flat) Health(ctx context.Context) error { return nil }

// Dimension implements VectorIndex.
func (f *Flat) Dimension() int { return f.dim }

// Metric implements VectorIndex.
func (f *Flat) Metric() Metric {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.metric
}

// Kind implements VectorIndex.
func (f *Flat) Kind() string { return KindFlat }

// TopK implements TopKProvider.
func (f *Flat) TopK() int { return f.topK }

// Close implements VectorIndex.
func (f *Flat) Close() error { return nil }

func (f *Flat) reindex() {
	f.byID = make(map[string]int, len(f.records))
	for i, r := range f.records {
		f.byID[r.ChunkID] = i
	}
}

func cloneRecord(r domain.IndexRecord) domain.IndexRecord {
	r.Vector = append([]float32(nil), r.Vector...)
	if r.Metadata != nil {
		meta := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		r.Metadata = meta
	}
	return r
}

type candidate struct {
	pos   int
	score float64
}

// candidates is a heap with the worst kept candidate at the root.
type candidates struct {
	metric Metric
	items  []candidate
}

// better ranks by score, then by insertion position.
func (h *candidates) better(a, b candidate) bool {
	if a.score != b.score {
		return h.metric.Better(a.score, b.score)
	}
	return a.pos < b.pos
}

func (h *candidates) Len() int           { return len(h.items) }
func (h *candidates) Less(i, j int) bool { return h.better(h.items[j], h.items[i]) }
func (h *candidates) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candidates) Push(x any)         { h.items = append(h.items, x.(candidate)) }
func (h *candidates) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
