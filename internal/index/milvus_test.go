//go:build integration

package index

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/domain"
)

// setupTestMilvus creates a fresh collection. Skips test if Milvus is not running.
func setupTestMilvus(t *testing.T) *Milvus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := NewMilvus(ctx, MilvusConfig{
		Address:    "localhost:19530",
		Collection: "test_" + uuid.NewString()[:8],
		Dimension:  2,
		Metric:     L2,
		Retry:      RetryPolicy{Attempts: 1},
	}, slog.Default())
	if err != nil {
		t.Skipf("Milvus not available: %v", err)
	}
	t.Cleanup(func() {
		_ = m.client.DropCollection(context.Background(), m.collection)
		m.Close()
	})
	return m
}

func TestMilvus_AddSearchDelete(t *testing.T) {
	m := setupTestMilvus(t)
	ctx := context.Background()

	_, err := m.Add(ctx, []domain.IndexRecord{
		record("far", "doc-a", 2, 0),
		record("near", "doc-a", 1, 0),
		record("other", "doc-b", 0, 3),
	})
	require.NoError(t, err)

	results, err := m.Search(ctx, []float32{0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].Record.ChunkID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-4)
	assert.Equal(t, "doc-a", results[0].Record.Metadata["source"])

	_, err = m.Add(ctx, []domain.IndexRecord{record("near", "doc-a", 1, 0)})
	assert.ErrorIs(t, err, domain.ErrDuplicateChunk)

	removed, err := m.Delete(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	dir := t.TempDir()
	require.NoError(t, m.Persist(ctx, dir))
	manifest, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Count)
}
