package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bull/ragsworth/internal/domain"
)

// memoryMilvus tracks chunk ids for the calls Load makes. Any other
// client method panics through the nil embedded interface.
type memoryMilvus struct {
	client.Client
	ids        map[string]bool
	upserts    int
	deletes    int
	failUpsert func(call int) error
}

func newMemoryMilvus(chunkIDs ...string) *memoryMilvus {
	m := &memoryMilvus{ids: map[string]bool{}}
	for _, id := range chunkIDs {
		m.ids[id] = true
	}
	return m
}

func (m *memoryMilvus) Upsert(_ context.Context, _, _ string, columns ...entity.Column) (entity.Column, error) {
	m.upserts++
	if m.failUpsert != nil {
		if err := m.failUpsert(m.upserts); err != nil {
			return nil, err
		}
	}
	for _, id := range stringColumn(client.ResultSet(columns), "chunk_id") {
		m.ids[id] = true
	}
	return nil, nil
}

func (m *memoryMilvus) Flush(context.Context, string, bool, ...client.FlushOption) error {
	return nil
}

func (m *memoryMilvus) Query(_ context.Context, _ string, _ []string, _ string, _ []string, _ ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	ids := make([]string, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return client.ResultSet{entity.NewColumnVarChar("chunk_id", ids)}, nil
}

func (m *memoryMilvus) Delete(_ context.Context, _, _ string, expr string) error {
	m.deletes++
	var ids []string
	if err := json.Unmarshal([]byte(strings.TrimPrefix(expr, "chunk_id in ")), &ids); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.ids, id)
	}
	return nil
}

func newMilvusLoadTarget(c client.Client) *Milvus {
	return &Milvus{
		client:     c,
		collection: "chunks",
		dim:        2,
		metric:     L2,
		retry:      fastPolicy(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func writeMilvusSnapshot(t *testing.T, n int) (string, []domain.IndexRecord) {
	t.Helper()
	records := make([]domain.IndexRecord, n)
	for i := range records {
		records[i] = record(fmt.Sprintf("doc#%d", i), "doc", 1, float32(i))
	}
	dir := t.TempDir()
	require.NoError(t, WriteSnapshot(dir, Manifest{Kind: KindMilvus, Dimension: 2, Metric: L2}, records))
	return dir, records
}

func TestMilvusLoad_RetriesTransientUpsertAndPrunes(t *testing.T) {
	dir, records := writeMilvusSnapshot(t, 5)

	c := newMemoryMilvus("old#0", "doc#1")
	c.failUpsert = func(call int) error {
		if call == 1 {
			return status.Error(codes.Unavailable, "connection reset")
		}
		return nil
	}

	require.NoError(t, newMilvusLoadTarget(c).Load(context.Background(), dir))

	assert.Equal(t, 2, c.upserts)
	assert.Equal(t, 1, c.deletes)
	assert.Len(t, c.ids, len(records))
	assert.False(t, c.ids["old#0"])
}

func TestMilvusLoad_FailureKeepsExistingRows(t *testing.T) {
	dir, _ := writeMilvusSnapshot(t, 5)

	c := newMemoryMilvus("old#0", "old#1")
	c.failUpsert = func(int) error {
		return status.Error(codes.Unavailable, "connection refused")
	}

	err := newMilvusLoadTarget(c).Load(context.Background(), dir)
	assert.ErrorIs(t, err, domain.ErrNetworkTransient)

	assert.Equal(t, 3, c.upserts)
	assert.Zero(t, c.deletes)
	assert.Equal(t, map[string]bool{"old#0": true, "old#1": true}, c.ids)
}
