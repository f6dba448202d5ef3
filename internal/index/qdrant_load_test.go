package index

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bull/ragsworth/internal/domain"
)

// memoryPoints keeps point ids in memory and can fail chosen upserts.
type memoryPoints struct {
	ids        map[string]bool
	upserts    int
	deletes    int
	failUpsert func(call int) error
}

func newMemoryPoints(chunkIDs ...string) *memoryPoints {
	m := &memoryPoints{ids: map[string]bool{}}
	for _, id := range chunkIDs {
		m.ids[pointID(id)] = true
	}
	return m
}

func (m *memoryPoints) Upsert(_ context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	m.upserts++
	if m.failUpsert != nil {
		if err := m.failUpsert(m.upserts); err != nil {
			return nil, err
		}
	}
	for _, p := range req.GetPoints() {
		m.ids[p.GetId().GetUuid()] = true
	}
	return &qdrant.UpdateResult{}, nil
}

func (m *memoryPoints) Delete(_ context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error) {
	m.deletes++
	for _, id := range req.GetPoints().GetPoints().GetIds() {
		delete(m.ids, id.GetUuid())
	}
	return &qdrant.UpdateResult{}, nil
}

func (m *memoryPoints) ScrollAndOffset(_ context.Context, _ *qdrant.ScrollPoints) ([]*qdrant.RetrievedPoint, *qdrant.PointId, error) {
	ids := make([]string, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	points := make([]*qdrant.RetrievedPoint, len(ids))
	for i, id := range ids {
		points[i] = &qdrant.RetrievedPoint{Id: qdrant.NewIDUUID(id)}
	}
	return points, nil, nil
}

func newLoadTarget(points qdrantPoints) *Qdrant {
	return &Qdrant{
		points:     points,
		collection: "chunks",
		dim:        2,
		metric:     Cosine,
		retry:      fastPolicy(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func writeQdrantSnapshot(t *testing.T, n int) (string, []domain.IndexRecord) {
	t.Helper()
	records := make([]domain.IndexRecord, n)
	for i := range records {
		records[i] = record(fmt.Sprintf("doc#%d", i), "doc", 1, float32(i))
	}
	dir := t.TempDir()
	require.NoError(t, WriteSnapshot(dir, Manifest{Kind: KindQdrant, Dimension: 2, Metric: Cosine}, records))
	return dir, records
}

func TestQdrantLoad_RetriesTransientBatchAndPrunes(t *testing.T) {
	dir, records := writeQdrantSnapshot(t, 150)

	points := newMemoryPoints("old#0")
	failed := false
	points.failUpsert = func(call int) error {
		if call == 2 && !failed {
			failed = true
			return status.Error(codes.Unavailable, "connection reset")
		}
		return nil
	}

	require.NoError(t, newLoadTarget(points).Load(context.Background(), dir))

	assert.Equal(t, 3, points.upserts)
	assert.Len(t, points.ids, len(records))
	assert.False(t, points.ids[pointID("old#0")])
	for _, r := range records {
		assert.True(t, points.ids[pointID(r.ChunkID)], r.ChunkID)
	}
}

func TestQdrantLoad_FailureKeepsExistingPoints(t *testing.T) {
	dir, _ := writeQdrantSnapshot(t, 10)

	points := newMemoryPoints("old#0", "old#1")
	points.failUpsert = func(int) error {
		return status.Error(codes.Unavailable, "connection refused")
	}

	err := newLoadTarget(points).Load(context.Background(), dir)
	assert.ErrorIs(t, err, domain.ErrNetworkTransient)

	assert.Equal(t, 3, points.upserts)
	assert.Zero(t, points.deletes)
	assert.True(t, points.ids[pointID("old#0")])
	assert.True(t, points.ids[pointID("old#1")])
}

func TestQdrantLoad_PermanentFailureIsClassified(t *testing.T) {
	dir, _ := writeQdrantSnapshot(t, 1)

	points := newMemoryPoints("old#0")
	points.failUpsert = func(int) error {
		return status.Error(codes.InvalidArgument, "bad vector")
	}

	err := newLoadTarget(points).Load(context.Background(), dir)
	assert.ErrorIs(t, err, domain.ErrRemotePermanent)
	assert.Equal(t, 1, points.upserts)
	assert.True(t, points.ids[pointID("old#0")])
}

func TestQdrantLoad_MetricMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSnapshot(dir, Manifest{Kind: KindQdrant, Dimension: 2, Metric: L2}, nil))

	points := newMemoryPoints("old#0")
	err := newLoadTarget(points).Load(context.Background(), dir)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Zero(t, points.upserts)
	assert.True(t, points.ids[pointID("old#0")])
}
