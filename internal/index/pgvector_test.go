package index

import (
	"context"
	"net"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/domain"
)

var recordColumns = []string{"chunk_id", "document_id", "ordinal", "text", "metadata", "embedding"}

func newMockPGVector(t *testing.T, metric Metric) (*PGVector, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p, err := NewPGVector(db, PGVectorConfig{
		Dimension: 2,
		Metric:    metric,
		Retry:     RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Timeout: time.Second},
	}, nil)
	require.NoError(t, err)
	return p, mock
}

func TestNewPGVector_RejectsBadTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewPGVector(db, PGVectorConfig{Table: "chunks; DROP TABLE x", Dimension: 2}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestPGVector_Migrate(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS chunks \(`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS chunks_document_id_idx").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_AddCommitsBatch(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("a", "doc", 0, "text of a", `{"source":"doc"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("b", "doc", 0, "text of b", `{"source":"doc"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := p.Add(context.Background(), []domain.IndexRecord{
		record("a", "doc", 1, 0),
		record("b", "doc", 0, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_AddDuplicateRollsBack(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chunks").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := p.Add(context.Background(), []domain.IndexRecord{
		record("new", "doc", 1, 0),
		record("existing", "doc", 0, 1),
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateChunk)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_AddUpsertUsesDoUpdate(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	mock.ExpectBegin()
	mock.ExpectExec(`ON CONFLICT \(chunk_id\) DO UPDATE`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := p.Add(context.Background(), []domain.IndexRecord{record("a", "doc", 1, 0)}, WithUpsert())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_AddValidatesBeforeWriting(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	_, err := p.Add(context.Background(), []domain.IndexRecord{record("a", "doc", 1, 0, 0)})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_SearchScores(t *testing.T) {
	tests := []struct {
		metric   Metric
		operator string
		distance float64
		score    float64
	}{
		{L2, "<->", 2, 4},
		{Cosine, "<=>", 0.25, 0.75},
		{InnerProduct, "<#>", -3, 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.metric), func(t *testing.T) {
			p, mock := newMockPGVector(t, tt.metric)

			rows := sqlmock.NewRows(append(recordColumns, "distance")).
				AddRow("a", "doc", 2, "alpha", []byte(`{"source":"doc"}`), "[1,0]", tt.distance).
				AddRow("b", "doc", 3, "beta", nil, "[0,1]", tt.distance+1)
			mock.ExpectQuery("embedding "+regexp.QuoteMeta(tt.operator)+` \$1 AS distance`).
				WithArgs(sqlmock.AnyArg(), 2).
				WillReturnRows(rows)

			results, err := p.Search(context.Background(), []float32{1, 0}, 2)
			require.NoError(t, err)
			require.Len(t, results, 2)

			assert.Equal(t, "a", results[0].Record.ChunkID)
			assert.Equal(t, 2, results[0].Record.Ordinal)
			assert.Equal(t, []float32{1, 0}, results[0].Record.Vector)
			assert.Equal(t, "doc", results[0].Record.Metadata["source"])
			assert.InDelta(t, tt.score, results[0].Score, 1e-9)
			assert.Equal(t, 1, results[0].Rank)
			assert.Nil(t, results[1].Record.Metadata)
			assert.Equal(t, 2, results[1].Rank)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPGVector_SearchEmptyTable(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	mock.ExpectQuery("SELECT chunk_id").WillReturnRows(sqlmock.NewRows(append(recordColumns, "distance")))

	results, err := p.Search(context.Background(), []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestPGVector_SearchRetriesTransientFailures(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT chunk_id").WillReturnError(refused)
	}

	_, err := p.Search(context.Background(), []float32{1, 0}, 1)
	assert.ErrorIs(t, err, domain.ErrNetworkTransient)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_Delete(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	mock.ExpectExec(`DELETE FROM chunks WHERE document_id = \$1`).
		WithArgs("doc-a").
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := p.Delete(context.Background(), "doc-a")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestPGVector_PersistAndLoad(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)
	ctx := context.Background()
	dir := t.TempDir()

	mock.ExpectQuery("ORDER BY seq").WillReturnRows(sqlmock.NewRows(recordColumns).
		AddRow("a", "doc", 0, "alpha", nil, "[1,0]").
		AddRow("b", "doc", 1, "beta", nil, "[0,1]"))

	require.NoError(t, p.Persist(ctx, dir))
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, KindPGVector, m.Kind)
	assert.Equal(t, 2, m.Count)

	mock.ExpectBegin()
	mock.ExpectExec("TRUNCATE chunks").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO chunks").WithArgs("a", "doc", 0, "alpha", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO chunks").WithArgs("b", "doc", 1, "beta", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.Load(ctx, dir))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVector_Count(t *testing.T) {
	p, mock := newMockPGVector(t, Cosine)

	mock.ExpectQuery(`SELECT count\(\*\) FROM chunks`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := p.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
