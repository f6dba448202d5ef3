package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pgvector/pgvector-go"

	"github.com/bull/ragsworth/internal/domain"
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGVectorConfig configures the Postgres backend.
type PGVectorConfig struct {
	DSN       string
	Table     string
	Dimension int
	Metric    Metric
	TopK      int
	Retry     RetryPolicy
}

// PGVector is a VectorIndex stored in a Postgres table with the pgvector
// extension. Rows keep a sequence number so ties rank by insertion order.
type PGVector struct {
	db     *sql.DB
	table  string
	dim    int
	metric Metric
	topK   int
	retry  RetryPolicy
	logger *slog.Logger
}

var (
	_ VectorIndex  = (*PGVector)(nil)
	_ TopKProvider = (*PGVector)(nil)
)

// OpenPGVector opens a connection pool, waits for the database and creates
// the extension and table when missing.
func OpenPGVector(ctx context.Context, cfg PGVectorConfig, logger *slog.Logger) (*PGVector, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", domain.ErrConfiguration, err)
	}

	p, err := NewPGVector(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := p.retry.do(ctx, p.logger, "postgres ping", db.PingContext); err != nil {
		db.Close()
		return nil, err
	}
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPGVector wraps an existing pool. It performs no I/O.
func NewPGVector(db *sql.DB, cfg PGVectorConfig, logger *slog.Logger) (*PGVector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metric, err := validateConfig(cfg.Dimension, cfg.Metric)
	if err != nil {
		return nil, err
	}
	if cfg.Table == "" {
		cfg.Table = "chunks"
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", domain.ErrConfiguration, cfg.Table)
	}

	return &PGVector{
		db:     db,
		table:  cfg.Table,
		dim:    cfg.Dimension,
		metric: metric,
		topK:   cfg.TopK,
		retry:  cfg.Retry.withDefaults(),
		logger: logger,
	}, nil
}

// Migrate creates the vector extension, the chunk table and its document index.
func (p *PGVector) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d) NOT NULL
		)`, p.table, p.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_id_idx ON %s (document_id)`, p.table, p.table),
	}

	for _, stmt := range statements {
		err := p.retry.do(ctx, p.logger, "postgres migrate", func(ctx context.Context) error {
			_, err := p.db.ExecContext(ctx, stmt)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Add implements VectorIndex. The batch is written in one transaction;
// any existing chunk id rolls the whole batch back unless upserting.
func (p *PGVector) Add(ctx context.Context, records []domain.IndexRecord, opts ...AddOption) (int, error) {
	o := applyAddOptions(opts)

	batch, err := validateBatch(records, p.dim, o.upsert)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	err = p.retry.do(ctx, p.logger, "postgres insert", func(ctx context.Context) error {
		return p.insert(ctx, batch, o.upsert, false)
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (p *PGVector) insert(ctx context.Context, records []domain.IndexRecord, upsert, truncate bool) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if truncate {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s`, p.table)); err != nil {
			return err
		}
	}

	conflict := `DO NOTHING`
	if upsert {
		conflict = `DO UPDATE SET document_id = EXCLUDED.document_id, ordinal = EXCLUDED.ordinal,
			text = EXCLUDED.text, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`
	}
	query := fmt.Sprintf(`INSERT INTO %s (chunk_id, document_id, ordinal, text, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) %s`, p.table, conflict)

	for _, r := range records {
		var meta any
		if len(r.Metadata) > 0 {
			b, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("%w: encode metadata for %s: %v", domain.ErrInvalidRequest, r.ChunkID, err)
			}
			meta = string(b)
		}

		res, err := tx.ExecContext(ctx, query,
			r.ChunkID, r.DocumentID, r.Ordinal, r.Text, meta, pgvector.NewVector(r.Vector))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s already indexed", domain.ErrDuplicateChunk, r.ChunkID)
		}
	}

	return tx.Commit()
}

// distance returns the pgvector operator for the metric.
func (p *PGVector) distance() string {
	switch p.metric {
	case L2:
		return "<->"
	case InnerProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

// score converts a pgvector distance into the metric's score.
func (p *PGVector) score(d float64) float64 {
	switch p.metric {
	case L2:
		return d * d
	case InnerProduct:
		return -d
	default:
		return 1 - d
	}
}

// Search implements VectorIndex.
func (p *PGVector) Search(ctx context.Context, query []float32, topK int) ([]domain.SearchResult, error) {
	if err := validateQuery(query, p.dim, topK); err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf(`SELECT chunk_id, document_id, ordinal, text, metadata, embedding, embedding %s $1 AS distance
		FROM %s
		ORDER BY distance, seq
		LIMIT $2`, p.distance(), p.table)

	var results []domain.SearchResult
	err := p.retry.do(ctx, p.logger, "postgres search", func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, stmt, pgvector.NewVector(query), topK)
		if err != nil {
			return err
		}
		defer rows.Close()

		results = results[:0]
		for rows.Next() {
			var distance float64
			r, err := scanRecord(rows, &distance)
			if err != nil {
				return err
			}
			results = append(results, domain.SearchResult{Record: r, Score: p.score(distance)})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		return []domain.SearchResult{}, nil
	}
	return rank(results), nil
}

// Delete implements VectorIndex.
func (p *PGVector) Delete(ctx context.Context, documentID string) (int, error) {
	var removed int64
	err := p.retry.do(ctx, p.logger, "postgres delete", func(ctx context.Context) error {
		res, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, p.table), documentID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

// Persist implements VectorIndex.
func (p *PGVector) Persist(ctx context.Context, dir string) error {
	stmt := fmt.Sprintf(`SELECT chunk_id, document_id, ordinal, text, metadata, embedding FROM %s ORDER BY seq`, p.table)

	var records []domain.IndexRecord
	err := p.retry.do(ctx, p.logger, "postgres export", func(ctx context.Context) error {
		rows, err := p.db.QueryContext(ctx, stmt)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	return WriteSnapshot(dir, Manifest{Kind: KindPGVector, Dimension: p.dim, Metric: p.metric}, records)
}

// Load implements VectorIndex: the table is truncated and refilled in one
// transaction.
func (p *PGVector) Load(ctx context.Context, dir string) error {
	m, records, err := ReadSnapshot(dir, KindPGVector, p.dim)
	if err != nil {
		return err
	}
	if m.Metric != p.metric {
		return fmt.Errorf("%w: snapshot metric %s, table metric %s", domain.ErrConfiguration, m.Metric, p.metric)
	}

	err = p.retry.do(ctx, p.logger, "postgres import", func(ctx context.Context) error {
		return p.insert(ctx, records, false, true)
	})
	if err != nil {
		return err
	}

	p.logger.Info("Loaded pgvector table", "table", p.table, "records", len(records))
	return nil
}

// Count implements VectorIndex.
func (p *PGVector) Count(ctx context.Context) (int, error) {
	var n int
	err := p.retry.do(ctx, p.logger, "postgres count", func(ctx context.Context) error {
		return p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, p.table)).Scan(&n)
	})
	return n, err
}

// Health implements VectorIndex.
func (p *PGVector) Health(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Dimension implements VectorIndex.
func (p *PGVector) Dimension() int { return p.dim }

// Metric implements VectorIndex.
func (p *PGVector) Metric() Metric { return p.metric }

// Kind implements VectorIndex.
func (p *PGVector) Kind() string { return KindPGVector }

// TopK implements TopKProvider.
func (p *PGVector) TopK() int { return p.topK }

// Close implements VectorIndex.
func (p *PGVector) Close() error { return p.db.Close() }

func scanRecord(rows *sql.Rows, extra ...any) (domain.IndexRecord, error) {
	var (
		r      domain.IndexRecord
		meta   []byte
		vector pgvector.Vector
	)
	dest := append([]any{&r.ChunkID, &r.DocumentID, &r.Ordinal, &r.Text, &meta, &vector}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return r, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return r, fmt.Errorf("%w: decode metadata for %s: %v", domain.ErrInternal, r.ChunkID, err)
		}
	}
	r.Vector = vector.Slice()
	return r, nil
}
