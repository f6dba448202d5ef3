// Package pipeline runs the ingestion and query flows as ordered chains of
// named stages. A chain is validated when the Manager is built; at request
// time the stages run strictly in order and the first failure stops the
// run with a *StageError naming the stage and the error kind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bull/ragsworth/internal/audit"
	"github.com/bull/ragsworth/internal/chunker"
	"github.com/bull/ragsworth/internal/domain"
	"github.com/bull/ragsworth/internal/embedding"
	"github.com/bull/ragsworth/internal/index"
	"github.com/bull/ragsworth/internal/llm"
	"github.com/bull/ragsworth/internal/pii"
	"github.com/bull/ragsworth/internal/session"
)

const (
	FlowIngest = "ingest"
	FlowQuery  = "query"
)

// Stage names of the fixed chains, usable as insertion points.
const (
	StageRedactDocument = "redact_document"
	StageChunk          = "chunk"
	StageEmbedChunks    = "embed_chunks"
	StageIndexAdd       = "index_add"

	StageSanitizeInput = "sanitize_input"
	StagePIIInput      = "pii_input"
	StageEmbedQuery    = "embed_query"
	StageRetrieve      = "retrieve"
	StagePIIResults    = "pii_results"
	StageGenerate      = "generate"
	StagePIIOutput     = "pii_output"
	StageSessionAppend = "session_append"
)

const (
	DefaultTopK             = 5
	DefaultRequestTimeout   = 30 * time.Second
	MinRequestTimeout       = 2 * time.Second
	DefaultEmbedConcurrency = 4
	DefaultEmbedBatchSize   = 32
)

// Config wires the Manager's collaborators. Chunker, Embedder, Index and
// LLM are required; the rest have defaults.
type Config struct {
	Chunker  *chunker.Chunker
	Embedder embedding.Gateway
	Index    index.VectorIndex
	LLM      llm.Gateway

	// Sessions defaults to an in-memory store bounded at
	// session.DefaultMaxTurns.
	Sessions session.Store

	// PII defaults to an engine with every built-in type enabled.
	PII       *pii.Engine
	AuditSink audit.Sink
	AuditMode audit.Mode

	// RedactDocuments masks PII in documents before they are chunked.
	// Retrieved chunk texts are masked at query time either way.
	RedactDocuments bool

	// TopK is the pipeline-level result count. An index implementing
	// index.TopKProvider with a positive value overrides it.
	TopK int

	RequestTimeout   time.Duration
	EmbedConcurrency int
	EmbedBatchSize   int

	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Option customizes the chains built by NewManager.
type Option func(*options)

type options struct {
	ingest []insertion
	query  []insertion
}

type insertion struct {
	after string
	stage Stage
}

// WithIngestStage inserts a custom stage after the named ingestion stage.
func WithIngestStage(after string, s Stage) Option {
	return func(o *options) {
		o.ingest = append(o.ingest, insertion{after: after, stage: s})
	}
}

// WithQueryStage inserts a custom stage after the named query stage.
func WithQueryStage(after string, s Stage) Option {
	return func(o *options) {
		o.query = append(o.query, insertion{after: after, stage: s})
	}
}

// Manager runs the ingestion and query chains. It is safe for concurrent
// use; requests share only the index and the session store.
type Manager struct {
	chunker          *chunker.Chunker
	embedder         embedding.Gateway
	index            index.VectorIndex
	llm              llm.Gateway
	sessions         session.Store
	pii              *pii.Engine
	sink             audit.Sink
	auditMode        audit.Mode
	topK             int
	timeout          time.Duration
	embedConcurrency int
	embedBatchSize   int
	metrics          *Metrics
	logger           *slog.Logger
	now              func() time.Time

	ingest   *Chain
	query    *Chain
	retrieve *Chain
}

// NewManager validates cfg, builds both chains and applies the custom
// stage insertions. Any problem fails with domain.ErrConfiguration.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	switch {
	case cfg.Chunker == nil:
		return nil, fmt.Errorf("%w: chunker is required", domain.ErrConfiguration)
	case cfg.Embedder == nil:
		return nil, fmt.Errorf("%w: embedder is required", domain.ErrConfiguration)
	case cfg.Index == nil:
		return nil, fmt.Errorf("%w: vector index is required", domain.ErrConfiguration)
	case cfg.LLM == nil:
		return nil, fmt.Errorf("%w: llm is required", domain.ErrConfiguration)
	}
	if d := cfg.Embedder.Dimensions(); d > 0 && d != cfg.Index.Dimension() {
		return nil, fmt.Errorf("%w: %w: embedder produces %d dimensions, index expects %d",
			domain.ErrConfiguration, domain.ErrDimensionMismatch, d, cfg.Index.Dimension())
	}

	m := &Manager{
		chunker:          cfg.Chunker,
		embedder:         cfg.Embedder,
		index:            cfg.Index,
		llm:              cfg.LLM,
		sessions:         cfg.Sessions,
		pii:              cfg.PII,
		sink:             cfg.AuditSink,
		auditMode:        cfg.AuditMode,
		topK:             cfg.TopK,
		timeout:          cfg.RequestTimeout,
		embedConcurrency: cfg.EmbedConcurrency,
		embedBatchSize:   cfg.EmbedBatchSize,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		now:              cfg.Now,
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.sessions == nil {
		m.sessions = session.NewMemory(session.DefaultMaxTurns)
	}
	if m.pii == nil {
		engine, err := pii.New(pii.Config{})
		if err != nil {
			return nil, err
		}
		m.pii = engine
	}
	if m.sink == nil {
		m.sink = audit.SlogSink{Logger: m.logger}
	}
	if m.auditMode == "" {
		m.auditMode = audit.PerMatch
	}
	if m.topK == 0 {
		m.topK = DefaultTopK
	}
	if m.topK < 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", domain.ErrConfiguration, m.topK)
	}
	if m.timeout == 0 {
		m.timeout = DefaultRequestTimeout
	}
	if m.timeout < MinRequestTimeout {
		return nil, fmt.Errorf("%w: request timeout %s is below the %s minimum",
			domain.ErrConfiguration, m.timeout, MinRequestTimeout)
	}
	if m.embedConcurrency <= 0 {
		m.embedConcurrency = DefaultEmbedConcurrency
	}
	if m.embedBatchSize <= 0 {
		m.embedBatchSize = DefaultEmbedBatchSize
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.now == nil {
		m.now = time.Now
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	if m.ingest, err = m.ingestChain(cfg.RedactDocuments, o.ingest); err != nil {
		return nil, err
	}
	if m.query, err = m.queryChain(o.query); err != nil {
		return nil, err
	}
	if m.retrieve, err = m.query.Through(StagePIIResults); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ingestChain(redact bool, custom []insertion) (*Chain, error) {
	var stages []Stage
	if redact {
		stages = append(stages, m.redactDocumentStage())
	}
	stages = append(stages, m.chunkStage(), m.embedChunksStage(), m.indexAddStage())

	chain, err := NewChain(FlowIngest, []Kind{KindDocument}, stages...)
	if err != nil {
		return nil, err
	}
	return insertAll(chain, custom)
}

func (m *Manager) queryChain(custom []insertion) (*Chain, error) {
	chain, err := NewChain(FlowQuery, []Kind{KindQuestion, KindSession},
		m.sanitizeInputStage(),
		m.piiInputStage(),
		m.embedQueryStage(),
		m.retrieveStage(),
		m.piiResultsStage(),
		m.generateStage(),
		m.piiOutputStage(),
		m.sessionAppendStage(),
	)
	if err != nil {
		return nil, err
	}
	return insertAll(chain, custom)
}

func insertAll(chain *Chain, custom []insertion) (*Chain, error) {
	var err error
	for _, ins := range custom {
		if chain, err = chain.InsertAfter(ins.after, ins.stage); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// IngestChain returns the validated ingestion chain.
func (m *Manager) IngestChain() *Chain { return m.ingest }

// QueryChain returns the validated query chain.
func (m *Manager) QueryChain() *Chain { return m.query }

// Index returns the vector index the manager writes to.
func (m *Manager) Index() index.VectorIndex { return m.index }

// IngestOption configures a single ingestion.
type IngestOption func(*Exchange)

// Upsert replaces records of chunks that are already indexed.
func Upsert() IngestOption {
	return func(ex *Exchange) { ex.Upsert = true }
}

// Ingest chunks, embeds and indexes one document and returns the number of
// records added. A document without an id gets one derived from Source.
func (m *Manager) Ingest(ctx context.Context, doc domain.Document, opts ...IngestOption) (int, error) {
	if doc.ID == "" {
		if doc.Source == "" {
			return 0, fmt.Errorf("%w: document has neither id nor source", domain.ErrInvalidRequest)
		}
		doc.ID = domain.DocumentID(doc.Source)
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = m.now()
	}

	ex := &Exchange{RequestID: uuid.NewString(), Document: doc}
	for _, opt := range opts {
		opt(ex)
	}
	if err := m.run(ctx, m.ingest, ex); err != nil {
		return 0, err
	}
	return ex.Added, nil
}

// IngestReport summarizes a batch ingestion.
type IngestReport struct {
	Total     int
	Succeeded int
	Chunks    int
	Failed    []FailedDocument
	Duration  time.Duration
}

// FailedDocument is a document that could not be ingested.
type FailedDocument struct {
	Source string
	Err    error
}

// IngestAll ingests every document, continuing past failures. It stops
// early only when ctx is done, returning the partial report and ctx's error.
func (m *Manager) IngestAll(ctx context.Context, docs []domain.Document, opts ...IngestOption) (*IngestReport, error) {
	start := time.Now()
	report := &IngestReport{Total: len(docs)}

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}

		n, err := m.Ingest(ctx, doc, opts...)
		if err != nil {
			m.logger.Warn("Failed to ingest document", "source", doc.Source, "error", err)
			report.Failed = append(report.Failed, FailedDocument{Source: doc.Source, Err: err})
			continue
		}
		report.Succeeded++
		report.Chunks += n
	}

	report.Duration = time.Since(start)
	m.logger.Info("Ingestion complete",
		"successful", report.Succeeded,
		"failed", len(report.Failed),
		"chunks", report.Chunks,
		"duration", report.Duration,
	)
	return report, nil
}

// QueryRequest is one question, optionally within a session.
type QueryRequest struct {
	SessionID string
	Question  string
	// TopK overrides the pipeline-level top_k for this request when positive.
	TopK int
}

// QueryResponse is the outcome of a query. Question is the question as it
// was sent to the model, with PII masked. Redactions counts the spans masked
// in the question, the retrieved texts and the answer.
type QueryResponse struct {
	RequestID  string
	Question   string
	Answer     string
	Results    []domain.SearchResult
	Redactions int
}

// Query runs the full query chain.
func (m *Manager) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	ex := &Exchange{
		RequestID: uuid.NewString(),
		SessionID: req.SessionID,
		Question:  req.Question,
		TopK:      req.TopK,
	}
	if err := m.run(ctx, m.query, ex); err != nil {
		return nil, err
	}

	redactions := 0
	for _, e := range ex.Audit {
		redactions += e.Count
	}
	return &QueryResponse{
		RequestID:  ex.RequestID,
		Question:   ex.Question,
		Answer:     ex.Answer,
		Results:    ex.Results,
		Redactions: redactions,
	}, nil
}

// Retrieve runs the query chain up to and including the masking of the
// retrieved texts and returns the ranked results without generating an
// answer.
func (m *Manager) Retrieve(ctx context.Context, question string, topK int) ([]domain.SearchResult, error) {
	ex := &Exchange{RequestID: uuid.NewString(), Question: question, TopK: topK}
	if err := m.run(ctx, m.retrieve, ex); err != nil {
		return nil, err
	}
	return ex.Results, nil
}

// DeleteDocument removes every indexed chunk of a document.
func (m *Manager) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	if documentID == "" {
		return 0, fmt.Errorf("%w: document id is required", domain.ErrInvalidRequest)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	n, err := m.index.Delete(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete document %s: %w", documentID, err)
	}
	m.logger.Info("Deleted document", "document_id", documentID, "chunks", n)
	return n, nil
}

// run executes the chain in order under the request timeout.
func (m *Manager) run(ctx context.Context, chain *Chain, ex *Exchange) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	defer func() { m.metrics.finished(chain.name, err) }()

	logger := m.logger.With("flow", chain.name, "request_id", ex.RequestID)

	for _, s := range chain.stages {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return m.stageFailure(ctx, logger, chain.name, s.Name, ctxErr)
		}

		start := time.Now()
		runErr := s.Run(ctx, ex)
		elapsed := time.Since(start)
		m.metrics.observeStage(chain.name, s.Name, elapsed)

		if runErr != nil {
			return m.stageFailure(ctx, logger, chain.name, s.Name, runErr)
		}
		logger.Debug("Stage complete", "stage", s.Name, "duration", elapsed)
	}
	return nil
}

// stageFailure classifies a stage error. A request whose deadline passed
// fails with domain.ErrTimeout whatever the stage reported.
func (m *Manager) stageFailure(ctx context.Context, logger *slog.Logger, flow, stage string, err error) *StageError {
	kinds := domain.Kinds(err)
	kind := domain.KindOf(err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = domain.ErrTimeout
	}

	se := newStageError(flow, stage, kind, kinds, m.pii.Redact(err.Error()))
	m.metrics.stageFailed(flow, stage, domain.KindName(kind))
	logger.Warn("Stage failed", "stage", stage, "kind", domain.KindName(kind), "error", se.Message)
	return se
}

// recordPII emits the audit entries of one scan. Sink failures are logged
// and do not fail the request.
func (m *Manager) recordPII(ctx context.Context, ex *Exchange, stage string, res pii.Result) {
	if len(res.Matches) == 0 {
		return
	}
	for _, match := range res.Matches {
		m.metrics.redacted(string(match.Type), stage)
	}

	entries := audit.Build(m.auditMode, ex.RequestID, stage, res.Text, res.Matches, m.now())
	ex.Audit = append(ex.Audit, entries...)
	if err := m.sink.Emit(ctx, entries); err != nil {
		m.logger.Warn("Failed to emit audit entries",
			"request_id", ex.RequestID, "stage", stage, "entries", len(entries), "error", err)
	}
}
