// Package app assembles the pipeline and its backends from configuration.
// Both binaries build an App and share its wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/bull/ragsworth/internal/audit"
	"github.com/bull/ragsworth/internal/chunker"
	"github.com/bull/ragsworth/internal/config"
	"github.com/bull/ragsworth/internal/domain"
	"github.com/bull/ragsworth/internal/embedding"
	"github.com/bull/ragsworth/internal/index"
	"github.com/bull/ragsworth/internal/llm"
	"github.com/bull/ragsworth/internal/mcp"
	"github.com/bull/ragsworth/internal/pii"
	"github.com/bull/ragsworth/internal/pipeline"
	"github.com/bull/ragsworth/internal/session"
)

// App holds a configured Manager and the resources it owns.
type App struct {
	Config   *config.Config
	Manager  *pipeline.Manager
	Index    index.VectorIndex
	Registry *prometheus.Registry
	Logger   *slog.Logger

	checks  map[string]mcp.HealthChecker
	closers []func() error
}

// New builds every component named by cfg. Remote backends are dialed
// here, so New fails fast when one is unreachable. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		checks:   make(map[string]mcp.HealthChecker),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ch, err := chunker.New(chunker.WithChunkSize(cfg.Chunker.Size), chunker.WithOverlap(cfg.Chunker.Overlap))
	if err != nil {
		return nil, err
	}
	engine, err := newPII(cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	gateway, err := newLLM(cfg, logger)
	if err != nil {
		return nil, err
	}

	if a.Index, err = a.openIndex(ctx, cfg, logger); err != nil {
		return nil, err
	}
	a.checks["index"] = a.Index

	sessions, err := a.openSessions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mode, err := audit.ParseMode(cfg.Audit.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}
	sink, err := a.openAuditSink(cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Manager, err = pipeline.NewManager(pipeline.Config{
		Chunker:          ch,
		Embedder:         embedder,
		Index:            a.Index,
		LLM:              gateway,
		Sessions:         sessions,
		PII:              engine,
		AuditSink:        sink,
		AuditMode:        mode,
		RedactDocuments:  cfg.PII.RedactDocuments,
		TopK:             cfg.Pipeline.TopK,
		RequestTimeout:   cfg.Pipeline.RequestTimeout,
		EmbedConcurrency: cfg.Pipeline.EmbedConcurrency,
		EmbedBatchSize:   cfg.Pipeline.EmbedBatchSize,
		Metrics:          pipeline.NewMetrics(a.Registry),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("pipeline ready",
		"index", a.Index.Kind(),
		"metric", a.Index.Metric(),
		"dimension", a.Index.Dimension(),
		"embedding", cfg.Embedding.Provider,
		"llm", cfg.LLM.Provider,
		"sessions", cfg.Session.Store,
		"audit", cfg.Audit.Sink,
	)
	return a, nil
}

// HealthChecks returns the dependencies probed by /health.
func (a *App) HealthChecks() map[string]mcp.HealthChecker {
	return a.checks
}

// Persist snapshots the index into dir, falling back to index.path.
func (a *App) Persist(ctx context.Context, dir string) error {
	if dir == "" {
		dir = a.Config.Index.Path
	}
	if dir == "" {
		return fmt.Errorf("%w: no snapshot directory given", domain.ErrConfiguration)
	}
	if err := a.Index.Persist(ctx, dir); err != nil {
		return fmt.Errorf("persist index to %s: %w", dir, err)
	}
	a.Logger.Info("index persisted", "dir", dir)
	return nil
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newPII(cfg *config.Config) (*pii.Engine, error) {
	enabled := make([]pii.Type, 0, len(cfg.PII.Enabled))
	for _, t := range cfg.PII.Enabled {
		enabled = append(enabled, pii.Type(strings.ToUpper(strings.TrimSpace(t))))
	}
	custom := make([]pii.CustomType, 0, len(cfg.PII.Custom))
	for _, c := range cfg.PII.Custom {
		custom = append(custom, pii.CustomType{
			Name:        pii.Type(strings.ToUpper(c.Name)),
			Pattern:     c.Pattern,
			Description: c.Description,
		})
	}

	engine, err := pii.New(pii.Config{
		Enabled:         enabled,
		ReplacementChar: cfg.ReplacementRune(),
		Custom:          custom,
	})
	if err != nil {
		return nil, fmt.Errorf("pii engine: %w", err)
	}
	return engine, nil
}

func newEmbedder(cfg *config.Config, logger *slog.Logger) (embedding.Gateway, error) {
	ec := cfg.Embedding
	if ec.Provider == "hashing" {
		return embedding.NewHashing(ec.Dimension), nil
	}

	client, err := embedding.NewClient(embedding.ClientConfig{
		APIKey:  ec.APIKey,
		BaseURL: ec.BaseURL,
		Timeout: ec.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return embedding.NewEmbedder(client,
		embedding.WithModel(ec.Model),
		embedding.WithDimensions(ec.Dimension),
		embedding.WithBatchSize(ec.BatchSize),
		embedding.WithRateLimit(ec.RateLimit, ec.Burst),
		embedding.WithLogger(logger),
	), nil
}

func newLLM(cfg *config.Config, logger *slog.Logger) (llm.Gateway, error) {
	lc := cfg.LLM
	if lc.Provider == "extractive" {
		return llm.Extractive{}, nil
	}

	client, err := embedding.NewClient(embedding.ClientConfig{
		APIKey:  lc.APIKey,
		BaseURL: lc.BaseURL,
		Timeout: lc.Timeout,
	})
	if err != nil {
		return nil, err
	}

	opts := []llm.Option{llm.WithLogger(logger)}
	if counter, err := llm.NewTiktokenCounter(lc.Model); err != nil {
		logger.Warn("tiktoken unavailable, approximating token counts", "model", lc.Model, "error", err)
	} else {
		opts = append(opts, llm.WithTokenCounter(counter))
	}

	return llm.NewGenerator(client.Client(), llm.Config{
		Model:         lc.Model,
		SystemPrompt:  lc.SystemPrompt,
		Temperature:   lc.Temperature,
		MaxTokens:     lc.MaxTokens,
		ContextTokens: lc.ContextTokens,
	}, opts...), nil
}

func (a *App) openIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) (index.VectorIndex, error) {
	ic := cfg.Index
	metric, err := index.ParseMetric(ic.Metric)
	if err != nil {
		return nil, err
	}
	retry := index.RetryPolicy{Attempts: ic.Attempts, BaseDelay: ic.BaseDelay, Timeout: ic.Timeout}
	dim := cfg.Embedding.Dimension

	var idx index.VectorIndex
	switch ic.Kind {
	case index.KindQdrant:
		idx, err = index.NewQdrant(ctx, index.QdrantConfig{
			Host:       ic.Qdrant.Host,
			Port:       ic.Qdrant.Port,
			APIKey:     ic.Qdrant.APIKey,
			UseTLS:     ic.Qdrant.UseTLS,
			Collection: ic.Qdrant.Collection,
			Dimension:  dim,
			Metric:     metric,
			TopK:       ic.TopK,
			Retry:      retry,
		}, logger)
	case index.KindMilvus:
		idx, err = index.NewMilvus(ctx, index.MilvusConfig{
			Address:    ic.Milvus.Address,
			Username:   ic.Milvus.Username,
			Password:   ic.Milvus.Password,
			Database:   ic.Milvus.Database,
			UseTLS:     ic.Milvus.UseTLS,
			Collection: ic.Milvus.Collection,
			Dimension:  dim,
			Metric:     metric,
			TopK:       ic.TopK,
			Retry:      retry,
		}, logger)
	case index.KindPGVector:
		idx, err = index.OpenPGVector(ctx, index.PGVectorConfig{
			DSN:       ic.PGVector.DSN,
			Table:     ic.PGVector.Table,
			Dimension: dim,
			Metric:    metric,
			TopK:      ic.TopK,
			Retry:     retry,
		}, logger)
	default:
		idx, err = index.NewFlat(dim, metric, index.WithTopK(ic.TopK), index.WithLogger(logger))
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, idx.Close)

	if ic.Kind == index.KindFlat && ic.Path != "" {
		if err := loadSnapshot(ctx, idx, ic.Path, logger); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// loadSnapshot restores a flat index when dir holds a snapshot. A missing
// directory is a fresh start.
func loadSnapshot(ctx context.Context, idx index.VectorIndex, dir string, logger *slog.Logger) error {
	if _, err := os.Stat(filepath.Join(dir, index.ManifestFile)); errors.Is(err, os.ErrNotExist) {
		logger.Info("no index snapshot, starting empty", "dir", dir)
		return nil
	}
	if err := idx.Load(ctx, dir); err != nil {
		return fmt.Errorf("load index snapshot %s: %w", dir, err)
	}
	n, _ := idx.Count(ctx)
	logger.Info("index snapshot loaded", "dir", dir, "records", n)
	return nil
}

func (a *App) openSessions(ctx context.Context, cfg *config.Config) (session.Store, error) {
	sc := cfg.Session
	if sc.Store != "redis" {
		return session.NewMemory(sc.MaxTurns), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     sc.RedisAddr,
		Password: sc.RedisPassword,
		DB:       sc.RedisDB,
	})
	a.closers = append(a.closers, client.Close)

	store := session.NewRedis(client, session.RedisOptions{
		MaxTurns: sc.MaxTurns,
		TTL:      sc.TTL,
		Prefix:   sc.Prefix,
	})
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: redis %s: %w", domain.ErrUnavailable, sc.RedisAddr, err)
	}
	a.checks["sessions"] = mcp.HealthFunc(store.Ping)
	return store, nil
}

func (a *App) openAuditSink(cfg *config.Config, logger *slog.Logger) (audit.Sink, error) {
	switch cfg.Audit.Sink {
	case "none":
		return audit.Multi{}, nil
	case "kafka":
		producer, err := audit.NewKafkaProducer(cfg.Audit.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
		}
		kafka := audit.NewKafka(producer, cfg.Audit.KafkaTopic)
		a.closers = append(a.closers, kafka.Close)
		return audit.Multi{audit.SlogSink{Logger: logger}, kafka}, nil
	default:
		return audit.SlogSink{Logger: logger}, nil
	}
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
