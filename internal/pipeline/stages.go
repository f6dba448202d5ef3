package pipeline

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bull/ragsworth/internal/domain"
	"github.com/bull/ragsworth/internal/index"
	"github.com/bull/ragsworth/internal/llm"
)

func (m *Manager) redactDocumentStage() Stage {
	return Stage{
		Name:     StageRedactDocument,
		Needs:    []Kind{KindDocument},
		Provides: []Kind{KindDocument},
		Run: func(ctx context.Context, ex *Exchange) error {
			res := m.pii.Scan(ex.Document.Text)
			m.recordPII(ctx, ex, StageRedactDocument, res)
			ex.Document.Text = res.Text
			return nil
		},
	}
}

func (m *Manager) chunkStage() Stage {
	return Stage{
		Name:     StageChunk,
		Needs:    []Kind{KindDocument},
		Provides: []Kind{KindChunks},
		Run: func(ctx context.Context, ex *Exchange) error {
			ex.Chunks = m.chunker.SplitDocument(ex.Document)
			return nil
		},
	}
}

// embedChunksStage embeds chunk batches concurrently. Every batch writes
// its own slice positions, so completion order does not matter.
func (m *Manager) embedChunksStage() Stage {
	return Stage{
		Name:     StageEmbedChunks,
		Needs:    []Kind{KindChunks},
		Provides: []Kind{KindRecords},
		Run: func(ctx context.Context, ex *Exchange) error {
			if len(ex.Chunks) == 0 {
				ex.Records = nil
				return nil
			}

			vectors := make([][]float32, len(ex.Chunks))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(m.embedConcurrency)

			for start := 0; start < len(ex.Chunks); start += m.embedBatchSize {
				end := min(start+m.embedBatchSize, len(ex.Chunks))
				g.Go(func() error {
					texts := make([]string, end-start)
					for i, c := range ex.Chunks[start:end] {
						texts[i] = c.Text
					}
					out, err := m.embedder.Embed(gctx, texts)
					if err != nil {
						return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
					}
					if len(out) != len(texts) {
						return fmt.Errorf("%w: embedder returned %d vectors for %d chunks",
							domain.ErrProvider, len(out), len(texts))
					}
					copy(vectors[start:end], out)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			records := make([]domain.IndexRecord, len(ex.Chunks))
			for i, c := range ex.Chunks {
				records[i] = domain.IndexRecord{
					ChunkID:    c.ID,
					DocumentID: c.DocumentID,
					Ordinal:    c.Ordinal,
					Vector:     vectors[i],
					Text:       c.Text,
					Metadata:   chunkMetadata(ex.Document, c),
				}
			}
			ex.Records = records
			return nil
		},
	}
}

func chunkMetadata(doc domain.Document, c domain.Chunk) map[string]string {
	meta := make(map[string]string, len(doc.Metadata)+4)
	maps.Copy(meta, doc.Metadata)
	meta["source"] = doc.Source
	if doc.Format != "" {
		meta["format"] = doc.Format
	}
	meta["start"] = strconv.Itoa(c.Start)
	meta["end"] = strconv.Itoa(c.End)
	return meta
}

func (m *Manager) indexAddStage() Stage {
	return Stage{
		Name:     StageIndexAdd,
		Needs:    []Kind{KindRecords},
		Provides: []Kind{KindIndexed},
		Run: func(ctx context.Context, ex *Exchange) error {
			if len(ex.Records) == 0 {
				ex.Added = 0
				return nil
			}
			var opts []index.AddOption
			if ex.Upsert {
				opts = append(opts, index.WithUpsert())
			}
			n, err := m.index.Add(ctx, ex.Records, opts...)
			if err != nil {
				return fmt.Errorf("add %d records: %w", len(ex.Records), err)
			}
			ex.Added = n
			return nil
		},
	}
}

func (m *Manager) sanitizeInputStage() Stage {
	return Stage{
		Name:     StageSanitizeInput,
		Needs:    []Kind{KindQuestion},
		Provides: []Kind{KindQuestion},
		Run: func(ctx context.Context, ex *Exchange) error {
			q := strings.TrimSpace(ex.Question)
			if q == "" {
				return fmt.Errorf("%w: empty question", domain.ErrInvalidRequest)
			}
			ex.Question = q
			return nil
		},
	}
}

func (m *Manager) piiInputStage() Stage {
	return Stage{
		Name:     StagePIIInput,
		Needs:    []Kind{KindQuestion},
		Provides: []Kind{KindQuestion},
		Run: func(ctx context.Context, ex *Exchange) error {
			res := m.pii.Scan(ex.Question)
			m.recordPII(ctx, ex, StagePIIInput, res)
			ex.Question = res.Text
			return nil
		},
	}
}

func (m *Manager) embedQueryStage() Stage {
	return Stage{
		Name:     StageEmbedQuery,
		Needs:    []Kind{KindQuestion},
		Provides: []Kind{KindQueryVector},
		Run: func(ctx context.Context, ex *Exchange) error {
			out, err := m.embedder.Embed(ctx, []string{ex.Question})
			if err != nil {
				return fmt.Errorf("embed question: %w", err)
			}
			if len(out) != 1 {
				return fmt.Errorf("%w: embedder returned %d vectors for one question", domain.ErrProvider, len(out))
			}
			ex.QueryVector = out[0]
			return nil
		},
	}
}

// retrieveStage searches the index. The index's own top_k wins over the
// request's, which wins over the pipeline default.
func (m *Manager) retrieveStage() Stage {
	return Stage{
		Name:     StageRetrieve,
		Needs:    []Kind{KindQueryVector},
		Provides: []Kind{KindResults},
		Run: func(ctx context.Context, ex *Exchange) error {
			topK := m.topK
			if ex.TopK > 0 {
				topK = ex.TopK
			}
			if p, ok := m.index.(index.TopKProvider); ok && p.TopK() > 0 {
				topK = p.TopK()
			}

			results, err := m.index.Search(ctx, ex.QueryVector, topK)
			if err != nil {
				return fmt.Errorf("search top %d: %w", topK, err)
			}
			ex.Results = results
			return nil
		},
	}
}

// piiResultsStage masks PII in retrieved chunk texts before they reach the
// model or the caller. The results slice is copied; records held by the
// index are left as stored.
func (m *Manager) piiResultsStage() Stage {
	return Stage{
		Name:     StagePIIResults,
		Needs:    []Kind{KindResults},
		Provides: []Kind{KindResults},
		Run: func(ctx context.Context, ex *Exchange) error {
			results := slices.Clone(ex.Results)
			for i := range results {
				res := m.pii.Scan(results[i].Record.Text)
				if len(res.Matches) == 0 {
					continue
				}
				m.recordPII(ctx, ex, StagePIIResults, res)
				results[i].Record.Text = res.Text
			}
			ex.Results = results
			return nil
		},
	}
}

func (m *Manager) generateStage() Stage {
	return Stage{
		Name:     StageGenerate,
		Needs:    []Kind{KindQuestion, KindResults, KindSession},
		Provides: []Kind{KindAnswer},
		Run: func(ctx context.Context, ex *Exchange) error {
			if ex.SessionID != "" {
				history, err := m.sessions.Get(ctx, ex.SessionID)
				if err != nil {
					return fmt.Errorf("load session history: %w", err)
				}
				ex.History = history
			}

			answer, err := m.llm.Generate(ctx, llm.Request{
				Question: ex.Question,
				Context:  ex.Results,
				History:  ex.History,
			})
			if err != nil {
				return fmt.Errorf("generate answer: %w", err)
			}
			ex.Answer = answer
			return nil
		},
	}
}

func (m *Manager) piiOutputStage() Stage {
	return Stage{
		Name:     StagePIIOutput,
		Needs:    []Kind{KindAnswer},
		Provides: []Kind{KindAnswer},
		Run: func(ctx context.Context, ex *Exchange) error {
			res := m.pii.Scan(ex.Answer)
			m.recordPII(ctx, ex, StagePIIOutput, res)
			ex.Answer = res.Text
			return nil
		},
	}
}

// sessionAppendStage stores the question and answer in one call so they
// stay adjacent under concurrent requests on the same session.
func (m *Manager) sessionAppendStage() Stage {
	return Stage{
		Name:  StageSessionAppend,
		Needs: []Kind{KindQuestion, KindAnswer, KindSession},
		Run: func(ctx context.Context, ex *Exchange) error {
			if ex.SessionID == "" {
				return nil
			}
			now := m.now()
			err := m.sessions.Append(ctx, ex.SessionID,
				domain.Turn{Role: domain.RoleUser, Content: ex.Question, At: now},
				domain.Turn{Role: domain.RoleAssistant, Content: ex.Answer, At: now},
			)
			if err != nil {
				return fmt.Errorf("append session turns: %w", err)
			}
			return nil
		},
	}
}
