package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/ragsworth/internal/domain"
	"github.com/bull/ragsworth/internal/pipeline"
)

const (
	defaultMaxResults = 5
	maxMaxResults     = 20
)

// kindMessages are the user-facing descriptions of error kinds. Tool errors
// carry only these, never the underlying error text.
var kindMessages = map[error]string{
	domain.ErrTimeout:           "the request timed out",
	domain.ErrCanceled:          "the request was canceled",
	domain.ErrRateLimited:       "the model provider is rate limiting requests, try again later",
	domain.ErrUnavailable:       "a backend service is unavailable",
	domain.ErrInvalidRequest:    "the request was rejected as invalid",
	domain.ErrDimensionMismatch: "the embedding model does not match the index",
	domain.ErrNetworkTransient:  "the vector index could not be reached",
	domain.ErrRemotePermanent:   "the vector index rejected the request",
	domain.ErrConfiguration:     "the server is misconfigured",
	domain.ErrProvider:          "the model provider failed",
	domain.ErrNotFound:          "not found",
	domain.ErrDuplicateChunk:    "the document is already indexed",
}

// toolError renders err for a tool result: the failing stage and the kind
// of failure.
func toolError(op string, err error) error {
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return fmt.Errorf("%s failed at stage %s: %s", op, se.Stage, describe(se.Kind))
	}
	return fmt.Errorf("%s failed: %s", op, describe(domain.KindOf(err)))
}

func describe(kind error) string {
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	return "internal error"
}

// makeAskHandler creates the ask tool handler.
func makeAskHandler(p Pipeline) func(
	context.Context, *mcp.CallToolRequest, AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskInput) (
		*mcp.CallToolResult, AskOutput, error,
	) {
		resp, err := p.Query(ctx, pipeline.QueryRequest{
			SessionID: input.SessionID,
			Question:  input.Question,
			TopK:      input.TopK,
		})
		if err != nil {
			return nil, AskOutput{}, toolError("ask", err)
		}

		sources := make([]Source, len(resp.Results))
		for i, r := range resp.Results {
			sources[i] = Source{
				ChunkID:    r.Record.ChunkID,
				DocumentID: r.Record.DocumentID,
				Source:     r.Record.Metadata["source"],
				Ordinal:    r.Record.Ordinal,
				Rank:       r.Rank,
				Score:      r.Score,
			}
		}

		return nil, AskOutput{
			Answer:     resp.Answer,
			RequestID:  resp.RequestID,
			Sources:    sources,
			Redactions: resp.Redactions,
		}, nil
	}
}

// makeSearchHandler creates the search tool handler.
// min_score only applies to metrics where higher is closer.
func makeSearchHandler(p Pipeline) func(
	context.Context, *mcp.CallToolRequest, SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (
		*mcp.CallToolResult, SearchOutput, error,
	) {
		maxResults := input.MaxResults
		if maxResults <= 0 {
			maxResults = defaultMaxResults
		}
		maxResults = min(maxResults, maxMaxResults)

		hits, err := p.Retrieve(ctx, input.Query, maxResults)
		if err != nil {
			return nil, SearchOutput{}, toolError("search", err)
		}

		filter := input.MinScore > 0 && !p.Index().Metric().Ascending()
		results := make([]SearchResult, 0, len(hits))
		for _, h := range hits {
			if filter && h.Score < input.MinScore {
				continue
			}
			results = append(results, SearchResult{
				ChunkID:    h.Record.ChunkID,
				DocumentID: h.Record.DocumentID,
				Source:     h.Record.Metadata["source"],
				Ordinal:    h.Record.Ordinal,
				Rank:       h.Rank,
				Score:      h.Score,
				Text:       h.Record.Text,
			})
		}

		if len(results) == 0 {
			return nil, SearchOutput{
				Results: []SearchResult{},
				Message: "No matching passages found. Try broader search terms.",
			}, nil
		}
		return nil, SearchOutput{Results: results}, nil
	}
}

// makeDeleteHandler creates the delete_document tool handler.
func makeDeleteHandler(p Pipeline) func(
	context.Context, *mcp.CallToolRequest, DeleteDocumentInput,
) (*mcp.CallToolResult, DeleteDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input DeleteDocumentInput) (
		*mcp.CallToolResult, DeleteDocumentOutput, error,
	) {
		n, err := p.DeleteDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, DeleteDocumentOutput{}, toolError("delete_document", err)
		}
		return nil, DeleteDocumentOutput{DocumentID: input.DocumentID, Deleted: n}, nil
	}
}

// makeStatusHandler creates the index_status tool handler.
func makeStatusHandler(p Pipeline) func(
	context.Context, *mcp.CallToolRequest, StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (
		*mcp.CallToolResult, StatusOutput, error,
	) {
		idx := p.Index()
		count, err := idx.Count(ctx)
		if err != nil {
			return nil, StatusOutput{}, toolError("index_status", err)
		}

		return nil, StatusOutput{
			Kind:         idx.Kind(),
			Dimension:    idx.Dimension(),
			Metric:       string(idx.Metric()),
			Records:      count,
			IngestStages: p.IngestChain().Names(),
			QueryStages:  p.QueryChain().Names(),
		}, nil
	}
}
