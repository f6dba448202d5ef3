package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/chunker"
	"github.com/bull/ragsworth/internal/domain"
	"github.com/bull/ragsworth/internal/embedding"
	"github.com/bull/ragsworth/internal/index"
	"github.com/bull/ragsworth/internal/llm"
	"github.com/bull/ragsworth/internal/pipeline"
)

const testDim = 256

type llmFunc func(ctx context.Context, req llm.Request) (string, error)

func (f llmFunc) Generate(ctx context.Context, req llm.Request) (string, error) { return f(ctx, req) }

func newTestManager(t *testing.T, gateway llm.Gateway) *pipeline.Manager {
	t.Helper()
	ch, err := chunker.New(chunker.WithChunkSize(200), chunker.WithOverlap(20))
	require.NoError(t, err)
	flat, err := index.NewFlat(testDim, index.Cosine)
	require.NoError(t, err)
	if gateway == nil {
		gateway = llm.Extractive{}
	}

	m, err := pipeline.NewManager(pipeline.Config{
		Chunker:  ch,
		Embedder: embedding.NewHashing(testDim),
		Index:    flat,
		LLM:      gateway,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = m.Ingest(ctx, domain.Document{Source: "docs/install.md", Text: "Install the server with make install. Configure the index path before starting."})
	require.NoError(t, err)
	_, err = m.Ingest(ctx, domain.Document{Source: "docs/usage.md", Text: "Ask questions with the ask tool. Search returns passages without an answer."})
	require.NoError(t, err)
	return m
}

func connect(t *testing.T, p Pipeline) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := NewServer(&Config{Pipeline: p})
	ct, st := mcp.NewInMemoryTransports()
	_, err := server.MCPServer().Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

// callTool calls a tool and decodes its structured output into T.
func callTool[T any](t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (T, *mcp.CallToolResult) {
	t.Helper()
	var out T

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if res.IsError {
		return out, res
	}

	data, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	return out, res
}

func errorText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestServer_ListTools(t *testing.T) {
	cs := connect(t, newTestManager(t, nil))

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"ask", "search", "delete_document", "index_status"}, names)
}

func TestAsk_AnswersAndMasksPII(t *testing.T) {
	cs := connect(t, newTestManager(t, nil))

	out, res := callTool[AskOutput](t, cs, "ask", map[string]any{
		"question":   "I am a@b.com, how do I install the server?",
		"session_id": "s1",
		"top_k":      2,
	})
	require.False(t, res.IsError, errorText(res))

	assert.NotEmpty(t, out.Answer)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, 1, out.Redactions)
	require.Len(t, out.Sources, 2)
	assert.Equal(t, 1, out.Sources[0].Rank)
	assert.Contains(t, []string{"docs/install.md", "docs/usage.md"}, out.Sources[0].Source)
}

func TestAsk_FailureIsToolErrorWithoutPII(t *testing.T) {
	failing := llmFunc(func(ctx context.Context, req llm.Request) (string, error) {
		return "", fmt.Errorf("%w: %w: quota exceeded for a@b.com", domain.ErrProvider, domain.ErrRateLimited)
	})
	cs := connect(t, newTestManager(t, failing))

	_, res := callTool[AskOutput](t, cs, "ask", map[string]any{"question": "anything?"})
	require.True(t, res.IsError)

	text := errorText(res)
	assert.Contains(t, text, "stage generate")
	assert.Contains(t, text, "rate limiting")
	assert.NotContains(t, text, "a@b.com")
	assert.NotContains(t, text, "quota")
}

func TestAsk_EmptyQuestion(t *testing.T) {
	cs := connect(t, newTestManager(t, nil))

	_, res := callTool[AskOutput](t, cs, "ask", map[string]any{"question": "   "})
	require.True(t, res.IsError)
	assert.Contains(t, errorText(res), "stage sanitize_input")
}

func TestSearch(t *testing.T) {
	cs := connect(t, newTestManager(t, nil))

	out, res := callTool[SearchOutput](t, cs, "search", map[string]any{"query": "install", "max_results": 1})
	require.False(t, res.IsError, errorText(res))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "docs/install.md", out.Results[0].Source)
	assert.Contains(t, out.Results[0].Text, "make install")

	out, res = callTool[SearchOutput](t, cs, "search", map[string]any{"query": "install", "min_score": 1.5})
	require.False(t, res.IsError, errorText(res))
	assert.Empty(t, out.Results)
	assert.NotEmpty(t, out.Message)
}

func TestSearchAndAsk_MaskPIIInPassages(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.Ingest(context.Background(), domain.Document{
		Source: "docs/oncall.md",
		Text:   "Escalations go to jane.doe@corp.com or 555-123-4567.",
	})
	require.NoError(t, err)
	cs := connect(t, m)

	out, res := callTool[SearchOutput](t, cs, "search", map[string]any{"query": "Escalations go to", "max_results": 1})
	require.False(t, res.IsError, errorText(res))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "docs/oncall.md", out.Results[0].Source)
	assert.Contains(t, out.Results[0].Text, "Escalations go to")
	assert.NotContains(t, out.Results[0].Text, "jane.doe@corp.com")
	assert.NotContains(t, out.Results[0].Text, "555-123-4567")

	ask, res := callTool[AskOutput](t, cs, "ask", map[string]any{"question": "Escalations go to whom?", "top_k": 1})
	require.False(t, res.IsError, errorText(res))
	assert.NotContains(t, ask.Answer, "jane.doe@corp.com")
	assert.NotContains(t, ask.Answer, "555-123-4567")
}

func TestDeleteDocumentAndStatus(t *testing.T) {
	cs := connect(t, newTestManager(t, nil))

	status, res := callTool[StatusOutput](t, cs, "index_status", map[string]any{})
	require.False(t, res.IsError, errorText(res))
	assert.Equal(t, index.KindFlat, status.Kind)
	assert.Equal(t, testDim, status.Dimension)
	assert.Equal(t, "cosine", status.Metric)
	assert.Equal(t, 2, status.Records)
	assert.Equal(t, []string{"chunk", "embed_chunks", "index_add"}, status.IngestStages)
	assert.Contains(t, status.QueryStages, "pii_input")
	assert.Contains(t, status.QueryStages, "pii_results")

	del, res := callTool[DeleteDocumentOutput](t, cs, "delete_document", map[string]any{
		"document_id": domain.DocumentID("docs/install.md"),
	})
	require.False(t, res.IsError, errorText(res))
	assert.Equal(t, 1, del.Deleted)

	status, _ = callTool[StatusOutput](t, cs, "index_status", map[string]any{})
	assert.Equal(t, 1, status.Records)

	_, res = callTool[DeleteDocumentOutput](t, cs, "delete_document", map[string]any{"document_id": ""})
	require.True(t, res.IsError)
	assert.Contains(t, errorText(res), "invalid")
}
