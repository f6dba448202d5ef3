package mcp

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/ragsworth/internal/domain"
	"github.com/bull/ragsworth/internal/index"
	"github.com/bull/ragsworth/internal/pipeline"
)

// Pipeline is the part of *pipeline.Manager the tools use.
type Pipeline interface {
	Query(ctx context.Context, req pipeline.QueryRequest) (*pipeline.QueryResponse, error)
	Retrieve(ctx context.Context, question string, topK int) ([]domain.SearchResult, error)
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	Index() index.VectorIndex
	IngestChain() *pipeline.Chain
	QueryChain() *pipeline.Chain
}

var _ Pipeline = (*pipeline.Manager)(nil)

// Server wraps the MCP server with its pipeline.
type Server struct {
	server   *mcp.Server
	pipeline Pipeline
}

// Config holds server dependencies.
type Config struct {
	Pipeline Pipeline
	Name     string
	Version  string
	Logger   *slog.Logger
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	name := cfg.Name
	if name == "" {
		name = "ragsworth"
	}
	version := cfg.Version
	if version == "" {
		version = "v0.1.0"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, &mcp.ServerOptions{Logger: logger})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Answer a question from the indexed documents. PII in the question, the retrieved passages and the answer is masked. Pass session_id to keep conversation history.",
	}, makeAskHandler(cfg.Pipeline))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search",
		Description: "Semantic search over the indexed documents. Returns the best matching passages, with PII masked, without generating an answer.",
	}, makeSearchHandler(cfg.Pipeline))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_document",
		Description: "Remove every indexed passage of a document.",
	}, makeDeleteHandler(cfg.Pipeline))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "index_status",
		Description: "Describe the vector index (backend, dimension, metric, record count) and the configured pipeline stages.",
	}, makeStatusHandler(cfg.Pipeline))

	return &Server{server: server, pipeline: cfg.Pipeline}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
