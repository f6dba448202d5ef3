package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/app"
	"github.com/bull/ragsworth/internal/config"
	"github.com/bull/ragsworth/internal/domain"
	mcpserver "github.com/bull/ragsworth/internal/mcp"
)

func TestMux(t *testing.T) {
	t.Setenv("RAG_EMBEDDING_PROVIDER", "hashing")
	t.Setenv("RAG_EMBEDDING_DIMENSION", "64")
	t.Setenv("RAG_LLM_PROVIDER", "extractive")
	t.Setenv("RAG_AUDIT_SINK", "none")
	t.Setenv("RAG_INDEX_PATH", "")

	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Manager.Ingest(ctx, domain.Document{Source: "a.md", Text: "alpha beta"})
	require.NoError(t, err)

	server := mcpserver.NewServer(&mcpserver.Config{Pipeline: a.Manager})
	ts := httptest.NewServer(newMux(a, server, cfg.Server))
	defer ts.Close()

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/health", http.StatusOK, `"index":"connected"`},
		{"/metrics", http.StatusOK, "rag_stage_duration_seconds"},
		{"/", http.StatusOK, "index_status"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.code, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.body)
		})
	}
}
