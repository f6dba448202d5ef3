package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/domain"
)

// offline clears provider credentials and selects the offline providers so
// the defaults validate.
func offline(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("RAG_EMBEDDING_API_KEY", "")
	t.Setenv("RAG_LLM_API_KEY", "")
	t.Setenv("RAG_EMBEDDING_PROVIDER", "hashing")
	t.Setenv("RAG_LLM_PROVIDER", "extractive")
}

func TestLoad_Defaults(t *testing.T) {
	offline(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chunker.Size)
	assert.Equal(t, 50, cfg.Chunker.Overlap)
	assert.Equal(t, "flat", cfg.Index.Kind)
	assert.Equal(t, "http", cfg.Server.Mode)
	assert.Equal(t, "cosine", cfg.Index.Metric)
	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.RequestTimeout)
	assert.Equal(t, 10, cfg.Session.MaxTurns)
	assert.Equal(t, "memory", cfg.Session.Store)
	assert.Equal(t, "per_match", cfg.Audit.Mode)
	assert.Equal(t, 'X', cfg.ReplacementRune())
	assert.Empty(t, cfg.PII.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	offline(t)
	t.Setenv("RAG_CHUNKER_SIZE", "800")
	t.Setenv("RAG_CHUNKER_OVERLAP", "100")
	t.Setenv("RAG_PII_ENABLED", "EMAIL,SSN")
	t.Setenv("RAG_PIPELINE_REQUEST_TIMEOUT", "5s")
	t.Setenv("RAG_INDEX_QDRANT_PORT", "7000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.Chunker.Size)
	assert.Equal(t, 100, cfg.Chunker.Overlap)
	assert.Equal(t, []string{"EMAIL", "SSN"}, cfg.PII.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.RequestTimeout)
	assert.Equal(t, 7000, cfg.Index.Qdrant.Port)
}

func TestLoad_ConventionalCredentialVariables(t *testing.T) {
	offline(t)
	t.Setenv("RAG_EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GITHUB_TOKEN", "ghp-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, "ghp-test", cfg.GitHub.Token)
}

func TestLoad_File(t *testing.T) {
	offline(t)
	path := filepath.Join(t.TempDir(), "rag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chunker:
  size: 300
  overlap: 30
index:
  kind: qdrant
  metric: l2
  top_k: 3
  qdrant:
    host: qdrant.internal
pii:
  replacement_char: "*"
  custom:
    - name: EMPLOYEE_ID
      pattern: 'EMP-\d{6}'
      description: employee number
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Chunker.Size)
	assert.Equal(t, "qdrant", cfg.Index.Kind)
	assert.Equal(t, "l2", cfg.Index.Metric)
	assert.Equal(t, 3, cfg.Index.TopK)
	assert.Equal(t, "qdrant.internal", cfg.Index.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Index.Qdrant.Port)
	assert.Equal(t, '*', cfg.ReplacementRune())
	require.Len(t, cfg.PII.Custom, 1)
	assert.Equal(t, "EMPLOYEE_ID", cfg.PII.Custom[0].Name)
}

func TestLoad_MissingFile(t *testing.T) {
	offline(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "overlap not below size", env: map[string]string{"RAG_CHUNKER_OVERLAP": "500"}},
		{name: "zero chunk size", env: map[string]string{"RAG_CHUNKER_SIZE": "0"}},
		{name: "unknown metric", env: map[string]string{"RAG_INDEX_METRIC": "manhattan"}},
		{name: "unknown index kind", env: map[string]string{"RAG_INDEX_KIND": "faiss"}},
		{name: "request timeout too short", env: map[string]string{"RAG_PIPELINE_REQUEST_TIMEOUT": "1s"}},
		{name: "openai without credentials", env: map[string]string{"RAG_LLM_PROVIDER": "openai"}},
		{name: "pgvector without dsn", env: map[string]string{"RAG_INDEX_KIND": "pgvector"}},
		{name: "kafka without brokers", env: map[string]string{"RAG_AUDIT_SINK": "kafka"}},
		{name: "multi character mask", env: map[string]string{"RAG_PII_REPLACEMENT_CHAR": "##"}},
		{name: "bad log level", env: map[string]string{"RAG_LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offline(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}
