package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestDir(t *testing.T) {
	t.Setenv("RAG_EMBEDDING_PROVIDER", "hashing")
	t.Setenv("RAG_EMBEDDING_DIMENSION", "64")
	t.Setenv("RAG_LLM_PROVIDER", "extractive")
	t.Setenv("RAG_AUDIT_SINK", "none")
	t.Setenv("RAG_LOG_LEVEL", "error")
	t.Setenv("RAG_INDEX_PATH", "")

	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "guide.md"), []byte("# Guide\n\nRun the server locally."), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(docs, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "notes", "todo.txt"), []byte("Write more docs."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "image.png"), []byte{0x89, 0x50}, 0o644))

	snapshot := filepath.Join(t.TempDir(), "index")

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"dir", docs, "--persist", snapshot})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Found 2 documents")
	assert.Contains(t, out.String(), "Documents: 2/2")
	assert.Contains(t, out.String(), "Failed: 0")
	assert.Contains(t, out.String(), "Index snapshot written")
	assert.FileExists(t, filepath.Join(snapshot, "manifest.json"))
	assert.FileExists(t, filepath.Join(snapshot, "records.json"))
}

func TestIngestDir_MissingRoot(t *testing.T) {
	t.Setenv("RAG_EMBEDDING_PROVIDER", "hashing")
	t.Setenv("RAG_LLM_PROVIDER", "extractive")
	t.Setenv("RAG_AUDIT_SINK", "none")
	t.Setenv("RAG_LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"dir", filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, cmd.Execute())
}

func TestIngestGitHub_RequiresRepository(t *testing.T) {
	t.Setenv("RAG_EMBEDDING_PROVIDER", "hashing")
	t.Setenv("RAG_LLM_PROVIDER", "extractive")
	t.Setenv("RAG_AUDIT_SINK", "none")
	t.Setenv("RAG_LOG_LEVEL", "error")
	t.Setenv("RAG_GITHUB_OWNER", "")
	t.Setenv("RAG_GITHUB_REPO", "")

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"github"})
	assert.ErrorContains(t, cmd.Execute(), "owner and repo")
}
