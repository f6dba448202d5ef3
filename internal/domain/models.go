// Package domain holds the data model shared by the ingestion and query
// pipelines: documents, chunks, index records and search results.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is a source document handed to the ingestion pipeline.
// It is treated as immutable once created.
type Document struct {
	ID         string            // Stable id, usually derived from Source
	Source     string            // Path or URI the text came from
	Text       string            // Raw text, already extracted from its format
	Format     string            // "text", "markdown", ...
	IngestedAt time.Time         // When the document entered the pipeline
	Metadata   map[string]string // Free-form source metadata
}

// Chunk is a contiguous slice of a document's normalized text.
// Start/End are rune offsets, ByteStart/ByteEnd byte offsets, both half-open.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Start      int
	End        int
	ByteStart  int
	ByteEnd    int
}

// Len returns the chunk length in runes.
func (c Chunk) Len() int {
	return c.End - c.Start
}

// IndexRecord is the unit stored and returned by a vector index.
type IndexRecord struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Ordinal    int               `json:"ordinal"`
	Vector     []float32         `json:"vector"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchResult is one ranked hit of a vector search. Rank starts at 1.
type SearchResult struct {
	Record IndexRecord
	Score  float64
	Rank   int
}

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a session's conversation history.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// DocumentID derives a stable document id from its source location.
func DocumentID(source string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source)).String()
}

// ChunkID derives a stable chunk id from the document id and ordinal, so
// re-ingesting the same document produces the same ids.
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("chunk:%s#%d", documentID, ordinal))).String()
}
