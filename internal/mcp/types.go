// Package mcp exposes the retrieval pipeline as Model Context Protocol tools.
package mcp

// AskInput defines the input parameters for the ask tool.
type AskInput struct {
	// Question is the user's question.
	Question string `json:"question" jsonschema:"The question to answer from the indexed documents"`
	// SessionID groups questions into a conversation.
	SessionID string `json:"session_id,omitempty" jsonschema:"Conversation id; questions with the same id share history"`
	// TopK is how many passages to retrieve.
	TopK int `json:"top_k,omitempty" jsonschema:"Number of passages to retrieve (optional, server default when 0)"`
}

// AskOutput contains the answer and the passages it was based on.
type AskOutput struct {
	Answer    string   `json:"answer"`
	RequestID string   `json:"request_id"`
	Sources   []Source `json:"sources"`
	// Redactions counts PII spans masked in the question, the retrieved
	// passages and the answer.
	Redactions int `json:"redactions"`
}

// Source is a retrieved passage referenced by an answer.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Ordinal    int     `json:"ordinal"`
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
}

// SearchInput defines the input parameters for the search tool.
type SearchInput struct {
	Query      string  `json:"query" jsonschema:"The semantic search query"`
	MaxResults int     `json:"max_results,omitempty" jsonschema:"Maximum number of passages to return (optional, defaults to 5, at most 20)"`
	MinScore   float64 `json:"min_score,omitempty" jsonschema:"Minimum similarity for cosine and inner product indexes (optional)"`
}

// SearchOutput contains the matching passages.
type SearchOutput struct {
	Results []SearchResult `json:"results"`
	// Message provides informational context (e.g. "No matching passages found").
	Message string `json:"message,omitempty"`
}

// SearchResult is one matching passage.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Ordinal    int     `json:"ordinal"`
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
	Text       string  `json:"text"`
}

// DeleteDocumentInput defines the input parameters for the delete_document tool.
type DeleteDocumentInput struct {
	DocumentID string `json:"document_id" jsonschema:"Id of the document whose passages are removed"`
}

// DeleteDocumentOutput reports how many passages were removed.
type DeleteDocumentOutput struct {
	DocumentID string `json:"document_id"`
	Deleted    int    `json:"deleted"`
}

// StatusInput defines the input parameters for the index_status tool.
type StatusInput struct{}

// StatusOutput describes the index and the configured pipelines.
type StatusOutput struct {
	Kind         string   `json:"kind"`
	Dimension    int      `json:"dimension"`
	Metric       string   `json:"metric"`
	Records      int      `json:"records"`
	IngestStages []string `json:"ingest_stages"`
	QueryStages  []string `json:"query_stages"`
}
