package pipeline

import (
	"github.com/bull/ragsworth/internal/audit"
	"github.com/bull/ragsworth/internal/domain"
)

// Exchange carries the state of one request through a chain. Each request
// gets its own Exchange; stages read what earlier stages set.
type Exchange struct {
	RequestID string
	SessionID string

	// Ingestion.
	Document domain.Document
	Upsert   bool
	Chunks   []domain.Chunk
	Records  []domain.IndexRecord
	Added    int

	// Query. Question is rewritten by the sanitizing and redacting stages.
	Question    string
	TopK        int
	QueryVector []float32
	Results     []domain.SearchResult
	History     []domain.Turn
	Answer      string

	// Audit collects the PII entries emitted during the request.
	Audit []audit.Entry

	// Values holds data of kinds declared by custom stages.
	Values map[string]any
}

// Set stores a value for a custom kind.
func (ex *Exchange) Set(k Kind, v any) {
	if ex.Values == nil {
		ex.Values = make(map[string]any)
	}
	ex.Values[string(k)] = v
}

// Get returns the value stored for a custom kind.
func (ex *Exchange) Get(k Kind) (any, bool) {
	v, ok := ex.Values[string(k)]
	return v, ok
}
