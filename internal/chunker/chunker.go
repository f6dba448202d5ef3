// Package chunker splits document text into overlapping fixed-size windows.
package chunker

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/bull/ragsworth/internal/domain"
)

const (
	// DefaultChunkSize is the window length in characters (runes).
	DefaultChunkSize = 500

	// DefaultOverlap is the number of characters shared by consecutive chunks.
	DefaultOverlap = 50
)

// Chunker slides a window of size runes across normalized text, advancing
// by size-overlap runes per step.
type Chunker struct {
	size    int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the window length in runes.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		c.size = size
	}
}

// WithOverlap sets the overlap between consecutive chunks in runes.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		c.overlap = overlap
	}
}

// New creates a Chunker. It fails with domain.ErrConfiguration unless
// size > 0 and 0 <= overlap < size.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrConfiguration, c.size)
	}
	if c.overlap < 0 || c.overlap >= c.size {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", domain.ErrConfiguration, c.size, c.overlap)
	}

	return c, nil
}

// Split is the one-shot form of New(...).SplitText(text).
func Split(text string, size, overlap int) ([]domain.Chunk, error) {
	c, err := New(WithChunkSize(size), WithOverlap(overlap))
	if err != nil {
		return nil, err
	}
	return c.SplitText(text), nil
}

// Size returns the configured window length.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// SplitDocument chunks the document text and stamps every chunk with the
// document id and a deterministic chunk id.
func (c *Chunker) SplitDocument(doc domain.Document) []domain.Chunk {
	chunks := c.SplitText(doc.Text)
	for i := range chunks {
		chunks[i].DocumentID = doc.ID
		chunks[i].ID = domain.ChunkID(doc.ID, chunks[i].Ordinal)
	}
	return chunks
}

// SplitText chunks text. Offsets refer to Normalize(text).
//
// Full windows [start, start+size) advance by size-overlap. Once the next
// full window would run past the end, the remainder after the previous
// chunk is emitted as the final, shorter chunk, so the final boundary has
// no overlap. Empty text yields no chunks; no chunk is ever empty.
func (c *Chunker) SplitText(text string) []domain.Chunk {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	runes := []rune(normalized)

	// byteAt[i] is the byte offset of rune i; byteAt[len(runes)] is the length.
	byteAt := make([]int, 0, len(runes)+1)
	for i := range normalized {
		byteAt = append(byteAt, i)
	}
	byteAt = append(byteAt, len(normalized))

	total := len(runes)
	step := c.size - c.overlap

	var chunks []domain.Chunk
	emit := func(start, end int) {
		chunks = append(chunks, domain.Chunk{
			Ordinal:   len(chunks),
			Text:      string(runes[start:end]),
			Start:     start,
			End:       end,
			ByteStart: byteAt[start],
			ByteEnd:   byteAt[end],
		})
	}

	if total <= c.size {
		emit(0, total)
		return chunks
	}

	start := 0
	for {
		end := start + c.size
		if end > total {
			// Remainder after the previous chunk.
			emit(chunks[len(chunks)-1].End, total)
			break
		}
		emit(start, end)
		if end == total {
			break
		}
		start += step
	}

	return chunks
}

// Normalize applies the text normalization chunk offsets are computed
// against: CRLF line endings become LF and the text is NFC-composed.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return norm.NFC.String(text)
}
