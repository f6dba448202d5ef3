// Package source supplies documents to the ingestion pipeline from a local
// directory tree or a GitHub repository.
package source

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bull/ragsworth/internal/domain"
)

// Source produces the documents to ingest.
type Source interface {
	Documents(ctx context.Context) ([]domain.Document, error)
}

// Document formats.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
)

// DefaultExtensions are the file types read when none are configured.
var DefaultExtensions = []string{".md", ".markdown", ".txt"}

// formatOf maps a file name to a document format; ok is false for
// extensions outside exts.
func formatOf(name string, exts map[string]bool) (string, bool) {
	ext := strings.ToLower(path.Ext(name))
	if !exts[ext] {
		return "", false
	}
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown, true
	default:
		return FormatText, true
	}
}

func extensionSet(exts []string) map[string]bool {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

// newDocument builds a document from file content. Markdown is reduced to
// plain text and its title and sections are kept as metadata.
func newDocument(md *Markdown, src, rel, format string, content []byte, meta map[string]string, now time.Time) (domain.Document, error) {
	if meta == nil {
		meta = make(map[string]string)
	}
	meta["path"] = rel

	body := string(content)
	if format == FormatMarkdown {
		parsed, err := md.Convert(content)
		if err != nil {
			return domain.Document{}, fmt.Errorf("parse markdown %s: %w", rel, err)
		}
		body = parsed.Text
		if parsed.Title != "" {
			meta["title"] = parsed.Title
		}
		if len(parsed.Sections) > 0 {
			meta["sections"] = strings.Join(parsed.Sections, " | ")
		}
	}

	return domain.Document{
		ID:         domain.DocumentID(src),
		Source:     src,
		Text:       body,
		Format:     format,
		IngestedAt: now,
		Metadata:   meta,
	}, nil
}
