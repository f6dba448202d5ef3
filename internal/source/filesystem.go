package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bull/ragsworth/internal/domain"
)

// Dir reads documents from a directory tree. Hidden files and directories
// are skipped, as are files that are not valid UTF-8.
type Dir struct {
	root   string
	exts   map[string]bool
	md     *Markdown
	logger *slog.Logger
}

var _ Source = (*Dir)(nil)

// NewDir creates a source for root, reading files with the given
// extensions (DefaultExtensions when empty).
func NewDir(root string, exts []string, logger *slog.Logger) *Dir {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{root: root, exts: extensionSet(exts), md: NewMarkdown(), logger: logger}
}

// Documents implements Source. Documents come back in lexical path order.
func (d *Dir) Documents(ctx context.Context) ([]domain.Document, error) {
	info, err := os.Stat(d.root)
	if err != nil {
		return nil, fmt.Errorf("%w: document directory: %w", domain.ErrInvalidRequest, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", domain.ErrInvalidRequest, d.root)
	}

	var docs []domain.Document
	now := time.Now()

	err = filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name := entry.Name()
		if p != d.root && strings.HasPrefix(name, ".") {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}

		format, ok := formatOf(name, d.exts)
		if !ok {
			return nil
		}

		content, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		if !utf8.Valid(content) {
			d.logger.Warn("Skipping file that is not valid UTF-8", "path", p)
			return nil
		}

		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		doc, err := newDocument(d.md, p, filepath.ToSlash(rel), format, content, nil, now)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", d.root, err)
	}

	d.logger.Info("Found documents", "root", d.root, "count", len(docs))
	return docs, nil
}
