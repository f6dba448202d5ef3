package source

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Parsed is a markdown document reduced to plain text.
type Parsed struct {
	Text     string
	Title    string   // First top-level heading, if any
	Sections []string // Header paths: "# Guide > ## Install"
}

// Markdown converts markdown to the plain text the chunker works on, so
// chunk boundaries and embeddings are not spent on markup.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a converter with auto heading ids, which the table
// of contents needs.
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(goldmark.WithParserOptions(parser.WithAutoHeadingID())),
	}
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// Convert parses source and returns its text, title and section paths.
func (m *Markdown) Convert(source []byte) (Parsed, error) {
	doc := m.md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source, toc.MinDepth(1), toc.MaxDepth(3), toc.Compact(true))
	if err != nil {
		return Parsed{}, fmt.Errorf("inspect TOC: %w", err)
	}

	var sections []string
	collectSections(tree.Items, nil, &sections)

	var title string
	if len(tree.Items) > 0 {
		title = string(tree.Items[0].Title)
	}

	return Parsed{
		Text:     plainText(doc, source),
		Title:    title,
		Sections: sections,
	}, nil
}

// collectSections flattens the TOC into header paths, depth first.
func collectSections(items toc.Items, ancestors []string, out *[]string) {
	for _, item := range items {
		path := append(ancestors[:len(ancestors):len(ancestors)], string(item.Title))
		if len(item.Title) > 0 {
			*out = append(*out, formatHeaderPath(path))
		}
		collectSections(item.Items, path, out)
	}
}

// formatHeaderPath renders ["Install", "Linux"] as "# Install > ## Linux".
func formatHeaderPath(path []string) string {
	parts := make([]string, len(path))
	for i, segment := range path {
		parts[i] = strings.Repeat("#", i+1) + " " + segment
	}
	return strings.Join(parts, " > ")
}

// plainText renders the AST as text: inline content is kept, code blocks
// are kept verbatim, raw HTML is dropped and blocks are separated by a
// blank line.
func plainText(doc ast.Node, source []byte) string {
	var b strings.Builder

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				b.WriteString("\n\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}

		if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			b.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})

	out := blankLines.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}
