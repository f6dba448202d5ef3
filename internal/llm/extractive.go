package llm

import (
	"context"
	"strings"
)

// NoContextAnswer is returned by Extractive when nothing was retrieved.
const NoContextAnswer = "I could not find anything relevant in the indexed documents."

// Extractive is an offline Gateway that answers with the best retrieved
// passages verbatim. It lets the pipeline run without a model provider.
type Extractive struct {
	// Passages is how many retrieved passages to quote; default 1.
	Passages int
}

var _ Gateway = Extractive{}

// Generate implements Gateway.
func (e Extractive) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := e.Passages
	if n <= 0 {
		n = 1
	}

	var parts []string
	for _, r := range req.Context {
		if len(parts) == n {
			break
		}
		if text := strings.TrimSpace(r.Record.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return NoContextAnswer, nil
	}
	return strings.Join(parts, "\n\n"), nil
}
