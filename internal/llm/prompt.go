package llm

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/bull/ragsworth/internal/domain"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant. Answer the question using the provided context. " +
	"If the context does not contain the answer, say so."

// TokenCounter counts prompt tokens.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter for the model's encoding, falling
// back to cl100k_base for models tiktoken does not know.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// ApproxCounter estimates 1 token per 4 characters.
type ApproxCounter struct{}

// Count implements TokenCounter.
func (ApproxCounter) Count(text string) int {
	return (len(text) + 3) / 4
}

// Message is one chat message of a prompt.
type Message struct {
	Role    string
	Content string
}

// BuildPrompt assembles the system prompt, the retrieved context, the
// conversation history and the question. Retrieved passages are added in
// rank order while they fit within budget tokens; budget <= 0 means no
// limit. It also returns how many passages were included.
func BuildPrompt(systemPrompt string, req Request, counter TokenCounter, budget int) ([]Message, int) {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if counter == nil {
		counter = ApproxCounter{}
	}

	var docs []string
	used := 0
	for _, r := range req.Context {
		text := strings.TrimSpace(r.Record.Text)
		if text == "" {
			continue
		}
		doc := fmt.Sprintf("Document %d [%s]:\n%s", len(docs)+1, r.Record.ChunkID, text)
		cost := counter.Count(doc)
		if budget > 0 && used+cost > budget {
			break
		}
		used += cost
		docs = append(docs, doc)
	}

	system := systemPrompt
	if len(docs) > 0 {
		system += "\n\nRelevant context:\n" + strings.Join(docs, "\n\n")
	}

	messages := make([]Message, 0, len(req.History)+2)
	messages = append(messages, Message{Role: "system", Content: system})
	for _, turn := range req.History {
		role := string(turn.Role)
		if turn.Role != domain.RoleAssistant {
			role = string(domain.RoleUser)
		}
		messages = append(messages, Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, Message{Role: "user", Content: req.Question})

	return messages, len(docs)
}
