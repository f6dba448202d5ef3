// Package session keeps a bounded conversation history per session.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/bull/ragsworth/internal/domain"
)

// DefaultMaxTurns is the number of turns kept per session.
const DefaultMaxTurns = 10

// Store holds the conversation history of each session. Appending beyond
// the bound drops the oldest turns, and the turns of one Append call are
// dropped together: a history never starts with the answer of a question
// that was trimmed. Unknown sessions have an empty history.
type Store interface {
	// Append adds turns atomically, in order.
	Append(ctx context.Context, sessionID string, turns ...domain.Turn) error
	Get(ctx context.Context, sessionID string) ([]domain.Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

// entry is a stored turn. Cont marks every turn of an Append call but the
// first.
type entry struct {
	domain.Turn
	Cont bool `json:"cont,omitempty"`
}

func entries(turns []domain.Turn) []entry {
	out := make([]entry, len(turns))
	for i, t := range turns {
		out[i] = entry{Turn: t, Cont: i > 0}
	}
	return out
}

// trim keeps the newest maxTurns entries, then drops continuation turns
// left at the head so an Append group survives whole or not at all. A
// single group longer than maxTurns keeps its newest turns.
func trim(history []entry, maxTurns int) []entry {
	if excess := len(history) - maxTurns; excess > 0 {
		history = history[excess:]
	}
	for i, e := range history {
		if !e.Cont {
			return history[i:]
		}
	}
	return history
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	maxTurns int
	sessions map[string][]entry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store keeping at most maxTurns turns per
// session; maxTurns <= 0 selects DefaultMaxTurns.
func NewMemory(maxTurns int) *Memory {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Memory{
		maxTurns: maxTurns,
		sessions: make(map[string][]entry),
	}
}

// Append implements Store.
func (m *Memory) Append(ctx context.Context, sessionID string, turns ...domain.Turn) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", domain.ErrInvalidRequest)
	}
	if len(turns) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	history := trim(append(m.sessions[sessionID], entries(turns)...), m.maxTurns)
	m.sessions[sessionID] = append([]entry(nil), history...)
	return nil
}

// Get implements Store. The returned slice is a copy.
func (m *Memory) Get(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.sessions[sessionID]
	out := make([]domain.Turn, len(history))
	for i, e := range history {
		out[i] = e.Turn
	}
	return out, nil
}

// Clear implements Store.
func (m *Memory) Clear(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

// Len returns the number of sessions held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
