// Package audit records PII detection events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bull/ragsworth/internal/pii"
)

// ActionRedacted is the action recorded for every masked span.
const ActionRedacted = "redacted"

// snippetRadius is the number of runes kept on each side of a match.
const snippetRadius = 20

// Mode selects how many entries a scan produces.
type Mode string

const (
	// PerMatch emits one entry per detected span.
	PerMatch Mode = "per_match"
	// PerCall emits a single entry summarizing the scan.
	PerCall Mode = "per_call"
)

// ParseMode validates a mode name; empty selects PerMatch.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", PerMatch:
		return PerMatch, nil
	case PerCall:
		return PerCall, nil
	default:
		return "", fmt.Errorf("unknown audit mode %q", s)
	}
}

// Entry is one audit record. Context is cut from the redacted text, so it
// never contains the detected value.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Stage     string    `json:"stage"`
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Context   string    `json:"context"`
	Count     int       `json:"count"`
}

// Sink receives audit entries.
type Sink interface {
	Emit(ctx context.Context, entries []Entry) error
}

// Build turns the matches of one scan into entries. redacted is the scan's
// output text.
func Build(mode Mode, requestID, stage, redacted string, matches []pii.Match, now time.Time) []Entry {
	if len(matches) == 0 {
		return nil
	}

	if mode == PerCall {
		types := make(map[string]bool)
		for _, m := range matches {
			types[string(m.Type)] = true
		}
		names := make([]string, 0, len(types))
		for t := range types {
			names = append(names, t)
		}
		sort.Strings(names)

		return []Entry{{
			Timestamp: now,
			RequestID: requestID,
			Stage:     stage,
			Type:      strings.Join(names, ","),
			Action:    ActionRedacted,
			Context:   Snippet(redacted, matches[0].Start, matches[len(matches)-1].End),
			Count:     len(matches),
		}}
	}

	entries := make([]Entry, len(matches))
	for i, m := range matches {
		entries[i] = Entry{
			Timestamp: now,
			RequestID: requestID,
			Stage:     stage,
			Type:      string(m.Type),
			Action:    ActionRedacted,
			Context:   Snippet(redacted, m.Start, m.End),
			Count:     1,
		}
	}
	return entries
}

// Snippet returns the runes [start-20, end+20) of text, clamped to its bounds.
func Snippet(text string, start, end int) string {
	runes := []rune(text)
	from := max(start-snippetRadius, 0)
	to := min(end+snippetRadius, len(runes))
	if from >= to {
		return ""
	}
	return string(runes[from:to])
}

// SlogSink writes entries to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

var _ Sink = SlogSink{}

// Emit implements Sink.
func (s SlogSink) Emit(ctx context.Context, entries []Entry) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range entries {
		logger.LogAttrs(ctx, slog.LevelInfo, "PII redacted",
			slog.String("request_id", e.RequestID),
			slog.String("stage", e.Stage),
			slog.String("type", e.Type),
			slog.String("action", e.Action),
			slog.String("context", e.Context),
			slog.Int("count", e.Count),
		)
	}
	return nil
}

// Memory keeps entries in memory.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Sink = (*Memory)(nil)

// Emit implements Sink.
func (m *Memory) Emit(ctx context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

// Entries returns a copy of everything emitted so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Multi fans entries out to several sinks. Every sink is called; the
// errors are joined.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
