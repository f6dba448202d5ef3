// Package pii detects and masks personally identifiable information.
//
// An Engine runs a table of pattern matchers, built-in types first and then
// custom types in registration order, and masks every accepted span with a
// run of the replacement character of the same rune length. Overlaps are
// resolved leftmost-longest: a candidate contained in an accepted span is
// dropped, a candidate covering accepted spans replaces them, and a
// candidate that only partially overlaps is trimmed to the unmasked part.
//
// The engine is pure with respect to matching; auditing is the caller's job.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/bull/ragsworth/internal/domain"
)

// DefaultReplacementChar masks matched spans when none is configured.
const DefaultReplacementChar = 'X'

// maxPasses bounds the rescans performed until no unmasked match remains.
const maxPasses = 8

// CustomType is a caller-defined pattern registered next to the built-ins.
type CustomType struct {
	Name        Type
	Pattern     string
	Description string
}

// Config configures an Engine.
type Config struct {
	// Enabled is the allowlist of types; empty enables every type.
	Enabled []Type

	// ReplacementChar masks matched spans; zero means DefaultReplacementChar.
	ReplacementChar rune

	// Custom types registered at construction.
	Custom []CustomType
}

// Match is one detected span. Offsets are rune offsets into the scanned
// text, half-open; an invalid UTF-8 byte counts as one rune. The matched value itself is never kept.
type Match struct {
	Type        Type   `json:"type"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Replacement string `json:"replacement"`
}

// Result is the outcome of a scan.
type Result struct {
	Text    string
	Matches []Match
}

type matcher struct {
	typ         Type
	re          *regexp.Regexp
	description string
}

type span struct {
	typ        Type
	start, end int
}

// Engine scans text for sensitive patterns. It is safe for concurrent use.
type Engine struct {
	mu          sync.RWMutex
	matchers    []matcher
	enabled     map[Type]bool // nil: all types
	replacement rune
}

// New creates an Engine with the built-in matchers plus cfg.Custom.
func New(cfg Config) (*Engine, error) {
	replacement := cfg.ReplacementChar
	if replacement == 0 {
		replacement = DefaultReplacementChar
	}
	if !utf8.ValidRune(replacement) || !unicode.IsPrint(replacement) || unicode.IsSpace(replacement) {
		return nil, fmt.Errorf("%w: replacement character %q must be a printable, non-space rune",
			domain.ErrConfiguration, replacement)
	}

	e := &Engine{replacement: replacement}
	for _, p := range builtinPatterns {
		re := regexp.MustCompile(p.pattern)
		re.Longest()
		e.matchers = append(e.matchers, matcher{typ: p.typ, re: re, description: p.description})
	}

	for _, ct := range cfg.Custom {
		if err := e.Register(ct); err != nil {
			return nil, err
		}
	}

	if len(cfg.Enabled) > 0 {
		known := make(map[Type]bool, len(e.matchers))
		for _, m := range e.matchers {
			known[m.typ] = true
		}
		e.enabled = make(map[Type]bool, len(cfg.Enabled))
		for _, t := range cfg.Enabled {
			if !known[t] {
				return nil, fmt.Errorf("%w: unknown PII type %q", domain.ErrConfiguration, t)
			}
			e.enabled[t] = true
		}
	}

	return e, nil
}

// Register adds a custom matcher after every existing one. When the engine
// has an allowlist, the new type is only matched if the allowlist names it.
func (e *Engine) Register(ct CustomType) error {
	name := Type(strings.TrimSpace(string(ct.Name)))
	if name == "" {
		return fmt.Errorf("%w: custom PII type needs a name", domain.ErrConfiguration)
	}

	re, err := regexp.Compile(ct.Pattern)
	if err != nil {
		return fmt.Errorf("%w: custom PII type %s: %v", domain.ErrConfiguration, name, err)
	}
	if re.MatchString("") {
		return fmt.Errorf("%w: custom PII type %s matches the empty string", domain.ErrConfiguration, name)
	}
	re.Longest()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.matchers {
		if m.typ == name {
			return fmt.Errorf("%w: PII type %s already registered", domain.ErrConfiguration, name)
		}
	}
	e.matchers = append(e.matchers, matcher{typ: name, re: re, description: ct.Description})
	return nil
}

// Types returns the active types in matching order.
func (e *Engine) Types() []Type {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var types []Type
	for _, m := range e.active() {
		types = append(types, m.typ)
	}
	return types
}

// ReplacementChar returns the masking rune.
func (e *Engine) ReplacementChar() rune {
	return e.replacement
}

// Redact returns text with every detected span masked.
func (e *Engine) Redact(text string) string {
	return e.Scan(text).Text
}

// Scan detects sensitive spans and returns the masked text with the
// accepted matches ordered by position. Text without matches is returned
// unchanged, and bytes outside the masked spans are kept as they were, even
// when they are not valid UTF-8. Scanning the returned text again yields no
// matches: the engine rescans its own output until no candidate covers an
// unmasked rune.
func (e *Engine) Scan(text string) Result {
	e.mu.RLock()
	matchers := e.active()
	e.mu.RUnlock()

	if text == "" || len(matchers) == 0 {
		return Result{Text: text}
	}

	runes := []rune(text)
	starts := runeStarts(text)
	current := text
	var accepted []span

	for pass := 0; pass < maxPasses; pass++ {
		toRune := runeOffsets(current)
		changed := false

		for _, m := range matchers {
			for _, loc := range m.re.FindAllStringIndex(current, -1) {
				candidate := span{typ: m.typ, start: toRune[loc[0]], end: toRune[loc[1]]}
				if candidate.start >= candidate.end || e.masked(runes, candidate) {
					continue
				}
				var ok bool
				if accepted, ok = resolve(accepted, candidate); ok {
					changed = true
				}
			}
		}

		if !changed {
			break
		}
		for _, s := range accepted {
			for i := s.start; i < s.end; i++ {
				runes[i] = e.replacement
			}
		}
		current = e.splice(text, starts, accepted)
	}

	if len(accepted) == 0 {
		return Result{Text: text}
	}

	matches := make([]Match, len(accepted))
	mask := string(e.replacement)
	for i, s := range accepted {
		matches[i] = Match{
			Type:        s.typ,
			Start:       s.start,
			End:         s.end,
			Replacement: strings.Repeat(mask, s.end-s.start),
		}
	}
	return Result{Text: current, Matches: matches}
}

// active must be called with e.mu held.
func (e *Engine) active() []matcher {
	if e.enabled == nil {
		return e.matchers
	}
	var out []matcher
	for _, m := range e.matchers {
		if e.enabled[m.typ] {
			out = append(out, m)
		}
	}
	return out
}

// masked reports whether every rune of s is already the replacement rune.
func (e *Engine) masked(runes []rune, s span) bool {
	for i := s.start; i < s.end; i++ {
		if runes[i] != e.replacement {
			return false
		}
	}
	return true
}

// resolve merges candidate c into the sorted, non-overlapping accepted set.
func resolve(accepted []span, c span) ([]span, bool) {
	for _, a := range accepted {
		if a.start <= c.start && c.end <= a.end {
			return accepted, false
		}
	}

	// Partial overlaps: start after an earlier span ends, end before a
	// later one starts.
	for _, a := range accepted {
		if a.start < c.start && c.start < a.end {
			c.start = a.end
		}
	}
	for _, a := range accepted {
		if a.start < c.end && c.end < a.end {
			c.end = a.start
		}
	}
	if c.start >= c.end {
		return accepted, false
	}

	// Whatever still overlaps is fully covered by the longer candidate.
	kept := accepted[:0:0]
	for _, a := range accepted {
		if c.start <= a.start && a.end <= c.end {
			continue
		}
		kept = append(kept, a)
	}
	kept = append(kept, c)
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept, true
}

// splice writes the replacement over each accepted span of text and copies
// every other byte through, so bytes that are not valid UTF-8 survive.
// starts holds the byte offset of every rune of text plus len(text).
func (e *Engine) splice(text string, starts []int, accepted []span) string {
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, s := range accepted {
		b.WriteString(text[prev:starts[s.start]])
		for i := s.start; i < s.end; i++ {
			b.WriteRune(e.replacement)
		}
		prev = starts[s.end]
	}
	b.WriteString(text[prev:])
	return b.String()
}

// runeStarts returns the byte offset of every rune of s, counting each
// invalid byte as one rune, followed by len(s).
func runeStarts(s string) []int {
	starts := make([]int, 0, len(s)+1)
	for i := range s {
		starts = append(starts, i)
	}
	return append(starts, len(s))
}

// runeOffsets maps every byte offset of s that starts a rune (plus len(s))
// to its rune index.
func runeOffsets(s string) []int {
	offsets := make([]int, len(s)+1)
	n := 0
	for i := range s {
		offsets[i] = n
		n++
	}
	offsets[len(s)] = n
	return offsets
}
