package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/bull/ragsworth/internal/domain"
)

// Kind names a piece of data carried by an Exchange. Stages declare the
// kinds they read and the kinds they produce; a chain is valid when every
// kind a stage needs is provided by the initial input or an earlier stage.
type Kind string

// Kinds set by the fixed stages. Custom stages may declare their own kinds
// and keep the data in Exchange.Values.
const (
	KindDocument    Kind = "document"
	KindChunks      Kind = "chunks"
	KindRecords     Kind = "records"
	KindIndexed     Kind = "indexed"
	KindQuestion    Kind = "question"
	KindSession     Kind = "session"
	KindQueryVector Kind = "query_vector"
	KindResults     Kind = "results"
	KindAnswer      Kind = "answer"
)

// Stage is one named step of a chain.
type Stage struct {
	Name     string
	Needs    []Kind
	Provides []Kind
	Run      func(ctx context.Context, ex *Exchange) error
}

// Chain is an ordered, validated list of stages.
type Chain struct {
	name    string
	initial []Kind
	stages  []Stage
}

// NewChain validates the stage list against the kinds available at the
// start of a run. It fails with domain.ErrConfiguration on an unnamed
// stage, a stage without a Run function, a duplicate name or an unmet need.
func NewChain(name string, initial []Kind, stages ...Stage) (*Chain, error) {
	available := make(map[Kind]bool, len(initial))
	for _, k := range initial {
		available[k] = true
	}

	seen := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: %s pipeline: stage %d has no name", domain.ErrConfiguration, name, i)
		}
		if s.Run == nil {
			return nil, fmt.Errorf("%w: %s pipeline: stage %q has no run function", domain.ErrConfiguration, name, s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: %s pipeline: duplicate stage %q", domain.ErrConfiguration, name, s.Name)
		}
		seen[s.Name] = true

		for _, need := range s.Needs {
			if !available[need] {
				return nil, fmt.Errorf("%w: %s pipeline: stage %q needs %q, which no earlier stage provides",
					domain.ErrConfiguration, name, s.Name, need)
			}
		}
		for _, k := range s.Provides {
			available[k] = true
		}
	}

	return &Chain{name: name, initial: slices.Clone(initial), stages: slices.Clone(stages)}, nil
}

// Name returns the chain name ("ingest" or "query" for the fixed chains).
func (c *Chain) Name() string { return c.name }

// Names returns the stage names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// InsertAfter returns a new chain with s placed right after the stage
// named after. The result is validated like NewChain.
func (c *Chain) InsertAfter(after string, s Stage) (*Chain, error) {
	i := slices.IndexFunc(c.stages, func(st Stage) bool { return st.Name == after })
	if i < 0 {
		return nil, fmt.Errorf("%w: %s pipeline: no stage %q to insert %q after",
			domain.ErrConfiguration, c.name, after, s.Name)
	}
	stages := slices.Insert(slices.Clone(c.stages), i+1, s)
	return NewChain(c.name, c.initial, stages...)
}

// Through returns the prefix of the chain ending with the named stage.
func (c *Chain) Through(last string) (*Chain, error) {
	i := slices.IndexFunc(c.stages, func(st Stage) bool { return st.Name == last })
	if i < 0 {
		return nil, fmt.Errorf("%w: %s pipeline: no stage %q", domain.ErrConfiguration, c.name, last)
	}
	return &Chain{name: c.name, initial: c.initial, stages: c.stages[:i+1]}, nil
}
