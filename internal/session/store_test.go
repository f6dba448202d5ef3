package session

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/domain"
)

func turn(i int) domain.Turn {
	role := domain.RoleUser
	if i%2 == 1 {
		role = domain.RoleAssistant
	}
	return domain.Turn{Role: role, Content: fmt.Sprintf("turn %d", i)}
}

func TestMemory_TrimsOldestTurns(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, s.Append(ctx, "s1", turn(i)))
	}

	history, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, DefaultMaxTurns)
	assert.Equal(t, "turn 5", history[0].Content)
	assert.Equal(t, "turn 14", history[9].Content)
}

func contents(history []domain.Turn) []string {
	out := make([]string, len(history))
	for i, t := range history {
		out[i] = t.Content
	}
	return out
}

func TestMemory_AppendMultipleTurns(t *testing.T) {
	s := NewMemory(3)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "s1", turn(0), turn(1)))
	require.NoError(t, s.Append(ctx, "s1", turn(2), turn(3)))

	history, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"turn 2", "turn 3"}, contents(history))
}

func TestMemory_TrimKeepsExchangesWhole(t *testing.T) {
	tests := []struct {
		name     string
		maxTurns int
		pairs    int
		want     []string
	}{
		{name: "odd bound", maxTurns: 5, pairs: 3, want: []string{"turn 2", "turn 3", "turn 4", "turn 5"}},
		{name: "even bound", maxTurns: 4, pairs: 3, want: []string{"turn 2", "turn 3", "turn 4", "turn 5"}},
		{name: "bound of one", maxTurns: 1, pairs: 2, want: []string{"turn 3"}},
		{name: "under bound", maxTurns: 10, pairs: 2, want: []string{"turn 0", "turn 1", "turn 2", "turn 3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemory(tt.maxTurns)
			ctx := context.Background()
			for i := 0; i < tt.pairs; i++ {
				require.NoError(t, s.Append(ctx, "s1", turn(2*i), turn(2*i+1)))
			}

			history, err := s.Get(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, contents(history))
			if len(history) > 1 {
				assert.Equal(t, domain.RoleUser, history[0].Role)
			}
		})
	}
}

func TestTrim(t *testing.T) {
	group := func(from, n int) []entry {
		turns := make([]domain.Turn, n)
		for i := range turns {
			turns[i] = turn(from + i)
		}
		return entries(turns)
	}
	heads := func(history []entry) []string {
		out := make([]string, len(history))
		for i, e := range history {
			out[i] = e.Content
		}
		return out
	}

	history := append(group(0, 2), group(2, 2)...)
	assert.Equal(t, []string{"turn 2", "turn 3"}, heads(trim(history, 3)))
	assert.Equal(t, []string{"turn 0", "turn 1", "turn 2", "turn 3"}, heads(trim(history, 4)))

	// Single turns form their own groups.
	singles := append(group(0, 1), group(1, 1)...)
	singles = append(singles, group(2, 1)...)
	assert.Equal(t, []string{"turn 1", "turn 2"}, heads(trim(singles, 2)))

	// A group larger than the bound keeps its newest turns.
	assert.Equal(t, []string{"turn 1", "turn 2", "turn 3"}, heads(trim(group(0, 4), 3)))
}

func TestMemory_UnknownSessionIsEmpty(t *testing.T) {
	s := NewMemory(5)

	history, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	s := NewMemory(5)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "s1", turn(0)))

	history, _ := s.Get(ctx, "s1")
	history[0].Content = "changed"

	again, _ := s.Get(ctx, "s1")
	assert.Equal(t, "turn 0", again[0].Content)
}

func TestMemory_ClearAndIsolation(t *testing.T) {
	s := NewMemory(5)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "a", turn(0)))
	require.NoError(t, s.Append(ctx, "b", turn(1)))

	require.NoError(t, s.Clear(ctx, "a"))

	a, _ := s.Get(ctx, "a")
	b, _ := s.Get(ctx, "b")
	assert.Empty(t, a)
	assert.Len(t, b, 1)
	assert.Equal(t, 1, s.Len())
}

func TestMemory_RejectsEmptySessionID(t *testing.T) {
	err := NewMemory(5).Append(context.Background(), "", turn(0))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestMemory_ConcurrentAppends(t *testing.T) {
	s := NewMemory(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				// A question and its answer stay adjacent.
				assert.NoError(t, s.Append(ctx, "shared", turn(0), turn(1)))
				_, err := s.Get(ctx, "shared")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	history, err := s.Get(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, history, 800)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, domain.RoleUser, history[i].Role)
		assert.Equal(t, domain.RoleAssistant, history[i+1].Role)
	}
}
