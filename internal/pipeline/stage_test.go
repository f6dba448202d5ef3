package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/ragsworth/internal/domain"
)

func noop(context.Context, *Exchange) error { return nil }

func stage(name string, needs, provides []Kind) Stage {
	return Stage{Name: name, Needs: needs, Provides: provides, Run: noop}
}

func TestNewChain_Validation(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
		ok     bool
	}{
		{
			name:   "satisfied",
			stages: []Stage{stage("a", []Kind{"x"}, []Kind{"y"}), stage("b", []Kind{"x", "y"}, nil)},
			ok:     true,
		},
		{
			name:   "unmet need",
			stages: []Stage{stage("a", []Kind{"y"}, nil)},
		},
		{
			name:   "need provided later",
			stages: []Stage{stage("a", []Kind{"y"}, nil), stage("b", nil, []Kind{"y"})},
		},
		{
			name:   "duplicate name",
			stages: []Stage{stage("a", nil, nil), stage("a", nil, nil)},
		},
		{
			name:   "unnamed",
			stages: []Stage{stage("", nil, nil)},
		},
		{
			name:   "no run",
			stages: []Stage{{Name: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := NewChain("test", []Kind{"x"}, tt.stages...)
			if tt.ok {
				require.NoError(t, err)
				assert.Len(t, chain.Names(), len(tt.stages))
				return
			}
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}
}

func TestChain_InsertAfterAndThrough(t *testing.T) {
	chain, err := NewChain("test", []Kind{"x"},
		stage("a", []Kind{"x"}, []Kind{"y"}),
		stage("b", []Kind{"y"}, []Kind{"z"}),
	)
	require.NoError(t, err)

	extended, err := chain.InsertAfter("a", stage("custom", []Kind{"y"}, []Kind{"w"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "custom", "b"}, extended.Names())
	assert.Equal(t, []string{"a", "b"}, chain.Names(), "original chain is unchanged")

	_, err = chain.InsertAfter("missing", stage("custom", nil, nil))
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = chain.InsertAfter("a", stage("custom", []Kind{"z"}, nil))
	assert.ErrorIs(t, err, domain.ErrConfiguration, "z is only provided after the insertion point")

	prefix, err := extended.Through("custom")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "custom"}, prefix.Names())

	_, err = extended.Through("missing")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestExchange_Values(t *testing.T) {
	ex := &Exchange{}
	_, ok := ex.Get("score")
	assert.False(t, ok)

	ex.Set("score", 0.5)
	v, ok := ex.Get("score")
	require.True(t, ok)
	assert.Equal(t, 0.5, v)
}
