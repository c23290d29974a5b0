package exprlang

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

func newTestEvaluator() *Evaluator {
	return New(zerolog.Nop())
}

func toExpr(s string) domain.FeelExpression { return domain.FeelExpression(s) }

func TestEvaluateBasicExpressions(t *testing.T) {
	e := newTestEvaluator()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		vars map[string]any
		want any
	}{
		{"boolean comparison", "amount > 100", map[string]any{"amount": 250}, true},
		{"nested map access", "offer.signed == true", map[string]any{"offer": map[string]any{"signed": true}}, true},
		{"string equality", `status == "APPROVED"`, map[string]any{"status": "APPROVED"}, true},
		{"arithmetic", "a + b", map[string]any{"a": 2, "b": 3}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(ctx, toExpr(tt.expr), tt.vars)
			require.True(t, res.Success)
			assert.Equal(t, tt.want, res.Result)
		})
	}
}

func TestMissingIdentifierIsNull(t *testing.T) {
	e := newTestEvaluator()
	res := e.Evaluate(context.Background(), "missing", map[string]any{})
	require.True(t, res.Success)
	assert.Nil(t, res.Result)
}

func TestNullComparisonIsFalse(t *testing.T) {
	e := newTestEvaluator()
	ok, err := e.EvaluateBool(context.Background(), "missing == true", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmptyExpressionFails(t *testing.T) {
	e := newTestEvaluator()
	res := e.Evaluate(context.Background(), "   ", nil)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestInvalidExpressionFails(t *testing.T) {
	e := newTestEvaluator()
	res := e.Evaluate(context.Background(), "a ===== b", nil)
	assert.False(t, res.Success)
}

func TestCompiledProgramIsCached(t *testing.T) {
	e := newTestEvaluator()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res := e.Evaluate(ctx, "x * 2", map[string]any{"x": i})
		require.True(t, res.Success)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.compiledCache, 1)
}

func TestEvaluateBoolNonBooleanResult(t *testing.T) {
	e := newTestEvaluator()
	ok, err := e.EvaluateBool(context.Background(), "1 + 1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
