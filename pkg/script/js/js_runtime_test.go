package js

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateExpression(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 4, 1)

	result, err := runtime.Evaluate("amount * 2", map[string]any{"amount": 21})
	require.NoError(t, err)
	assert.EqualValues(t, 42, result)

	result, err = runtime.Evaluate(`status === "open"`, map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestEvaluateCollectionExpression(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 4, 1)

	items := []any{"a", "b", "c"}
	result, err := runtime.Evaluate("items", map[string]any{"items": items})
	require.NoError(t, err)
	assert.Equal(t, items, result)
}

func TestEvaluateUnboundVariableIsUndefined(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 4, 1)

	result, err := runtime.Evaluate("typeof missing", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", result)
}

func TestEvaluateInvalidExpression(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 4, 1)

	_, err := runtime.Evaluate("this is not javascript", nil)
	require.Error(t, err)
}

func TestVariablesDoNotLeakBetweenEvaluations(t *testing.T) {
	runtime := NewJsRuntime(context.Background(), 1, 1)

	_, err := runtime.Evaluate("secret", map[string]any{"secret": "s3cr3t"})
	require.NoError(t, err)

	// the same pooled vm must not see the previous binding
	result, err := runtime.Evaluate("typeof secret", nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", result)
}
