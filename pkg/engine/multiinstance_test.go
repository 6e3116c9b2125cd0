package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/engine/runtime"
)

func TestParallelMultiInstanceSpawnsAllIterations(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: mi-parallel
activities:
  - id: notify
    initial: true
    awaitCompletion: true
    multiInstance:
      collection: recipients
      elementVariable: recipient
`)

	instance, err := testEngine.StartInstanceById(ctx, "mi-parallel", "",
		map[string]any{"recipients": []any{"ada", "bob", "eve"}})
	require.NoError(t, err)

	// one iteration per element; the coordination node is not a wait state
	iterations := waitingExecutions(t, instance.Key, "notify")
	require.Len(t, iterations, 3)

	elements := make([]any, 0, 3)
	for _, iteration := range iterations {
		elements = append(elements, iteration.Variables["recipient"])
	}
	assert.ElementsMatch(t, []any{"ada", "bob", "eve"}, elements)

	for _, iteration := range iterations {
		require.NoError(t, testEngine.CompleteActivity(ctx, iteration.Key, nil))
	}
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestMultiInstanceCoordinationIsNotCompletable(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: mi-guarded
activities:
  - id: notify
    initial: true
    awaitCompletion: true
    multiInstance:
      collection: recipients
      elementVariable: recipient
`)

	instance, err := testEngine.StartInstanceById(ctx, "mi-guarded", "",
		map[string]any{"recipients": []any{"ada"}})
	require.NoError(t, err)

	executions, err := testStorage.FindProcessInstanceExecutions(ctx, instance.Key)
	require.NoError(t, err)
	for _, execution := range executions {
		if execution.MultiInstanceTotal > 0 {
			require.Error(t, testEngine.CompleteActivity(ctx, execution.Key, nil))
		}
	}

	iteration := singleWaitingExecution(t, instance.Key, "notify")
	require.NoError(t, testEngine.CompleteActivity(ctx, iteration.Key, nil))
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestSequentialMultiInstanceRunsOneAtATime(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: mi-sequential
activities:
  - id: step
    initial: true
    awaitCompletion: true
    multiInstance:
      collection: items
      elementVariable: item
      sequential: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "mi-sequential", "",
		map[string]any{"items": []any{"first", "second"}})
	require.NoError(t, err)

	current := singleWaitingExecution(t, instance.Key, "step")
	assert.Equal(t, "first", current.Variables["item"])
	require.NoError(t, testEngine.CompleteActivity(ctx, current.Key, nil))

	current = singleWaitingExecution(t, instance.Key, "step")
	assert.Equal(t, "second", current.Variables["item"])
	require.NoError(t, testEngine.CompleteActivity(ctx, current.Key, nil))

	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestMultiInstanceEmptyCollectionCompletesImmediately(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: mi-empty
activities:
  - id: step
    initial: true
    awaitCompletion: true
    multiInstance:
      collection: items
      elementVariable: item
`)

	instance, err := testEngine.StartInstanceById(ctx, "mi-empty", "",
		map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestMultiInstanceRejectsScalarCollection(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: mi-scalar
activities:
  - id: step
    initial: true
    multiInstance:
      collection: items
      elementVariable: item
`)

	_, err := testEngine.StartInstanceById(ctx, "mi-scalar", "", map[string]any{"items": 42})
	require.Error(t, err)
	assert.ErrorContains(t, err, "not a collection")
}
