package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/engine/exporter"
	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/storage/inmemory"
)

var (
	testStorage *inmemory.Storage
	testEngine  Engine
)

func TestMain(m *testing.M) {
	testStorage = inmemory.NewStorage()
	testEngine = NewEngine(EngineWithStorage(testStorage))
	os.Exit(m.Run())
}

func deployDefinition(t *testing.T, definition string) *model.ProcessDefinition {
	t.Helper()
	def, err := testEngine.DeployDefinition(context.Background(), []byte(definition))
	require.NoError(t, err)
	return def
}

func reloadInstance(t *testing.T, processInstanceKey int64) runtime.ProcessInstance {
	t.Helper()
	instance, err := testEngine.FindProcessInstance(context.Background(), processInstanceKey)
	require.NoError(t, err)
	return instance
}

func waitingExecutions(t *testing.T, processInstanceKey int64, activityId string) []runtime.Execution {
	t.Helper()
	executions, err := testEngine.FindWaitingExecutionsByActivity(context.Background(), activityId)
	require.NoError(t, err)
	filtered := make([]runtime.Execution, 0, len(executions))
	for _, e := range executions {
		if e.ProcessInstanceKey == processInstanceKey {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func singleWaitingExecution(t *testing.T, processInstanceKey int64, activityId string) runtime.Execution {
	t.Helper()
	executions := waitingExecutions(t, processInstanceKey, activityId)
	require.Len(t, executions, 1, "expected exactly one execution waiting on %s", activityId)
	return executions[0]
}

func TestDeployDefinitionAssignsVersions(t *testing.T) {
	v1 := deployDefinition(t, `
id: versioned
activities:
  - id: step
    initial: true
`)
	v2 := deployDefinition(t, `
id: versioned
activities:
  - id: step
    initial: true
`)
	assert.Equal(t, int32(1), v1.Version)
	assert.Equal(t, int32(2), v2.Version)
	assert.NotEqual(t, v1.Key, v2.Key)

	versions, err := testEngine.FindProcessDefinitionsById(context.Background(), "versioned")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestDeployDefinitionRejectsInvalidModel(t *testing.T) {
	_, err := testEngine.DeployDefinition(context.Background(), []byte(`
id: broken
activities:
  - id: a
    initial: true
    outgoing: [missing]
`))
	var vErr *model.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestStartInstanceRunsAutomaticTasksToCompletion(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: straight-through
activities:
  - id: first
    initial: true
    outgoing: [second]
  - id: second
`)

	instance, err := testEngine.StartInstanceById(ctx, "straight-through", "order-1", nil)
	require.NoError(t, err)

	stored := reloadInstance(t, instance.Key)
	assert.Equal(t, runtime.InstanceStateCompleted, stored.State)
	assert.Equal(t, "order-1", stored.BusinessKey)

	executions, err := testStorage.FindProcessInstanceExecutions(ctx, instance.Key)
	require.NoError(t, err)
	assert.Empty(t, executions, "a completed instance leaves no execution records")
}

func TestStartInstanceByIdUnknownProcess(t *testing.T) {
	_, err := testEngine.StartInstanceById(context.Background(), "no-such-process", "", nil)
	require.Error(t, err)
}

func TestUserTaskWaitsForCompletion(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: approval
activities:
  - id: approve
    initial: true
    awaitCompletion: true
    outgoing: [archive]
  - id: archive
`)

	instance, err := testEngine.StartInstanceById(ctx, "approval", "", map[string]any{"amount": 100})
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, reloadInstance(t, instance.Key).State)

	waiting := singleWaitingExecution(t, instance.Key, "approve")
	require.NoError(t, testEngine.CompleteActivity(ctx, waiting.Key, map[string]any{"approved": true}))

	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestCompleteActivityMergesVariablesIntoScope(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: two-steps
activities:
  - id: first
    initial: true
    awaitCompletion: true
    outgoing: [second]
  - id: second
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "two-steps", "", nil)
	require.NoError(t, err)

	first := singleWaitingExecution(t, instance.Key, "first")
	require.NoError(t, testEngine.CompleteActivity(ctx, first.Key, map[string]any{"result": "ok"}))

	root, err := testStorage.FindExecutionByKey(ctx, instance.RootExecutionKey)
	require.NoError(t, err)
	assert.Equal(t, "ok", root.Variables["result"])
}

func TestStartInstanceCopiesCallerVariables(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: detached-vars
activities:
  - id: hold
    initial: true
    awaitCompletion: true
`)

	caller := map[string]any{"amount": 100}
	instance, err := testEngine.StartInstanceById(ctx, "detached-vars", "", caller)
	require.NoError(t, err)

	// mutating the caller's map after the start must not reach the instance
	caller["amount"] = -1
	caller["injected"] = true

	root, err := testStorage.FindExecutionByKey(ctx, instance.RootExecutionKey)
	require.NoError(t, err)
	assert.EqualValues(t, 100, root.Variables["amount"])
	assert.NotContains(t, root.Variables, "injected")
}

func TestCompleteActivityRejectsNonWaitStates(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: not-completable
activities:
  - id: gate
    kind: eventCatch
    initial: true
    catch:
      type: message
      name: open-gate
`)

	instance, err := testEngine.StartInstanceById(ctx, "not-completable", "", nil)
	require.NoError(t, err)

	gate := singleWaitingExecution(t, instance.Key, "gate")
	err = testEngine.CompleteActivity(ctx, gate.Key, nil)
	var stateErr *IllegalExecutionStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestCompleteActivityTwiceFails(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: once-only
activities:
  - id: task
    initial: true
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "once-only", "", nil)
	require.NoError(t, err)

	task := singleWaitingExecution(t, instance.Key, "task")
	require.NoError(t, testEngine.CompleteActivity(ctx, task.Key, nil))
	require.Error(t, testEngine.CompleteActivity(ctx, task.Key, nil))
}

func TestParallelForkJoinFiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: fork-join
activities:
  - id: fork
    kind: parallel
    initial: true
    outgoing: [left, right]
  - id: left
    awaitCompletion: true
    outgoing: [join]
  - id: right
    awaitCompletion: true
    outgoing: [join]
  - id: join
    kind: parallel
    outgoing: [final]
  - id: final
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "fork-join", "", nil)
	require.NoError(t, err)

	left := singleWaitingExecution(t, instance.Key, "left")
	right := singleWaitingExecution(t, instance.Key, "right")

	// first arrival parks at the join, nothing continues yet
	require.NoError(t, testEngine.CompleteActivity(ctx, left.Key, nil))
	assert.Empty(t, waitingExecutions(t, instance.Key, "final"))

	root, err := testStorage.FindExecutionByKey(ctx, instance.RootExecutionKey)
	require.NoError(t, err)
	assert.Equal(t, 1, root.JoinGates["join"])

	// last arrival fires the join exactly once
	require.NoError(t, testEngine.CompleteActivity(ctx, right.Key, nil))
	final := waitingExecutions(t, instance.Key, "final")
	require.Len(t, final, 1)

	root, err = testStorage.FindExecutionByKey(ctx, instance.RootExecutionKey)
	require.NoError(t, err)
	assert.Empty(t, root.JoinGates)

	require.NoError(t, testEngine.CompleteActivity(ctx, final[0].Key, nil))
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestScopeRunsNestedActivities(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: nested-scope
activities:
  - id: prepare
    kind: scope
    initial: true
    outgoing: [confirm]
  - id: collect
    scope: prepare
    initial: true
    awaitCompletion: true
  - id: confirm
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "nested-scope", "", nil)
	require.NoError(t, err)

	collect := singleWaitingExecution(t, instance.Key, "collect")
	require.NoError(t, testEngine.CompleteActivity(ctx, collect.Key, nil))

	// the scope completed and moved on to the follow-up task
	confirm := singleWaitingExecution(t, instance.Key, "confirm")
	require.NoError(t, testEngine.CompleteActivity(ctx, confirm.Key, nil))
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestScopeLocalVariablesAreDiscardedOnLeave(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: scope-vars
activities:
  - id: sub
    kind: scope
    initial: true
    outgoing: [after]
  - id: inner
    scope: sub
    initial: true
    awaitCompletion: true
  - id: after
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "scope-vars", "", map[string]any{"global": 1})
	require.NoError(t, err)

	inner := singleWaitingExecution(t, instance.Key, "inner")
	// "local" is fresh, so it lands in the innermost scope: the sub execution
	require.NoError(t, testEngine.CompleteActivity(ctx, inner.Key, map[string]any{"local": "gone"}))

	root, err := testStorage.FindExecutionByKey(ctx, instance.RootExecutionKey)
	require.NoError(t, err)
	assert.NotContains(t, root.Variables, "local")
	assert.EqualValues(t, 1, root.Variables["global"])
}

func TestSuspendedInstanceRejectsCompletion(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: suspendable
activities:
  - id: hold
    initial: true
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "suspendable", "", nil)
	require.NoError(t, err)
	hold := singleWaitingExecution(t, instance.Key, "hold")

	require.NoError(t, testEngine.SetInstanceSuspended(ctx, instance.Key, true))
	require.Error(t, testEngine.CompleteActivity(ctx, hold.Key, nil))

	require.NoError(t, testEngine.SetInstanceSuspended(ctx, instance.Key, false))
	require.NoError(t, testEngine.CompleteActivity(ctx, hold.Key, nil))
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

type recordingExporter struct {
	definitions []exporter.DefinitionEvent
	instances   []exporter.InstanceEvent
	activities  []exporter.ActivityInfo
}

func (r *recordingExporter) NewDefinitionEvent(event *exporter.DefinitionEvent) {
	r.definitions = append(r.definitions, *event)
}

func (r *recordingExporter) NewInstanceEvent(event *exporter.InstanceEvent) {
	r.instances = append(r.instances, *event)
}

func (r *recordingExporter) NewActivityEvent(event *exporter.InstanceEvent, activityInfo *exporter.ActivityInfo) {
	r.activities = append(r.activities, *activityInfo)
}

func (r *recordingExporter) NewJobEvent(event *exporter.JobEvent)           {}
func (r *recordingExporter) NewIncidentEvent(event *exporter.IncidentEvent) {}
func (r *recordingExporter) NewMigrationEvent(event *exporter.MigrationEvent) {
}

func TestExporterReceivesLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	recorder := &recordingExporter{}
	observed := NewEngine(EngineWithStorage(testStorage), EngineWithExporter(recorder))

	def, err := observed.DeployDefinition(ctx, []byte(`
id: exported
activities:
  - id: work
    initial: true
    awaitCompletion: true
`))
	require.NoError(t, err)
	require.Len(t, recorder.definitions, 1)
	assert.Equal(t, def.Key, recorder.definitions[0].DefinitionKey)

	instance, err := observed.StartInstanceByKey(ctx, def.Key, "", nil)
	require.NoError(t, err)

	executions, err := observed.FindWaitingExecutionsByActivity(ctx, "work")
	require.NoError(t, err)
	require.Len(t, executions, 1)
	require.NoError(t, observed.CompleteActivity(ctx, executions[0].Key, nil))

	intents := make([]exporter.Intent, 0, len(recorder.instances))
	for _, event := range recorder.instances {
		assert.Equal(t, instance.Key, event.ProcessInstanceKey)
		intents = append(intents, event.Intent)
	}
	assert.Equal(t, []exporter.Intent{exporter.Created, exporter.Completed}, intents)

	activityIntents := make([]exporter.Intent, 0, len(recorder.activities))
	for _, info := range recorder.activities {
		if info.ActivityId == "work" {
			activityIntents = append(activityIntents, info.Intent)
		}
	}
	assert.Equal(t, []exporter.Intent{
		exporter.ActivityActivating,
		exporter.ActivityActivated,
		exporter.ActivityCompleting,
		exporter.ActivityCompleted,
	}, activityIntents)
}

func TestFindActivityInstancesProjectsTree(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: projected
activities:
  - id: sub
    kind: scope
    initial: true
  - id: inner
    scope: sub
    initial: true
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "projected", "", nil)
	require.NoError(t, err)

	view, err := testEngine.FindActivityInstances(ctx, instance.Key)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "projected", view.ActivityId)
	require.Len(t, view.Children, 1)
	assert.Equal(t, "sub", view.Children[0].ActivityId)
	require.Len(t, view.Children[0].Children, 1)
	assert.Equal(t, "inner", view.Children[0].Children[0].ActivityId)
}
