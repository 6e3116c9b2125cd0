package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/storage"
)

func TestSaveExecutionBumpsRevision(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	execution := runtime.Execution{Key: 1, ProcessInstanceKey: 10, State: runtime.ExecutionStateExecuting}
	require.NoError(t, mem.SaveExecution(ctx, execution))

	stored, err := mem.FindExecutionByKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)

	stored.State = runtime.ExecutionStateEnding
	require.NoError(t, mem.SaveExecution(ctx, stored))
	stored, err = mem.FindExecutionByKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Revision)
}

func TestSaveExecutionRejectsStaleRevision(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	execution := runtime.Execution{Key: 1, ProcessInstanceKey: 10}
	require.NoError(t, mem.SaveExecution(ctx, execution))
	// second save with the original revision loses the race
	err := mem.SaveExecution(ctx, execution)
	assert.ErrorIs(t, err, storage.ErrStaleRecord)
}

func TestFindProcessInstanceMissingReturnsNotFound(t *testing.T) {
	mem := NewStorage()
	_, err := mem.FindProcessInstanceByKey(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFindProcessDefinitionsByIdSortsByVersion(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	require.NoError(t, mem.SaveProcessDefinition(ctx, model.ProcessDefinition{Key: 2, Id: "p", Version: 2}))
	require.NoError(t, mem.SaveProcessDefinition(ctx, model.ProcessDefinition{Key: 1, Id: "p", Version: 1}))
	require.NoError(t, mem.SaveProcessDefinition(ctx, model.ProcessDefinition{Key: 3, Id: "other", Version: 1}))

	definitions, err := mem.FindProcessDefinitionsById(ctx, "p")
	require.NoError(t, err)
	require.Len(t, definitions, 2)
	assert.Equal(t, int32(1), definitions[0].Version)
	assert.Equal(t, int32(2), definitions[1].Version)

	latest, err := mem.FindLatestProcessDefinitionById(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, int32(2), latest.Version)
}

func TestBatchFlushAppliesAllStatements(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()

	batch := mem.NewBatch()
	require.NoError(t, batch.SaveProcessInstance(ctx, runtime.ProcessInstance{Key: 10, State: runtime.InstanceStateActive}))
	require.NoError(t, batch.SaveExecution(ctx, runtime.Execution{Key: 1, ProcessInstanceKey: 10}))
	require.NoError(t, batch.SaveJob(ctx, runtime.Job{Key: 5, ProcessInstanceKey: 10, State: runtime.JobStateActive}))

	// nothing visible before the flush
	_, err := mem.FindProcessInstanceByKey(ctx, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, batch.Flush(ctx))
	_, err = mem.FindProcessInstanceByKey(ctx, 10)
	require.NoError(t, err)
	_, err = mem.FindExecutionByKey(ctx, 1)
	require.NoError(t, err)
	_, err = mem.FindJobByKey(ctx, 5)
	require.NoError(t, err)
}

func TestBatchFlushSurfacesStaleRecord(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	require.NoError(t, mem.SaveExecution(ctx, runtime.Execution{Key: 1, ProcessInstanceKey: 10}))

	batch := mem.NewBatch()
	require.NoError(t, batch.SaveExecution(ctx, runtime.Execution{Key: 1, ProcessInstanceKey: 10, Revision: 0}))
	assert.ErrorIs(t, batch.Flush(ctx), storage.ErrStaleRecord)
}

func TestAcquireDueJobsStampsLockAtomically(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, mem.SaveProcessInstance(ctx, runtime.ProcessInstance{Key: 10, State: runtime.InstanceStateActive}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 1, ProcessInstanceKey: 10, State: runtime.JobStateActive, Retries: 3, DueAt: now.Add(-time.Minute)}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 2, ProcessInstanceKey: 10, State: runtime.JobStateActive, Retries: 3, DueAt: now.Add(-time.Second)}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 3, ProcessInstanceKey: 10, State: runtime.JobStateActive, Retries: 3, DueAt: now.Add(time.Hour)}))

	first, err := mem.AcquireDueJobs(ctx, "owner-a", 10, 5*time.Minute, now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	// ordered by due date
	assert.Equal(t, int64(1), first[0].Key)
	assert.Equal(t, int64(2), first[1].Key)
	assert.Equal(t, "owner-a", first[0].LockOwner)

	// a second owner sees nothing while the locks are live
	second, err := mem.AcquireDueJobs(ctx, "owner-b", 10, 5*time.Minute, now)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestAcquireDueJobsSkipsSuspendedAndTerminal(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, mem.SaveProcessInstance(ctx, runtime.ProcessInstance{Key: 10, State: runtime.InstanceStateActive, Suspended: true}))
	require.NoError(t, mem.SaveProcessInstance(ctx, runtime.ProcessInstance{Key: 20, State: runtime.InstanceStateActive}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 1, ProcessInstanceKey: 10, State: runtime.JobStateActive, Retries: 3, DueAt: now.Add(-time.Minute)}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 2, ProcessInstanceKey: 20, State: runtime.JobStateFailedTerminal, Retries: 0, DueAt: now.Add(-time.Minute)}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 3, ProcessInstanceKey: 20, State: runtime.JobStateActive, Retries: 3, DueAt: now.Add(-time.Minute)}))

	jobs, err := mem.AcquireDueJobs(ctx, "owner", 10, 5*time.Minute, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(3), jobs[0].Key)
}

func TestReleaseExpiredJobLocks(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, mem.SaveProcessInstance(ctx, runtime.ProcessInstance{Key: 10, State: runtime.InstanceStateActive}))
	require.NoError(t, mem.SaveJob(ctx, runtime.Job{Key: 1, ProcessInstanceKey: 10, State: runtime.JobStateActive, Retries: 3, DueAt: now.Add(-time.Minute)}))

	acquired, err := mem.AcquireDueJobs(ctx, "dead-owner", 10, time.Minute, now)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	released, err := mem.ReleaseExpiredJobLocks(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// the job becomes acquirable again
	again, err := mem.AcquireDueJobs(ctx, "new-owner", 10, time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "new-owner", again[0].LockOwner)
}

func TestFindSubscriptionsByEventNameMatchesExactly(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	require.NoError(t, mem.SaveEventSubscription(ctx, runtime.EventSubscription{Key: 1, ProcessInstanceKey: 10, EventType: model.EventTypeMessage, EventName: "order"}))
	require.NoError(t, mem.SaveEventSubscription(ctx, runtime.EventSubscription{Key: 2, ProcessInstanceKey: 10, EventType: model.EventTypeMessage}))
	require.NoError(t, mem.SaveEventSubscription(ctx, runtime.EventSubscription{Key: 3, ProcessInstanceKey: 10, EventType: model.EventTypeSignal, EventName: "order"}))

	named, err := mem.FindSubscriptionsByEventName(ctx, model.EventTypeMessage, "order")
	require.NoError(t, err)
	require.Len(t, named, 1)
	assert.Equal(t, int64(1), named[0].Key)

	catchAlls, err := mem.FindSubscriptionsByEventName(ctx, model.EventTypeMessage, "")
	require.NoError(t, err)
	require.Len(t, catchAlls, 1)
	assert.Equal(t, int64(2), catchAlls[0].Key)
}

func TestOpenIncidentsExcludeResolved(t *testing.T) {
	mem := NewStorage()
	ctx := context.Background()
	resolvedAt := time.Now()
	require.NoError(t, mem.SaveIncident(ctx, runtime.Incident{Key: 1, ProcessInstanceKey: 10}))
	require.NoError(t, mem.SaveIncident(ctx, runtime.Incident{Key: 2, ProcessInstanceKey: 10, ResolvedAt: &resolvedAt}))

	open, err := mem.FindOpenProcessInstanceIncidents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(1), open[0].Key)
}
