package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

func instanceJobs(t *testing.T, processInstanceKey int64) []runtime.Job {
	t.Helper()
	jobs, err := testStorage.FindProcessInstanceJobs(context.Background(), processInstanceKey)
	require.NoError(t, err)
	return jobs
}

func TestTimerJobContinuesCatchingActivity(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: timed-wait
activities:
  - id: pause
    kind: eventCatch
    initial: true
    timer:
      duration: PT0S
    outgoing: [after]
  - id: after
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "timed-wait", "", nil)
	require.NoError(t, err)

	jobs := instanceJobs(t, instance.Key)
	require.Len(t, jobs, 1)
	assert.Equal(t, runtime.JobTypeTimer, jobs[0].Type)
	assert.Equal(t, "pause", jobs[0].ActivityId)

	require.NoError(t, testEngine.ExecuteJob(ctx, jobs[0]))

	singleWaitingExecution(t, instance.Key, "after")
	_, err = testStorage.FindJobByKey(ctx, jobs[0].Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTimerBoundaryFiresHandler(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: deadline
activities:
  - id: slow
    initial: true
    awaitCompletion: true
    boundary:
      - type: timer
        interrupting: true
        handler: timeout
        timer:
          duration: PT0S
  - id: timeout
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "deadline", "", nil)
	require.NoError(t, err)
	singleWaitingExecution(t, instance.Key, "slow")

	jobs := instanceJobs(t, instance.Key)
	require.Len(t, jobs, 1)
	require.Equal(t, runtime.JobTypeTimer, jobs[0].Type)
	require.NoError(t, testEngine.ExecuteJob(ctx, jobs[0]))

	// the deadline interrupted the slow activity and entered the handler
	assert.Empty(t, waitingExecutions(t, instance.Key, "slow"))
	timeout := singleWaitingExecution(t, instance.Key, "timeout")

	require.NoError(t, testEngine.CompleteActivity(ctx, timeout.Key, nil))
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
}

func TestAsyncContinuationResumesActivity(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: async-step
activities:
  - id: step
    initial: true
    async: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "async-step", "", nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, reloadInstance(t, instance.Key).State)

	jobs := instanceJobs(t, instance.Key)
	require.Len(t, jobs, 1)
	assert.Equal(t, runtime.JobTypeAsyncContinuation, jobs[0].Type)

	// the execution is parked before the activity behavior ran
	parked, err := testStorage.FindExecutionByKey(ctx, jobs[0].ExecutionKey)
	require.NoError(t, err)
	assert.Equal(t, runtime.ExecutionStateStarting, parked.State)

	require.NoError(t, testEngine.ExecuteJob(ctx, jobs[0]))
	assert.Equal(t, runtime.InstanceStateCompleted, reloadInstance(t, instance.Key).State)
	assert.Empty(t, instanceJobs(t, instance.Key))
}

func TestFailedJobRetriesWithBackoffThenRaisesIncident(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: flaky
activities:
  - id: hold
    initial: true
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "flaky", "", nil)
	require.NoError(t, err)
	hold := singleWaitingExecution(t, instance.Key, "hold")

	// an async continuation aimed at an execution that is already past the
	// starting state fails on every attempt
	job := runtime.Job{
		Key:                testEngine.generateKey(),
		Type:               runtime.JobTypeAsyncContinuation,
		ProcessInstanceKey: instance.Key,
		ExecutionKey:       hold.Key,
		ActivityId:         "hold",
		DueAt:              time.Now(),
		Retries:            defaultJobRetries,
		State:              runtime.JobStateActive,
	}
	require.NoError(t, testStorage.SaveJob(ctx, job))

	var execErr *JobExecutionError
	for _, wantRetries := range []int32{2, 1} {
		err = testEngine.ExecuteJob(ctx, job)
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, wantRetries, execErr.RetriesLeft)
		assert.Zero(t, execErr.IncidentKey)

		rescheduled, err := testStorage.FindJobByKey(ctx, job.Key)
		require.NoError(t, err)
		assert.Equal(t, runtime.JobStateActive, rescheduled.State)
		assert.True(t, rescheduled.DueAt.After(time.Now()), "a retry is pushed out by the backoff")
	}

	// the last attempt exhausts the budget and raises an incident
	err = testEngine.ExecuteJob(ctx, job)
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, int32(0), execErr.RetriesLeft)
	require.NotZero(t, execErr.IncidentKey)

	terminal, err := testStorage.FindJobByKey(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobStateFailedTerminal, terminal.State)

	incidents, err := testEngine.FindOpenIncidents(ctx, instance.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, execErr.IncidentKey, incidents[0].Key)
	assert.Equal(t, "hold", incidents[0].ActivityId)

	// the business state never moved
	singleWaitingExecution(t, instance.Key, "hold")
}

func TestResolveIncidentClearsOnlyOnSuccessfulRetry(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: incident-recovery
activities:
  - id: hold
    initial: true
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "incident-recovery", "", nil)
	require.NoError(t, err)
	hold := singleWaitingExecution(t, instance.Key, "hold")

	// an async continuation aimed at an execution past the starting state
	// fails until the execution is parked again
	job := runtime.Job{
		Key:                testEngine.generateKey(),
		Type:               runtime.JobTypeAsyncContinuation,
		ProcessInstanceKey: instance.Key,
		ExecutionKey:       hold.Key,
		ActivityId:         "hold",
		DueAt:              time.Now(),
		Retries:            1,
		State:              runtime.JobStateActive,
	}
	require.NoError(t, testStorage.SaveJob(ctx, job))

	var execErr *JobExecutionError
	require.ErrorAs(t, testEngine.ExecuteJob(ctx, job), &execErr)
	require.NotZero(t, execErr.IncidentKey)

	// the manual retry reactivates the job but leaves the incident open
	require.NoError(t, testEngine.ResolveIncident(ctx, execErr.IncidentKey, 1))

	recovered, err := testStorage.FindJobByKey(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.JobStateActive, recovered.State)
	assert.Equal(t, int32(1), recovered.Retries)
	assert.False(t, recovered.DueAt.After(time.Now()))
	assert.Equal(t, execErr.IncidentKey, recovered.IncidentKey)

	incidents, err := testEngine.FindOpenIncidents(ctx, instance.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	// a reactivated job cannot be resolved again while it is runnable
	require.Error(t, testEngine.ResolveIncident(ctx, execErr.IncidentKey, 1))

	// a failing retry keeps the same incident open, no duplicate is raised
	require.ErrorAs(t, testEngine.ExecuteJob(ctx, recovered), &execErr)
	incidents, err = testEngine.FindOpenIncidents(ctx, instance.Key)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, recovered.IncidentKey, incidents[0].Key)

	require.NoError(t, testEngine.ResolveIncident(ctx, incidents[0].Key, 1))

	// park the execution again so the continuation can go through
	parked, err := testStorage.FindExecutionByKey(ctx, hold.Key)
	require.NoError(t, err)
	parked.State = runtime.ExecutionStateStarting
	require.NoError(t, testStorage.SaveExecution(ctx, parked))

	retried, err := testStorage.FindJobByKey(ctx, job.Key)
	require.NoError(t, err)
	require.NoError(t, testEngine.ExecuteJob(ctx, retried))

	// only the successful retry settles the incident
	incidents, err = testEngine.FindOpenIncidents(ctx, instance.Key)
	require.NoError(t, err)
	assert.Empty(t, incidents)
	_, err = testStorage.FindJobByKey(ctx, job.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// resolving the settled incident is rejected
	require.Error(t, testEngine.ResolveIncident(ctx, recovered.IncidentKey, 1))

	// the continuation re-entered the activity, which waits again
	singleWaitingExecution(t, instance.Key, "hold")
}

func TestExecuteJobForDestroyedExecutionDeletesJob(t *testing.T) {
	ctx := context.Background()
	deployDefinition(t, `
id: leftover-job
activities:
  - id: hold
    initial: true
    awaitCompletion: true
`)

	instance, err := testEngine.StartInstanceById(ctx, "leftover-job", "", nil)
	require.NoError(t, err)
	singleWaitingExecution(t, instance.Key, "hold")

	job := runtime.Job{
		Key:                testEngine.generateKey(),
		Type:               runtime.JobTypeAsyncContinuation,
		ProcessInstanceKey: instance.Key,
		ExecutionKey:       testEngine.generateKey(),
		ActivityId:         "hold",
		DueAt:              time.Now(),
		Retries:            defaultJobRetries,
		State:              runtime.JobStateActive,
	}
	require.NoError(t, testStorage.SaveJob(ctx, job))

	// the execution the job points at is gone, the job is garbage collected
	require.NoError(t, testEngine.ExecuteJob(ctx, job))
	_, err = testStorage.FindJobByKey(ctx, job.Key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
