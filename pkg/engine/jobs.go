package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/pkg/engine/exporter"
	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/otel"
	"github.com/procflow/procflow/pkg/storage"
)

// defaultJobRetries is the retry budget a fresh job starts with.
const defaultJobRetries = 3

// timerJobPayload steers a fired timer job. An empty handler means the timer
// belongs to a catching activity that simply continues; a set handler names
// the boundary handler to enter.
type timerJobPayload struct {
	HandlerActivityId string `json:"handler,omitempty"`
	Interrupting      bool   `json:"interrupting,omitempty"`
}

func encodeTimerPayload(handlerActivityId string, interrupting bool) ([]byte, error) {
	return json.Marshal(timerJobPayload{HandlerActivityId: handlerActivityId, Interrupting: interrupting})
}

// migrationJobPayload carries the plan of a deferred migration job.
type migrationJobPayload struct {
	Plan runtime.MigrationPlan `json:"plan"`
}

func (r *instanceRun) createJob(jobType runtime.JobType, execution *runtime.Execution, activityId string, dueAt time.Time, payload []byte) *runtime.Job {
	job := r.addJob(runtime.Job{
		Key:                r.engine.generateKey(),
		Type:               jobType,
		ProcessInstanceKey: r.instance.Key,
		ExecutionKey:       execution.Key,
		ActivityId:         activityId,
		DueAt:              dueAt,
		Retries:            defaultJobRetries,
		State:              runtime.JobStateActive,
		Payload:            payload,
		CreatedAt:          time.Now(),
	})
	if r.engine.metrics != nil {
		r.engine.metrics.JobsCreated.Add(context.Background(), 1)
	}
	r.engine.exportJobEvent(job, exporter.Created)
	return job
}

// ExecuteJob runs one acquired job. A successful execution commits the
// business transition and deletes the job in the same transaction. A failed
// execution leaves the business state untouched, consumes a retry and
// reschedules the job with a backoff; once the retries are exhausted the job
// turns terminal and an incident is raised.
func (engine *Engine) ExecuteJob(ctx context.Context, job runtime.Job) error {
	ctx, span := engine.tracer.Start(ctx, "execute-job", trace.WithAttributes(
		attribute.Int64(otel.AttributeJobKey, job.Key),
		attribute.String(otel.AttributeJobType, string(job.Type)),
		attribute.Int64(otel.AttributeProcessInstanceKey, job.ProcessInstanceKey),
	))
	defer span.End()

	if err := engine.executeJob(ctx, job); err != nil {
		return engine.failJob(ctx, job, err)
	}
	if job.IncidentKey != 0 {
		// the manual retry went through, the incident is settled
		if err := engine.markIncidentResolved(ctx, job.IncidentKey); err != nil {
			return err
		}
	}
	if engine.metrics != nil {
		engine.metrics.JobsCompleted.Add(ctx, 1)
	}
	engine.exportJobEvent(&job, exporter.Completed)
	return nil
}

func (engine *Engine) executeJob(ctx context.Context, job runtime.Job) error {
	if job.Type == runtime.JobTypeMigrationBatch {
		var payload migrationJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return errors.Join(newEngineErrorf("invalid payload of migration job %d", job.Key), err)
		}
		if err := engine.Migrate(ctx, job.ProcessInstanceKey, payload.Plan); err != nil {
			return err
		}
		return engine.persistence.DeleteJob(ctx, job.Key)
	}

	run, err := engine.loadRun(ctx, job.ProcessInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		// the instance is gone, nothing left to continue
		return engine.persistence.DeleteJob(ctx, job.Key)
	}
	if err != nil {
		return err
	}
	execution := run.tree.Get(job.ExecutionKey)
	if execution == nil {
		return engine.persistence.DeleteJob(ctx, job.Key)
	}

	switch job.Type {
	case runtime.JobTypeAsyncContinuation:
		if execution.State != runtime.ExecutionStateStarting {
			return &IllegalExecutionStateError{ExecutionKey: execution.Key, ActivityId: execution.ActivityId,
				Msg: "execution is not parked behind an async continuation"}
		}
		run.queue = append(run.queue, enterActivityCommand{executionKey: execution.Key, activityId: job.ActivityId, resumed: true})
	case runtime.JobTypeTimer:
		var payload timerJobPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return errors.Join(newEngineErrorf("invalid payload of timer job %d", job.Key), err)
			}
		}
		if payload.HandlerActivityId == "" {
			if execution.State != runtime.ExecutionStateExecuting {
				return &IllegalExecutionStateError{ExecutionKey: execution.Key, ActivityId: execution.ActivityId,
					Msg: "timed execution is not waiting"}
			}
			run.queue = append(run.queue, leaveActivityCommand{executionKey: execution.Key})
		} else {
			if err := run.fireBoundary(execution, payload.HandlerActivityId, payload.Interrupting, nil); err != nil {
				return err
			}
		}
	default:
		return newEngineErrorf("unsupported job type %s", job.Type)
	}

	run.removeJob(job.Key)
	if err := run.runQueue(ctx); err != nil {
		return err
	}
	return run.finish(ctx)
}

// failJob books a failed attempt on the job record. The business batch of
// the attempt was never flushed, so only the job (and possibly an incident)
// changes here.
func (engine *Engine) failJob(ctx context.Context, job runtime.Job, cause error) error {
	current, err := engine.persistence.FindJobByKey(ctx, job.Key)
	if err != nil {
		return errors.Join(cause, newEngineErrorf("failed to reload job %d after failure", job.Key), err)
	}
	current.Retries--
	current.LockOwner = ""
	current.LockExpiresAt = time.Time{}
	current.ErrorMessage = cause.Error()

	result := &JobExecutionError{JobKey: current.Key, Err: cause}
	batch := engine.persistence.NewBatch()
	if current.Retries > 0 {
		failures := uint(defaultJobRetries - current.Retries)
		current.DueAt = time.Now().Add(engine.retryBackoff(cause, failures))
	} else {
		current.Retries = 0
		current.State = runtime.JobStateFailedTerminal
		if current.IncidentKey == 0 {
			incident := runtime.Incident{
				Key:                engine.generateKey(),
				ProcessInstanceKey: current.ProcessInstanceKey,
				ExecutionKey:       current.ExecutionKey,
				ActivityId:         current.ActivityId,
				JobKey:             current.Key,
				Message:            cause.Error(),
				CreatedAt:          time.Now(),
			}
			if err := batch.SaveIncident(ctx, incident); err != nil {
				return errors.Join(cause, err)
			}
			current.IncidentKey = incident.Key
			if engine.metrics != nil {
				engine.metrics.IncidentsRaised.Add(ctx, 1)
			}
			engine.exportIncidentEvent(&incident, exporter.Raised)
		}
		// a failed manual retry keeps the existing incident open
		result.IncidentKey = current.IncidentKey
	}
	result.RetriesLeft = current.Retries

	if err := batch.SaveJob(ctx, current); err != nil {
		return errors.Join(cause, err)
	}
	if err := batch.Flush(ctx); err != nil {
		return errors.Join(cause, newEngineErrorf("failed to book failure of job %d", current.Key), err)
	}
	if engine.metrics != nil {
		engine.metrics.JobsFailed.Add(ctx, 1)
	}
	engine.exportJobEvent(&current, exporter.Failed)
	return result
}

func (engine *Engine) exportJobEvent(job *runtime.Job, intent exporter.Intent) {
	for _, exp := range engine.exporters {
		exp.NewJobEvent(&exporter.JobEvent{
			JobKey:             job.Key,
			JobType:            string(job.Type),
			ProcessInstanceKey: job.ProcessInstanceKey,
			ExecutionKey:       job.ExecutionKey,
			ActivityId:         job.ActivityId,
			Intent:             intent,
			ErrorMessage:       job.ErrorMessage,
		})
	}
}
