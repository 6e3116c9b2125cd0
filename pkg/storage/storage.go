// Package storage defines the persistence boundary of the engine. All
// methods participate in the caller's logical transaction; implementations
// surface version conflicts as ErrStaleRecord so a trigger can be retried
// from a fresh read.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
)

// ErrNotFound is returned by methods expected to yield exactly one match
// when the record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrStaleRecord is the optimistic locking failure: a concurrent writer
// committed a newer revision first. The whole trigger must be retried from
// a fresh read; the engine never merges concurrent partial mutations.
var ErrStaleRecord = errors.New("stale record revision")

// Storage is the full persistence surface used by the engine and scheduler.
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	ExecutionStorageReader
	ExecutionStorageWriter
	EventSubscriptionStorageReader
	EventSubscriptionStorageWriter
	JobStorageReader
	JobStorageWriter
	JobAcquirer
	IncidentStorageReader
	IncidentStorageWriter

	NewBatch() Batch
}

// Batch buffers writes of one trigger and applies them on Flush. Revision
// conflicts of any buffered record surface from Flush as ErrStaleRecord.
type Batch interface {
	ProcessInstanceStorageWriter
	ExecutionStorageWriter
	EventSubscriptionStorageWriter
	JobStorageWriter
	IncidentStorageWriter

	// Flush applies the buffered statements and prepares the batch for new
	// ones.
	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (model.ProcessDefinition, error)

	FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error)

	// FindProcessDefinitionsById returns zero or many deployed definitions
	// with the given id, ordered by version, lowest first.
	FindProcessDefinitionsById(ctx context.Context, processDefinitionId string) ([]model.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error

	DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error
}

type ExecutionStorageReader interface {
	FindExecutionByKey(ctx context.Context, executionKey int64) (runtime.Execution, error)

	FindProcessInstanceExecutions(ctx context.Context, processInstanceKey int64) ([]runtime.Execution, error)

	// FindExecutionsByActivityId returns executions currently positioned on
	// the given activity across all process instances.
	FindExecutionsByActivityId(ctx context.Context, activityId string) ([]runtime.Execution, error)
}

type ExecutionStorageWriter interface {
	SaveExecution(ctx context.Context, execution runtime.Execution) error

	DeleteExecution(ctx context.Context, executionKey int64) error
}

type EventSubscriptionStorageReader interface {
	FindExecutionSubscriptions(ctx context.Context, executionKey int64) ([]runtime.EventSubscription, error)

	FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.EventSubscription, error)

	// FindSubscriptionsByEventName returns subscriptions of the given type
	// whose name matches exactly; an empty eventName selects catch-alls.
	FindSubscriptionsByEventName(ctx context.Context, eventType model.EventType, eventName string) ([]runtime.EventSubscription, error)
}

type EventSubscriptionStorageWriter interface {
	SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error

	DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error
}

type JobStorageReader interface {
	FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error)

	FindProcessInstanceJobs(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error)

	FindExecutionJobs(ctx context.Context, executionKey int64) ([]runtime.Job, error)
}

type JobStorageWriter interface {
	SaveJob(ctx context.Context, job runtime.Job) error

	DeleteJob(ctx context.Context, jobKey int64) error
}

// JobAcquirer is the scheduler's serialization point: the lock stamp of
// AcquireDueJobs must be atomic so two concurrent workers never hold the
// same job.
type JobAcquirer interface {
	// AcquireDueJobs selects up to batchSize due, unlocked, active jobs of
	// non-suspended instances and stamps them with the owner and
	// now+lockDuration in one atomic step, ordered by due date then key.
	AcquireDueJobs(ctx context.Context, owner string, batchSize int, lockDuration time.Duration, now time.Time) ([]runtime.Job, error)

	// ReleaseExpiredJobLocks clears lock fields of jobs whose lock expired
	// before now and returns how many were released.
	ReleaseExpiredJobLocks(ctx context.Context, now time.Time) (int, error)
}

type IncidentStorageReader interface {
	FindIncidentByKey(ctx context.Context, incidentKey int64) (runtime.Incident, error)

	FindOpenProcessInstanceIncidents(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error)
}

type IncidentStorageWriter interface {
	SaveIncident(ctx context.Context, incident runtime.Incident) error
}
