package runtime

import (
	"time"

	"github.com/procflow/procflow/pkg/model"
)

// ExecutionState is the lifecycle position of a single Execution.
//
//	Inactive -> Starting -> Executing -> Ending -> Destroyed
//
// Starting covers an execution parked behind an async continuation job;
// Executing covers wait states (user tasks, event subscriptions).
type ExecutionState string

const (
	ExecutionStateInactive  ExecutionState = "INACTIVE"
	ExecutionStateStarting  ExecutionState = "STARTING"
	ExecutionStateExecuting ExecutionState = "EXECUTING"
	ExecutionStateEnding    ExecutionState = "ENDING"
	ExecutionStateDestroyed ExecutionState = "DESTROYED"
)

// Execution is one concurrent control-flow pointer inside a process
// instance. Executions form a tree; parent and children are stored as key
// references so each record can be versioned independently.
type Execution struct {
	Key                int64          `json:"k"`
	ProcessInstanceKey int64          `json:"pik"`
	ParentKey          int64          `json:"pk"` // 0 for the root
	ChildKeys          []int64        `json:"ck,omitempty"`
	ActivityId         string         `json:"aid,omitempty"` // empty for pure coordination nodes
	State              ExecutionState `json:"s"`
	IsScope            bool           `json:"sc,omitempty"`
	IsConcurrent       bool           `json:"cc,omitempty"`

	// IsEventScope marks a detached scope that outlives its origin and keeps
	// compensation subscriptions addressable after the origin completed.
	IsEventScope bool `json:"es,omitempty"`
	// EventScopeSourceKey is the key of the completed scope an event scope
	// stands in for.
	EventScopeSourceKey int64 `json:"esk,omitempty"`

	// Variables live only on scope executions; a non-scope execution always
	// resolves variables through its nearest scope ancestor.
	Variables map[string]any `json:"v,omitempty"`

	// JoinGates tracks, per joining gateway id, how many concurrent arrivals
	// are still outstanding. Kept on the scope execution that owns the
	// concurrent children racing towards the join.
	JoinGates map[string]int `json:"jg,omitempty"`

	// MultiInstanceActive / MultiInstanceTotal track iteration bookkeeping on
	// the coordination execution of a multi-instance activity.
	MultiInstanceTotal     int `json:"mit,omitempty"`
	MultiInstanceCompleted int `json:"mic,omitempty"`

	CreatedAt time.Time `json:"c"`
	Revision  int64     `json:"r"`
}

// InstanceState is the lifecycle of a whole process instance.
type InstanceState string

const (
	InstanceStateActive     InstanceState = "ACTIVE"
	InstanceStateCompleted  InstanceState = "COMPLETED"
	InstanceStateTerminated InstanceState = "TERMINATED"
)

// ProcessInstance is the root of one process enactment.
type ProcessInstance struct {
	Key              int64         `json:"k"`
	DefinitionKey    int64         `json:"dk"`
	DefinitionId     string        `json:"did"`
	BusinessKey      string        `json:"bk,omitempty"`
	State            InstanceState `json:"s"`
	Suspended        bool          `json:"sus,omitempty"`
	RootExecutionKey int64         `json:"rek"`
	CreatedAt        time.Time     `json:"c"`
	Revision         int64         `json:"r"`

	Definition *model.ProcessDefinition `json:"-"`
}

// EventSubscription registers the interest of one execution in a named
// event. An empty EventName is a catch-all for its type.
type EventSubscription struct {
	Key                int64           `json:"k"`
	ProcessInstanceKey int64           `json:"pik"`
	ExecutionKey       int64           `json:"ek"`
	ActivityId         string          `json:"aid"` // catching activity, or the activity a boundary event is attached to
	HandlerActivityId  string          `json:"hid"` // activity entered when the subscription fires
	EventType          model.EventType `json:"et"`
	EventName          string          `json:"en,omitempty"`
	Interrupting       bool            `json:"i,omitempty"`
	CreatedAt          time.Time       `json:"c"`
	Revision           int64           `json:"r"`
}

type JobType string

const (
	JobTypeTimer             JobType = "timer"
	JobTypeAsyncContinuation JobType = "async-continuation"
	JobTypeMigrationBatch    JobType = "migration-batch"
)

type JobState string

const (
	// JobStateActive means the job is eligible for acquisition once due.
	JobStateActive JobState = "ACTIVE"
	// JobStateFailedTerminal means retries are exhausted; the job stays
	// visible for manual retry through its incident.
	JobStateFailedTerminal JobState = "FAILED"
)

// Job is one unit of deferred work. Lock fields are the only record fields
// mutated outside a business transition; they implement the acquire/release
// protocol of the scheduler.
type Job struct {
	Key                int64     `json:"k"`
	Type               JobType   `json:"t"`
	ProcessInstanceKey int64     `json:"pik"`
	ExecutionKey       int64     `json:"ek"`
	ActivityId         string    `json:"aid"`
	DueAt              time.Time `json:"d"`
	Retries            int32     `json:"rt"`
	State              JobState  `json:"s"`
	LockOwner          string    `json:"lo,omitempty"`
	LockExpiresAt      time.Time `json:"le,omitempty"`
	ErrorMessage       string    `json:"em,omitempty"`
	// IncidentKey links the job to its open incident once the retries were
	// exhausted; the incident resolves when a later attempt succeeds.
	IncidentKey int64 `json:"ik,omitempty"`
	Payload            []byte    `json:"p,omitempty"`
	CreatedAt          time.Time `json:"c"`
	Revision           int64     `json:"r"`
}

// Locked reports whether the job is held by a live lock at the given time.
func (j *Job) Locked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpiresAt.After(now)
}

// Incident records the terminal failure of a job.
type Incident struct {
	Key                int64      `json:"k"`
	ProcessInstanceKey int64      `json:"pik"`
	ExecutionKey       int64      `json:"ek"`
	ActivityId         string     `json:"aid"`
	JobKey             int64      `json:"jk"`
	Message            string     `json:"m"`
	CreatedAt          time.Time  `json:"c"`
	ResolvedAt         *time.Time `json:"ra,omitempty"`
	Revision           int64      `json:"r"`
}

// VariableMapping copies the result of an expression into a target variable
// during migration.
type VariableMapping struct {
	SourceExpression string `json:"sourceExpression" yaml:"sourceExpression"`
	Target           string `json:"target" yaml:"target"`
}

// MigrationInstruction maps one source activity to one target activity.
type MigrationInstruction struct {
	SourceActivityId string            `json:"sourceActivityId" yaml:"sourceActivityId"`
	TargetActivityId string            `json:"targetActivityId" yaml:"targetActivityId"`
	VariableMappings []VariableMapping `json:"variableMappings,omitempty" yaml:"variableMappings"`
}

// MigrationPlan maps the activities of one process definition version onto
// another. The plan itself is never mutated by its application.
type MigrationPlan struct {
	TargetDefinitionKey int64                  `json:"targetDefinitionKey" yaml:"targetDefinitionKey"`
	MapEqualActivities  bool                   `json:"mapEqualActivities" yaml:"mapEqualActivities"`
	Instructions        []MigrationInstruction `json:"instructions" yaml:"instructions"`
}

// ActivityInstance is the read-only projection of the execution tree with
// coordination executions collapsed away.
type ActivityInstance struct {
	ExecutionKey int64               `json:"executionKey"`
	ActivityId   string              `json:"activityId"`
	Children     []*ActivityInstance `json:"children,omitempty"`
}
