// Package exporter publishes engine lifecycle events to external consumers.
// Exporters are called synchronously as transitions happen; they must not
// block for long and must not fail the engine.
package exporter

type EventExporter interface {
	NewDefinitionEvent(event *DefinitionEvent)
	NewInstanceEvent(event *InstanceEvent)
	NewActivityEvent(event *InstanceEvent, activityInfo *ActivityInfo)
	NewJobEvent(event *JobEvent)
	NewIncidentEvent(event *IncidentEvent)
	NewMigrationEvent(event *MigrationEvent)
}

type Intent string

const (
	ActivityActivating Intent = "ACTIVITY_ACTIVATING"
	ActivityActivated  Intent = "ACTIVITY_ACTIVATED"
	ActivityCompleting Intent = "ACTIVITY_COMPLETING"
	ActivityCompleted  Intent = "ACTIVITY_COMPLETED"
	ActivityTerminated Intent = "ACTIVITY_TERMINATED"
	TransitionTaken    Intent = "TRANSITION_TAKEN"
	Created            Intent = "CREATED"
	Completed          Intent = "COMPLETED"
	Failed             Intent = "FAILED"
	Raised             Intent = "RAISED"
	Resolved           Intent = "RESOLVED"
)

type DefinitionEvent struct {
	DefinitionId  string
	DefinitionKey int64
	Version       int32
}

type InstanceEvent struct {
	DefinitionId       string
	DefinitionKey      int64
	Version            int32
	ProcessInstanceKey int64
	Intent             Intent
}

type ActivityInfo struct {
	ActivityId   string
	ActivityKind string
	ExecutionKey int64
	Intent       Intent
}

type JobEvent struct {
	JobKey             int64
	JobType            string
	ProcessInstanceKey int64
	ExecutionKey       int64
	ActivityId         string
	Intent             Intent
	ErrorMessage       string
}

type IncidentEvent struct {
	IncidentKey        int64
	ProcessInstanceKey int64
	ActivityId         string
	JobKey             int64
	Message            string
	Intent             Intent
}

type MigrationEvent struct {
	ProcessInstanceKey  int64
	SourceDefinitionKey int64
	TargetDefinitionKey int64
	MigratedExecutions  int
}
