package engine

import "fmt"

type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}

// IllegalExecutionStateError is returned when an operation addresses an
// execution whose current state does not allow it, e.g. completing an
// activity that is not a wait state.
type IllegalExecutionStateError struct {
	ExecutionKey int64
	ActivityId   string
	Msg          string
}

func (e *IllegalExecutionStateError) Error() string {
	return fmt.Sprintf("execution %d (activity %s): %s", e.ExecutionKey, e.ActivityId, e.Msg)
}

// EventSubscriptionNotFoundError is returned when a correlation explicitly
// targets an execution that holds no matching subscription.
type EventSubscriptionNotFoundError struct {
	ExecutionKey int64
	EventType    string
	EventName    string
}

func (e *EventSubscriptionNotFoundError) Error() string {
	return fmt.Sprintf("execution %d has no %s subscription matching %q", e.ExecutionKey, e.EventType, e.EventName)
}

// MigrationValidationError collects every reason a migration plan cannot be
// applied to an instance. It is always raised before any state is mutated.
type MigrationValidationError struct {
	ProcessInstanceKey int64
	Failures           []string
}

func (e *MigrationValidationError) Error() string {
	return fmt.Sprintf("migration of instance %d rejected: %d validation failures, first: %s",
		e.ProcessInstanceKey, len(e.Failures), e.Failures[0])
}

// ExpressionEvaluationError wraps a failure of the script evaluator.
type ExpressionEvaluationError struct {
	Msg string
	Err error
}

func (e *ExpressionEvaluationError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ExpressionEvaluationError) Unwrap() error {
	return e.Err
}

// JobExecutionError marks a job failure that consumed a retry. The engine
// state outside the job record is untouched when it is returned.
type JobExecutionError struct {
	JobKey      int64
	RetriesLeft int32
	IncidentKey int64 // 0 unless this failure exhausted the retries
	Err         error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job %d failed (%d retries left): %v", e.JobKey, e.RetriesLeft, e.Err)
}

func (e *JobExecutionError) Unwrap() error {
	return e.Err
}
