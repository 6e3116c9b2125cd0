package model

import (
	"time"

	"github.com/senseyeio/duration"
)

// Kind is the closed set of activity behaviors the engine dispatches on.
type Kind string

const (
	// KindTask is a plain activity; it reuses the execution it is entered on.
	KindTask Kind = "task"
	// KindScope is an embedded sub-process; entering it creates a scope execution.
	KindScope Kind = "scope"
	// KindParallel is a parallel gateway; forks when it has several outgoing
	// transitions, joins (AND semantics) when it has several incoming ones.
	KindParallel Kind = "parallel"
	// KindEventCatch waits for an event subscription to be triggered.
	KindEventCatch Kind = "eventCatch"
	// KindCompensationHandler is only ever entered by a compensation trigger.
	// It must not have incoming or outgoing transitions.
	KindCompensationHandler Kind = "compensationHandler"
)

// EventType enumerates the trigger kinds an event subscription can wait for.
type EventType string

const (
	EventTypeSignal       EventType = "signal"
	EventTypeMessage      EventType = "message"
	EventTypeTimer        EventType = "timer"
	EventTypeEscalation   EventType = "escalation"
	EventTypeCompensation EventType = "compensation"
)

// CatchSpec declares what an event-catching activity waits for.
// An empty Name is a catch-all: it matches any event name of the given type
// that is not claimed by a named subscription in the same scope.
type CatchSpec struct {
	Type EventType `yaml:"type"`
	Name string    `yaml:"name"`
}

// BoundarySpec declares a catch event attached to the border of an activity.
// When the event fires, HandlerId is entered in the activity's scope; if
// Interrupting is set, the subtree of the attached activity is destroyed first.
type BoundarySpec struct {
	Type         EventType  `yaml:"type"`
	Name         string     `yaml:"name"`
	Interrupting bool       `yaml:"interrupting"`
	HandlerId    string     `yaml:"handler"`
	Timer        *TimerSpec `yaml:"timer"`
}

// TimerSpec declares a relative due date as an ISO-8601 duration (e.g. PT15M).
type TimerSpec struct {
	Duration string `yaml:"duration"`
}

// DueAt shifts now by the declared ISO-8601 duration.
func (t *TimerSpec) DueAt(now time.Time) (time.Time, error) {
	d, err := duration.ParseISO8601(t.Duration)
	if err != nil {
		return time.Time{}, err
	}
	return d.Shift(now), nil
}

// MultiInstanceSpec wraps an activity so it is instantiated once per element
// of the evaluated collection expression.
type MultiInstanceSpec struct {
	CollectionExpression string `yaml:"collection"`
	ElementVariable      string `yaml:"elementVariable"`
	Sequential           bool   `yaml:"sequential"`
}

// Activity is one named node of the process graph.
type Activity struct {
	Id      string `yaml:"id"`
	Name    string `yaml:"name"`
	Kind    Kind   `yaml:"kind"`
	ScopeId string `yaml:"scope"` // enclosing scope activity id; empty means the process root scope

	Outgoing []string `yaml:"outgoing"`
	Incoming []string `yaml:"-"` // derived during validation

	// Initial marks the entry activity of its scope (or of the process).
	Initial bool `yaml:"initial"`

	// AwaitCompletion marks a wait state finished via CompleteActivity
	// (user tasks, external work).
	AwaitCompletion bool `yaml:"awaitCompletion"`

	// Async requests an async continuation job before the activity is entered.
	Async bool `yaml:"async"`

	Catch         *CatchSpec         `yaml:"catch"`
	Timer         *TimerSpec         `yaml:"timer"`
	Boundary      []BoundarySpec     `yaml:"boundary"`
	MultiInstance *MultiInstanceSpec `yaml:"multiInstance"`

	// CompensationHandlerId names the activity that undoes this one.
	CompensationHandlerId string `yaml:"compensationHandler"`
}

// ProcessDefinition is the immutable in-memory activity graph of one
// deployed process version.
type ProcessDefinition struct {
	Key        int64                `yaml:"-"`
	Id         string               `yaml:"id"`
	Version    int32                `yaml:"-"`
	Activities map[string]*Activity `yaml:"-"`
}

// Activity returns the activity with the given id, or nil.
func (d *ProcessDefinition) Activity(id string) *Activity {
	return d.Activities[id]
}

// InitialActivities returns the entry activities of the given scope;
// scopeId "" addresses the process root scope.
func (d *ProcessDefinition) InitialActivities(scopeId string) []*Activity {
	res := make([]*Activity, 0, 1)
	for _, id := range d.sortedIds() {
		a := d.Activities[id]
		if a.ScopeId == scopeId && a.Initial {
			res = append(res, a)
		}
	}
	return res
}

// ChildrenOf returns the activities directly contained in the given scope.
func (d *ProcessDefinition) ChildrenOf(scopeId string) []*Activity {
	res := make([]*Activity, 0)
	for _, id := range d.sortedIds() {
		a := d.Activities[id]
		if a.ScopeId == scopeId {
			res = append(res, a)
		}
	}
	return res
}

// ScopeChain returns the enclosing scope activity ids of an activity,
// innermost first, excluding the process root scope.
func (d *ProcessDefinition) ScopeChain(activityId string) []string {
	chain := make([]string, 0, 2)
	a := d.Activities[activityId]
	for a != nil && a.ScopeId != "" {
		chain = append(chain, a.ScopeId)
		a = d.Activities[a.ScopeId]
	}
	return chain
}
