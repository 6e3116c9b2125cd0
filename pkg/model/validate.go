package model

import (
	"fmt"
	"sort"
)

// ValidationError reports why a process model was rejected at load time.
type ValidationError struct {
	ProcessId string
	Msg       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid process model %s: %s", e.ProcessId, e.Msg)
}

func (d *ProcessDefinition) invalidf(format string, a ...interface{}) error {
	return &ValidationError{ProcessId: d.Id, Msg: fmt.Sprintf(format, a...)}
}

func (d *ProcessDefinition) sortedIds() []string {
	ids := make([]string, 0, len(d.Activities))
	for id := range d.Activities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the structural rules of the activity graph and derives the
// Incoming sets. A definition that fails validation must not be deployed.
func (d *ProcessDefinition) Validate() error {
	if d.Id == "" {
		return d.invalidf("missing process id")
	}
	for _, a := range d.Activities {
		a.Incoming = nil
	}
	for _, id := range d.sortedIds() {
		a := d.Activities[id]
		if a.Id != id {
			return d.invalidf("activity map key %s does not match activity id %s", id, a.Id)
		}
		if a.ScopeId != "" {
			scope := d.Activities[a.ScopeId]
			if scope == nil {
				return d.invalidf("activity %s references unknown scope %s", id, a.ScopeId)
			}
			if scope.Kind != KindScope {
				return d.invalidf("activity %s is nested in %s which is not a scope", id, a.ScopeId)
			}
		}
		for _, target := range a.Outgoing {
			t := d.Activities[target]
			if t == nil {
				return d.invalidf("activity %s has a transition to unknown activity %s", id, target)
			}
			if t.ScopeId != a.ScopeId {
				return d.invalidf("transition %s -> %s crosses a scope boundary", id, target)
			}
			t.Incoming = append(t.Incoming, id)
		}
	}
	for _, id := range d.sortedIds() {
		a := d.Activities[id]
		if err := d.validateActivity(a); err != nil {
			return err
		}
	}
	if len(d.InitialActivities("")) == 0 {
		return d.invalidf("process has no initial activity")
	}
	if err := d.validateCatchAlls(); err != nil {
		return err
	}
	return d.validateAcyclicScopes()
}

func (d *ProcessDefinition) validateActivity(a *Activity) error {
	switch a.Kind {
	case KindTask, KindScope, KindParallel, KindEventCatch, KindCompensationHandler:
	default:
		return d.invalidf("activity %s has unknown kind %q", a.Id, a.Kind)
	}
	if a.Kind != KindParallel && len(a.Outgoing) > 1 {
		return d.invalidf("activity %s has %d outgoing transitions; only parallel gateways fork", a.Id, len(a.Outgoing))
	}
	if a.Kind != KindParallel && len(a.Incoming) > 1 {
		return d.invalidf("activity %s has %d incoming transitions; only parallel gateways join", a.Id, len(a.Incoming))
	}
	if a.Kind == KindEventCatch {
		if a.Catch == nil && a.Timer == nil {
			return d.invalidf("event catch activity %s declares neither an event nor a timer", a.Id)
		}
	}
	if a.Kind == KindCompensationHandler {
		if len(a.Incoming) > 0 || len(a.Outgoing) > 0 {
			return d.invalidf("compensation handler %s must not be connected to the normal flow", a.Id)
		}
	}
	if a.CompensationHandlerId != "" {
		h := d.Activities[a.CompensationHandlerId]
		if h == nil || h.Kind != KindCompensationHandler {
			return d.invalidf("activity %s references invalid compensation handler %s", a.Id, a.CompensationHandlerId)
		}
	}
	if a.MultiInstance != nil && a.MultiInstance.CollectionExpression == "" {
		return d.invalidf("multi-instance activity %s has no collection expression", a.Id)
	}
	for _, b := range a.Boundary {
		h := d.Activities[b.HandlerId]
		if h == nil {
			return d.invalidf("boundary event on %s references unknown handler %s", a.Id, b.HandlerId)
		}
		if h.ScopeId != a.ScopeId {
			return d.invalidf("boundary handler %s must live in the same scope as %s", b.HandlerId, a.Id)
		}
		if b.Type == EventTypeTimer && b.Timer == nil {
			return d.invalidf("timer boundary event on %s has no timer definition", a.Id)
		}
	}
	return nil
}

// validateCatchAlls rejects scopes that would make correlation ambiguous:
// at most one catch-all subscription per event type may coexist with named
// subscriptions in one scope, and two named subscriptions in the same scope
// must not share a name.
func (d *ProcessDefinition) validateCatchAlls() error {
	type slot struct{ scope, name string }
	seen := map[EventType]map[slot]string{}
	record := func(t EventType, scope, name, owner string) error {
		if seen[t] == nil {
			seen[t] = map[slot]string{}
		}
		s := slot{scope: scope, name: name}
		if prev, ok := seen[t][s]; ok {
			if name == "" {
				return d.invalidf("scope %q declares two catch-all %s subscriptions (%s, %s)", scope, t, prev, owner)
			}
			return d.invalidf("scope %q declares duplicate %s subscriptions named %q (%s, %s)", scope, t, name, prev, owner)
		}
		seen[t][s] = owner
		return nil
	}
	for _, id := range d.sortedIds() {
		a := d.Activities[id]
		if a.Kind == KindEventCatch && a.Catch != nil {
			if err := record(a.Catch.Type, a.ScopeId, a.Catch.Name, a.Id); err != nil {
				return err
			}
		}
		for _, b := range a.Boundary {
			if b.Type == EventTypeTimer {
				continue
			}
			if err := record(b.Type, a.ScopeId, b.Name, a.Id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *ProcessDefinition) validateAcyclicScopes() error {
	for _, id := range d.sortedIds() {
		visited := map[string]bool{}
		a := d.Activities[id]
		for a != nil && a.ScopeId != "" {
			if visited[a.ScopeId] {
				return d.invalidf("scope nesting of activity %s is cyclic", id)
			}
			visited[a.ScopeId] = true
			a = d.Activities[a.ScopeId]
		}
	}
	return nil
}
