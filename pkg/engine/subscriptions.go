package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/otel"
	"github.com/procflow/procflow/pkg/storage"
)

// CorrelationResult names one subscription that an event correlation fired.
type CorrelationResult struct {
	ProcessInstanceKey int64  `json:"processInstanceKey"`
	ExecutionKey       int64  `json:"executionKey"`
	ActivityId         string `json:"activityId"`
}

// CorrelateEvent delivers an event to waiting subscriptions.
//
// With a target execution the event must match a subscription held by that
// execution, otherwise EventSubscriptionNotFoundError is returned. Without a
// target the event is broadcast and fans out: every matching subscription
// fires unless a deeper match exists in its own subtree, and a named
// subscription beats a catch-all of the same scope. Failures of single
// instances do not stop the broadcast. A non-empty businessKey is stamped on
// every receiving instance before the catching activities continue.
func (engine *Engine) CorrelateEvent(ctx context.Context, eventType model.EventType, eventName string, variables map[string]any, businessKey string, targetExecutionKey *int64) ([]CorrelationResult, error) {
	ctx, span := engine.tracer.Start(ctx, "correlate-event", trace.WithAttributes(
		attribute.String(otel.AttributeEventName, eventName),
	))
	defer span.End()

	if targetExecutionKey != nil {
		result, err := engine.correlateToExecution(ctx, eventType, eventName, variables, businessKey, *targetExecutionKey)
		if err != nil {
			return nil, err
		}
		return []CorrelationResult{result}, nil
	}
	return engine.broadcastEvent(ctx, eventType, eventName, variables, businessKey)
}

func (engine *Engine) correlateToExecution(ctx context.Context, eventType model.EventType, eventName string, variables map[string]any, businessKey string, executionKey int64) (CorrelationResult, error) {
	var zero CorrelationResult
	execution, err := engine.persistence.FindExecutionByKey(ctx, executionKey)
	if err != nil {
		return zero, errors.Join(newEngineErrorf("failed to find execution with key: %d", executionKey), err)
	}
	run, err := engine.loadRun(ctx, execution.ProcessInstanceKey)
	if err != nil {
		return zero, err
	}
	if run.instance.Suspended {
		return zero, newEngineErrorf("process instance %d is suspended", run.instance.Key)
	}

	var match *runtime.EventSubscription
	for _, sub := range run.subscriptions {
		if sub.ExecutionKey != executionKey || sub.EventType != eventType {
			continue
		}
		if sub.EventName == eventName {
			match = sub
			break
		}
		if sub.EventName == "" && match == nil {
			match = sub
		}
	}
	if match == nil {
		return zero, &EventSubscriptionNotFoundError{ExecutionKey: executionKey, EventType: string(eventType), EventName: eventName}
	}

	if businessKey != "" {
		run.instance.BusinessKey = businessKey
	}
	result, err := run.fireSubscription(match, variables)
	if err != nil {
		return result, err
	}
	if err := run.runQueue(ctx); err != nil {
		return result, err
	}
	return result, run.finish(ctx)
}

func (engine *Engine) broadcastEvent(ctx context.Context, eventType model.EventType, eventName string, variables map[string]any, businessKey string) ([]CorrelationResult, error) {
	named, err := engine.persistence.FindSubscriptionsByEventName(ctx, eventType, eventName)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to look up subscriptions for %s", eventName), err)
	}
	catchAlls := []runtime.EventSubscription{}
	if eventName != "" {
		catchAlls, err = engine.persistence.FindSubscriptionsByEventName(ctx, eventType, "")
		if err != nil {
			return nil, errors.Join(newEngineErrorf("failed to look up catch-all subscriptions"), err)
		}
	}

	instanceKeys := make([]int64, 0, len(named)+len(catchAlls))
	for _, sub := range named {
		instanceKeys = append(instanceKeys, sub.ProcessInstanceKey)
	}
	for _, sub := range catchAlls {
		instanceKeys = append(instanceKeys, sub.ProcessInstanceKey)
	}
	slices.Sort(instanceKeys)
	instanceKeys = slices.Compact(instanceKeys)

	results := make([]CorrelationResult, 0, len(instanceKeys))
	var errJoin error
	for _, instanceKey := range instanceKeys {
		fired, err := engine.correlateToInstance(ctx, instanceKey, eventType, eventName, variables, businessKey)
		if err != nil {
			errJoin = multierr.Append(errJoin, fmt.Errorf("instance %d: %w", instanceKey, err))
			continue
		}
		results = append(results, fired...)
	}
	return results, errJoin
}

func (engine *Engine) correlateToInstance(ctx context.Context, processInstanceKey int64, eventType model.EventType, eventName string, variables map[string]any, businessKey string) ([]CorrelationResult, error) {
	run, err := engine.loadRun(ctx, processInstanceKey)
	if errors.Is(err, storage.ErrNotFound) {
		// the instance completed since the subscription index was read
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.instance.Suspended || run.instance.State != runtime.InstanceStateActive {
		return nil, nil
	}

	winners := run.resolveBroadcast(eventType, eventName)
	if len(winners) == 0 {
		return nil, nil
	}

	if businessKey != "" {
		run.instance.BusinessKey = businessKey
	}
	results := make([]CorrelationResult, 0, len(winners))
	for _, sub := range winners {
		// an earlier delivery may have consumed the subscription or torn
		// down its owner
		if _, open := run.subscriptions[sub.Key]; !open || run.tree.Get(sub.ExecutionKey) == nil {
			continue
		}
		result, err := run.fireSubscription(sub, variables)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	if err := run.runQueue(ctx); err != nil {
		return nil, err
	}
	if err := run.finish(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// resolveBroadcast picks the subscriptions a broadcast event fires inside
// one instance: every match without a deeper match in its own subtree, with
// a named subscription shadowing a catch-all of the same scope.
func (r *instanceRun) resolveBroadcast(eventType model.EventType, eventName string) []*runtime.EventSubscription {
	matches := make([]*runtime.EventSubscription, 0, len(r.subscriptions))
	codedScopes := make(map[int64]bool)
	for _, sub := range r.subscriptions {
		if sub.EventType != eventType {
			continue
		}
		if sub.EventName != eventName && sub.EventName != "" {
			continue
		}
		if r.tree.Get(sub.ExecutionKey) == nil {
			continue
		}
		matches = append(matches, sub)
		if sub.EventName == eventName {
			if scope := r.tree.FindScope(sub.ExecutionKey); scope != nil {
				codedScopes[scope.Key] = true
			}
		}
	}

	contenders := make([]*runtime.EventSubscription, 0, len(matches))
	for _, sub := range matches {
		if sub.EventName == "" && eventName != "" {
			if scope := r.tree.FindScope(sub.ExecutionKey); scope != nil && codedScopes[scope.Key] {
				continue
			}
		}
		contenders = append(contenders, sub)
	}

	winners := make([]*runtime.EventSubscription, 0, len(contenders))
	for _, sub := range contenders {
		shadowed := false
		for _, other := range contenders {
			if other.Key == sub.Key {
				continue
			}
			if r.isStrictAncestor(sub.ExecutionKey, other.ExecutionKey) {
				shadowed = true
				break
			}
			// two matches on the same execution: the lower key fires
			if other.ExecutionKey == sub.ExecutionKey && other.Key < sub.Key {
				shadowed = true
				break
			}
		}
		if !shadowed {
			winners = append(winners, sub)
		}
	}
	slices.SortFunc(winners, func(a, b *runtime.EventSubscription) int {
		return int(a.Key - b.Key)
	})
	return winners
}

// isStrictAncestor reports whether ancestorKey lies strictly above key in
// the execution tree.
func (r *instanceRun) isStrictAncestor(ancestorKey int64, key int64) bool {
	e := r.tree.Get(key)
	for e != nil && e.ParentKey != 0 {
		if e.ParentKey == ancestorKey {
			return true
		}
		e = r.tree.Get(e.ParentKey)
	}
	return false
}

// fireSubscription consumes a subscription and queues the resulting state
// machine work. Non-interrupting boundary subscriptions stay armed and can
// fire again.
func (r *instanceRun) fireSubscription(sub *runtime.EventSubscription, variables map[string]any) (CorrelationResult, error) {
	result := CorrelationResult{
		ProcessInstanceKey: r.instance.Key,
		ExecutionKey:       sub.ExecutionKey,
		ActivityId:         sub.ActivityId,
	}
	owner := r.tree.Get(sub.ExecutionKey)
	if owner == nil {
		r.removeSubscription(sub.Key)
		return result, newEngineErrorf("subscription %d points at a destroyed execution %d", sub.Key, sub.ExecutionKey)
	}

	switch {
	case sub.EventType == model.EventTypeCompensation:
		r.removeSubscription(sub.Key)
		handler, err := r.tree.CreateChild(owner.Key, false)
		if err != nil {
			return result, err
		}
		r.applyVariables(handler.Key, variables)
		r.queue = append(r.queue, enterActivityCommand{executionKey: handler.Key, activityId: sub.HandlerActivityId})
	case sub.HandlerActivityId != "":
		// boundary event on the activity the owner is positioned on
		if sub.Interrupting {
			r.removeSubscription(sub.Key)
		}
		return result, r.fireBoundary(owner, sub.HandlerActivityId, sub.Interrupting, variables)
	default:
		if owner.State != runtime.ExecutionStateExecuting {
			return result, &IllegalExecutionStateError{ExecutionKey: owner.Key, ActivityId: owner.ActivityId,
				Msg: "catching execution is not waiting"}
		}
		r.removeSubscription(sub.Key)
		r.applyVariables(owner.Key, variables)
		r.queue = append(r.queue, leaveActivityCommand{executionKey: owner.Key})
	}
	return result, nil
}

// fireBoundary enters the handler activity in the scope enclosing the
// attached activity. An interrupting boundary destroys the attached subtree
// first; all of it lands in the same transaction as the handler creation.
func (r *instanceRun) fireBoundary(attached *runtime.Execution, handlerId string, interrupting bool, variables map[string]any) error {
	scope := r.tree.FindScope(attached.ParentKey)
	if scope == nil {
		return newEngineErrorf("activity execution %d has no enclosing scope", attached.Key)
	}
	if interrupting {
		if err := r.removeSubtree(attached.Key); err != nil {
			return err
		}
	}
	handler, err := r.tree.CreateChild(scope.Key, false)
	if err != nil {
		return err
	}
	handler.IsConcurrent = !interrupting
	r.applyVariables(handler.Key, variables)
	r.queue = append(r.queue, enterActivityCommand{executionKey: handler.Key, activityId: handlerId})
	return nil
}

// FindInstanceSubscriptions returns the open event subscriptions of a
// process instance.
func (engine *Engine) FindInstanceSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.EventSubscription, error) {
	return engine.persistence.FindProcessInstanceSubscriptions(ctx, processInstanceKey)
}
