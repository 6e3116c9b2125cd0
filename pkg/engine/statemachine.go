package engine

import (
	"context"
	"time"

	"github.com/procflow/procflow/pkg/engine/exporter"
	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
)

// enterActivity positions an execution on an activity and runs the entry
// behavior of its kind. Wait states (user tasks, event catches, async
// continuations) leave the queue empty and park the execution until the next
// external trigger.
func (r *instanceRun) enterActivity(ctx context.Context, executionKey int64, activityId string, resumed bool) error {
	execution := r.tree.Get(executionKey)
	if execution == nil {
		return &IllegalExecutionStateError{ExecutionKey: executionKey, ActivityId: activityId, Msg: "execution is gone"}
	}
	definition := r.instance.Definition
	activity := definition.Activity(activityId)
	if activity == nil {
		return newEngineErrorf("process %s has no activity %s", definition.Id, activityId)
	}

	execution.ActivityId = activityId
	execution.State = runtime.ExecutionStateStarting
	r.tree.MarkDirty(executionKey)
	r.engine.exportActivityEvent(r.instance, execution, activity.Kind, exporter.ActivityActivating)

	if activity.Async && !resumed {
		r.createJob(runtime.JobTypeAsyncContinuation, execution, activity.Id, time.Now(), nil)
		return nil
	}

	iteration := r.isMultiInstanceIteration(execution, activity)
	if !iteration {
		if err := r.createBoundaryArtifacts(execution, activity); err != nil {
			return err
		}
		if activity.MultiInstance != nil {
			return r.enterMultiInstance(execution, activity)
		}
	}

	switch activity.Kind {
	case model.KindTask, model.KindCompensationHandler:
		execution.State = runtime.ExecutionStateExecuting
		r.tree.MarkDirty(executionKey)
		r.engine.exportActivityEvent(r.instance, execution, activity.Kind, exporter.ActivityActivated)
		if activity.AwaitCompletion {
			return nil
		}
		r.queue = append(r.queue, leaveActivityCommand{executionKey: executionKey})
	case model.KindEventCatch:
		execution.State = runtime.ExecutionStateExecuting
		r.tree.MarkDirty(executionKey)
		r.engine.exportActivityEvent(r.instance, execution, activity.Kind, exporter.ActivityActivated)
		if activity.Timer != nil {
			dueAt, err := activity.Timer.DueAt(time.Now())
			if err != nil {
				return newEngineErrorf("invalid timer duration on activity %s: %v", activity.Id, err)
			}
			r.createJob(runtime.JobTypeTimer, execution, activity.Id, dueAt, nil)
			return nil
		}
		r.addSubscription(runtime.EventSubscription{
			Key:                r.engine.generateKey(),
			ProcessInstanceKey: r.instance.Key,
			ExecutionKey:       executionKey,
			ActivityId:         activity.Id,
			EventType:          activity.Catch.Type,
			EventName:          activity.Catch.Name,
			CreatedAt:          time.Now(),
		})
	case model.KindScope:
		return r.enterScope(execution, activity)
	case model.KindParallel:
		return r.enterParallel(execution, activity)
	default:
		panic("[invariant check] activity kind dispatch not fully implemented")
	}
	return nil
}

func (r *instanceRun) enterScope(execution *runtime.Execution, activity *model.Activity) error {
	execution.IsScope = true
	if execution.Variables == nil {
		execution.Variables = map[string]any{}
	}
	execution.State = runtime.ExecutionStateExecuting
	r.tree.MarkDirty(execution.Key)
	r.engine.exportActivityEvent(r.instance, execution, activity.Kind, exporter.ActivityActivated)

	initial := r.instance.Definition.InitialActivities(activity.Id)
	if len(initial) == 0 {
		r.queue = append(r.queue, leaveActivityCommand{executionKey: execution.Key})
		return nil
	}
	concurrent := len(initial) > 1
	for _, entry := range initial {
		child, err := r.tree.CreateChild(execution.Key, false)
		if err != nil {
			return err
		}
		child.IsConcurrent = concurrent
		r.queue = append(r.queue, enterActivityCommand{executionKey: child.Key, activityId: entry.Id})
	}
	return nil
}

// enterParallel joins concurrent arrivals when the gateway has several
// incoming transitions and forks on leave when it has several outgoing ones.
// The join gate lives on the enclosing scope so arrivals of any path share
// the countdown.
func (r *instanceRun) enterParallel(execution *runtime.Execution, activity *model.Activity) error {
	if len(activity.Incoming) > 1 {
		scope := r.tree.FindScope(execution.ParentKey)
		if scope == nil {
			return newEngineErrorf("gateway execution %d has no enclosing scope", execution.Key)
		}
		if scope.JoinGates == nil {
			scope.JoinGates = map[string]int{}
		}
		remaining, armed := scope.JoinGates[activity.Id]
		if !armed {
			remaining = len(activity.Incoming)
		}
		remaining--
		r.tree.MarkDirty(scope.Key)
		if remaining > 0 {
			// not the last arrival: park the countdown and drop this path
			scope.JoinGates[activity.Id] = remaining
			r.removeExecutionArtifacts(execution.Key)
			return r.tree.Remove(execution.Key)
		}
		delete(scope.JoinGates, activity.Id)
	}
	execution.State = runtime.ExecutionStateExecuting
	r.tree.MarkDirty(execution.Key)
	r.engine.exportActivityEvent(r.instance, execution, activity.Kind, exporter.ActivityActivated)
	r.queue = append(r.queue, leaveActivityCommand{executionKey: execution.Key})
	return nil
}

// leaveActivity completes the activity an execution is positioned on, drops
// its subscriptions and timers, registers compensation and takes the
// outgoing transition.
func (r *instanceRun) leaveActivity(ctx context.Context, executionKey int64) error {
	execution := r.tree.Get(executionKey)
	if execution == nil {
		return &IllegalExecutionStateError{ExecutionKey: executionKey, Msg: "execution is gone"}
	}
	definition := r.instance.Definition
	activity := definition.Activity(execution.ActivityId)
	if activity == nil {
		return newEngineErrorf("process %s has no activity %s", definition.Id, execution.ActivityId)
	}

	execution.State = runtime.ExecutionStateEnding
	r.tree.MarkDirty(executionKey)
	r.engine.exportActivityEvent(r.instance, execution, activity.Kind, exporter.ActivityCompleting)
	r.removeExecutionArtifacts(executionKey)

	if activity.CompensationHandlerId != "" {
		if owner := r.tree.FindScope(execution.ParentKey); owner != nil {
			r.addSubscription(runtime.EventSubscription{
				Key:                r.engine.generateKey(),
				ProcessInstanceKey: r.instance.Key,
				ExecutionKey:       owner.Key,
				ActivityId:         activity.Id,
				HandlerActivityId:  activity.CompensationHandlerId,
				EventType:          model.EventTypeCompensation,
				EventName:          activity.Id,
				CreatedAt:          time.Now(),
			})
		}
	}

	r.engine.exportActivityEvent(r.instance, execution, activity.Kind, exporter.ActivityCompleted)

	if coordination := r.multiInstanceCoordinator(execution, activity); coordination != nil {
		return r.completeMultiInstanceIteration(execution, coordination, activity)
	}

	outgoing := activity.Outgoing
	switch {
	case len(outgoing) == 0:
		parentScope := r.tree.FindScope(execution.ParentKey)
		if err := r.tree.Remove(executionKey); err != nil {
			return err
		}
		if parentScope != nil {
			r.queue = append(r.queue, scopeCompletionCommand{scopeKey: parentScope.Key})
		}
	case len(outgoing) == 1:
		r.resetForMove(execution)
		r.queue = append(r.queue, enterActivityCommand{executionKey: executionKey, activityId: outgoing[0]})
	default:
		// parallel fork: one concurrent path per outgoing transition
		scope := r.tree.FindScope(execution.ParentKey)
		if scope == nil {
			return newEngineErrorf("forking execution %d has no enclosing scope", executionKey)
		}
		for _, targetId := range outgoing {
			child, err := r.tree.CreateChild(scope.Key, false)
			if err != nil {
				return err
			}
			child.IsConcurrent = true
			r.queue = append(r.queue, enterActivityCommand{executionKey: child.Key, activityId: targetId})
		}
		if err := r.tree.Remove(executionKey); err != nil {
			return err
		}
	}
	return nil
}

// resetForMove strips the per-activity state of an execution that moves on
// to its next activity. Local variables of a completed scope are discarded.
func (r *instanceRun) resetForMove(execution *runtime.Execution) {
	execution.IsScope = false
	execution.Variables = nil
	execution.JoinGates = nil
	execution.MultiInstanceTotal = 0
	execution.MultiInstanceCompleted = 0
	r.tree.MarkDirty(execution.Key)
}

// checkScopeCompletion completes a scope execution once it has no children
// left, and completes the whole instance when the root scope drains. Event
// scopes do not keep a scope alive.
func (r *instanceRun) checkScopeCompletion(ctx context.Context, scopeKey int64) error {
	scope := r.tree.Get(scopeKey)
	if scope == nil || scope.State != runtime.ExecutionStateExecuting {
		return nil
	}
	live := 0
	eventScopes := make([]int64, 0, 1)
	for _, childKey := range scope.ChildKeys {
		child := r.tree.Get(childKey)
		if child == nil {
			continue
		}
		if child.IsEventScope {
			eventScopes = append(eventScopes, childKey)
			continue
		}
		live++
	}
	if live > 0 {
		return nil
	}

	if scope.IsEventScope {
		// a consumed event scope disappears once it holds neither
		// children nor subscriptions
		for _, sub := range r.subscriptions {
			if sub.ExecutionKey == scopeKey {
				return nil
			}
		}
		parent := r.tree.FindScope(scope.ParentKey)
		if err := r.removeSubtree(scopeKey); err != nil {
			return err
		}
		if parent != nil {
			r.queue = append(r.queue, scopeCompletionCommand{scopeKey: parent.Key})
		}
		return nil
	}

	if scope.ParentKey == 0 {
		return r.completeInstance(scope, eventScopes)
	}

	// keep compensation of the completed scope reachable: move its
	// compensation subscriptions and nested event scopes onto a detached
	// event scope owned by the parent
	compensations := make([]*runtime.EventSubscription, 0, 2)
	for _, sub := range r.subscriptions {
		if sub.ExecutionKey == scopeKey {
			compensations = append(compensations, sub)
		}
	}
	if len(compensations) > 0 || len(eventScopes) > 0 {
		parentScope := r.tree.FindScope(scope.ParentKey)
		if parentScope == nil {
			return newEngineErrorf("scope execution %d has no parent scope", scopeKey)
		}
		eventScope, err := r.tree.CreateChild(parentScope.Key, true)
		if err != nil {
			return err
		}
		eventScope.IsEventScope = true
		eventScope.EventScopeSourceKey = scopeKey
		eventScope.State = runtime.ExecutionStateExecuting
		for _, sub := range compensations {
			sub.ExecutionKey = eventScope.Key
			r.markSubscriptionDirty(sub.Key)
		}
		for _, key := range eventScopes {
			if err := r.tree.Reparent(key, eventScope.Key); err != nil {
				return err
			}
		}
	}
	r.queue = append(r.queue, leaveActivityCommand{executionKey: scopeKey})
	return nil
}

func (r *instanceRun) completeInstance(root *runtime.Execution, eventScopes []int64) error {
	// compensation that was never thrown is discarded with the instance
	for _, key := range eventScopes {
		if err := r.removeSubtree(key); err != nil {
			return err
		}
	}
	r.removeExecutionArtifacts(root.Key)
	if err := r.tree.Remove(root.Key); err != nil {
		return err
	}
	r.instance.State = runtime.InstanceStateCompleted
	if r.engine.metrics != nil {
		r.engine.metrics.InstancesCompleted.Add(context.Background(), 1)
		r.engine.metrics.InstancesRunning.Add(context.Background(), -1)
	}
	r.engine.exportInstanceEvent(r.instance, exporter.Completed)
	return nil
}

func (r *instanceRun) createBoundaryArtifacts(execution *runtime.Execution, activity *model.Activity) error {
	for _, spec := range activity.Boundary {
		if spec.Type == model.EventTypeTimer {
			dueAt, err := spec.Timer.DueAt(time.Now())
			if err != nil {
				return newEngineErrorf("invalid boundary timer on activity %s: %v", activity.Id, err)
			}
			payload, err := encodeTimerPayload(spec.HandlerId, spec.Interrupting)
			if err != nil {
				return err
			}
			r.createJob(runtime.JobTypeTimer, execution, activity.Id, dueAt, payload)
			continue
		}
		r.addSubscription(runtime.EventSubscription{
			Key:                r.engine.generateKey(),
			ProcessInstanceKey: r.instance.Key,
			ExecutionKey:       execution.Key,
			ActivityId:         activity.Id,
			HandlerActivityId:  spec.HandlerId,
			EventType:          spec.Type,
			EventName:          spec.Name,
			Interrupting:       spec.Interrupting,
			CreatedAt:          time.Now(),
		})
	}
	return nil
}
