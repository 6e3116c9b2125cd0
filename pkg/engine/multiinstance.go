package engine

import (
	"reflect"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
)

// Multi-instance activities run one iteration per element of the evaluated
// collection. The execution entering the activity becomes the coordination
// node and tracks the counters; every iteration runs on an own scope child
// carrying the element variable.

func (r *instanceRun) isMultiInstanceIteration(execution *runtime.Execution, activity *model.Activity) bool {
	return r.multiInstanceCoordinator(execution, activity) != nil
}

func (r *instanceRun) multiInstanceCoordinator(execution *runtime.Execution, activity *model.Activity) *runtime.Execution {
	if activity.MultiInstance == nil {
		return nil
	}
	parent := r.tree.Get(execution.ParentKey)
	if parent != nil && parent.Key != execution.Key && parent.ActivityId == activity.Id && parent.MultiInstanceTotal > 0 {
		return parent
	}
	return nil
}

func (r *instanceRun) enterMultiInstance(execution *runtime.Execution, activity *model.Activity) error {
	spec := activity.MultiInstance
	collection, err := r.evaluateCollection(execution.Key, activity)
	if err != nil {
		return err
	}

	execution.MultiInstanceTotal = len(collection)
	execution.MultiInstanceCompleted = 0
	execution.State = runtime.ExecutionStateExecuting
	r.tree.MarkDirty(execution.Key)

	if len(collection) == 0 {
		r.queue = append(r.queue, leaveActivityCommand{executionKey: execution.Key})
		return nil
	}
	if spec.Sequential {
		return r.spawnIteration(execution, activity, collection[0], false)
	}
	for _, element := range collection {
		if err := r.spawnIteration(execution, activity, element, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *instanceRun) spawnIteration(coordination *runtime.Execution, activity *model.Activity, element any, concurrent bool) error {
	child, err := r.tree.CreateChild(coordination.Key, true)
	if err != nil {
		return err
	}
	child.IsConcurrent = concurrent
	if activity.MultiInstance.ElementVariable != "" {
		child.Variables[activity.MultiInstance.ElementVariable] = element
	}
	r.queue = append(r.queue, enterActivityCommand{executionKey: child.Key, activityId: activity.Id})
	return nil
}

func (r *instanceRun) completeMultiInstanceIteration(execution *runtime.Execution, coordination *runtime.Execution, activity *model.Activity) error {
	if err := r.tree.Remove(execution.Key); err != nil {
		return err
	}
	coordination.MultiInstanceCompleted++
	r.tree.MarkDirty(coordination.Key)

	if coordination.MultiInstanceCompleted >= coordination.MultiInstanceTotal {
		r.queue = append(r.queue, leaveActivityCommand{executionKey: coordination.Key})
		return nil
	}
	if activity.MultiInstance.Sequential {
		// the collection expression must stay stable across the iterations
		collection, err := r.evaluateCollection(coordination.Key, activity)
		if err != nil {
			return err
		}
		if coordination.MultiInstanceCompleted < len(collection) {
			return r.spawnIteration(coordination, activity, collection[coordination.MultiInstanceCompleted], false)
		}
	}
	return nil
}

func (r *instanceRun) evaluateCollection(executionKey int64, activity *model.Activity) ([]any, error) {
	value, err := r.evaluate(executionKey, activity.MultiInstance.CollectionExpression)
	if err != nil {
		return nil, err
	}
	collection, err := collectionElements(value)
	if err != nil {
		return nil, newEngineErrorf("multi-instance collection of activity %s: %v", activity.Id, err)
	}
	return collection, nil
}

func collectionElements(value any) ([]any, error) {
	if value == nil {
		return nil, nil
	}
	if elements, ok := value.([]any); ok {
		return elements, nil
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, newEngineErrorf("expression result %T is not a collection", value)
	}
	elements := make([]any, rv.Len())
	for i := range elements {
		elements[i] = rv.Index(i).Interface()
	}
	return elements, nil
}
