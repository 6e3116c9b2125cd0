package engine

import (
	"context"
	"errors"

	"github.com/procflow/procflow/pkg/engine/runtime"
)

// FindActivityInstances projects the execution tree of an instance into its
// activity-instance view: pure coordination executions collapse into their
// parent, event scopes are hidden.
func (engine *Engine) FindActivityInstances(ctx context.Context, processInstanceKey int64) (*runtime.ActivityInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find process instance with key: %d", processInstanceKey), err)
	}
	executions, err := engine.persistence.FindProcessInstanceExecutions(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load executions of instance %d", processInstanceKey), err)
	}
	tree, err := runtime.LoadTree(processInstanceKey, instance.RootExecutionKey, executions, engine.generateKey)
	if err != nil {
		return nil, err
	}

	view := &runtime.ActivityInstance{ActivityId: instance.DefinitionId}
	root := tree.Root()
	if root == nil {
		return view, nil
	}
	view.ExecutionKey = root.Key
	collectActivityInstances(tree, root, view)
	return view, nil
}

func collectActivityInstances(tree *runtime.ExecutionTree, execution *runtime.Execution, parent *runtime.ActivityInstance) {
	for _, childKey := range execution.ChildKeys {
		child := tree.Get(childKey)
		if child == nil || child.IsEventScope {
			continue
		}
		if child.ActivityId == "" {
			collectActivityInstances(tree, child, parent)
			continue
		}
		node := &runtime.ActivityInstance{ExecutionKey: child.Key, ActivityId: child.ActivityId}
		parent.Children = append(parent.Children, node)
		collectActivityInstances(tree, child, node)
	}
}
