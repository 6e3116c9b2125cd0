package runtime

import (
	"fmt"
	"slices"
	"time"
)

// InvalidTreeStateError signals a structural mutation that would break the
// execution tree invariants.
type InvalidTreeStateError struct {
	Msg string
}

func (e *InvalidTreeStateError) Error() string {
	return e.Msg
}

func invalidTreeStatef(format string, a ...interface{}) error {
	return &InvalidTreeStateError{Msg: fmt.Sprintf(format, a...)}
}

// ExecutionTree is the arena of execution records of one process instance,
// loaded for the duration of one trigger. Mutations are tracked so the
// enclosing transaction can persist exactly the touched records.
type ExecutionTree struct {
	instanceKey int64
	rootKey     int64
	executions  map[int64]*Execution
	newKey      func() int64

	dirty   map[int64]bool
	removed map[int64]bool
}

// NewTree creates a tree with a fresh root scope execution for a new
// process instance.
func NewTree(instanceKey int64, newKey func() int64) *ExecutionTree {
	t := &ExecutionTree{
		instanceKey: instanceKey,
		executions:  make(map[int64]*Execution),
		newKey:      newKey,
		dirty:       make(map[int64]bool),
		removed:     make(map[int64]bool),
	}
	root := &Execution{
		Key:                newKey(),
		ProcessInstanceKey: instanceKey,
		State:              ExecutionStateExecuting,
		IsScope:            true,
		Variables:          make(map[string]any),
		CreatedAt:          time.Now(),
	}
	t.rootKey = root.Key
	t.executions[root.Key] = root
	t.dirty[root.Key] = true
	return t
}

// LoadTree rebuilds the arena from persisted execution records.
func LoadTree(instanceKey int64, rootKey int64, executions []Execution, newKey func() int64) (*ExecutionTree, error) {
	t := &ExecutionTree{
		instanceKey: instanceKey,
		rootKey:     rootKey,
		executions:  make(map[int64]*Execution, len(executions)),
		newKey:      newKey,
		dirty:       make(map[int64]bool),
		removed:     make(map[int64]bool),
	}
	for i := range executions {
		e := executions[i]
		t.executions[e.Key] = &e
	}
	if len(executions) > 0 {
		if _, ok := t.executions[rootKey]; !ok {
			return nil, invalidTreeStatef("process instance %d has no root execution %d", instanceKey, rootKey)
		}
	}
	return t, nil
}

// Root returns the root scope execution, or nil when the tree is empty.
func (t *ExecutionTree) Root() *Execution {
	return t.executions[t.rootKey]
}

// Get returns the execution with the given key, or nil.
func (t *ExecutionTree) Get(key int64) *Execution {
	return t.executions[key]
}

// Size returns the number of live executions.
func (t *ExecutionTree) Size() int {
	return len(t.executions)
}

// CreateChild appends a new execution as the last child of parent.
func (t *ExecutionTree) CreateChild(parentKey int64, isScope bool) (*Execution, error) {
	parent := t.executions[parentKey]
	if parent == nil || parent.State == ExecutionStateDestroyed {
		return nil, invalidTreeStatef("cannot create a child of destroyed execution %d", parentKey)
	}
	child := &Execution{
		Key:                t.newKey(),
		ProcessInstanceKey: t.instanceKey,
		ParentKey:          parent.Key,
		State:              ExecutionStateInactive,
		IsScope:            isScope,
		CreatedAt:          time.Now(),
	}
	if isScope {
		child.Variables = make(map[string]any)
	}
	parent.ChildKeys = append(parent.ChildKeys, child.Key)
	t.executions[child.Key] = child
	t.dirty[parent.Key] = true
	t.dirty[child.Key] = true
	return child, nil
}

// Remove detaches the execution from its parent and destroys it. Callers
// must remove children first; removing an execution that still has children
// is a structural error.
func (t *ExecutionTree) Remove(key int64) error {
	e := t.executions[key]
	if e == nil {
		return invalidTreeStatef("execution %d does not exist", key)
	}
	if len(e.ChildKeys) > 0 {
		return invalidTreeStatef("execution %d still has %d children", key, len(e.ChildKeys))
	}
	if parent := t.executions[e.ParentKey]; parent != nil {
		parent.ChildKeys = slices.DeleteFunc(parent.ChildKeys, func(k int64) bool { return k == key })
		t.dirty[parent.Key] = true
	}
	e.State = ExecutionStateDestroyed
	delete(t.executions, key)
	delete(t.dirty, key)
	t.removed[key] = true
	return nil
}

// RemoveSubtree destroys the execution and all its descendants depth-first.
func (t *ExecutionTree) RemoveSubtree(key int64) error {
	e := t.executions[key]
	if e == nil {
		return invalidTreeStatef("execution %d does not exist", key)
	}
	for _, child := range slices.Clone(e.ChildKeys) {
		if err := t.RemoveSubtree(child); err != nil {
			return err
		}
	}
	return t.Remove(key)
}

// FindScope walks parent pointers to the nearest scope execution, inclusive.
// The root is always a scope, so the walk terminates.
func (t *ExecutionTree) FindScope(key int64) *Execution {
	e := t.executions[key]
	for e != nil && !e.IsScope {
		e = t.executions[e.ParentKey]
	}
	return e
}

// IsLeaf reports whether the execution has no children.
func (t *ExecutionTree) IsLeaf(key int64) bool {
	e := t.executions[key]
	return e != nil && len(e.ChildKeys) == 0
}

// Depth returns the number of ancestors of the execution.
func (t *ExecutionTree) Depth(key int64) int {
	depth := 0
	e := t.executions[key]
	for e != nil && e.ParentKey != 0 {
		depth++
		e = t.executions[e.ParentKey]
	}
	return depth
}

// Leaves returns all executions without children, in stable key order.
func (t *ExecutionTree) Leaves() []*Execution {
	res := make([]*Execution, 0, len(t.executions))
	for _, e := range t.executions {
		if len(e.ChildKeys) == 0 {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b *Execution) int {
		return int(a.Key - b.Key)
	})
	return res
}

// Walk visits the subtree rooted at key in depth-first pre-order.
func (t *ExecutionTree) Walk(key int64, visit func(*Execution) bool) {
	e := t.executions[key]
	if e == nil {
		return
	}
	if !visit(e) {
		return
	}
	for _, child := range slices.Clone(e.ChildKeys) {
		t.Walk(child, visit)
	}
}

// Reparent moves the execution beneath a new parent, appended as its last
// child, preserving the subtree below it.
func (t *ExecutionTree) Reparent(key int64, newParentKey int64) error {
	e := t.executions[key]
	if e == nil {
		return invalidTreeStatef("execution %d does not exist", key)
	}
	newParent := t.executions[newParentKey]
	if newParent == nil {
		return invalidTreeStatef("new parent %d does not exist", newParentKey)
	}
	for cursor := newParent; cursor != nil; cursor = t.executions[cursor.ParentKey] {
		if cursor.Key == key {
			return invalidTreeStatef("reparenting %d under %d would create a cycle", key, newParentKey)
		}
		if cursor.ParentKey == 0 {
			break
		}
	}
	if old := t.executions[e.ParentKey]; old != nil {
		old.ChildKeys = slices.DeleteFunc(old.ChildKeys, func(k int64) bool { return k == key })
		t.dirty[old.Key] = true
	}
	e.ParentKey = newParent.Key
	newParent.ChildKeys = append(newParent.ChildKeys, key)
	t.dirty[e.Key] = true
	t.dirty[newParent.Key] = true
	return nil
}

// MarkDirty records that the execution must be persisted by the enclosing
// transaction.
func (t *ExecutionTree) MarkDirty(key int64) {
	if _, ok := t.executions[key]; ok {
		t.dirty[key] = true
	}
}

// Dirty returns the executions touched since the tree was loaded.
func (t *ExecutionTree) Dirty() []*Execution {
	res := make([]*Execution, 0, len(t.dirty))
	for key := range t.dirty {
		if e, ok := t.executions[key]; ok {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b *Execution) int {
		return int(a.Key - b.Key)
	})
	return res
}

// Removed returns the keys of executions destroyed since the tree was
// loaded.
func (t *ExecutionTree) Removed() []int64 {
	res := make([]int64, 0, len(t.removed))
	for key := range t.removed {
		res = append(res, key)
	}
	slices.Sort(res)
	return res
}

// CheckInvariants verifies the structural guarantees of the tree: a single
// root, exactly one parent per non-root execution, and no cycles.
func (t *ExecutionTree) CheckInvariants() error {
	if len(t.executions) == 0 {
		return nil
	}
	roots := 0
	for _, e := range t.executions {
		if e.ParentKey == 0 {
			roots++
			continue
		}
		parent := t.executions[e.ParentKey]
		if parent == nil {
			return invalidTreeStatef("execution %d references missing parent %d", e.Key, e.ParentKey)
		}
		if !slices.Contains(parent.ChildKeys, e.Key) {
			return invalidTreeStatef("execution %d is not a child of its parent %d", e.Key, e.ParentKey)
		}
		seen := map[int64]bool{e.Key: true}
		for cursor := parent; cursor != nil; cursor = t.executions[cursor.ParentKey] {
			if seen[cursor.Key] {
				return invalidTreeStatef("execution %d is its own ancestor", e.Key)
			}
			seen[cursor.Key] = true
			if cursor.ParentKey == 0 {
				break
			}
		}
	}
	if roots != 1 {
		return invalidTreeStatef("process instance %d has %d roots", t.instanceKey, roots)
	}
	return nil
}
