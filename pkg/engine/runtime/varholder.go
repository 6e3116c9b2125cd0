package runtime

// VariableHolder resolves variables along a chain of scopes: reads fall
// through to the parent, writes stay local unless explicitly propagated.
type VariableHolder struct {
	parent         *VariableHolder
	localVariables map[string]any
}

// NewVariableHolder creates a holder over the given local variable map.
// A nil map is replaced by an empty one.
func NewVariableHolder(parent *VariableHolder, localVariables map[string]any) VariableHolder {
	if localVariables == nil {
		localVariables = make(map[string]any)
	}
	return VariableHolder{
		parent:         parent,
		localVariables: localVariables,
	}
}

// LocalVariables returns the variables owned by this scope only.
func (vh *VariableHolder) LocalVariables() map[string]any {
	return vh.localVariables
}

// GetVariable resolves a variable through the scope chain.
func (vh *VariableHolder) GetVariable(key string) any {
	if v, ok := vh.localVariables[key]; ok {
		return v
	}
	if vh.parent != nil {
		return vh.parent.GetVariable(key)
	}
	return nil
}

// SetVariable writes into the innermost scope that already defines the
// variable, or into the local scope when none does.
func (vh *VariableHolder) SetVariable(key string, value any) {
	for cursor := vh; cursor != nil; cursor = cursor.parent {
		if _, ok := cursor.localVariables[key]; ok {
			cursor.localVariables[key] = value
			return
		}
	}
	vh.localVariables[key] = value
}

// SetLocalVariable writes into the local scope unconditionally.
func (vh *VariableHolder) SetLocalVariable(key string, value any) {
	vh.localVariables[key] = value
}

// SetLocalVariables writes all entries into the local scope.
func (vh *VariableHolder) SetLocalVariables(variables map[string]any) {
	for k, v := range variables {
		vh.localVariables[k] = v
	}
}

// PropagateVariables sets the given values on the parent holder, if any.
func (vh *VariableHolder) PropagateVariables(variables map[string]any) {
	if vh.parent == nil {
		return
	}
	for k, v := range variables {
		vh.parent.SetLocalVariable(k, v)
	}
}

// Variables flattens the whole chain, inner scopes shadowing outer ones.
func (vh *VariableHolder) Variables() map[string]any {
	var res map[string]any
	if vh.parent != nil {
		res = vh.parent.Variables()
	} else {
		res = make(map[string]any)
	}
	for k, v := range vh.localVariables {
		res[k] = v
	}
	return res
}

// ScopeVariables builds a VariableHolder over the scope chain of the given
// execution, innermost scope last, sharing the underlying maps so writes
// land on the persisted records.
func (t *ExecutionTree) ScopeVariables(key int64) VariableHolder {
	chain := make([]*Execution, 0, 4)
	for e := t.FindScope(key); e != nil; {
		chain = append(chain, e)
		if e.ParentKey == 0 {
			break
		}
		e = t.FindScope(e.ParentKey)
	}
	var holder *VariableHolder
	for i := len(chain) - 1; i >= 0; i-- {
		scope := chain[i]
		if scope.Variables == nil {
			scope.Variables = make(map[string]any)
		}
		h := NewVariableHolder(holder, scope.Variables)
		holder = &h
	}
	if holder == nil {
		h := NewVariableHolder(nil, nil)
		return h
	}
	return *holder
}
