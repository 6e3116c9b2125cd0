package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/procflow/procflow/pkg/script"
)

// JsRuntime evaluates expressions on pooled goja machines.
type JsRuntime struct {
	pool *script.VmPool[*jsVm]
}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewVmPool(ctx, newJsVm, maxVmPoolSize, minVmPoolSize),
	}
}

var _ script.Evaluator = &JsRuntime{}

// Evaluate runs the expression with the variable context installed as
// globals and returns the exported result.
func (r *JsRuntime) Evaluate(expression string, variableContext map[string]any) (any, error) {
	vm := r.pool.Acquire()
	defer r.pool.Release(vm)

	return vm.evaluate(expression, variableContext)
}

type jsVm struct {
	vm *goja.Runtime
}

func newJsVm() *jsVm {
	return &jsVm{vm: goja.New()}
}

func (r *jsVm) evaluate(expression string, variableContext map[string]any) (any, error) {
	for k, v := range variableContext {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("failed to bind variable %q: %w", k, err)
		}
	}
	defer func() {
		for k := range variableContext {
			_ = r.vm.Set(k, goja.Undefined())
		}
	}()
	resp, err := r.vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("error evaluating expression %q: %w", expression, err)
	}
	return resp.Export(), nil
}
