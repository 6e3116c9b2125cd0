package script

// Evaluator evaluates an expression against a variable context and returns
// the resulting value. Expressions drive multi-instance collections and
// migration variable mappings.
type Evaluator interface {
	Evaluate(expression string, variableContext map[string]any) (any, error)
}
