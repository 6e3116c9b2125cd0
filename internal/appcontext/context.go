package appcontext

import (
	"context"
)

type TRIGGER_CONTEXT string

var (
	TriggerKey TRIGGER_CONTEXT = "triggerKey"
)

// WithTriggerKey tags the context of one external trigger (an API request or
// an acquired job) so log lines of the same trigger can be correlated.
func WithTriggerKey(ctx context.Context, key int64) context.Context {
	return context.WithValue(ctx, TriggerKey, key)
}

func GetTriggerKey(ctx context.Context) (int64, bool) {
	triggerKey := ctx.Value(TriggerKey)
	if triggerKey == nil {
		return 0, false
	}
	return triggerKey.(int64), true
}
