package engine

type command interface {
}

// ---------------------------------------------------------------------

// enterActivityCommand positions an execution on an activity and runs its
// entry behavior. resumed is set when an async continuation job already
// deferred this entry once.
type enterActivityCommand struct {
	executionKey int64
	activityId   string
	resumed      bool
}

// ---------------------------------------------------------------------

// leaveActivityCommand completes the activity the execution is positioned on
// and takes its outgoing transition.
type leaveActivityCommand struct {
	executionKey int64
}

// ---------------------------------------------------------------------

// scopeCompletionCommand re-checks whether a scope execution has run out of
// children and can itself complete.
type scopeCompletionCommand struct {
	scopeKey int64
}

// ---------------------------------------------------------------------

type errorCommand struct {
	err        error
	activityId string
}
