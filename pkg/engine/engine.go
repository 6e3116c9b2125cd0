// Package engine executes deployed process definitions. Every external
// trigger (instance start, activity completion, event correlation, job
// execution, migration) loads the instance with its execution tree, advances
// the state machine in memory and persists the touched records in one batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/dogmatiq/linger/backoff"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/pkg/engine/exporter"
	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/flake"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/otel"
	"github.com/procflow/procflow/pkg/script"
	"github.com/procflow/procflow/pkg/script/js"
	"github.com/procflow/procflow/pkg/storage"
)

const definitionCacheSize = 64

type Engine struct {
	name         string
	logger       hclog.Logger
	persistence  storage.Storage
	snowflake    *snowflake.Node
	exporters    []exporter.EventExporter
	evaluator    script.Evaluator
	metrics      *otel.EngineMetrics
	tracer       trace.Tracer
	definitions  *lru.Cache[int64, *model.ProcessDefinition]
	retryBackoff backoff.Strategy
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the process engine;
func NewEngine(options ...EngineOption) Engine {
	name := fmt.Sprintf("procflow-engine-%d", flake.Node().Generate().Int64())
	definitions, _ := lru.New[int64, *model.ProcessDefinition](definitionCacheSize)
	engine := Engine{
		name:         name,
		logger:       hclog.Default().Named("engine"),
		snowflake:    flake.Node(),
		exporters:    []exporter.EventExporter{},
		evaluator:    js.NewJsRuntime(context.Background(), 10, 2),
		tracer:       otelglobal.Tracer("procflow-engine"),
		definitions:  definitions,
		retryBackoff: backoff.Exponential(5 * time.Second),
	}

	for _, option := range options {
		option(&engine)
	}

	if engine.metrics == nil {
		metrics, err := otel.NewMetrics(otelglobal.Meter("procflow-engine"))
		if err != nil {
			engine.logger.Warn("failed to create engine metrics", "error", err)
		}
		engine.metrics = metrics
	}

	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithExporter(exporter exporter.EventExporter) EngineOption {
	return func(engine *Engine) { engine.AddEventExporter(exporter) }
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithEvaluator(evaluator script.Evaluator) EngineOption {
	return func(engine *Engine) {
		engine.evaluator = evaluator
	}
}

func EngineWithRetryBackoff(strategy backoff.Strategy) EngineOption {
	return func(engine *Engine) {
		engine.retryBackoff = strategy
	}
}

// Name returns the name of the engine, only useful in case you control multiple ones
func (engine *Engine) Name() string {
	return engine.name
}

func (engine *Engine) AddEventExporter(exporter exporter.EventExporter) {
	engine.exporters = append(engine.exporters, exporter)
}

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// DeployDefinition parses, validates and stores a process definition,
// assigning the next version for its id.
func (engine *Engine) DeployDefinition(ctx context.Context, data []byte) (*model.ProcessDefinition, error) {
	definition, err := model.LoadFromData(data)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load process definition"), err)
	}
	versions, err := engine.persistence.FindProcessDefinitionsById(ctx, definition.Id)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to look up versions of %s", definition.Id), err)
	}
	definition.Key = engine.generateKey()
	definition.Version = 1
	if len(versions) > 0 {
		definition.Version = versions[len(versions)-1].Version + 1
	}
	if err := engine.persistence.SaveProcessDefinition(ctx, *definition); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to save process definition %s", definition.Id), err)
	}
	engine.definitions.Add(definition.Key, definition)
	engine.exportDefinitionEvent(definition)
	return definition, nil
}

// FindProcessDefinitionsById returns all deployed versions of a definition,
// ordered by version number, lowest first.
func (engine *Engine) FindProcessDefinitionsById(ctx context.Context, id string) ([]model.ProcessDefinition, error) {
	return engine.persistence.FindProcessDefinitionsById(ctx, id)
}

func (engine *Engine) definition(ctx context.Context, definitionKey int64) (*model.ProcessDefinition, error) {
	if cached, ok := engine.definitions.Get(definitionKey); ok {
		return cached, nil
	}
	definition, err := engine.persistence.FindProcessDefinitionByKey(ctx, definitionKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load process definition with key: %d", definitionKey), err)
	}
	engine.definitions.Add(definition.Key, &definition)
	return &definition, nil
}

// StartInstanceById starts an instance of the latest deployed version of the
// process with the given id.
// Might return EngineError, when no process with given ID was found
func (engine *Engine) StartInstanceById(ctx context.Context, processId string, businessKey string, variables map[string]any) (*runtime.ProcessInstance, error) {
	definition, err := engine.persistence.FindLatestProcessDefinitionById(ctx, processId)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("no process with id=%s was found (prior deployed into the engine)", processId), err)
	}
	return engine.StartInstance(ctx, &definition, businessKey, variables)
}

// StartInstanceByKey starts an instance of the definition with the given key.
func (engine *Engine) StartInstanceByKey(ctx context.Context, definitionKey int64, businessKey string, variables map[string]any) (*runtime.ProcessInstance, error) {
	definition, err := engine.definition(ctx, definitionKey)
	if err != nil {
		return nil, err
	}
	return engine.StartInstance(ctx, definition, businessKey, variables)
}

// StartInstance creates the execution tree of a new instance and advances it
// until every path reached a wait state or the instance completed. Nothing
// is persisted when an error is returned.
func (engine *Engine) StartInstance(ctx context.Context, definition *model.ProcessDefinition, businessKey string, variables map[string]any) (*runtime.ProcessInstance, error) {
	ctx, span := engine.tracer.Start(ctx, "start-instance", trace.WithAttributes(
		attribute.String(otel.AttributeProcessDefinitionId, definition.Id),
		attribute.Int64(otel.AttributeProcessDefinitionKey, definition.Key),
	))
	defer span.End()

	initial := definition.InitialActivities("")
	if len(initial) == 0 {
		return nil, newEngineErrorf("process %s has no initial activity", definition.Id)
	}

	instanceKey := engine.generateKey()
	tree := runtime.NewTree(instanceKey, engine.generateKey)
	root := tree.Root()
	// copy the caller's variables so later mutations of the map stay outside
	maps.Copy(root.Variables, variables)
	instance := runtime.ProcessInstance{
		Key:              instanceKey,
		DefinitionKey:    definition.Key,
		DefinitionId:     definition.Id,
		BusinessKey:      businessKey,
		State:            runtime.InstanceStateActive,
		RootExecutionKey: root.Key,
		CreatedAt:        time.Now(),
		Definition:       definition,
	}
	span.SetAttributes(attribute.Int64(otel.AttributeProcessInstanceKey, instanceKey))

	run := engine.newRun(&instance, tree)
	concurrent := len(initial) > 1
	for _, activity := range initial {
		child, err := tree.CreateChild(root.Key, false)
		if err != nil {
			return nil, err
		}
		child.IsConcurrent = concurrent
		run.queue = append(run.queue, enterActivityCommand{executionKey: child.Key, activityId: activity.Id})
	}

	engine.exportInstanceEvent(&instance, exporter.Created)
	if err := run.runQueue(ctx); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to run process instance %d", instance.Key), err)
	}
	if err := run.finish(ctx); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to persist process instance %d", instance.Key), err)
	}
	if engine.metrics != nil {
		engine.metrics.InstancesStarted.Add(ctx, 1)
		engine.metrics.InstancesRunning.Add(ctx, 1)
	}
	return &instance, nil
}

// FindProcessInstance searches for a given processInstanceKey
// and returns the corresponding process instance, or an error otherwise
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	return engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
}

// FindWaitingExecutionsByActivity returns the executions currently waiting on
// the given activity, across all process instances.
func (engine *Engine) FindWaitingExecutionsByActivity(ctx context.Context, activityId string) ([]runtime.Execution, error) {
	executions, err := engine.persistence.FindExecutionsByActivityId(ctx, activityId)
	if err != nil {
		return nil, err
	}
	waiting := executions[:0]
	for _, e := range executions {
		// coordination executions of multi-instance activities are
		// bookkeeping nodes, not wait states
		if e.State == runtime.ExecutionStateExecuting && e.MultiInstanceTotal == 0 {
			waiting = append(waiting, e)
		}
	}
	return waiting, nil
}

// CompleteActivity finishes a wait-state activity and continues the path of
// its execution. The variables are merged into the enclosing scope before
// the outgoing transition is taken.
// Might return IllegalExecutionStateError when the execution is not waiting.
func (engine *Engine) CompleteActivity(ctx context.Context, executionKey int64, variables map[string]any) error {
	ctx, span := engine.tracer.Start(ctx, "complete-activity", trace.WithAttributes(
		attribute.Int64(otel.AttributeExecutionKey, executionKey),
	))
	defer span.End()

	stored, err := engine.persistence.FindExecutionByKey(ctx, executionKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find execution with key: %d", executionKey), err)
	}
	run, err := engine.loadRun(ctx, stored.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if run.instance.Suspended {
		return newEngineErrorf("process instance %d is suspended", run.instance.Key)
	}
	execution := run.tree.Get(executionKey)
	if execution == nil {
		return &IllegalExecutionStateError{ExecutionKey: executionKey, Msg: "execution is gone"}
	}
	activity := run.instance.Definition.Activity(execution.ActivityId)
	if activity == nil || !activity.AwaitCompletion ||
		(activity.Kind != model.KindTask && activity.Kind != model.KindCompensationHandler) ||
		execution.MultiInstanceTotal > 0 {
		return &IllegalExecutionStateError{ExecutionKey: executionKey, ActivityId: execution.ActivityId,
			Msg: "activity is not completable"}
	}
	if execution.State != runtime.ExecutionStateExecuting {
		return &IllegalExecutionStateError{ExecutionKey: executionKey, ActivityId: execution.ActivityId,
			Msg: fmt.Sprintf("execution is in state %s, not waiting", execution.State)}
	}
	run.applyVariables(executionKey, variables)
	run.queue = append(run.queue, leaveActivityCommand{executionKey: executionKey})
	if err := run.runQueue(ctx); err != nil {
		return errors.Join(newEngineErrorf("failed to continue process instance %d", run.instance.Key), err)
	}
	return run.finish(ctx)
}

// SetInstanceSuspended suspends or resumes a process instance. A suspended
// instance rejects activity completions, is skipped by broadcast correlation
// and its jobs are not acquired.
func (engine *Engine) SetInstanceSuspended(ctx context.Context, processInstanceKey int64, suspended bool) error {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.State != runtime.InstanceStateActive {
		return newEngineErrorf("process instance %d is not active", processInstanceKey)
	}
	if instance.Suspended == suspended {
		return nil
	}
	instance.Suspended = suspended
	return engine.persistence.SaveProcessInstance(ctx, instance)
}

// instanceRun is the working set of one trigger: the instance, its execution
// tree, subscriptions and jobs, plus the command queue driving the state
// machine. finish persists everything that was touched in one batch.
type instanceRun struct {
	engine   *Engine
	batch    storage.Batch
	instance *runtime.ProcessInstance
	tree     *runtime.ExecutionTree

	subscriptions map[int64]*runtime.EventSubscription
	dirtySubs     map[int64]bool
	removedSubs   map[int64]bool

	jobs        map[int64]*runtime.Job
	dirtyJobs   map[int64]bool
	removedJobs map[int64]bool

	queue []command
}

func (engine *Engine) newRun(instance *runtime.ProcessInstance, tree *runtime.ExecutionTree) *instanceRun {
	return &instanceRun{
		engine:        engine,
		batch:         engine.persistence.NewBatch(),
		instance:      instance,
		tree:          tree,
		subscriptions: map[int64]*runtime.EventSubscription{},
		dirtySubs:     map[int64]bool{},
		removedSubs:   map[int64]bool{},
		jobs:          map[int64]*runtime.Job{},
		dirtyJobs:     map[int64]bool{},
		removedJobs:   map[int64]bool{},
	}
}

// loadRun reads the full working set of a process instance.
func (engine *Engine) loadRun(ctx context.Context, processInstanceKey int64) (*instanceRun, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to find process instance with key: %d", processInstanceKey), err)
	}
	definition, err := engine.definition(ctx, instance.DefinitionKey)
	if err != nil {
		return nil, err
	}
	instance.Definition = definition

	executions, err := engine.persistence.FindProcessInstanceExecutions(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load executions of instance %d", processInstanceKey), err)
	}
	tree, err := runtime.LoadTree(processInstanceKey, instance.RootExecutionKey, executions, engine.generateKey)
	if err != nil {
		return nil, err
	}
	run := engine.newRun(&instance, tree)

	subscriptions, err := engine.persistence.FindProcessInstanceSubscriptions(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load subscriptions of instance %d", processInstanceKey), err)
	}
	for i := range subscriptions {
		sub := subscriptions[i]
		run.subscriptions[sub.Key] = &sub
	}
	jobs, err := engine.persistence.FindProcessInstanceJobs(ctx, processInstanceKey)
	if err != nil {
		return nil, errors.Join(newEngineErrorf("failed to load jobs of instance %d", processInstanceKey), err)
	}
	for i := range jobs {
		job := jobs[i]
		run.jobs[job.Key] = &job
	}
	return run, nil
}

// *** MAIN LOOP ***
func (r *instanceRun) runQueue(ctx context.Context) error {
	for len(r.queue) > 0 {
		cmd := r.queue[0]
		r.queue = r.queue[1:]

		switch tCmd := cmd.(type) {
		case enterActivityCommand:
			if err := r.enterActivity(ctx, tCmd.executionKey, tCmd.activityId, tCmd.resumed); err != nil {
				return errors.Join(newEngineErrorf("failed to enter activity %s", tCmd.activityId), err)
			}
		case leaveActivityCommand:
			if err := r.leaveActivity(ctx, tCmd.executionKey); err != nil {
				return errors.Join(newEngineErrorf("failed to leave activity on execution %d", tCmd.executionKey), err)
			}
		case scopeCompletionCommand:
			if err := r.checkScopeCompletion(ctx, tCmd.scopeKey); err != nil {
				return errors.Join(newEngineErrorf("failed to check completion of scope %d", tCmd.scopeKey), err)
			}
		case errorCommand:
			return tCmd.err
		default:
			panic("[invariant check] command type check not fully implemented")
		}
	}
	return r.tree.CheckInvariants()
}

// finish stages every touched record and flushes the batch.
func (r *instanceRun) finish(ctx context.Context) error {
	if err := r.batch.SaveProcessInstance(ctx, *r.instance); err != nil {
		return err
	}
	for _, execution := range r.tree.Dirty() {
		if err := r.batch.SaveExecution(ctx, *execution); err != nil {
			return err
		}
	}
	for _, key := range r.tree.Removed() {
		if err := r.batch.DeleteExecution(ctx, key); err != nil {
			return err
		}
	}
	for key := range r.dirtySubs {
		if sub, ok := r.subscriptions[key]; ok {
			if err := r.batch.SaveEventSubscription(ctx, *sub); err != nil {
				return err
			}
		}
	}
	for key := range r.removedSubs {
		if err := r.batch.DeleteEventSubscription(ctx, key); err != nil {
			return err
		}
	}
	for key := range r.dirtyJobs {
		if job, ok := r.jobs[key]; ok {
			if err := r.batch.SaveJob(ctx, *job); err != nil {
				return err
			}
		}
	}
	for key := range r.removedJobs {
		if err := r.batch.DeleteJob(ctx, key); err != nil {
			return err
		}
	}
	if err := r.batch.Flush(ctx); err != nil {
		return errors.Join(newEngineErrorf("failed to flush batch for instance %d", r.instance.Key), err)
	}
	return nil
}

func (r *instanceRun) addSubscription(sub runtime.EventSubscription) *runtime.EventSubscription {
	stored := sub
	r.subscriptions[stored.Key] = &stored
	r.dirtySubs[stored.Key] = true
	return &stored
}

func (r *instanceRun) markSubscriptionDirty(key int64) {
	r.dirtySubs[key] = true
}

func (r *instanceRun) removeSubscription(key int64) {
	delete(r.subscriptions, key)
	delete(r.dirtySubs, key)
	r.removedSubs[key] = true
}

func (r *instanceRun) addJob(job runtime.Job) *runtime.Job {
	stored := job
	r.jobs[stored.Key] = &stored
	r.dirtyJobs[stored.Key] = true
	return &stored
}

func (r *instanceRun) markJobDirty(key int64) {
	r.dirtyJobs[key] = true
}

func (r *instanceRun) removeJob(key int64) {
	delete(r.jobs, key)
	delete(r.dirtyJobs, key)
	r.removedJobs[key] = true
}

// removeExecutionArtifacts drops the subscriptions and jobs owned by an
// execution that is about to leave its activity or be destroyed.
func (r *instanceRun) removeExecutionArtifacts(executionKey int64) {
	for key, sub := range r.subscriptions {
		if sub.ExecutionKey == executionKey {
			r.removeSubscription(key)
		}
	}
	for key, job := range r.jobs {
		if job.ExecutionKey == executionKey {
			r.removeJob(key)
		}
	}
}

// removeSubtree destroys an execution with all its descendants and their
// subscriptions and jobs.
func (r *instanceRun) removeSubtree(executionKey int64) error {
	r.tree.Walk(executionKey, func(e *runtime.Execution) bool {
		r.removeExecutionArtifacts(e.Key)
		return true
	})
	return r.tree.RemoveSubtree(executionKey)
}

// applyVariables merges values through the scope chain of the execution and
// marks every scope on the chain dirty.
func (r *instanceRun) applyVariables(executionKey int64, variables map[string]any) {
	if len(variables) == 0 {
		return
	}
	holder := r.tree.ScopeVariables(executionKey)
	for k, v := range variables {
		holder.SetVariable(k, v)
	}
	for scope := r.tree.FindScope(executionKey); scope != nil; {
		r.tree.MarkDirty(scope.Key)
		if scope.ParentKey == 0 {
			break
		}
		scope = r.tree.FindScope(scope.ParentKey)
	}
}

// evaluate runs an expression against the variables visible from the given
// execution.
func (r *instanceRun) evaluate(executionKey int64, expression string) (any, error) {
	holder := r.tree.ScopeVariables(executionKey)
	result, err := r.engine.evaluator.Evaluate(expression, holder.Variables())
	if err != nil {
		return nil, &ExpressionEvaluationError{Msg: fmt.Sprintf("failed to evaluate expression %q", expression), Err: err}
	}
	return result, nil
}

func (engine *Engine) exportDefinitionEvent(definition *model.ProcessDefinition) {
	for _, exp := range engine.exporters {
		exp.NewDefinitionEvent(&exporter.DefinitionEvent{
			DefinitionId:  definition.Id,
			DefinitionKey: definition.Key,
			Version:       definition.Version,
		})
	}
}

func (engine *Engine) exportInstanceEvent(instance *runtime.ProcessInstance, intent exporter.Intent) {
	for _, exp := range engine.exporters {
		exp.NewInstanceEvent(&exporter.InstanceEvent{
			DefinitionId:       instance.DefinitionId,
			DefinitionKey:      instance.DefinitionKey,
			ProcessInstanceKey: instance.Key,
			Intent:             intent,
		})
	}
}

func (engine *Engine) exportActivityEvent(instance *runtime.ProcessInstance, execution *runtime.Execution, kind model.Kind, intent exporter.Intent) {
	for _, exp := range engine.exporters {
		exp.NewActivityEvent(&exporter.InstanceEvent{
			DefinitionId:       instance.DefinitionId,
			DefinitionKey:      instance.DefinitionKey,
			ProcessInstanceKey: instance.Key,
		}, &exporter.ActivityInfo{
			ActivityId:   execution.ActivityId,
			ActivityKind: string(kind),
			ExecutionKey: execution.Key,
			Intent:       intent,
		})
	}
}
