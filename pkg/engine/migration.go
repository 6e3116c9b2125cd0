package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/procflow/procflow/pkg/engine/exporter"
	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/otel"
)

// ParseMigrationPlan reads a migration plan from its YAML form.
func ParseMigrationPlan(data []byte) (runtime.MigrationPlan, error) {
	var plan runtime.MigrationPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return plan, errors.Join(newEngineErrorf("failed to parse migration plan"), err)
	}
	return plan, nil
}

// Migrate moves a running instance onto another deployed definition version.
// The plan is validated completely first; a MigrationValidationError means
// nothing was changed. Application re-points the mapped executions,
// synthesizes and collapses scope executions, re-resolves event
// subscriptions, re-points jobs and applies the variable mappings, all in
// one transaction. The migration is partial by default: executions whose
// activity the plan does not cover stay on their source activity and keep
// their subscriptions and jobs untouched.
func (engine *Engine) Migrate(ctx context.Context, processInstanceKey int64, plan runtime.MigrationPlan) error {
	ctx, span := engine.tracer.Start(ctx, "migrate-instance", trace.WithAttributes(
		attribute.Int64(otel.AttributeProcessInstanceKey, processInstanceKey),
		attribute.Int64(otel.AttributeProcessDefinitionKey, plan.TargetDefinitionKey),
	))
	defer span.End()

	run, err := engine.loadRun(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if run.instance.State != runtime.InstanceStateActive {
		return newEngineErrorf("process instance %d is not active", processInstanceKey)
	}
	source := run.instance.Definition
	target, err := engine.definition(ctx, plan.TargetDefinitionKey)
	if err != nil {
		return err
	}

	migration, err := run.validateMigration(ctx, source, target, plan)
	if err != nil {
		return err
	}
	migrated, err := run.applyMigration(source, target, plan, migration)
	if err != nil {
		return err
	}

	run.instance.DefinitionKey = target.Key
	run.instance.DefinitionId = target.Id
	run.instance.Definition = target
	if err := run.runQueue(ctx); err != nil {
		return err
	}
	if err := run.finish(ctx); err != nil {
		return err
	}
	if engine.metrics != nil {
		engine.metrics.InstancesMigrated.Add(ctx, 1)
	}
	engine.exportMigrationEvent(run.instance, source.Key, target.Key, migrated)
	return nil
}

// MigrateBatch applies the plan to many instances; a failing instance does
// not stop the others.
func (engine *Engine) MigrateBatch(ctx context.Context, processInstanceKeys []int64, plan runtime.MigrationPlan) error {
	var errJoin error
	for _, key := range processInstanceKeys {
		if err := engine.Migrate(ctx, key, plan); err != nil {
			errJoin = multierr.Append(errJoin, fmt.Errorf("instance %d: %w", key, err))
		}
	}
	return errJoin
}

// ScheduleMigration defers the migration of the given instances to
// migration jobs picked up by the scheduler once due.
func (engine *Engine) ScheduleMigration(ctx context.Context, processInstanceKeys []int64, plan runtime.MigrationPlan, dueAt time.Time) ([]runtime.Job, error) {
	payload, err := json.Marshal(migrationJobPayload{Plan: plan})
	if err != nil {
		return nil, err
	}
	batch := engine.persistence.NewBatch()
	jobs := make([]runtime.Job, 0, len(processInstanceKeys))
	for _, key := range processInstanceKeys {
		job := runtime.Job{
			Key:                engine.generateKey(),
			Type:               runtime.JobTypeMigrationBatch,
			ProcessInstanceKey: key,
			DueAt:              dueAt,
			Retries:            defaultJobRetries,
			State:              runtime.JobStateActive,
			Payload:            payload,
			CreatedAt:          time.Now(),
		}
		if err := batch.SaveJob(ctx, job); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := batch.Flush(ctx); err != nil {
		return nil, errors.Join(newEngineErrorf("failed to schedule migration jobs"), err)
	}
	if engine.metrics != nil {
		engine.metrics.JobsCreated.Add(ctx, int64(len(jobs)))
	}
	return jobs, nil
}

// migrationState is the outcome of the validation phase: the activity
// mapping plus the scope executions that disappear in the target.
type migrationState struct {
	mapping   map[string]string
	collapsed []int64
}

func buildMapping(source *model.ProcessDefinition, target *model.ProcessDefinition, plan runtime.MigrationPlan) (map[string]string, []string) {
	failures := make([]string, 0)
	mapping := make(map[string]string)
	if plan.MapEqualActivities {
		ids := make([]string, 0, len(source.Activities))
		for id := range source.Activities {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			if tgt := target.Activity(id); tgt != nil && tgt.Kind == source.Activity(id).Kind {
				mapping[id] = id
			}
		}
	}
	for _, instr := range plan.Instructions {
		if source.Activity(instr.SourceActivityId) == nil {
			failures = append(failures, fmt.Sprintf("instruction source %s does not exist in the source definition", instr.SourceActivityId))
			continue
		}
		if target.Activity(instr.TargetActivityId) == nil {
			failures = append(failures, fmt.Sprintf("instruction target %s does not exist in the target definition", instr.TargetActivityId))
			continue
		}
		mapping[instr.SourceActivityId] = instr.TargetActivityId
	}
	return mapping, failures
}

func (r *instanceRun) validateMigration(ctx context.Context, source *model.ProcessDefinition, target *model.ProcessDefinition, plan runtime.MigrationPlan) (*migrationState, error) {
	mapping, failures := buildMapping(source, target, plan)
	collapsed := make([]int64, 0)

	root := r.tree.Root()
	r.tree.Walk(root.Key, func(execution *runtime.Execution) bool {
		if execution.IsEventScope || execution.ActivityId == "" {
			return true
		}
		src := source.Activity(execution.ActivityId)
		if src == nil {
			failures = append(failures, fmt.Sprintf("execution %d sits on unknown activity %s", execution.Key, execution.ActivityId))
			return true
		}
		targetId, mapped := mapping[execution.ActivityId]
		if !mapped {
			if execution.IsScope && src.Kind == model.KindScope {
				// a scope without a counterpart collapses, provided it
				// owns nothing that would be orphaned
				if r.ownsArtifacts(execution.Key) {
					failures = append(failures, fmt.Sprintf("scope %s cannot collapse: it still owns subscriptions or jobs", execution.ActivityId))
					return true
				}
				collapsed = append(collapsed, execution.Key)
			}
			// uncovered executions stay on their source activity
			return true
		}
		tgt := target.Activity(targetId)
		if tgt.Kind != src.Kind {
			failures = append(failures, fmt.Sprintf("activity %s (%s) cannot migrate to %s (%s): kind mismatch", src.Id, src.Kind, tgt.Id, tgt.Kind))
		}
		if execution.State == runtime.ExecutionStateExecuting && src.AwaitCompletion && !tgt.AwaitCompletion {
			failures = append(failures, fmt.Sprintf("wait state %s has no wait state counterpart %s", src.Id, tgt.Id))
		}
		failures = append(failures, r.validateJoinGates(source, target, execution, mapping)...)
		return true
	})
	failures = append(failures, r.validateJoinGates(source, target, root, mapping)...)

	incidents, err := r.engine.persistence.FindOpenProcessInstanceIncidents(ctx, r.instance.Key)
	if err != nil {
		return nil, err
	}
	for _, incident := range incidents {
		if r.tree.Get(incident.ExecutionKey) == nil {
			failures = append(failures, fmt.Sprintf("open incident %d points at execution %d which no longer exists", incident.Key, incident.ExecutionKey))
		}
	}

	if len(failures) > 0 {
		return nil, &MigrationValidationError{ProcessInstanceKey: r.instance.Key, Failures: failures}
	}
	return &migrationState{mapping: mapping, collapsed: collapsed}, nil
}

// validateJoinGates checks that a mapped join gateway keeps its incoming
// degree in the target. Gateways the plan does not cover keep their source
// countdown untouched.
func (r *instanceRun) validateJoinGates(source *model.ProcessDefinition, target *model.ProcessDefinition, execution *runtime.Execution, mapping map[string]string) []string {
	failures := make([]string, 0)
	for gatewayId := range execution.JoinGates {
		mappedGateway, ok := mapping[gatewayId]
		if !ok {
			continue
		}
		tgtGateway := target.Activity(mappedGateway)
		srcGateway := source.Activity(gatewayId)
		if srcGateway != nil && tgtGateway != nil && len(tgtGateway.Incoming) != len(srcGateway.Incoming) {
			failures = append(failures, fmt.Sprintf("join gateway %s changes its incoming degree in the target", gatewayId))
		}
	}
	return failures
}

func (r *instanceRun) ownsArtifacts(executionKey int64) bool {
	for _, sub := range r.subscriptions {
		if sub.ExecutionKey == executionKey {
			return true
		}
	}
	for _, job := range r.jobs {
		if job.ExecutionKey == executionKey {
			return true
		}
	}
	return false
}

func (r *instanceRun) applyMigration(source *model.ProcessDefinition, target *model.ProcessDefinition, plan runtime.MigrationPlan, migration *migrationState) (int, error) {
	mapping := migration.mapping
	collapsedSet := make(map[int64]bool, len(migration.collapsed))
	for _, key := range migration.collapsed {
		collapsedSet[key] = true
	}

	// variable mappings run against the pre-migration positions
	for _, instr := range plan.Instructions {
		if len(instr.VariableMappings) == 0 {
			continue
		}
		for _, execution := range r.executionsOn(instr.SourceActivityId) {
			for _, vm := range instr.VariableMappings {
				value, err := r.evaluate(execution.Key, vm.SourceExpression)
				if err != nil {
					return 0, err
				}
				r.applyVariables(execution.Key, map[string]any{vm.Target: value})
			}
		}
	}

	// re-point every mapped execution; uncovered executions stay put
	migrated := 0
	root := r.tree.Root()
	repointed := make([]*runtime.Execution, 0, r.tree.Size())
	r.tree.Walk(root.Key, func(execution *runtime.Execution) bool {
		if execution.IsEventScope || execution.ActivityId == "" || collapsedSet[execution.Key] {
			return true
		}
		targetId, mapped := mapping[execution.ActivityId]
		if !mapped {
			return true
		}
		execution.ActivityId = targetId
		r.remapJoinGates(execution, mapping)
		r.tree.MarkDirty(execution.Key)
		repointed = append(repointed, execution)
		migrated++
		return true
	})
	r.remapJoinGates(root, mapping)

	// rebuild the scope ancestry of every execution per the target graph
	for _, execution := range repointed {
		if err := r.restoreScopeChain(target, execution, collapsedSet); err != nil {
			return 0, err
		}
	}

	// collapse scopes without a counterpart
	for _, key := range migration.collapsed {
		if err := r.collapseScope(key); err != nil {
			return 0, err
		}
	}

	if err := r.migrateSubscriptions(target, mapping); err != nil {
		return 0, err
	}
	if err := r.migrateJobs(mapping); err != nil {
		return 0, err
	}
	return migrated, nil
}

func (r *instanceRun) executionsOn(activityId string) []*runtime.Execution {
	res := make([]*runtime.Execution, 0, 1)
	r.tree.Walk(r.tree.Root().Key, func(execution *runtime.Execution) bool {
		if execution.ActivityId == activityId && !execution.IsEventScope {
			res = append(res, execution)
		}
		return true
	})
	return res
}

func (r *instanceRun) remapJoinGates(execution *runtime.Execution, mapping map[string]string) {
	if len(execution.JoinGates) == 0 {
		return
	}
	gates := make(map[string]int, len(execution.JoinGates))
	for gatewayId, remaining := range execution.JoinGates {
		if mappedId, ok := mapping[gatewayId]; ok {
			gates[mappedId] = remaining
		} else {
			gates[gatewayId] = remaining
		}
	}
	execution.JoinGates = gates
	r.tree.MarkDirty(execution.Key)
}

// restoreScopeChain moves an execution beneath the scope executions its
// target activity requires, synthesizing missing scope executions on the
// way down from the root.
func (r *instanceRun) restoreScopeChain(target *model.ProcessDefinition, execution *runtime.Execution, collapsedSet map[int64]bool) error {
	parent := r.tree.Get(execution.ParentKey)
	if parent != nil && parent.MultiInstanceTotal > 0 && parent.ActivityId == execution.ActivityId {
		// iterations stay beneath their coordination execution
		return nil
	}

	chain := target.ScopeChain(execution.ActivityId)
	desired := r.tree.Root()
	for i := len(chain) - 1; i >= 0; i-- {
		scopeId := chain[i]
		existing := r.findScopeExecution(scopeId, collapsedSet)
		if existing == nil {
			synthesized, err := r.tree.CreateChild(desired.Key, true)
			if err != nil {
				return err
			}
			synthesized.ActivityId = scopeId
			synthesized.State = runtime.ExecutionStateExecuting
			existing = synthesized
		} else if existing.ParentKey != desired.Key && existing.Key != desired.Key {
			if err := r.tree.Reparent(existing.Key, desired.Key); err != nil {
				return err
			}
		}
		desired = existing
	}
	if execution.Key == desired.Key || execution.ParentKey == desired.Key {
		return nil
	}
	return r.tree.Reparent(execution.Key, desired.Key)
}

func (r *instanceRun) findScopeExecution(activityId string, collapsedSet map[int64]bool) *runtime.Execution {
	var found *runtime.Execution
	r.tree.Walk(r.tree.Root().Key, func(execution *runtime.Execution) bool {
		if found != nil {
			return false
		}
		if execution.IsScope && !execution.IsEventScope && !collapsedSet[execution.Key] &&
			execution.ActivityId == activityId && execution.MultiInstanceTotal == 0 {
			parent := r.tree.Get(execution.ParentKey)
			if parent != nil && parent.MultiInstanceTotal > 0 && parent.ActivityId == activityId {
				return true
			}
			found = execution
			return false
		}
		return true
	})
	return found
}

// collapseScope dissolves a scope execution whose activity has no target
// counterpart. Its variables move to the parent scope, remaining event
// scopes are re-attached there too.
func (r *instanceRun) collapseScope(executionKey int64) error {
	scope := r.tree.Get(executionKey)
	if scope == nil {
		return nil
	}
	parentScope := r.tree.FindScope(scope.ParentKey)
	if parentScope == nil {
		return newEngineErrorf("collapsing scope %d has no parent scope", executionKey)
	}
	if len(scope.Variables) > 0 {
		if parentScope.Variables == nil {
			parentScope.Variables = map[string]any{}
		}
		for k, v := range scope.Variables {
			parentScope.Variables[k] = v
		}
		r.tree.MarkDirty(parentScope.Key)
	}
	for _, childKey := range slices.Clone(scope.ChildKeys) {
		if err := r.tree.Reparent(childKey, parentScope.Key); err != nil {
			return err
		}
	}
	return r.tree.Remove(executionKey)
}

// migrateSubscriptions re-resolves the subscriptions of migrated activities
// against the target definition; a migrated subscription without a target
// counterpart is dropped, subscriptions of uncovered activities stay as they
// are.
func (r *instanceRun) migrateSubscriptions(target *model.ProcessDefinition, mapping map[string]string) error {
	keys := make([]int64, 0, len(r.subscriptions))
	for key := range r.subscriptions {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		sub := r.subscriptions[key]
		targetId, mapped := mapping[sub.ActivityId]
		if !mapped {
			continue
		}
		tgt := target.Activity(targetId)
		switch {
		case sub.EventType == model.EventTypeCompensation:
			if tgt.CompensationHandlerId == "" {
				r.removeSubscription(key)
				continue
			}
			sub.ActivityId = targetId
			sub.EventName = targetId
			sub.HandlerActivityId = tgt.CompensationHandlerId
		case sub.HandlerActivityId != "":
			spec := matchBoundarySpec(tgt, mapping[sub.HandlerActivityId])
			if spec == nil {
				r.removeSubscription(key)
				continue
			}
			sub.ActivityId = targetId
			sub.EventType = spec.Type
			sub.EventName = spec.Name
			sub.Interrupting = spec.Interrupting
			sub.HandlerActivityId = spec.HandlerId
		default:
			if tgt.Catch == nil {
				r.removeSubscription(key)
				continue
			}
			sub.ActivityId = targetId
			sub.EventType = tgt.Catch.Type
			sub.EventName = tgt.Catch.Name
		}
		r.markSubscriptionDirty(key)
	}
	return nil
}

func matchBoundarySpec(activity *model.Activity, handlerId string) *model.BoundarySpec {
	if handlerId == "" {
		return nil
	}
	for i := range activity.Boundary {
		if activity.Boundary[i].HandlerId == handlerId {
			return &activity.Boundary[i]
		}
	}
	return nil
}

// migrateJobs re-points jobs at the mapped activities; due dates, retries
// and lock state stay untouched. Jobs of uncovered activities are left
// alone. Boundary timer payloads follow the handler mapping and are dropped
// when the target has no such handler.
func (r *instanceRun) migrateJobs(mapping map[string]string) error {
	keys := make([]int64, 0, len(r.jobs))
	for key := range r.jobs {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		job := r.jobs[key]
		if job.ActivityId != "" {
			targetId, mapped := mapping[job.ActivityId]
			if !mapped {
				continue
			}
			job.ActivityId = targetId
		}
		if job.Type == runtime.JobTypeTimer && len(job.Payload) > 0 {
			var payload timerJobPayload
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return errors.Join(newEngineErrorf("invalid payload of timer job %d", job.Key), err)
			}
			if payload.HandlerActivityId != "" {
				mappedHandler, ok := mapping[payload.HandlerActivityId]
				if !ok {
					r.removeJob(key)
					continue
				}
				encoded, err := encodeTimerPayload(mappedHandler, payload.Interrupting)
				if err != nil {
					return err
				}
				job.Payload = encoded
			}
		}
		r.markJobDirty(key)
	}
	return nil
}

func (engine *Engine) exportMigrationEvent(instance *runtime.ProcessInstance, sourceKey int64, targetKey int64, migrated int) {
	for _, exp := range engine.exporters {
		exp.NewMigrationEvent(&exporter.MigrationEvent{
			ProcessInstanceKey:  instance.Key,
			SourceDefinitionKey: sourceKey,
			TargetDefinitionKey: targetKey,
			MigratedExecutions:  migrated,
		})
	}
}
