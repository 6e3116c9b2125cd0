// Package inmemory keeps all engine records in process memory. It is the
// storage used by the test suites and single-node setups without a state
// file; revision checks behave exactly like the durable implementations.
package inmemory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/storage"
)

// Storage keeps process state in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu sync.RWMutex

	ProcessDefinitions map[int64]model.ProcessDefinition
	ProcessInstances   map[int64]runtime.ProcessInstance
	Executions         map[int64]runtime.Execution
	Subscriptions      map[int64]runtime.EventSubscription
	Jobs               map[int64]runtime.Job
	Incidents          map[int64]runtime.Incident
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions: make(map[int64]model.ProcessDefinition),
		ProcessInstances:   make(map[int64]runtime.ProcessInstance),
		Executions:         make(map[int64]runtime.Execution),
		Subscriptions:      make(map[int64]runtime.EventSubscription),
		Jobs:               make(map[int64]runtime.Job),
		Incidents:          make(map[int64]runtime.Incident),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.Id != processDefinitionId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[processDefinitionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, processDefinitionId string) ([]model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]model.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.Id != processDefinitionId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveProcessInstanceLocked(processInstance)
}

func (mem *Storage) saveProcessInstanceLocked(processInstance runtime.ProcessInstance) error {
	if stored, ok := mem.ProcessInstances[processInstance.Key]; ok && stored.Revision != processInstance.Revision {
		return storage.ErrStaleRecord
	}
	processInstance.Revision++
	processInstance.Definition = nil
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

func (mem *Storage) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.ProcessInstances, processInstanceKey)
	return nil
}

func (mem *Storage) FindExecutionByKey(ctx context.Context, executionKey int64) (runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Executions[executionKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceExecutions(ctx context.Context, processInstanceKey int64) ([]runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Execution, 0)
	for _, e := range mem.Executions {
		if e.ProcessInstanceKey == processInstanceKey {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Execution) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindExecutionsByActivityId(ctx context.Context, activityId string) ([]runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Execution, 0)
	for _, e := range mem.Executions {
		if e.ActivityId == activityId {
			res = append(res, e)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Execution) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveExecutionLocked(execution)
}

func (mem *Storage) saveExecutionLocked(execution runtime.Execution) error {
	if stored, ok := mem.Executions[execution.Key]; ok && stored.Revision != execution.Revision {
		return storage.ErrStaleRecord
	}
	execution.Revision++
	execution.ChildKeys = slices.Clone(execution.ChildKeys)
	mem.Executions[execution.Key] = execution
	return nil
}

func (mem *Storage) DeleteExecution(ctx context.Context, executionKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Executions, executionKey)
	return nil
}

func (mem *Storage) FindExecutionSubscriptions(ctx context.Context, executionKey int64) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.EventSubscription, 0)
	for _, sub := range mem.Subscriptions {
		if sub.ExecutionKey == executionKey {
			res = append(res, sub)
		}
	}
	slices.SortFunc(res, func(a, b runtime.EventSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.EventSubscription, 0)
	for _, sub := range mem.Subscriptions {
		if sub.ProcessInstanceKey == processInstanceKey {
			res = append(res, sub)
		}
	}
	slices.SortFunc(res, func(a, b runtime.EventSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindSubscriptionsByEventName(ctx context.Context, eventType model.EventType, eventName string) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.EventSubscription, 0)
	for _, sub := range mem.Subscriptions {
		if sub.EventType == eventType && sub.EventName == eventName {
			res = append(res, sub)
		}
	}
	slices.SortFunc(res, func(a, b runtime.EventSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveEventSubscriptionLocked(subscription)
}

func (mem *Storage) saveEventSubscriptionLocked(subscription runtime.EventSubscription) error {
	if stored, ok := mem.Subscriptions[subscription.Key]; ok && stored.Revision != subscription.Revision {
		return storage.ErrStaleRecord
	}
	subscription.Revision++
	mem.Subscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Subscriptions, subscriptionKey)
	return nil
}

func (mem *Storage) FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Jobs[jobKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceJobs(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Job, 0)
	for _, job := range mem.Jobs {
		if job.ProcessInstanceKey == processInstanceKey {
			res = append(res, job)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Job) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindExecutionJobs(ctx context.Context, executionKey int64) ([]runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Job, 0)
	for _, job := range mem.Jobs {
		if job.ExecutionKey == executionKey {
			res = append(res, job)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Job) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveJob(ctx context.Context, job runtime.Job) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveJobLocked(job)
}

func (mem *Storage) saveJobLocked(job runtime.Job) error {
	if stored, ok := mem.Jobs[job.Key]; ok && stored.Revision != job.Revision {
		return storage.ErrStaleRecord
	}
	job.Revision++
	mem.Jobs[job.Key] = job
	return nil
}

func (mem *Storage) DeleteJob(ctx context.Context, jobKey int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Jobs, jobKey)
	return nil
}

// AcquireDueJobs stamps up to batchSize due, unlocked jobs with the owner
// under one lock; two concurrent acquisitions can never return the same job.
func (mem *Storage) AcquireDueJobs(ctx context.Context, owner string, batchSize int, lockDuration time.Duration, now time.Time) ([]runtime.Job, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	candidates := make([]runtime.Job, 0)
	for _, job := range mem.Jobs {
		if job.State != runtime.JobStateActive || job.Retries <= 0 {
			continue
		}
		if job.DueAt.After(now) || job.Locked(now) {
			continue
		}
		if instance, ok := mem.ProcessInstances[job.ProcessInstanceKey]; ok && instance.Suspended {
			continue
		}
		candidates = append(candidates, job)
	}
	slices.SortFunc(candidates, func(a, b runtime.Job) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return int(a.Key - b.Key)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}
	for i := range candidates {
		candidates[i].LockOwner = owner
		candidates[i].LockExpiresAt = now.Add(lockDuration)
		candidates[i].Revision++
		mem.Jobs[candidates[i].Key] = candidates[i]
	}
	return candidates, nil
}

func (mem *Storage) ReleaseExpiredJobLocks(ctx context.Context, now time.Time) (int, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	released := 0
	for key, job := range mem.Jobs {
		if job.LockOwner == "" || job.LockExpiresAt.After(now) {
			continue
		}
		job.LockOwner = ""
		job.LockExpiresAt = time.Time{}
		job.Revision++
		mem.Jobs[key] = job
		released++
	}
	return released, nil
}

func (mem *Storage) FindIncidentByKey(ctx context.Context, incidentKey int64) (runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Incidents[incidentKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindOpenProcessInstanceIncidents(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Incident, 0)
	for _, inc := range mem.Incidents {
		if inc.ProcessInstanceKey == processInstanceKey && inc.ResolvedAt == nil {
			res = append(res, inc)
		}
	}
	slices.SortFunc(res, func(a, b runtime.Incident) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveIncidentLocked(incident)
}

func (mem *Storage) saveIncidentLocked(incident runtime.Incident) error {
	if stored, ok := mem.Incidents[incident.Key]; ok && stored.Revision != incident.Revision {
		return storage.ErrStaleRecord
	}
	incident.Revision++
	mem.Incidents[incident.Key] = incident
	return nil
}

// StorageBatch buffers writes and applies them under one storage lock on
// Flush, so a trigger's mutations become visible as a unit.
type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) Flush(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	var joinErr error
	for _, stmt := range b.stmtToRun {
		if err := stmt(); err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	b.stmtToRun = make([]func() error, 0, 10)
	return joinErr
}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveProcessInstanceLocked(processInstance)
	})
	return nil
}

func (b *StorageBatch) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		delete(b.db.ProcessInstances, processInstanceKey)
		return nil
	})
	return nil
}

func (b *StorageBatch) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	execution.ChildKeys = slices.Clone(execution.ChildKeys)
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveExecutionLocked(execution)
	})
	return nil
}

func (b *StorageBatch) DeleteExecution(ctx context.Context, executionKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		delete(b.db.Executions, executionKey)
		return nil
	})
	return nil
}

func (b *StorageBatch) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveEventSubscriptionLocked(subscription)
	})
	return nil
}

func (b *StorageBatch) DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		delete(b.db.Subscriptions, subscriptionKey)
		return nil
	})
	return nil
}

func (b *StorageBatch) SaveJob(ctx context.Context, job runtime.Job) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveJobLocked(job)
	})
	return nil
}

func (b *StorageBatch) DeleteJob(ctx context.Context, jobKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		delete(b.db.Jobs, jobKey)
		return nil
	})
	return nil
}

func (b *StorageBatch) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.saveIncidentLocked(incident)
	})
	return nil
}
