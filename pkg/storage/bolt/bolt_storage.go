// Package bolt persists engine records in a single bbolt file. One bucket
// per record type, JSON-encoded values keyed by the big-endian record key.
// Revision checks happen inside the write transaction, so conflicting
// writers observe ErrStaleRecord instead of overwriting each other.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/model"
	"github.com/procflow/procflow/pkg/storage"
)

var (
	bucketDefinitions   = []byte("definitions")
	bucketInstances     = []byte("instances")
	bucketExecutions    = []byte("executions")
	bucketSubscriptions = []byte("subscriptions")
	bucketJobs          = []byte("jobs")
	bucketIncidents     = []byte("incidents")
)

// Storage is a bbolt-backed storage.Storage. Use NewStorage to open one.
type Storage struct {
	db *bolt.DB
}

var _ storage.Storage = &Storage{}

// NewStorage opens (or creates) the state file at path and prepares all
// buckets.
func NewStorage(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state file %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketDefinitions, bucketInstances, bucketExecutions,
			bucketSubscriptions, bucketJobs, bucketIncidents,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare state file %s: %w", path, err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying state file.
func (s *Storage) Close() error {
	return s.db.Close()
}

func keyBytes(key int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(key))
	return b
}

func getRecord[T any](tx *bolt.Tx, bucket []byte, key int64, out *T) error {
	raw := tx.Bucket(bucket).Get(keyBytes(key))
	if raw == nil {
		return storage.ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func scanRecords[T any](tx *bolt.Tx, bucket []byte, match func(*T) bool) ([]T, error) {
	res := make([]T, 0)
	err := tx.Bucket(bucket).ForEach(func(_, raw []byte) error {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if match(&rec) {
			res = append(res, rec)
		}
		return nil
	})
	return res, err
}

func putRecord(tx *bolt.Tx, bucket []byte, key int64, rec any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(keyBytes(key), raw)
}

// storedRevision reads the revision of the stored record, or -1 when the
// record does not exist.
func storedRevision(tx *bolt.Tx, bucket []byte, key int64) (int64, error) {
	raw := tx.Bucket(bucket).Get(keyBytes(key))
	if raw == nil {
		return -1, nil
	}
	var header struct {
		Revision int64 `json:"r"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return 0, err
	}
	return header.Revision, nil
}

func checkRevision(tx *bolt.Tx, bucket []byte, key int64, revision int64) error {
	stored, err := storedRevision(tx, bucket, key)
	if err != nil {
		return err
	}
	if stored >= 0 && stored != revision {
		return storage.ErrStaleRecord
	}
	return nil
}

func (s *Storage) NewBatch() storage.Batch {
	return &writeBatch{
		db:        s,
		stmtToRun: make([]func(tx *bolt.Tx) error, 0, 10),
	}
}

func (s *Storage) FindLatestProcessDefinitionById(ctx context.Context, processDefinitionId string) (model.ProcessDefinition, error) {
	var res model.ProcessDefinition
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		defs, err := scanRecords(tx, bucketDefinitions, func(d *model.ProcessDefinition) bool {
			return d.Id == processDefinitionId
		})
		if err != nil {
			return err
		}
		for _, def := range defs {
			if !found || def.Version > res.Version {
				found = true
				res = def
			}
		}
		return nil
	})
	if err != nil {
		return res, err
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (s *Storage) FindProcessDefinitionByKey(ctx context.Context, processDefinitionKey int64) (model.ProcessDefinition, error) {
	var res model.ProcessDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return getRecord(tx, bucketDefinitions, processDefinitionKey, &res)
	})
	return res, err
}

func (s *Storage) FindProcessDefinitionsById(ctx context.Context, processDefinitionId string) ([]model.ProcessDefinition, error) {
	var res []model.ProcessDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		defs, err := scanRecords(tx, bucketDefinitions, func(d *model.ProcessDefinition) bool {
			return d.Id == processDefinitionId
		})
		if err != nil {
			return err
		}
		res = defs
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (s *Storage) SaveProcessDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, bucketDefinitions, definition.Key, definition)
	})
}

func (s *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	var res runtime.ProcessInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return getRecord(tx, bucketInstances, processInstanceKey, &res)
	})
	return res, err
}

func saveProcessInstanceTx(tx *bolt.Tx, processInstance runtime.ProcessInstance) error {
	if err := checkRevision(tx, bucketInstances, processInstance.Key, processInstance.Revision); err != nil {
		return err
	}
	processInstance.Revision++
	processInstance.Definition = nil
	return putRecord(tx, bucketInstances, processInstance.Key, processInstance)
}

func (s *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveProcessInstanceTx(tx, processInstance)
	})
}

func (s *Storage) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete(keyBytes(processInstanceKey))
	})
}

func (s *Storage) FindExecutionByKey(ctx context.Context, executionKey int64) (runtime.Execution, error) {
	var res runtime.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		return getRecord(tx, bucketExecutions, executionKey, &res)
	})
	return res, err
}

func (s *Storage) FindProcessInstanceExecutions(ctx context.Context, processInstanceKey int64) ([]runtime.Execution, error) {
	return s.scanExecutions(func(e *runtime.Execution) bool {
		return e.ProcessInstanceKey == processInstanceKey
	})
}

func (s *Storage) FindExecutionsByActivityId(ctx context.Context, activityId string) ([]runtime.Execution, error) {
	return s.scanExecutions(func(e *runtime.Execution) bool {
		return e.ActivityId == activityId
	})
}

func (s *Storage) scanExecutions(match func(*runtime.Execution) bool) ([]runtime.Execution, error) {
	var res []runtime.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		execs, err := scanRecords(tx, bucketExecutions, match)
		if err != nil {
			return err
		}
		res = execs
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.Execution) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func saveExecutionTx(tx *bolt.Tx, execution runtime.Execution) error {
	if err := checkRevision(tx, bucketExecutions, execution.Key, execution.Revision); err != nil {
		return err
	}
	execution.Revision++
	return putRecord(tx, bucketExecutions, execution.Key, execution)
}

func (s *Storage) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveExecutionTx(tx, execution)
	})
}

func (s *Storage) DeleteExecution(ctx context.Context, executionKey int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).Delete(keyBytes(executionKey))
	})
}

func (s *Storage) FindExecutionSubscriptions(ctx context.Context, executionKey int64) ([]runtime.EventSubscription, error) {
	return s.scanSubscriptions(func(sub *runtime.EventSubscription) bool {
		return sub.ExecutionKey == executionKey
	})
}

func (s *Storage) FindProcessInstanceSubscriptions(ctx context.Context, processInstanceKey int64) ([]runtime.EventSubscription, error) {
	return s.scanSubscriptions(func(sub *runtime.EventSubscription) bool {
		return sub.ProcessInstanceKey == processInstanceKey
	})
}

func (s *Storage) FindSubscriptionsByEventName(ctx context.Context, eventType model.EventType, eventName string) ([]runtime.EventSubscription, error) {
	return s.scanSubscriptions(func(sub *runtime.EventSubscription) bool {
		return sub.EventType == eventType && sub.EventName == eventName
	})
}

func (s *Storage) scanSubscriptions(match func(*runtime.EventSubscription) bool) ([]runtime.EventSubscription, error) {
	var res []runtime.EventSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		subs, err := scanRecords(tx, bucketSubscriptions, match)
		if err != nil {
			return err
		}
		res = subs
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.EventSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func saveEventSubscriptionTx(tx *bolt.Tx, subscription runtime.EventSubscription) error {
	if err := checkRevision(tx, bucketSubscriptions, subscription.Key, subscription.Revision); err != nil {
		return err
	}
	subscription.Revision++
	return putRecord(tx, bucketSubscriptions, subscription.Key, subscription)
}

func (s *Storage) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveEventSubscriptionTx(tx, subscription)
	})
}

func (s *Storage) DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete(keyBytes(subscriptionKey))
	})
}

func (s *Storage) FindJobByKey(ctx context.Context, jobKey int64) (runtime.Job, error) {
	var res runtime.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getRecord(tx, bucketJobs, jobKey, &res)
	})
	return res, err
}

func (s *Storage) FindProcessInstanceJobs(ctx context.Context, processInstanceKey int64) ([]runtime.Job, error) {
	return s.scanJobs(func(j *runtime.Job) bool {
		return j.ProcessInstanceKey == processInstanceKey
	})
}

func (s *Storage) FindExecutionJobs(ctx context.Context, executionKey int64) ([]runtime.Job, error) {
	return s.scanJobs(func(j *runtime.Job) bool {
		return j.ExecutionKey == executionKey
	})
}

func (s *Storage) scanJobs(match func(*runtime.Job) bool) ([]runtime.Job, error) {
	var res []runtime.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		jobs, err := scanRecords(tx, bucketJobs, match)
		if err != nil {
			return err
		}
		res = jobs
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.Job) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func saveJobTx(tx *bolt.Tx, job runtime.Job) error {
	if err := checkRevision(tx, bucketJobs, job.Key, job.Revision); err != nil {
		return err
	}
	job.Revision++
	return putRecord(tx, bucketJobs, job.Key, job)
}

func (s *Storage) SaveJob(ctx context.Context, job runtime.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveJobTx(tx, job)
	})
}

func (s *Storage) DeleteJob(ctx context.Context, jobKey int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(keyBytes(jobKey))
	})
}

// AcquireDueJobs selects and stamps jobs inside one write transaction;
// bbolt's single-writer model guarantees two acquisitions never overlap.
func (s *Storage) AcquireDueJobs(ctx context.Context, owner string, batchSize int, lockDuration time.Duration, now time.Time) ([]runtime.Job, error) {
	var acquired []runtime.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		candidates, err := scanRecords(tx, bucketJobs, func(j *runtime.Job) bool {
			return j.State == runtime.JobStateActive && j.Retries > 0 &&
				!j.DueAt.After(now) && !j.Locked(now)
		})
		if err != nil {
			return err
		}
		eligible := candidates[:0]
		for _, job := range candidates {
			var instance runtime.ProcessInstance
			err := getRecord(tx, bucketInstances, job.ProcessInstanceKey, &instance)
			if err == nil && instance.Suspended {
				continue
			}
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			eligible = append(eligible, job)
		}
		slices.SortFunc(eligible, func(a, b runtime.Job) int {
			if c := a.DueAt.Compare(b.DueAt); c != 0 {
				return c
			}
			return int(a.Key - b.Key)
		})
		if len(eligible) > batchSize {
			eligible = eligible[:batchSize]
		}
		for i := range eligible {
			eligible[i].LockOwner = owner
			eligible[i].LockExpiresAt = now.Add(lockDuration)
			eligible[i].Revision++
			if err := putRecord(tx, bucketJobs, eligible[i].Key, eligible[i]); err != nil {
				return err
			}
		}
		acquired = eligible
		return nil
	})
	return acquired, err
}

func (s *Storage) ReleaseExpiredJobLocks(ctx context.Context, now time.Time) (int, error) {
	released := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		expired, err := scanRecords(tx, bucketJobs, func(j *runtime.Job) bool {
			return j.LockOwner != "" && !j.LockExpiresAt.After(now)
		})
		if err != nil {
			return err
		}
		for i := range expired {
			expired[i].LockOwner = ""
			expired[i].LockExpiresAt = time.Time{}
			expired[i].Revision++
			if err := putRecord(tx, bucketJobs, expired[i].Key, expired[i]); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	return released, err
}

func (s *Storage) FindIncidentByKey(ctx context.Context, incidentKey int64) (runtime.Incident, error) {
	var res runtime.Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		return getRecord(tx, bucketIncidents, incidentKey, &res)
	})
	return res, err
}

func (s *Storage) FindOpenProcessInstanceIncidents(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error) {
	var res []runtime.Incident
	err := s.db.View(func(tx *bolt.Tx) error {
		incidents, err := scanRecords(tx, bucketIncidents, func(i *runtime.Incident) bool {
			return i.ProcessInstanceKey == processInstanceKey && i.ResolvedAt == nil
		})
		if err != nil {
			return err
		}
		res = incidents
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(res, func(a, b runtime.Incident) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func saveIncidentTx(tx *bolt.Tx, incident runtime.Incident) error {
	if err := checkRevision(tx, bucketIncidents, incident.Key, incident.Revision); err != nil {
		return err
	}
	incident.Revision++
	return putRecord(tx, bucketIncidents, incident.Key, incident)
}

func (s *Storage) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return saveIncidentTx(tx, incident)
	})
}

// writeBatch buffers writes and applies them in one bbolt transaction on
// Flush, so a trigger's mutations commit or fail as a unit.
type writeBatch struct {
	db        *Storage
	stmtToRun []func(tx *bolt.Tx) error
}

var _ storage.Batch = &writeBatch{}

func (b *writeBatch) Flush(ctx context.Context) error {
	err := b.db.db.Update(func(tx *bolt.Tx) error {
		for _, stmt := range b.stmtToRun {
			if err := stmt(tx); err != nil {
				return err
			}
		}
		return nil
	})
	b.stmtToRun = make([]func(tx *bolt.Tx) error, 0, 10)
	return err
}

func (b *writeBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return saveProcessInstanceTx(tx, processInstance)
	})
	return nil
}

func (b *writeBatch) DeleteProcessInstance(ctx context.Context, processInstanceKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete(keyBytes(processInstanceKey))
	})
	return nil
}

func (b *writeBatch) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	execution.ChildKeys = slices.Clone(execution.ChildKeys)
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return saveExecutionTx(tx, execution)
	})
	return nil
}

func (b *writeBatch) DeleteExecution(ctx context.Context, executionKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExecutions).Delete(keyBytes(executionKey))
	})
	return nil
}

func (b *writeBatch) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return saveEventSubscriptionTx(tx, subscription)
	})
	return nil
}

func (b *writeBatch) DeleteEventSubscription(ctx context.Context, subscriptionKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete(keyBytes(subscriptionKey))
	})
	return nil
}

func (b *writeBatch) SaveJob(ctx context.Context, job runtime.Job) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return saveJobTx(tx, job)
	})
	return nil
}

func (b *writeBatch) DeleteJob(ctx context.Context, jobKey int64) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(keyBytes(jobKey))
	})
	return nil
}

func (b *writeBatch) SaveIncident(ctx context.Context, incident runtime.Incident) error {
	b.stmtToRun = append(b.stmtToRun, func(tx *bolt.Tx) error {
		return saveIncidentTx(tx, incident)
	})
	return nil
}
