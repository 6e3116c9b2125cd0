package engine

import (
	"context"
	"errors"
	"time"

	"github.com/procflow/procflow/pkg/engine/exporter"
	"github.com/procflow/procflow/pkg/engine/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// ResolveIncident reactivates the failed job behind an incident with a
// fresh retry budget, due immediately. A non-positive retries argument
// grants the default budget. The incident itself stays open until the
// retried handler actually succeeds; another exhausted retry leaves it
// open.
func (engine *Engine) ResolveIncident(ctx context.Context, incidentKey int64, retries int32) error {
	incident, err := engine.persistence.FindIncidentByKey(ctx, incidentKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find incident with key: %d", incidentKey), err)
	}
	if incident.ResolvedAt != nil {
		return newEngineErrorf("incident %d is already resolved", incidentKey)
	}
	job, err := engine.persistence.FindJobByKey(ctx, incident.JobKey)
	if err != nil {
		return errors.Join(newEngineErrorf("failed to find job %d of incident %d", incident.JobKey, incidentKey), err)
	}
	if job.State != runtime.JobStateFailedTerminal {
		return newEngineErrorf("job %d of incident %d is not awaiting a manual retry", job.Key, incidentKey)
	}

	if retries <= 0 {
		retries = defaultJobRetries
	}
	job.Retries = retries
	job.State = runtime.JobStateActive
	job.ErrorMessage = ""
	job.DueAt = time.Now()

	batch := engine.persistence.NewBatch()
	if err := batch.SaveJob(ctx, job); err != nil {
		return err
	}
	if err := batch.Flush(ctx); err != nil {
		return errors.Join(newEngineErrorf("failed to reactivate job %d of incident %d", job.Key, incidentKey), err)
	}
	return nil
}

// markIncidentResolved closes the incident after its job finally succeeded.
func (engine *Engine) markIncidentResolved(ctx context.Context, incidentKey int64) error {
	incident, err := engine.persistence.FindIncidentByKey(ctx, incidentKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if incident.ResolvedAt != nil {
		return nil
	}
	now := time.Now()
	incident.ResolvedAt = &now
	batch := engine.persistence.NewBatch()
	if err := batch.SaveIncident(ctx, incident); err != nil {
		return err
	}
	if err := batch.Flush(ctx); err != nil {
		return errors.Join(newEngineErrorf("failed to resolve incident %d", incidentKey), err)
	}
	engine.exportIncidentEvent(&incident, exporter.Resolved)
	return nil
}

// FindOpenIncidents returns the unresolved incidents of a process instance.
func (engine *Engine) FindOpenIncidents(ctx context.Context, processInstanceKey int64) ([]runtime.Incident, error) {
	return engine.persistence.FindOpenProcessInstanceIncidents(ctx, processInstanceKey)
}

func (engine *Engine) exportIncidentEvent(incident *runtime.Incident, intent exporter.Intent) {
	for _, exp := range engine.exporters {
		exp.NewIncidentEvent(&exporter.IncidentEvent{
			IncidentKey:        incident.Key,
			ProcessInstanceKey: incident.ProcessInstanceKey,
			ActivityId:         incident.ActivityId,
			JobKey:             incident.JobKey,
			Message:            incident.Message,
			Intent:             intent,
		})
	}
}
