package otel

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
)

type EngineMetrics struct {
	InstancesStarted   metric.Int64Counter
	InstancesCompleted metric.Int64Counter
	InstancesRunning   metric.Int64UpDownCounter
	JobsCreated        metric.Int64Counter
	JobsCompleted      metric.Int64Counter
	JobsFailed         metric.Int64Counter
	IncidentsRaised    metric.Int64Counter
	InstancesMigrated  metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*EngineMetrics, error) {
	var errJoin error

	instancesStarted, err := meter.Int64Counter("process_instances_started", metric.WithDescription("Number of process instances started"))
	errJoin = errors.Join(errJoin, err)

	instancesCompleted, err := meter.Int64Counter("process_instances_completed", metric.WithDescription("Number of process instances completed"))
	errJoin = errors.Join(errJoin, err)

	instancesRunning, err := meter.Int64UpDownCounter("process_instances_running", metric.WithDescription("Number of process instances currently running"))
	errJoin = errors.Join(errJoin, err)

	jobsCreated, err := meter.Int64Counter("jobs_created", metric.WithDescription("Number of jobs created"))
	errJoin = errors.Join(errJoin, err)

	jobsCompleted, err := meter.Int64Counter("jobs_completed", metric.WithDescription("Number of jobs completed"))
	errJoin = errors.Join(errJoin, err)

	jobsFailed, err := meter.Int64Counter("jobs_failed", metric.WithDescription("Number of job executions that failed"))
	errJoin = errors.Join(errJoin, err)

	incidentsRaised, err := meter.Int64Counter("incidents_raised", metric.WithDescription("Number of incidents raised"))
	errJoin = errors.Join(errJoin, err)

	instancesMigrated, err := meter.Int64Counter("process_instances_migrated", metric.WithDescription("Number of process instances migrated to another definition version"))
	errJoin = errors.Join(errJoin, err)

	metrics := EngineMetrics{
		InstancesStarted:   instancesStarted,
		InstancesCompleted: instancesCompleted,
		InstancesRunning:   instancesRunning,
		JobsCreated:        jobsCreated,
		JobsCompleted:      jobsCompleted,
		JobsFailed:         jobsFailed,
		IncidentsRaised:    incidentsRaised,
		InstancesMigrated:  instancesMigrated,
	}
	return &metrics, errJoin
}
