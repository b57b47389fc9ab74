package worker

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/metrics"
	"github.com/PortNumber53/leaveratings/backend/internal/models"
)

// PrometheusInstrumentation reports job lifecycle events to the metrics
// registry and logs a periodic heartbeat.
func PrometheusInstrumentation() *Instrumentation {
	return &Instrumentation{
		OnEnqueue: func(job *models.Job) {
			metrics.JobEvents.WithLabelValues(job.JobType, "enqueued").Inc()
		},
		OnStart: func(job *models.Job) {
			metrics.JobEvents.WithLabelValues(job.JobType, "started").Inc()
		},
		OnComplete: func(job *models.Job, d time.Duration) {
			metrics.JobEvents.WithLabelValues(job.JobType, "completed").Inc()
			metrics.JobDuration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnFail: func(job *models.Job, _ error, d time.Duration) {
			metrics.JobEvents.WithLabelValues(job.JobType, "failed").Inc()
			metrics.JobDuration.WithLabelValues(job.JobType).Observe(d.Seconds())
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			metrics.JobEvents.WithLabelValues(job.JobType, "retried").Inc()
		},
		OnHeartbeat: func(workerID string, s Stats) {
			log.Debug().Str("worker_id", workerID).Int64("processed", s.JobsProcessed).
				Int64("failed", s.JobsFailed).Int("active", s.ActiveWorkers).Msg("worker heartbeat")
		},
	}
}
