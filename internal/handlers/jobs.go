package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/leaveratings/backend/internal/models"
	"github.com/PortNumber53/leaveratings/backend/internal/store"
)

// JobReader is the read side of the durable billing job queue.
type JobReader interface {
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// GetJob retrieves a job by ID
func GetJob(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job ID")
			return
		}

		job, err := jobs.GetByID(r.Context(), jobID)
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			log.Error().Err(err).Int64("job_id", jobID).Msg("failed to get job")
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// GetJobStats returns statistics about the job queue
func GetJobStats(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := jobs.GetStats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("failed to get job stats")
			writeError(w, http.StatusInternalServerError, "failed to retrieve job statistics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	Jobs JobReader
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(jobs JobReader) *JobHandler {
	return &JobHandler{Jobs: jobs}
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/jobs/stats", GetJobStats(h.Jobs))
	router.Get("/api/jobs/{id}", GetJob(h.Jobs))
}
