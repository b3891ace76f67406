package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/async"
)

const defaultJobListLimit = 100

// SubmitJobRequest is the body of POST /api/jobs.
type SubmitJobRequest struct {
	Type       string                 `json:"type"`
	AssetID    string                 `json:"asset_id,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	AfterJobID string                 `json:"after_job_id,omitempty"`
	Gate       *async.Gate            `json:"gate,omitempty"`
}

// JobListResponse is the body of GET /api/jobs.
type JobListResponse struct {
	Jobs  []*async.Job `json:"jobs"`
	Count int          `json:"count"`
}

// handleListJobs serves GET /api/jobs?state=&deferred=&type=&rule_id=&asset_id=&limit=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "job queue")
		return
	}
	q := r.URL.Query()
	filter := async.JobFilter{
		Type:    q.Get("type"),
		RuleID:  q.Get("rule_id"),
		AssetID: q.Get("asset_id"),
	}
	if state := q.Get("state"); state != "" {
		if !async.IsValidState(state) {
			writeError(w, http.StatusBadRequest, "unknown job state: "+state)
			return
		}
		filter.State = async.JobState(state)
	}
	deferred, err := parseBoolQueryParam(r, "deferred")
	if err != nil {
		s.fail(w, r, err, "Invalid query")
		return
	}
	filter.Deferred = deferred
	if filter.Limit, err = parseIntQueryParam(r, "limit", defaultJobListLimit); err != nil {
		s.fail(w, r, err, "Invalid query")
		return
	}

	jobs, err := s.deps.Queue.ListJobs(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// handleSubmitJob serves POST /api/jobs. The job goes through the admission
// gates and comes back deferred when one of them blocks.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Admitter == nil {
		s.unavailable(w, "admission")
		return
	}
	var req SubmitJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	job, err := async.NewJob(req.Type, async.SourceAPI, req.Payload)
	if err != nil {
		s.fail(w, r, err, "Invalid job")
		return
	}
	job.AssetID = req.AssetID
	job.AfterJobID = req.AfterJobID
	job.Gate = req.Gate
	if job.Gate != nil && job.Gate.ActiveHours != nil {
		if err := job.Gate.ActiveHours.Validate(); err != nil {
			s.fail(w, r, err, "Invalid job")
			return
		}
	}

	if err := s.deps.Admitter.Admit(r.Context(), job); err != nil {
		s.fail(w, r, err, "Failed to submit job")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "job queue")
		return
	}
	job, err := s.deps.Queue.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err, "Failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCounts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "job queue")
		return
	}
	counts, err := s.deps.Queue.Counts(r.Context())
	if err != nil {
		s.fail(w, r, err, "Failed to count jobs")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleCancelJob serves POST /api/jobs/{id}/cancel. Canceling a finished job
// returns it unchanged.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "job queue")
		return
	}
	job, err := s.deps.Queue.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err, "Failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleReport serves POST /api/jobs/{id}/report, the executor callback.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "job queue")
		return
	}
	id := chi.URLParam(r, "jobID")
	var report async.Report
	if err := readJSON(w, r, &report); err != nil {
		return
	}
	if report.JobID == "" {
		report.JobID = id
	}
	if report.JobID != id {
		s.fail(w, r, errors.NewInvalidRequestError("report for job %s posted to job %s", report.JobID, id), "Invalid report")
		return
	}

	job, err := s.deps.Queue.ApplyReport(r.Context(), report)
	if err != nil {
		s.fail(w, r, err, "Failed to apply report")
		return
	}
	s.log.Debugw("Executor report applied",
		logger.FieldJobID, id,
		logger.FieldState, job.State,
		"progress", job.Progress)
	writeJSON(w, http.StatusOK, job)
}
