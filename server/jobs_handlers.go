package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/pulse/async"
)

// HandleSubmitJob handles POST /api/jobs
func (s *StudioServer) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := readJSON(r, &req); err != nil {
		writeWrappedError(w, s.logger, err, "invalid job submission")
		return
	}

	spec, err := req.spec()
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid job submission")
		return
	}

	job, err := s.queue.Submit(r.Context(), spec)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: job.ID, State: string(job.State)})
}

// spec converts the request body into a job spec
func (req submitJobRequest) spec() (async.JobSpec, error) {
	spec := async.JobSpec{
		Type:        req.Type,
		Priority:    async.PriorityNormal,
		ProjectID:   req.ProjectID,
		AssetIDs:    req.AssetIDs,
		MaxAttempts: req.MaxAttempts,
	}

	switch p := req.Priority.(type) {
	case nil:
	case string:
		parsed, err := async.ParsePriority(p)
		if err != nil {
			return spec, err
		}
		spec.Priority = parsed
	case float64:
		if p != float64(int(p)) {
			return spec, errors.NewInvalidRequestError("priority must be an integer, got %v", p)
		}
		parsed, err := async.ParsePriority(strconv.Itoa(int(p)))
		if err != nil {
			return spec, err
		}
		spec.Priority = parsed
	default:
		return spec, errors.NewInvalidRequestError("priority must be a class name or a number")
	}

	if req.Parameters != nil {
		if _, ok := req.Parameters.(map[string]interface{}); !ok {
			return spec, errors.NewInvalidRequestError("parameters must be an object")
		}
		raw, err := json.Marshal(req.Parameters)
		if err != nil {
			return spec, errors.Wrap(err, "failed to encode parameters")
		}
		spec.Parameters = raw
	}
	return spec, nil
}

// HandleGetJob handles GET /api/jobs/{id}
func (s *StudioServer) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleListJobs handles GET /api/jobs
func (s *StudioServer) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := jobFilterFromQuery(r)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid job filter")
		return
	}
	page, err := s.queue.List(r.Context(), f)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func jobFilterFromQuery(r *http.Request) (async.JobFilter, error) {
	q := r.URL.Query()
	f := async.JobFilter{
		Type:      q.Get("type"),
		ProjectID: q.Get("project"),
		Limit:     parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit),
		Offset:    parseIntQueryParam(r, "offset", 0, 0, 1<<30),
	}
	if state := q.Get("state"); state != "" {
		if !async.IsValidState(state) {
			return f, errors.NewInvalidRequestError("unknown job state %q", state)
		}
		f.State = async.JobState(state)
	}
	var err error
	if f.Since, err = parseTimeQueryParam(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeQueryParam(r, "until"); err != nil {
		return f, err
	}
	return f, nil
}

// HandleCancelJob handles POST /api/jobs/{id}/cancel
func (s *StudioServer) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to cancel job")
		return
	}
	s.logger.Infow("Job cancel requested", logger.FieldJobID, job.ID, logger.FieldRole, roleOf(r))
	writeJSON(w, http.StatusOK, job)
}

// HandleRetryJob handles POST /api/jobs/{id}/retry
func (s *StudioServer) HandleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to retry job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleRerunJob handles POST /api/jobs/{id}/rerun
func (s *StudioServer) HandleRerunJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Rerun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to rerun job")
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: job.ID, State: string(job.State)})
}
