package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"enforcement-queue/internal/entity"
	"enforcement-queue/internal/service"
	"enforcement-queue/internal/telemetry"
	"enforcement-queue/internal/worker"
)

// RunStatusReader exposes what the status sink recorded (implementation: telemetry.RedisSink).
type RunStatusReader interface {
	Status(ctx context.Context, kind string) (*telemetry.Status, error)
	RecentRuns(ctx context.Context, kind string, n int64) ([]worker.Run, error)
}

type Handler struct {
	jobSvc *service.JobService
	runs   RunStatusReader
}

func NewHandler(jobSvc *service.JobService, runs RunStatusReader) *Handler {
	return &Handler{jobSvc: jobSvc, runs: runs}
}

type enqueueJobDTO struct {
	Kind           string         `json:"kind"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type enqueueJobResp struct {
	MessageID int64 `json:"message_id"`
}

type jobResp struct {
	ID             int64            `json:"id"`
	Kind           string           `json:"kind"`
	Status         entity.JobStatus `json:"status"`
	Payload        map[string]any   `json:"payload"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Attempts       int              `json:"attempts"`
	LockedAt       *string          `json:"locked_at,omitempty"`
	LockedBy       *string          `json:"locked_by,omitempty"`
	LastError      *string          `json:"last_error,omitempty"`
	CreatedAt      string           `json:"created_at"`
	UpdatedAt      string           `json:"updated_at"`
}

type listJobsResp struct {
	Jobs []jobResp `json:"jobs"`
}

type runResp struct {
	WorkerID   string `json:"worker_id,omitempty"`
	JobID      int64  `json:"job_id"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	At         string `json:"at"`
}

type workerStatusResp struct {
	Kind        string           `json:"kind"`
	LastJobID   int64            `json:"last_job_id"`
	LastOutcome string           `json:"last_outcome"`
	LastError   string           `json:"last_error,omitempty"`
	LastRunAt   string           `json:"last_run_at"`
	Counts      map[string]int64 `json:"counts"`
	Recent      []runResp        `json:"recent"`
}

// EnqueueJob godoc
// @Summary Enqueue a job
// @Description Inserts a pending job. Re-sending the same kind and idempotency_key returns the original id.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body enqueueJobDTO true "job envelope"
// @Success 201 {object} enqueueJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var dto enqueueJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := h.jobSvc.Enqueue(r.Context(), service.EnqueueRequest{
		Kind:           dto.Kind,
		Payload:        entity.Payload(dto.Payload),
		IdempotencyKey: dto.IdempotencyKey,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, enqueueJobResp{MessageID: id})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path int true "job id"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// ListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Param kind query string false "job kind"
// @Param status query string false "pending, processing, completed or failed"
// @Param limit query int false "page size (max 500)"
// @Param offset query int false "offset"
// @Success 200 {object} listJobsResp
// @Failure 400 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := entity.JobFilter{
		Kind:   q.Get("kind"),
		Status: entity.JobStatus(q.Get("status")),
	}
	for name, dst := range map[string]*uint64{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				writeErr(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}

	jobs, err := h.jobSvc.ListJobs(r.Context(), f)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	resp := listJobsResp{Jobs: make([]jobResp, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequeueJob godoc
// @Summary Requeue a failed job
// @Description Moves a failed job back to pending with attempts reset to zero.
// @Tags jobs
// @Produce json
// @Param id path int true "job id"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/requeue [post]
func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.RequeueJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// WorkerStatus godoc
// @Summary Last recorded runs for a job kind
// @Tags workers
// @Produce json
// @Param kind path string true "job kind"
// @Success 200 {object} workerStatusResp
// @Failure 404 {object} apiError
// @Failure 503 {object} apiError
// @Router /workers/{kind} [get]
func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeErr(w, http.StatusServiceUnavailable, "status sink not configured")
		return
	}
	kind := chi.URLParam(r, "kind")

	st, err := h.runs.Status(r.Context(), kind)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			writeErr(w, http.StatusNotFound, "no runs recorded")
			return
		}
		writeErr(w, http.StatusServiceUnavailable, "status sink unavailable")
		return
	}
	recent, err := h.runs.RecentRuns(r.Context(), kind, 20)
	if err != nil {
		writeErr(w, http.StatusServiceUnavailable, "status sink unavailable")
		return
	}

	resp := workerStatusResp{
		Kind:        kind,
		LastJobID:   st.LastJobID,
		LastOutcome: st.LastOutcome,
		LastError:   st.LastError,
		LastRunAt:   st.LastRunAt.Format(time.RFC3339),
		Counts:      st.Counts,
		Recent:      make([]runResp, 0, len(recent)),
	}
	for _, run := range recent {
		resp.Recent = append(resp.Recent, runResp{
			WorkerID:   run.WorkerID,
			JobID:      run.JobID,
			Attempt:    run.Attempt,
			Outcome:    string(run.Outcome),
			DurationMS: run.Duration.Milliseconds(),
			Error:      run.Error,
			At:         run.At.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func toJobResp(j *entity.Job) jobResp {
	resp := jobResp{
		ID:             j.ID,
		Kind:           j.Kind,
		Status:         j.Status,
		Payload:        j.Payload,
		IdempotencyKey: j.IdempotencyKey,
		Attempts:       j.Attempts,
		LockedBy:       j.LockedBy,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339),
	}
	if resp.Payload == nil {
		resp.Payload = map[string]any{}
	}
	if j.LockedAt != nil {
		s := j.LockedAt.Format(time.RFC3339)
		resp.LockedAt = &s
	}
	return resp
}
