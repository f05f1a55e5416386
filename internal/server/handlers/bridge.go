package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/okuno-dsi/revit-mcp-bridge/internal/errors"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/dispatch"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobreq"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

// maxBodyBytes caps request bodies on the write endpoints.
const maxBodyBytes = 1 << 20

// Bridge serves the job queue API: submit, poll, heartbeat, cancel, and
// the worker's long-poll lane.
type Bridge struct {
	store        *jobstore.Store
	dispatcher   *dispatch.Dispatcher
	remote       *dispatch.RemoteExecutor
	longPollWait time.Duration
	log          *zap.Logger
}

// NewBridge wires the queue handlers. remote may be nil when the worker
// lane is served by an in-process executor.
func NewBridge(store *jobstore.Store, d *dispatch.Dispatcher, remote *dispatch.RemoteExecutor, longPollWait time.Duration, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	if longPollWait <= 0 {
		longPollWait = 30 * time.Second
	}
	return &Bridge{
		store:        store,
		dispatcher:   d,
		remote:       remote,
		longPollWait: longPollWait,
		log:          log,
	}
}

// EnqueueResponse is the body returned by POST /enqueue.
type EnqueueResponse struct {
	JobID   string `json:"job_id"`
	State   string `json:"state"`
	Existed bool   `json:"existed"`
}

// EnqueueHandler accepts a new job. Duplicate rpc_ids for a live job
// return that job's id with existed=true instead of enqueuing again.
func (b *Bridge) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError, "could not read request body", nil)
		return
	}

	req, err := jobreq.Parse(body)
	if err != nil {
		writeValidationError(w, err)
		return
	}

	jobID, existed, err := b.dispatcher.Submit(r.Context(), req.Method, req.Params, jobstore.EnqueueOptions{
		RPCID:      req.RPCID,
		Priority:   req.Priority,
		TimeoutSec: req.TimeoutSec,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, EnqueueResponse{
		JobID:   jobID,
		State:   string(jobstore.StateEnqueued),
		Existed: existed,
	})
}

// JobHandler serves GET /job/{jobID} with poll-friendly caching: a weak
// ETag derived from the record's latest timestamp, 304 on If-None-Match,
// and Retry-After while the job is non-terminal.
func (b *Bridge) JobHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rec, err := b.store.Get(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	etag := jobETag(rec)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)
	if !rec.State.Terminal() {
		w.Header().Set("Retry-After", "1")
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// JobListResponse is the body returned by GET /jobs.
type JobListResponse struct {
	Jobs  []jobstore.Record `json:"jobs"`
	Count int               `json:"count"`
}

// JobsHandler lists jobs by state, default ENQUEUED, capped at limit
// (default 50).
func (b *Bridge) JobsHandler(w http.ResponseWriter, r *http.Request) {
	state := jobstore.StateEnqueued
	if s := r.URL.Query().Get("state"); s != "" {
		state = jobstore.State(s)
		if !state.Valid() {
			apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError,
				fmt.Sprintf("unknown state: %s", s), nil)
			return
		}
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError,
				"limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	records, err := b.store.List(r.Context(), state, limit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if records == nil {
		records = []jobstore.Record{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: records, Count: len(records)})
}

// HeartbeatResponse is the body returned by /heartbeat.
type HeartbeatResponse struct {
	JobID string `json:"job_id"`
	OK    bool   `json:"ok"`
}

// HeartbeatHandler records liveness for a job named by jobId or rpcId
// query parameter. Persistence is throttled; a suppressed write still
// reports ok.
func (b *Bridge) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobID, err := b.dispatcher.Heartbeat(r.Context(), q.Get("jobId"), q.Get("rpcId"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{JobID: jobID, OK: true})
}

// CancelHandler cancels an ENQUEUED job named by jobId query parameter.
// A claimed or finished job returns 409.
func (b *Bridge) CancelHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError, "jobId is required", nil)
		return
	}

	if err := b.dispatcher.Cancel(r.Context(), jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"state":  string(jobstore.StateCancelled),
	})
}

// PendingJobResponse is the body handed to the worker by /pending_request.
type PendingJobResponse struct {
	JobID  string          `json:"job_id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// PendingRequestHandler is the worker's long poll. It parks up to waitMs
// (default the configured long-poll window) for a claimed job, answering
// 204 when the window closes empty. The job id is mirrored in X-Job-Id
// so thin clients need not parse the body.
func (b *Bridge) PendingRequestHandler(w http.ResponseWriter, r *http.Request) {
	if b.remote == nil {
		apperrors.WriteError(w, http.StatusNotFound, apperrors.CodeNotFound, "remote execution lane is not enabled", nil)
		return
	}

	wait := b.longPollWait
	if ms := r.URL.Query().Get("waitMs"); ms != "" {
		parsed, err := strconv.Atoi(ms)
		if err != nil || parsed < 0 {
			apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError,
				"waitMs must be a non-negative integer", nil)
			return
		}
		wait = time.Duration(parsed) * time.Millisecond
	}

	job, err := b.remote.NextRequest(r.Context(), wait)
	if err != nil {
		// The poller went away; nothing to answer.
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("X-Job-Id", job.JobID)
	writeJSON(w, http.StatusOK, PendingJobResponse{
		JobID:  job.JobID,
		Method: job.Method,
		Params: job.Params,
	})
}

// PostResultRequest is the body accepted by POST /post_result.
type PostResultRequest struct {
	JobID  string             `json:"job_id"`
	RPCID  string             `json:"rpc_id,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Error  *jobstore.JobError `json:"error,omitempty"`
}

// PostResultHandler completes a job the worker picked up via
// /pending_request. The job is named by job_id or, failing that, rpc_id.
func (b *Bridge) PostResultHandler(w http.ResponseWriter, r *http.Request) {
	if b.remote == nil {
		apperrors.WriteError(w, http.StatusNotFound, apperrors.CodeNotFound, "remote execution lane is not enabled", nil)
		return
	}

	var req PostResultRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError, "invalid JSON body", nil)
		return
	}

	jobID := req.JobID
	if jobID == "" {
		if req.RPCID == "" {
			apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError, "job_id or rpc_id is required", nil)
			return
		}
		resolved, err := b.store.FindRunningByRPCID(r.Context(), req.RPCID)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		jobID = resolved
	}

	if err := b.remote.Resolve(jobID, req.Result, req.Error); err != nil {
		if errors.Is(err, dispatch.ErrNoPending) {
			apperrors.WriteError(w, http.StatusNotFound, apperrors.CodeNotFound,
				fmt.Sprintf("no pending execution for job %s", jobID), nil)
			return
		}
		respondWithError(w, r, err)
		return
	}

	b.log.Info("worker result accepted",
		zap.String("job_id", jobID),
		zap.Bool("errored", req.Error != nil))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   jobID,
		"accepted": true,
	})
}

// jobETag derives a weak validator from the record's latest timestamp.
// Any state transition or heartbeat moves it.
func jobETag(rec *jobstore.Record) string {
	return fmt.Sprintf(`W/"%s-%x"`, rec.JobID, rec.LastChange().UnixNano())
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeValidationError renders schema diagnostics as structured details.
func writeValidationError(w http.ResponseWriter, err error) {
	var verrs jobreq.ValidationErrors
	if errors.As(err, &verrs) {
		issues := make([]map[string]string, 0, len(verrs))
		for _, ve := range verrs {
			issues = append(issues, map[string]string{
				"path":    ve.Path,
				"message": ve.Message,
			})
		}
		apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError,
			"enqueue request failed validation", map[string]interface{}{
				"issues": issues,
			})
		return
	}
	apperrors.WriteError(w, http.StatusBadRequest, apperrors.CodeValidationError, err.Error(), nil)
}
