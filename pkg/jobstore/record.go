package jobstore

import (
	"errors"
	"time"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateEnqueued means the job is durably recorded and waiting for dispatch.
	StateEnqueued State = "ENQUEUED"
	// StateDispatching means the job has been claimed but the executor has not
	// yet confirmed it started. Short-lived; recoverable after a crash.
	StateDispatching State = "DISPATCHING"
	// StateRunning means the executor confirmed the job started and is
	// expected to heartbeat until it reports a terminal outcome.
	StateRunning State = "RUNNING"
	// StateDone means the job finished successfully and carries a result.
	StateDone State = "DONE"
	// StateError means the executor reported a failure.
	StateError State = "ERROR"
	// StateTimeout means the liveness monitor gave up on a stale heartbeat.
	StateTimeout State = "TIMEOUT"
	// StateCancelled means the job was cancelled before dispatch.
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further state transitions are permitted.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateError, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateEnqueued, StateDispatching, StateRunning,
		StateDone, StateError, StateTimeout, StateCancelled:
		return true
	}
	return false
}

var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrConflict indicates a compare-and-set transition observed a state
	// other than the expected one.
	ErrConflict = errors.New("job state conflict")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("job store is closed")
)

// JobError is the structured error recorded on ERROR and TIMEOUT jobs.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record is one durable job row.
//
// Params and Result are opaque to the queue; only the executor collaborator
// interprets them.
type Record struct {
	JobID      string `json:"job_id"`
	RPCID      string `json:"rpc_id,omitempty"`
	Method     string `json:"method"`
	Params     []byte `json:"params,omitempty"`
	State      State  `json:"state"`
	Priority   int    `json:"priority"`
	Attempt    int    `json:"attempt"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`

	EnqueueTS   time.Time  `json:"enqueue_ts"`
	StartTS     *time.Time `json:"start_ts,omitempty"`
	HeartbeatTS *time.Time `json:"heartbeat_ts,omitempty"`
	FinishTS    *time.Time `json:"finish_ts,omitempty"`

	Result []byte    `json:"result,omitempty"`
	Error  *JobError `json:"error,omitempty"`
}

// LastChange returns the most recent timestamp recorded on the job. Used to
// derive weak ETags for the polling surface.
func (r *Record) LastChange() time.Time {
	ts := r.EnqueueTS
	for _, t := range []*time.Time{r.StartTS, r.HeartbeatTS, r.FinishTS} {
		if t != nil && t.After(ts) {
			ts = *t
		}
	}
	return ts
}
