package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

// ErrNoPending indicates a result arrived for a job the remote lane is not
// waiting on (already resolved, timed out, or never handed off).
var ErrNoPending = errors.New("no pending remote job")

type remoteOutcome struct {
	result []byte
	err    error
}

type pendingJob struct {
	job   Job
	start func() error
	done  chan remoteOutcome
}

// RemoteExecutor bridges the dispatch lane to an out-of-process worker (the
// desktop add-in) over long polling. Execute parks the claimed job until
// the worker fetches it via NextRequest and later reports via Resolve; the
// liveness monitor covers workers that pick up work and vanish.
//
// A parked job is not running: start is confirmed only at pickup, so a
// claim held while no worker polls stays re-offerable.
type RemoteExecutor struct {
	handoff chan *pendingJob

	mu       sync.Mutex
	inflight map[string]*pendingJob
}

// NewRemoteExecutor returns a remote execution lane with no work pending.
func NewRemoteExecutor() *RemoteExecutor {
	return &RemoteExecutor{
		handoff:  make(chan *pendingJob),
		inflight: make(map[string]*pendingJob),
	}
}

// Execute implements Executor. It blocks until the worker resolves the job
// or ctx ends. started is deferred to NextRequest; while nobody polls the
// job is parked, unstarted.
func (r *RemoteExecutor) Execute(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
	p := &pendingJob{job: job, start: started, done: make(chan remoteOutcome, 1)}

	// Register before the handoff so a worker that posts its result
	// immediately after pickup can already be matched.
	r.mu.Lock()
	r.inflight[job.JobID] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, job.JobID)
		r.mu.Unlock()
	}()

	select {
	case r.handoff <- p:
	case out := <-p.done:
		// Resolved before any worker picked it up (a worker that learned
		// the job id out of band).
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextRequest hands the currently parked job to the worker, waiting up to
// wait for one to arrive. Pickup confirms the job's start; a job whose
// start can no longer be confirmed (requeued or resolved meanwhile) is
// skipped and the worker sees no work. Returns nil when the window elapses
// empty.
func (r *RemoteExecutor) NextRequest(ctx context.Context, wait time.Duration) (*Job, error) {
	if wait <= 0 {
		select {
		case p := <-r.handoff:
			return r.pickup(p)
		default:
			return nil, nil
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p := <-r.handoff:
		return r.pickup(p)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pickup confirms the start of a parked job and releases it to the worker.
func (r *RemoteExecutor) pickup(p *pendingJob) (*Job, error) {
	if err := p.start(); err != nil {
		// The claim was taken away while parked; unblock the dispatch
		// lane and offer the worker nothing.
		p.done <- remoteOutcome{err: err}
		return nil, nil
	}
	job := p.job
	return &job, nil
}

// Resolve completes a handed-off job with either a result or a structured
// error reported by the worker.
func (r *RemoteExecutor) Resolve(jobID string, result []byte, jobErr *jobstore.JobError) error {
	r.mu.Lock()
	p, ok := r.inflight[jobID]
	r.mu.Unlock()
	if !ok {
		return ErrNoPending
	}

	out := remoteOutcome{result: result}
	if jobErr != nil {
		out.err = &ExecError{Code: jobErr.Code, Message: jobErr.Message}
	}

	select {
	case p.done <- out:
		return nil
	default:
		return ErrNoPending
	}
}
