// Package dispatch pumps durable jobs from the store through the single
// non-reentrant execution lane and owns the job state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobindex"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

// ErrFatalStop rejects work while the fatal latch is active.
var ErrFatalStop = errors.New("dispatch halted: fatal stop is active")

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	// PollInterval bounds how long the pump sleeps when the queue is empty
	// and no submission wakes it. Default 500ms.
	PollInterval time.Duration

	// ThrottleWindow is the minimum interval between persisted heartbeats
	// per job. Default 2s.
	ThrottleWindow time.Duration

	// MaxAttempts caps how often a job may be claimed before the reclaim
	// sweep fails it. Default 3. Only reached via crash recovery; completed
	// attempts are never retried automatically.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ThrottleWindow <= 0 {
		c.ThrottleWindow = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Dispatcher is the single-lane pump. Exactly one Run loop claims jobs; any
// number of goroutines may call Submit, Heartbeat, and Cancel concurrently.
type Dispatcher struct {
	store    *jobstore.Store
	index    *jobindex.Index
	resolver *jobindex.Resolver
	exec     Executor
	fatal    *FatalStop
	throttle *HeartbeatThrottle
	log      *zap.Logger
	cfg      Config

	wake chan struct{}
}

// New builds a dispatcher over the given store and executor.
func New(store *jobstore.Store, exec Executor, fatal *FatalStop, log *zap.Logger, cfg Config) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	index := jobindex.New()

	return &Dispatcher{
		store:    store,
		index:    index,
		resolver: jobindex.NewResolver(index, store),
		exec:     exec,
		fatal:    fatal,
		throttle: NewHeartbeatThrottle(cfg.ThrottleWindow),
		log:      log,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// Index exposes the rpc_id index for read-only inspection.
func (d *Dispatcher) Index() *jobindex.Index {
	return d.index
}

// Submit records a new job and wakes the pump. Submission is idempotent on
// rpcID: a duplicate returns the live job's id with existed=true.
func (d *Dispatcher) Submit(ctx context.Context, method string, params []byte, opts jobstore.EnqueueOptions) (string, bool, error) {
	if d.fatal.IsActive() {
		return "", false, fmt.Errorf("%w: %s", ErrFatalStop, d.fatal.Reason())
	}

	// Fast path: a live binding short-circuits the store round trip.
	if opts.RPCID != "" {
		if jobID, ok := d.index.TryGet(opts.RPCID); ok {
			return jobID, true, nil
		}
	}

	jobID, existed, err := d.store.Enqueue(ctx, method, params, opts)
	if err != nil {
		return "", false, err
	}
	if !existed {
		d.index.Set(opts.RPCID, jobID)
		d.log.Debug("job enqueued",
			zap.String("job_id", jobID),
			zap.String("method", method),
			zap.String("rpc_id", opts.RPCID))
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return jobID, existed, nil
}

// Heartbeat records liveness for a job identified by jobID or, when that is
// empty, by rpcID (index first, store fallback). The persisted write is
// throttled; a suppressed write still succeeds. Returns the resolved job id.
func (d *Dispatcher) Heartbeat(ctx context.Context, jobID, rpcID string) (string, error) {
	if jobID == "" {
		if rpcID == "" {
			return "", jobstore.ErrNotFound
		}
		resolved, err := d.resolver.Resolve(ctx, rpcID)
		if err != nil {
			return "", err
		}
		jobID = resolved
	}

	if !d.throttle.Allow(jobID) {
		return jobID, nil
	}
	if err := d.store.Heartbeat(ctx, jobID); err != nil {
		return jobID, err
	}
	return jobID, nil
}

// Cancel moves an ENQUEUED job to CANCELLED. Running jobs cannot be
// cancelled here; interrupting the host executor is its own concern.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	rec, err := d.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = d.store.TransitionState(ctx, jobID, jobstore.StateEnqueued, jobstore.StateCancelled, jobstore.TransitionFields{
		FinishTS: &now,
	})
	if err != nil {
		return err
	}

	d.index.Forget(rec.RPCID)
	d.log.Info("job cancelled", zap.String("job_id", jobID))
	return nil
}

// Run drives the pump until ctx is done. Jobs are claimed and executed one
// at a time; per-job failures become terminal states, never loop exits.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatch loop started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("max_attempts", d.cfg.MaxAttempts))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.fatal.IsActive() {
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		rec, err := d.store.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.fatal.Trip(fmt.Sprintf("claim failed: %v", err))
			d.log.Error("job store unusable, tripping fatal stop", zap.Error(err))
			continue
		}
		if rec == nil {
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		d.runOne(ctx, rec)
	}
}

// sleep waits for a wake-up or the poll interval. Returns false when ctx
// ended.
func (d *Dispatcher) sleep(ctx context.Context) bool {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.wake:
		return true
	case <-timer.C:
		return true
	}
}

// runOne executes a claimed job end to end. All panics and executor errors
// are converted to terminal transitions at this boundary.
//
// The DISPATCHING to RUNNING transition happens inside the executor's
// started callback, not up front: a job the executor has not started
// (e.g. parked on the remote lane with no worker polling) stays
// DISPATCHING, where the reclaim sweep can re-offer it after a crash.
func (d *Dispatcher) runOne(ctx context.Context, rec *jobstore.Record) {
	log := d.log.With(zap.String("job_id", rec.JobID), zap.String("method", rec.Method))

	var startMu sync.Mutex
	started := false
	confirmStart := func() error {
		startMu.Lock()
		defer startMu.Unlock()
		if started {
			return nil
		}
		now := time.Now().UTC()
		err := d.store.TransitionState(ctx, rec.JobID, jobstore.StateDispatching, jobstore.StateRunning, jobstore.TransitionFields{
			HeartbeatTS: &now,
		})
		if err != nil {
			return err
		}
		started = true
		log.Info("job running", zap.Int("attempt", rec.Attempt))
		return nil
	}

	begin := time.Now().UTC()
	result, execErr := d.executeSafely(ctx, rec, confirmStart, log)

	startMu.Lock()
	confirmed := started
	startMu.Unlock()

	if !confirmed {
		if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
			// Never handed to a worker; the claim stays DISPATCHING and
			// the reclaim sweep re-offers it.
			log.Info("claim released before start")
			d.throttle.Forget(rec.JobID)
			return
		}
		// An outcome arrived without a pickup; record the start so the
		// terminal transition stays RUNNING-based.
		if err := confirmStart(); err != nil {
			log.Warn("could not confirm running state", zap.Error(err))
			d.throttle.Forget(rec.JobID)
			return
		}
	}

	finish := time.Now().UTC()
	var err error
	if execErr != nil {
		jobErr := &jobstore.JobError{Code: "E_EXEC", Message: execErr.Error()}
		var coded *ExecError
		if errors.As(execErr, &coded) {
			jobErr.Code = coded.Code
			jobErr.Message = coded.Message
		}
		err = d.store.TransitionState(ctx, rec.JobID, jobstore.StateRunning, jobstore.StateError, jobstore.TransitionFields{
			FinishTS: &finish,
			Error:    jobErr,
		})
		log.Warn("job failed", zap.String("error_code", jobErr.Code), zap.String("error_msg", jobErr.Message))
	} else {
		err = d.store.TransitionState(ctx, rec.JobID, jobstore.StateRunning, jobstore.StateDone, jobstore.TransitionFields{
			FinishTS: &finish,
			Result:   result,
		})
		log.Info("job done", zap.Duration("elapsed", finish.Sub(begin)))
	}

	switch {
	case err == nil:
	case errors.Is(err, jobstore.ErrConflict):
		// The liveness monitor beat us to a terminal state (e.g. TIMEOUT).
		log.Warn("terminal write lost the race", zap.Error(err))
	default:
		d.fatal.Trip(fmt.Sprintf("terminal write failed for job %s: %v", rec.JobID, err))
		log.Error("job store unusable, tripping fatal stop", zap.Error(err))
	}

	d.index.Forget(rec.RPCID)
	d.throttle.Forget(rec.JobID)
}

// executeSafely invokes the executor with panic containment.
func (d *Dispatcher) executeSafely(ctx context.Context, rec *jobstore.Record, started func() error, log *zap.Logger) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panicked", zap.Any("panic", r))
			err = &ExecError{Code: "E_PANIC", Message: fmt.Sprintf("executor panicked: %v", r)}
		}
	}()

	progress := func() {
		if _, hbErr := d.Heartbeat(ctx, rec.JobID, ""); hbErr != nil {
			log.Debug("heartbeat dropped", zap.Error(hbErr))
		}
	}

	return d.exec.Execute(ctx, Job{JobID: rec.JobID, Method: rec.Method, Params: rec.Params}, started, progress)
}
