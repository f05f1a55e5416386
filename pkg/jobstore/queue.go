package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnqueueOptions carries the optional fields of a submission.
type EnqueueOptions struct {
	// RPCID is the client-supplied correlation id. When present, a live
	// (non-terminal) job already bound to it short-circuits the insert.
	RPCID string

	// Priority orders claiming; higher claims first, FIFO within a band.
	Priority int

	// TimeoutSec overrides the global heartbeat timeout for this job when > 0.
	TimeoutSec int
}

// Enqueue records a new job in ENQUEUED state and returns its id.
//
// Submission is idempotent on RPCID: if a non-terminal job already carries
// the same correlation id, its job_id is returned with existed=true and no
// new row is created.
func (s *Store) Enqueue(ctx context.Context, method string, params []byte, opts EnqueueOptions) (string, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(method) == "" {
		return "", false, fmt.Errorf("enqueue: method is required")
	}

	if opts.RPCID != "" {
		existing, err := s.FindRunningByRPCID(ctx, opts.RPCID)
		if err == nil {
			return existing, true, nil
		}
		if err != ErrNotFound {
			return "", false, err
		}
	}

	jobID := uuid.New().String()
	now := time.Now().UTC()

	var rpcID sql.NullString
	if opts.RPCID != "" {
		rpcID = sql.NullString{String: opts.RPCID, Valid: true}
	}
	var paramsJSON sql.NullString
	if len(params) > 0 {
		paramsJSON = sql.NullString{String: string(params), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs
		 (job_id, rpc_id, method, params_json, state, priority, attempts, timeout_sec, enqueue_ts)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		jobID, rpcID, method, paramsJSON, string(StateEnqueued),
		opts.Priority, opts.TimeoutSec, now)
	if err != nil {
		// The live-rpc_id unique index catches concurrent submissions that
		// both passed the read above; the earlier insert wins.
		if opts.RPCID != "" && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, findErr := s.FindRunningByRPCID(ctx, opts.RPCID)
			if findErr == nil {
				return existing, true, nil
			}
		}
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}

	return jobID, false, nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx, selectColumns+` FROM jobs WHERE job_id = ?`, jobID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return rec, nil
}

// GetByPrefix retrieves a job by a unique id prefix. Used by the CLI so
// operators do not have to paste full UUIDs.
func (s *Store) GetByPrefix(ctx context.Context, prefix string) (*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM jobs WHERE job_id LIKE ? LIMIT 2`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("get job by prefix: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get job by prefix: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("job id prefix %q is ambiguous", prefix)
	}
}

// List returns jobs in the given state ordered by enqueue_ts ascending,
// capped at limit. A zero limit applies the default of 50.
func (s *Store) List(ctx context.Context, state State, limit int) ([]Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM jobs WHERE state = ? ORDER BY enqueue_ts ASC LIMIT ?`,
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Heartbeat stamps heartbeat_ts to now for a RUNNING job.
//
// A heartbeat for a job that is not RUNNING is a silent no-op: a trailing
// heartbeat racing a finishing job is expected, not an error. heartbeat_ts
// never regresses.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_ts = ?
		 WHERE job_id = ? AND state = ?
		 AND (heartbeat_ts IS NULL OR heartbeat_ts < ?)`,
		now, jobID, string(StateRunning), now)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish "unknown job" from "known but not RUNNING".
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return nil
}

// TransitionFields are the columns written alongside a state transition.
// Nil pointers leave the column untouched.
type TransitionFields struct {
	StartTS     *time.Time
	HeartbeatTS *time.Time
	FinishTS    *time.Time
	Result      []byte
	Error       *JobError

	// IncrementAttempt bumps the attempts counter; set on claim.
	IncrementAttempt bool
}

// TransitionState atomically moves a job from one state to another.
//
// The write is a compare-and-set on the current state: if the row is no
// longer in from, ErrConflict is returned and nothing is written. This is
// what prevents double-dispatch and double-completion under races.
func (s *Store) TransitionState(ctx context.Context, jobID string, from, to State, fields TransitionFields) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !to.Valid() {
		return fmt.Errorf("transition: invalid target state %q", to)
	}
	if from.Terminal() {
		return fmt.Errorf("transition: %q is terminal", from)
	}

	set := []string{"state = ?"}
	args := []any{string(to)}

	if fields.StartTS != nil {
		set = append(set, "start_ts = ?")
		args = append(args, fields.StartTS.UTC())
	}
	if fields.HeartbeatTS != nil {
		set = append(set, "heartbeat_ts = ?")
		args = append(args, fields.HeartbeatTS.UTC())
	}
	if fields.FinishTS != nil {
		set = append(set, "finish_ts = ?")
		args = append(args, fields.FinishTS.UTC())
	}
	if fields.Result != nil {
		set = append(set, "result_json = ?")
		args = append(args, string(fields.Result))
	}
	if fields.Error != nil {
		set = append(set, "error_code = ?", "error_msg = ?")
		args = append(args, fields.Error.Code, fields.Error.Message)
	}
	if fields.IncrementAttempt {
		set = append(set, "attempts = attempts + 1")
	}

	args = append(args, jobID, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE job_id = ? AND state = ?`,
		args...)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	return ErrConflict
}

// Claim atomically moves the next eligible ENQUEUED job to DISPATCHING and
// returns it, incrementing its attempt counter. Returns (nil, nil) when the
// queue is empty. Claim order is priority descending, then enqueue_ts
// ascending (FIFO within a priority band).
func (s *Store) Claim(ctx context.Context) (*Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		row := s.db.QueryRowContext(ctx,
			selectColumns+` FROM jobs WHERE state = ?
			 ORDER BY priority DESC, enqueue_ts ASC LIMIT 1`,
			string(StateEnqueued))
		rec, err := scanRecord(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}

		now := time.Now().UTC()
		err = s.TransitionState(ctx, rec.JobID, StateEnqueued, StateDispatching, TransitionFields{
			StartTS:          &now,
			IncrementAttempt: true,
		})
		if err == ErrConflict || err == ErrNotFound {
			// Another claimer won the race; look for the next candidate.
			continue
		}
		if err != nil {
			return nil, err
		}

		rec.State = StateDispatching
		rec.StartTS = &now
		rec.Attempt++
		return rec, nil
	}
}

// FindRunningByRPCID resolves a correlation id to the job id of its live
// (non-terminal) job. Fallback path for when the in-memory index has no
// entry, e.g. after a restart.
func (s *Store) FindRunningByRPCID(ctx context.Context, rpcID string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(rpcID) == "" {
		return "", ErrNotFound
	}

	var jobID string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id FROM jobs
		 WHERE rpc_id = ? AND state IN (?, ?, ?)
		 ORDER BY enqueue_ts DESC LIMIT 1`,
		rpcID, string(StateRunning), string(StateDispatching), string(StateEnqueued)).Scan(&jobID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find job by rpc_id: %w", err)
	}
	return jobID, nil
}

// ReclaimResult reports the outcome of a stale-DISPATCHING sweep.
type ReclaimResult struct {
	Requeued []string
	Failed   []string
}

// ReclaimDispatching requeues jobs stuck in DISPATCHING since before the
// cutoff. A crash between claim and run-confirmation leaves such rows
// behind; no side effect has been confirmed yet, so re-offering is safe.
// Jobs already at maxAttempts are failed instead of looping forever.
func (s *Store) ReclaimDispatching(ctx context.Context, cutoff time.Time, maxAttempts int) (*ReclaimResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, attempts FROM jobs
		 WHERE state = ? AND start_ts < ?
		 ORDER BY enqueue_ts ASC`,
		string(StateDispatching), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("scan stale dispatching: %w", err)
	}

	type stale struct {
		jobID    string
		attempts int
	}
	var candidates []stale
	for rows.Next() {
		var c stale
		if err := rows.Scan(&c.jobID, &c.attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stale dispatching: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("scan stale dispatching: %w", err)
	}
	_ = rows.Close()

	result := &ReclaimResult{}
	now := time.Now().UTC()
	for _, c := range candidates {
		if maxAttempts > 0 && c.attempts >= maxAttempts {
			err := s.TransitionState(ctx, c.jobID, StateDispatching, StateError, TransitionFields{
				FinishTS: &now,
				Error:    &JobError{Code: "E_MAX_ATTEMPTS", Message: fmt.Sprintf("gave up after %d attempts", c.attempts)},
			})
			if err != nil && err != ErrConflict {
				return result, err
			}
			if err == nil {
				result.Failed = append(result.Failed, c.jobID)
			}
			continue
		}

		_, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = ?, start_ts = NULL, heartbeat_ts = NULL
			 WHERE job_id = ? AND state = ?`,
			string(StateEnqueued), c.jobID, string(StateDispatching))
		if err != nil {
			return result, fmt.Errorf("requeue job %s: %w", c.jobID, err)
		}
		result.Requeued = append(result.Requeued, c.jobID)
	}

	return result, nil
}

// StaleRunning returns RUNNING jobs whose last heartbeat (or start, if none
// was ever recorded) is older than the job's effective timeout.
func (s *Store) StaleRunning(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM jobs WHERE state = ?`, string(StateRunning))
	if err != nil {
		return nil, fmt.Errorf("scan running jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stale []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		timeout := defaultTimeout
		if rec.TimeoutSec > 0 {
			timeout = time.Duration(rec.TimeoutSec) * time.Second
		}

		last := rec.StartTS
		if rec.HeartbeatTS != nil {
			last = rec.HeartbeatTS
		}
		if last == nil {
			// RUNNING without timestamps should not happen; treat as stale.
			stale = append(stale, *rec)
			continue
		}
		if now.Sub(*last) > timeout {
			stale = append(stale, *rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan running jobs: %w", err)
	}
	return stale, nil
}

const selectColumns = `SELECT job_id, rpc_id, method, params_json, state, priority,
	attempts, timeout_sec, enqueue_ts, start_ts, heartbeat_ts, finish_ts,
	result_json, error_code, error_msg`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		rpcID       sql.NullString
		paramsJSON  sql.NullString
		state       string
		startTS     sql.NullTime
		heartbeatTS sql.NullTime
		finishTS    sql.NullTime
		resultJSON  sql.NullString
		errorCode   sql.NullString
		errorMsg    sql.NullString
	)

	err := row.Scan(
		&rec.JobID, &rpcID, &rec.Method, &paramsJSON, &state, &rec.Priority,
		&rec.Attempt, &rec.TimeoutSec, &rec.EnqueueTS, &startTS, &heartbeatTS,
		&finishTS, &resultJSON, &errorCode, &errorMsg)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	if rpcID.Valid {
		rec.RPCID = rpcID.String
	}
	if paramsJSON.Valid {
		rec.Params = []byte(paramsJSON.String)
	}
	if startTS.Valid {
		t := startTS.Time
		rec.StartTS = &t
	}
	if heartbeatTS.Valid {
		t := heartbeatTS.Time
		rec.HeartbeatTS = &t
	}
	if finishTS.Valid {
		t := finishTS.Time
		rec.FinishTS = &t
	}
	if resultJSON.Valid {
		rec.Result = []byte(resultJSON.String)
	}
	if errorCode.Valid || errorMsg.Valid {
		rec.Error = &JobError{Code: errorCode.String, Message: errorMsg.String}
	}

	return &rec, nil
}
