package jobstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Counts is a point-in-time snapshot of jobs per state.
type Counts struct {
	Enqueued    int64 `json:"enqueued"`
	Dispatching int64 `json:"dispatching"`
	Running     int64 `json:"running"`
	Done        int64 `json:"done"`
	Error       int64 `json:"error"`
	Timeout     int64 `json:"timeout"`
	Cancelled   int64 `json:"cancelled"`
	Total       int64 `json:"total"`
}

// CountByState aggregates jobs per state in one pass. Computed on demand
// from the jobs table so the snapshot cannot drift from the store.
func (s *Store) CountByState(ctx context.Context) (*Counts, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) as total,
			COALESCE(SUM(CASE WHEN state = 'ENQUEUED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'DISPATCHING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'DONE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'ERROR' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'TIMEOUT' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'CANCELLED' THEN 1 ELSE 0 END), 0)
		 FROM jobs`).Scan(
		&c.Total, &c.Enqueued, &c.Dispatching, &c.Running,
		&c.Done, &c.Error, &c.Timeout, &c.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	return &c, nil
}

// CompletedSince counts jobs that reached a terminal state after the cutoff.
// With a one-minute window this is the completions-per-minute throughput.
func (s *Store) CompletedSince(ctx context.Context, cutoff time.Time) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs
		 WHERE finish_ts IS NOT NULL AND finish_ts >= ?
		 AND state IN ('DONE', 'ERROR', 'TIMEOUT', 'CANCELLED')`,
		cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed jobs: %w", err)
	}
	return n, nil
}

// GCParams specifies parameters for pruning terminal jobs.
type GCParams struct {
	// MaxAge removes terminal jobs that finished more than this long ago.
	// Zero means no age-based cleanup.
	MaxAge time.Duration

	// KeepLast keeps at least this many terminal jobs regardless of age.
	// Zero means no minimum.
	KeepLast int

	// DryRun if true, reports what would be deleted without deleting.
	DryRun bool
}

// GCResult contains the results of a prune run.
type GCResult struct {
	// JobsRemoved is the count of job rows deleted.
	JobsRemoved int

	// Candidates lists jobs that would be/were removed, oldest first.
	// Callers may archive these before the rows disappear.
	Candidates []Record
}

// GarbageCollect removes old terminal jobs. Non-terminal jobs are never
// touched; the engine core never deletes live state.
//
// KeepLast takes precedence: even if a job finished before the MaxAge
// cutoff, it is retained while within the KeepLast newest terminal jobs.
func (s *Store) GarbageCollect(ctx context.Context, params GCParams) (*GCResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	result := &GCResult{}
	if params.MaxAge <= 0 && params.KeepLast <= 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM jobs
		 WHERE state IN ('DONE', 'ERROR', 'TIMEOUT', 'CANCELLED')
		 ORDER BY finish_ts DESC`)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}

	var terminal []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		terminal = append(terminal, *rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	_ = rows.Close()

	// Newest-first ordering means the first KeepLast entries are protected.
	toCheck := terminal
	if params.KeepLast > 0 {
		if len(terminal) <= params.KeepLast {
			return result, nil
		}
		toCheck = terminal[params.KeepLast:]
	}

	cutoff := time.Time{}
	if params.MaxAge > 0 {
		cutoff = time.Now().UTC().Add(-params.MaxAge)
	}

	for _, rec := range toCheck {
		if params.MaxAge > 0 {
			if rec.FinishTS == nil || rec.FinishTS.After(cutoff) {
				continue
			}
		}
		result.Candidates = append(result.Candidates, rec)
	}

	// Oldest first, so archival batches read chronologically.
	for i, j := 0, len(result.Candidates)-1; i < j; i, j = i+1, j-1 {
		result.Candidates[i], result.Candidates[j] = result.Candidates[j], result.Candidates[i]
	}

	result.JobsRemoved = len(result.Candidates)

	if !params.DryRun {
		for _, rec := range result.Candidates {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, rec.JobID); err != nil {
				return result, fmt.Errorf("delete job %s: %w", rec.JobID, err)
			}
		}
	}

	return result, nil
}

// DeleteTerminal removes exactly the given jobs, skipping any that are no
// longer terminal or no longer present. Callers that archive records first
// use this to delete precisely the set they archived. Returns the number of
// rows deleted.
func (s *Store) DeleteTerminal(ctx context.Context, jobIDs []string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(jobIDs) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(jobIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE job_id IN (`+placeholders+`)
		 AND state IN ('DONE', 'ERROR', 'TIMEOUT', 'CANCELLED')`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return int(n), nil
}
