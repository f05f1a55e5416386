package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

// MonitorConfig tunes the liveness monitor. Zero values fall back to
// defaults.
type MonitorConfig struct {
	// SweepInterval is how often RUNNING and DISPATCHING jobs are scanned.
	// Default 10s.
	SweepInterval time.Duration

	// HeartbeatTimeout is the global staleness threshold for RUNNING jobs
	// without a per-job timeout_sec. Default 60s.
	HeartbeatTimeout time.Duration

	// ReclaimAfter is how long a job may sit in DISPATCHING before it is
	// re-offered (crash recovery). Default 2m.
	ReclaimAfter time.Duration

	// MaxAttempts caps reclaims; see dispatch.Config. Default 3.
	MaxAttempts int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.ReclaimAfter <= 0 {
		c.ReclaimAfter = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Monitor is the background sweep guarding against executors that hang or
// crash without ever reporting a terminal state.
type Monitor struct {
	store *jobstore.Store
	fatal *FatalStop
	log   *zap.Logger
	cfg   MonitorConfig
}

// NewMonitor builds a liveness monitor over the given store.
func NewMonitor(store *jobstore.Store, fatal *FatalStop, log *zap.Logger, cfg MonitorConfig) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		store: store,
		fatal: fatal,
		log:   log,
		cfg:   cfg.withDefaults(),
	}
}

// Run sweeps on a ticker until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.log.Info("liveness monitor started",
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.Duration("heartbeat_timeout", m.cfg.HeartbeatTimeout))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.SweepOnce(ctx, time.Now().UTC()); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.fatal.Trip(fmt.Sprintf("liveness sweep failed: %v", err))
				m.log.Error("job store unusable, tripping fatal stop", zap.Error(err))
			}
		}
	}
}

// SweepOnce performs one pass: stale RUNNING jobs become TIMEOUT, and jobs
// abandoned in DISPATCHING are re-offered or failed.
func (m *Monitor) SweepOnce(ctx context.Context, now time.Time) error {
	stale, err := m.store.StaleRunning(ctx, now, m.cfg.HeartbeatTimeout)
	if err != nil {
		return err
	}

	for _, rec := range stale {
		err := m.store.TransitionState(ctx, rec.JobID, jobstore.StateRunning, jobstore.StateTimeout, jobstore.TransitionFields{
			FinishTS: &now,
			Error:    &jobstore.JobError{Code: "E_TIMEOUT", Message: "heartbeat lost"},
		})
		if errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrNotFound) {
			// The job resolved between scan and write; nothing to do.
			continue
		}
		if err != nil {
			return err
		}
		m.log.Warn("job timed out",
			zap.String("job_id", rec.JobID),
			zap.String("method", rec.Method),
			zap.Timep("heartbeat_ts", rec.HeartbeatTS))
	}

	result, err := m.store.ReclaimDispatching(ctx, now.Add(-m.cfg.ReclaimAfter), m.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if len(result.Requeued) > 0 {
		m.log.Info("requeued stale dispatching jobs", zap.Strings("job_ids", result.Requeued))
	}
	if len(result.Failed) > 0 {
		m.log.Warn("failed jobs over attempt cap", zap.Strings("job_ids", result.Failed))
	}

	return nil
}
