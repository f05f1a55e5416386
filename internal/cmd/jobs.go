package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okuno-dsi/revit-mcp-bridge/internal/observability"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/archive"
	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and maintain the job queue",
	Long: `Inspect and maintain the durable job queue.

This command group is designed to be script-friendly:

- stable job ids with prefix addressing
- optional JSON output for machine parsing
- read paths safe to run against a live daemon (WAL readers)`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job_id>",
	Short: "Show one job by id or id prefix",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-state job counts",
	RunE:  runJobsStats,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal jobs",
	Long: `Remove old terminal job records based on retention policies.

The cleanup strategy:
1. If --max-age is specified: remove terminal jobs finished before this age
2. If --keep-last is specified: keep at least the N most recent terminal jobs

--keep-last takes precedence: a job older than --max-age survives if it
is within the --keep-last threshold. Live jobs are never touched.

With --archive, pruned records are written to the configured S3 bucket
as JSONL before deletion.

Examples:
  # Preview what would be deleted (dry run)
  revit-bridge jobs gc --max-age 7d --dry-run

  # Delete terminal jobs older than 7 days, keeping the last 100
  revit-bridge jobs gc --max-age 7d --keep-last 100

  # Archive to S3, then delete
  revit-bridge jobs gc --max-age 30d --archive`,
	RunE: runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsLsCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsCmd.PersistentFlags().String("db", "", "SQLite database path (overrides config)")
	jobsLsCmd.Flags().String("state", "ENQUEUED", "Filter by state")
	jobsLsCmd.Flags().String("method", "", "Filter by method glob (e.g. 'wall.*')")
	jobsLsCmd.Flags().Int("limit", 50, "Maximum rows")
	jobsLsCmd.Flags().Bool("json", false, "Output as JSON")
	jobsShowCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatsCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "", "Remove terminal jobs finished longer ago than this (e.g. 7d, 168h)")
	jobsGCCmd.Flags().Int("keep-last", 0, "Keep at least the N most recent terminal jobs")
	jobsGCCmd.Flags().Bool("dry-run", false, "Preview what would be deleted without deleting")
	jobsGCCmd.Flags().Bool("archive", false, "Archive pruned records to S3 before deletion")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

// openJobStore opens the configured queue database for CLI use.
func openJobStore(cmd *cobra.Command) (*jobstore.Store, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		cfg, err := loadConfig(cmd.Context(), nil)
		if err != nil {
			return nil, err
		}
		dbPath = cfg.Queue.DBPath
	}

	store, err := jobstore.Open(cmd.Context(), jobstore.Config{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("open job store %s: %w", dbPath, err)
	}
	return store, nil
}

func runJobsLs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	stateStr, _ := cmd.Flags().GetString("state")
	methodGlob, _ := cmd.Flags().GetString("method")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	state := jobstore.State(strings.ToUpper(strings.TrimSpace(stateStr)))
	if !state.Valid() {
		return exitError(foundry.ExitInvalidArgument, "Invalid --state value",
			fmt.Errorf("unknown state: %s", stateStr))
	}
	if methodGlob != "" {
		if !doublestar.ValidatePattern(methodGlob) {
			return exitError(foundry.ExitInvalidArgument, "Invalid --method glob", fmt.Errorf("bad pattern: %s", methodGlob))
		}
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	jobs, err := store.List(ctx, state, limit)
	if err != nil {
		return err
	}

	if methodGlob != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if ok, _ := doublestar.Match(methodGlob, j.Method); ok {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tMETHOD\tSTATE\tPRIO\tATTEMPT\tENQUEUED\tFINISHED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			shortJobID(j.JobID),
			j.Method,
			j.State,
			j.Priority,
			j.Attempt,
			j.EnqueueTS.UTC().Format(time.RFC3339),
			formatOptionalTime(j.FinishTS),
		)
	}

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return exitError(foundry.ExitInvalidArgument, "job_id is required", nil)
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	rec, err := store.GetByPrefix(ctx, jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "method=%s\n", rec.Method)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	if rec.RPCID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "rpc_id=%s\n", rec.RPCID)
	}
	_, _ = fmt.Fprintf(os.Stdout, "priority=%d\n", rec.Priority)
	_, _ = fmt.Fprintf(os.Stdout, "attempt=%d\n", rec.Attempt)
	if rec.TimeoutSec > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "timeout_sec=%d\n", rec.TimeoutSec)
	}
	_, _ = fmt.Fprintf(os.Stdout, "enqueue_ts=%s\n", rec.EnqueueTS.UTC().Format(time.RFC3339))
	if rec.StartTS != nil {
		_, _ = fmt.Fprintf(os.Stdout, "start_ts=%s\n", rec.StartTS.UTC().Format(time.RFC3339))
	}
	if rec.HeartbeatTS != nil {
		_, _ = fmt.Fprintf(os.Stdout, "heartbeat_ts=%s\n", rec.HeartbeatTS.UTC().Format(time.RFC3339))
	}
	if rec.FinishTS != nil {
		_, _ = fmt.Fprintf(os.Stdout, "finish_ts=%s\n", rec.FinishTS.UTC().Format(time.RFC3339))
	}
	if len(rec.Params) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "params=%s\n", string(rec.Params))
	}
	if len(rec.Result) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "result=%s\n", string(rec.Result))
	}
	if rec.Error != nil {
		_, _ = fmt.Fprintf(os.Stdout, "error_code=%s\n", rec.Error.Code)
		_, _ = fmt.Fprintf(os.Stdout, "error_msg=%s\n", rec.Error.Message)
	}

	return nil
}

func runJobsStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := openJobStore(cmd)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	counts, err := store.CountByState(ctx)
	if err != nil {
		return err
	}
	lastHour, err := store.CompletedSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return err
	}

	if jsonOutput {
		out := map[string]any{
			"counts":              counts,
			"completed_last_hour": lastHour,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "STATE\tCOUNT")
	_, _ = fmt.Fprintf(w, "ENQUEUED\t%d\n", counts.Enqueued)
	_, _ = fmt.Fprintf(w, "DISPATCHING\t%d\n", counts.Dispatching)
	_, _ = fmt.Fprintf(w, "RUNNING\t%d\n", counts.Running)
	_, _ = fmt.Fprintf(w, "DONE\t%d\n", counts.Done)
	_, _ = fmt.Fprintf(w, "ERROR\t%d\n", counts.Error)
	_, _ = fmt.Fprintf(w, "TIMEOUT\t%d\n", counts.Timeout)
	_, _ = fmt.Fprintf(w, "CANCELLED\t%d\n", counts.Cancelled)
	_, _ = fmt.Fprintf(w, "\ncompleted last hour\t%d\n", lastHour)

	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	keepLast, _ := cmd.Flags().GetInt("keep-last")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	doArchive, _ := cmd.Flags().GetBool("archive")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if maxAgeStr == "" && keepLast == 0 {
		return exitError(foundry.ExitInvalidArgument, "Missing retention policy",
			fmt.Errorf("at least one of --max-age or --keep-last must be specified"))
	}

	var maxAge time.Duration
	if maxAgeStr != "" {
		var err error
		maxAge, err = parseDuration(maxAgeStr)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
		}
	}

	store, err := openJobStore(cmd)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Failed to open job store", err)
	}
	defer func() { _ = store.Close() }()

	// Candidates are computed exactly once; the delete below touches only
	// this set, so a job finishing mid-run is never pruned unarchived.
	result, err := store.GarbageCollect(ctx, jobstore.GCParams{MaxAge: maxAge, KeepLast: keepLast, DryRun: true})
	if err != nil {
		return fmt.Errorf("garbage collect: %w", err)
	}

	if !dryRun && len(result.Candidates) > 0 {
		if doArchive {
			// Upload before delete; a failed upload leaves the records in place.
			key, err := archiveCandidates(ctx, result.Candidates)
			if err != nil {
				return exitError(foundry.ExitExternalServiceUnavailable, "Archive upload failed", err)
			}
			_, _ = fmt.Fprintf(os.Stderr, "Archived %d record(s) to %s\n", len(result.Candidates), key)
		}

		ids := make([]string, len(result.Candidates))
		for i, rec := range result.Candidates {
			ids[i] = rec.JobID
		}
		removed, err := store.DeleteTerminal(ctx, ids)
		if err != nil {
			return fmt.Errorf("garbage collect: %w", err)
		}
		result.JobsRemoved = removed
	}

	if jsonOutput {
		return printGCResultJSON(result, dryRun)
	}
	return printGCResultTable(result, dryRun)
}

// archiveCandidates ships pruned records to the configured S3 bucket.
func archiveCandidates(ctx context.Context, records []jobstore.Record) (string, error) {
	cfg, err := loadConfig(ctx, nil)
	if err != nil {
		return "", err
	}
	if cfg.Archive.Bucket == "" {
		return "", fmt.Errorf("archive.bucket is not configured")
	}

	s3cfg := archive.S3Config{
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		Endpoint:        cfg.Archive.Endpoint,
		Profile:         cfg.Archive.Profile,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
		ForcePathStyle:  cfg.Archive.ForcePathStyle,
	}
	if err := s3cfg.Validate(); err != nil {
		return "", err
	}

	uploader, err := archive.NewS3Uploader(ctx, s3cfg)
	if err != nil {
		return "", err
	}
	archiver := archive.New(uploader, cfg.Archive.Prefix, observability.CLILogger)
	key, err := archiver.Archive(ctx, records)
	if err != nil {
		return "", err
	}
	observability.CLILogger.Info("archive uploaded",
		zap.String("key", key),
		zap.Int("records", len(records)))
	return key, nil
}

func printGCResultTable(result *jobstore.GCResult, dryRun bool) error {
	if len(result.Candidates) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No jobs to remove")
		return nil
	}

	action := "Removed"
	if dryRun {
		action = "Would remove"
		_, _ = fmt.Fprintln(os.Stderr, "DRY RUN - no changes made")
		_, _ = fmt.Fprintln(os.Stderr)
	}

	// Summary to stderr (status), table to stdout (data)
	_, _ = fmt.Fprintf(os.Stderr, "%s %d job(s)\n", action, result.JobsRemoved)
	_, _ = fmt.Fprintln(os.Stderr)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tMETHOD\tSTATE\tFINISHED")
	for _, c := range result.Candidates {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			shortJobID(c.JobID),
			c.Method,
			c.State,
			formatOptionalTime(c.FinishTS),
		)
	}
	_ = w.Flush()

	return nil
}

func printGCResultJSON(result *jobstore.GCResult, dryRun bool) error {
	type jsonCandidate struct {
		JobID    string `json:"job_id"`
		Method   string `json:"method"`
		State    string `json:"state"`
		FinishTS string `json:"finish_ts,omitempty"`
	}

	type jsonOutput struct {
		DryRun      bool            `json:"dry_run"`
		JobsRemoved int             `json:"jobs_removed"`
		Candidates  []jsonCandidate `json:"candidates"`
	}

	out := jsonOutput{
		DryRun:      dryRun,
		JobsRemoved: result.JobsRemoved,
		Candidates:  make([]jsonCandidate, len(result.Candidates)),
	}

	for i, c := range result.Candidates {
		finish := ""
		if c.FinishTS != nil {
			finish = c.FinishTS.UTC().Format(time.RFC3339)
		}
		out.Candidates[i] = jsonCandidate{
			JobID:    c.JobID,
			Method:   c.Method,
			State:    string(c.State),
			FinishTS: finish,
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// parseDuration parses a duration string that may include day suffix (e.g., "7d").
func parseDuration(s string) (time.Duration, error) {
	// Check for day suffix
	if len(s) > 0 && s[len(s)-1] == 'd' {
		// Parse days
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	// Fall back to standard duration parsing
	return time.ParseDuration(s)
}
