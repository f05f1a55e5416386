package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okuno-dsi/revit-mcp-bridge/pkg/jobstore"
)

func openTestStore(t *testing.T) *jobstore.Store {
	t.Helper()

	s, err := jobstore.Open(context.Background(), jobstore.Config{
		Path: filepath.Join(t.TempDir(), "queue.db"),
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitForState(t *testing.T, s *jobstore.Store, jobID string, want jobstore.State) *jobstore.Record {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := s.Get(context.Background(), jobID)
		require.NoError(t, err)
		if rec.State == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached state %s", jobID, want)
	return nil
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcherHappyPath(t *testing.T) {
	s := openTestStore(t)
	exec := ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		if err := started(); err != nil {
			return nil, err
		}
		progress()
		return []byte(`{"ok":true}`), nil
	})
	d := New(s, exec, NewFatalStop(), nil, Config{PollInterval: 10 * time.Millisecond})
	startDispatcher(t, d)

	jobID, existed, err := d.Submit(context.Background(), "noop", []byte(`{}`), jobstore.EnqueueOptions{})
	require.NoError(t, err)
	assert.False(t, existed)

	rec := waitForState(t, s, jobID, jobstore.StateDone)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))
	assert.NotNil(t, rec.StartTS)
	assert.NotNil(t, rec.FinishTS)
	assert.Equal(t, 1, rec.Attempt)
}

func TestDispatcherRecordsExecutorError(t *testing.T) {
	s := openTestStore(t)
	exec := ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		return nil, &ExecError{Code: "E_REVIT", Message: "element not found"}
	})
	d := New(s, exec, NewFatalStop(), nil, Config{PollInterval: 10 * time.Millisecond})
	startDispatcher(t, d)

	jobID, _, err := d.Submit(context.Background(), "wall.create", nil, jobstore.EnqueueOptions{})
	require.NoError(t, err)

	rec := waitForState(t, s, jobID, jobstore.StateError)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "E_REVIT", rec.Error.Code)
	assert.Equal(t, "element not found", rec.Error.Message)
}

func TestDispatcherContainsExecutorPanic(t *testing.T) {
	s := openTestStore(t)
	exec := ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		panic("host api exploded")
	})
	d := New(s, exec, NewFatalStop(), nil, Config{PollInterval: 10 * time.Millisecond})
	startDispatcher(t, d)

	jobID, _, err := d.Submit(context.Background(), "noop", nil, jobstore.EnqueueOptions{})
	require.NoError(t, err)

	rec := waitForState(t, s, jobID, jobstore.StateError)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "E_PANIC", rec.Error.Code)
	assert.Contains(t, rec.Error.Message, "host api exploded")

	// The loop survived: a second job still gets dispatched.
	second, _, err := d.Submit(context.Background(), "noop", nil, jobstore.EnqueueOptions{})
	require.NoError(t, err)
	waitForState(t, s, second, jobstore.StateError)
}

func TestDispatcherSerializesExecution(t *testing.T) {
	s := openTestStore(t)

	var inFlight, maxInFlight int
	mu := make(chan struct{}, 1)
	mu <- struct{}{}

	exec := ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		if err := started(); err != nil {
			return nil, err
		}

		<-mu
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu <- struct{}{}

		time.Sleep(20 * time.Millisecond)

		<-mu
		inFlight--
		mu <- struct{}{}
		return []byte(`{}`), nil
	})
	d := New(s, exec, NewFatalStop(), nil, Config{PollInterval: 10 * time.Millisecond})
	startDispatcher(t, d)

	var ids []string
	for i := 0; i < 4; i++ {
		id, _, err := d.Submit(context.Background(), "noop", nil, jobstore.EnqueueOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForState(t, s, id, jobstore.StateDone)
	}

	assert.Equal(t, 1, maxInFlight, "execution lane must be serialized")
}

func TestRemoteJobStaysDispatchingUntilPickup(t *testing.T) {
	s := openTestStore(t)
	remote := NewRemoteExecutor()
	d := New(s, remote, NewFatalStop(), nil, Config{PollInterval: 10 * time.Millisecond})
	startDispatcher(t, d)

	jobID, _, err := d.Submit(context.Background(), "wall.create", nil, jobstore.EnqueueOptions{})
	require.NoError(t, err)

	// With no worker polling the claim must stay DISPATCHING.
	waitForState(t, s, jobID, jobstore.StateDispatching)
	time.Sleep(150 * time.Millisecond)
	rec, err := s.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateDispatching, rec.State)
	assert.Nil(t, rec.HeartbeatTS)

	// Pickup by the worker is what marks the job RUNNING.
	job, err := remote.NextRequest(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.JobID)

	rec = waitForState(t, s, jobID, jobstore.StateRunning)
	assert.NotNil(t, rec.HeartbeatTS)

	require.NoError(t, remote.Resolve(jobID, []byte(`{}`), nil))
	waitForState(t, s, jobID, jobstore.StateDone)
}

func TestSubmitIdempotentOnRPCID(t *testing.T) {
	s := openTestStore(t)
	d := New(s, ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		return nil, nil
	}), NewFatalStop(), nil, Config{})

	first, existed, err := d.Submit(context.Background(), "noop", nil, jobstore.EnqueueOptions{RPCID: "rpc-1"})
	require.NoError(t, err)
	assert.False(t, existed)

	second, existed, err := d.Submit(context.Background(), "noop", nil, jobstore.EnqueueOptions{RPCID: "rpc-1"})
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first, second)
}

func TestSubmitRejectedWhileFatal(t *testing.T) {
	s := openTestStore(t)
	fatal := NewFatalStop()
	d := New(s, ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		return nil, nil
	}), fatal, nil, Config{})

	fatal.Trip("store is gone")

	_, _, err := d.Submit(context.Background(), "noop", nil, jobstore.EnqueueOptions{})
	assert.ErrorIs(t, err, ErrFatalStop)
}

func TestCancelEnqueuedOnly(t *testing.T) {
	s := openTestStore(t)
	d := New(s, ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		return nil, nil
	}), NewFatalStop(), nil, Config{})
	ctx := context.Background()

	jobID, _, err := d.Submit(ctx, "noop", nil, jobstore.EnqueueOptions{RPCID: "rpc-c"})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(ctx, jobID))
	rec, err := s.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateCancelled, rec.State)

	// The rpc_id is free again after cancellation.
	_, ok := d.Index().TryGet("rpc-c")
	assert.False(t, ok)

	// A claimed job can no longer be cancelled.
	running, _, err := d.Submit(ctx, "noop", nil, jobstore.EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := s.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, running, claimed.JobID)

	assert.ErrorIs(t, d.Cancel(ctx, running), jobstore.ErrConflict)
}

func TestHeartbeatThrottledPersistence(t *testing.T) {
	s := openTestStore(t)
	d := New(s, ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		return nil, nil
	}), NewFatalStop(), nil, Config{ThrottleWindow: time.Hour})
	ctx := context.Background()

	jobID, _, err := s.Enqueue(ctx, "noop", nil, jobstore.EnqueueOptions{})
	require.NoError(t, err)
	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.TransitionState(ctx, jobID, jobstore.StateEnqueued, jobstore.StateDispatching, jobstore.TransitionFields{StartTS: &start}))
	require.NoError(t, s.TransitionState(ctx, jobID, jobstore.StateDispatching, jobstore.StateRunning, jobstore.TransitionFields{HeartbeatTS: &start}))

	for i := 0; i < 100; i++ {
		_, err := d.Heartbeat(ctx, jobID, "")
		require.NoError(t, err)
	}

	rec, err := s.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, rec.HeartbeatTS)
	first := *rec.HeartbeatTS
	assert.True(t, first.After(start), "the first heartbeat must persist")

	// Another burst within the window must not move the persisted stamp.
	for i := 0; i < 100; i++ {
		_, err := d.Heartbeat(ctx, jobID, "")
		require.NoError(t, err)
	}
	rec, err = s.Get(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, rec.HeartbeatTS.Equal(first), "throttle window admits one write")
}

func TestHeartbeatResolvesRPCIDAfterRestart(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	jobID, _, err := s.Enqueue(ctx, "noop", nil, jobstore.EnqueueOptions{RPCID: "rpc-hb"})
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, s.TransitionState(ctx, jobID, jobstore.StateEnqueued, jobstore.StateDispatching, jobstore.TransitionFields{StartTS: &now}))
	require.NoError(t, s.TransitionState(ctx, jobID, jobstore.StateDispatching, jobstore.StateRunning, jobstore.TransitionFields{HeartbeatTS: &now}))

	// A fresh dispatcher models a restarted process with an empty index.
	d := New(s, ExecutorFunc(func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
		return nil, nil
	}), NewFatalStop(), nil, Config{})

	resolved, err := d.Heartbeat(ctx, "", "rpc-hb")
	require.NoError(t, err)
	assert.Equal(t, jobID, resolved)

	_, err = d.Heartbeat(ctx, "", "rpc-unknown")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}
