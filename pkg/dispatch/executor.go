package dispatch

import (
	"context"
	"fmt"
)

// Job is the slice of a job record an executor sees. Params stay opaque to
// the queue; only the executor interprets them.
type Job struct {
	JobID  string
	Method string
	Params []byte
}

// Executor runs one command on the single host execution lane.
//
// started must be invoked exactly when work actually begins; until then
// the job stays claimed-but-unconfirmed and can be safely re-offered
// after a crash. A non-nil return from started means the job was taken
// away (requeued or resolved elsewhere) and work must not begin.
//
// Execute may be long-running (minutes). Implementations should invoke
// progress periodically so the liveness monitor keeps seeing a fresh
// heartbeat; calls are cheap and coalesced upstream.
type Executor interface {
	Execute(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job, started func() error, progress func()) ([]byte, error) {
	return f(ctx, job, started, progress)
}

// ExecError carries a structured failure code from an executor. Errors that
// do not implement it are recorded under the generic E_EXEC code.
type ExecError struct {
	Code    string
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
