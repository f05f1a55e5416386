// Package jobreq defines the enqueue request body and its schema
// validation.
package jobreq

import (
	"encoding/json"
	"fmt"
)

// EnqueueRequest is the body accepted by POST /enqueue.
type EnqueueRequest struct {
	// Method names the command the worker should run.
	Method string `json:"method"`

	// Params is the opaque argument object forwarded to the worker.
	Params json.RawMessage `json:"params,omitempty"`

	// RPCID is the caller's idempotency key.
	RPCID string `json:"rpc_id,omitempty"`

	// Priority orders claims. Higher first, ties by enqueue time.
	Priority int `json:"priority,omitempty"`

	// TimeoutSec overrides the heartbeat staleness threshold for this job.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// Parse validates raw JSON against the enqueue-request schema and
// decodes it. Validation runs on the raw bytes so unknown fields are
// rejected rather than silently dropped.
func Parse(data []byte) (*EnqueueRequest, error) {
	if err := ValidateRaw(data); err != nil {
		return nil, err
	}

	var req EnqueueRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode enqueue request: %w", err)
	}
	return &req, nil
}
