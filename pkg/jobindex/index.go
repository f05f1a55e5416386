// Package jobindex maps client correlation ids to job ids in memory.
//
// The index is an accelerator, not a correctness dependency: on a miss,
// callers fall back to the store, so losing the index (process restart)
// degrades latency only.
package jobindex

import (
	"context"
	"sync"
)

// Index is the in-memory rpc_id to job_id mapping.
type Index struct {
	mu      sync.RWMutex
	entries map[string]string
}

// New returns an empty index.
func New() *Index {
	return &Index{entries: make(map[string]string)}
}

// TryGet returns the job id bound to rpcID, if any.
func (i *Index) TryGet(rpcID string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	jobID, ok := i.entries[rpcID]
	return jobID, ok
}

// Set binds rpcID to jobID. Called once per job at enqueue time.
func (i *Index) Set(rpcID, jobID string) {
	if rpcID == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[rpcID] = jobID
}

// Forget drops a binding, freeing the rpc_id for reuse once its job is
// terminal.
func (i *Index) Forget(rpcID string) {
	if rpcID == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, rpcID)
}

// Len reports the number of live bindings.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// StoreLookup is the fallback query against the durable store.
type StoreLookup interface {
	FindRunningByRPCID(ctx context.Context, rpcID string) (string, error)
}

// Resolver answers "which job does this rpc_id belong to" using the index
// first and the store second, re-priming the index on a store hit.
type Resolver struct {
	index *Index
	store StoreLookup
}

// NewResolver builds a resolver over the given index and store.
func NewResolver(index *Index, store StoreLookup) *Resolver {
	return &Resolver{index: index, store: store}
}

// Resolve returns the job id for rpcID. Store errors (including not-found)
// pass through unwrapped so callers can branch on them.
func (r *Resolver) Resolve(ctx context.Context, rpcID string) (string, error) {
	if jobID, ok := r.index.TryGet(rpcID); ok {
		return jobID, nil
	}

	jobID, err := r.store.FindRunningByRPCID(ctx, rpcID)
	if err != nil {
		return "", err
	}
	r.index.Set(rpcID, jobID)
	return jobID, nil
}
