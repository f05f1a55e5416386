package dispatch

import (
	"context"
	"fmt"
	"sync"
)

// FatalStop is the process-wide halt switch. Once tripped, the dispatcher
// stops claiming work and submissions are rejected until an operator
// intervenes; in-flight jobs are left to finish or time out.
//
// Instances are constructed and injected explicitly so tests can run with
// independent latches.
type FatalStop struct {
	mu     sync.RWMutex
	active bool
	reason string
}

// NewFatalStop returns an inactive latch.
func NewFatalStop() *FatalStop {
	return &FatalStop{}
}

// Trip activates the latch. The first reason wins; later trips are ignored.
func (f *FatalStop) Trip(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return
	}
	f.active = true
	f.reason = reason
}

// IsActive reports whether the latch has been tripped.
func (f *FatalStop) IsActive() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// Reason returns the recorded trip reason, empty while inactive.
func (f *FatalStop) Reason() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reason
}

// CheckHealth reports the latch state as a health check error.
func (f *FatalStop) CheckHealth(ctx context.Context) error {
	if f.IsActive() {
		return fmt.Errorf("fatal stop active: %s", f.Reason())
	}
	return nil
}
