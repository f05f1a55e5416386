package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleAdmitsOncePerWindow(t *testing.T) {
	th := NewHeartbeatThrottle(time.Hour)

	assert.True(t, th.Allow("job-1"))
	for i := 0; i < 100; i++ {
		assert.False(t, th.Allow("job-1"), "burst within the window must be suppressed")
	}

	// Independent jobs get independent budgets.
	assert.True(t, th.Allow("job-2"))
}

func TestThrottleDisabledWithZeroWindow(t *testing.T) {
	th := NewHeartbeatThrottle(0)
	for i := 0; i < 10; i++ {
		assert.True(t, th.Allow("job-1"))
	}
}

func TestThrottleForgetResetsBudget(t *testing.T) {
	th := NewHeartbeatThrottle(time.Hour)

	assert.True(t, th.Allow("job-1"))
	assert.False(t, th.Allow("job-1"))

	th.Forget("job-1")
	assert.True(t, th.Allow("job-1"), "a reused id starts with a fresh budget")
}
