package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFatalStopLatches(t *testing.T) {
	f := NewFatalStop()

	assert.False(t, f.IsActive())
	assert.Empty(t, f.Reason())
	assert.NoError(t, f.CheckHealth(context.Background()))

	f.Trip("disk full")
	assert.True(t, f.IsActive())
	assert.Equal(t, "disk full", f.Reason())

	err := f.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// The first reason wins.
	f.Trip("something else")
	assert.Equal(t, "disk full", f.Reason())
}
