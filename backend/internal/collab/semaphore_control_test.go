package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(2)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx))
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	assert.Equal(t, 2, s.InUse())

	tctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Acquire(tctx), context.DeadlineExceeded)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.ErrorIs(t, s.Release(), ErrSemaphoreNotHeld)
}

func TestSemaphoreDefaultSize(t *testing.T) {
	s := NewSemaphoreControl(0)
	assert.Equal(t, DefaultSemaphoreSize, cap(s.ch))
}
