package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// FIFO hand-off
// ============================================================================

func TestPlainPool_AcquireReturnsInsertedSession(t *testing.T) {
	p := NewPlain()
	s := newTestSession(t, "1.1.1.1", nil)
	p.Insert(s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := p.Acquire(ctx, Request{})
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 0, p.Len())
}

func TestPlainPool_AcquireBlocksUntilInsert(t *testing.T) {
	p := NewPlain()
	s := newTestSession(t, "1.1.1.1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, Request{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Insert(s)

	require.NoError(t, <-done)
}

func TestPlainPool_AcquireTimesOutWhenEmpty(t *testing.T) {
	p := NewPlain()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, Request{})
	assert.ErrorIs(t, err, ErrTimeout)
}

// ============================================================================
// Release
// ============================================================================

func TestPlainPool_DoubleReleaseIsRejected(t *testing.T) {
	p := NewPlain()
	s := newTestSession(t, "1.1.1.1", nil)
	p.Insert(s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	leased, err := p.Acquire(ctx, Request{})
	require.NoError(t, err)

	require.NoError(t, p.Release(leased, ""))
	assert.ErrorIs(t, p.Release(leased, ""), ErrDoubleRelease)
}

// ============================================================================
// Close
// ============================================================================

func TestPlainPool_CloseReleasesWaitersWithCancelled(t *testing.T) {
	p := NewPlain()
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, Request{})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after close")
	}
}
