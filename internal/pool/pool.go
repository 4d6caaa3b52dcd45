// Package pool hands out leases on sessions held in shared, in-process
// pools. Two implementations are provided: TaggedPool, which matches
// tag predicates and per-task cool-downs, and PlainPool, a simpler
// FIFO bag for callers that don't need predicate matching.
package pool

import (
	"context"
	"errors"

	"github.com/uzzalhcse/proxybroker/internal/session"
)

// ErrTimeout is returned by Acquire when ctx's deadline arrives before
// a matching session becomes available.
var ErrTimeout = errors.New("pool: acquire timed out")

// ErrCancelled is returned by Acquire when ctx is cancelled before a
// matching session becomes available.
var ErrCancelled = errors.New("pool: acquire cancelled")

// ErrDoubleRelease is returned by Release when the session was not on
// lease at the time of the call.
var ErrDoubleRelease = errors.New("pool: session was not leased")

// Pool hands out and reclaims session leases.
type Pool interface {
	// Insert adds a freshly admitted session to the idle set.
	Insert(s *session.Session)

	// Acquire blocks until a session matching the request is idle, ctx
	// is done, or the pool is closed. On success the returned session
	// is marked leased and removed from the idle set.
	Acquire(ctx context.Context, req Request) (*session.Session, error)

	// Release returns a previously acquired session to the idle set.
	Release(s *session.Session, taskKey string) error

	// Remove drops a session from the idle set if it is there, used
	// when a session is quarantined or evicted. A later Insert or
	// Release puts it back. Safe to call whether or not the session is
	// idle.
	Remove(s *session.Session)

	// Len returns the number of idle sessions currently held.
	Len() int

	// Close stops the pool's background sweeper, if any, and releases
	// all waiters with ErrCancelled.
	Close()
}

// classifyWaitErr maps a ctx error observed while waiting into the
// pool's public sentinel errors.
func classifyWaitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}
