package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/uzzalhcse/proxybroker/internal/proxyid"
	"github.com/uzzalhcse/proxybroker/internal/session"
)

// DefaultLeaseExecutionDeadline bounds how long a caller may hold a
// lease before Done must be called; Lease.Context() is cancelled once
// it elapses.
const DefaultLeaseExecutionDeadline = 20 * time.Second

// DefaultAcquireTimeout is used by AcquireLease when LeaseOptions does
// not specify one.
const DefaultAcquireTimeout = 100 * time.Second

// LeaseOptions parameterizes AcquireLease.
type LeaseOptions struct {
	// Tags, TaskKey and MinCoolDown are forwarded to the pool's
	// matching predicate.
	Tags        proxyid.Tags
	TaskKey     string
	MinCoolDown time.Duration

	// AcquireTimeout bounds how long AcquireLease waits for a matching
	// session. Zero uses DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// ExecutionDeadline bounds the lifetime of the returned Lease's
	// Context. Zero uses DefaultLeaseExecutionDeadline.
	ExecutionDeadline time.Duration
}

// Lease is a scoped hold on one Session. The caller must call Done
// exactly once with the outcome of its work; Done finalizes the
// session's registry accounting and either returns it to the pool or
// escalates it toward quarantine.
type Lease struct {
	id         string
	session    *session.Session
	taskKey    string
	controller *Controller

	ctx    context.Context
	cancel context.CancelFunc

	finished atomic.Bool
}

func newLease(ctx context.Context, c *Controller, s *session.Session, taskKey string, deadline time.Duration) *Lease {
	if deadline <= 0 {
		deadline = DefaultLeaseExecutionDeadline
	}
	leaseCtx, cancel := context.WithTimeout(ctx, deadline)
	return &Lease{
		id:         uuid.New().String(),
		session:    s,
		taskKey:    taskKey,
		controller: c,
		ctx:        leaseCtx,
		cancel:     cancel,
	}
}

// ID is a unique token identifying this lease, suitable for
// correlating log lines across Acquire and Done.
func (l *Lease) ID() string { return l.id }

// Session returns the leased session.
func (l *Lease) Session() *session.Session { return l.session }

// Context is bounded by the lease's execution deadline and by
// whatever context AcquireLease was called with.
func (l *Lease) Context() context.Context { return l.ctx }

// Done finalizes the lease with the outcome of the caller's work.
// Every call after the first is a no-op that returns
// ErrDoubleRelease.
//
//   - nil: recorded as a success, session released to the pool.
//   - a transport-level error (see ClassifyError) or the lease's own
//     deadline expiring: recorded as a failure; the session is
//     released if the proxy is still valid, quarantined otherwise.
//   - any other error: passed straight back to the caller untouched,
//     the session released without touching the registry — the
//     failure is assumed to be the caller's own, not the proxy's.
func (l *Lease) Done(err error) error {
	if !l.finished.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}
	defer l.cancel()
	return l.controller.finalize(l.session, l.taskKey, err)
}
