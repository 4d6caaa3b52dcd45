package pool

import (
	"context"
	"sync"
	"time"

	"github.com/uzzalhcse/proxybroker/internal/proxyid"
	"github.com/uzzalhcse/proxybroker/internal/session"
)

// DefaultSweepInterval is the floor at which TaggedPool re-evaluates
// waiters even if no Insert/Release woke it opportunistically.
const DefaultSweepInterval = 500 * time.Millisecond

// Request describes what a caller is willing to accept from Acquire.
type Request struct {
	// Tags must all be present, with identical values, on a candidate
	// session. Nil or empty matches any session.
	Tags proxyid.Tags

	// TaskKey identifies the unit of work this lease is for. A
	// candidate session is skipped if it served TaskKey more recently
	// than MinCoolDown ago.
	TaskKey string

	// MinCoolDown is the minimum age a prior use of TaskKey on a
	// candidate session must have before it is eligible again. Zero
	// disables cool-down checking.
	MinCoolDown time.Duration
}

func (req Request) match(s *session.Session) bool {
	if !s.MatchesTags(req.Tags) {
		return false
	}
	if req.MinCoolDown <= 0 || req.TaskKey == "" {
		return true
	}
	return s.CoolDownOK(req.TaskKey, req.MinCoolDown)
}

// acquireRequest is one waiter parked on TaggedPool.Acquire. Exactly
// one of the sweeper (delivering a session) or the caller (cancelling)
// may win the race to resolve it; state is guarded by mu so the loser
// observes the winner's decision instead of double-resolving.
type acquireRequest struct {
	req Request

	mu        sync.Mutex
	state     acquireState
	delivered *session.Session
	readyCh   chan struct{}
}

type acquireState int

const (
	statePending acquireState = iota
	stateDelivered
	stateCancelled
)

func newAcquireRequest(req Request) *acquireRequest {
	return &acquireRequest{req: req, readyCh: make(chan struct{})}
}

// tryDeliver hands s to this waiter if it is still pending. Returns
// true if this call won the race.
func (a *acquireRequest) tryDeliver(s *session.Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != statePending {
		return false
	}
	a.state = stateDelivered
	a.delivered = s
	close(a.readyCh)
	return true
}

// tryCancel marks this waiter cancelled if it is still pending.
// Returns true if a session had already been delivered by the time
// cancellation was attempted (the caller must then hand the session
// back to the pool directly, bypassing Release).
func (a *acquireRequest) tryCancel() (delivered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == statePending {
		a.state = stateCancelled
		close(a.readyCh)
		return false
	}
	return a.state == stateDelivered
}

// TaggedPool matches sessions against tag predicates and per-task
// cool-downs. A background sweeper periodically re-evaluates parked
// waiters against the idle set; Insert and Release additionally send
// a non-blocking wake so typical acquisitions do not wait out a full
// sweep tick.
type TaggedPool struct {
	sweepInterval time.Duration

	mu      sync.Mutex
	idle    []*session.Session
	waiters []*acquireRequest
	closed  bool

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTagged starts a TaggedPool with its sweeper running. interval<=0
// uses DefaultSweepInterval.
func NewTagged(interval time.Duration) *TaggedPool {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	p := &TaggedPool{
		sweepInterval: interval,
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

func (p *TaggedPool) Insert(s *session.Session) {
	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
	p.wake()
}

func (p *TaggedPool) Acquire(ctx context.Context, req Request) (*session.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrCancelled
	}
	if s := p.takeMatchLocked(req); s != nil {
		p.mu.Unlock()
		return s, nil
	}
	waiter := newAcquireRequest(req)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case <-waiter.readyCh:
		waiter.mu.Lock()
		s, state := waiter.delivered, waiter.state
		waiter.mu.Unlock()
		if state == stateDelivered {
			return s, nil
		}
		return nil, ErrCancelled
	case <-ctx.Done():
		if delivered := waiter.tryCancel(); delivered {
			// Sweeper already handed us a session concurrently with
			// this cancellation; it never went through Release, so
			// reinsert it directly without MarkUsed.
			waiter.mu.Lock()
			s := waiter.delivered
			waiter.mu.Unlock()
			p.Insert(s)
		}
		p.removeWaiter(waiter)
		return nil, classifyWaitErr(ctx.Err())
	}
}

func (p *TaggedPool) Release(s *session.Session, taskKey string) error {
	if !s.Unlease() {
		return ErrDoubleRelease
	}
	if taskKey != "" {
		s.MarkUsed(taskKey)
	}
	p.Insert(s)
	return nil
}

func (p *TaggedPool) Remove(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.idle {
		if cand == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *TaggedPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *TaggedPool) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	waiters := p.waiters
	p.waiters = nil
	p.closed = true
	p.mu.Unlock()

	for _, w := range waiters {
		w.tryCancel()
	}
}

func (p *TaggedPool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *TaggedPool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepOnce()
		case <-p.wakeCh:
			p.sweepOnce()
		}
	}
}

// sweepOnce drops waiters that are no longer pending and matches every
// pending waiter against the current idle set, in FIFO waiter order,
// delivering at most one session each.
func (p *TaggedPool) sweepOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		w.mu.Lock()
		pending := w.state == statePending
		w.mu.Unlock()
		if !pending {
			continue
		}
		s := p.takeMatchLocked(w.req)
		if s == nil {
			remaining = append(remaining, w)
			continue
		}
		if !w.tryDeliver(s) {
			// Waiter cancelled between being scanned and being
			// matched; give the session back to the idle set instead
			// of losing it.
			p.idle = append(p.idle, s)
		}
	}
	p.waiters = remaining
}

// takeMatchLocked removes and returns the first idle session matching
// req, or nil. Must be called with p.mu held.
func (p *TaggedPool) takeMatchLocked(req Request) *session.Session {
	for i, s := range p.idle {
		if req.match(s) {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			s.Lease()
			return s
		}
	}
	return nil
}

func (p *TaggedPool) removeWaiter(target *acquireRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
