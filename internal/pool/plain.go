package pool

import (
	"context"
	"sync"

	"github.com/uzzalhcse/proxybroker/internal/session"
)

// PlainPool is a FIFO bag of sessions with no tag or cool-down
// matching: Acquire hands out whichever idle session has waited
// longest. Suitable for callers that only need mutual exclusion.
type PlainPool struct {
	mu      sync.Mutex
	idle    []*session.Session
	waiters []chan *session.Session
	closed  bool
}

// NewPlain constructs an empty PlainPool.
func NewPlain() *PlainPool {
	return &PlainPool{}
}

func (p *PlainPool) Insert(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		s.Lease()
		ch <- s
		return
	}
	p.idle = append(p.idle, s)
}

func (p *PlainPool) Acquire(ctx context.Context, _ Request) (*session.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrCancelled
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		s.Lease()
		p.mu.Unlock()
		return s, nil
	}
	ch := make(chan *session.Session, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case s, ok := <-ch:
		if !ok {
			return nil, ErrCancelled
		}
		return s, nil
	case <-ctx.Done():
		if removed := p.removeWaiter(ch); !removed {
			// Insert already popped this waiter off the queue and is
			// sending (or has sent) a session concurrently with our
			// cancellation; take delivery and hand it straight back
			// to the idle set rather than losing it.
			if s, ok := <-ch; ok {
				p.Insert(s)
			}
		}
		return nil, classifyWaitErr(ctx.Err())
	}
}

func (p *PlainPool) Release(s *session.Session, taskKey string) error {
	if !s.Unlease() {
		return ErrDoubleRelease
	}
	if taskKey != "" {
		s.MarkUsed(taskKey)
	}
	p.Insert(s)
	return nil
}

func (p *PlainPool) Remove(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.idle {
		if cand == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *PlainPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *PlainPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}

func (p *PlainPool) removeWaiter(target chan *session.Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ch := range p.waiters {
		if ch == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
