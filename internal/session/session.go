// Package session implements the live, proxy-bound transport a
// caller borrows from the pool.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/uzzalhcse/proxybroker/internal/proxyid"
	"github.com/uzzalhcse/proxybroker/internal/transport"
)

// Session owns one live Transport bound to a single proxy identity.
// It is mutated only through MarkUsed and the lease bookkeeping
// methods the Pool implementations call; destruction (Close) happens
// exactly once, driven by the Controller.
type Session struct {
	identity proxyid.Identity
	tags     proxyid.Tags
	tr       transport.Transport

	mu       sync.Mutex
	lastUsed map[string]time.Time
	leased   bool

	closeOnce sync.Once
	closeErr  error
}

// New wraps an already-open Transport into a Session.
func New(identity proxyid.Identity, tags proxyid.Tags, tr transport.Transport) *Session {
	return &Session{
		identity: identity,
		tags:     tags,
		tr:       tr,
		lastUsed: make(map[string]time.Time),
	}
}

// Identity returns the proxy identity this session is bound to.
func (s *Session) Identity() proxyid.Identity { return s.identity }

// Tags returns the static tags this session was admitted with.
func (s *Session) Tags() proxyid.Tags { return s.tags }

// Client returns the HTTP client callers should issue their upstream
// request through while they hold this session's lease.
func (s *Session) Client() *http.Client { return s.tr.Client() }

// Probe runs a single health check through the underlying transport.
func (s *Session) Probe(ctx context.Context, url string) error {
	return s.tr.Probe(ctx, url)
}

// MatchesTags reports whether this session satisfies every key/value
// pair in required.
func (s *Session) MatchesTags(required proxyid.Tags) bool {
	return s.tags.Matches(required)
}

// CoolDownOK reports whether taskKey is either unused by this session
// or was last used at least minAge ago.
func (s *Session) CoolDownOK(taskKey string, minAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastUsed[taskKey]
	if !ok {
		return true
	}
	return time.Since(last) >= minAge
}

// MarkUsed records that taskKey was just served by this session.
// last-used timestamps only ever advance.
func (s *Session) MarkUsed(taskKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed[taskKey] = time.Now()
}

// Lease marks the session as held by exactly one caller. Pool
// implementations call this atomically with removing the session
// from their idle set; it exists so a stray double Release can be
// detected rather than silently corrupting the pool.
func (s *Session) Lease() {
	s.mu.Lock()
	s.leased = true
	s.mu.Unlock()
}

// Unlease clears the leased flag and reports whether it was set. A
// false return means the caller is releasing a session that was not
// on lease — a DoubleRelease.
func (s *Session) Unlease() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.leased {
		return false
	}
	s.leased = false
	return true
}

// Close delegates to the underlying Transport exactly once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.tr.Close(ctx)
	})
	return s.closeErr
}
