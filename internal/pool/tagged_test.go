package pool

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uzzalhcse/proxybroker/internal/proxyid"
	"github.com/uzzalhcse/proxybroker/internal/session"
)

// noopTransport is a fake transport.Transport used to build sessions
// in tests without opening any real socket.
type noopTransport struct{}

func (noopTransport) Client() *http.Client                 { return &http.Client{} }
func (noopTransport) Probe(context.Context, string) error  { return nil }
func (noopTransport) Close(context.Context) error          { return nil }

func newTestSession(t *testing.T, ip string, tags proxyid.Tags) *session.Session {
	t.Helper()
	id, err := proxyid.Parse(ip + ":8080:u:p")
	require.NoError(t, err)
	return session.New(id, tags, &noopTransport{})
}

// ============================================================================
// Insert / Acquire — predicate matching
// ============================================================================

func TestTaggedPool_AcquireMatchesOnTags(t *testing.T) {
	p := NewTagged(10 * time.Millisecond)
	defer p.Close()

	plain := newTestSession(t, "1.1.1.1", proxyid.Tags{"region": "us"})
	tagged := newTestSession(t, "2.2.2.2", proxyid.Tags{"region": "eu"})
	p.Insert(plain)
	p.Insert(tagged)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := p.Acquire(ctx, Request{Tags: proxyid.Tags{"region": "eu"}})
	require.NoError(t, err)
	assert.Same(t, tagged, got)
}

func TestTaggedPool_AcquireTimesOutWhenNothingMatches(t *testing.T) {
	p := NewTagged(10 * time.Millisecond)
	defer p.Close()
	p.Insert(newTestSession(t, "1.1.1.1", proxyid.Tags{"region": "us"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, Request{Tags: proxyid.Tags{"region": "eu"}})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTaggedPool_AcquireReportsCancelledOnContextCancel(t *testing.T) {
	p := NewTagged(10 * time.Millisecond)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, Request{})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after cancellation")
	}
}

// ============================================================================
// Cool-down
// ============================================================================

func TestTaggedPool_CoolDownExcludesRecentlyUsedSession(t *testing.T) {
	p := NewTagged(10 * time.Millisecond)
	defer p.Close()

	s := newTestSession(t, "1.1.1.1", nil)
	s.MarkUsed("task-a")
	p.Insert(s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, Request{TaskKey: "task-a", MinCoolDown: time.Hour})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTaggedPool_CoolDownAllowsSessionAfterItElapses(t *testing.T) {
	p := NewTagged(5 * time.Millisecond)
	defer p.Close()

	s := newTestSession(t, "1.1.1.1", nil)
	s.MarkUsed("task-a")
	p.Insert(s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := p.Acquire(ctx, Request{TaskKey: "task-a", MinCoolDown: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Same(t, s, got)
}

// ============================================================================
// Release
// ============================================================================

func TestTaggedPool_ReleaseMarksUsedAndReinserts(t *testing.T) {
	p := NewTagged(5 * time.Millisecond)
	defer p.Close()

	s := newTestSession(t, "1.1.1.1", nil)
	p.Insert(s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	leased, err := p.Acquire(ctx, Request{})
	require.NoError(t, err)

	require.NoError(t, p.Release(leased, "task-a"))
	assert.False(t, leased.CoolDownOK("task-a", time.Hour))
	assert.Equal(t, 1, p.Len())
}

func TestTaggedPool_DoubleReleaseIsRejected(t *testing.T) {
	p := NewTagged(5 * time.Millisecond)
	defer p.Close()

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
// Mutual exclusion
// ============================================================================

func TestTaggedPool_NeverDeliversSameSessionToTwoWaiters(t *testing.T) {
	p := NewTagged(2 * time.Millisecond)
	defer p.Close()
	p.Insert(newTestSession(t, "1.1.1.1", nil))

	results := make(chan *session.Session, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			s, err := p.Acquire(ctx, Request{})
			if err == nil {
				results <- s
			} else {
				results <- nil
			}
		}()
	}

	first := <-results
	second := <-results
	require.True(t, (first == nil) != (second == nil), "exactly one acquirer should win")
}

// TestTaggedPool_SharedProxyThrottlesConcurrentWaiters mirrors the
// spec's "shared-proxy throttling" scenario: one session, many
// concurrent acquirers each using a distinct task key with a cool-down.
// Because every key is used only once, the cool-down never excludes
// the session; the single session alone serializes the acquirers. No
// two acquirers may ever hold it at once.
func TestTaggedPool_SharedProxyThrottlesConcurrentWaiters(t *testing.T) {
	p := NewTagged(2 * time.Millisecond)
	defer p.Close()
	p.Insert(newTestSession(t, "1.1.1.1", nil))

	const workers = 10
	var active int32
	var succeeded int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s, err := p.Acquire(ctx, Request{
				TaskKey:     fmt.Sprintf("worker-%d", i),
				MinCoolDown: 50 * time.Millisecond,
			})
			if err != nil {
				return
			}
			if atomic.AddInt32(&active, 1) > 1 {
				t.Errorf("session held by more than one worker at once")
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			atomic.AddInt32(&succeeded, 1)
			require.NoError(t, p.Release(s, fmt.Sprintf("worker-%d", i)))
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&succeeded)), 5)
}

// TestTaggedPool_ConcurrentAcquireAcrossGroupsNeverDoubleLeases mirrors
// the spec's broader concurrency scenario: many sessions tagged into
// groups, many more concurrent acquirers than sessions, each filtering
// by its own group and task key. No session may ever be handed to two
// acquirers simultaneously, and most acquires should eventually
// succeed.
func TestTaggedPool_ConcurrentAcquireAcrossGroupsNeverDoubleLeases(t *testing.T) {
	p := NewTagged(5 * time.Millisecond)
	defer p.Close()

	const sessions = 20
	const groups = 5
	for i := 0; i < sessions; i++ {
		tags := proxyid.Tags{"group": fmt.Sprintf("%d", i%groups)}
		p.Insert(newTestSession(t, fmt.Sprintf("10.0.%d.%d", i/255, i%255), tags))
	}

	var mu sync.Mutex
	inUse := make(map[*session.Session]bool)
	var succeeded int32

	const acquirers = 60
	var wg sync.WaitGroup
	wg.Add(acquirers)
	for i := 0; i < acquirers; i++ {
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			req := Request{
				Tags:        proxyid.Tags{"group": fmt.Sprintf("%d", i%groups)},
				TaskKey:     fmt.Sprintf("task-%d", i%3),
				MinCoolDown: 10 * time.Millisecond,
			}
			s, err := p.Acquire(ctx, req)
			if err != nil {
				return
			}

			mu.Lock()
			if inUse[s] {
				mu.Unlock()
				t.Errorf("session leased to two acquirers concurrently")
				return
			}
			inUse[s] = true
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			delete(inUse, s)
			mu.Unlock()

			atomic.AddInt32(&succeeded, 1)
			require.NoError(t, p.Release(s, req.TaskKey))
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&succeeded)), acquirers*3/4)
}
