// Package broker wires the registry, pool and transport layers into
// the single entry point callers use: Admit a proxy, AcquireLease a
// session, and Done the lease when the work is finished. A lease that
// ends in a transport error on a proxy the registry then flags unhealthy
// quarantines that proxy; a background checker loop re-probes
// quarantined proxies, readmitting them or eventually evicting them.
package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uzzalhcse/proxybroker/internal/pool"
	"github.com/uzzalhcse/proxybroker/internal/proxyid"
	"github.com/uzzalhcse/proxybroker/internal/registry"
	"github.com/uzzalhcse/proxybroker/internal/session"
	"github.com/uzzalhcse/proxybroker/internal/transport"
)

// DefaultMaxProbeAttempts is how many consecutive failed health
// probes a quarantined proxy tolerates before it is evicted for good.
const DefaultMaxProbeAttempts = 3

// DefaultCheckInterval is how often the background checker loop
// re-probes quarantined proxies.
const DefaultCheckInterval = 1000 * time.Second

// Config holds the Controller's tunables. Zero-value fields take the
// package's Default* constants.
type Config struct {
	MaxProbeAttempts int
	CheckInterval    time.Duration
	ProbeURL         string
}

func (c Config) withDefaults() Config {
	if c.MaxProbeAttempts <= 0 {
		c.MaxProbeAttempts = DefaultMaxProbeAttempts
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.ProbeURL == "" {
		c.ProbeURL = "https://example.com"
	}
	return c
}

type quarantineEntry struct {
	session *session.Session
	strikes int
}

// Controller is the broker's single coordination point.
type Controller struct {
	registry *registry.Registry
	pool     pool.Pool
	factory  transport.Factory
	log      *zap.Logger
	cfg      Config

	mu          sync.Mutex
	sessions    map[proxyid.Key]*session.Session
	quarantined map[proxyid.Key]*quarantineEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Controller around an already-constructed registry,
// pool and transport factory, and starts its background checker loop.
func New(reg *registry.Registry, p pool.Pool, factory transport.Factory, log *zap.Logger, cfg Config) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		registry:    reg,
		pool:        p,
		factory:     factory,
		log:         log,
		cfg:         cfg.withDefaults(),
		sessions:    make(map[proxyid.Key]*session.Session),
		quarantined: make(map[proxyid.Key]*quarantineEntry),
		stopCh:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.checkLoop()
	return c
}

// Admit parses proxyString, registers it with the registry, opens a
// transport through factory and inserts the resulting session into
// the pool. Admitting an already-known (ip, port) a second time opens
// a fresh transport and session for it; the registry's accumulated
// health counters for that endpoint are left untouched.
func (c *Controller) Admit(ctx context.Context, proxyString string, tags proxyid.Tags) (proxyid.Identity, error) {
	id, err := c.registry.Admit(proxyString)
	if err != nil {
		return proxyid.Identity{}, err
	}

	tr, err := c.factory.Open(ctx, id)
	if err != nil {
		return proxyid.Identity{}, &ProxyError{Proxy: id.String(), Cause: err}
	}

	s := session.New(id, tags, tr)

	c.mu.Lock()
	c.sessions[id.Key()] = s
	c.mu.Unlock()

	c.pool.Insert(s)
	c.log.Info("admitted proxy", zap.String("proxy", id.IP))
	return id, nil
}

// AcquireLease blocks until a matching session is available or opts
// times out, and returns a Lease the caller must Done exactly once.
func (c *Controller) AcquireLease(ctx context.Context, opts LeaseOptions) (*Lease, error) {
	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	acquireCtx, cancel := context.WithTimeout(ctx, acquireTimeout)
	defer cancel()

	req := pool.Request{Tags: opts.Tags, TaskKey: opts.TaskKey, MinCoolDown: opts.MinCoolDown}
	s, err := c.pool.Acquire(acquireCtx, req)
	if err != nil {
		return nil, err
	}
	return newLease(ctx, c, s, opts.TaskKey, opts.ExecutionDeadline), nil
}

// Use is a convenience wrapper around AcquireLease/Lease.Done: it
// acquires a lease, runs fn with the lease's session and bounded
// context, finalizes the lease with fn's error, and re-panics if fn
// panics (after still finalizing the lease with an error, which Done
// treats as a caller-side failure: the session is released and the
// registry is not charged).
func (c *Controller) Use(ctx context.Context, opts LeaseOptions, fn func(ctx context.Context, s *session.Session) error) (err error) {
	lease, err := c.AcquireLease(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = lease.Done(&ProxyError{Proxy: lease.Session().Identity().String(), Cause: errPanic(r)})
			panic(r)
		}
	}()

	err = fn(lease.Context(), lease.Session())
	return lease.Done(err)
}

// finalize implements Lease.Done's documented classification.
func (c *Controller) finalize(s *session.Session, taskKey string, err error) error {
	classified := ClassifyError(err)

	if classified == nil {
		c.registry.Record(s.Identity(), taskKey, true)
		return c.pool.Release(s, taskKey)
	}

	if !IsTransportError(classified) {
		// Caller-side failure: release without touching the registry,
		// pass the original error straight back.
		_ = c.pool.Release(s, taskKey)
		return err
	}

	c.registry.Record(s.Identity(), taskKey, false)
	if c.registry.IsValid(s.Identity()) {
		_ = c.pool.Release(s, taskKey)
		return err
	}

	c.quarantine(s)
	return err
}

// quarantine removes s from the pool and parks it for the checker
// loop to re-probe.
func (c *Controller) quarantine(s *session.Session) {
	c.pool.Remove(s)
	c.mu.Lock()
	c.quarantined[s.Identity().Key()] = &quarantineEntry{session: s}
	c.mu.Unlock()
	c.log.Warn("quarantined proxy", zap.String("proxy", s.Identity().IP))
}

// ManualCheck runs a single health probe against proxyString
// synchronously, holding the Controller's lock for its entire
// duration — unlike the background checker loop, which only ever
// holds the lock to snapshot or apply state and runs probes outside
// it. On a quarantined proxy, a successful probe clears quarantine and
// resets the registry's error sequence, and a failed probe counts as
// one strike toward eviction. On an admitted proxy that is not
// quarantined, the probe's result is returned and no state changes.
func (c *Controller) ManualCheck(ctx context.Context, proxyString string) error {
	id, err := proxyid.Parse(proxyString)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := id.Key()
	if qe, ok := c.quarantined[key]; ok {
		if probeErr := qe.session.Probe(ctx, c.cfg.ProbeURL); probeErr != nil {
			qe.strikes++
			if qe.strikes > c.cfg.MaxProbeAttempts {
				c.evictLocked(key, qe.session)
			}
			return &ProxyError{Proxy: proxyString, Cause: probeErr}
		}
		c.registry.MarkRecovered(id)
		delete(c.quarantined, key)
		c.pool.Insert(qe.session)
		return nil
	}

	s, ok := c.sessions[key]
	if !ok {
		return ErrUnknownProxy
	}
	return s.Probe(ctx, c.cfg.ProbeURL)
}

// evictLocked permanently drops a proxy. Must be called with c.mu
// held.
func (c *Controller) evictLocked(key proxyid.Key, s *session.Session) {
	delete(c.quarantined, key)
	delete(c.sessions, key)
	_ = s.Close(context.Background())
	c.log.Warn("evicted proxy", zap.String("proxy", s.Identity().IP))
}

// checkLoop re-probes quarantined proxies on a fixed interval using
// the two-phase lock pattern: snapshot the quarantine set under lock,
// run the network probes outside it, then reacquire the lock once per
// entry to apply the result. This keeps probe latency off the hot
// path AcquireLease/Admit/finalize take.
func (c *Controller) checkLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkOnce()
		}
	}
}

func (c *Controller) checkOnce() {
	c.mu.Lock()
	snapshot := make([]proxyid.Key, 0, len(c.quarantined))
	for k := range c.quarantined {
		snapshot = append(snapshot, k)
	}
	c.mu.Unlock()

	for _, key := range snapshot {
		c.mu.Lock()
		qe, ok := c.quarantined[key]
		c.mu.Unlock()
		if !ok {
			continue
		}

		outerCtx, outerCancel := context.WithTimeout(context.Background(), 15*time.Second)
		probeCtx, probeCancel := context.WithTimeout(outerCtx, 10*time.Second)
		probeErr := qe.session.Probe(probeCtx, c.cfg.ProbeURL)
		probeCancel()
		outerCancel()

		c.mu.Lock()
		qe, ok = c.quarantined[key]
		if !ok {
			c.mu.Unlock()
			continue
		}
		if probeErr == nil {
			c.registry.MarkRecovered(qe.session.Identity())
			delete(c.quarantined, key)
			c.mu.Unlock()
			c.pool.Insert(qe.session)
			continue
		}
		qe.strikes++
		if qe.strikes > c.cfg.MaxProbeAttempts {
			c.evictLocked(key, qe.session)
		}
		c.mu.Unlock()
	}
}

// Shutdown stops the checker loop and the pool, then closes every
// transport the Controller has ever admitted, whether idle, leased,
// or quarantined.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.pool.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, s := range c.sessions {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic recovered" }

func errPanic(v any) error { return panicError{v: v} }
