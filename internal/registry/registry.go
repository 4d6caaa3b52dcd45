// Package registry is the authoritative, in-process map from proxy
// identity to health counters and per-task statistics. It never
// touches the network and never blocks.
package registry

import (
	"sync"

	"github.com/uzzalhcse/proxybroker/internal/proxyid"
)

// DefaultMaxErrorCount is the consecutive-failure count at which a
// proxy stops being valid (spec design constant).
const DefaultMaxErrorCount = 50

// TaskStats holds the monotonic per-task counters for one proxy.
type TaskStats struct {
	Success int64
	Error   int64
}

type entry struct {
	errorSequence int
	perTask       map[string]*TaskStats
}

// Registry tracks per-proxy health. Tags are intentionally not stored
// here: per the data model (spec §3), ProxyTags belong to the Session,
// not the RegistryEntry — the Registry's only job is error accounting.
type Registry struct {
	mu            sync.Mutex
	entries       map[proxyid.Key]*entry
	maxErrorCount int
}

// New creates an empty Registry. A maxErrorCount of 0 uses
// DefaultMaxErrorCount.
func New(maxErrorCount int) *Registry {
	if maxErrorCount <= 0 {
		maxErrorCount = DefaultMaxErrorCount
	}
	return &Registry{
		entries:       make(map[proxyid.Key]*entry),
		maxErrorCount: maxErrorCount,
	}
}

// Admit parses proxyString and ensures a RegistryEntry exists for its
// identity, with error_sequence=0 if this is the first admission.
// Re-admission of an already-known (ip, port) is idempotent: the
// existing entry and its counters are left untouched, even though the
// credentials in this call's Identity may differ from the ones
// originally admitted.
func (r *Registry) Admit(proxyString string) (proxyid.Identity, error) {
	id, err := proxyid.Parse(proxyString)
	if err != nil {
		return proxyid.Identity{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := id.Key()
	if _, ok := r.entries[key]; !ok {
		r.entries[key] = &entry{perTask: make(map[string]*TaskStats)}
	}
	return id, nil
}

// Record updates the registry after one lease outcome. ok=true resets
// error_sequence and increments the task's success counter; ok=false
// increments both error_sequence and the task's error counter.
// Per-task stats are lazily created on first observation.
func (r *Registry) Record(id proxyid.Identity, taskKey string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(id)
	stats, present := e.perTask[taskKey]
	if !present {
		stats = &TaskStats{}
		e.perTask[taskKey] = stats
	}

	if ok {
		e.errorSequence = 0
		stats.Success++
	} else {
		e.errorSequence++
		stats.Error++
	}
}

// IsValid reports whether id is known and its consecutive-failure
// count is still below the registry's error threshold.
func (r *Registry) IsValid(id proxyid.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id.Key()]
	if !ok {
		return false
	}
	return e.errorSequence < r.maxErrorCount
}

// MarkRecovered resets error_sequence to 0, used by the checker when
// a quarantined proxy passes a health probe.
func (r *Registry) MarkRecovered(id proxyid.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(id).errorSequence = 0
}

// ErrorSequence returns the current consecutive-failure count and
// whether the identity is known at all.
func (r *Registry) ErrorSequence(id proxyid.Identity) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id.Key()]
	if !ok {
		return 0, false
	}
	return e.errorSequence, true
}

// TaskStats returns a copy of the per-task counters for id, if any
// have been recorded.
func (r *Registry) TaskStats(id proxyid.Identity, taskKey string) (TaskStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id.Key()]
	if !ok {
		return TaskStats{}, false
	}
	stats, ok := e.perTask[taskKey]
	if !ok {
		return TaskStats{}, false
	}
	return *stats, true
}

// entryLocked creates the entry if it is missing (defensive: callers
// that never went through Admit still get a usable zero entry rather
// than a nil panic). Must be called with r.mu held.
func (r *Registry) entryLocked(id proxyid.Identity) *entry {
	key := id.Key()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{perTask: make(map[string]*TaskStats)}
		r.entries[key] = e
	}
	return e
}
