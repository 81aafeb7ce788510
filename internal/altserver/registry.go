// Package altserver implements the alt-server registry shared by the
// image server (for uplinks) and the failover engine: a bounded set
// of candidate peers with rolling RTT windows, failure counters, and
// a best-count hysteresis score.
package altserver

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NumberServers bounds the registry's capacity.
const NumberServers = 8

// RTTWindowSize is the number of rolling RTT samples kept per server.
const RTTWindowSize = 4

// BestCountMax is the saturation ceiling of the hysteresis score.
const BestCountMax = 148

// Unreachable marks a failed probe slot in the RTT window.
const Unreachable time.Duration = -1

var (
	// ErrFull is returned by Add when the registry is at capacity.
	ErrFull = errors.New("altserver: registry full")
	// ErrNotFound is returned when a host isn't registered.
	ErrNotFound = errors.New("altserver: not found")
)

// Entry is one candidate peer.
type Entry struct {
	Host            string
	Port            uint16
	ProtocolVersion uint16
	Comment         string
	IsPrivate       bool
	IsClientOnly    bool

	window     [RTTWindowSize]time.Duration
	windowN    int // number of samples ever recorded; readers clamp it to RTTWindowSize
	windowHead int // next slot to write, wraps
	failures   uint32
	bestCount  int
}

// RTT returns the mean of the filled RTT window slots, ignoring
// Unreachable samples. It returns (0, false) if no reachable sample
// exists yet.
func (e *Entry) RTT() (time.Duration, bool) {
	var sum time.Duration
	var n int
	filled := e.windowN
	if filled > RTTWindowSize {
		filled = RTTWindowSize
	}
	for i := 0; i < filled; i++ {
		if e.window[i] == Unreachable {
			continue
		}
		sum += e.window[i]
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / time.Duration(n), true
}

// Ready is true once at least two of the four window slots are
// filled.
func (e *Entry) Ready() bool {
	filled := e.windowN
	if filled > RTTWindowSize {
		filled = RTTWindowSize
	}
	return filled >= 2
}

// BestCount returns the current hysteresis score, in [0, BestCountMax].
func (e *Entry) BestCount() int { return e.bestCount }

// Failures returns the running failure counter.
func (e *Entry) Failures() uint32 { return e.failures }

// RecordSample pushes an RTT sample (or Unreachable on a failed
// probe) into the rolling window.
func (e *Entry) RecordSample(d time.Duration) {
	e.window[e.windowHead] = d
	e.windowHead = (e.windowHead + 1) % RTTWindowSize
	e.windowN++
	if d == Unreachable {
		e.failures++
	}
}

// Win bumps the hysteresis score by 3, saturating at BestCountMax.
func (e *Entry) Win() {
	e.bestCount += 3
	if e.bestCount > BestCountMax {
		e.bestCount = BestCountMax
	}
}

// Lose decrements the hysteresis score by 2, floored at 0.
func (e *Entry) Lose() {
	e.bestCount -= 2
	if e.bestCount < 0 {
		e.bestCount = 0
	}
}

// Fail decrements the hysteresis score by 3, floored at 0, and bumps
// the failure counter.
func (e *Entry) Fail() {
	e.bestCount -= 3
	if e.bestCount < 0 {
		e.bestCount = 0
	}
	e.failures++
}

// Registry is the thread-safe set of alt-server candidates. It is
// protected by a dedicated lock, separate from any per-image or
// per-uplink lock, so probers and the discovery thread never
// contend with request paths.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by "host:port"
	order   []string          // insertion order, for deterministic Snapshot
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

func key(host string, port uint16) string {
	return host + ":" + strconv.Itoa(int(port))
}

// Add registers a new candidate. Returns ErrFull if the registry is
// already at NumberServers capacity.
func (r *Registry) Add(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(e.Host, e.Port)
	if _, exists := r.entries[k]; exists {
		return nil // idempotent re-add
	}
	if len(r.entries) >= NumberServers {
		return ErrFull
	}
	entry := e
	r.entries[k] = &entry
	r.order = append(r.order, k)
	return nil
}

// Remove drops a candidate.
func (r *Registry) Remove(host string, port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(host, port)
	if _, exists := r.entries[k]; !exists {
		return ErrNotFound
	}
	delete(r.entries, k)
	for i, o := range r.order {
		if o == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Find returns the entry for host:port.
func (r *Registry) Find(host string, port uint16) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key(host, port)]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Snapshot returns a copy of all registered candidates, filtered by
// isPrivate/isClientOnly semantics the caller requests: a proxy
// advertising alt servers to its own clients excludes private
// entries; upstream selection excludes client-only entries.
func (r *Registry) Snapshot(excludePrivate, excludeClientOnly bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.order))
	for _, k := range r.order {
		e := r.entries[k]
		if excludePrivate && e.IsPrivate {
			continue
		}
		if excludeClientOnly && e.IsClientOnly {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// All returns every candidate with no filtering, used by the
// discovery engine's startup/panic-mode probe sweep.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.entries[k])
	}
	return out
}

// Len reports the number of registered candidates.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
