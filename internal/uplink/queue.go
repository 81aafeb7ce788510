package uplink

import (
	"sync"

	"github.com/pkg/errors"
)

// MaxQueueDepth is the bounded capacity of the upstream request
// queue. The 129th concurrent non-deduplicable request is rejected.
const MaxQueueDepth = 128

// MaxHopCount is the forwarding ceiling a proxy enforces before
// refusing to chain a request to yet another proxy.
const MaxHopCount = 4

// Status is a queued upstream request's lifecycle state.
type Status int

// Status transitions: Free -> New (by the requestor) -> Pending (once
// the GET_BLOCK header is written upstream) -> Processing (once the
// matching reply header arrives) -> Free (once forwarded to every
// attached client and written to the cache file). Spec.md §3.
const (
	StatusFree Status = iota
	StatusNew
	StatusPending
	StatusProcessing
)

// ErrQueueFull is returned by Enqueue when every slot is occupied and
// the range doesn't match any in-flight slot.
var ErrQueueFull = errors.New("uplink: queue full")

// Recipient is one client attached to a slot, either as its
// originator or via the dedup "hop on" path.
type Recipient struct {
	Client   ReplySink
	Handle   uint64 // the recipient's own client-visible handle
	HopCount uint8
}

// Slot is one entry of the uplink's bounded request queue.
type Slot struct {
	Status     Status
	From, To   int64 // 4 KiB-aligned byte range
	Recipients []Recipient
}

func (s *Slot) covers(from, to int64) bool {
	return s.Status != StatusFree && from >= s.From && to <= s.To
}

// Queue is the fixed-capacity array of slots plus the dedup scan.
// Protected by its own lock, separate from any per-image lock.
type Queue struct {
	mu    sync.Mutex
	slots [MaxQueueDepth]Slot
}

// NewQueue returns an all-Free queue.
func NewQueue() *Queue {
	return &Queue{}
}

// EnqueueResult reports what Enqueue did with a request.
type EnqueueResult struct {
	HoppedOn bool // attached to an existing in-flight slot
	SlotIdx  int  // valid when !HoppedOn
}

// Enqueue aligns the
// range outward to 4 KiB (the caller does the alignment; Queue
// assumes it already happened), scan for a NEW/PENDING slot whose
// range contains [from, to) to hop onto, else claim a FREE slot and
// mark it NEW. A partial overlap does not hop on.
func (q *Queue) Enqueue(from, to int64, client ReplySink, handle uint64, hopCount uint8) (EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.slots {
		s := &q.slots[i]
		if (s.Status == StatusNew || s.Status == StatusPending) && s.covers(from, to) {
			s.Recipients = append(s.Recipients, Recipient{Client: client, Handle: handle, HopCount: hopCount})
			return EnqueueResult{HoppedOn: true}, nil
		}
	}
	for i := range q.slots {
		s := &q.slots[i]
		if s.Status == StatusFree {
			s.Status = StatusNew
			s.From, s.To = from, to
			s.Recipients = []Recipient{{Client: client, Handle: handle, HopCount: hopCount}}
			return EnqueueResult{SlotIdx: i}, nil
		}
	}
	return EnqueueResult{}, ErrQueueFull
}

// MarkPending advances a slot New -> Pending once its GET_BLOCK
// header has been written to the upstream socket.
func (q *Queue) MarkPending(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.slots[idx].Status == StatusNew {
		q.slots[idx].Status = StatusPending
	}
}

// MarkProcessing advances a slot Pending -> Processing once the
// matching upstream reply header has arrived.
func (q *Queue) MarkProcessing(idx int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.slots[idx].Status == StatusPending {
		q.slots[idx].Status = StatusProcessing
	}
}

// Complete returns the slot's range and recipients and frees it. The
// caller is responsible for having already written the payload to
// the cache file and flipped the cache map bits before calling this,
// so a reader that notices Status flip back to Free can rely on the
// data being durably present.
func (q *Queue) Complete(idx int) (from, to int64, recipients []Recipient) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := &q.slots[idx]
	from, to, recipients = s.From, s.To, s.Recipients
	*s = Slot{}
	return
}

// TakeNew returns the indices of every slot currently in StatusNew,
// for the uplink thread's "drain signaled work" step of its main
// loop. It does not itself transition state; the
// caller advances each slot with MarkPending only after successfully
// writing its GET_BLOCK header upstream.
func (q *Queue) TakeNew() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []int
	for i := range q.slots {
		if q.slots[i].Status == StatusNew {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot returns a copy of every non-Free slot.
func (q *Queue) Snapshot() []Slot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Slot, 0, MaxQueueDepth)
	for _, s := range q.slots {
		if s.Status != StatusFree {
			out = append(out, s)
		}
	}
	return out
}

// FailAll transitions every occupied slot back to Free, returning
// their recipients so the caller can reply ERROR to each — used by
// Engine.Shutdown.
func (q *Queue) FailAll() []Recipient {
	q.mu.Lock()
	defer q.mu.Unlock()
	var all []Recipient
	for i := range q.slots {
		if q.slots[i].Status != StatusFree {
			all = append(all, q.slots[i].Recipients...)
			q.slots[i] = Slot{}
		}
	}
	return all
}

// ReissuePending resets every Pending slot back to New so the uplink
// thread re-sends their GET_BLOCK headers on a freshly handed-over
// upstream socket after a failover.
func (q *Queue) ReissuePending() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		if q.slots[i].Status == StatusPending {
			q.slots[i].Status = StatusNew
		}
	}
}

// OldestPendingHandle returns the lowest-indexed Pending slot's
// upstream handle, satisfying failover.HungChecker: the
// failover engine compares this across two consecutive probe cycles
// to force a switch when the same request is stuck.
func (q *Queue) OldestPendingHandle() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.slots {
		if q.slots[i].Status == StatusPending {
			return uint64(i), true
		}
	}
	return 0, false
}

// FindByHandle locates the slot whose upstream handle is idx (the
// uplink uses the slot's own array index as the upstream-visible
// handle).
func (q *Queue) FindByHandle(idx int) (*Slot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx < 0 || idx >= MaxQueueDepth {
		return nil, false
	}
	if q.slots[idx].Status == StatusFree {
		return nil, false
	}
	cp := q.slots[idx]
	return &cp, true
}
