package uplink

// Signal is the "fd-signal" manual signalling primitive: a unary
// event used to wake the uplink thread. Multiple signals
// sent between waits coalesce into one wakeup — edge semantics, not
// level semantics — matching a real eventfd's counter-coalescing
// behavior without requiring one. See signal_linux.go for the
// eventfd-backed variant used when the runtime actually offers it.
type Signal interface {
	// Raise wakes one waiter. Safe to call from multiple goroutines;
	// a raise with no waiter pending is remembered, not lost, but two
	// raises before the next wait still coalesce to one wakeup.
	Raise()
	// Wait blocks until Raise has been called since the last Wait
	// returned (or until closed, in which case Wait returns false).
	Wait() bool
	// Close unblocks any current or future Wait with a false return.
	Close()
}

// chanSignal is the portable fallback: a single-slot buffered channel
// plus non-blocking send gives exactly the coalescing semantics
// described above.
type chanSignal struct {
	ch     chan struct{}
	closed chan struct{}
}

// NewChanSignal returns the portable Signal implementation.
func NewChanSignal() Signal {
	return &chanSignal{
		ch:     make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (s *chanSignal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
		// A signal is already pending; it will wake the next Wait.
	}
}

func (s *chanSignal) Wait() bool {
	select {
	case <-s.ch:
		return true
	case <-s.closed:
		return false
	}
}

func (s *chanSignal) Close() {
	close(s.closed)
}
