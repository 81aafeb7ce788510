//go:build linux

package uplink

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// eventfdSignal backs Signal with a real Linux eventfd: the kernel
// already coalesces writes into its 64-bit counter and wakes exactly
// one blocked reader per non-zero counter value, which is the native
// version of the coalescing behavior chanSignal emulates portably.
type eventfdSignal struct {
	fd     int
	closed chan struct{}
}

// NewSignal returns the platform's best available Signal: an eventfd
// on Linux, falling back to the portable channel implementation if
// eventfd creation fails (e.g. sandboxing that blocks the syscall).
func NewSignal() Signal { return NewEventfdSignal() }

// NewEventfdSignal returns an eventfd-backed Signal. Falls back to
// the portable channel implementation if eventfd creation fails (e.g.
// sandboxing that blocks the syscall).
func NewEventfdSignal() Signal {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return NewChanSignal()
	}
	return &eventfdSignal{fd: fd, closed: make(chan struct{})}
}

func (s *eventfdSignal) Raise() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(s.fd, buf[:])
}

func (s *eventfdSignal) Wait() bool {
	var buf [8]byte
	for {
		select {
		case <-s.closed:
			return false
		default:
		}
		_, err := unix.Read(s.fd, buf[:])
		if err == nil {
			return true
		}
		if err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
			if _, perr := unix.Poll(pfd, 250); perr != nil {
				return false
			}
			continue
		}
		return false
	}
}

func (s *eventfdSignal) Close() {
	close(s.closed)
	unix.Close(s.fd)
}
