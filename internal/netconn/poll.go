package netconn

import (
	"net"

	"github.com/pkg/errors"
)

// Accepted is one connection handed out by a PollList listener.
type Accepted struct {
	Conn *net.TCPConn
	Peer net.Addr
}

// PollList is an append/remove set of listeners the acceptor
// multiplexes over. Go's net package already multiplexes accepts
// internally (each net.Listener.Accept blocks in its own goroutine),
// so PollList's job is purely bookkeeping: which listeners are live,
// fanning accepted connections into one channel.
type PollList struct {
	listeners map[string]net.Listener
	accepted  chan Accepted
	errs      chan error
}

// NewPollList returns an empty PollList.
func NewPollList() *PollList {
	return &PollList{
		listeners: make(map[string]net.Listener),
		accepted:  make(chan Accepted),
		errs:      make(chan error, 1),
	}
}

// Add starts listening on addr and begins forwarding its accepts onto
// the shared Accepted() channel.
func (p *PollList) Add(addr string) error {
	if _, exists := p.listeners[addr]; exists {
		return errors.Errorf("netconn: already listening on %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "netconn: listen %s", addr)
	}
	p.listeners[addr] = ln
	go p.acceptLoop(ln)
	return nil
}

func (p *PollList) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case p.errs <- err:
			default:
			}
			return
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		p.accepted <- Accepted{Conn: tcpConn, Peer: conn.RemoteAddr()}
	}
}

// Remove stops listening on addr.
func (p *PollList) Remove(addr string) error {
	ln, ok := p.listeners[addr]
	if !ok {
		return errors.Errorf("netconn: not listening on %s", addr)
	}
	delete(p.listeners, addr)
	return ln.Close()
}

// Accepted returns the channel new connections are delivered on.
func (p *PollList) Accepted() <-chan Accepted { return p.accepted }

// Errors returns the channel listener errors (e.g. on Close) are
// delivered on.
func (p *PollList) Errors() <-chan error { return p.errs }

// Close stops all listeners.
func (p *PollList) Close() error {
	var firstErr error
	for addr, ln := range p.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.listeners, addr)
	}
	return firstErr
}
