// Package netconn provides the connection and socket helpers shared
// by the uplink engine and the failover prober: bounded-retry
// non-blocking connect, read/write timeouts sized off measured RTT,
// and a small poll-list wrapper for the accept path.
package netconn

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxConnectAttempts bounds the number of connect attempts made by
// Dial before giving up.
const MaxConnectAttempts = 4

// MinConnectTimeoutMS is the floor, in milliseconds, applied to the derived socket
// timeout regardless of how small the measured RTT is.
const MinConnectTimeoutMS = 1000

var errAllAttemptsFailed = errors.New("netconn: all connect attempts failed")

// Dial opens a TCP connection to addr, retrying up to
// MaxConnectAttempts times with TCP_NODELAY set and read/write
// timeouts derived from currentRTT (or MinConnectTimeoutMS if
// currentRTT is zero, i.e. no prior measurement exists).
func Dial(ctx context.Context, addr string, currentRTT time.Duration, log *logrus.Entry) (*net.TCPConn, error) {
	timeout := socketTimeout(currentRTT)
	dialer := &net.Dialer{Timeout: timeout}
	var lastErr error
	for attempt := 1; attempt <= MaxConnectAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			tcpConn := conn.(*net.TCPConn)
			if err := configure(tcpConn, timeout); err != nil {
				tcpConn.Close()
				return nil, errors.Wrap(err, "netconn: configure socket")
			}
			return tcpConn, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Debug("connect attempt failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return nil, errors.Wrapf(errAllAttemptsFailed, "%s: %v", addr, lastErr)
}

// socketTimeout derives the read/write timeout from the currently
// measured RTT: max(2*rtt, MinConnectTimeoutMS).
func socketTimeout(currentRTT time.Duration) time.Duration {
	min := time.Duration(MinConnectTimeoutMS) * time.Millisecond
	if d := 2 * currentRTT; d > min {
		return d
	}
	return min
}

// configure applies TCP_NODELAY and symmetric send/receive timeouts
// to conn. The "under pressure" allocation hint (letting the socket
// draw from reserved memory while the peer is struggling) has no
// portable Go equivalent; SO_SNDTIMEO/SO_RCVTIMEO
// and TCP_NODELAY are the parts that carry over directly via
// golang.org/x/sys/unix.
func configure(conn *net.TCPConn, timeout time.Duration) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if e := unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); e != nil {
			sockErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// ReadFull reads exactly len(buf) bytes from conn. If ctx has a
// deadline it is applied as the read deadline; cancelling a ctx that
// has no deadline does not interrupt a blocked read.
func ReadFull(ctx context.Context, conn net.Conn, buf []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return errors.Wrap(err, "netconn: short read")
		}
		n += m
	}
	return nil
}

// WriteFull writes all of buf to conn.
func WriteFull(ctx context.Context, conn net.Conn, buf []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	n := 0
	for n < len(buf) {
		m, err := conn.Write(buf[n:])
		if err != nil {
			return errors.Wrap(err, "netconn: short write")
		}
		n += m
	}
	return nil
}
