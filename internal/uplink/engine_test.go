package uplink

import (
	"bytes"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfabric/blockfabric/internal/crcmap"
	"github.com/blockfabric/blockfabric/internal/image"
	"github.com/blockfabric/blockfabric/internal/wire"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

// newTestImage creates a fresh proxy-style image (sparse file, all-zero
// cache map) the same way the registry does on a forwarded SELECT_IMAGE
// miss, so the engine has real CacheMap/ReadFD plumbing to exercise.
func newTestImage(t *testing.T, virtualSize int64) *image.Image {
	t.Helper()
	reg := image.New(t.TempDir(), true, testLog())
	reg.SetForwardHook(func(ctx context.Context, name string, rid uint16) (int64, string, uint16, error) {
		return virtualSize, name, rid, nil
	})
	img, err := reg.Get(context.Background(), "disk0", 1)
	require.NoError(t, err)
	return img
}

// fakeSource hands the engine a net.Pipe endpoint and records whether
// TriggerFailover was ever called.
type fakeSource struct {
	conn     net.Conn
	failedCh chan error
}

func (f *fakeSource) Conn() net.Conn { return f.conn }
func (f *fakeSource) TriggerFailover(reason error) {
	select {
	case f.failedCh <- reason:
	default:
	}
}

type recordingSink struct {
	replies chan []byte
	errs    chan uint64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{replies: make(chan []byte, 8), errs: make(chan uint64, 8)}
}

func (s *recordingSink) SendBlockReply(handle uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.replies <- cp
	return nil
}

func (s *recordingSink) SendError(handle uint64) error {
	s.errs <- handle
	return nil
}

func TestEngineRequestDeliversPayload(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	img := newTestImage(t, 64*1024)
	src := &fakeSource{conn: clientConn, failedCh: make(chan error, 1)}
	cfg := Config{KeepaliveInterval: time.Hour, MaxReplicationSize: 0}
	e := New(img, src, cfg, func() int { return 1 }, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	sink := newRecordingSink()
	require.NoError(t, e.Request(sink, 42, 0, image.BlockSize, 0))

	// Act as the upstream: read the GET_BLOCK header this engine sends,
	// then answer with a matching reply frame.
	hdrBuf := make([]byte, wire.RequestHeaderSize)
	_, err := readFullHelper(serverConn, hdrBuf)
	require.NoError(t, err)
	var reqHdr wire.RequestHeader
	require.NoError(t, reqHdr.Decode(hdrBuf))
	assert.Equal(t, wire.CmdGetBlock, reqHdr.Cmd)
	assert.Equal(t, uint32(image.BlockSize), reqHdr.Size)

	payload := make([]byte, image.BlockSize)
	for i := range payload {
		payload[i] = 0xAB
	}
	replyHdr := wire.ReplyHeader{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Size: uint32(len(payload)), Handle: reqHdr.Handle}
	replyBuf := make([]byte, wire.ReplyHeaderSize)
	require.NoError(t, replyHdr.Encode(replyBuf))
	_, err = serverConn.Write(replyBuf)
	require.NoError(t, err)
	_, err = serverConn.Write(payload)
	require.NoError(t, err)

	select {
	case got := <-sink.replies:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply delivery")
	}

	assert.True(t, img.CacheMap().RangeComplete(0, image.BlockSize))
}

func TestEngineRejectsReplyFailingCRC(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	img := newTestImage(t, image.BlockSize)
	zero := make([]byte, image.BlockSize)
	m, err := crcmap.Build(bytes.NewReader(zero), image.BlockSize)
	require.NoError(t, err)
	img.SetCRC(m)

	src := &fakeSource{conn: clientConn, failedCh: make(chan error, 1)}
	cfg := Config{KeepaliveInterval: time.Hour}
	e := New(img, src, cfg, func() int { return 1 }, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	sink := newRecordingSink()
	require.NoError(t, e.Request(sink, 9, 0, image.BlockSize, 0))

	hdrBuf := make([]byte, wire.RequestHeaderSize)
	_, err = readFullHelper(serverConn, hdrBuf)
	require.NoError(t, err)
	var reqHdr wire.RequestHeader
	require.NoError(t, reqHdr.Decode(hdrBuf))

	payload := bytes.Repeat([]byte{0xAB}, image.BlockSize)
	replyHdr := wire.ReplyHeader{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Size: uint32(len(payload)), Handle: reqHdr.Handle}
	replyBuf := make([]byte, wire.ReplyHeaderSize)
	require.NoError(t, replyHdr.Encode(replyBuf))
	_, err = serverConn.Write(replyBuf)
	require.NoError(t, err)
	_, err = serverConn.Write(payload)
	require.NoError(t, err)

	select {
	case handle := <-sink.errs:
		assert.Equal(t, uint64(9), handle)
	case <-sink.replies:
		t.Fatal("a chunk that fails CRC verification must not be delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the CRC rejection")
	}

	assert.False(t, img.Working())
	assert.False(t, img.CacheMap().RangeComplete(0, image.BlockSize), "a corrupt chunk's cache bits must be cleared")
}

func TestEngineDedupesOverlappingRequests(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	img := newTestImage(t, 64*1024)
	src := &fakeSource{conn: clientConn, failedCh: make(chan error, 1)}
	cfg := Config{KeepaliveInterval: time.Hour}
	e := New(img, src, cfg, func() int { return 1 }, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	sinkA := newRecordingSink()
	sinkB := newRecordingSink()
	require.NoError(t, e.Request(sinkA, 1, 0, image.BlockSize, 0))
	require.NoError(t, e.Request(sinkB, 2, 0, image.BlockSize, 0))

	hdrBuf := make([]byte, wire.RequestHeaderSize)
	_, err := readFullHelper(serverConn, hdrBuf)
	require.NoError(t, err)
	var reqHdr wire.RequestHeader
	require.NoError(t, reqHdr.Decode(hdrBuf))

	payload := make([]byte, image.BlockSize)
	replyHdr := wire.ReplyHeader{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Size: uint32(len(payload)), Handle: reqHdr.Handle}
	replyBuf := make([]byte, wire.ReplyHeaderSize)
	require.NoError(t, replyHdr.Encode(replyBuf))
	_, err = serverConn.Write(replyBuf)
	require.NoError(t, err)
	_, err = serverConn.Write(payload)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-sinkA.replies:
		case <-sinkB.replies:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deduped replies")
		}
	}

	// Only one GET_BLOCK should ever have crossed the wire: a second
	// read attempt should see nothing further queued.
	serverConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = serverConn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestEngineRejectsExcessiveHopCount(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	img := newTestImage(t, 64*1024)
	src := &fakeSource{conn: clientConn, failedCh: make(chan error, 1)}
	e := New(img, src, Config{}, func() int { return 0 }, testLog())

	sink := newRecordingSink()
	err := e.Request(sink, 1, 0, image.BlockSize, MaxHopCount+1)
	assert.Error(t, err)
}

func TestEngineShutdownFailsPendingClients(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	img := newTestImage(t, 64*1024)
	src := &fakeSource{conn: clientConn, failedCh: make(chan error, 1)}
	e := New(img, src, Config{KeepaliveInterval: time.Hour}, func() int { return 0 }, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	sink := newRecordingSink()
	require.NoError(t, e.Request(sink, 7, 0, image.BlockSize, 0))
	time.Sleep(50 * time.Millisecond)

	e.Shutdown()

	select {
	case handle := <-sink.errs:
		assert.Equal(t, uint64(7), handle)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an ERROR reply on shutdown")
	}
	assert.Nil(t, img.Uplink())
}

func readFullHelper(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}
