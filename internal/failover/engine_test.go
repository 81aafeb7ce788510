package failover

import (
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfabric/blockfabric/internal/altserver"
	"github.com/blockfabric/blockfabric/internal/wire"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

// fakePeer is a minimal in-process stand-in for a block fabric server:
// it answers SELECT_IMAGE and the RTT GET_BLOCK probe with a
// configurable artificial delay, then keeps the connection open for
// inspection by the test.
type fakePeer struct {
	t        *testing.T
	listener net.Listener
	name     string
	rid      uint16
	delay    time.Duration
	accepted chan net.Conn
}

func newFakePeer(t *testing.T, name string, rid uint16, delay time.Duration) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakePeer{t: t, listener: ln, name: name, rid: rid, delay: delay, accepted: make(chan net.Conn, 8)}
	go p.serve()
	return p
}

func (p *fakePeer) hostPort() (string, uint16) {
	addr := p.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

func (p *fakePeer) serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		p.accepted <- conn
		go p.handle(conn)
	}
}

func (p *fakePeer) handle(conn net.Conn) {
	for {
		hdrBuf := make([]byte, wire.RequestHeaderSize)
		if _, err := readFullConn(conn, hdrBuf); err != nil {
			return
		}
		var hdr wire.RequestHeader
		if err := hdr.Decode(hdrBuf); err != nil {
			return
		}
		payload := make([]byte, hdr.Size)
		if hdr.Size > 0 {
			if _, err := readFullConn(conn, payload); err != nil {
				return
			}
		}

		switch hdr.Cmd {
		case wire.CmdSelectImage:
			reply := wire.SelectImageReply{ServerVersion: 1, Name: p.name, RevisionID: p.rid, FileSize: 1 << 20}
			w := wire.NewWriter(256)
			_ = reply.Encode(w)
			replyHdr := wire.ReplyHeader{Magic: wire.Magic, Cmd: wire.CmdSelectImage, Size: uint32(len(w.Bytes())), Handle: hdr.Handle}
			buf := make([]byte, wire.ReplyHeaderSize)
			_ = replyHdr.Encode(buf)
			conn.Write(buf)
			conn.Write(w.Bytes())
		case wire.CmdGetBlock:
			if p.delay > 0 {
				time.Sleep(p.delay)
			}
			data := make([]byte, hdr.Size)
			replyHdr := wire.ReplyHeader{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Size: uint32(len(data)), Handle: hdr.Handle}
			buf := make([]byte, wire.ReplyHeaderSize)
			_ = replyHdr.Encode(buf)
			conn.Write(buf)
			conn.Write(data)
		default:
			return
		}
	}
}

func (p *fakePeer) close() { p.listener.Close() }

func readFullConn(conn net.Conn, buf []byte) (int, error) {
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

type recordingRebinder struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (r *recordingRebinder) Rebind(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, conn)
}

func (r *recordingRebinder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func addEntry(t *testing.T, reg *altserver.Registry, host string, port uint16) *altserver.Entry {
	t.Helper()
	require.NoError(t, reg.Add(altserver.Entry{Host: host, Port: port, ProtocolVersion: 1}))
	e, err := reg.Find(host, port)
	require.NoError(t, err)
	return e
}

func TestEnginePanicModeFirstResponderWins(t *testing.T) {
	peer := newFakePeer(t, "disk0", 1, 0)
	defer peer.close()
	host, port := peer.hostPort()

	reg := altserver.New()
	addEntry(t, reg, host, port)

	rebinder := &recordingRebinder{}
	cfg := Config{ImageName: "disk0", RevisionID: 1, ProtocolVersion: 1}
	e := New(cfg, reg, rebinder, nil, testLog())

	e.runProbeCycle()

	assert.Equal(t, 1, rebinder.count())
	assert.NotNil(t, e.Conn())
}

func TestEngineSwitchesToFasterPeerOnceReady(t *testing.T) {
	slow := newFakePeer(t, "disk0", 1, 20*time.Millisecond)
	defer slow.close()
	fast := newFakePeer(t, "disk0", 1, 0)
	defer fast.close()

	slowHost, slowPort := slow.hostPort()
	fastHost, fastPort := fast.hostPort()

	reg := altserver.New()
	slowEntry := addEntry(t, reg, slowHost, slowPort)
	addEntry(t, reg, fastHost, fastPort)

	rebinder := &recordingRebinder{}
	cfg := Config{ImageName: "disk0", RevisionID: 1, ProtocolVersion: 1, RTTThresholdFactor: 4}
	e := New(cfg, reg, rebinder, nil, testLog())

	// First cycle: force selection onto the slow peer directly so we
	// can observe a later switch away from it.
	e.mu.Lock()
	e.current = slowEntry
	e.mu.Unlock()
	slowEntry.RecordSample(20 * time.Millisecond)
	slowEntry.RecordSample(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		e.runProbeCycle()
		if rebinder.count() > 0 {
			break
		}
	}

	assert.GreaterOrEqual(t, rebinder.count(), 1)
}

func TestEngineSelectCandidatesAllInStartupAndPanic(t *testing.T) {
	reg := altserver.New()
	for i := 0; i < 5; i++ {
		addEntry(t, reg, "127.0.0.1", uint16(20000+i))
	}
	e := New(Config{}, reg, nil, nil, testLog())

	assert.Len(t, e.selectCandidates(ModeStartup), 5)
	assert.Len(t, e.selectCandidates(ModePanic), 5)
	assert.Len(t, e.selectCandidates(ModeSteady), steadyStateCandidates)
}

func TestEngineHungRequestForcesSwitch(t *testing.T) {
	reg := altserver.New()
	host, port := "127.0.0.1", uint16(9)
	current := addEntry(t, reg, host, port)
	current.RecordSample(1000 * time.Microsecond)
	current.RecordSample(1000 * time.Microsecond)

	hc := &fixedHungChecker{handle: 0x42, ok: true}
	e := New(Config{}, reg, nil, hc, testLog())
	e.mu.Lock()
	e.current = current
	e.mu.Unlock()

	assert.False(t, e.hungForcesSwitch()) // first observation just seeds the tracker
	assert.True(t, e.hungForcesSwitch())  // same handle on the second cycle forces it
}

type fixedHungChecker struct {
	handle uint64
	ok     bool
}

func (f *fixedHungChecker) OldestPendingHandle() (uint64, bool) { return f.handle, f.ok }

func TestEngineMeasureRTTRoundTrip(t *testing.T) {
	peer := newFakePeer(t, "disk0", 1, 5*time.Millisecond)
	defer peer.close()
	host, port := peer.hostPort()

	reg := altserver.New()
	entry := addEntry(t, reg, host, port)

	cfg := Config{ImageName: "disk0", RevisionID: 1, ProtocolVersion: 1, RTTBlockSize: 4096}
	e := New(cfg, reg, nil, nil, testLog())

	rtt, conn, err := e.probe(entry)
	require.NoError(t, err)
	defer conn.Close()
	assert.GreaterOrEqual(t, rtt, 5*time.Millisecond)
}

func TestEngineHandshakeRejectsMismatchedImage(t *testing.T) {
	peer := newFakePeer(t, "other-disk", 9, 0)
	defer peer.close()
	host, port := peer.hostPort()

	reg := altserver.New()
	entry := addEntry(t, reg, host, port)

	cfg := Config{ImageName: "disk0", RevisionID: 1, ProtocolVersion: 1}
	e := New(cfg, reg, nil, nil, testLog())

	_, _, err := e.probe(entry)
	assert.Error(t, err)
}

func TestEngineProbeAllAggregatesFailures(t *testing.T) {
	good := newFakePeer(t, "disk0", 1, 0)
	defer good.close()
	goodHost, goodPort := good.hostPort()

	reg := altserver.New()
	addEntry(t, reg, goodHost, goodPort)
	addEntry(t, reg, "127.0.0.1", 1) // nothing listens here

	cfg := Config{ImageName: "disk0", RevisionID: 1, ProtocolVersion: 1}
	e := New(cfg, reg, nil, nil, testLog())

	err := e.ProbeAll()
	assert.Error(t, err) // the unreachable candidate contributes a failure
}

func TestConnRebinderInterfaceSatisfied(t *testing.T) {
	var _ Rebinder = (*recordingRebinder)(nil)
}

func TestSelectCandidatesEmptyRegistry(t *testing.T) {
	e := New(Config{}, altserver.New(), nil, nil, testLog())
	assert.Empty(t, e.selectCandidates(ModeSteady))
}
