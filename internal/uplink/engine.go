// Package uplink implements the per-image upstream connection that
// multiplexes client sub-requests, deduplicates overlapping ranges,
// and drives background replication.
package uplink

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/blockfabric/blockfabric/internal/crcmap"
	"github.com/blockfabric/blockfabric/internal/image"
	"github.com/blockfabric/blockfabric/internal/netconn"
	"github.com/blockfabric/blockfabric/internal/wire"
)

// ReplySink is the minimal interface a client session exposes so the
// uplink can deliver payloads without importing the session package
// (which depends on uplink for its own dispatch — importing it back
// would cycle).
type ReplySink interface {
	// SendBlockReply delivers size bytes of payload for a GET_BLOCK
	// identified by handle.
	SendBlockReply(handle uint64, data []byte) error
	// SendError delivers an ERROR reply for handle.
	SendError(handle uint64) error
}

// UpstreamSource abstracts the currently-selected upstream connection
// as chosen by the failover engine (C4), and the hook used to report
// a dead connection so failover can run an out-of-cycle handover.
// Defined here rather than importing the failover package directly
// to avoid a dependency cycle (failover calls back into Engine.Rebind
// once it has picked a replacement).
type UpstreamSource interface {
	Conn() net.Conn
	TriggerFailover(reason error)
}

// BackgroundReplicationMode selects how idle capacity is spent
// filling in a proxy's local cache.
type BackgroundReplicationMode int

// Background replication modes.
const (
	BGRDisabled BackgroundReplicationMode = iota
	BGRFull                                // replicate every missing block in image order
	BGRHashblock                           // replicate only to complete CRC-aligned 16 MiB chunks
)

// Config bundles the engine's tunables.
type Config struct {
	BGRMode            BackgroundReplicationMode
	BGRMinClients      int
	MaxReplicationSize int64
	KeepaliveInterval  time.Duration
	MaxPayload         int
}

// ConnectedClientsFunc reports how many clients currently have this
// image open, gating background replication.
type ConnectedClientsFunc func() int

var (
	reqsForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blockfabric_uplink_requests_forwarded_total",
		Help: "GET_BLOCK requests forwarded upstream, by image.",
	}, []string{"image"})
	bytesServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blockfabric_uplink_bytes_served_total",
		Help: "Payload bytes delivered to clients from uplink replies, by image.",
	}, []string{"image"})
)

func init() {
	prometheus.MustRegister(reqsForwarded, bytesServed)
}

// Engine is the single upstream connection multiplexer for one
// proxied image.
type Engine struct {
	img    *image.Image
	cfg    Config
	log    *logrus.Entry
	queue  *Queue
	signal Signal
	src    UpstreamSource

	connectedClients ConnectedClientsFunc

	connMu sync.RWMutex
	conn   net.Conn
	rebind chan struct{} // signaled after Rebind installs a new conn, so Run restarts its reader

	shutdown  int32 // atomic bool
	lastTrfc  int64 // unix nano, last time any traffic was seen
	bgrCursor int64
	bgrBusy   int32 // atomic bool, one replication slot reserved at a time
}

// New returns an Engine bound to img and the upstream already
// selected by the failover engine (via src.Conn()).
func New(img *image.Image, src UpstreamSource, cfg Config, connected ConnectedClientsFunc, log *logrus.Entry) *Engine {
	e := &Engine{
		img:              img,
		cfg:              cfg,
		log:              log.WithField("image", img.Name),
		queue:            NewQueue(),
		signal:           NewSignal(),
		src:              src,
		connectedClients: connected,
		conn:             src.Conn(),
		rebind:           make(chan struct{}, 1),
	}
	img.SetUplink(e)
	return e
}

// Shutdown cancels the uplink: drains the queue with ERROR replies to
// every pending client, then closes the upstream socket and clears
// the image's back-reference.
func (e *Engine) Shutdown() {
	if !atomic.CompareAndSwapInt32(&e.shutdown, 0, 1) {
		return
	}
	e.signal.Close()
	for _, r := range e.queue.FailAll() {
		_ = r.Client.SendError(r.Handle)
	}
	e.connMu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.connMu.Unlock()
	e.img.ClearUplink()
}

func (e *Engine) isShutdown() bool { return atomic.LoadInt32(&e.shutdown) == 1 }

// OldestPendingHandle satisfies failover.HungChecker.
func (e *Engine) OldestPendingHandle() (uint64, bool) {
	return e.queue.OldestPendingHandle()
}

// Conn returns the currently bound upstream connection.
func (e *Engine) Conn() net.Conn {
	e.connMu.RLock()
	defer e.connMu.RUnlock()
	return e.conn
}

// Rebind installs a freshly handed-over upstream connection ("better
// socket" promoted in place by the failover engine) without draining
// the in-flight queue, and reissues every PENDING slot so its
// GET_BLOCK header gets resent on the new socket with the same slot
// index as its upstream handle.
func (e *Engine) Rebind(conn net.Conn) {
	e.connMu.Lock()
	old := e.conn
	e.conn = conn
	e.connMu.Unlock()
	if old != nil {
		old.Close()
	}
	e.queue.ReissuePending()
	e.signal.Raise()
	select {
	case e.rebind <- struct{}{}:
	default:
	}
}

// Request aligns the range
// outward to 4 KiB, dedup against in-flight slots, else claim a free
// one and wake the uplink thread.
func (e *Engine) Request(client ReplySink, clientHandle uint64, start, length int64, hopCount uint8) error {
	if hopCount > MaxHopCount {
		return errors.New("uplink: hop count ceiling exceeded")
	}
	from := alignDown(start, image.BlockSize)
	to := alignUp(start+length, image.BlockSize)

	result, err := e.queue.Enqueue(from, to, client, clientHandle, hopCount)
	if err != nil {
		return err
	}
	if !result.HoppedOn {
		e.signal.Raise()
		reqsForwarded.WithLabelValues(e.img.Name).Inc()
	}
	return nil
}

// Run is the uplink thread: it drains signaled work, reads upstream
// replies, and drives the timer tick for keepalive/background
// replication, until ctx is cancelled or Shutdown is called.
func (e *Engine) Run(ctx context.Context) {
	wake := make(chan struct{})
	go func() {
		for e.signal.Wait() {
			select {
			case wake <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	replies := make(chan replyFrame)
	failures := make(chan error, 1)
	go e.readLoop(ctx, replies, failures)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			e.drainNew()
		case rf := <-replies:
			e.handleReply(rf)
			go e.readLoop(ctx, replies, failures) // resume reading on the (possibly rebound) conn
		case err := <-failures:
			e.handleFailure(err)
		case <-e.rebind:
			go e.readLoop(ctx, replies, failures)
		case <-ticker.C:
			e.onTick()
		}
		if e.isShutdown() {
			return
		}
	}
}

// drainNew emits a GET_BLOCK for every NEW slot, using the slot's own
// index as the upstream-visible handle.
func (e *Engine) drainNew() {
	conn := e.Conn()
	if conn == nil {
		return
	}
	for _, idx := range e.queue.TakeNew() {
		slot, ok := e.queue.FindByHandle(idx)
		if !ok {
			continue
		}
		hdr := wire.RequestHeader{
			Magic:  wire.Magic,
			Cmd:    wire.CmdGetBlock,
			Size:   0,
			Handle: uint64(idx),
			Offset: uint64(slot.From),
		}
		buf := make([]byte, wire.RequestHeaderSize)
		szHdr := hdr
		szHdr.Size = uint32(slot.To - slot.From)
		if err := szHdr.Encode(buf); err != nil {
			e.handleFailure(err)
			return
		}
		if err := netconn.WriteFull(context.Background(), conn, buf); err != nil {
			e.handleFailure(err)
			return
		}
		e.queue.MarkPending(idx)
		atomic.StoreInt64(&e.lastTrfc, time.Now().UnixNano())
	}
}

type replyFrame struct {
	header  wire.ReplyHeader
	payload []byte
}

// readLoop reads one reply frame (header + payload) and hands it off,
// then returns; Run respawns it after each successful frame so a
// Rebind mid-read cleanly starts fresh on the new connection.
func (e *Engine) readLoop(ctx context.Context, out chan<- replyFrame, errs chan<- error) {
	conn := e.Conn()
	if conn == nil {
		return
	}
	buf := make([]byte, wire.ReplyHeaderSize)
	if err := netconn.ReadFull(ctx, conn, buf); err != nil {
		select {
		case errs <- err:
		default:
		}
		return
	}
	var hdr wire.ReplyHeader
	if err := hdr.Decode(buf); err != nil {
		select {
		case errs <- err:
		default:
		}
		return
	}
	payload := make([]byte, hdr.Size)
	if hdr.Size > 0 {
		if err := netconn.ReadFull(ctx, conn, payload); err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
	}
	select {
	case out <- replyFrame{header: hdr, payload: payload}:
	case <-ctx.Done():
	}
}

// handleReply locates the slot,
// advance it to PROCESSING, write the payload to the cache file, flip
// the cache-map bits, then fan the reply out to every attached
// recipient and return the slot to FREE. A reply whose handle matches
// no slot, or whose size doesn't match the slot's range, is a fatal
// protocol error for the connection.
func (e *Engine) handleReply(rf replyFrame) {
	atomic.StoreInt64(&e.lastTrfc, time.Now().UnixNano())
	idx := int(rf.header.Handle)
	slot, ok := e.queue.FindByHandle(idx)
	if !ok {
		e.handleFailure(errors.Errorf("uplink: reply for unknown slot %d", idx))
		return
	}
	if int64(rf.header.Size) != slot.To-slot.From {
		e.handleFailure(errors.Errorf("uplink: reply size %d doesn't match slot range [%d,%d)", rf.header.Size, slot.From, slot.To))
		return
	}
	e.queue.MarkProcessing(idx)

	if fd := e.img.ReadFD(); fd != nil {
		if _, err := fd.WriteAt(rf.payload, slot.From); err != nil {
			e.log.WithError(err).Warn("cache write failed, range stays uncached")
			_, _, recipients := e.queue.Complete(idx)
			for _, r := range recipients {
				_ = r.Client.SendError(r.Handle)
			}
			return
		}
	}
	corrupted := false
	if cm := e.img.CacheMap(); cm != nil {
		cm.SetRange(slot.From, slot.To)
		if m := e.img.CRC(); m != nil {
			corrupted = e.verifyCompletedChunks(cm, m, slot.From, slot.To)
		}
		if cm.PercentComplete() >= 100 {
			e.img.MarkComplete()
		}
	}

	from, to, recipients := e.queue.Complete(idx)
	if corrupted {
		for _, r := range recipients {
			_ = r.Client.SendError(r.Handle)
		}
		return
	}
	bytesServed.WithLabelValues(e.img.Name).Add(float64(to - from))
	for _, r := range recipients {
		if err := r.Client.SendBlockReply(r.Handle, rf.payload); err != nil {
			e.log.WithError(err).Debug("client reply delivery failed, client likely disconnected")
		}
	}
}

// verifyCompletedChunks checks every CRC-chunk-aligned span inside
// [from, to) that cm now reports fully cached against the image's
// integrity map, reading the span back from the read descriptor. A
// mismatch clears that chunk's cache bits, forcing a re-fetch, and
// marks the image not working: a corrupt chunk from upstream means
// the image can't be trusted until reloaded.
func (e *Engine) verifyCompletedChunks(cm *image.CacheMap, m *crcmap.Map, from, to int64) bool {
	fd := e.img.ReadFD()
	if fd == nil {
		return false
	}
	corrupted := false
	first := alignDown(from, crcmap.ChunkSize)
	for off := first; off < to; off += crcmap.ChunkSize {
		end := off + crcmap.ChunkSize
		if end > e.img.VirtualSize {
			end = e.img.VirtualSize
		}
		if !cm.RangeComplete(off, end) {
			continue
		}
		chunkIndex := int(off / crcmap.ChunkSize)
		buf := make([]byte, end-off)
		if _, err := fd.ReadAt(buf, off); err != nil {
			e.log.WithError(err).WithField("chunk", chunkIndex).Warn("crcmap: read chunk for verification failed")
			continue
		}
		ok, err := m.VerifyChunk(chunkIndex, buf)
		if err != nil {
			e.log.WithError(err).WithField("chunk", chunkIndex).Warn("crcmap: verify chunk")
			continue
		}
		if !ok {
			e.log.WithField("chunk", chunkIndex).Error("crcmap: chunk failed integrity check, marking image not working")
			cm.ClearRange(off, end)
			e.img.MarkNotWorking()
			corrupted = true
		}
	}
	return corrupted
}

// handleFailure is fatal to the current upstream connection: it
// closes the socket and asks the failover engine to run an immediate
// handover cycle. PENDING slots are reissued once Rebind installs a
// replacement.
func (e *Engine) handleFailure(err error) {
	if e.isShutdown() {
		return
	}
	e.log.WithError(err).Warn("uplink connection failed, triggering failover")
	conn := e.Conn()
	if conn != nil {
		conn.Close()
	}
	if e.src != nil {
		e.src.TriggerFailover(err)
	}
}

func (e *Engine) onTick() {
	idle := time.Since(time.Unix(0, atomic.LoadInt64(&e.lastTrfc)))
	if atomic.LoadInt64(&e.lastTrfc) > 0 && idle >= e.cfg.KeepaliveInterval {
		e.sendKeepalive()
	}
	e.maybeReplicate()
}

func (e *Engine) sendKeepalive() {
	conn := e.Conn()
	if conn == nil {
		return
	}
	hdr := wire.RequestHeader{Magic: wire.Magic, Cmd: wire.CmdKeepalive}
	buf := make([]byte, wire.RequestHeaderSize)
	if err := hdr.Encode(buf); err != nil {
		return
	}
	if err := netconn.WriteFull(context.Background(), conn, buf); err != nil {
		e.handleFailure(err)
		return
	}
	atomic.StoreInt64(&e.lastTrfc, time.Now().UnixNano())
}

// maybeReplicate enqueues one background-replication slot per tick
// when eligible: BGR not disabled, enough connected clients, image
// under the replication size ceiling, and no replication slot
// currently outstanding.
func (e *Engine) maybeReplicate() {
	if e.cfg.BGRMode == BGRDisabled {
		return
	}
	if e.img.VirtualSize > e.cfg.MaxReplicationSize {
		return
	}
	if e.connectedClients != nil && e.connectedClients() < e.cfg.BGRMinClients {
		return
	}
	cm := e.img.CacheMap()
	if cm == nil {
		return // already complete
	}
	if !atomic.CompareAndSwapInt32(&e.bgrBusy, 0, 1) {
		return
	}
	from, to, ok := e.nextReplicationRange(cm)
	if !ok {
		atomic.StoreInt32(&e.bgrBusy, 0)
		return
	}
	sink := &replicationSink{done: func() { atomic.StoreInt32(&e.bgrBusy, 0) }}
	if err := e.Request(sink, 0, from, to-from, 0); err != nil {
		atomic.StoreInt32(&e.bgrBusy, 0)
	}
}

// nextReplicationRange scans forward from the cursor for the next
// range to replicate: any missing block in BGRFull, or the next
// incomplete CRC-chunk-aligned span in BGRHashblock (so integrity
// verification always has a complete chunk to check).
func (e *Engine) nextReplicationRange(cm *image.CacheMap) (from, to int64, ok bool) {
	step := int64(image.BlockSize)
	limit := e.img.VirtualSize
	if e.cfg.BGRMode == BGRHashblock {
		step = crcmap.ChunkSize
	}
	for off := e.bgrCursor; off < limit; off += step {
		end := off + step
		if end > limit {
			end = limit
		}
		if !cm.RangeComplete(off, end) {
			e.bgrCursor = end
			if e.bgrCursor >= limit {
				e.bgrCursor = 0
			}
			return off, end, true
		}
	}
	e.bgrCursor = 0
	return 0, 0, false
}

// replicationSink discards block payloads fetched purely to populate
// the local cache; it exists to satisfy ReplySink for a slot with no
// real client attached.
type replicationSink struct{ done func() }

func (s *replicationSink) SendBlockReply(uint64, []byte) error { s.done(); return nil }
func (s *replicationSink) SendError(uint64) error              { s.done(); return nil }

func alignDown(v, align int64) int64 { return v &^ (align - 1) }
func alignUp(v, align int64) int64   { return (v + align - 1) &^ (align - 1) }
