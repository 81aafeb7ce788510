// Package session implements the per-client read loop (C8): dispatch
// requests against the local cache map, pread cached ranges, and
// delegate uncached ranges to the image's uplink while keeping the
// single reply for a request in wire order even when parts of it
// come from cache and parts come from the uplink.
package session

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockfabric/blockfabric/internal/altserver"
	"github.com/blockfabric/blockfabric/internal/image"
	"github.com/blockfabric/blockfabric/internal/uplink"
	"github.com/blockfabric/blockfabric/internal/wire"
)

// Config bundles a Server's tunables.
type Config struct {
	MaxPayload      int
	ServerVersion   uint16
	MinProtoVersion uint16
}

// uplinkRequester is the richer capability a proxy-mode image's
// uplink actually offers; image.Uplink only promises Shutdown() to
// avoid an image<->uplink import cycle, so sessions type-assert up to
// this locally-defined interface (uplink.Engine satisfies it
// implicitly — no cycle, since uplink never imports session).
type uplinkRequester interface {
	image.Uplink
	Request(client uplink.ReplySink, handle uint64, start, length int64, hopCount uint8) error
}

// Server accepts connections and spawns one Session per client.
type Server struct {
	cfg      Config
	registry *image.Registry
	altReg   *altserver.Registry
	log      *logrus.Entry
}

// NewServer returns a Server bound to the given image registry and
// alt-server registry.
func NewServer(cfg Config, registry *image.Registry, altReg *altserver.Registry, log *logrus.Entry) *Server {
	return &Server{cfg: cfg, registry: registry, altReg: altReg, log: log.WithField("component", "session")}
}

// Handle runs one client's session to completion (until disconnect or
// a fatal protocol error), releasing any held image reference on the
// way out.
func (s *Server) Handle(ctx context.Context, conn net.Conn) {
	sess := &Session{
		conn:   conn,
		server: s,
		log:    s.log.WithField("peer", conn.RemoteAddr().String()),
	}
	defer sess.close()
	sess.run(ctx)
}

// Session is one accepted client connection.
type Session struct {
	conn   net.Conn
	server *Server
	log    *logrus.Entry

	img *image.Image

	sendMu sync.Mutex

	statsMu   sync.Mutex
	bytesSent uint64
	bytesRecv uint64
}

func (sess *Session) close() {
	if sess.img != nil {
		sess.server.registry.Release(sess.img)
	}
	sess.conn.Close()
}

func (sess *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		hdrBuf := make([]byte, wire.RequestHeaderSize)
		if err := readFull(ctx, sess.conn, hdrBuf); err != nil {
			return
		}
		var hdr wire.RequestHeader
		if err := hdr.Decode(hdrBuf); err != nil {
			sess.log.WithError(err).Debug("bad request header, closing connection")
			return
		}

		var payload []byte
		if hdr.Size > 0 && hdr.Cmd != wire.CmdGetBlock {
			payload = make([]byte, hdr.Size)
			if err := readFull(ctx, sess.conn, payload); err != nil {
				return
			}
		}
		sess.addRecv(uint64(wire.RequestHeaderSize) + uint64(len(payload)))

		var err error
		switch hdr.Cmd {
		case wire.CmdSelectImage:
			err = sess.handleSelectImage(ctx, hdr, payload)
		case wire.CmdGetBlock:
			err = sess.handleGetBlock(hdr)
		case wire.CmdGetServers:
			err = sess.handleGetServers(hdr)
		case wire.CmdLatestRid:
			err = sess.handleLatestRid(hdr)
		case wire.CmdKeepalive:
			// No reply: a keepalive only resets the peer's idle timer.
		default:
			err = errors.Errorf("session: unrecognized command %s", hdr.Cmd)
		}
		if err != nil {
			sess.log.WithError(err).Debug("request failed, replying ERROR")
			if sendErr := sess.sendError(hdr.Handle); sendErr != nil {
				return
			}
		}
	}
}

func (sess *Session) addRecv(n uint64) {
	sess.statsMu.Lock()
	sess.bytesRecv += n
	sess.statsMu.Unlock()
}

func (sess *Session) addSent(n uint64) {
	sess.statsMu.Lock()
	sess.bytesSent += n
	sess.statsMu.Unlock()
}

// Stats returns a snapshot of this session's byte counters.
func (sess *Session) Stats() (sent, recv uint64) {
	sess.statsMu.Lock()
	defer sess.statsMu.Unlock()
	return sess.bytesSent, sess.bytesRecv
}

func (sess *Session) handleSelectImage(ctx context.Context, hdr wire.RequestHeader, payload []byte) error {
	var req wire.SelectImageRequest
	if err := req.Decode(wire.NewReader(payload)); err != nil {
		return errors.Wrap(err, "session: decode SELECT_IMAGE")
	}
	if req.ProtocolVersion < sess.server.cfg.MinProtoVersion {
		return errors.New("session: peer protocol version too old")
	}

	if sess.img != nil {
		sess.server.registry.Release(sess.img)
		sess.img = nil
	}

	img, err := sess.server.registry.Get(ctx, req.Name, req.RevisionID)
	if err != nil {
		return errors.Wrap(err, "session: SELECT_IMAGE lookup")
	}
	sess.img = img

	reply := wire.SelectImageReply{
		ServerVersion: sess.server.cfg.ServerVersion,
		Name:          img.Name,
		RevisionID:    img.RevisionID,
		FileSize:      uint64(img.VirtualSize),
	}
	w := wire.NewWriter(512)
	if err := reply.Encode(w); err != nil {
		return err
	}
	return sess.sendReply(wire.CmdSelectImage, hdr.Handle, w.Bytes())
}

func (sess *Session) handleGetServers(hdr wire.RequestHeader) error {
	if sess.server.altReg == nil {
		reply := wire.GetServersReply{}
		w := wire.NewWriter(8)
		_ = reply.Encode(w)
		return sess.sendReply(wire.CmdGetServers, hdr.Handle, w.Bytes())
	}
	entries := sess.server.altReg.Snapshot(true, false)
	reply := wire.GetServersReply{Servers: make([]wire.AltServerEntry, 0, len(entries))}
	for _, e := range entries {
		reply.Servers = append(reply.Servers, wire.AltServerEntry{
			Host:            e.Host,
			Port:            e.Port,
			ProtocolVersion: e.ProtocolVersion,
			IsPrivate:       e.IsPrivate,
			IsClientOnly:    e.IsClientOnly,
			Comment:         e.Comment,
		})
	}
	w := wire.NewWriter(64 + 64*len(reply.Servers))
	if err := reply.Encode(w); err != nil {
		return err
	}
	return sess.sendReply(wire.CmdGetServers, hdr.Handle, w.Bytes())
}

func (sess *Session) handleLatestRid(hdr wire.RequestHeader) error {
	if sess.img == nil {
		return errors.New("session: LATEST_RID requires a prior SELECT_IMAGE")
	}
	var latest uint16
	for _, k := range sess.server.registry.List() {
		if k.Name == sess.img.Name && k.RevisionID > latest {
			latest = k.RevisionID
		}
	}
	reply := wire.LatestRidReply{RevisionID: latest}
	w := wire.NewWriter(4)
	if err := reply.Encode(w); err != nil {
		return err
	}
	return sess.sendReply(wire.CmdLatestRid, hdr.Handle, w.Bytes())
}

// handleGetBlock partitions the request into
// cached/uncached runs, serve cached runs directly, and delegate
// uncached runs to the uplink, assembling exactly one reply once
// every run has filled in.
func (sess *Session) handleGetBlock(hdr wire.RequestHeader) error {
	if sess.img == nil {
		return errors.New("session: GET_BLOCK requires a prior SELECT_IMAGE")
	}
	offset := int64(hdr.Offset)
	if offset >= sess.img.VirtualSize {
		return sess.sendReply(wire.CmdGetBlock, hdr.Handle, nil)
	}
	end := offset + int64(hdr.Size)
	if end > sess.img.VirtualSize {
		end = sess.img.VirtualSize
	}
	length := end - offset
	if sess.server.cfg.MaxPayload > 0 && length > int64(sess.server.cfg.MaxPayload) {
		end = offset + int64(sess.server.cfg.MaxPayload)
		length = end - offset
	}

	buf := make([]byte, length)
	runs := sess.img.CacheMap().Runs(offset, end)

	var outstanding int32
	for _, run := range runs {
		if !run.Cached {
			outstanding++
		}
	}

	for _, run := range runs {
		if !run.Cached {
			continue
		}
		if err := sess.readCached(run.From, buf[run.From-offset:run.To-offset]); err != nil {
			return errors.Wrap(err, "session: read cache file")
		}
	}

	if outstanding == 0 {
		return sess.finishGetBlock(hdr.Handle, buf)
	}

	uRaw := sess.img.Uplink()
	u, ok := uRaw.(uplinkRequester)
	if !ok {
		return errors.New("session: uncached range but image has no active uplink")
	}

	pending := &pendingGetBlock{
		sess:      sess,
		handle:    hdr.Handle,
		buf:       buf,
		remaining: outstanding,
	}
	for _, run := range runs {
		if run.Cached {
			continue
		}
		filler := &blockFiller{pending: pending, bufOffset: run.From - offset}
		if err := u.Request(filler, hdr.Handle, run.From, run.To-run.From, 0); err != nil {
			if atomic.AddInt32(&pending.remaining, -1) == 0 {
				return sess.sendError(hdr.Handle)
			}
		}
	}
	return nil
}

func (sess *Session) readCached(from int64, dst []byte) error {
	fd := sess.img.ReadFD()
	if fd == nil {
		return errors.New("session: image has no read descriptor")
	}
	_, err := fd.ReadAt(dst, from)
	return err
}

func (sess *Session) finishGetBlock(handle uint64, buf []byte) error {
	return sess.sendReply(wire.CmdGetBlock, handle, buf)
}

// pendingGetBlock assembles the partial results of a GET_BLOCK whose
// runs were split across the local cache and one or more uplink
// sub-requests, using a continuation keyed on an outstanding-range counter.
type pendingGetBlock struct {
	sess      *Session
	handle    uint64
	buf       []byte
	remaining int32
	mu        sync.Mutex
}

// blockFiller is a uplink.ReplySink that writes one uncached run's
// payload into its slice of the parent buffer and fires the single
// assembled reply once every run has reported.
type blockFiller struct {
	pending   *pendingGetBlock
	bufOffset int64
}

func (f *blockFiller) SendBlockReply(_ uint64, data []byte) error {
	f.pending.mu.Lock()
	copy(f.pending.buf[f.bufOffset:f.bufOffset+int64(len(data))], data)
	f.pending.mu.Unlock()
	if atomic.AddInt32(&f.pending.remaining, -1) == 0 {
		return f.pending.sess.finishGetBlock(f.pending.handle, f.pending.buf)
	}
	return nil
}

func (f *blockFiller) SendError(_ uint64) error {
	if atomic.AddInt32(&f.pending.remaining, -1) == 0 {
		return f.pending.sess.sendError(f.pending.handle)
	}
	return nil
}

func (sess *Session) sendReply(cmd wire.Command, handle uint64, payload []byte) error {
	hdr := wire.ReplyHeader{Magic: wire.Magic, Cmd: cmd, Size: uint32(len(payload)), Handle: handle}
	buf := make([]byte, wire.ReplyHeaderSize)
	if err := hdr.Encode(buf); err != nil {
		return err
	}
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if _, err := sess.conn.Write(buf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := sess.conn.Write(payload); err != nil {
			return err
		}
	}
	sess.addSent(uint64(len(buf) + len(payload)))
	return nil
}

func (sess *Session) sendError(handle uint64) error {
	return sess.sendReply(wire.CmdError, handle, nil)
}

func readFull(ctx context.Context, conn net.Conn, buf []byte) error {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}
