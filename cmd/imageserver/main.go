// Command imageserver runs the block fabric image server: it accepts
// client connections (C8), serves cached blocks straight from local
// image files, and — when given one or more upstream candidates —
// transparently proxies misses to another image server, forwarding
// replication traffic through a per-image uplink (C7) kept alive by
// the failover engine (C4).
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blockfabric/blockfabric/internal/altserver"
	"github.com/blockfabric/blockfabric/internal/failover"
	"github.com/blockfabric/blockfabric/internal/image"
	"github.com/blockfabric/blockfabric/internal/netconn"
	"github.com/blockfabric/blockfabric/internal/session"
	"github.com/blockfabric/blockfabric/internal/uplink"
	"github.com/blockfabric/blockfabric/internal/wire"
)

var opts struct {
	listen          string
	basePath        string
	sparseFiles     bool
	altServers      []string
	upstreams       []string
	protoVersion    uint16
	serverVersion   uint16
	minProtoVersion uint16
	maxPayload      int
	bgrMode         string
	bgrMinClients   int
	maxReplSize     int64
	keepalive       time.Duration
	logLevel        string
}

func main() {
	root := &cobra.Command{
		Use:   "imageserver",
		Short: "Serve block fabric images to kernel and CoW clients",
		RunE:  run,
	}
	flags := root.Flags()
	flags.StringVar(&opts.listen, "listen", ":10809", "address to accept client connections on")
	flags.StringVar(&opts.basePath, "base-path", "", "directory containing <name>/rid-<revision>/data.img trees (required)")
	flags.BoolVar(&opts.sparseFiles, "sparse-files", true, "hole-punch new proxy images instead of preallocating them")
	flags.StringArrayVar(&opts.altServers, "alt-server", nil, "host:port[:comment] of a known peer server, repeatable")
	flags.StringArrayVar(&opts.upstreams, "upstream", nil, "host:port of an upstream server to proxy misses to, repeatable")
	flags.Uint16Var(&opts.protoVersion, "proto-version", 2, "protocol version advertised on outgoing SELECT_IMAGE")
	flags.Uint16Var(&opts.serverVersion, "server-version", 2, "protocol version advertised to clients")
	flags.Uint16Var(&opts.minProtoVersion, "min-proto-version", 1, "oldest client protocol version accepted")
	flags.IntVar(&opts.maxPayload, "max-payload", 4<<20, "largest GET_BLOCK payload served in one reply")
	flags.StringVar(&opts.bgrMode, "bgr-mode", "disabled", "background replication mode: disabled|full|hashblock")
	flags.IntVar(&opts.bgrMinClients, "bgr-min-clients", 1, "minimum connected clients before background replication runs")
	flags.Int64Var(&opts.maxReplSize, "max-replication-size", 16<<20, "images with a larger virtual size (bytes) are not background-replicated")
	flags.DurationVar(&opts.keepalive, "keepalive-interval", 10*time.Second, "idle uplink keepalive interval")
	flags.StringVar(&opts.logLevel, "log-level", "info", "logrus level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("imageserver: fatal error")
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(opts.logLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	if opts.basePath == "" {
		return errors.New("imageserver: --base-path is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	altReg := altserver.New()
	for _, spec := range opts.altServers {
		ae, err := parseAltServer(spec)
		if err != nil {
			return errors.Wrap(err, "imageserver: --alt-server")
		}
		if err := altReg.Add(ae); err != nil {
			return errors.Wrap(err, "imageserver: register alt server")
		}
	}

	registry := image.New(opts.basePath, opts.sparseFiles, entry)
	if err := registry.LoadAll(); err != nil {
		return errors.Wrap(err, "imageserver: load images")
	}

	if len(opts.upstreams) > 0 {
		coord := &proxyCoordinator{
			upstreams:    opts.upstreams,
			altReg:       altReg,
			protoVersion: opts.protoVersion,
			uplinkCfg: uplink.Config{
				BGRMode:            parseBGRMode(opts.bgrMode),
				BGRMinClients:      opts.bgrMinClients,
				MaxReplicationSize: opts.maxReplSize,
				KeepaliveInterval:  opts.keepalive,
				MaxPayload:         opts.maxPayload,
			},
			log: entry,
		}
		registry.SetForwardHook(coord.forward)
		registry.SetProxyReadyHook(coord.onProxyReady)
		coord.runCtx = ctx
	}

	srv := session.NewServer(session.Config{
		MaxPayload:      opts.maxPayload,
		ServerVersion:   opts.serverVersion,
		MinProtoVersion: opts.minProtoVersion,
	}, registry, altReg, entry)

	polls := netconn.NewPollList()
	if err := polls.Add(opts.listen); err != nil {
		return errors.Wrap(err, "imageserver: listen")
	}
	defer polls.Close()
	entry.WithField("addr", opts.listen).Info("imageserver: accepting connections")

	go func() {
		<-ctx.Done()
		polls.Close()
	}()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case accepted := <-polls.Accepted():
			wg.Add(1)
			go func() {
				defer wg.Done()
				srv.Handle(ctx, accepted.Conn)
			}()
		case err := <-polls.Errors():
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
			}
			entry.WithError(err).Warn("imageserver: accept failed")
		}
	}
}

func parseBGRMode(s string) uplink.BackgroundReplicationMode {
	switch strings.ToLower(s) {
	case "full":
		return uplink.BGRFull
	case "hashblock":
		return uplink.BGRHashblock
	default:
		return uplink.BGRDisabled
	}
}

// parseAltServer parses "host:port" or "host:port:comment" into an
// altserver.Entry.
func parseAltServer(spec string) (altserver.Entry, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return altserver.Entry{}, errors.Errorf("expected host:port[:comment], got %q", spec)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return altserver.Entry{}, errors.Wrapf(err, "bad port in %q", spec)
	}
	e := altserver.Entry{Host: parts[0], Port: uint16(port), ProtocolVersion: opts.protoVersion}
	if len(parts) == 3 {
		e.Comment = parts[2]
	}
	return e, nil
}

// proxyCoordinator wires the registry's proxy-mode hooks to a probe
// helper (for the one-shot discovery SELECT_IMAGE) and to a
// failover+uplink engine pair per proxied image, kept alive
// independently of whatever connection discovery happened to use.
type proxyCoordinator struct {
	upstreams    []string
	altReg       *altserver.Registry
	protoVersion uint16
	uplinkCfg    uplink.Config
	log          *logrus.Entry
	runCtx       context.Context
}

// forward implements image.ForwardSelectImage: probe each configured
// upstream in turn until one answers SELECT_IMAGE successfully.
func (c *proxyCoordinator) forward(ctx context.Context, name string, rid uint16) (int64, string, uint16, error) {
	var lastErr error
	for _, addr := range c.upstreams {
		reply, err := c.probeOnce(ctx, addr, name, rid)
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithField("upstream", addr).Debug("imageserver: forward probe failed")
			continue
		}
		return int64(reply.FileSize), reply.Name, reply.RevisionID, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no upstreams configured")
	}
	return 0, "", 0, errors.Wrap(lastErr, "imageserver: no upstream could serve image")
}

// probeOnce performs a single one-shot SELECT_IMAGE handshake against
// addr and closes the connection immediately afterward.
func (c *proxyCoordinator) probeOnce(ctx context.Context, addr, name string, rid uint16) (*wire.SelectImageReply, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := netconn.Dial(dialCtx, addr, 0, c.log)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := wire.SelectImageRequest{ProtocolVersion: c.protoVersion, Name: name, RevisionID: rid, IsServer: true}
	w := wire.NewWriter(512)
	if err := req.Encode(w); err != nil {
		return nil, err
	}
	hdr := wire.RequestHeader{Magic: wire.Magic, Cmd: wire.CmdSelectImage, Size: uint32(len(w.Bytes()))}
	hdrBuf := make([]byte, wire.RequestHeaderSize)
	if err := hdr.Encode(hdrBuf); err != nil {
		return nil, err
	}
	if err := netconn.WriteFull(dialCtx, conn, hdrBuf); err != nil {
		return nil, err
	}
	if err := netconn.WriteFull(dialCtx, conn, w.Bytes()); err != nil {
		return nil, err
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if err := netconn.ReadFull(dialCtx, conn, replyHdrBuf); err != nil {
		return nil, err
	}
	var replyHdr wire.ReplyHeader
	if err := replyHdr.Decode(replyHdrBuf); err != nil {
		return nil, err
	}
	if replyHdr.Cmd == wire.CmdError {
		return nil, errors.Errorf("upstream %s refused SELECT_IMAGE for %s", addr, name)
	}
	payload := make([]byte, replyHdr.Size)
	if err := netconn.ReadFull(dialCtx, conn, payload); err != nil {
		return nil, err
	}
	var reply wire.SelectImageReply
	if err := reply.Decode(wire.NewReader(payload)); err != nil {
		return nil, err
	}
	return &reply, nil
}

// rebindHandoff lets a failover.Engine be constructed before the
// uplink.Engine it will eventually hand connections to exists, and
// vice versa, breaking the otherwise circular construction order.
type rebindHandoff struct {
	mu     sync.Mutex
	target failover.Rebinder
}

func (h *rebindHandoff) Rebind(conn net.Conn) {
	h.mu.Lock()
	t := h.target
	h.mu.Unlock()
	if t != nil {
		t.Rebind(conn)
	}
}

func (h *rebindHandoff) set(t failover.Rebinder) {
	h.mu.Lock()
	h.target = t
	h.mu.Unlock()
}

// hungHandoff is rebindHandoff's counterpart for failover.HungChecker,
// needed for the same construction-order reason.
type hungHandoff struct {
	mu     sync.Mutex
	target failover.HungChecker
}

func (h *hungHandoff) OldestPendingHandle() (uint64, bool) {
	h.mu.Lock()
	t := h.target
	h.mu.Unlock()
	if t == nil {
		return 0, false
	}
	return t.OldestPendingHandle()
}

func (h *hungHandoff) set(t failover.HungChecker) {
	h.mu.Lock()
	h.target = t
	h.mu.Unlock()
}

// onProxyReady finishes wiring a freshly created proxy image: a
// failover engine drives peer selection and reconnection, and an
// uplink engine multiplexes client requests onto whatever connection
// the failover engine currently holds.
func (c *proxyCoordinator) onProxyReady(img *image.Image) {
	rebind := &rebindHandoff{}
	hung := &hungHandoff{}
	fcfg := failover.Config{ImageName: img.Name, RevisionID: img.RevisionID, ProtocolVersion: c.protoVersion}
	fe := failover.New(fcfg, c.altReg, rebind, hung, c.log)

	connected := func() int { return int(img.RefCount()) }
	ue := uplink.New(img, fe, c.uplinkCfg, connected, c.log)
	rebind.set(ue)
	hung.set(ue)

	go fe.Run(c.runCtx)
	go ue.Run(c.runCtx)
}
