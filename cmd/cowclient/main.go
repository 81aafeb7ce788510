// Command cowclient mounts a writable, copy-on-write view of a remote
// block fabric image (C9) over FUSE, shipping modified blocks to a
// merge service in the background (C10). The FUSE dispatch itself is
// a thin adapter: every read/write it receives is handed straight to
// the CoW store, which does the actual addressing, caching, and
// upload bookkeeping.
package main

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blockfabric/blockfabric/internal/cow"
	"github.com/blockfabric/blockfabric/internal/cowupload"
	"github.com/blockfabric/blockfabric/internal/netconn"
	"github.com/blockfabric/blockfabric/internal/wire"
)

var opts struct {
	mountpoint      string
	metaPath        string
	dataPath        string
	server          string
	imageName       string
	revisionID      uint16
	protoVersion    uint16
	mergeServiceURL string
	mergeOnUnmount  bool
	logLevel        string
}

func main() {
	root := &cobra.Command{
		Use:   "cowclient",
		Short: "Mount a copy-on-write view of a remote block fabric image",
		RunE:  run,
	}
	flags := root.Flags()
	flags.StringVar(&opts.mountpoint, "mountpoint", "", "directory to mount the CoW image at (required)")
	flags.StringVar(&opts.metaPath, "meta-file", "", "path to the CoW metadata file (required)")
	flags.StringVar(&opts.dataPath, "data-file", "", "path to the CoW data file (required)")
	flags.StringVar(&opts.server, "server", "", "host:port of the image server to overlay (required)")
	flags.StringVar(&opts.imageName, "image", "", "image name to SELECT_IMAGE (required)")
	flags.Uint16Var(&opts.revisionID, "revision", 0, "image revision id, matched exactly (0 is not resolved to the latest revision)")
	flags.Uint16Var(&opts.protoVersion, "proto-version", 2, "protocol version advertised on SELECT_IMAGE")
	flags.StringVar(&opts.mergeServiceURL, "merge-service", "", "base URL of the CoW merge service; empty disables uploads")
	flags.BoolVar(&opts.mergeOnUnmount, "merge-on-unmount", false, "issue startMerge once every dirty block has been uploaded")
	flags.StringVar(&opts.logLevel, "log-level", "info", "logrus level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("cowclient: fatal error")
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(opts.logLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	for flagName, v := range map[string]string{
		"mountpoint": opts.mountpoint, "meta-file": opts.metaPath,
		"data-file": opts.dataPath, "server": opts.server, "image": opts.imageName,
	} {
		if v == "" {
			return errors.Errorf("cowclient: --%s is required", flagName)
		}
	}

	ctx := context.Background()
	remote, virtualSize, err := dialOrigin(ctx, opts.server, opts.imageName, opts.revisionID, opts.protoVersion, entry)
	if err != nil {
		return errors.Wrap(err, "cowclient: connect to origin")
	}

	store, err := openOrCreateStore(opts.metaPath, opts.dataPath, opts.imageName, virtualSize, entry)
	if err != nil {
		return errors.Wrap(err, "cowclient: open CoW store")
	}
	defer store.Close()

	var uploader *cowupload.Uploader
	if opts.mergeServiceURL != "" {
		client := cowupload.NewClient(opts.mergeServiceURL, nil, entry)
		uploader = cowupload.NewUploader(store, client, opts.mergeOnUnmount, entry)
		go uploader.Run(ctx)
		stats := cowupload.NewStatsTask(uploader, dirOf(opts.metaPath), entry)
		go stats.Run(cow.StatsUpdateInterval)
	}

	root := &cowRoot{store: store, remote: remote, name: opts.imageName}
	server, err := fs.Mount(opts.mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{FsName: "blockfabric-cow", Name: "cow", SingleThreaded: false},
	})
	if err != nil {
		return errors.Wrap(err, "cowclient: mount")
	}
	entry.WithField("mountpoint", opts.mountpoint).Info("cowclient: mounted")

	server.Wait()

	if uploader != nil {
		uploader.Stop()
		<-uploader.Done()
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// openOrCreateStore opens an existing CoW session if its meta file is
// already present (keeping its UUID and sizes; cow.Open does not
// reload the blocks that session had written), otherwise creates a fresh one sized to the origin's current virtual
// size.
func openOrCreateStore(metaPath, dataPath, imageName string, virtualSize int64, log *logrus.Entry) (*cow.Store, error) {
	if _, err := os.Stat(metaPath); err == nil {
		return cow.Open(metaPath, dataPath, log)
	}
	return cow.Create(metaPath, dataPath, imageName, virtualSize, log)
}

// originReader is a cow.RemoteReader backed by one persistent
// connection to the image server: requests are issued synchronously
// under a mutex, since the CoW client has no need for the image
// server's own request multiplexing.
type originReader struct {
	mu    sync.Mutex
	conn  net.Conn
	nextH uint64
}

func (r *originReader) ReadRemote(ctx context.Context, offset int64, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle := atomic.AddUint64(&r.nextH, 1)
	hdr := wire.RequestHeader{Magic: wire.Magic, Cmd: wire.CmdGetBlock, Handle: handle, Offset: uint64(offset), Size: uint32(len(buf))}
	hdrBuf := make([]byte, wire.RequestHeaderSize)
	if err := hdr.Encode(hdrBuf); err != nil {
		return err
	}
	if err := netconn.WriteFull(ctx, r.conn, hdrBuf); err != nil {
		return errors.Wrap(err, "cowclient: send GET_BLOCK")
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if err := netconn.ReadFull(ctx, r.conn, replyHdrBuf); err != nil {
		return errors.Wrap(err, "cowclient: read GET_BLOCK reply header")
	}
	var replyHdr wire.ReplyHeader
	if err := replyHdr.Decode(replyHdrBuf); err != nil {
		return err
	}
	if replyHdr.Cmd == wire.CmdError {
		return errors.Errorf("cowclient: origin returned ERROR for GET_BLOCK at offset %d", offset)
	}
	payload := make([]byte, replyHdr.Size)
	if err := netconn.ReadFull(ctx, r.conn, payload); err != nil {
		return errors.Wrap(err, "cowclient: read GET_BLOCK payload")
	}
	n := copy(buf, payload)
	for ; n < len(buf); n++ {
		buf[n] = 0
	}
	return nil
}

// dialOrigin performs the SELECT_IMAGE handshake and returns a
// RemoteReader bound to the now-selected connection plus the origin's
// reported virtual size.
func dialOrigin(ctx context.Context, addr, name string, rid, protoVersion uint16, log *logrus.Entry) (cow.RemoteReader, int64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := netconn.Dial(dialCtx, addr, 0, log)
	if err != nil {
		return nil, 0, err
	}

	req := wire.SelectImageRequest{ProtocolVersion: protoVersion, Name: name, RevisionID: rid, IsServer: false}
	w := wire.NewWriter(512)
	if err := req.Encode(w); err != nil {
		conn.Close()
		return nil, 0, err
	}
	hdr := wire.RequestHeader{Magic: wire.Magic, Cmd: wire.CmdSelectImage, Size: uint32(len(w.Bytes()))}
	hdrBuf := make([]byte, wire.RequestHeaderSize)
	if err := hdr.Encode(hdrBuf); err != nil {
		conn.Close()
		return nil, 0, err
	}
	if err := netconn.WriteFull(dialCtx, conn, hdrBuf); err != nil {
		conn.Close()
		return nil, 0, err
	}
	if err := netconn.WriteFull(dialCtx, conn, w.Bytes()); err != nil {
		conn.Close()
		return nil, 0, err
	}

	replyHdrBuf := make([]byte, wire.ReplyHeaderSize)
	if err := netconn.ReadFull(dialCtx, conn, replyHdrBuf); err != nil {
		conn.Close()
		return nil, 0, err
	}
	var replyHdr wire.ReplyHeader
	if err := replyHdr.Decode(replyHdrBuf); err != nil {
		conn.Close()
		return nil, 0, err
	}
	if replyHdr.Cmd == wire.CmdError {
		conn.Close()
		return nil, 0, errors.Errorf("cowclient: origin refused SELECT_IMAGE for %s", name)
	}
	payload := make([]byte, replyHdr.Size)
	if err := netconn.ReadFull(dialCtx, conn, payload); err != nil {
		conn.Close()
		return nil, 0, err
	}
	var reply wire.SelectImageReply
	if err := reply.Decode(wire.NewReader(payload)); err != nil {
		conn.Close()
		return nil, 0, err
	}
	return &originReader{conn: conn}, int64(reply.FileSize), nil
}

// cowRoot is the FUSE tree root: a single regular file named after
// the image, backed by the CoW store.
type cowRoot struct {
	fs.Inode
	store  *cow.Store
	remote cow.RemoteReader
	name   string
}

func (r *cowRoot) OnAdd(ctx context.Context) {
	child := r.NewPersistentInode(ctx, &cowFileNode{store: r.store, remote: r.remote}, fs.StableAttr{Mode: fuseModeRegular})
	r.AddChild(r.name, child, false)
}

// fuseModeRegular is syscall.S_IFREG.
const fuseModeRegular = 0100000

var _ fs.InodeEmbedder = (*cowRoot)(nil)

// cowFileNode exposes one CoW store as a single file's worth of
// bytes: reads and writes map straight onto Store.ReadAt/WriteAt,
// which do all of the real addressing and bookkeeping.
type cowFileNode struct {
	fs.Inode
	store  *cow.Store
	remote cow.RemoteReader
}

var (
	_ fs.InodeEmbedder = (*cowFileNode)(nil)
	_ fs.NodeGetattrer = (*cowFileNode)(nil)
	_ fs.NodeReader    = (*cowFileNode)(nil)
	_ fs.NodeWriter    = (*cowFileNode)(nil)
	_ fs.NodeSetattrer = (*cowFileNode)(nil)
)

func (n *cowFileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Size = uint64(n.store.ImageSize())
	out.Mode = fuseModeRegular | 0644
	return 0
}

func (n *cowFileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		n.store.SetSize(int64(sz))
	}
	out.Size = uint64(n.store.ImageSize())
	out.Mode = fuseModeRegular | 0644
	return 0
}

func (n *cowFileNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	end := off + int64(len(dest))
	if size := n.store.ImageSize(); end > size {
		if off >= size {
			return fuse.ReadResultData(nil), 0
		}
		dest = dest[:size-off]
	}
	if err := n.store.ReadAt(ctx, n.remote, off, dest); err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest), 0
}

func (n *cowFileNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if err := n.store.WriteAt(ctx, n.remote, off, data); err != nil {
		return 0, syscall.EIO
	}
	return uint32(len(data)), 0
}
