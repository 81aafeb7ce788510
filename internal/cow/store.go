package cow

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrWrongEndian is returned by Open when a persisted file's magic
// matches only its byte-swapped form — both magics are validated on
// reopen so a wrong-endian file is rejected rather than misread.
var ErrWrongEndian = errors.New("cow: file was written on a different-endian host")

// ErrBadMagic is returned by Open when neither the magic nor its
// byte-swapped form matches.
var ErrBadMagic = errors.New("cow: bad magic value")

// metaHeader is the fixed-size header at offset 0 of the metadata file.
type metaHeader struct {
	Magic             uint64
	Version           uint32
	UUID              [37]byte
	BlockSize         uint32
	OriginalImageSize int64
	ImageSize         int64
	CreationTime      int64
	MetaDataStart     int64
	NextL2            int64
	BitfieldSize      uint32
	MaxImageSize      int64
	ImageName         [200]byte
}

const metaHeaderSize = 8 + 4 + 37 + 4 + 8 + 8 + 8 + 8 + 8 + 4 + 8 + 200

// Store is the per-image copy-on-write overlay used by the user-mode
// FUSE client: the two-level index plus the metadata/data files that
// persist it.
type Store struct {
	log *logrus.Entry

	idx *Index

	metaPath, dataPath string
	metaFile, dataFile *os.File

	header metaHeader

	originalImageSize int64 // atomic
	imageSize         int64 // atomic

	ioMu sync.Mutex // serializes data-file I/O; bitmap/offset state is already atomic
}

// RemoteReader is the minimal interface the CoW store needs to fetch
// bytes from the origin image over the existing network connection.
// Defined here, not imported from
// session/uplink, so this package has no dependency on the block
// protocol transport.
type RemoteReader interface {
	ReadRemote(ctx context.Context, offset int64, buf []byte) error
}

// Create initializes a brand-new CoW store: writes fresh meta/data
// file headers and returns a Store backed by an empty index.
func Create(metaPath, dataPath, imageName string, originalImageSize int64, log *logrus.Entry) (*Store, error) {
	metaFile, err := os.OpenFile(metaPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "cow: create meta file")
	}
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		metaFile.Close()
		os.Remove(metaPath)
		return nil, errors.Wrap(err, "cow: create data file")
	}

	if _, err := dataFile.WriteAt(u64le(dataMagicValue), 0); err != nil {
		return nil, errors.Wrap(err, "cow: write data file magic")
	}

	s := &Store{
		log:               log,
		idx:               NewIndex(MaxImageSize, 8),
		metaPath:          metaPath,
		dataPath:          dataPath,
		metaFile:          metaFile,
		dataFile:          dataFile,
		originalImageSize: originalImageSize,
		imageSize:         originalImageSize,
	}
	s.header = metaHeader{
		Magic:             metaMagicValue,
		Version:           metaFileVersion,
		BlockSize:         BlockSize,
		OriginalImageSize: originalImageSize,
		ImageSize:         originalImageSize,
		CreationTime:      time.Now().Unix(),
		MetaDataStart:     metaHeaderSize,
		BitfieldSize:      BitfieldSize,
		MaxImageSize:      MaxImageSize,
	}
	id := uuid.New().String()
	copy(s.header.UUID[:], id)
	copy(s.header.ImageName[:], imageName)

	if err := s.flushHeader(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open reopens a persisted CoW store, validating both files' magic
// values and rejecting a wrong-endian file outright rather than
// silently misreading it.
func Open(metaPath, dataPath string, log *logrus.Entry) (*Store, error) {
	metaFile, err := os.OpenFile(metaPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "cow: open meta file")
	}
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		metaFile.Close()
		return nil, errors.Wrap(err, "cow: open data file")
	}

	var dataMagicBuf [8]byte
	if _, err := io.ReadFull(io.NewSectionReader(dataFile, 0, 8), dataMagicBuf[:]); err != nil {
		return nil, errors.Wrap(err, "cow: read data file magic")
	}
	if err := checkMagic(binary.LittleEndian.Uint64(dataMagicBuf[:]), dataMagicValue); err != nil {
		return nil, err
	}

	hdrBuf := make([]byte, metaHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(metaFile, 0, metaHeaderSize), hdrBuf); err != nil {
		return nil, errors.Wrap(err, "cow: read meta header")
	}
	hdr, err := decodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:               log,
		idx:               NewIndex(hdr.MaxImageSize, 8),
		metaPath:          metaPath,
		dataPath:          dataPath,
		metaFile:          metaFile,
		dataFile:          dataFile,
		header:            *hdr,
		originalImageSize: hdr.OriginalImageSize,
		imageSize:         hdr.ImageSize,
	}
	// The L1/L2 arena is not reloaded: the index starts empty and its
	// data-file counter starts right after the magic header again, so
	// blocks written by an earlier session are neither served from the
	// data file nor uploaded by this one. See DESIGN.md for the
	// tradeoff this open-coded choice makes against a full arena
	// reload.
	return s, nil
}

func checkMagic(got, want uint64) error {
	if got == want {
		return nil
	}
	if got == byteSwap64(want) {
		return ErrWrongEndian
	}
	return ErrBadMagic
}

func byteSwap64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	for i, j := 0, 7; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return binary.LittleEndian.Uint64(b[:])
}

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeHeader(b []byte) (*metaHeader, error) {
	if len(b) < metaHeaderSize {
		return nil, errors.New("cow: truncated meta header")
	}
	var h metaHeader
	r := &byteReader{b: b}
	h.Magic = r.u64()
	h.Version = r.u32()
	copy(h.UUID[:], r.bytes(37))
	h.BlockSize = r.u32()
	h.OriginalImageSize = r.i64()
	h.ImageSize = r.i64()
	h.CreationTime = r.i64()
	h.MetaDataStart = r.i64()
	h.NextL2 = r.i64()
	h.BitfieldSize = r.u32()
	h.MaxImageSize = r.i64()
	copy(h.ImageName[:], r.bytes(200))
	if err := checkMagic(h.Magic, metaMagicValue); err != nil {
		return nil, err
	}
	return &h, nil
}

// byteReader is a tiny fixed-layout cursor for the meta header, kept
// local rather than reusing internal/wire's serializer since the two
// formats (block protocol payloads vs. this persisted header) are
// unrelated on the wire.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) bytes(n int) []byte {
	out := r.b[r.pos : r.pos+n]
	r.pos += n
	return out
}
func (r *byteReader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *byteReader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }
func (r *byteReader) i64() int64  { return int64(r.u64()) }

// flushHeader serializes the current header fields to offset 0 of the
// metadata file.
func (s *Store) flushHeader() error {
	s.header.OriginalImageSize = atomic.LoadInt64(&s.originalImageSize)
	s.header.ImageSize = atomic.LoadInt64(&s.imageSize)

	buf := make([]byte, 0, metaHeaderSize)
	buf = binary.LittleEndian.AppendUint64(buf, s.header.Magic)
	buf = binary.LittleEndian.AppendUint32(buf, s.header.Version)
	buf = append(buf, s.header.UUID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, s.header.BlockSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.header.OriginalImageSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.header.ImageSize))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.header.CreationTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.header.MetaDataStart))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.header.NextL2))
	buf = binary.LittleEndian.AppendUint32(buf, s.header.BitfieldSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.header.MaxImageSize))
	buf = append(buf, s.header.ImageName[:]...)

	if _, err := s.metaFile.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "cow: flush meta header")
	}
	return nil
}

// Close flushes the header and closes both files.
func (s *Store) Close() error {
	if err := s.flushHeader(); err != nil {
		return err
	}
	if err := s.metaFile.Close(); err != nil {
		return err
	}
	return s.dataFile.Close()
}

// UUID returns the session UUID stamped into the header at creation.
func (s *Store) UUID() string {
	n := 0
	for n < len(s.header.UUID) && s.header.UUID[n] != 0 {
		n++
	}
	return string(s.header.UUID[:n])
}

// OriginalImageSize and ImageSize expose the store's current size
// fields. ImageSize grows with writes past the end and decreases only
// through SetSize.
func (s *Store) OriginalImageSize() int64 { return atomic.LoadInt64(&s.originalImageSize) }
func (s *Store) ImageSize() int64         { return atomic.LoadInt64(&s.imageSize) }

// Index exposes the underlying two-level index, e.g. for the uploader's sweep.
func (s *Store) Index() *Index { return s.idx }

// SetSize implements truncation: growing extends
// ImageSize with no further effect (reads past the old size already
// fall through to the remote-read/zero-fill rule); shrinking clears
// the dirty/present bits of every *already-allocated* entry touching
// the truncated range, and shrinking below OriginalImageSize also
// lowers OriginalImageSize so future reads at or past the new size
// are zero-filled. A not-yet-allocated L2 region has no set bits to clear by
// construction (bits are only ever set via a write, which allocates
// the L2 first), so there is no need to allocate new L2 blocks on
// shrink.
func (s *Store) SetSize(newSize int64) {
	old := atomic.LoadInt64(&s.imageSize)
	if newSize > old {
		atomic.StoreInt64(&s.imageSize, newSize)
		return
	}
	atomic.StoreInt64(&s.imageSize, newSize)

	if newSize < atomic.LoadInt64(&s.originalImageSize) {
		atomic.StoreInt64(&s.originalImageSize, newSize)
	}

	s.idx.Walk(func(l1, l2 int, entry *MetadataEntry) {
		regionStart := int64(l1)*L2StorageCapacity + int64(l2)*MetadataStorageCapacity
		if regionStart+MetadataStorageCapacity <= newSize {
			return
		}
		if regionStart >= newSize {
			entry.Bitfield.Clear()
			return
		}
		fromBit := BitIndex(newSize)
		entry.Bitfield.SetBits(fromBit, BitfieldSize*8, false)
	})
}
