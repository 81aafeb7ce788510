package cow

import (
	"context"

	"github.com/pkg/errors"
)

// blockSource classifies where a single block's bytes must come from.
type blockSource int

const (
	srcLocal blockSource = iota
	srcZero
	srcRemote
)

// classify decides a single absolute offset's source: local data file
// if its entry's bit is set, zero-fill if it's beyond
// OriginalImageSize (sparse extension), remote otherwise.
func (s *Store) classify(off, orig int64) (blockSource, *MetadataEntry) {
	entry := s.idx.Lookup(off)
	if entry != nil && entry.Bitfield.CheckBit(BitIndex(off)) {
		return srcLocal, entry
	}
	if off >= orig {
		return srcZero, nil
	}
	return srcRemote, nil
}

// ReadAt implements the read-side semantics of the overlay: for each BlockSize
// block in [offset, offset+len(buf)), serve it from the local data
// file if cached, zero-fill it if it lies beyond OriginalImageSize
// (sparse extension), or fetch it from remote otherwise. Adjacent
// blocks resolving to the same source are coalesced into one I/O.
func (s *Store) ReadAt(ctx context.Context, remote RemoteReader, offset int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	orig := s.OriginalImageSize()
	n := int64(len(buf))

	pos := int64(0)
	for pos < n {
		runSrc, runEntry := s.classify(offset+pos, orig)
		runStart := pos
		pos += BlockSize
		for pos < n {
			src, entry := s.classify(offset+pos, orig)
			if src != runSrc || (runSrc == srcLocal && entry != runEntry) {
				break
			}
			pos += BlockSize
		}
		end := pos
		if end > n {
			end = n
		}
		if err := s.serveRun(ctx, remote, offset+runStart, buf[runStart:end], runSrc, runEntry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) serveRun(ctx context.Context, remote RemoteReader, absOffset int64, dst []byte, src blockSource, entry *MetadataEntry) error {
	switch src {
	case srcLocal:
		off, ok := entry.Offset()
		if !ok {
			// Raced with a concurrent truncate/clear between the scan
			// and the read; treat as a cache miss and fall through to
			// remote/zero rather than reading garbage.
			if absOffset >= s.OriginalImageSize() {
				zero(dst)
				return nil
			}
			return s.readRemote(ctx, remote, absOffset, dst)
		}
		intra := absOffset % MetadataStorageCapacity
		_, err := s.dataFile.ReadAt(dst, off+intra)
		return errors.Wrap(err, "cow: read data file")
	case srcZero:
		zero(dst)
		return nil
	default:
		return s.readRemote(ctx, remote, absOffset, dst)
	}
}

func (s *Store) readRemote(ctx context.Context, remote RemoteReader, offset int64, dst []byte) error {
	if remote == nil {
		return errors.New("cow: no remote reader configured for uncached range")
	}
	return remote.ReadRemote(ctx, offset, dst)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
