package cow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// pendingWrite is a small future/continuation keyed on a parent
// request's outstanding counter: the top-level write reply fires
// only once every padding sub-request has completed.
type pendingWrite struct {
	remaining int32 // atomic
	mu        sync.Mutex
	err       error
	done      chan struct{}
}

func newPendingWrite(n int) *pendingWrite {
	return &pendingWrite{remaining: int32(n), done: make(chan struct{})}
}

func (p *pendingWrite) complete(err error) {
	if err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
	}
	if atomic.AddInt32(&p.remaining, -1) == 0 {
		close(p.done)
	}
}

func (p *pendingWrite) wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteAt implements the write-side semantics of the overlay. Frames fully
// covered by data are written directly. A frame only partially
// covered at either end is padded: the missing head/tail bytes come
// from the local data file if that frame is already cached, from
// zero-fill if the frame lies at or beyond OriginalImageSize, or from
// an asynchronous remote read otherwise. The call blocks on
// pendingWrite's counter so the caller sees one synchronous
// completion, mirroring the "reply sent only when the counter reaches
// zero" rule while keeping each frame's fetch concurrent.
func (s *Store) WriteAt(ctx context.Context, remote RemoteReader, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := offset + int64(len(data))

	if end > s.ImageSize() {
		s.extendTo(end)
	}

	frames := frameRanges(offset, end)
	pw := newPendingWrite(len(frames))
	for _, f := range frames {
		f := f
		go s.writeFrame(ctx, remote, pw, f, offset, data)
	}
	return pw.wait(ctx)
}

func (s *Store) extendTo(newSize int64) {
	for {
		old := atomic.LoadInt64(&s.imageSize)
		if newSize <= old {
			return
		}
		if atomic.CompareAndSwapInt64(&s.imageSize, old, newSize) {
			return
		}
	}
}

// frame is one BlockSize-aligned region touched by a write.
type frame struct {
	start int64 // block-aligned
}

func frameRanges(offset, end int64) []frame {
	first := (offset / BlockSize) * BlockSize
	last := ((end - 1) / BlockSize) * BlockSize
	out := make([]frame, 0, (last-first)/BlockSize+1)
	for b := first; b <= last; b += BlockSize {
		out = append(out, frame{start: b})
	}
	return out
}

// writeFrame fills in a full BlockSize buffer for one frame (padding
// any bytes not supplied by the incoming write from local cache,
// zero-fill, or remote), then writes the whole frame to the data
// file and marks it dirty.
func (s *Store) writeFrame(ctx context.Context, remote RemoteReader, pw *pendingWrite, f frame, writeOffset int64, data []byte) {
	var buf [BlockSize]byte

	writeStart := writeOffset
	writeEnd := writeOffset + int64(len(data))
	frameEnd := f.start + BlockSize

	// Copy the portion of the incoming write that lands in this frame.
	copyFrom := max64(f.start, writeStart)
	copyTo := min64(frameEnd, writeEnd)
	copy(buf[copyFrom-f.start:copyTo-f.start], data[copyFrom-writeStart:copyTo-writeStart])

	needHead := copyFrom > f.start
	needTail := copyTo < frameEnd

	if needHead {
		if err := s.padGap(ctx, remote, f.start, copyFrom, buf[:copyFrom-f.start]); err != nil {
			pw.complete(errors.Wrap(err, "cow: pad frame head"))
			return
		}
	}
	if needTail {
		if err := s.padGap(ctx, remote, copyTo, frameEnd, buf[copyTo-f.start:]); err != nil {
			pw.complete(errors.Wrap(err, "cow: pad frame tail"))
			return
		}
	}

	entry := s.idx.EntryFor(f.start)
	off := s.idx.ReserveDataOffset(entry)
	intra := f.start % MetadataStorageCapacity

	s.ioMu.Lock()
	_, err := s.dataFile.WriteAt(buf[:], off+intra)
	s.ioMu.Unlock()
	if err != nil {
		pw.complete(errors.Wrap(err, "cow: write data file"))
		return
	}

	bit := BitIndex(f.start)
	s.idx.MarkWritten(entry, bit, bit+1, time.Now())
	pw.complete(nil)
}

// padGap fills dst (a gap within one frame not covered by the
// incoming write) from local cache if the frame is already present,
// zero-fill if the gap lies at or beyond OriginalImageSize, or a
// remote read otherwise.
func (s *Store) padGap(ctx context.Context, remote RemoteReader, from, to int64, dst []byte) error {
	entry := s.idx.Lookup(from)
	if entry != nil && entry.Bitfield.CheckBit(BitIndex(from)) {
		off, ok := entry.Offset()
		if ok {
			intra := from % MetadataStorageCapacity
			s.ioMu.Lock()
			_, err := s.dataFile.ReadAt(dst, off+intra)
			s.ioMu.Unlock()
			return errors.Wrap(err, "cow: read data file for pad")
		}
	}
	if from >= s.OriginalImageSize() {
		zero(dst)
		return nil
	}
	if remote == nil {
		return errors.New("cow: no remote reader configured for unaligned write padding")
	}
	return remote.ReadRemote(ctx, from, dst)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
