package cow

import (
	"sync"
	"sync/atomic"
	"time"
)

// unallocated is the sentinel L1 index and metadata-entry offset
// meaning "no L2/data allocated yet".
const unallocated = -1

// MetadataEntry describes one MetadataStorageCapacity-sized region of
// the virtual disk: where its data lives in the data file, which of
// its BlockSize blocks are dirty/present, and when it was last
// touched.
type MetadataEntry struct {
	offset      int64 // atomic; -1 until first write reserves space
	Bitfield    Bitfield
	timeChanged int64 // atomic; unix nanos, 0 = clean
	uploads     uint64
}

// Offset returns the entry's data-file offset, or false if unallocated.
func (e *MetadataEntry) Offset() (int64, bool) {
	o := atomic.LoadInt64(&e.offset)
	return o, o != unallocated
}

// TimeChanged returns the entry's dirty timestamp; zero means clean.
func (e *MetadataEntry) TimeChanged() int64 {
	return atomic.LoadInt64(&e.timeChanged)
}

// markDirty stamps timeChanged with now if the entry isn't already
// dirty, so the "timeChanged != 0 iff at least one bit has been set
// since the last upload" invariant holds without clobbering an
// earlier timestamp on repeated writes to the same entry within one
// quiescence window.
func (e *MetadataEntry) markDirty(now int64) {
	atomic.CompareAndSwapInt64(&e.timeChanged, 0, now)
}

// ClearIfUnchanged resets timeChanged to 0 only if it still equals
// since — compare and swap back to 0 only if it still equals the
// value captured at upload start. Returns whether the clear happened.
func (e *MetadataEntry) ClearIfUnchanged(since int64) bool {
	return atomic.CompareAndSwapInt64(&e.timeChanged, since, 0)
}

// Uploads returns the monotonic per-entry upload counter.
func (e *MetadataEntry) Uploads() uint64 {
	return atomic.LoadUint64(&e.uploads)
}

// IncUploads bumps the entry's monotonic upload counter, called by
// the uploader once a block ships successfully.
func (e *MetadataEntry) IncUploads() {
	atomic.AddUint64(&e.uploads, 1)
}

// l2Block is L2Size contiguous metadata entries, covering
// L2StorageCapacity bytes of virtual address space.
type l2Block [L2Size]MetadataEntry

// Index is the two-level sparse block index over virtual disk space: a
// dense L1 array of signed indices fanning out to lazily allocated L2
// blocks of metadata entries. Reads never block on the L2-create
// lock: once l1[i] is published as non-unallocated, the L2 it points
// to is fully zeroed and ready.
type Index struct {
	l2CreateMu sync.Mutex
	l1         []int32    // index into l2s, or unallocated
	l2s        []*l2Block // parallel growable arena

	dataFileSize int64 // atomic; next data-file offset to hand out
}

// NewIndex allocates an Index sized for maxImageSize bytes of virtual
// address space, with every L1 slot unallocated and the data file
// logically starting right after its magic header.
func NewIndex(maxImageSize int64, dataFileHeaderSize int64) *Index {
	n := (maxImageSize + L2StorageCapacity - 1) / L2StorageCapacity
	l1 := make([]int32, n)
	for i := range l1 {
		l1[i] = unallocated
	}
	return &Index{
		l1:           l1,
		dataFileSize: dataFileHeaderSize,
	}
}

// L1Index, L2Index, and BitIndex implement the addressing scheme.
func L1Index(offset int64) int {
	return int(offset / L2StorageCapacity)
}

func L2Index(offset int64) int {
	return int((offset % L2StorageCapacity) / MetadataStorageCapacity)
}

func BitIndex(offset int64) int {
	return int((offset / BlockSize) % (BitfieldSize * 8))
}

// EntryFor returns the metadata entry covering offset, allocating its
// L2 block on first touch under the single global L2-create lock.
// The fast path (L2 already present) takes no lock at all.
func (idx *Index) EntryFor(offset int64) *MetadataEntry {
	l1 := L1Index(offset)
	l2 := L2Index(offset)

	if l2Idx := atomic.LoadInt32(&idx.l1[l1]); l2Idx != unallocated {
		return &idx.l2s[l2Idx][l2]
	}

	idx.l2CreateMu.Lock()
	defer idx.l2CreateMu.Unlock()
	if l2Idx := idx.l1[l1]; l2Idx != unallocated {
		return &idx.l2s[l2Idx][l2]
	}
	blk := &l2Block{}
	for i := range blk {
		blk[i].offset = unallocated
	}
	idx.l2s = append(idx.l2s, blk)
	newIdx := int32(len(idx.l2s) - 1)
	atomic.StoreInt32(&idx.l1[l1], newIdx)
	return &blk[l2]
}

// Lookup returns the metadata entry covering offset without
// allocating, or nil if its L2 block doesn't exist yet.
func (idx *Index) Lookup(offset int64) *MetadataEntry {
	l1 := L1Index(offset)
	if l1 < 0 || l1 >= len(idx.l1) {
		return nil
	}
	l2Idx := atomic.LoadInt32(&idx.l1[l1])
	if l2Idx == unallocated {
		return nil
	}
	return &idx.l2s[l2Idx][L2Index(offset)]
}

// ReserveDataOffset assigns a data-file offset to entry exactly once,
// via atomic fetch-add on the data-file size counter — the
// reservation is logical, the data file isn't preallocated on disk.
// Returns the offset whether this call reserved it or a racing call
// already had.
func (idx *Index) ReserveDataOffset(entry *MetadataEntry) int64 {
	if o, ok := entry.Offset(); ok {
		return o
	}
	reserved := atomic.AddInt64(&idx.dataFileSize, MetadataStorageCapacity) - MetadataStorageCapacity
	if !atomic.CompareAndSwapInt64(&entry.offset, unallocated, reserved) {
		// Another writer won the race; the bytes we reserved are
		// simply never referenced again (data-file offsets are never
		// reassigned once allocated — this just wastes
		// MetadataStorageCapacity bytes of sparse file, which is fine
		// since data files are sparse).
		return atomic.LoadInt64(&entry.offset)
	}
	return reserved
}

// DataFileSize returns the current logical size of the data file.
func (idx *Index) DataFileSize() int64 {
	return atomic.LoadInt64(&idx.dataFileSize)
}

// MarkWritten flips bits [fromBit, toBit) in entry's bitfield to 1 and
// stamps its dirty timestamp, implementing the write-side half of
// the bitmap-update invariant.
func (idx *Index) MarkWritten(entry *MetadataEntry, fromBit, toBit int, now time.Time) {
	entry.Bitfield.SetBits(fromBit, toBit, true)
	entry.markDirty(now.UnixNano())
}

// L1Len reports the number of L1 slots (for iteration by the
// uploader and the stats task).
func (idx *Index) L1Len() int {
	return len(idx.l1)
}

// Walk calls fn for every allocated (l1, l2, entry) triple, in L1/L2
// order. Used by the uploader's sweep and by setSize's zero-fill pass.
// fn must not allocate new L2 blocks (it runs without the create lock
// held, to avoid serializing the whole walk behind writers).
func (idx *Index) Walk(fn func(l1, l2 int, entry *MetadataEntry)) {
	for l1 := range idx.l1 {
		l2Idx := atomic.LoadInt32(&idx.l1[l1])
		if l2Idx == unallocated {
			continue
		}
		blk := idx.l2s[l2Idx]
		for l2 := range blk {
			fn(l1, l2, &blk[l2])
		}
	}
}
