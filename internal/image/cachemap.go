package image

import (
	"sync/atomic"
)

// BlockSize is the cache map's granularity: one bit per 4 KiB block
// of an image's virtual size.
const BlockSize = 4096

// CacheMap is a bitmap with one bit per BlockSize-sized block of an
// image's virtual size. A set bit means the block is durably present
// on local disk. Writes are atomic: readers may observe a stale 0 but
// never a spurious 1.
//
// Internally the bitmap is packed into uint32 words rather than raw
// bytes so that fetch-or/fetch-and can use sync/atomic directly
// instead of widening byte pointers with unsafe. A word-granular
// atomic CAS gives the same "never observe a spurious 1" guarantee
// as byte-granular atomics, with no
// pointer-alignment hazards, so that's the one this reimplementation
// uses. The on-disk format is unaffected: Bytes/LoadBytes still pack
// LSB-first per byte, in byte order.
//
// A nil *CacheMap (see Image.CacheMap) means "all present" — a
// complete image needs no bitmap at all.
type CacheMap struct {
	words       []uint32
	virtualSize int64
}

// NewCacheMap allocates an all-zero cache map sized for virtualSize
// bytes.
func NewCacheMap(virtualSize int64) *CacheMap {
	nBits := numBlocks(virtualSize)
	nWords := (nBits + 31) / 32
	return &CacheMap{
		words:       make([]uint32, nWords),
		virtualSize: virtualSize,
	}
}

// NewCacheMapFromBytes unpacks an on-disk bitmap (LSB-first per byte,
// in byte order) loaded from the cache map sidecar file.
func NewCacheMapFromBytes(b []uint8, virtualSize int64) *CacheMap {
	c := NewCacheMap(virtualSize)
	for i, byteVal := range b {
		wordIdx := i / 4
		if wordIdx >= len(c.words) {
			break
		}
		shift := uint32(i%4) * 8
		c.words[wordIdx] |= uint32(byteVal) << shift
	}
	return c
}

func numBlocks(virtualSize int64) int64 {
	return (virtualSize + BlockSize - 1) / BlockSize
}

// Bytes packs the bitmap back into the on-disk byte representation:
// LSB-first within each byte, in byte order, truncated to the logical
// length implied by virtualSize.
func (c *CacheMap) Bytes() []uint8 {
	nBytes := (numBlocks(c.virtualSize) + 7) / 8
	out := make([]uint8, nBytes)
	for i := range out {
		wordIdx := i / 4
		shift := uint32(i%4) * 8
		out[i] = uint8(atomic.LoadUint32(&c.words[wordIdx]) >> shift)
	}
	return out
}

// Get reports whether block i is cached.
func (c *CacheMap) Get(i int64) bool {
	wordIdx := i / 32
	bit := uint32(1) << uint(i%32)
	return atomic.LoadUint32(&c.words[wordIdx])&bit != 0
}

// Set marks block i present (atomic fetch-or).
func (c *CacheMap) Set(i int64) {
	wordIdx := i / 32
	bit := uint32(1) << uint(i%32)
	addr := &c.words[wordIdx]
	for {
		old := atomic.LoadUint32(addr)
		next := old | bit
		if old == next || atomic.CompareAndSwapUint32(addr, old, next) {
			return
		}
	}
}

// Clear marks block i not present (atomic fetch-and).
func (c *CacheMap) Clear(i int64) {
	wordIdx := i / 32
	bit := uint32(1) << uint(i%32)
	addr := &c.words[wordIdx]
	for {
		old := atomic.LoadUint32(addr)
		next := old &^ bit
		if old == next || atomic.CompareAndSwapUint32(addr, old, next) {
			return
		}
	}
}

// SetRange marks every block spanning [from, to) present. from/to are
// byte offsets into the image; both are rounded to block boundaries
// by the caller (uplink and session both align before calling this).
func (c *CacheMap) SetRange(from, to int64) {
	first := from / BlockSize
	last := (to - 1) / BlockSize
	for i := first; i <= last; i++ {
		c.Set(i)
	}
}

// ClearRange is SetRange's inverse, used when a chunk fails CRC
// verification or a cache write fails.
func (c *CacheMap) ClearRange(from, to int64) {
	first := from / BlockSize
	last := (to - 1) / BlockSize
	for i := first; i <= last; i++ {
		c.Clear(i)
	}
}

// RangeComplete reports whether every block spanning [from, to) is cached.
func (c *CacheMap) RangeComplete(from, to int64) bool {
	first := from / BlockSize
	last := (to - 1) / BlockSize
	for i := first; i <= last; i++ {
		if !c.Get(i) {
			return false
		}
	}
	return true
}

// Run describes one maximal contiguous span of same-cached-state
// blocks within a request range.
type Run struct {
	From, To int64
	Cached   bool
}

// Runs partitions [from, to) into maximal runs of cached vs. uncached
// blocks. A nil CacheMap (complete image)
// yields a single cached run spanning the whole range.
func (c *CacheMap) Runs(from, to int64) []Run {
	if c == nil {
		return []Run{{From: from, To: to, Cached: true}}
	}
	first := from / BlockSize
	last := (to - 1) / BlockSize

	var runs []Run
	runStart := from
	runCached := c.Get(first)
	for i := first; i <= last; i++ {
		cached := c.Get(i)
		if cached != runCached {
			blockStart := i * BlockSize
			runs = append(runs, Run{From: runStart, To: blockStart, Cached: runCached})
			runStart = blockStart
			runCached = cached
		}
	}
	runs = append(runs, Run{From: runStart, To: to, Cached: runCached})
	return runs
}

// PercentComplete returns the fraction of set bits as a percentage,
// used to seed Image.completenessEstimate. It's O(blocks) and is
// meant to be called infrequently and cached by the registry, not on
// every request.
func (c *CacheMap) PercentComplete() float64 {
	if c == nil {
		return 100
	}
	total := numBlocks(c.virtualSize)
	if total == 0 {
		return 100
	}
	var set int64
	for i := int64(0); i < total; i++ {
		if c.Get(i) {
			set++
		}
	}
	return 100 * float64(set) / float64(total)
}
