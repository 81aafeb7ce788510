package cow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAddressing(t *testing.T) {
	assert.Equal(t, 0, L1Index(0))
	assert.Equal(t, 1, L1Index(L2StorageCapacity))
	assert.Equal(t, 0, L2Index(0))
	assert.Equal(t, 1, L2Index(MetadataStorageCapacity))
	assert.Equal(t, 0, BitIndex(0))
	assert.Equal(t, 1, BitIndex(BlockSize))
	assert.Equal(t, 0, BitIndex(MetadataStorageCapacity)) // wraps to next entry's bit 0
}

func TestIndexEntryForAllocatesOnce(t *testing.T) {
	idx := NewIndex(4*L2StorageCapacity, 8)
	e1 := idx.EntryFor(0)
	e2 := idx.EntryFor(BlockSize)
	assert.Same(t, e1, e2, "same MetadataStorageCapacity region must share an entry")

	e3 := idx.EntryFor(MetadataStorageCapacity)
	assert.NotSame(t, e1, e3)
}

func TestIndexLookupNilBeforeAllocation(t *testing.T) {
	idx := NewIndex(4*L2StorageCapacity, 8)
	assert.Nil(t, idx.Lookup(0))
	idx.EntryFor(0)
	assert.NotNil(t, idx.Lookup(0))
}

func TestIndexReserveDataOffsetOnce(t *testing.T) {
	idx := NewIndex(4*L2StorageCapacity, 8)
	e := idx.EntryFor(0)

	off1 := idx.ReserveDataOffset(e)
	off2 := idx.ReserveDataOffset(e)
	assert.Equal(t, off1, off2)

	e2 := idx.EntryFor(MetadataStorageCapacity)
	off3 := idx.ReserveDataOffset(e2)
	assert.NotEqual(t, off1, off3)
	assert.Equal(t, off1+MetadataStorageCapacity, off3)
}

func TestIndexConcurrentEntryForSameRegion(t *testing.T) {
	idx := NewIndex(4*L2StorageCapacity, 8)
	results := make([]*MetadataEntry, 64)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = idx.EntryFor(int64(i) * BlockSize)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestIndexWalkVisitsAllocatedOnly(t *testing.T) {
	idx := NewIndex(4*L2StorageCapacity, 8)
	idx.EntryFor(0)
	idx.EntryFor(2 * L2StorageCapacity)

	seen := 0
	idx.Walk(func(l1, l2 int, entry *MetadataEntry) {
		seen++
	})
	require.Equal(t, 2*L2Size, seen)
}
