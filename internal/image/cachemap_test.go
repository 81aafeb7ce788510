package image

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheMapSetGetClear(t *testing.T) {
	c := NewCacheMap(4 * BlockSize)
	assert.False(t, c.Get(0))
	c.Set(0)
	assert.True(t, c.Get(0))
	assert.False(t, c.Get(1))
	c.Clear(0)
	assert.False(t, c.Get(0))
}

func TestCacheMapBytesRoundTrip(t *testing.T) {
	c := NewCacheMap(16 * BlockSize)
	c.Set(0)
	c.Set(3)
	c.Set(15)

	got := NewCacheMapFromBytes(c.Bytes(), 16*BlockSize)
	for i := int64(0); i < 16; i++ {
		assert.Equal(t, c.Get(i), got.Get(i), "block %d", i)
	}
}

func TestCacheMapRangeOps(t *testing.T) {
	c := NewCacheMap(10 * BlockSize)
	c.SetRange(0, 3*BlockSize)
	assert.True(t, c.RangeComplete(0, 3*BlockSize))
	assert.False(t, c.RangeComplete(0, 4*BlockSize))

	c.ClearRange(BlockSize, 2*BlockSize)
	assert.True(t, c.Get(0))
	assert.False(t, c.Get(1))
	assert.True(t, c.Get(2))
}

func TestCacheMapRunsNilMeansComplete(t *testing.T) {
	var c *CacheMap
	runs := c.Runs(0, 4096)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Cached)
}

func TestCacheMapRunsPartitions(t *testing.T) {
	c := NewCacheMap(4 * BlockSize)
	c.Set(1) // cached: [4096,8192)

	runs := c.Runs(0, 4*BlockSize)
	require.Len(t, runs, 3)
	assert.Equal(t, Run{From: 0, To: BlockSize, Cached: false}, runs[0])
	assert.Equal(t, Run{From: BlockSize, To: 2 * BlockSize, Cached: true}, runs[1])
	assert.Equal(t, Run{From: 2 * BlockSize, To: 4 * BlockSize, Cached: false}, runs[2])
}

func TestCacheMapConcurrentSetNeverLosesABit(t *testing.T) {
	c := NewCacheMap(64 * BlockSize)
	var wg sync.WaitGroup
	for i := int64(0); i < 64; i++ {
		wg.Add(1)
		go func(i int64) {
			defer wg.Done()
			c.Set(i)
		}(i)
	}
	wg.Wait()
	for i := int64(0); i < 64; i++ {
		assert.True(t, c.Get(i), "block %d", i)
	}
}

func TestPercentComplete(t *testing.T) {
	c := NewCacheMap(4 * BlockSize)
	assert.Equal(t, float64(0), c.PercentComplete())
	c.SetRange(0, 4*BlockSize)
	assert.Equal(t, float64(100), c.PercentComplete())

	var nilMap *CacheMap
	assert.Equal(t, float64(100), nilMap.PercentComplete())
}
