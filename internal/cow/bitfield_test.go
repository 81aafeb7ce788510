package cow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitfieldSetCheckClear(t *testing.T) {
	var b Bitfield
	assert.False(t, b.CheckBit(0))
	b.SetBits(0, 1, true)
	assert.True(t, b.CheckBit(0))
	assert.False(t, b.CheckBit(1))
	b.SetBits(0, 1, false)
	assert.False(t, b.CheckBit(0))
}

func TestBitfieldSetRangeSpansBytes(t *testing.T) {
	var b Bitfield
	b.SetBits(6, 12, true)
	for n := 0; n < BitfieldSize*8; n++ {
		want := n >= 6 && n < 12
		assert.Equal(t, want, b.CheckBit(n), "bit %d", n)
	}
}

func TestBitfieldAnySetAndClear(t *testing.T) {
	var b Bitfield
	assert.False(t, b.AnySet())
	b.SetBits(100, 101, true)
	assert.True(t, b.AnySet())
	b.Clear()
	assert.False(t, b.AnySet())
}

func TestBitfieldBytesRoundTrip(t *testing.T) {
	var b Bitfield
	b.SetBits(0, 1, true)
	b.SetBits(39*8, 39*8+1, true)

	raw := b.Bytes()
	assert.Len(t, raw, BitfieldSize)

	got := loadBitfield(raw)
	for n := 0; n < BitfieldSize*8; n++ {
		assert.Equal(t, b.CheckBit(n), got.CheckBit(n), "bit %d", n)
	}
}

func TestBitfieldConcurrentSetNeverLosesABit(t *testing.T) {
	var b Bitfield
	var wg sync.WaitGroup
	for n := 0; n < BitfieldSize*8; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.SetBits(n, n+1, true)
		}(n)
	}
	wg.Wait()
	for n := 0; n < BitfieldSize*8; n++ {
		assert.True(t, b.CheckBit(n), "bit %d", n)
	}
}
