package crcmap

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumMatchesReferenceBothPaths(t *testing.T) {
	data := bytes.Repeat([]byte("block-fabric"), 1000)
	want := crc32.Checksum(data, castagnoliTable)
	assert.Equal(t, want, slicingBy8(data))
	assert.Equal(t, want, Checksum(data))
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 3*ChunkSize+17)
	m, err := Build(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, m.Chunks, NumChunks(int64(len(data))))
	require.NoError(t, Verify(m))
}

func TestVerifyRejectsCorruptMaster(t *testing.T) {
	m := &Map{Master: 0xdeadbeef, Chunks: []uint32{1, 2, 3}}
	assert.ErrorIs(t, Verify(m), ErrMismatch)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := &Map{Chunks: []uint32{1, 2, 3}}
	m.Master = computeMaster(m.Chunks)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, m))

	got, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestVerifyChunkDetectsCorruption(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, ChunkSize)
	m, err := Build(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	ok, err := m.VerifyChunk(0, data)
	require.NoError(t, err)
	assert.True(t, ok)

	corrupt := append([]byte(nil), data...)
	corrupt[0] ^= 0xFF
	ok, err = m.VerifyChunk(0, corrupt)
	require.NoError(t, err)
	assert.False(t, ok)
}
