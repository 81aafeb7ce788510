package image

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockfabric/blockfabric/internal/crcmap"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func writeTestImage(t *testing.T, base, name string, rid uint16, size int64, complete bool) {
	t.Helper()
	dir := filepath.Join(base, name, ridPrefix+strconv.FormatUint(uint64(rid), 10))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.img"), make([]byte, size), 0o644))
	if !complete {
		cm := NewCacheMap(roundUpBlock(size))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cache.map"), cm.Bytes(), 0o644))
	}
}

func writeTestCRC(t *testing.T, dir string, m *crcmap.Map) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, crcmap.Save(&buf, m))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.crc"), buf.Bytes(), 0o644))
}

func TestLoadAllWithValidCRCSidecar(t *testing.T) {
	base := t.TempDir()
	writeTestImage(t, base, "fedora", 0, 3*BlockSize, true)
	data, err := os.ReadFile(filepath.Join(base, "fedora", ridPrefix+"0", "data.img"))
	require.NoError(t, err)
	m, err := crcmap.Build(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, crcmap.Verify(m), "self-built map must already be internally consistent")

	r := New(base, false, testLogger())
	writeTestCRC(t, filepath.Join(base, "fedora", ridPrefix+"0"), m)
	require.NoError(t, r.LoadAll())

	img, err := r.Get(context.Background(), "fedora", 0)
	require.NoError(t, err)
	defer r.Release(img)
	require.NotNil(t, img.CRC())
	assert.True(t, img.Working())
}

func TestLoadAllWithBadCRCMarksNotWorking(t *testing.T) {
	base := t.TempDir()
	writeTestImage(t, base, "arch", 3, 3*BlockSize, true)
	bad := &crcmap.Map{Master: 0xdeadbeef, Chunks: []uint32{1, 2, 3}}

	r := New(base, false, testLogger())
	writeTestCRC(t, filepath.Join(base, "arch", ridPrefix+"3"), bad)
	require.NoError(t, r.LoadAll())

	_, err := r.Get(context.Background(), "arch", 3)
	assert.ErrorIs(t, err, ErrNotWorking)
}

func TestLoadAllAndGetRelease(t *testing.T) {
	base := t.TempDir()
	writeTestImage(t, base, "ubuntu", 0, 3*BlockSize, true)

	r := New(base, false, testLogger())
	require.NoError(t, r.LoadAll())

	img, err := r.Get(context.Background(), "ubuntu", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), img.RefCount())
	assert.Nil(t, img.CacheMap(), "complete image has no cache map")

	r.Release(img)
	assert.Equal(t, int32(0), img.RefCount())
}

func TestGetUnknownImageWithoutForwardHook(t *testing.T) {
	r := New(t.TempDir(), false, testLogger())
	_, err := r.Get(context.Background(), "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkNotWorkingBlocksFurtherGets(t *testing.T) {
	base := t.TempDir()
	writeTestImage(t, base, "centos", 1, 2*BlockSize, true)

	r := New(base, false, testLogger())
	require.NoError(t, r.LoadAll())

	img, err := r.Get(context.Background(), "centos", 1)
	require.NoError(t, err)
	r.Release(img)

	img.MarkNotWorking()
	_, err = r.Get(context.Background(), "centos", 1)
	assert.ErrorIs(t, err, ErrNotWorking)
}

func TestLoadAllWithPartialCacheMap(t *testing.T) {
	base := t.TempDir()
	writeTestImage(t, base, "debian", 2, 4*BlockSize, false)

	r := New(base, false, testLogger())
	require.NoError(t, r.LoadAll())

	img, err := r.Get(context.Background(), "debian", 2)
	require.NoError(t, err)
	defer r.Release(img)
	require.NotNil(t, img.CacheMap())
	assert.False(t, img.CacheMap().Get(0))
}
