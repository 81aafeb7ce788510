package cowupload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/blockfabric/blockfabric/internal/cow"
)

type fakeRemote struct{}

func (fakeRemote) ReadRemote(ctx context.Context, offset int64, buf []byte) error {
	for i := range buf {
		buf[i] = byte(offset + int64(i))
	}
	return nil
}

func newTestUploader(t *testing.T, mergeOnDrain bool) (*Uploader, *cow.Store, *int32) {
	t.Helper()
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())
	store, err := cow.Create(filepath.Join(dir, "t.meta"), filepath.Join(dir, "t.data"), "img", 1<<20, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var updates int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		updates++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, srv.Client(), log)
	u := NewUploader(store, client, mergeOnDrain, log)
	return u, store, &updates
}

func TestUploaderSkipsEntryWithinQuiescenceWindow(t *testing.T) {
	u, store, updates := newTestUploader(t, false)
	ctx := context.Background()

	require.NoError(t, store.WriteAt(ctx, fakeRemote{}, 0, []byte{0xAA}))
	u.sweep(ctx, false, cow.MaxParallelBackgroundUploads)

	require.Equal(t, int32(0), *updates, "a just-written block is within the quiescence window and must not upload yet")
}

func TestUploaderIgnoreMinDelayUploadsImmediately(t *testing.T) {
	u, store, updates := newTestUploader(t, false)
	ctx := context.Background()

	require.NoError(t, store.WriteAt(ctx, fakeRemote{}, 0, []byte{0xAA}))
	u.sweep(ctx, true, cow.MaxParallelUploads)

	require.Equal(t, int32(1), *updates)
}

func TestUploaderClearsTimeChangedAfterSuccess(t *testing.T) {
	u, store, _ := newTestUploader(t, false)
	ctx := context.Background()

	require.NoError(t, store.WriteAt(ctx, fakeRemote{}, 0, []byte{0xAA}))
	entry := store.Index().Lookup(0)
	require.NotZero(t, entry.TimeChanged())

	u.sweep(ctx, true, cow.MaxParallelUploads)
	require.Zero(t, entry.TimeChanged())
	require.Equal(t, uint64(1), entry.Uploads())
}

func TestUploaderRunDrainsAndClosesDoneOnStop(t *testing.T) {
	u, store, updates := newTestUploader(t, true)
	ctx := context.Background()
	require.NoError(t, store.WriteAt(ctx, fakeRemote{}, 0, []byte{0xAA}))

	go u.Run(ctx)
	u.Stop()

	select {
	case <-u.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("uploader did not finish draining")
	}
	require.GreaterOrEqual(t, *updates, int32(1))
}
