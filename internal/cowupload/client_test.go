package cowupload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestClientCreateReturnsUUID(t *testing.T) {
	const want = "123e4567-e89b-12d3-a456-426614174000"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/create", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "myimage", r.FormValue("imageName"))
		w.Write([]byte(want))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), logrus.NewEntry(logrus.New()))
	got, err := c.Create(context.Background(), "myimage", 1, 40)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestClientUpdateSendsBitfieldThenPayload(t *testing.T) {
	bitfield := []byte{0x01, 0x02}
	payload := []byte{0xAA, 0xBB, 0xCC}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/update/abc/7", r.URL.Path)
		body := make([]byte, len(bitfield)+len(payload))
		n, _ := io.ReadFull(r.Body, body)
		require.Equal(t, len(body), n)
		require.Equal(t, bitfield, body[:len(bitfield)])
		require.Equal(t, payload, body[len(bitfield):])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), logrus.NewEntry(logrus.New()))
	err := c.Update(context.Background(), "abc", 7, bitfield, payload)
	require.NoError(t, err)
}

func TestClientUpdateNonOKIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), logrus.NewEntry(logrus.New()))
	err := c.Update(context.Background(), "abc", 1, []byte{1}, []byte{2})
	require.Error(t, err)
}

func TestSpeedWatchdogCancelsOnStall(t *testing.T) {
	w := &speedWatchdog{}
	ctx, cancel := w.watch(context.Background(), 1<<20, 20*time.Millisecond)
	defer cancel()

	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("watchdog did not cancel a stalled transfer")
	}
}

func TestSpeedWatchdogLeavesFastTransferAlone(t *testing.T) {
	w := &speedWatchdog{}
	ctx, cancel := w.watch(context.Background(), 1024, 20*time.Millisecond)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				w.onRead(4096)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()

	select {
	case <-ctx.Done():
		t.Fatal("watchdog canceled a transfer that was keeping pace")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientStartMerge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/startMerge", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "abc", r.FormValue("guid"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), logrus.NewEntry(logrus.New()))
	require.NoError(t, c.StartMerge(context.Background(), "abc", 1<<20))
}
