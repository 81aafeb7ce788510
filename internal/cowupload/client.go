// Package cowupload implements the CoW uploader (C10): a background
// task that ships quiesced dirty blocks from internal/cow's store to
// a remote merge service's HTTP API with bounded parallelism and
// retry, plus the stats task that maintains the human-readable status
// file.
package cowupload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MinUploadSpeedBytesPerSec and MinUploadSpeedWindow bound how slow a
// single block upload is allowed to crawl before it's aborted
// (minimum 1 KiB/s sustained over 10 s).
const (
	MinUploadSpeedBytesPerSec = 1024
	MinUploadSpeedWindow      = 10 * time.Second
)

// speedWatchdog cancels a request's context if fewer than minBps
// bytes per second have moved across window-sized ticks — including
// the case where the underlying Read is blocked and no chunk ever
// arrives, which a purely per-Read check would miss.
type speedWatchdog struct {
	bytes int64 // atomic
}

func (w *speedWatchdog) onRead(n int) {
	atomic.AddInt64(&w.bytes, int64(n))
}

// watch starts the ticking goroutine and returns a context that's
// canceled the moment one window elapses without enough bytes moving.
// The returned cancel must be called once the request is done either
// way to stop the goroutine.
func (w *speedWatchdog) watch(ctx context.Context, minBps float64, window time.Duration) (context.Context, context.CancelFunc) {
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(window)
		defer ticker.Stop()
		var last int64
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				cur := atomic.LoadInt64(&w.bytes)
				delta := cur - last
				last = cur
				if float64(delta)/window.Seconds() < minBps {
					cancel()
					return
				}
			}
		}
	}()
	return watchCtx, cancel
}

// countingReader reports every successful Read to onRead, so a
// speedWatchdog can observe throughput without the body reader
// knowing about it.
type countingReader struct {
	r      io.Reader
	onRead func(n int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.onRead(n)
	}
	return n, err
}

// Client wraps the three CoW merge-service HTTP endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
}

// NewClient returns a Client targeting baseURL (e.g.
// "https://merge.example.internal").
func NewClient(baseURL string, httpClient *http.Client, log *logrus.Entry) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient, log: log}
}

// Create calls POST /api/create and returns the 36-byte session UUID
// from the response body.
func (c *Client) Create(ctx context.Context, imageName string, version uint32, bitfieldSize int) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("imageName", imageName); err != nil {
		return "", errors.Wrap(err, "cowupload: write imageName field")
	}
	if err := w.WriteField("version", fmt.Sprintf("%d", version)); err != nil {
		return "", errors.Wrap(err, "cowupload: write version field")
	}
	if err := w.WriteField("bitfieldSize", fmt.Sprintf("%d", bitfieldSize)); err != nil {
		return "", errors.Wrap(err, "cowupload: write bitfieldSize field")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "cowupload: close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/create", &body)
	if err != nil {
		return "", errors.Wrap(err, "cowupload: build create request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "cowupload: create request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("cowupload: create: unexpected status %d", resp.StatusCode)
	}
	uuidBytes, err := io.ReadAll(io.LimitReader(resp.Body, 36))
	if err != nil {
		return "", errors.Wrap(err, "cowupload: read create response")
	}
	return string(uuidBytes), nil
}

// Update calls POST /api/update/{uuid}/{blocknumber}, streaming first
// the block's bitmap then its payload bytes (possibly a short read at
// EOF). A request body slower than MinUploadSpeedBytesPerSec
// sustained over MinUploadSpeedWindow is aborted: a speedWatchdog
// ticks every window and cancels the request's context the moment a
// tick sees too few bytes moved since the last one.
func (c *Client) Update(ctx context.Context, uuid string, blockNumber int64, bitfield []byte, payload []byte) error {
	watchdog := &speedWatchdog{}
	watchCtx, cancel := watchdog.watch(ctx, MinUploadSpeedBytesPerSec, MinUploadSpeedWindow)
	defer cancel()

	body := &countingReader{
		r:      io.MultiReader(bytes.NewReader(bitfield), bytes.NewReader(payload)),
		onRead: watchdog.onRead,
	}
	url := fmt.Sprintf("%s/api/update/%s/%d", c.baseURL, uuid, blockNumber)

	req, err := http.NewRequestWithContext(watchCtx, http.MethodPost, url, body)
	if err != nil {
		return errors.Wrap(err, "cowupload: build update request")
	}
	req.ContentLength = int64(len(bitfield) + len(payload))

	resp, err := c.http.Do(req)
	if err != nil {
		if watchCtx.Err() != nil && ctx.Err() == nil {
			return errors.Errorf("cowupload: update block %d: stalled below %d B/s over %s",
				blockNumber, int(MinUploadSpeedBytesPerSec), MinUploadSpeedWindow)
		}
		return errors.Wrap(err, "cowupload: update request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("cowupload: update block %d: unexpected status %d", blockNumber, resp.StatusCode)
	}
	return nil
}

// StartMerge calls POST /api/startMerge, the server-side operation
// that folds an uploaded CoW into a new immutable image revision
// on the server.
func (c *Client) StartMerge(ctx context.Context, guid string, fileSize int64) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("guid", guid); err != nil {
		return errors.Wrap(err, "cowupload: write guid field")
	}
	if err := w.WriteField("fileSize", fmt.Sprintf("%d", fileSize)); err != nil {
		return errors.Wrap(err, "cowupload: write fileSize field")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "cowupload: close multipart writer")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/startMerge", &body)
	if err != nil {
		return errors.Wrap(err, "cowupload: build startMerge request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "cowupload: startMerge request")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("cowupload: startMerge: unexpected status %d", resp.StatusCode)
	}
	return nil
}
