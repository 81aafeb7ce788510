package cowupload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/blockfabric/blockfabric/internal/cow"
)

// sweepInterval is how often a steady-state pass walks the index
// looking for newly-quiesced dirty entries.
const sweepInterval = 1 * time.Second

var (
	blocksUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockfabric_cow_blocks_uploaded_total",
		Help: "CoW blocks successfully shipped to the merge service.",
	})
	uploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blockfabric_cow_upload_failures_total",
		Help: "CoW block uploads that exhausted their retry budget.",
	})
	activeUploadsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blockfabric_cow_active_uploads",
		Help: "CoW block uploads currently in flight.",
	})
)

func init() {
	prometheus.MustRegister(blocksUploaded, uploadFailures, activeUploadsGauge)
}

// Uploader is the single CoW background upload task: at most
// MaxParallelBackgroundUploads concurrent transfers during
// steady state, MaxParallelUploads during the final unmount drain.
type Uploader struct {
	store  *cow.Store
	client *Client
	log    *logrus.Entry

	mergeOnDrain bool

	running int32 // atomic bool; set false to request drain+stop
	done    chan struct{}

	activeUploads int32 // atomic
	inQueue       int32 // atomic
	totalUploaded uint64
	idleBlocks    int32
}

// NewUploader returns an Uploader for store, shipping blocks via
// client under the store's session UUID.
func NewUploader(store *cow.Store, client *Client, mergeOnDrain bool, log *logrus.Entry) *Uploader {
	return &Uploader{
		store:        store,
		client:       client,
		mergeOnDrain: mergeOnDrain,
		running:      1,
		done:         make(chan struct{}),
		log:          log,
	}
}

// Stop requests the final drain phase, entered when the filesystem
// layer signals unmount. It does
// not block; wait on Done() for the drain to finish.
func (u *Uploader) Stop() {
	atomic.StoreInt32(&u.running, 0)
}

// Done is closed once the final drain pass has uploaded every
// remaining dirty block and, if configured, issued the merge request.
func (u *Uploader) Done() <-chan struct{} {
	return u.done
}

// Run drives the uploader until Stop is called, then performs one
// final drain pass with the quiescence gate disabled before closing
// Done.
func (u *Uploader) Run(ctx context.Context) {
	for atomic.LoadInt32(&u.running) == 1 {
		u.sweep(ctx, false, cow.MaxParallelBackgroundUploads)
		select {
		case <-ctx.Done():
			close(u.done)
			return
		case <-time.After(sweepInterval):
		}
	}

	u.sweep(ctx, true, cow.MaxParallelUploads)
	u.waitIdle()

	if u.mergeOnDrain {
		if err := u.client.StartMerge(ctx, u.store.UUID(), u.store.ImageSize()); err != nil {
			u.log.WithError(err).Warn("cowupload: startMerge failed")
		}
	}
	close(u.done)
}

// waitIdle blocks until no upload is in flight. The sweep loop
// dispatches uploads on a bounded worker pool and joins on its own
// WaitGroup per pass, so by the time sweep returns every upload it
// started has completed; this is a defensive poll for any upload that
// was still draining when sweep's semaphore released it.
func (u *Uploader) waitIdle() {
	for atomic.LoadInt32(&u.activeUploads) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
}

// sweep walks every allocated L2 entry once. ignoreMinDelay disables
// the quiescence gate (the final drain pass); maxParallel bounds
// concurrent transfers for this pass.
func (u *Uploader) sweep(ctx context.Context, ignoreMinDelay bool, maxParallel int) {
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	now := time.Now()
	idle := int32(0)
	queued := int32(0)

	u.store.Index().Walk(func(l1, l2 int, entry *cow.MetadataEntry) {
		since := entry.TimeChanged()
		if since == 0 {
			idle++
			return
		}
		if !ignoreMinDelay && now.Sub(time.Unix(0, since)) < cow.MinUploadDelay {
			return
		}
		queued++
		wg.Add(1)
		sem <- struct{}{}
		atomic.AddInt32(&u.activeUploads, 1)
		activeUploadsGauge.Inc()
		go func(l1, l2 int, entry *cow.MetadataEntry, since int64) {
			defer func() {
				<-sem
				wg.Done()
				atomic.AddInt32(&u.activeUploads, -1)
				activeUploadsGauge.Dec()
			}()
			u.uploadEntry(ctx, l1, l2, entry, since)
		}(l1, l2, entry, since)
	})

	atomic.StoreInt32(&u.idleBlocks, idle)
	atomic.StoreInt32(&u.inQueue, queued)
	wg.Wait()
}

// uploadEntry streams one entry's bitmap then its payload, retrying
// up to MaxUploadRetries times with exponential backoff before giving
// up on this block for the current pass.
func (u *Uploader) uploadEntry(ctx context.Context, l1, l2 int, entry *cow.MetadataEntry, since int64) {
	regionStart := cow.BlockRegionStart(l1, l2)
	blockNumber := int64(l1)*cow.L2Size + int64(l2)

	payload, err := u.store.ReadEntryPayload(entry, regionStart)
	if err != nil {
		u.log.WithError(err).WithField("block", blockNumber).Warn("cowupload: read entry payload")
		return
	}
	bitfield := entry.Bitfield.Bytes()

	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < cow.MaxUploadRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(b.Duration())
		}
		if err := u.client.Update(ctx, u.store.UUID(), blockNumber, bitfield, payload); err != nil {
			lastErr = err
			u.log.WithError(err).WithFields(logrus.Fields{"block": blockNumber, "attempt": attempt + 1}).
				Debug("cowupload: update failed")
			continue
		}
		// Only clear timeChanged if it still equals the value we
		// captured before uploading — if a write raced in since, the
		// next sweep re-uploads with the newer timestamp.
		entry.ClearIfUnchanged(since)
		entry.IncUploads()
		atomic.AddUint64(&u.totalUploaded, 1)
		blocksUploaded.Inc()
		return
	}
	uploadFailures.Inc()
	u.log.WithError(lastErr).WithField("block", blockNumber).Error("cowupload: upload failed, giving up for this pass")
}

// Stats is a snapshot of the uploader's current activity, used by the
// stats task to populate status.txt.
type Stats struct {
	InQueue       int32
	Modified      int32
	Idle          int32
	ActiveUploads int32
	TotalUploaded uint64
}

// Snapshot returns the uploader's current counters.
func (u *Uploader) Snapshot() Stats {
	inQueue := atomic.LoadInt32(&u.inQueue)
	idle := atomic.LoadInt32(&u.idleBlocks)
	return Stats{
		InQueue:       inQueue,
		Modified:      inQueue,
		Idle:          idle,
		ActiveUploads: atomic.LoadInt32(&u.activeUploads),
		TotalUploaded: atomic.LoadUint64(&u.totalUploaded),
	}
}

// IsRunning reports whether the uploader is still in steady state
// (false once Stop has been called, even during the drain pass).
func (u *Uploader) IsRunning() bool {
	return atomic.LoadInt32(&u.running) == 1
}
