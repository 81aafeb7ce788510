package cowupload

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blockfabric/blockfabric/internal/cow"
)

// State is the CoW session's lifecycle state as surfaced in
// status.txt. Modeled as a type rather than left as informal strings
// threaded through several places as raw constants.
type State int

// CoW session states.
const (
	StateActive State = iota
	StateBackgroundUpload
	StateUploading
	StateDone
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateBackgroundUpload:
		return "backgroundUpload"
	case StateUploading:
		return "uploading"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// StatsTask recomputes the uploader's snapshot every
// cow.StatsUpdateInterval and writes it to status.txt in the CoW
// directory.
type StatsTask struct {
	uploader  *Uploader
	statusDir string
	log       *logrus.Entry

	lastBytes int64
	lastAt    time.Time
}

// NewStatsTask returns a StatsTask writing status.txt under statusDir.
func NewStatsTask(uploader *Uploader, statusDir string, log *logrus.Entry) *StatsTask {
	return &StatsTask{uploader: uploader, statusDir: statusDir, log: log, lastAt: time.Now()}
}

// Run ticks until uploader's Done channel closes, writing one final
// status line with state=done before returning.
func (t *StatsTask) Run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.uploader.Done():
			t.write(StateDone, t.uploader.Snapshot())
			return
		case <-ticker.C:
			snap := t.uploader.Snapshot()
			state := StateActive
			switch {
			case !t.uploader.IsRunning():
				state = StateUploading
			case snap.InQueue > 0:
				state = StateBackgroundUpload
			}
			t.write(state, snap)
		}
	}
}

// write renders one status.txt: key=value lines.
func (t *StatsTask) write(state State, snap Stats) {
	ulspeed := t.ulSpeed(snap)
	lines := fmt.Sprintf(
		"uuid=%s\nstate=%s\ninQueue=%d\nmodifiedBlocks=%d\nidleBlocks=%d\ntotalBlocksUploaded=%d\nactiveUploads=%d\nulspeed=%.0f\n",
		t.uploader.store.UUID(), state, snap.InQueue, snap.Modified, snap.Idle, snap.TotalUploaded, snap.ActiveUploads, ulspeed,
	)
	path := filepath.Join(t.statusDir, "status.txt")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(lines), 0o644); err != nil {
		t.log.WithError(err).Warn("cowupload: write status.txt")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		t.log.WithError(err).Warn("cowupload: rename status.txt into place")
	}
}

// ulSpeed estimates bytes/sec uploaded since the last tick from the
// block counter delta, keeping the running counters as int64/uint64
// throughout to avoid any narrowed-int overflow in the comparison.
func (t *StatsTask) ulSpeed(snap Stats) float64 {
	now := time.Now()
	elapsed := now.Sub(t.lastAt).Seconds()
	bytes := int64(snap.TotalUploaded) * cow.MetadataStorageCapacity
	delta := bytes - t.lastBytes
	t.lastBytes = bytes
	t.lastAt = now
	if elapsed <= 0 || delta < 0 {
		return 0
	}
	return float64(delta) / elapsed
}
