// Package cow implements the user-mode client's copy-on-write store:
// a two-level sparse block index, a per-block bit-granular dirty map,
// and the data/metadata files backing them.
package cow

import "time"

// BlockSize is the dirty-bitmap granularity and the unit the origin
// is read/written in.
const BlockSize = 4096

// BitfieldSize is the number of bytes in one metadata entry's dirty
// bitmap: 40 bytes = 320 bits, each bit covering one BlockSize block,
// so one entry's region is BitfieldSize*8*BlockSize bytes.
const BitfieldSize = 40

// MetadataStorageCapacity is the number of origin bytes one L2 slot
// (one MetadataEntry) describes.
const MetadataStorageCapacity = int64(BitfieldSize) * 8 * BlockSize

// L2Size is the number of metadata entries in one L2 block.
const L2Size = 1024

// L2StorageCapacity is the number of origin bytes one L2 block
// describes, and therefore the granularity of the L1 index.
const L2StorageCapacity = int64(L2Size) * MetadataStorageCapacity

// MaxImageSize bounds the virtual disk a CoW store can overlay
// 1 TiB is generous headroom over any
// image this fabric is expected to export.
const MaxImageSize = int64(1) << 40

// Upload tunables.
const (
	// MinUploadDelay is the quiescence window: a dirty entry younger
	// than this is skipped during a steady-state upload pass so bursts
	// of writes to the same block coalesce into one upload.
	MinUploadDelay = 3 * time.Second
	// MaxParallelBackgroundUploads bounds concurrent transfers during
	// steady-state operation.
	MaxParallelBackgroundUploads = 10
	// MaxParallelUploads bounds concurrent transfers during the final
	// drain phase entered on unmount.
	MaxParallelUploads = 100
	// StatsUpdateInterval is how often the stats task recomputes and
	// persists the human-readable status file.
	StatsUpdateInterval = 1500 * time.Millisecond
	// MaxUploadRetries bounds per-block upload retry attempts before
	// the uploader gives up on that block for the current pass.
	MaxUploadRetries = 5
)

// metaMagicValue and dataMagicValue identify the two CoW persistence
// files on disk. Both are checked for an exact and
// a byte-swapped match on reopen so a wrong-endian file is rejected
// rather than silently misread.
const (
	metaMagicValue uint64 = 0x434f57314d455441 // "COW1META"
	dataMagicValue uint64 = 0x434f57314441544a // "COW1DATJ"
	metaFileVersion uint32 = 1
)
