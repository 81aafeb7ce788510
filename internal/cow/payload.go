package cow

import (
	"io"

	"github.com/pkg/errors"
)

// BlockRegionStart returns the absolute virtual offset where the
// (l1, l2) metadata entry's region begins — the inverse of
// L1Index/L2Index, used by the uploader to both address a block by
// number (blockNumber = l1*L2Size + l2) and to find
// out how many of its bytes actually fall within the image.
func BlockRegionStart(l1, l2 int) int64 {
	return int64(l1)*L2StorageCapacity + int64(l2)*MetadataStorageCapacity
}

// ReadEntryPayload reads back the on-disk bytes for an allocated
// entry whose region starts at regionStart, clipped to the image's
// current size — a short read at end of file is expected, not an
// error: bytes past the end of the data file read as zeros. Returns an
// error if the entry has no reserved offset or the data file read
// fails.
func (s *Store) ReadEntryPayload(entry *MetadataEntry, regionStart int64) ([]byte, error) {
	off, ok := entry.Offset()
	if !ok {
		return nil, errors.New("cow: entry has no reserved data offset")
	}
	n := MetadataStorageCapacity
	if remaining := s.ImageSize() - regionStart; remaining < n {
		if remaining < 0 {
			remaining = 0
		}
		n = remaining
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	s.ioMu.Lock()
	_, err := s.dataFile.ReadAt(buf, off)
	s.ioMu.Unlock()
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "cow: read entry payload")
	}
	return buf, nil
}
