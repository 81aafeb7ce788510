package image

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes of real disk space for fd, used
// for the "fully preallocated" branch of the sparseFiles switch.
// Falls back to Truncate (a logical, not physical,
// reservation) if the platform's fallocate call fails.
func preallocate(fd *os.File, size int64) error {
	if err := unix.Fallocate(int(fd.Fd()), 0, 0, size); err != nil {
		return fd.Truncate(size)
	}
	return nil
}
