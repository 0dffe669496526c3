//go:build !windows

package atomicfile

import (
	"syscall"

	"github.com/wago/wdx-fileservice/internal/errs"
)

// checkFreeSpace fails early if the filesystem containing dir does not
// have at least capacity bytes available.
func checkFreeSpace(dir string, capacity uint64) error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		// Directory may not exist yet; let file creation surface the error.
		return nil
	}
	available := stat.Bavail * uint64(stat.Bsize)
	if available < capacity {
		return errs.FileSizeExceededf("insufficient free space for upload")
	}
	return nil
}
