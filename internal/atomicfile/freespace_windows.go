//go:build windows

package atomicfile

// checkFreeSpace is not implemented on Windows; Store/Write will surface
// an out-of-space condition from the filesystem directly.
func checkFreeSpace(_ string, _ uint64) error { return nil }
