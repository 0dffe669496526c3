//go:build !windows

package atomicfile

import "os"

// fsyncDir opens and fsyncs dir for metadata durability after a rename.
// Best-effort: failures are logged by the caller, not fatal.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
