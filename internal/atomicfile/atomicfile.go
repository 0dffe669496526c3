// Package atomicfile implements §4.B: a capacity-bounded write-to-temp
// writer with atomic publish (rename + directory fsync) semantics, owner
// and mode control, and an "empty file means delete" policy.
package atomicfile

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/wago/wdx-fileservice/internal/debug"
	"github.com/wago/wdx-fileservice/internal/errs"
)

const tempSuffix = ".tmp"

const randCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Options configure how a Writer creates and publishes its temp file.
type Options struct {
	// FinalPath is the destination path `store` renames the temp file to.
	FinalPath string
	// Capacity is the declared maximum size in bytes.
	Capacity uint64
	// Mode is applied to the temp file's descriptor and preserved through
	// the rename.
	Mode os.FileMode
	// UID/GID are applied via chown to the temp file's descriptor, if
	// both are >= 0.
	UID, GID int
	// EmptyFileNotOnDisk: if true and Capacity == 0, Store unlinks
	// FinalPath instead of renaming, and Read treats a missing file at
	// offset 0 as an empty read.
	EmptyFileNotOnDisk bool
	// KeepOpen, if true, has Reader reuse one descriptor across Read
	// calls instead of opening the final file on every call.
	KeepOpen bool
}

// Writer provides write-to-temp + atomic publish semantics for one upload.
// Not safe for concurrent use by multiple goroutines; callers (
// internal/fileprovider) serialize access with their own mutex.
type Writer struct {
	opts     Options
	tempPath string
	f        *os.File
	readonly bool
	kept     bool
	keepOpen *os.File
}

// New creates the temp file for writing: sweeps stale temp files matching
// `<final>-??????.tmp`, checks free space, creates a new temp file with a
// random 6-character middle segment, and applies mode/owner.
func New(opts Options) (*Writer, error) {
	dir := filepath.Dir(opts.FinalPath)

	if err := sweepStaleTempFiles(opts.FinalPath); err != nil {
		debug.Log("stale temp sweep failed for %v: %v", opts.FinalPath, err)
	}

	if err := checkFreeSpace(dir, opts.Capacity); err != nil {
		return nil, err
	}

	tempPath, f, err := createTempFile(opts.FinalPath)
	if err != nil {
		return nil, errs.FileNotAccessiblef("create temp file", err)
	}

	if opts.Mode != 0 {
		if err := f.Chmod(opts.Mode); err != nil {
			debug.Log("chmod temp file %v: %v", tempPath, err)
		}
	}
	if opts.UID >= 0 && opts.GID >= 0 {
		if err := f.Chown(opts.UID, opts.GID); err != nil {
			debug.Log("chown temp file %v: %v", tempPath, err)
		}
	}

	return &Writer{
		opts:     opts,
		tempPath: tempPath,
		f:        f,
	}, nil
}

func randomSuffix(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randCharset))))
		if err != nil {
			return "", err
		}
		b[i] = randCharset[idx.Int64()]
	}
	return string(b), nil
}

func createTempFile(finalPath string) (string, *os.File, error) {
	for attempt := 0; attempt < 10; attempt++ {
		suffix, err := randomSuffix(6)
		if err != nil {
			return "", nil, err
		}
		candidate := fmt.Sprintf("%s-%s%s", finalPath, suffix, tempSuffix)
		f, err := os.OpenFile(candidate, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return candidate, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("could not create a unique temp file for %s", finalPath)
}

func sweepStaleTempFiles(finalPath string) error {
	dir := filepath.Dir(finalPath)
	base := filepath.Base(finalPath)
	pattern := filepath.Join(dir, base+"-??????"+tempSuffix)

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}

	var removed int
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			debug.Log("failed to remove stale temp file %v: %v", m, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		debug.Log("removed %d stale temp file(s) for %v", removed, finalPath)
	}
	return nil
}

// Write seeks to offset and writes data, retrying on partial writes. A
// zero-length write is a no-op. Refuses to exceed the configured capacity.
func (w *Writer) Write(offset uint64, data []byte) error {
	if w.readonly {
		return errs.LogicErrorf("write on readonly writer")
	}
	if len(data) == 0 {
		return nil
	}
	end := offset + uint64(len(data))
	if end < offset || end > w.opts.Capacity {
		return errs.FileSizeExceededf("write exceeds declared capacity")
	}

	remaining := data
	pos := int64(offset)
	for len(remaining) > 0 {
		n, err := w.f.WriteAt(remaining, pos)
		if err != nil {
			return errs.FileNotAccessiblef("write", err)
		}
		remaining = remaining[n:]
		pos += int64(n)
	}
	return nil
}

// Store publishes the temp file: fsync, close, rename over FinalPath, then
// best-effort fsync of the containing directory. If EmptyFileNotOnDisk and
// Capacity == 0, FinalPath is unlinked instead of created.
func (w *Writer) Store() error {
	if w.readonly {
		return errs.LogicErrorf("store called twice")
	}
	if w.kept {
		return errs.LogicErrorf("store called while an external reference to the writable descriptor is outstanding")
	}

	if w.opts.EmptyFileNotOnDisk && w.opts.Capacity == 0 {
		_ = w.f.Close()
		if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) {
			debug.Log("remove temp file %v: %v", w.tempPath, err)
		}
		if err := os.Remove(w.opts.FinalPath); err != nil && !os.IsNotExist(err) {
			return errs.FileNotAccessiblef("unlink empty-file final path", err)
		}
		w.readonly = true
		return nil
	}

	if err := w.f.Sync(); err != nil {
		return errs.FileNotAccessiblef("fsync temp file", err)
	}

	if err := w.f.Close(); err != nil {
		// Descriptor is invalid regardless; continue to rename attempt.
		debug.Log("close temp file %v: %v", w.tempPath, err)
	}

	if err := os.Rename(w.tempPath, w.opts.FinalPath); err != nil {
		return errs.FileNotAccessiblef("rename temp file to final path", err)
	}

	if err := fsyncDir(filepath.Dir(w.opts.FinalPath)); err != nil {
		debug.Log("directory fsync for %v failed (non-fatal): %v", w.opts.FinalPath, err)
	}

	w.readonly = true
	return nil
}

// Acquire marks the writable descriptor as externally referenced, as a
// precondition guard for Store (§4.B: "no outstanding external reference").
func (w *Writer) Acquire() { w.kept = true }

// Release clears the external-reference guard set by Acquire.
func (w *Writer) Release() { w.kept = false }

// Size returns the current size of the temp file (non-readonly) or the
// final file (readonly).
func (w *Writer) Size() (uint64, error) {
	path := w.tempPath
	if w.readonly {
		path = w.opts.FinalPath
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && w.opts.EmptyFileNotOnDisk {
			return 0, nil
		}
		return 0, errs.FileNotAccessiblef("stat", err)
	}
	return uint64(fi.Size()), nil
}

// ReadTemp reads up to len(buf) bytes from the (non-readonly) temp file at
// offset. A short read is legitimate and returned as-is.
func (w *Writer) ReadTemp(offset uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := w.f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, errs.FileNotAccessiblef("read temp file", err)
	}
	return buf[:n], nil
}

// Close releases the writer's open temp file descriptor without publishing.
// If the writer is not readonly, the temp file is unlinked (§3: "destruction
// while non-readonly unlinks the temp file").
func (w *Writer) Close() error {
	var firstErr error
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			firstErr = err
		}
	}
	if !w.readonly {
		if err := os.Remove(w.tempPath); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reader opens a read-only file, usable for readonly published files or to
// feed a validator over the temp file's content.
type Reader struct {
	opts Options
	mu   sync.Mutex
	kept *os.File
}

// NewReader constructs a Reader over a final (published) path.
func NewReader(opts Options) *Reader {
	return &Reader{opts: opts}
}

// Read opens-on-demand (or reuses a kept-open descriptor) and reads up to
// length bytes at offset. Honors the EmptyFileNotOnDisk policy for
// offset == 0 against a missing file.
func (r *Reader) Read(offset uint64, length int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f := r.kept
	if f == nil {
		var err error
		f, err = os.Open(r.opts.FinalPath)
		if err != nil {
			if os.IsNotExist(err) && r.opts.EmptyFileNotOnDisk {
				if offset == 0 {
					return []byte{}, nil
				}
				return nil, errs.FileSizeExceededf("read past end of empty file")
			}
			return nil, errs.FileNotAccessiblef("open", err)
		}
		if r.opts.KeepOpen {
			r.kept = f
		} else {
			defer f.Close()
		}
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, errs.FileNotAccessiblef("read", err)
	}
	return buf[:n], nil
}

// Close releases any kept-open descriptor.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kept != nil {
		err := r.kept.Close()
		r.kept = nil
		return err
	}
	return nil
}

// Size returns the size of FinalPath, honoring EmptyFileNotOnDisk.
func (r *Reader) Size() (uint64, error) {
	fi, err := os.Stat(r.opts.FinalPath)
	if err != nil {
		if os.IsNotExist(err) && r.opts.EmptyFileNotOnDisk {
			return 0, nil
		}
		return 0, errs.FileNotAccessiblef("stat", err)
	}
	return uint64(fi.Size()), nil
}
