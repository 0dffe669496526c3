package fileprovider

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/wago/wdx-fileservice/internal/errs"
	"github.com/wago/wdx-fileservice/internal/testutil"
)

func countValidator(want int) Validator {
	return func(r io.Reader) (bool, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return false, err
		}
		return len(data) == want, nil
	}
}

func TestScenarioS1OutOfOrderUpload(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "firmware.bin")

	p := NewForWrite(Config{FinalPath: final, Limit: 10000, Mode: 0640, UID: -1, GID: -1})
	testutil.OK(t, p.Create(1000))

	testutil.OK(t, p.Write(500, make([]byte, 250)))
	testutil.OK(t, p.Write(0, make([]byte, 250)))
	testutil.OK(t, p.Write(750, make([]byte, 250)))
	testutil.OK(t, p.Write(250, make([]byte, 250)))

	complete, err := p.IsComplete()
	testutil.OK(t, err)
	testutil.Assert(t, complete, "expected upload to be complete")

	testutil.OK(t, p.Validate(countValidator(1000)))
	testutil.OK(t, p.Finish())

	fi, err := os.Stat(final)
	testutil.OK(t, err)
	testutil.Equals(t, int64(1000), fi.Size())

	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	testutil.Assert(t, len(matches) == 0, "expected no leftover temp files")
}

func TestScenarioS2OverCapacityWrite(t *testing.T) {
	dir := t.TempDir()
	p := NewForWrite(Config{FinalPath: filepath.Join(dir, "f"), Limit: 100, UID: -1, GID: -1})
	testutil.OK(t, p.Create(10))

	err := p.Write(5, make([]byte, 10))
	testutil.Assert(t, errs.Is(err, errs.FileSizeExceeded), "expected file_size_exceeded, got %v", err)
}

func TestScenarioS3IncompleteFinish(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	p := NewForWrite(Config{FinalPath: final, Limit: 100, UID: -1, GID: -1})
	testutil.OK(t, p.Create(100))
	testutil.OK(t, p.Write(0, make([]byte, 50)))

	err := p.Finish()
	testutil.Assert(t, errs.Is(err, errs.InvalidValue), "expected invalid_value, got %v", err)

	_, statErr := os.Stat(final)
	testutil.Assert(t, os.IsNotExist(statErr), "final path should not exist after a failed finish")
}

func TestCreateOverLimitRejected(t *testing.T) {
	dir := t.TempDir()
	p := NewForWrite(Config{FinalPath: filepath.Join(dir, "f"), Limit: 10, UID: -1, GID: -1})
	err := p.Create(11)
	testutil.Assert(t, errs.Is(err, errs.FileSizeExceeded), "expected file_size_exceeded, got %v", err)
}

func TestCreateOnReadonlyProviderIsLogicError(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	testutil.OK(t, os.WriteFile(final, []byte("x"), 0600))

	p := NewForRead(Config{FinalPath: final})
	err := p.Create(10)
	testutil.Assert(t, errs.Is(err, errs.LogicError), "expected logic_error, got %v", err)
}

func TestValidatorRejection(t *testing.T) {
	dir := t.TempDir()
	p := NewForWrite(Config{FinalPath: filepath.Join(dir, "f"), Limit: 10, UID: -1, GID: -1})
	testutil.OK(t, p.Create(4))
	testutil.OK(t, p.Write(0, []byte("abcd")))
	complete, err := p.IsComplete()
	testutil.OK(t, err)
	testutil.Assert(t, complete, "expected completion")

	err = p.Validate(func(r io.Reader) (bool, error) { return false, nil })
	testutil.Assert(t, errs.Is(err, errs.InvalidValue), "expected invalid_value, got %v", err)
}

func TestZeroCapacityCreateIsImmediatelyCompleted(t *testing.T) {
	dir := t.TempDir()
	p := NewForWrite(Config{FinalPath: filepath.Join(dir, "f"), Limit: 10, EmptyFileNotOnDisk: true, UID: -1, GID: -1})
	testutil.OK(t, p.Create(0))
	testutil.Equals(t, "completed", p.State().String())

	testutil.OK(t, p.Validate(func(r io.Reader) (bool, error) { return true, nil }))
	testutil.OK(t, p.Finish())
	testutil.Equals(t, "readonly", p.State().String())
}

func TestReadAfterFinishReadsFinalFile(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "f")
	p := NewForWrite(Config{FinalPath: final, Limit: 10, UID: -1, GID: -1})
	testutil.OK(t, p.Create(5))
	testutil.OK(t, p.Write(0, []byte("hello")))
	_, err := p.IsComplete()
	testutil.OK(t, err)
	testutil.OK(t, p.Validate(func(r io.Reader) (bool, error) {
		data, _ := io.ReadAll(r)
		return bytes.Equal(data, []byte("hello")), nil
	}))
	testutil.OK(t, p.Finish())

	data, err := p.Read(0, 5)
	testutil.OK(t, err)
	testutil.Equals(t, "hello", string(data))
}
