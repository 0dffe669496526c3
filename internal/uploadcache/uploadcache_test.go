package uploadcache

import (
	"testing"
	"time"

	"github.com/wago/wdx-fileservice/internal/chunkacct"
	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/testutil"
)

func TestNewUploadIDUnique(t *testing.T) {
	a := NewUploadID()
	b := NewUploadID()
	testutil.Assert(t, a != "" && b != "" && a != b, "expected two distinct non-empty upload-ids")
}

func TestPurgeOnExpiry(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := New(10*time.Second, 16, fake)

	c.Put("upload-1", chunkacct.New(100))

	_, ok := c.Get("upload-1")
	testutil.Assert(t, ok, "expected fresh entry to be found")

	fake.Advance(11 * time.Second)
	_, ok = c.Get("upload-1")
	testutil.Assert(t, !ok, "expected entry idle past timeout to be purged")
}

func TestGetRefreshesLastAccess(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := New(10*time.Second, 16, fake)
	c.Put("upload-1", chunkacct.New(100))

	fake.Advance(9 * time.Second)
	_, ok := c.Get("upload-1")
	testutil.Assert(t, ok, "entry should still be alive before timeout")

	fake.Advance(9 * time.Second)
	_, ok = c.Get("upload-1")
	testutil.Assert(t, ok, "access should have refreshed the idle timer")
}

func TestPurgeExpiredSweepsAllIdleEntries(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	c := New(5*time.Second, 16, fake)
	c.Put("a", chunkacct.New(10))
	c.Put("b", chunkacct.New(10))

	fake.Advance(6 * time.Second)
	c.PurgeExpired()

	testutil.Equals(t, 0, c.Len())
}
