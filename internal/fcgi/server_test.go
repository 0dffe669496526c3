package fcgi

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wdxfiled.sock")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	testutil.OK(t, err)
	return Adopt(l), path
}

// TestReceiveNextConsumesFullTimeoutOnIdle covers §4.L's "always consumes
// at least timeout_ms wall time" guarantee.
func TestReceiveNextConsumesFullTimeoutOnIdle(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	fake := clock.NewFake(time.Unix(0, 0))
	srv.SetClock(fake)
	var slept time.Duration
	srv.SetSleeper(func(d time.Duration) {
		slept = d
		fake.Advance(d)
	})

	err := srv.ReceiveNext(50, func(*Request) {
		t.Fatalf("handler must not be called when nothing connected")
	})
	testutil.OK(t, err)
	testutil.Equals(t, 50*time.Millisecond, slept)
}

func TestReceiveNextDispatchesAcceptedRequest(t *testing.T) {
	srv, path := newTestServer(t)
	defer srv.Close()

	done := make(chan struct{})
	go func() {
		conn, err := net.Dial("unix", path)
		testutil.OK(t, err)
		defer conn.Close()
		clientDriver(t, conn, map[string]string{
			"REQUEST_METHOD": "GET",
			"REQUEST_URI":    "/v1/params",
		}, nil)
		close(done)
	}()

	handled := false
	err := srv.ReceiveNext(1000, func(req *Request) {
		handled = true
		testutil.Equals(t, "GET", req.Method())
	})
	testutil.OK(t, err)
	<-done
	testutil.Assert(t, handled, "expected handler to be invoked for the accepted connection")
}

func TestNewRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.sock")
	testutil.OK(t, os.WriteFile(path, []byte("stale"), 0600))

	// chown to www:www is best-effort (logged, not returned) since that
	// account rarely exists on a test machine; New must still succeed.
	srv, err := New(path, 0660)
	testutil.OK(t, err)
	defer srv.Close()

	info, err := os.Stat(path)
	testutil.OK(t, err)
	testutil.Assert(t, info.Mode()&os.ModeSocket != 0, "expected a fresh socket file")
}
