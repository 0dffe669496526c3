package fcgi

import (
	"net"
	"os"
	"os/user"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wago/wdx-fileservice/internal/clock"
	"github.com/wago/wdx-fileservice/internal/debug"
	"github.com/wago/wdx-fileservice/internal/errs"
)

// Handler processes one accepted, already-Accept()-ed Request. The
// server loop calls Close on the request after Handler returns.
type Handler func(*Request)

// Server owns the listening UNIX-domain socket (§4.L) and dispatches
// accepted connections to a Handler, one at a time, on the calling
// goroutine (the "single dispatcher thread" of §5).
type Server struct {
	listener *net.UnixListener
	clock    clock.Clock
	sleep    func(time.Duration)
}

// New opens a new UNIX-domain listening socket at path, setting mode and
// chowning to www:www, with its close-on-exec flag set. Any stale socket
// file at path is removed first.
func New(path string, mode os.FileMode) (*Server, error) {
	_ = os.Remove(path)

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "listen on unix socket", err)
	}

	rawConn, err := l.SyscallConn()
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "get raw socket conn", err)
	}
	err = rawConn.Control(func(fd uintptr) {
		unix.CloseOnExec(int(fd))
	})
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "set close-on-exec", err)
	}

	if err := os.Chmod(path, mode); err != nil {
		return nil, errs.Wrap(errs.InternalError, "chmod unix socket", err)
	}
	if err := chownWWW(path); err != nil {
		debug.Log("chown %s to www:www failed: %v", path, err)
	}

	return &Server{listener: l, clock: clock.System{}, sleep: time.Sleep}, nil
}

// Adopt wraps a UNIX-domain listener inherited from the service manager
// (socket activation), rather than opening a new one.
func Adopt(l *net.UnixListener) *Server {
	return &Server{listener: l, clock: clock.System{}, sleep: time.Sleep}
}

func chownWWW(path string) error {
	u, err := user.Lookup("www")
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	return os.Chown(path, uid, gid)
}

// SetClock overrides the clock used to measure ReceiveNext's elapsed
// wall time; intended for tests.
func (s *Server) SetClock(c clock.Clock) { s.clock = c }

// SetSleeper overrides the sleep function used to consume ReceiveNext's
// residual timeout; intended for tests.
func (s *Server) SetSleeper(sleep func(time.Duration)) { s.sleep = sleep }

// Close closes the listening socket.
func (s *Server) Close() error {
	return s.listener.Close()
}

// ReceiveNext polls the socket with POLLIN for at most timeoutMs. On a
// readable socket it accepts one connection, builds a Request (4.K),
// performs its accept handshake, and hands it to handle. On timeout or
// poll error it sleeps out the remainder of timeoutMs: the call always
// consumes at least timeoutMs wall time, which bounds the dispatch
// loop's spin rate without requiring a suspension primitive.
func (s *Server) ReceiveNext(timeoutMs int, handle Handler) error {
	start := s.clock.Now()

	rawConn, err := s.listener.SyscallConn()
	if err != nil {
		return errs.Wrap(errs.InternalError, "get raw socket conn", err)
	}

	var readable bool
	var pollErr error
	err = rawConn.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, e := unix.Poll(fds, timeoutMs)
		if e != nil {
			pollErr = e
			return
		}
		readable = n > 0 && fds[0].Revents&unix.POLLIN != 0
	})
	if err != nil {
		return errs.Wrap(errs.InternalError, "poll unix socket", err)
	}

	if !readable {
		s.consumeRemainder(start, timeoutMs)
		if pollErr != nil {
			return errs.Wrap(errs.InternalError, "poll unix socket", pollErr)
		}
		return nil
	}

	conn, err := s.listener.AcceptUnix()
	if err != nil {
		return errs.Wrap(errs.InternalError, "accept unix connection", err)
	}

	req := NewRequest(conn)
	if err := req.Accept(); err != nil {
		debug.Log("fcgi accept failed: %v", err)
		req.Close()
		return nil
	}

	defer req.Close()
	handle(req)
	return nil
}

func (s *Server) consumeRemainder(start time.Time, timeoutMs int) {
	elapsed := s.clock.Now().Sub(start)
	remaining := time.Duration(timeoutMs)*time.Millisecond - elapsed
	if remaining > 0 {
		s.sleep(remaining)
	}
}
