package fcgi

import (
	"net"
	"testing"

	"github.com/wago/wdx-fileservice/internal/testutil"
)

func encodeParams(t *testing.T, pairs map[string]string) []byte {
	t.Helper()
	var out []byte
	for k, v := range pairs {
		out = append(out, byte(len(k)), byte(len(v)))
		out = append(out, k...)
		out = append(out, v...)
	}
	return out
}

// clientDriver writes a FastCGI request over conn: BEGIN_REQUEST, one
// PARAMS record, the empty PARAMS terminator, and (if body is non-nil) a
// STDIN record followed by its terminator.
func clientDriver(t *testing.T, conn net.Conn, params map[string]string, body []byte) {
	t.Helper()
	testutil.OK(t, writeOneRecord(conn, typeBeginRequest, 1, []byte{0, 1, 0, 0, 0, 0, 0, 0}))
	testutil.OK(t, writeOneRecord(conn, typeParams, 1, encodeParams(t, params)))
	testutil.OK(t, writeStreamEnd(conn, typeParams, 1))
	if body != nil {
		testutil.OK(t, writeStream(conn, typeStdin, 1, body))
		testutil.OK(t, writeStreamEnd(conn, typeStdin, 1))
	}
}

func newPipeRequest(t *testing.T, params map[string]string, body []byte) (*Request, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		clientDriver(t, clientConn, params, body)
		close(done)
	}()
	req := NewRequest(serverConn)
	testutil.OK(t, req.Accept())
	// net.Pipe is unbuffered: with a body, the driver stays blocked on the
	// STDIN write until the test reads the content stream.
	if body == nil {
		<-done
	}
	return req, clientConn
}

func TestAcceptParsesParams(t *testing.T) {
	req, client := newPipeRequest(t, map[string]string{
		"REQUEST_METHOD": "GET",
		"REQUEST_URI":    "/v1/params/foo",
		"HTTPS":          "on",
		"REMOTE_ADDR":    "127.0.0.1",
	}, nil)
	defer client.Close()

	testutil.Equals(t, PhaseAccepted, req.CurrentPhase())
	testutil.Equals(t, "GET", req.Method())
	testutil.Equals(t, "/v1/params/foo", req.RequestURI())
	testutil.Assert(t, req.IsHTTPS(), "expected HTTPS=on to be recognized")
	testutil.Assert(t, req.IsLocalhost(), "expected 127.0.0.1 to be localhost")
}

func TestHeaderCanonicalization(t *testing.T) {
	req, client := newPipeRequest(t, map[string]string{
		"HTTP_AUTHORIZATION": "Bearer abc",
	}, nil)
	defer client.Close()

	testutil.Equals(t, "Bearer abc", req.Header("Authorization"))
}

// TestScenarioS6MalformedContentLength covers §8 scenario S6.
func TestScenarioS6MalformedContentLength(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		clientDriver(t, clientConn, map[string]string{
			"REQUEST_METHOD": "POST",
			"CONTENT_LENGTH": "12foo",
		}, nil)
		close(done)
	}()

	req := NewRequest(serverConn)

	recvDone := make(chan []byte)
	go func() {
		var out []byte
		for {
			h, content, err := readRecord(clientConn)
			testutil.OK(t, err)
			if h.recType == typeEndRequest {
				break
			}
			out = append(out, content...)
		}
		recvDone <- out
	}()

	testutil.OK(t, req.Accept())
	<-done

	written := <-recvDone
	testutil.Equals(t, "Status: 400 Bad Request\r\n\r\n", string(written))
	testutil.Assert(t, req.IsResponded(), "expected is_responded() to be true after auto-reject")
}

// TestScenarioS7SingleShotBodyStream covers §8 scenario S7 / property §8.5.
func TestScenarioS7SingleShotBodyStream(t *testing.T) {
	req, client := newPipeRequest(t, map[string]string{
		"REQUEST_METHOD": "POST",
		"CONTENT_LENGTH": "5",
	}, []byte("hello"))
	defer client.Close()

	_, err := req.GetContentStream()
	testutil.OK(t, err)

	_, err = req.GetContentStream()
	testutil.Assert(t, err != nil, "expected second get_content_stream to raise")

	_, err = req.GetContent()
	testutil.Assert(t, err != nil, "expected get_content after stream read to raise")
}

func drainClient(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		for {
			h, _, err := readRecord(conn)
			if err != nil {
				return
			}
			if h.recType == typeEndRequest {
				return
			}
		}
	}()
}

func TestRespondIllegalOutsideAccepted(t *testing.T) {
	req, client := newPipeRequest(t, map[string]string{}, nil)
	defer client.Close()
	drainClient(t, client)

	testutil.OK(t, req.Respond(Response{Status: 200}))
	testutil.OK(t, req.Finish())

	err := req.Respond(Response{Status: 200})
	testutil.Assert(t, err != nil, "expected respond after finish to raise")
	testutil.Equals(t, PhaseFinished, req.CurrentPhase())
}

func TestSendDataIllegalBeforeRespond(t *testing.T) {
	req, client := newPipeRequest(t, map[string]string{}, nil)
	defer client.Close()

	err := req.SendData([]byte("x"))
	testutil.Assert(t, err != nil, "expected send_data before respond to raise")
	testutil.Equals(t, PhaseAccepted, req.CurrentPhase())
}
