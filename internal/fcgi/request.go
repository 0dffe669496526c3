package fcgi

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/wago/wdx-fileservice/internal/errs"
)

// Phase is one state of the §4.K phase machine. Phases only move
// forward; an illegal call leaves the phase unchanged (property §8.4).
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseAccepted
	PhaseSendingStatus
	PhaseSendingHeaders
	PhaseSendingBody
	PhaseFinished
)

// MaxContentLength is MAX_CONTENT from §4.K: 1 MiB.
const MaxContentLength = 1 << 20

// Header is one response header in emission order.
type Header struct {
	Name  string
	Value string
}

// Response is the argument to Respond: a status code, headers supplied
// at response time, and an optional body.
type Response struct {
	Status  int
	Headers []Header
	Body    []byte
}

// Request encapsulates one FastCGI request: the accept handshake, the
// parameter map, the single-shot body stream, and the phased response
// writer. Not safe for concurrent use by more than one goroutine; the
// server loop owns one Request per dispatched connection.
type Request struct {
	mu sync.Mutex

	conn      net.Conn
	requestID uint16

	phase Phase

	params        map[string]string
	contentLength int64
	bodyConsumed  bool

	responseHeaders []Header
}

// NewRequest wraps conn (already accepted by the server loop) in a
// fresh, unaccepted Request.
func NewRequest(conn net.Conn) *Request {
	return &Request{conn: conn, phase: PhaseInitial}
}

// Accept performs the FastCGI accept handshake: reads FCGI_BEGIN_REQUEST
// and the FCGI_PARAMS stream, then validates CONTENT_LENGTH. A malformed
// CONTENT_LENGTH auto-responds 400; one exceeding MaxContentLength
// auto-responds 413. Either way Accept returns nil: these are handled
// outcomes, not protocol errors. Accept may be called exactly once.
func (r *Request) Accept() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseInitial {
		return errs.LogicErrorf("accept called outside the initial phase")
	}

	h, body, err := readRecord(r.conn)
	if err != nil {
		return errs.Wrap(errs.InternalError, "read FCGI_BEGIN_REQUEST", err)
	}
	if h.recType != typeBeginRequest {
		return errs.LogicErrorf("expected FCGI_BEGIN_REQUEST")
	}
	r.requestID = h.requestID
	_ = body // role/flags not consumed: the core always acts as RESPONDER

	params := make(map[string]string)
	for {
		ph, pbody, err := readRecord(r.conn)
		if err != nil {
			return errs.Wrap(errs.InternalError, "read FCGI_PARAMS", err)
		}
		if ph.recType != typeParams {
			return errs.LogicErrorf("expected FCGI_PARAMS")
		}
		if len(pbody) == 0 {
			break
		}
		pairs, err := parseNameValuePairs(pbody)
		if err != nil {
			return errs.Wrap(errs.InternalError, "parse FCGI_PARAMS", err)
		}
		for k, v := range pairs {
			params[k] = v
		}
	}
	r.params = params
	r.phase = PhaseAccepted

	cl := params["CONTENT_LENGTH"]
	if cl == "" {
		return nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		r.mu.Unlock()
		r.autoRespond(http.StatusBadRequest)
		r.mu.Lock()
		return nil
	}
	if n > MaxContentLength {
		r.mu.Unlock()
		r.autoRespond(http.StatusRequestEntityTooLarge)
		r.mu.Lock()
		return nil
	}
	r.contentLength = n
	return nil
}

func (r *Request) autoRespond(status int) {
	_ = r.Respond(Response{Status: status})
	_ = r.Finish()
}

// requirePhaseLocked checks phase under lock; callers must already hold r.mu.
func (r *Request) requirePhaseLocked(allowed ...Phase) error {
	for _, p := range allowed {
		if r.phase == p {
			return nil
		}
	}
	return errs.LogicErrorf("illegal call in phase " + r.phase.String())
}

// IsHTTPS reports whether the request arrived over TLS, per the HTTPS
// FastCGI parameter.
func (r *Request) IsHTTPS() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.EqualFold(r.params["HTTPS"], "on")
}

// IsLocalhost reports whether REMOTE_ADDR names the loopback interface.
func (r *Request) IsLocalhost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr := r.params["REMOTE_ADDR"]
	return strings.HasPrefix(addr, "127.0.0.") || addr == "::1"
}

func (r *Request) Method() string      { return r.param("REQUEST_METHOD") }
func (r *Request) RequestURI() string  { return r.param("REQUEST_URI") }
func (r *Request) ContentType() string { return r.param("CONTENT_TYPE") }
func (r *Request) RemoteAddr() string  { return r.param("REMOTE_ADDR") }
func (r *Request) RemotePort() string  { return r.param("REMOTE_PORT") }

// ContentLength returns the validated CONTENT_LENGTH, or 0 if absent.
func (r *Request) ContentLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contentLength
}

func (r *Request) param(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.params == nil {
		return ""
	}
	return r.params[name]
}

// Header looks up a client request header by its HTTP name (e.g.
// "Authorization"), canonicalizing per §4.K: uppercase, '-' -> '_',
// prefixed with HTTP_.
func (r *Request) Header(name string) string {
	key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return r.param(key)
}

// QueryParams parses REQUEST_URI's query string.
func (r *Request) QueryParams() (map[string][]string, error) {
	uri := r.RequestURI()
	idx := strings.IndexByte(uri, '?')
	if idx < 0 {
		return map[string][]string{}, nil
	}
	values, err := url.ParseQuery(uri[idx+1:])
	if err != nil {
		return nil, errs.InvalidValuef("malformed query string")
	}
	return values, nil
}

// GetContentStream returns the request body as a single-shot reader.
// A second call (from any source, including GetContent) raises
// logic_error, per §8.5.
func (r *Request) GetContentStream() (io.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requirePhaseLocked(PhaseAccepted, PhaseSendingStatus, PhaseSendingHeaders, PhaseSendingBody); err != nil {
		return nil, err
	}
	if r.bodyConsumed {
		return nil, errs.LogicErrorf("content stream already consumed")
	}
	r.bodyConsumed = true

	var buf bytes.Buffer
	for {
		h, body, err := readRecord(r.conn)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "read FCGI_STDIN", err)
		}
		if h.recType != typeStdin {
			return nil, errs.LogicErrorf("expected FCGI_STDIN")
		}
		if len(body) == 0 {
			break
		}
		buf.Write(body)
	}
	return &buf, nil
}

// GetContent reads GetContentStream to completion. Subject to the same
// single-shot restriction.
func (r *Request) GetContent() ([]byte, error) {
	stream, err := r.GetContentStream()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(stream)
}

// AddResponseHeader queues a header to be written ahead of any headers
// passed to Respond. Legal in PhaseAccepted or PhaseSendingHeaders.
func (r *Request) AddResponseHeader(name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requirePhaseLocked(PhaseAccepted, PhaseSendingHeaders); err != nil {
		return err
	}
	r.responseHeaders = append(r.responseHeaders, Header{Name: name, Value: value})
	return nil
}

// Respond writes the status line, then request-added headers followed
// by resp.Headers, then the blank line, then resp.Body via SendData.
// Legal only in PhaseAccepted. A write failure force-finishes the
// request without attempting recovery.
func (r *Request) Respond(resp Response) error {
	r.mu.Lock()
	if err := r.requirePhaseLocked(PhaseAccepted); err != nil {
		r.mu.Unlock()
		return err
	}
	r.phase = PhaseSendingStatus

	statusLine := "Status: " + strconv.Itoa(resp.Status) + " " + http.StatusText(resp.Status) + "\r\n"
	if err := r.writeLocked([]byte(statusLine)); err != nil {
		r.forceFinishLocked()
		r.mu.Unlock()
		return err
	}

	r.phase = PhaseSendingHeaders
	allHeaders := append(append([]Header{}, r.responseHeaders...), resp.Headers...)
	for _, h := range allHeaders {
		line := h.Name + ": " + h.Value + "\r\n"
		if err := r.writeLocked([]byte(line)); err != nil {
			r.forceFinishLocked()
			r.mu.Unlock()
			return err
		}
	}
	if err := r.writeLocked([]byte("\r\n")); err != nil {
		r.forceFinishLocked()
		r.mu.Unlock()
		return err
	}

	r.phase = PhaseSendingBody
	r.mu.Unlock()

	if len(resp.Body) > 0 {
		return r.SendData(resp.Body)
	}
	return nil
}

// SendData writes additional response body bytes. Legal only in
// PhaseSendingBody.
func (r *Request) SendData(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requirePhaseLocked(PhaseSendingBody); err != nil {
		return err
	}
	if err := writeStream(r.conn, typeStdout, r.requestID, data); err != nil {
		r.forceFinishLocked()
		return errs.Wrap(errs.InternalError, "write FCGI_STDOUT", err)
	}
	return nil
}

// Finish ends the response: terminates the stdout stream, writes
// FCGI_END_REQUEST, and moves to PhaseFinished. Legal only in
// PhaseSendingBody.
func (r *Request) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requirePhaseLocked(PhaseSendingBody); err != nil {
		return err
	}
	if err := writeStreamEnd(r.conn, typeStdout, r.requestID); err != nil {
		r.phase = PhaseFinished
		return errs.Wrap(errs.InternalError, "write stdout terminator", err)
	}
	if err := writeEndRequest(r.conn, r.requestID, 0, endRequestComplete); err != nil {
		r.phase = PhaseFinished
		return errs.Wrap(errs.InternalError, "write FCGI_END_REQUEST", err)
	}
	r.phase = PhaseFinished
	return nil
}

// IsResponded reports whether Respond has been called.
func (r *Request) IsResponded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase >= PhaseSendingStatus
}

// CurrentPhase returns the request's current phase.
func (r *Request) CurrentPhase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Close force-finishes the request if it is not already finished,
// standing in for "destruction in any non-finished state force-finishes"
// from a language with deterministic destructors.
func (r *Request) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseFinished {
		return nil
	}
	r.forceFinishLocked()
	return r.conn.Close()
}

func (r *Request) forceFinishLocked() {
	if r.phase == PhaseFinished {
		return
	}
	// Best-effort: ignore further write failures, there is no recovery.
	_ = writeStreamEnd(r.conn, typeStdout, r.requestID)
	_ = writeEndRequest(r.conn, r.requestID, 1, endRequestComplete)
	r.phase = PhaseFinished
}

func (r *Request) writeLocked(b []byte) error {
	return writeStream(r.conn, typeStdout, r.requestID, b)
}

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseAccepted:
		return "accepted"
	case PhaseSendingStatus:
		return "sending_status"
	case PhaseSendingHeaders:
		return "sending_headers"
	case PhaseSendingBody:
		return "sending_body"
	default:
		return "finished"
	}
}
