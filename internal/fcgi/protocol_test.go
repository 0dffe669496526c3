package fcgi

import (
	"bytes"
	"testing"

	"github.com/wago/wdx-fileservice/internal/testutil"
)

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	testutil.OK(t, writeOneRecord(&buf, typeStdout, 1, []byte("hello")))

	h, content, err := readRecord(&buf)
	testutil.OK(t, err)
	testutil.Equals(t, typeStdout, h.recType)
	testutil.Equals(t, uint16(1), h.requestID)
	testutil.Equals(t, "hello", string(content))
}

func TestParseNameValuePairsShortForm(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(len("REQUEST_METHOD")))
	buf.WriteByte(byte(len("GET")))
	buf.WriteString("REQUEST_METHOD")
	buf.WriteString("GET")

	pairs, err := parseNameValuePairs(buf.Bytes())
	testutil.OK(t, err)
	testutil.Equals(t, "GET", pairs["REQUEST_METHOD"])
}

func TestWriteStreamChunksAndTerminator(t *testing.T) {
	var buf bytes.Buffer
	testutil.OK(t, writeStream(&buf, typeStdout, 1, []byte("abc")))
	testutil.OK(t, writeStreamEnd(&buf, typeStdout, 1))

	h1, body1, err := readRecord(&buf)
	testutil.OK(t, err)
	testutil.Equals(t, "abc", string(body1))

	h2, body2, err := readRecord(&buf)
	testutil.OK(t, err)
	testutil.Equals(t, 0, len(body2))
	testutil.Equals(t, h1.requestID, h2.requestID)
}
