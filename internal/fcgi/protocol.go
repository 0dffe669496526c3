// Package fcgi implements the FastCGI request/response state machine of
// §4.K and the server dispatch loop of §4.L. This file holds the
// record-level wire protocol (FastCGI 1.0); no third-party FastCGI
// library appears anywhere in the example corpus, so this layer is
// built on encoding/binary and io alone (see DESIGN.md).
package fcgi

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type recordType uint8

const (
	typeBeginRequest recordType = 1
	typeAbortRequest recordType = 2
	typeEndRequest   recordType = 3
	typeParams       recordType = 4
	typeStdin        recordType = 5
	typeStdout       recordType = 6
	typeStderr       recordType = 7
)

const fcgiVersion1 = 1

const maxRecordContent = 65535

type recordHeader struct {
	version       uint8
	recType       recordType
	requestID     uint16
	contentLength uint16
	paddingLength uint8
}

func readRecordHeader(r io.Reader) (recordHeader, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return recordHeader{}, err
	}
	return recordHeader{
		version:       buf[0],
		recType:       recordType(buf[1]),
		requestID:     binary.BigEndian.Uint16(buf[2:4]),
		contentLength: binary.BigEndian.Uint16(buf[4:6]),
		paddingLength: buf[6],
	}, nil
}

func readRecord(r io.Reader) (recordHeader, []byte, error) {
	h, err := readRecordHeader(r)
	if err != nil {
		return recordHeader{}, nil, err
	}
	content := make([]byte, h.contentLength)
	if _, err := io.ReadFull(r, content); err != nil {
		return recordHeader{}, nil, errors.Wrap(err, "read record content")
	}
	if h.paddingLength > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(h.paddingLength)); err != nil {
			return recordHeader{}, nil, errors.Wrap(err, "read record padding")
		}
	}
	return h, content, nil
}

// writeStream writes content as one or more records of recType, chunking
// at maxRecordContent. It does not write the terminating zero-length
// record; callers append that via writeStreamEnd.
func writeStream(w io.Writer, recType recordType, requestID uint16, content []byte) error {
	if len(content) == 0 {
		return nil
	}
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxRecordContent {
			chunk = chunk[:maxRecordContent]
		}
		if err := writeOneRecord(w, recType, requestID, chunk); err != nil {
			return err
		}
		content = content[len(chunk):]
	}
	return nil
}

func writeOneRecord(w io.Writer, recType recordType, requestID uint16, content []byte) error {
	pad := (8 - len(content)%8) % 8
	var hdr [8]byte
	hdr[0] = fcgiVersion1
	hdr[1] = byte(recType)
	binary.BigEndian.PutUint16(hdr[2:4], requestID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(content)))
	hdr[6] = byte(pad)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(content) > 0 {
		if _, err := w.Write(content); err != nil {
			return err
		}
	}
	if pad > 0 {
		var padding [8]byte
		if _, err := w.Write(padding[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// writeStreamEnd writes the zero-length record that terminates a
// Stdin/Stdout/Stderr stream.
func writeStreamEnd(w io.Writer, recType recordType, requestID uint16) error {
	return writeOneRecord(w, recType, requestID, nil)
}

const (
	endRequestComplete = 0
)

func writeEndRequest(w io.Writer, requestID uint16, appStatus uint32, protocolStatus uint8) error {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = protocolStatus
	return writeOneRecord(w, typeEndRequest, requestID, body[:])
}

// parseNameValuePairs decodes the FastCGI name-value pair encoding used
// by FCGI_PARAMS records.
func parseNameValuePairs(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	for len(data) > 0 {
		nameLen, n, err := readNVLength(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]

		valueLen, n, err := readNVLength(data)
		if err != nil {
			return nil, err
		}
		data = data[n:]

		if len(data) < int(nameLen)+int(valueLen) {
			return nil, errors.New("truncated name-value pair")
		}
		name := string(data[:nameLen])
		value := string(data[nameLen : nameLen+valueLen])
		out[name] = value
		data = data[nameLen+valueLen:]
	}
	return out, nil
}

func readNVLength(data []byte) (length uint32, consumed int, err error) {
	if len(data) == 0 {
		return 0, 0, errors.New("truncated name-value length")
	}
	if data[0]&0x80 == 0 {
		return uint32(data[0]), 1, nil
	}
	if len(data) < 4 {
		return 0, 0, errors.New("truncated name-value length")
	}
	length = binary.BigEndian.Uint32(data[0:4]) & 0x7fffffff
	return length, 4, nil
}
