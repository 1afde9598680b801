// Package frame serializes a single transmission to and from the on-disk
// envelope used by the spool. The layout is versioned, length-prefixed and
// CRC-guarded so a torn or tampered file is detected at read time instead of
// reaching the wire.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"
	"unicode/utf8"

	"github.com/cassiomorais/telemetry/internal/domain/transmission"
)

// Version is the only frame version this codec writes and accepts.
const Version = 1

// MaxFieldLen caps every length-prefixed field. Anything larger is treated as
// corruption rather than an allocation request.
const MaxFieldLen = 64 << 20

// ErrCorrupt marks any frame the codec cannot validate. Callers match it with
// errors.Is and quarantine the source file.
var ErrCorrupt = errors.New("corrupt frame")

// CorruptError carries the reason and, when known, the originating file.
type CorruptError struct {
	Name   string
	Reason string
}

func (e *CorruptError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("corrupt frame: %s", e.Reason)
	}
	return fmt.Sprintf("corrupt frame %s: %s", e.Name, e.Reason)
}

func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

func corrupt(name, reason string) error {
	return &CorruptError{Name: name, Reason: reason}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Write encodes t as one frame and writes it to w in a single call, so a
// partially written frame can only result from the writer itself failing.
func Write(w io.Writer, t *transmission.Transmission) error {
	var buf bytes.Buffer
	buf.WriteByte(Version)
	writeString(&buf, t.EndpointURL)
	writeString(&buf, t.ContentType)
	writeString(&buf, t.ContentEncoding)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.CreatedAt.UTC().UnixMilli()))
	buf.Write(ts[:])

	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(t.Payload)))
	buf.Write(plen[:])
	buf.Write(t.Payload)

	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.Checksum(buf.Bytes(), castagnoli))
	buf.Write(crc[:])

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

// Read decodes one frame from r. name is used in error messages only. Every
// malformed input, including short reads and unknown versions, yields an error
// matching ErrCorrupt; an error from the reader itself is returned wrapped
// (it still matches with errors.Is) and does not match ErrCorrupt.
func Read(r io.Reader, name string) (*transmission.Transmission, error) {
	crc := crc32.New(castagnoli)
	tee := io.TeeReader(r, crc)

	var ver [1]byte
	if err := readFull(tee, ver[:], name); err != nil {
		return nil, err
	}
	if ver[0] != Version {
		return nil, corrupt(name, fmt.Sprintf("unsupported version %d", ver[0]))
	}

	endpointURL, err := readString(tee, name, "endpoint url")
	if err != nil {
		return nil, err
	}
	contentType, err := readString(tee, name, "content type")
	if err != nil {
		return nil, err
	}
	contentEncoding, err := readString(tee, name, "content encoding")
	if err != nil {
		return nil, err
	}

	var ts [8]byte
	if err := readFull(tee, ts[:], name); err != nil {
		return nil, err
	}
	createdAt := time.UnixMilli(int64(binary.BigEndian.Uint64(ts[:]))).UTC()

	var plen [4]byte
	if err := readFull(tee, plen[:], name); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(plen[:])
	if n > MaxFieldLen {
		return nil, corrupt(name, fmt.Sprintf("payload length %d exceeds limit", n))
	}
	payload := make([]byte, n)
	if err := readFull(tee, payload, name); err != nil {
		return nil, err
	}

	computed := crc.Sum32()
	var stored [4]byte
	if err := readFull(r, stored[:], name); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(stored[:]) != computed {
		return nil, corrupt(name, "crc mismatch")
	}

	return &transmission.Transmission{
		EndpointURL:     endpointURL,
		Payload:         payload,
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		CreatedAt:       createdAt,
	}, nil
}

func readString(r io.Reader, name, field string) (string, error) {
	var l [4]byte
	if err := readFull(r, l[:], name); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > MaxFieldLen {
		return "", corrupt(name, fmt.Sprintf("%s length %d exceeds limit", field, n))
	}
	b := make([]byte, n)
	if err := readFull(r, b, name); err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", corrupt(name, field+" is not valid utf-8")
	}
	return string(b), nil
}

func readFull(r io.Reader, b []byte, name string) error {
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return corrupt(name, "truncated frame")
		}
		return fmt.Errorf("read frame: %w", err)
	}
	return nil
}
