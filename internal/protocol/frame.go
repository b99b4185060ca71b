// Package protocol implements the chat relay wire format: length-prefixed
// frames, the code vocabulary exchanged between clients and the relay, and
// the conventions used to pack usernames, colours and drawings into payloads.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
)

const (
	// HeaderLength is the fixed size of the ASCII decimal length header.
	HeaderLength = 8

	// MaxPayloadLength is the largest payload a header can describe.
	MaxPayloadLength = 99999999
)

// ErrConnectionClosed is returned when the peer closes or resets the stream,
// including in the middle of a frame.
var ErrConnectionClosed = errors.New("connection closed by peer")

// ProtocolError describes a frame or payload the relay cannot accept.
// Any ProtocolError terminates the offending session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

// Violation builds a ProtocolError with a formatted reason.
func Violation(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is (or wraps) a ProtocolError.
func IsViolation(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// EncodeHeader renders n as a left-justified, space-padded decimal header.
func EncodeHeader(n int) ([]byte, error) {
	if n < 0 || n > MaxPayloadLength {
		return nil, fmt.Errorf("payload length %d does not fit in a %d byte header", n, HeaderLength)
	}
	return []byte(fmt.Sprintf("%-*d", HeaderLength, n)), nil
}

// DecodeHeader parses a header produced by EncodeHeader. Surrounding spaces
// are tolerated; anything other than decimal digits is a violation.
func DecodeHeader(header []byte) (int, error) {
	if len(header) != HeaderLength {
		return 0, Violation("header must be %d bytes, got %d", HeaderLength, len(header))
	}

	digits := bytes.TrimSpace(header)
	if len(digits) == 0 {
		return 0, Violation("empty length header")
	}
	for _, b := range digits {
		if b < '0' || b > '9' {
			return 0, Violation("malformed length header %q", header)
		}
	}

	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, Violation("malformed length header %q", header)
	}
	return n, nil
}

// AppendFrame appends the encoded frame for payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	header, err := EncodeHeader(len(payload))
	if err != nil {
		return dst, err
	}
	dst = append(dst, header...)
	return append(dst, payload...), nil
}

// WriteFrame writes a single frame. The header and payload go out in one
// write so concurrent writers on distinct connections never interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	return WriteFrames(w, payload)
}

// WriteFrames encodes several frames into one buffer and writes it.
// It is used for a code followed by its payload frames.
func WriteFrames(w io.Writer, frames ...[]byte) error {
	size := 0
	for _, f := range frames {
		size += HeaderLength + len(f)
	}

	buf := make([]byte, 0, size)
	for _, f := range frames {
		var err error
		if buf, err = AppendFrame(buf, f); err != nil {
			return err
		}
	}

	for written := 0; written < len(buf); {
		n, err := w.Write(buf[written:])
		if err != nil {
			return fmt.Errorf("failed to write frame: %w", classify(err))
		}
		if n == 0 {
			return fmt.Errorf("failed to write frame: %w", io.ErrShortWrite)
		}
		written += n
	}
	return nil
}

// ReadFrame reads exactly one frame with no size limit.
func ReadFrame(r io.Reader) ([]byte, error) {
	return ReadFrameLimit(r, 0)
}

// ReadFrameLimit reads exactly one frame, looping on short reads until the
// header and the declared payload have arrived. A limit <= 0 disables the
// size check.
func ReadFrameLimit(r io.Reader, limit int) ([]byte, error) {
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", classify(err))
	}

	n, err := DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	if limit > 0 && n > limit {
		return nil, Violation("frame of %d bytes exceeds limit of %d", n, limit)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", n, classify(err))
	}
	return payload, nil
}

// classify maps the ways a stream can end into ErrConnectionClosed and
// passes everything else (timeouts in particular) through untouched.
func classify(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return err
}
