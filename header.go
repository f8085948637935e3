package wisecow

import (
	"bufio"
	"errors"
	"strings"
)

// DefaultMaxLineBytes is the request line limit used when LineHeader.MaxBytes is zero.
const DefaultMaxLineBytes = 8 << 10

// ErrLineTooLong is returned by LineHeader.Read when no newline shows up
// within the line limit.
var ErrLineTooLong = errors.New("wisecow: request line too long")

// Header reads the request framing off a connection. The server keeps
// one prototype and asks it for a NewInstance per connection.
type Header interface {
	Read(*bufio.Reader) (int, error)
	Line() string
	NewInstance() Header
}

// LineHeader reads a single line terminated by '\n'. The content is kept
// only for logging; nothing routes on it.
type LineHeader struct {
	MaxBytes int

	line []byte
}

// Read consumes bytes up to and including the first newline. On error the
// bytes read so far remain available through Line.
func (h *LineHeader) Read(r *bufio.Reader) (int, error) {
	max := h.MaxBytes
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	h.line = h.line[:0]
	for n := 0; ; n++ {
		if n >= max {
			return n, ErrLineTooLong
		}
		b, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		if b == '\n' {
			return n + 1, nil
		}
		h.line = append(h.line, b)
	}
}

// Line returns the line without its terminator.
func (h *LineHeader) Line() string {
	return strings.TrimSuffix(string(h.line), "\r")
}

func (h *LineHeader) NewInstance() Header {
	return &LineHeader{MaxBytes: h.MaxBytes}
}
