package sheet

// streaming.go provides the byte-level readers applied to CSV input before
// it reaches encoding/csv:
//
//   - bomReader drops a leading UTF-8 byte order mark
//   - utf8Sanitizer replaces invalid UTF-8 bytes with '?'
//   - CountingReader tracks bytes consumed for progress reporting
//
// Wrap applies all three in that order. Every reader works in constant
// memory regardless of input size.

import (
	"bufio"
	"bytes"
	"io"
	"sync/atomic"
	"unicode/utf8"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type bomReader struct {
	r       *bufio.Reader
	checked bool
}

func newBOMReader(r io.Reader) *bomReader {
	return &bomReader{r: bufio.NewReader(r)}
}

func (b *bomReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		if head, _ := b.r.Peek(len(utf8BOM)); bytes.Equal(head, utf8BOM) {
			_, _ = b.r.Discard(len(utf8BOM))
		}
	}
	return b.r.Read(p)
}

// utf8Sanitizer rewrites invalid UTF-8 in place. A multi-byte sequence split
// across two reads is carried over to the next read instead of being
// treated as invalid.
type utf8Sanitizer struct {
	r       io.Reader
	pending []byte
}

func newUTF8Sanitizer(r io.Reader) *utf8Sanitizer {
	return &utf8Sanitizer{r: r, pending: make([]byte, 0, utf8.UTFMax)}
}

func (s *utf8Sanitizer) Read(p []byte) (int, error) {
	if len(p) < utf8.UTFMax {
		// too small to hold a carried-over sequence; read through a scratch buffer
		var scratch [64]byte
		n, err := s.Read(scratch[:])
		if n > len(p) {
			s.pending = append(append([]byte(nil), scratch[len(p):n]...), s.pending...)
			n = len(p)
		}
		copy(p, scratch[:n])
		return n, err
	}

	off := copy(p, s.pending)
	s.pending = s.pending[:0]
	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}
	return s.sanitize(p[:n], err != nil), err
}

func (s *utf8Sanitizer) sanitize(data []byte, final bool) int {
	if !final {
		if tail := splitRuneTail(data); tail > 0 {
			s.pending = append(s.pending, data[len(data)-tail:]...)
			data = data[:len(data)-tail]
		}
	}
	if utf8.Valid(data) {
		return len(data)
	}
	w := 0
	for r := 0; r < len(data); {
		c, size := utf8.DecodeRune(data[r:])
		if c == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			r++
			continue
		}
		w += copy(data[w:], data[r:r+size])
		r += size
	}
	return w
}

// splitRuneTail returns how many trailing bytes of data begin a multi-byte
// sequence that the buffer cuts short.
func splitRuneTail(data []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b < 0x80 {
			return 0
		}
		if b >= 0xC0 {
			need := 2
			switch {
			case b >= 0xF0:
				need = 4
			case b >= 0xE0:
				need = 3
			}
			if i < need {
				return i
			}
			return 0
		}
	}
	return 0
}

// CountingReader counts the bytes read through it. Count is safe to call
// from another goroutine while reads are in progress.
type CountingReader struct {
	r     io.Reader
	n     atomic.Int64
	Total int64
}

// NewCountingReader wraps r; total is the expected size or 0 when unknown.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{r: r, Total: total}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the bytes read so far.
func (c *CountingReader) Count() int64 { return c.n.Load() }

// Progress returns the percentage read, or 0 when the total is unknown.
func (c *CountingReader) Progress() int {
	if c.Total <= 0 {
		return 0
	}
	p := int(c.Count() * 100 / c.Total)
	if p > 100 {
		p = 100
	}
	return p
}

// Wrap strips a BOM, sanitizes UTF-8 and counts bytes, in that order.
func Wrap(r io.Reader, total int64) *CountingReader {
	return NewCountingReader(newUTF8Sanitizer(newBOMReader(r)), total)
}
