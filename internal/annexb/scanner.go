// Package annexb locates start-code delimited NAL units in an Annex B byte
// stream and converts escaped NAL payloads to RBSP.
//
// A [Scanner] owns a growable [Buffer] that is filled from an [io.Reader]
// only when a scan runs out of buffered bytes. Offsets returned by the
// scanner index into that buffer and stay valid across refills.
package annexb

import (
	"errors"
	"fmt"
	"io"
)

// RefillSize is the number of bytes requested from the source each time a
// start-code scan exhausts the buffered data.
const RefillSize = 4096

// DefaultMaxBuffer bounds how large the input buffer may grow while
// searching for a single access unit.
const DefaultMaxBuffer = 64 << 20

// ErrAllocation is returned when a refill would grow the buffer past its
// configured maximum, or a unit range cannot be copied.
var ErrAllocation = errors.New("annexb: buffer allocation failed")

// Buffer is an owned, growable byte buffer. Len is the number of valid
// bytes and Cap the allocated size.
type Buffer struct {
	data []byte
}

// Bytes returns the valid bytes.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the allocated size.
func (b *Buffer) Cap() int { return cap(b.data) }

// Consume drops the first n valid bytes, moving the remainder to the front.
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	m := copy(b.data, b.data[n:])
	b.data = b.data[:m]
}

// Reset discards all valid bytes, keeping the allocation.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// Scanner finds start codes in a stream, refilling its buffer on demand.
type Scanner struct {
	src       io.Reader
	buf       Buffer
	maxBuffer int
	eof       bool
}

// NewScanner returns a Scanner reading from src.
func NewScanner(src io.Reader) *Scanner {
	return &Scanner{src: src, maxBuffer: DefaultMaxBuffer}
}

// SetMaxBuffer changes the buffer growth limit. Values <= 0 restore the
// default.
func (s *Scanner) SetMaxBuffer(n int) {
	if n <= 0 {
		n = DefaultMaxBuffer
	}
	s.maxBuffer = n
}

// Buffer returns the scanner's input buffer.
func (s *Scanner) Buffer() *Buffer {
	return &s.buf
}

// Len returns the number of buffered bytes.
func (s *Scanner) Len() int {
	return s.buf.Len()
}

// Byte returns the buffered byte at offset i.
func (s *Scanner) Byte(i int) byte {
	return s.buf.data[i]
}

// Drained reports whether the source has reported end of input.
func (s *Scanner) Drained() bool {
	return s.eof
}

// Rewind seeks a seekable source back to its start so that subsequent
// refills continue from the first byte. Buffered bytes are kept; they are
// the tail of the previous pass and still need to be consumed.
func (s *Scanner) Rewind() error {
	seeker, ok := s.src.(io.Seeker)
	if !ok {
		return fmt.Errorf("annexb: rewind: source is not seekable")
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("annexb: rewind: %w", err)
	}
	s.eof = false
	return nil
}

// Seekable reports whether Rewind can succeed.
func (s *Scanner) Seekable() bool {
	_, ok := s.src.(io.Seeker)
	return ok
}

// Stop marks the source as exhausted and discards buffered bytes. Later
// scans report io.EOF without reading.
func (s *Scanner) Stop() {
	s.eof = true
	s.buf.Reset()
}

// FindStartCode returns the offset of the next 00 00 01 sequence at or
// after from. It refills from the source whenever fewer than three bytes
// remain to be examined. It returns io.EOF once the source is exhausted and
// no start code was found, and a wrapped read error on I/O failure.
func (s *Scanner) FindStartCode(from int) (int, error) {
	if from < 0 {
		from = 0
	}
	pos := from
	for {
		data := s.buf.data
		for ; pos+2 < len(data); pos++ {
			if data[pos] == 0 && data[pos+1] == 0 && data[pos+2] == 1 {
				return pos, nil
			}
		}
		n, err := s.fill(RefillSize)
		if n == 0 && err != nil {
			return 0, err
		}
	}
}

// Require ensures at least n bytes are buffered, refilling as needed. It
// returns io.EOF when the source ends first.
func (s *Scanner) Require(n int) error {
	for s.buf.Len() < n {
		got, err := s.fill(n - s.buf.Len())
		if got == 0 && err != nil {
			return err
		}
	}
	return nil
}

// Unit returns the NAL unit whose start code begins at offset start: the
// bytes after the three-byte start code up to the next start code, or to the
// end of the stream. The slice aliases the buffer and is only valid until
// the next scanner call that may refill.
func (s *Scanner) Unit(start int) ([]byte, error) {
	end, err := s.FindStartCode(start + 1)
	if errors.Is(err, io.EOF) {
		end = s.buf.Len()
	} else if err != nil {
		return nil, err
	}
	if start+3 > end {
		return nil, nil
	}
	return s.buf.data[start+3 : end], nil
}

// fill grows the buffer by up to want bytes and reads until that space is
// full or the source ends. It returns the number of bytes added; io.EOF is
// reported only when no bytes could be added.
func (s *Scanner) fill(want int) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	size := len(s.buf.data)
	if size+want > s.maxBuffer {
		return 0, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrAllocation, size+want, s.maxBuffer)
	}
	if size+want > cap(s.buf.data) {
		grown := make([]byte, size, size+want)
		copy(grown, s.buf.data)
		s.buf.data = grown
	}

	added := 0
	for added < want {
		n, err := s.src.Read(s.buf.data[size+added : size+want])
		added += n
		if err != nil {
			s.buf.data = s.buf.data[:size+added]
			if errors.Is(err, io.EOF) {
				s.eof = true
				if added == 0 {
					return 0, io.EOF
				}
				return added, nil
			}
			if added == 0 {
				return 0, fmt.Errorf("annexb: read: %w", err)
			}
			return added, nil
		}
		if n == 0 {
			break
		}
	}
	s.buf.data = s.buf.data[:size+added]
	if added == 0 {
		return 0, io.ErrNoProgress
	}
	return added, nil
}
