// Package bitstream provides MSB-first bit reading and writing over byte
// slices, including the Exp-Golomb codes used by H.264 and HEVC parameter
// sets and slice headers.
//
// The [Reader] is permissive: reads past the end of the data yield zero bits
// and set a sticky flag instead of failing. Callers decode one complete
// syntax structure and then check [Reader.AtEnd] once to decide whether the
// structure was truncated.
package bitstream

// maxExpGolombPrefix is the longest leading-zero run accepted by ReadUE.
// Longer prefixes cannot be represented in 32 bits and only occur in
// corrupt data.
const maxExpGolombPrefix = 31

// Reader reads bits MSB-first from a byte slice.
type Reader struct {
	data     []byte
	pos      int // byte offset
	bit      int // bit offset within data[pos], 0 = MSB
	overflow bool
}

// NewReader returns a Reader positioned at the first bit of data. The
// Reader borrows data; it must not be modified while the Reader is in use.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadBits consumes n bits (1..32) and returns them right-aligned. Bits past
// the end of the data read as zero and mark the reader as overflowed.
func (r *Reader) ReadBits(n int) uint32 {
	var val uint32
	for i := 0; i < n; i++ {
		val <<= 1
		if r.readBit() {
			val |= 1
		}
	}
	return val
}

// ReadFlag consumes a single bit and reports whether it was set.
func (r *Reader) ReadFlag() bool {
	return r.readBit()
}

// ReadUE reads an unsigned Exp-Golomb code: k leading zeros, a one bit,
// then k suffix bits, decoding to 2^k - 1 + suffix.
func (r *Reader) ReadUE() uint32 {
	zeros := 0
	for !r.readBit() {
		if r.overflow {
			return 0
		}
		zeros++
		if zeros > maxExpGolombPrefix {
			r.overflow = true
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	suffix := r.ReadBits(zeros)
	return uint32((uint64(1)<<zeros)-1) + suffix
}

// ReadSE reads a signed Exp-Golomb code. Code numbers 0, 1, 2, 3, 4 map to
// 0, 1, -1, 2, -2.
func (r *Reader) ReadSE() int64 {
	v := int64(r.ReadUE())
	if v%2 == 1 {
		return v/2 + 1
	}
	return -(v / 2)
}

// Skip advances the cursor by n bits.
func (r *Reader) Skip(n int) {
	total := r.pos*8 + r.bit + n
	if total > len(r.data)*8 {
		r.overflow = true
		total = len(r.data) * 8
	}
	r.pos = total / 8
	r.bit = total % 8
}

// AtEnd reports whether any read has run past the end of the data.
func (r *Reader) AtEnd() bool {
	return r.overflow
}

// BitsLeft returns the number of unread bits.
func (r *Reader) BitsLeft() int {
	left := len(r.data)*8 - (r.pos*8 + r.bit)
	if left < 0 {
		return 0
	}
	return left
}

// ByteOffset returns the index of the byte holding the next unread bit.
func (r *Reader) ByteOffset() int {
	return r.pos
}

// ByteAligned reports whether the cursor sits on a byte boundary.
func (r *Reader) ByteAligned() bool {
	return r.bit == 0
}

func (r *Reader) readBit() bool {
	if r.pos >= len(r.data) {
		r.overflow = true
		return false
	}
	v := (r.data[r.pos] >> (7 - r.bit)) & 1
	r.bit++
	if r.bit == 8 {
		r.bit = 0
		r.pos++
	}
	return v == 1
}
