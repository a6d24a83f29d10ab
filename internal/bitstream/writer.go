package bitstream

// Writer writes bits MSB-first into a growable byte slice. It is the
// inverse of [Reader] and is used to synthesize parameter sets and slice
// headers.
type Writer struct {
	data   []byte
	bitPos int
}

// NewWriter returns an empty Writer with room for sizeHint bytes.
func NewWriter(sizeHint int) *Writer {
	return &Writer{data: make([]byte, 0, sizeHint)}
}

// WriteBits writes the low n bits (0..32) of v, most significant first.
func (w *Writer) WriteBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.putBit((v>>uint(i))&1 == 1)
	}
}

// WriteFlag writes a single bit.
func (w *Writer) WriteFlag(b bool) {
	w.putBit(b)
}

// WriteUE writes v as an unsigned Exp-Golomb code.
func (w *Writer) WriteUE(v uint32) {
	x := uint64(v) + 1
	n := 0
	for t := x; t > 1; t >>= 1 {
		n++
	}
	for i := 0; i < n; i++ {
		w.putBit(false)
	}
	for i := n; i >= 0; i-- {
		w.putBit((x>>uint(i))&1 == 1)
	}
}

// WriteSE writes v as a signed Exp-Golomb code.
func (w *Writer) WriteSE(v int64) {
	if v > 0 {
		w.WriteUE(uint32(2*v - 1))
		return
	}
	w.WriteUE(uint32(-2 * v))
}

// WriteTrailingBits writes rbsp_stop_one_bit followed by zero bits up to the
// next byte boundary.
func (w *Writer) WriteTrailingBits() {
	w.putBit(true)
	w.AlignZero()
}

// AlignZero pads with zero bits up to the next byte boundary.
func (w *Writer) AlignZero() {
	for w.bitPos%8 != 0 {
		w.putBit(false)
	}
}

// Len returns the number of bits written.
func (w *Writer) Len() int {
	return w.bitPos
}

// Bytes returns the written data. A partially written final byte is
// zero-padded.
func (w *Writer) Bytes() []byte {
	return w.data
}

func (w *Writer) putBit(v bool) {
	if w.bitPos%8 == 0 {
		w.data = append(w.data, 0)
	}
	if v {
		w.data[w.bitPos/8] |= 1 << uint(7-w.bitPos%8)
	}
	w.bitPos++
}
