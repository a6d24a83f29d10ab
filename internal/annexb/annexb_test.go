package annexb

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestFindStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, // 4-byte start code at 0 (match at 1)
		0x00, 0x00, 0x01, 0x68, 0xCE, // 3-byte start code at 6
		0x00, 0x00, 0x01, 0x65, // at 11
	}
	s := NewScanner(bytes.NewReader(data))

	var got []int
	from := 0
	for {
		off, err := s.FindStartCode(from)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("FindStartCode: %v", err)
		}
		got = append(got, off)
		from = off + 1
	}

	want := []int{1, 6, 11}
	if len(got) != len(want) {
		t.Fatalf("offsets: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("offset[%d]: got %d, want %d", i, got[i], want[i])
		}
	}
	if !s.Drained() {
		t.Error("scanner should report the source drained")
	}
}

func TestFindStartCodeAcrossRefills(t *testing.T) {
	t.Parallel()
	// Place a start code right across the first refill boundary and read
	// one byte at a time so every refill is short.
	data := make([]byte, RefillSize+16)
	data[RefillSize-1] = 0x00
	data[RefillSize] = 0x00
	data[RefillSize+1] = 0x01
	for i := 0; i < RefillSize-2; i++ {
		data[i] = 0xAA
	}

	s := NewScanner(iotest.OneByteReader(bytes.NewReader(data)))
	off, err := s.FindStartCode(0)
	if err != nil {
		t.Fatalf("FindStartCode: %v", err)
	}
	if off != RefillSize-1 {
		t.Errorf("offset: got %d, want %d", off, RefillSize-1)
	}
}

func TestFindStartCodeEmpty(t *testing.T) {
	t.Parallel()
	s := NewScanner(strings.NewReader(""))
	if _, err := s.FindStartCode(0); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestFindStartCodeReadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	s := NewScanner(iotest.ErrReader(boom))
	_, err := s.FindStartCode(0)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
	if errors.Is(err, io.EOF) {
		t.Error("read failure must not look like end of stream")
	}
}

func TestFindStartCodeBufferLimit(t *testing.T) {
	t.Parallel()
	s := NewScanner(bytes.NewReader(make([]byte, 3*RefillSize)))
	s.SetMaxBuffer(RefillSize)
	_, err := s.FindStartCode(0)
	if !errors.Is(err, ErrAllocation) {
		t.Errorf("err = %v, want ErrAllocation", err)
	}
}

func TestUnit(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0x01, 0x02,
		0x00, 0x00, 0x01, 0x68, 0x03,
	}
	s := NewScanner(bytes.NewReader(data))

	first, err := s.FindStartCode(0)
	if err != nil {
		t.Fatal(err)
	}
	unit, err := s.Unit(first)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unit, []byte{0x67, 0x01, 0x02}) {
		t.Errorf("first unit: % X", unit)
	}

	second, err := s.FindStartCode(first + 1)
	if err != nil {
		t.Fatal(err)
	}
	unit, err = s.Unit(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unit, []byte{0x68, 0x03}) {
		t.Errorf("last unit runs to end of stream: % X", unit)
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()
	s := NewScanner(iotest.HalfReader(bytes.NewReader([]byte{1, 2, 3, 4, 5})))
	if err := s.Require(5); err != nil {
		t.Fatalf("Require(5): %v", err)
	}
	if s.Len() < 5 || s.Byte(4) != 5 {
		t.Errorf("buffer: % X", s.Buffer().Bytes())
	}
	if err := s.Require(6); !errors.Is(err, io.EOF) {
		t.Errorf("Require(6) = %v, want io.EOF", err)
	}
}

func TestRewind(t *testing.T) {
	t.Parallel()
	data := []byte{0x00, 0x00, 0x01, 0x09}
	s := NewScanner(bytes.NewReader(data))
	if _, err := s.FindStartCode(1); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if err := s.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	off, err := s.FindStartCode(1)
	if err != nil {
		t.Fatalf("after rewind: %v", err)
	}
	if off != 4 {
		t.Errorf("offset after rewind: got %d, want 4", off)
	}

	ns := NewScanner(iotest.OneByteReader(bytes.NewReader(data)))
	if ns.Seekable() {
		t.Error("wrapped reader should not be seekable")
	}
	if err := ns.Rewind(); err == nil {
		t.Error("Rewind on non-seekable source should fail")
	}
}

func TestBufferConsume(t *testing.T) {
	t.Parallel()
	s := NewScanner(bytes.NewReader([]byte{0x00, 0x00, 0x01, 0xAA, 0x00, 0x00, 0x01, 0xBB}))
	if err := s.Require(8); err != nil {
		t.Fatal(err)
	}
	b := s.Buffer()
	b.Consume(4)
	if !bytes.Equal(b.Bytes(), []byte{0x00, 0x00, 0x01, 0xBB}) {
		t.Errorf("after Consume: % X", b.Bytes())
	}
	if b.Cap() < b.Len() {
		t.Error("Cap must not be smaller than Len")
	}
	b.Consume(100)
	if b.Len() != 0 {
		t.Errorf("Len after over-consume: %d", b.Len())
	}
}

func TestStop(t *testing.T) {
	t.Parallel()
	s := NewScanner(bytes.NewReader([]byte{0x00, 0x00, 0x01, 0xAA}))
	s.Stop()
	if _, err := s.FindStartCode(0); !errors.Is(err, io.EOF) {
		t.Errorf("after Stop: err = %v, want io.EOF", err)
	}
}

func TestToRBSP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"escape before 02", []byte{0x00, 0x00, 0x03, 0x02}, []byte{0x00, 0x00, 0x02}},
		{"escape before 00", []byte{0x00, 0x00, 0x03, 0x00, 0x01}, []byte{0x00, 0x00, 0x00, 0x01}},
		{"escape at end", []byte{0x11, 0x00, 0x00, 0x03}, []byte{0x11, 0x00, 0x00}},
		{"03 before large byte kept", []byte{0x00, 0x00, 0x03, 0x04}, []byte{0x00, 0x00, 0x03, 0x04}},
		{"consecutive escapes", []byte{0x00, 0x00, 0x03, 0x00, 0x00, 0x03, 0x01}, []byte{0x00, 0x00, 0x00, 0x00, 0x01}},
		{"no pattern", []byte{0x67, 0x42, 0x00, 0x1E, 0xAB}, []byte{0x67, 0x42, 0x00, 0x1E, 0xAB}},
		{"empty", []byte{}, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ToRBSP(tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("ToRBSP(% X) = % X, want % X", tt.in, got, tt.want)
			}
		})
	}
}

func TestToRBSPIdempotent(t *testing.T) {
	t.Parallel()
	in := []byte{0x42, 0x01, 0x01, 0x60, 0x00, 0x00, 0x00, 0xB0, 0x00, 0x00, 0x04}
	once := ToRBSP(in)
	if !bytes.Equal(once, in) {
		t.Fatalf("input without escapes changed: % X", once)
	}
	if !bytes.Equal(ToRBSP(once), once) {
		t.Error("second pass changed the output")
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	t.Parallel()
	rbsp := []byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x02, 0x00, 0x00, 0x03, 0xFF, 0x80}
	escaped := Escape(rbsp)
	for i := 0; i+2 < len(escaped); i++ {
		if escaped[i] == 0 && escaped[i+1] == 0 && escaped[i+2] <= 2 {
			t.Fatalf("escaped stream still contains 00 00 %02X at %d", escaped[i+2], i)
		}
	}
	if got := ToRBSP(escaped); !bytes.Equal(got, rbsp) {
		t.Errorf("round trip: got % X, want % X", got, rbsp)
	}
}

func TestConvertToRBSPRange(t *testing.T) {
	t.Parallel()
	buf := []byte{0xFF, 0x00, 0x00, 0x03, 0x01, 0xFF}
	got, err := ConvertToRBSP(buf, 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x00, 0x00, 0x01}) {
		t.Errorf("got % X", got)
	}
	if _, err := ConvertToRBSP(buf, 4, 2); !errors.Is(err, ErrAllocation) {
		t.Errorf("inverted range: err = %v", err)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()
	data := AppendNAL(nil, []byte{0x67, 0x42})
	data = append(data, 0x00, 0x00, 0x01, 0x68, 0xCE)
	data = AppendNAL(data, []byte{0x65, 0x88})

	units := Split(data)
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	for i, want := range []byte{0x67, 0x68, 0x65} {
		if units[i][0] != want {
			t.Errorf("unit %d header: got %02X, want %02X", i, units[i][0], want)
		}
	}
	if Split([]byte{0x00, 0x01}) != nil {
		t.Error("short input should yield nil")
	}
}

func FuzzScanner(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x01, 0x67, 0x00, 0x00, 0x00, 0x01, 0x68})
	f.Add([]byte{0x00, 0x00, 0x03, 0x00, 0x00, 0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		s := NewScanner(bytes.NewReader(data))
		from := 0
		for {
			off, err := s.FindStartCode(from)
			if err != nil {
				return
			}
			if off < from {
				t.Fatalf("offset %d went backwards from %d", off, from)
			}
			if _, err := s.Unit(off); err != nil {
				t.Fatalf("Unit: %v", err)
			}
			from = off + 1
		}
	})
}
