package demux

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zsiec/vtpipe/internal/annexb"
)

// Codec identifies the video coding format of an elementary stream.
type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// MarshalText encodes the codec by name, so JSON carries "h264" or "hevc".
func (c Codec) MarshalText() ([]byte, error) {
	switch c {
	case CodecH264, CodecHEVC:
		return []byte(c.String()), nil
	default:
		return nil, fmt.Errorf("demux: unknown codec %d", int(c))
	}
}

// UnmarshalText accepts any name ParseCodec does.
func (c *Codec) UnmarshalText(text []byte) error {
	v, err := ParseCodec(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCodec maps a user-supplied codec name to a Codec. It accepts the
// common aliases h264/avc and hevc/h265, case-insensitively.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "h264", "264", "avc", "avc1":
		return CodecH264, nil
	case "hevc", "h265", "265", "hev1", "hvc1":
		return CodecHEVC, nil
	default:
		return 0, fmt.Errorf("demux: unknown codec %q", name)
	}
}

// Rational is a frame rate expressed as Num/Den in lowest terms. The zero
// value means the stream carried no timing information.
type Rational struct {
	Num uint32
	Den uint32
}

// NewRational returns num/den reduced by their greatest common divisor.
// It returns the zero Rational if either argument is zero or the reduced
// terms do not fit in 32 bits.
func NewRational(num, den uint64) Rational {
	if num == 0 || den == 0 {
		return Rational{}
	}
	g := gcd(num, den)
	num, den = num/g, den/g
	if num > 1<<32-1 || den > 1<<32-1 {
		return Rational{}
	}
	return Rational{Num: uint32(num), Den: uint32(den)}
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// IsZero reports whether r carries no rate.
func (r Rational) IsZero() bool {
	return r.Den == 0
}

// Float returns the rate as a float64, or 0 for the zero Rational.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	if r.Den == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// StreamInfo summarizes the active sequence parameter set of a stream.
type StreamInfo struct {
	Codec        Codec
	CodecString  string
	Width        int
	Height       int
	FrameRate    Rational
	BitDepth     int
	ChromaFormat int // chroma_format_idc: 0 mono, 1 4:2:0, 2 4:2:2, 3 4:4:4
	Profile      int
	Level        int
}

// Parser detects access-unit boundaries in an Annex B stream and reports
// what its parameter sets describe. H264Parser and HEVCParser implement it.
type Parser interface {
	FindAccessUnitBoundary(s *annexb.Scanner) (int, error)
	Info() (StreamInfo, bool)
	Reset()
}

// NewParser returns the parser for codec.
func NewParser(codec Codec, log *slog.Logger) (Parser, error) {
	switch codec {
	case CodecH264:
		return NewH264Parser(log), nil
	case CodecHEVC:
		return NewHEVCParser(log), nil
	default:
		return nil, fmt.Errorf("demux: unsupported codec %v", codec)
	}
}

// Probe reads r until the first access unit has been delimited and returns
// the stream description taken from its sequence parameter set. It returns
// ErrNoParameterSets if the stream ends before any SPS is seen.
func Probe(r io.Reader, codec Codec, log *slog.Logger) (StreamInfo, error) {
	p, err := NewParser(codec, log)
	if err != nil {
		return StreamInfo{}, err
	}
	s := annexb.NewScanner(r)
	if _, err := p.FindAccessUnitBoundary(s); err != nil && !errors.Is(err, io.EOF) {
		return StreamInfo{}, fmt.Errorf("probing %v stream: %w", codec, err)
	}
	info, ok := p.Info()
	if !ok {
		return StreamInfo{}, ErrNoParameterSets
	}
	return info, nil
}
