// Package synth generates small, syntactically valid H.264 and HEVC Annex B
// elementary streams. Parameter sets are fully formed; slice data is a
// deterministic filler after a well-formed slice header, so the streams
// parse correctly but do not decode to pictures.
package synth

import (
	"fmt"

	"github.com/zsiec/vtpipe/internal/annexb"
	"github.com/zsiec/vtpipe/internal/bitstream"
)

// Config describes the stream to generate. Zero fields take the defaults
// applied by withDefaults.
type Config struct {
	Width  int
	Height int

	// FrameRateNum/FrameRateDen is the signalled frame rate. A zero
	// numerator omits timing information from the VUI.
	FrameRateNum uint32
	FrameRateDen uint32

	Frames         int
	GOP            int // IDR interval in frames
	SlicesPerFrame int
	PayloadSize    int // filler bytes after each slice header

	// AUD prefixes every access unit with an access unit delimiter.
	AUD bool

	ProfileIDC uint8
	LevelIDC   uint8
	BitDepth   int

	// ScalingLists signals explicit scaling-list data in the SPS.
	ScalingLists bool

	// SubLayers is the HEVC sps_max_sub_layers value (1..7).
	SubLayers int
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FrameRateDen == 0 {
		c.FrameRateDen = 1
	}
	if c.Frames <= 0 {
		c.Frames = 30
	}
	if c.GOP <= 0 {
		c.GOP = 30
	}
	if c.SlicesPerFrame <= 0 {
		c.SlicesPerFrame = 1
	}
	if c.PayloadSize <= 0 {
		c.PayloadSize = 64
	}
	if c.BitDepth <= 0 {
		c.BitDepth = 8
	}
	if c.SubLayers <= 0 {
		c.SubLayers = 1
	}
	return c
}

func (c Config) validate() error {
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("synth: %dx%d: dimensions must be even", c.Width, c.Height)
	}
	if c.BitDepth < 8 || c.BitDepth > 14 {
		return fmt.Errorf("synth: bit depth %d out of range", c.BitDepth)
	}
	if c.SubLayers > 7 {
		return fmt.Errorf("synth: %d sub-layers", c.SubLayers)
	}
	return nil
}

// Stream generates a complete stream for codec, which is "h264" or "hevc".
func Stream(codec string, cfg Config) ([]byte, error) {
	switch codec {
	case "h264":
		return H264(cfg)
	case "hevc":
		return HEVC(cfg)
	default:
		return nil, fmt.Errorf("synth: unknown codec %q", codec)
	}
}

// filler returns n deterministic payload bytes for frame seq, slice idx.
// The first byte is never zero so a slice payload cannot merge with the
// header into a start code.
func filler(seq, idx, n int) []byte {
	out := make([]byte, n)
	x := uint32(seq*7919 + idx*104729 + 1)
	for i := range out {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		out[i] = byte(x)
	}
	if out[0] == 0 {
		out[0] = 0x5A
	}
	return out
}

// finishNAL terminates w with rbsp trailing bits, escapes the result and
// prepends a four-byte start code.
func finishNAL(dst []byte, w *bitstream.Writer) []byte {
	w.WriteTrailingBits()
	return annexb.AppendNAL(dst, annexb.Escape(w.Bytes()))
}

func writeBytes(w *bitstream.Writer, b []byte) {
	for _, v := range b {
		w.WriteBits(uint32(v), 8)
	}
}
