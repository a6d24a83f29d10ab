package synth

import (
	"bytes"
	"testing"

	"github.com/zsiec/vtpipe/internal/annexb"
)

func nalTypes(t *testing.T, stream []byte, hevc bool) []byte {
	t.Helper()
	var types []byte
	for _, nal := range annexb.Split(stream) {
		if hevc {
			types = append(types, (nal[0]>>1)&0x3F)
		} else {
			types = append(types, nal[0]&0x1F)
		}
	}
	return types
}

func TestH264Layout(t *testing.T) {
	t.Parallel()
	stream, err := H264(Config{Width: 320, Height: 240, Frames: 3, GOP: 2, SlicesPerFrame: 2, AUD: true})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{9, 7, 8, 5, 5, 9, 1, 1, 9, 7, 8, 5, 5}
	if got := nalTypes(t, stream, false); !bytes.Equal(got, want) {
		t.Errorf("NAL types: got %v, want %v", got, want)
	}
}

func TestHEVCLayout(t *testing.T) {
	t.Parallel()
	stream, err := HEVC(Config{Width: 320, Height: 240, Frames: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{32, 33, 34, 19, 1}
	if got := nalTypes(t, stream, true); !bytes.Equal(got, want) {
		t.Errorf("NAL types: got %v, want %v", got, want)
	}
}

func TestNoStartCodeEmulation(t *testing.T) {
	t.Parallel()
	// Zero-heavy parameter sets must come out escaped.
	for _, codec := range []string{"h264", "hevc"} {
		stream, err := Stream(codec, Config{Width: 16, Height: 16, Frames: 2, PayloadSize: 256})
		if err != nil {
			t.Fatal(err)
		}
		for _, nal := range annexb.Split(stream) {
			for i := 0; i+2 < len(nal); i++ {
				if nal[i] == 0 && nal[i+1] == 0 && nal[i+2] <= 2 {
					t.Fatalf("%s: unescaped 00 00 %02X inside NAL", codec, nal[i+2])
				}
			}
		}
	}
}

func TestDeterministic(t *testing.T) {
	t.Parallel()
	cfg := Config{Width: 640, Height: 360, Frames: 4}
	a, _ := H264(cfg)
	b, _ := H264(cfg)
	if !bytes.Equal(a, b) {
		t.Error("generator output is not deterministic")
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"odd width", Config{Width: 321, Height: 240}},
		{"odd height", Config{Width: 320, Height: 241}},
		{"bit depth", Config{BitDepth: 16}},
		{"sub-layers", Config{SubLayers: 8}},
	}
	for _, tt := range tests {
		if _, err := HEVC(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if _, err := Stream("vp8", Config{}); err == nil {
		t.Error("unknown codec should fail")
	}
}
