package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/synth"
)

func TestFrameInterval(t *testing.T) {
	tests := []struct {
		name     string
		rate     demux.Rational
		override float64
		want     time.Duration
	}{
		{"stream rate", demux.NewRational(25, 1), 0, 40 * time.Millisecond},
		{"stream rate wins", demux.NewRational(50, 1), 25, 20 * time.Millisecond},
		{"override without timing", demux.Rational{}, 50, 20 * time.Millisecond},
		{"default 30 fps", demux.Rational{}, 0, time.Second / 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frameInterval(tt.rate, tt.override); got != tt.want {
				t.Errorf("frameInterval(%v, %v) = %v, want %v", tt.rate, tt.override, got, tt.want)
			}
		})
	}
}

func TestChunks(t *testing.T) {
	au := bytes.Repeat([]byte{0xab}, 2*maxPayload+10)
	got := chunks(au)
	if len(got) != 3 || len(got[0]) != maxPayload || len(got[2]) != 10 {
		t.Fatalf("chunk sizes: %d chunks", len(got))
	}
	if !bytes.Equal(bytes.Join(got, nil), au) {
		t.Error("chunks do not reassemble")
	}
	if len(chunks(nil)) != 0 {
		t.Error("empty access unit produced chunks")
	}
}

func TestStreamLoopOnce(t *testing.T) {
	data, err := synth.HEVC(synth.Config{Width: 320, Height: 240, Frames: 5, FrameRateNum: 1000})
	if err != nil {
		t.Fatal(err)
	}
	aus, rate, err := splitAccessUnits(data, demux.CodecHEVC)
	if err != nil {
		t.Fatal(err)
	}
	if len(aus) != 5 || rate != demux.NewRational(1000, 1) {
		t.Fatalf("split: %d access units at %v", len(aus), rate)
	}

	var sink bytes.Buffer
	if err := streamLoop(&sink, aus, frameInterval(rate, 0), "test", true); err != nil {
		t.Fatalf("streamLoop: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Error("pushed bytes differ from the stream")
	}
}

func TestStreamID(t *testing.T) {
	if got := streamID("cam1", demux.CodecHEVC); got != "live/cam1.hevc" {
		t.Errorf("streamID = %q", got)
	}
}
