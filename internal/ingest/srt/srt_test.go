package srt

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/ingest"
)

func TestParseStreamID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		streamID  string
		wantKey   string
		wantCodec demux.Codec
	}{
		{name: "simple key", streamID: "camera1", wantKey: "camera1", wantCodec: demux.CodecH264},
		{name: "leading slash", streamID: "/camera1", wantKey: "camera1", wantCodec: demux.CodecH264},
		{name: "live prefix", streamID: "live/camera1", wantKey: "camera1", wantCodec: demux.CodecH264},
		{name: "slash and live prefix", streamID: "/live/camera1", wantKey: "camera1", wantCodec: demux.CodecH264},
		{name: "empty returns default", streamID: "", wantKey: "default", wantCodec: demux.CodecH264},
		{name: "just live/ returns default", streamID: "live/", wantKey: "default", wantCodec: demux.CodecH264},
		{name: "nested path preserved", streamID: "studio/camera1", wantKey: "studio/camera1", wantCodec: demux.CodecH264},
		{name: "hevc suffix", streamID: "live/camera1.hevc", wantKey: "camera1", wantCodec: demux.CodecHEVC},
		{name: "h265 suffix", streamID: "camera1.H265", wantKey: "camera1", wantCodec: demux.CodecHEVC},
		{name: "265 suffix", streamID: "camera1.265", wantKey: "camera1", wantCodec: demux.CodecHEVC},
		{name: "h264 suffix", streamID: "camera1.h264", wantKey: "camera1", wantCodec: demux.CodecH264},
		{name: "suffix only", streamID: "live/.hevc", wantKey: "default", wantCodec: demux.CodecHEVC},
		{name: "unknown suffix kept", streamID: "cam.v2", wantKey: "cam.v2", wantCodec: demux.CodecH264},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			key, codec := parseStreamID(tc.streamID, demux.CodecH264)
			if key != tc.wantKey || codec != tc.wantCodec {
				t.Errorf("parseStreamID(%q) = %q, %v; want %q, %v", tc.streamID, key, codec, tc.wantKey, tc.wantCodec)
			}
		})
	}
}

type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestPump(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	reg := ingest.NewRegistry(func(_ string, in io.Reader, _ demux.Codec) {
		data, _ := io.ReadAll(in)
		got <- data
	})
	stream, w := reg.Register("k", demux.CodecH264)

	conn := &chunkReader{
		chunks: [][]byte{{0, 0, 0, 1, 0x09}, {0xf0}, {0, 0, 1, 0x65, 0x88}},
		err:    io.EOF,
	}
	pump(context.Background(), conn, stream, w, slog.Default())
	reg.Remove(stream)

	select {
	case data := <-got:
		want := []byte{0, 0, 0, 1, 0x09, 0xf0, 0, 0, 1, 0x65, 0x88}
		if !bytes.Equal(data, want) {
			t.Fatalf("consumer read %X, want %X", data, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}

	stats := stream.Stats()
	if stats.BytesReceived != 11 || stats.ReadCount != 3 {
		t.Fatalf("stats = %+v, want 11 bytes in 3 reads", stats)
	}
}

func TestPumpCancelled(t *testing.T) {
	t.Parallel()

	reg := ingest.NewRegistry(nil)
	stream, w := reg.Register("k", demux.CodecH264)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pump(ctx, &chunkReader{chunks: [][]byte{{1}}}, stream, w, slog.Default())
	if n := stream.Stats().ReadCount; n != 0 {
		t.Fatalf("ReadCount = %d after cancelled pump, want 0", n)
	}
}

func TestPullValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if _, err := c.Pull(context.Background(), PullRequest{StreamKey: "k"}); err == nil {
		t.Error("Pull without address succeeded")
	}
	if _, err := c.Pull(context.Background(), PullRequest{Address: "127.0.0.1:1"}); err == nil {
		t.Error("Pull without stream key succeeded")
	}
	if err := c.Stop("missing"); err == nil {
		t.Error("Stop of unknown pull succeeded")
	}
	if n := len(c.ActivePulls()); n != 0 {
		t.Errorf("ActivePulls = %d, want 0", n)
	}
}
