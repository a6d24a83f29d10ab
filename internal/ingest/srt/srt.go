package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads, ten times
// the standard 1316-byte SRT payload.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// parseStreamID maps an SRT stream id to a registry key and codec. A
// trailing ".h264", ".264", ".hevc", ".h265" or ".265" selects the codec;
// otherwise fallback is used.
func parseStreamID(streamID string, fallback demux.Codec) (string, demux.Codec) {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")

	codec := fallback
	if i := strings.LastIndexByte(streamID, '.'); i >= 0 {
		if c, err := demux.ParseCodec(streamID[i+1:]); err == nil {
			codec = c
			streamID = streamID[:i]
		}
	}
	if streamID == "" {
		return "default", codec
	}
	return streamID, codec
}

// pump copies SRT payloads into the registry pipe until the connection or
// the consumer goes away.
func pump(ctx context.Context, conn io.Reader, stream *ingest.Stream, w io.Writer, log *slog.Logger) {
	buf := make([]byte, srtReadBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if n > 0 {
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("pipe write error", "stream_key", stream.Key, "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", "stream_key", stream.Key, "error", err)
			}
			return
		}
	}
}

func logClosed(log *slog.Logger, msg string, stream *ingest.Stream) {
	stats := stream.Stats()
	log.Info(msg, "stream_key", stream.Key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}
