package srt

import (
	"context"
	"fmt"
	"log/slog"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/ingest"
)

// Server accepts incoming SRT publish connections and registers them
// with the ingest registry.
type Server struct {
	log      *slog.Logger
	addr     string
	codec    demux.Codec
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr. Streams whose id
// carries no codec suffix are registered as codec. If log is nil,
// slog.Default() is used.
func NewServer(addr string, codec demux.Codec, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		codec:    codec,
		registry: registry,
	}
}

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr, "codec", s.codec)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key, codec := parseStreamID(conn.StreamID(), s.codec)
		s.log.Info("publish", "stream_key", key, "codec", codec, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, key, codec)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string, codec demux.Codec) {
	defer conn.Close()

	stream, writer := s.registry.Register(key, codec)
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	// Reads block until the peer sends; closing the connection on shutdown
	// releases them.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	pump(ctx, conn, stream, writer, s.log)

	s.registry.Remove(stream)
	logClosed(s.log, "connection closed", stream)
}
