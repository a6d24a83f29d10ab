package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vtpipe/internal/api"
	"github.com/zsiec/vtpipe/internal/certs"
	"github.com/zsiec/vtpipe/internal/config"
	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/ingest"
	srtingest "github.com/zsiec/vtpipe/internal/ingest/srt"
	"github.com/zsiec/vtpipe/internal/stream"
	"github.com/zsiec/vtpipe/internal/transcode"
)

var version = "dev"

const usage = `usage: vtpipe [transcode|probe|version]

Settings are read from the environment:
  INPUT            input file, or - for stdin
  SRT_ADDR         accept SRT publishers on this address
  SRT_PULL         pull from a remote SRT listener (SRT_STREAM_ID, STREAM_KEY)
  CODEC            h264 or hevc (default h264)
  CHANNELS         output channels, e.g. copy;1280x720;640x360@half
  OUTPUT_DIR       where channel outputs are written (default .)
  STREAM_LOOP      extra passes over a file input
  MAX_FRAMES       stop after this many frames on the first channel
  LOOKAHEAD_DEPTH  lookahead frames per channel (0..20)
  B_FRAMES         encoder reorder depth (0..4)
  NUM_CORES        concurrent transcode runs (0..4, 0 = unlimited)
  API_ADDR         serve the control API over HTTPS and HTTP/3
  TLS_CERT/TLS_KEY API key pair (default: self-signed)
  STATS_INTERVAL   progress log interval (default 1s, 0 disables)
  DEBUG            enable debug logging
`

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	mode := "transcode"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}
	switch mode {
	case "version":
		fmt.Println(version)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "probe", "transcode":
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if mode == "probe" {
		if err := probe(cfg, os.Stdout); err != nil {
			slog.Error("probe failed", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, draining", "signal", sig)
		cancel()
	}()

	slog.Info("vtpipe starting",
		"version", version,
		"codec", cfg.Codec,
		"channels", len(cfg.Channels),
		"output_dir", cfg.OutputDir,
	)
	if err := run(ctx, cfg); err != nil {
		slog.Error("vtpipe failed", "error", err)
		os.Exit(1)
	}
}

func openInput(cfg config.Config) (io.ReadCloser, string, error) {
	if cfg.Input == "-" {
		return io.NopCloser(os.Stdin), cfg.StreamKey, nil
	}
	f, err := os.Open(cfg.Input)
	if err != nil {
		return nil, "", err
	}
	base := filepath.Base(cfg.Input)
	return f, strings.TrimSuffix(base, filepath.Ext(base)), nil
}

func probe(cfg config.Config, w io.Writer) error {
	if cfg.Input == "" {
		return errors.New("probe needs INPUT")
	}
	in, _, err := openInput(cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := demux.Probe(in, cfg.Codec, nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Codec        string `json:"codec"`
		CodecString  string `json:"codecString"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		FrameRate    string `json:"frameRate,omitempty"`
		BitDepth     int    `json:"bitDepth"`
		ChromaFormat int    `json:"chromaFormat"`
		Profile      int    `json:"profile"`
		Level        int    `json:"level"`
	}{
		Codec:        info.Codec.String(),
		CodecString:  info.CodecString,
		Width:        info.Width,
		Height:       info.Height,
		FrameRate:    frameRate(info.FrameRate),
		BitDepth:     info.BitDepth,
		ChromaFormat: info.ChromaFormat,
		Profile:      info.Profile,
		Level:        info.Level,
	})
}

func frameRate(r demux.Rational) string {
	if r.IsZero() {
		return ""
	}
	return r.String()
}

type app struct {
	cfg       config.Config
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	api       *api.Server

	// stop ends the process once a single-input run completes.
	stop context.CancelFunc
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	a := &app{
		cfg:  cfg,
		mgr:  stream.NewManager(cfg.NumCores, nil),
		stop: stop,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Ingest runs take the outer context. When a receiver ends, its pipe
	// closes and the run drains what it already read; only a signal or a
	// completed single-input run cuts it short.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader, codec demux.Codec) {
		a.handleNewStream(ctx, key, input, codec)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	if cfg.APIAddr != "" {
		cert, err := loadCert(cfg)
		if err != nil {
			return err
		}
		a.api, err = api.NewServer(api.Config{
			Addr:         cfg.APIAddr,
			Cert:         cert,
			Codec:        cfg.Codec,
			Cancel:       a.mgr.Cancel,
			IngestLookup: a.lookupIngest,
			SRT:          a.srtCaller,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return a.api.Start(gctx)
		})
	}

	switch {
	case cfg.Input != "":
		g.Go(func() error {
			defer stop()
			in, key, err := openInput(cfg)
			if err != nil {
				return err
			}
			defer in.Close()
			return a.transcode(gctx, key, in, cfg.Codec)
		})

	case cfg.SRTAddr != "":
		srv := srtingest.NewServer(cfg.SRTAddr, cfg.Codec, a.registry, nil)
		g.Go(func() error {
			return srv.Start(gctx)
		})

	case cfg.SRTPull != "":
		g.Go(func() error {
			done, err := a.srtCaller.Pull(gctx, srtingest.PullRequest{
				Address:   cfg.SRTPull,
				StreamKey: cfg.StreamKey,
				StreamID:  cfg.SRTStreamID,
				Codec:     cfg.Codec,
			})
			if err != nil {
				return err
			}
			<-done
			return nil
		})
	}

	err := g.Wait()
	// Receivers have stopped; wait for the runs they started.
	a.registry.Close()
	return err
}

func loadCert(cfg config.Config) (*certs.CertInfo, error) {
	if cfg.TLSCert != "" {
		return certs.Load(cfg.TLSCert, cfg.TLSKey)
	}
	cert, err := certs.Generate(certs.MaxValidity)
	if err != nil {
		return nil, err
	}
	slog.Info("generated self-signed certificate",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

func (a *app) lookupIngest(key string) (ingest.Stats, bool) {
	s, ok := a.registry.Get(key)
	if !ok {
		return ingest.Stats{}, false
	}
	return s.Stats(), true
}

// handleNewStream runs one SRT stream. The input is closed when the run
// ends so that the receiver stops.
func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader, codec demux.Codec) {
	if a.cfg.SRTPull != "" {
		defer a.stop()
	}
	defer func() {
		if c, ok := input.(io.Closer); ok {
			c.Close()
		}
	}()

	slog.Info("new stream from ingest", "key", key, "codec", codec)
	if err := a.transcode(ctx, key, input, codec); err != nil {
		slog.Error("transcode error", "key", key, "error", err)
	}
}

func (a *app) transcode(ctx context.Context, key string, input io.Reader, codec demux.Codec) error {
	_, runCtx, err := a.mgr.Create(ctx, key)
	if err != nil {
		return err
	}
	defer a.mgr.Remove(key)

	sess, err := transcode.Open(transcode.JobFromConfig(a.cfg, key, input, codec), nil)
	if err != nil {
		return err
	}
	if a.api != nil {
		a.api.SetSession(key, sess)
		defer a.api.RemoveSession(key)
	}

	err = sess.Run(runCtx)
	st := sess.Stats()
	for _, ch := range st.Channels {
		slog.Info("channel done", "key", key, "channel", ch.Name, "packets", ch.Packets, "bytes", ch.Bytes)
	}
	return err
}
