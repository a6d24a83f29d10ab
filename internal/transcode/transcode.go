// Package transcode assembles a pipeline run from the configuration: it
// probes the input, sizes the frame pools, opens one output file per
// channel and drives the controller while logging progress.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vtpipe/internal/config"
	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/passthrough"
	"github.com/zsiec/vtpipe/internal/pipeline"
)

// decoderDepth is the number of access units the decoder buffers ahead of
// its output.
const decoderDepth = 4

// Job is one input to transcode.
type Job struct {
	// Key names the run in logs and prefixes the output files.
	Key       string
	Input     io.Reader
	Codec     demux.Codec
	OutputDir string
	Channels  []config.ChannelSpec

	LookaheadDepth int
	BFrames        int
	Loops          int
	MaxFrames      int64
	// StatsInterval of zero disables progress logs.
	StatsInterval time.Duration
}

// JobFromConfig builds a job for input from the shared settings in cfg.
func JobFromConfig(cfg config.Config, key string, input io.Reader, codec demux.Codec) Job {
	return Job{
		Key:            key,
		Input:          input,
		Codec:          codec,
		OutputDir:      cfg.OutputDir,
		Channels:       cfg.Channels,
		LookaheadDepth: cfg.LookaheadDepth,
		BFrames:        cfg.BFrames,
		Loops:          cfg.Loops,
		MaxFrames:      cfg.MaxFrames,
		StatsInterval:  cfg.StatsInterval,
	}
}

// OutputPath is where channel ch of the job is written.
func (j Job) OutputPath(ch config.ChannelSpec) string {
	return filepath.Join(j.OutputDir, fmt.Sprintf("%s.%s.%s", j.Key, ch.Name(), j.Codec))
}

// primedSource replays the access unit read while probing before handing
// over to the reader.
type primedSource struct {
	*demux.AccessUnitReader
	first []byte
}

func (s *primedSource) ReadAccessUnit() ([]byte, error) {
	if au := s.first; au != nil {
		s.first = nil
		return au, nil
	}
	return s.AccessUnitReader.ReadAccessUnit()
}

type output struct {
	f *os.File
	w *bufio.Writer
}

func (o output) close() error {
	return errors.Join(o.w.Flush(), o.f.Close())
}

// Session is a prepared run: the input has been probed and the outputs
// opened.
type Session struct {
	job     Job
	log     *slog.Logger
	info    demux.StreamInfo
	ctl     *pipeline.Controller
	outputs []output
	started time.Time
}

// Open probes the job's input, opens one output per channel and builds the
// pipeline. Nothing is created on disk when the input carries no usable
// parameter sets.
func Open(job Job, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transcode", "stream_key", job.Key)

	if len(job.Channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", config.ErrInvalid)
	}

	parser, err := demux.NewParser(job.Codec, log)
	if err != nil {
		return nil, err
	}
	reader := demux.NewAccessUnitReader(job.Input, parser)
	first, err := reader.ReadAccessUnit()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading first access unit: %w", err)
	}
	info, ok := parser.Info()
	if !ok {
		return nil, demux.ErrNoParameterSets
	}
	log.Info("input probed",
		"codec", info.CodecString,
		"width", info.Width,
		"height", info.Height,
		"frame_rate", info.FrameRate,
		"bit_depth", info.BitDepth,
	)

	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	s := &Session{job: job, log: log, info: info, started: time.Now()}

	var (
		channels []pipeline.Channel
		scaled   []passthrough.Output
	)
	for _, spec := range job.Channels {
		path := job.OutputPath(spec)
		f, err := os.Create(path)
		if err != nil {
			s.closeOutputs()
			return nil, fmt.Errorf("creating output: %w", err)
		}
		o := output{f: f, w: bufio.NewWriter(f)}
		s.outputs = append(s.outputs, o)

		ch := pipeline.Channel{
			Name:     spec.Name(),
			Scaled:   !spec.Copy,
			HalfRate: spec.HalfRate,
			Encoder:  passthrough.NewEncoder(job.BFrames),
			Output:   o.w,
		}
		if job.LookaheadDepth > 0 {
			ch.Lookahead = passthrough.NewLookahead(job.LookaheadDepth)
		}
		if !spec.Copy {
			scaled = append(scaled, passthrough.Output{Width: spec.Width, Height: spec.Height, HalfRate: spec.HalfRate})
		}
		channels = append(channels, ch)
		log.Debug("output opened", "channel", ch.Name, "path", path)
	}

	cfg := pipeline.Config{
		Source:    &primedSource{AccessUnitReader: reader, first: first},
		Decoder:   passthrough.NewDecoder(info, pipeline.NewFramePool(job.LookaheadDepth+decoderDepth), decoderDepth),
		Channels:  channels,
		Loops:     job.Loops,
		MaxFrames: job.MaxFrames,
		Log:       log,
	}
	if len(scaled) > 0 {
		pool := pipeline.NewFramePool((job.LookaheadDepth+2)*len(scaled) + 2)
		cfg.Scaler = passthrough.NewScaler(pool, scaled)
	}
	if s.ctl, err = pipeline.New(cfg); err != nil {
		s.closeOutputs()
		return nil, err
	}
	return s, nil
}

// Info describes the input stream.
func (s *Session) Info() demux.StreamInfo {
	return s.info
}

// Stats returns the run counters. It is safe to call while Run is in
// progress.
func (s *Session) Stats() pipeline.Stats {
	return s.ctl.Stats()
}

// Key returns the job key.
func (s *Session) Key() string {
	return s.job.Key
}

// StartedAt is when the session was opened.
func (s *Session) StartedAt() time.Time {
	return s.started
}

// Run drives the pipeline to completion and closes the outputs. It must be
// called once.
func (s *Session) Run(ctx context.Context) error {
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		return s.ctl.Run(gctx)
	})
	if s.job.StatsInterval > 0 {
		g.Go(func() error {
			reportProgress(done, s.ctl, s.job.StatsInterval, s.log)
			return nil
		})
	}
	err := g.Wait()
	if cerr := s.closeOutputs(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("closing outputs: %w", cerr))
	}
	return err
}

func (s *Session) closeOutputs() error {
	var errs []error
	for _, o := range s.outputs {
		errs = append(errs, o.close())
	}
	s.outputs = nil
	return errors.Join(errs...)
}

// Run transcodes one job and returns the final run statistics.
func Run(ctx context.Context, job Job, log *slog.Logger) (pipeline.Stats, error) {
	s, err := Open(job, log)
	if err != nil {
		return pipeline.Stats{}, err
	}
	err = s.Run(ctx)
	return s.Stats(), err
}

func reportProgress(done <-chan struct{}, ctl *pipeline.Controller, every time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := ctl.Stats()
			log.Info("progress",
				"frames", st.FramesDecoded,
				"access_units", st.AccessUnits,
				"fps", fmt.Sprintf("%.1f", st.FPS),
			)
		}
	}
}
