// Package config reads the transcoder settings from the environment and
// validates them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zsiec/vtpipe/internal/demux"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Limits on channel layout and encoder settings.
const (
	MaxScaledOutputs  = 8
	MaxLookaheadDepth = 20
	MaxCores          = 4
	MaxBFrames        = 4
)

// ChannelSpec is one output channel as given in CHANNELS.
type ChannelSpec struct {
	// Copy channels re-encode decoded frames at the input size.
	Copy     bool
	Width    int
	Height   int
	HalfRate bool
}

// Name is used for logging and output file names.
func (c ChannelSpec) Name() string {
	if c.Copy {
		return "copy"
	}
	name := fmt.Sprintf("%dx%d", c.Width, c.Height)
	if c.HalfRate {
		name += "-half"
	}
	return name
}

// Config is the full transcoder configuration.
type Config struct {
	// Input is a file path, or "-" for standard input. Empty when the
	// input arrives over SRT.
	Input     string
	Codec     demux.Codec
	OutputDir string
	// Loops replays a file input this many extra times.
	Loops     int
	MaxFrames int64
	Channels  []ChannelSpec
	// LookaheadDepth of zero bypasses the lookahead stage.
	LookaheadDepth int
	// BFrames is the encoder reorder depth.
	BFrames int
	// NumCores caps concurrent transcode runs; zero means no cap.
	NumCores int

	// SRTAddr enables the SRT listener.
	SRTAddr string
	// SRTPull dials a remote SRT listener; SRTStreamID overrides the
	// default "live/<key>" stream id.
	SRTPull     string
	SRTStreamID string
	StreamKey   string

	// APIAddr enables the HTTPS and HTTP/3 control API. Without
	// TLSCert/TLSKey a self-signed certificate is generated.
	APIAddr string
	TLSCert string
	TLSKey  string

	// StatsInterval of zero disables periodic throughput logs.
	StatsInterval time.Duration
	Debug         bool
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return FromEnv(os.Getenv)
}

// FromEnv reads the configuration through getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	var (
		cfg  Config
		errs []error
	)
	intVar := func(key, fallback string) int {
		v, err := strconv.Atoi(envOr(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}

	cfg.Input = getenv("INPUT")
	codec, err := demux.ParseCodec(envOr("CODEC", "h264"))
	if err != nil {
		errs = append(errs, fmt.Errorf("CODEC: %w", err))
	}
	cfg.Codec = codec
	cfg.OutputDir = envOr("OUTPUT_DIR", ".")
	cfg.Loops = intVar("STREAM_LOOP", "0")
	cfg.MaxFrames = int64(intVar("MAX_FRAMES", "0"))
	cfg.LookaheadDepth = intVar("LOOKAHEAD_DEPTH", "0")
	cfg.BFrames = intVar("B_FRAMES", "0")
	cfg.NumCores = intVar("NUM_CORES", "0")

	channels, err := ParseChannels(envOr("CHANNELS", "copy"))
	if err != nil {
		errs = append(errs, fmt.Errorf("CHANNELS: %w", err))
	}
	cfg.Channels = channels

	cfg.SRTAddr = getenv("SRT_ADDR")
	cfg.SRTPull = getenv("SRT_PULL")
	cfg.SRTStreamID = getenv("SRT_STREAM_ID")
	cfg.StreamKey = envOr("STREAM_KEY", "default")
	cfg.APIAddr = getenv("API_ADDR")
	cfg.TLSCert = getenv("TLS_CERT")
	cfg.TLSKey = getenv("TLS_KEY")

	interval, err := time.ParseDuration(envOr("STATS_INTERVAL", "1s"))
	if err != nil {
		errs = append(errs, fmt.Errorf("STATS_INTERVAL: %w", err))
	}
	cfg.StatsInterval = interval
	cfg.Debug = getenv("DEBUG") != ""

	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return cfg, cfg.Validate()
}

// ParseChannels parses a semicolon-separated channel list such as
// "copy;1280x720;640x360@half".
func ParseChannels(s string) ([]ChannelSpec, error) {
	var out []ChannelSpec
	for _, field := range strings.Split(s, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.EqualFold(field, "copy") {
			out = append(out, ChannelSpec{Copy: true})
			continue
		}

		var ch ChannelSpec
		size, rate, hasRate := strings.Cut(field, "@")
		if hasRate {
			switch strings.ToLower(rate) {
			case "half":
				ch.HalfRate = true
			case "full":
			default:
				return nil, fmt.Errorf("%w: unknown rate %q in %q", ErrInvalid, rate, field)
			}
		}
		w, h, ok := strings.Cut(strings.ToLower(size), "x")
		if !ok {
			return nil, fmt.Errorf("%w: channel %q is not WIDTHxHEIGHT", ErrInvalid, field)
		}
		var err error
		if ch.Width, err = strconv.Atoi(w); err != nil {
			return nil, fmt.Errorf("%w: width in %q: %w", ErrInvalid, field, err)
		}
		if ch.Height, err = strconv.Atoi(h); err != nil {
			return nil, fmt.Errorf("%w: height in %q: %w", ErrInvalid, field, err)
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalid)
	}
	return out, nil
}

// Validate checks ranges and the channel layout.
func (c Config) Validate() error {
	sources := 0
	for _, s := range []string{c.Input, c.SRTAddr, c.SRTPull} {
		if s != "" {
			sources++
		}
	}
	switch {
	case sources == 0:
		return fmt.Errorf("%w: one of INPUT, SRT_ADDR or SRT_PULL is required", ErrInvalid)
	case sources > 1:
		return fmt.Errorf("%w: INPUT, SRT_ADDR and SRT_PULL are mutually exclusive", ErrInvalid)
	case c.Loops < 0:
		return fmt.Errorf("%w: STREAM_LOOP must not be negative", ErrInvalid)
	case c.Loops > 0 && (c.Input == "" || c.Input == "-"):
		return fmt.Errorf("%w: STREAM_LOOP needs a seekable file input", ErrInvalid)
	case c.MaxFrames < 0:
		return fmt.Errorf("%w: MAX_FRAMES must not be negative", ErrInvalid)
	case c.LookaheadDepth < 0 || c.LookaheadDepth > MaxLookaheadDepth:
		return fmt.Errorf("%w: LOOKAHEAD_DEPTH %d outside 0..%d", ErrInvalid, c.LookaheadDepth, MaxLookaheadDepth)
	case c.NumCores < 0 || c.NumCores > MaxCores:
		return fmt.Errorf("%w: NUM_CORES %d outside 0..%d", ErrInvalid, c.NumCores, MaxCores)
	case c.BFrames < 0 || c.BFrames > MaxBFrames:
		return fmt.Errorf("%w: B_FRAMES %d outside 0..%d", ErrInvalid, c.BFrames, MaxBFrames)
	case (c.TLSCert == "") != (c.TLSKey == ""):
		return fmt.Errorf("%w: TLS_CERT and TLS_KEY must be set together", ErrInvalid)
	case c.StatsInterval < 0:
		return fmt.Errorf("%w: STATS_INTERVAL must not be negative", ErrInvalid)
	}
	return validateChannels(c.Channels)
}

func validateChannels(chs []ChannelSpec) error {
	if len(chs) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalid)
	}
	scaled, half := 0, 0
	seen := make(map[string]bool, len(chs))
	for i, ch := range chs {
		if seen[ch.Name()] {
			return fmt.Errorf("%w: duplicate channel %s", ErrInvalid, ch.Name())
		}
		seen[ch.Name()] = true
		if ch.Copy {
			if i != 0 {
				return fmt.Errorf("%w: copy must be the first channel", ErrInvalid)
			}
			continue
		}
		if ch.Width <= 0 || ch.Height <= 0 || ch.Width%2 != 0 || ch.Height%2 != 0 {
			return fmt.Errorf("%w: channel %s needs positive even dimensions", ErrInvalid, ch.Name())
		}
		scaled++
		if ch.HalfRate {
			half++
		} else if half > 0 {
			return fmt.Errorf("%w: full-rate channel %s follows a half-rate channel", ErrInvalid, ch.Name())
		}
	}
	if scaled > MaxScaledOutputs {
		return fmt.Errorf("%w: %d scaled outputs, at most %d", ErrInvalid, scaled, MaxScaledOutputs)
	}
	if half > 0 && half == scaled {
		return fmt.Errorf("%w: at least one scaled output must run at full rate", ErrInvalid)
	}
	return nil
}
