package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

var (
	// ErrInvalidConfig is returned by New for an unusable stage layout.
	ErrInvalidConfig = errors.New("invalid pipeline config")
	// ErrNoFrames is returned by Run when the input produced no decoded
	// frames.
	ErrNoFrames = errors.New("insufficient number of frames in input")
)

// Source supplies access units. ReadAccessUnit returns io.EOF at the end of
// the input.
type Source interface {
	ReadAccessUnit() ([]byte, error)
	Rewind() error
	Stop()
}

// Decoder turns access units into frames. SendInput takes ownership of au
// on Success. After SendEOF, Recv drains the remaining frames and then
// reports EOS.
type Decoder interface {
	SendInput(au []byte) (Result, error)
	SendEOF() error
	Recv() (*Frame, Result, error)
}

// Scaler produces one output per scaled channel from a borrowed input
// frame. Outputs are written into out, one slot per scaled channel in
// channel order, each holding one reference owned by the caller. Slots of
// half-rate channels may be left nil. A nil input drains the scaler.
type Scaler interface {
	Process(in *Frame, out []*Frame) (Result, error)
}

// Lookahead delays frames for rate control. The input is borrowed; a
// returned frame carries one reference owned by the caller. A nil input
// drains the lookahead.
type Lookahead interface {
	Process(in *Frame) (*Frame, Result, error)
}

// Encoder compresses borrowed frames into packets. A nil input drains the
// encoder; it reports EOS once nothing is left.
type Encoder interface {
	Encode(in *Frame) ([]byte, Result, error)
}

// Channel is one encoded output.
type Channel struct {
	Name string
	// Scaled channels take their frames from the scaler. The only
	// unscaled channel must come first and encodes decoded frames as is.
	Scaled bool
	// HalfRate channels are fed every second scaler round. They must
	// follow all full-rate channels.
	HalfRate bool
	// Lookahead is optional; without one frames go straight to the
	// encoder.
	Lookahead Lookahead
	Encoder   Encoder
	// Output receives encoded packets. It may be nil.
	Output io.Writer
}

// Config is the stage layout of a run.
type Config struct {
	Source   Source
	Decoder  Decoder
	Scaler   Scaler
	Channels []Channel
	// Loops is the number of times the input is replayed after its first
	// pass.
	Loops int
	// MaxFrames stops the run once channel 0 has written this many
	// packets. Zero means no limit.
	MaxFrames int64
	Log       *slog.Logger
}

func (cfg *Config) validate() error {
	if cfg.Source == nil || cfg.Decoder == nil {
		return fmt.Errorf("%w: source and decoder are required", ErrInvalidConfig)
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("%w: no channels", ErrInvalidConfig)
	}
	if cfg.Loops < 0 || cfg.MaxFrames < 0 {
		return fmt.Errorf("%w: negative loop count or frame limit", ErrInvalidConfig)
	}

	scaled, half := 0, false
	for i, ch := range cfg.Channels {
		if ch.Encoder == nil {
			return fmt.Errorf("%w: channel %d has no encoder", ErrInvalidConfig, i)
		}
		if !ch.Scaled {
			if i != 0 {
				return fmt.Errorf("%w: unscaled channel %d must be first", ErrInvalidConfig, i)
			}
			if ch.HalfRate {
				return fmt.Errorf("%w: unscaled channel cannot be half-rate", ErrInvalidConfig)
			}
			continue
		}
		scaled++
		if ch.HalfRate {
			half = true
		} else if half {
			return fmt.Errorf("%w: full-rate channel %d follows a half-rate channel", ErrInvalidConfig, i)
		}
	}

	switch {
	case scaled > 0 && cfg.Scaler == nil:
		return fmt.Errorf("%w: scaled channels need a scaler", ErrInvalidConfig)
	case scaled == 0 && cfg.Scaler != nil:
		return fmt.Errorf("%w: scaler without scaled channels", ErrInvalidConfig)
	}
	full := len(cfg.Channels)
	for _, ch := range cfg.Channels {
		if ch.HalfRate {
			full--
		}
	}
	if half && full == 0 {
		return fmt.Errorf("%w: at least one channel must run at full rate", ErrInvalidConfig)
	}
	return nil
}
