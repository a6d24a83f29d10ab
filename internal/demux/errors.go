package demux

import "errors"

var (
	// ErrTruncated is returned when a syntax structure ends before all of
	// its fields could be read.
	ErrTruncated = errors.New("demux: truncated syntax structure")

	// ErrMissingParameterSet is returned when a slice references a PPS or
	// SPS id that has not been validly parsed.
	ErrMissingParameterSet = errors.New("demux: missing parameter set")

	// ErrInvalidSyntax is returned when a field holds a value outside the
	// range the parser can represent, such as a parameter-set id beyond
	// its table.
	ErrInvalidSyntax = errors.New("demux: invalid syntax")

	// ErrNoParameterSets is returned by Probe when the stream ends before
	// a sequence parameter set was found.
	ErrNoParameterSets = errors.New("demux: no sequence parameter set in stream")
)
