package demux

import (
	"bytes"
	"errors"
	"io"

	"github.com/zsiec/vtpipe/internal/annexb"
)

// AccessUnitReader splits an Annex B stream into access units. Each call to
// ReadAccessUnit returns one complete access unit including its start
// codes and any parameter sets that precede its first slice.
type AccessUnitReader struct {
	scanner *annexb.Scanner
	parser  Parser
	units   int64
}

// NewAccessUnitReader returns a reader that scans r with p.
func NewAccessUnitReader(r io.Reader, p Parser) *AccessUnitReader {
	return &AccessUnitReader{
		scanner: annexb.NewScanner(r),
		parser:  p,
	}
}

// Parser returns the parser driving boundary detection.
func (a *AccessUnitReader) Parser() Parser {
	return a.parser
}

// Units returns the number of access units returned so far.
func (a *AccessUnitReader) Units() int64 {
	return a.units
}

// ReadAccessUnit returns the next access unit. The returned slice is owned
// by the caller. At the end of the stream the remaining buffered bytes are
// returned as a final unit; after that it returns io.EOF.
func (a *AccessUnitReader) ReadAccessUnit() ([]byte, error) {
	end, err := a.parser.FindAccessUnitBoundary(a.scanner)
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		return nil, err
	}
	if eof && a.scanner.Len() == 0 {
		return nil, io.EOF
	}

	buf := a.scanner.Buffer()
	if end <= 0 || end > buf.Len() {
		end = buf.Len()
	}
	au := bytes.Clone(buf.Bytes()[:end])
	buf.Consume(end)
	a.units++
	return au, nil
}

// Rewind restarts a seekable source from its first byte. Bytes already
// buffered stay in front of the rewound data.
func (a *AccessUnitReader) Rewind() error {
	if err := a.scanner.Rewind(); err != nil {
		return err
	}
	a.parser.Reset()
	return nil
}

// Stop abandons the stream; later reads return io.EOF.
func (a *AccessUnitReader) Stop() {
	a.scanner.Stop()
}
