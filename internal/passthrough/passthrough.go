// Package passthrough provides software pipeline stages that move access
// units through the decode, scale, lookahead and encode chain without
// touching pixels. Every channel re-emits the input elementary stream, so a
// run exercises the controller, frame accounting and output plumbing end to
// end without a hardware codec.
package passthrough

import (
	"errors"
	"fmt"

	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/pipeline"
)

// ErrClosed is returned when input arrives after end of stream.
var ErrClosed = errors.New("stage received input after end of stream")

// Decoder queues access units and hands each one out as a frame from a
// bounded pool.
type Decoder struct {
	pool   *pipeline.FramePool
	width  int
	height int
	depth  int
	queue  [][]byte
	seq    int64
	eof    bool
}

// NewDecoder creates a decoder that buffers up to depth access units and
// stamps frames with the stream's display size.
func NewDecoder(info demux.StreamInfo, pool *pipeline.FramePool, depth int) *Decoder {
	if depth < 1 {
		depth = 1
	}
	return &Decoder{pool: pool, width: info.Width, height: info.Height, depth: depth}
}

// SendInput queues one access unit. It reports TryAgain while depth units
// are waiting to be received.
func (d *Decoder) SendInput(au []byte) (pipeline.Result, error) {
	if d.eof {
		return pipeline.Success, ErrClosed
	}
	if len(d.queue) >= d.depth {
		return pipeline.TryAgain, nil
	}
	d.queue = append(d.queue, au)
	return pipeline.Success, nil
}

// SendEOF marks the end of input. Queued units are still handed out.
func (d *Decoder) SendEOF() error {
	d.eof = true
	return nil
}

// Recv returns the next queued access unit as a frame. It reports
// NeedMoreData when the queue is empty, EOS once it is empty after
// SendEOF, and TryAgain when the pool has no free frame.
func (d *Decoder) Recv() (*pipeline.Frame, pipeline.Result, error) {
	if len(d.queue) == 0 {
		if d.eof {
			return nil, pipeline.EOS, nil
		}
		return nil, pipeline.NeedMoreData, nil
	}
	f := d.pool.Get()
	if f == nil {
		return nil, pipeline.TryAgain, nil
	}
	f.Width, f.Height = d.width, d.height
	f.Data = d.queue[0]
	f.Seq = d.seq
	d.seq++
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return f, pipeline.Success, nil
}

// Output is one scaler output size.
type Output struct {
	Width    int
	Height   int
	HalfRate bool
}

// Scaler produces one frame per output, sharing the input payload. Half-rate
// outputs are produced for even input frames only.
type Scaler struct {
	pool    *pipeline.FramePool
	outputs []Output
	frames  int64
}

// NewScaler creates a scaler. outputs must follow the order of the scaled
// channels.
func NewScaler(pool *pipeline.FramePool, outputs []Output) *Scaler {
	return &Scaler{pool: pool, outputs: outputs}
}

// Process fills out with one frame per output for in, leaving half-rate
// slots nil on odd frames. A nil in reports EOS. If the pool runs dry the
// frames taken so far are released and TryAgain is returned.
func (s *Scaler) Process(in *pipeline.Frame, out []*pipeline.Frame) (pipeline.Result, error) {
	if in == nil {
		return pipeline.EOS, nil
	}
	if len(out) != len(s.outputs) {
		return pipeline.Success, fmt.Errorf("scaler has %d outputs, got %d slots", len(s.outputs), len(out))
	}
	for i, o := range s.outputs {
		if o.HalfRate && s.frames%2 == 1 {
			continue
		}
		f := s.pool.Get()
		if f == nil {
			for j := 0; j < i; j++ {
				if out[j] != nil {
					out[j].Release()
					out[j] = nil
				}
			}
			return pipeline.TryAgain, nil
		}
		f.Width, f.Height = o.Width, o.Height
		f.Seq = in.Seq
		f.Data = in.Data
		out[i] = f
	}
	s.frames++
	return pipeline.Success, nil
}

// Lookahead delays frames by a fixed depth. A depth of zero hands every
// frame straight back.
type Lookahead struct {
	depth int
	queue []*pipeline.Frame
}

// NewLookahead creates a lookahead holding up to depth frames.
func NewLookahead(depth int) *Lookahead {
	return &Lookahead{depth: depth}
}

// Process takes in and returns the oldest held frame once more than depth
// are queued. A nil in drains the queue, then reports EOS.
func (l *Lookahead) Process(in *pipeline.Frame) (*pipeline.Frame, pipeline.Result, error) {
	if in != nil {
		l.queue = append(l.queue, in.Acquire())
		if len(l.queue) <= l.depth {
			return nil, pipeline.NeedMoreData, nil
		}
	} else if len(l.queue) == 0 {
		return nil, pipeline.EOS, nil
	}
	f := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return f, pipeline.Success, nil
}

// Len returns the number of frames held.
func (l *Lookahead) Len() int { return len(l.queue) }

// Encoder turns each frame back into the access unit it came from, holding
// up to delay packets the way a B-frame encoder holds reordered pictures.
type Encoder struct {
	delay    int
	queue    [][]byte
	draining bool
}

// NewEncoder creates an encoder with the given output delay.
func NewEncoder(delay int) *Encoder {
	return &Encoder{delay: delay}
}

// Encode returns the access unit of the frame delay calls earlier, or
// NeedMoreData while the delay fills. A nil in switches to draining;
// frames sent after that fail with ErrClosed.
func (e *Encoder) Encode(in *pipeline.Frame) ([]byte, pipeline.Result, error) {
	if in == nil {
		e.draining = true
		if len(e.queue) == 0 {
			return nil, pipeline.EOS, nil
		}
		return e.pop(), pipeline.Success, nil
	}
	if e.draining {
		return nil, pipeline.Success, ErrClosed
	}
	e.queue = append(e.queue, in.Data)
	if len(e.queue) <= e.delay {
		return nil, pipeline.NeedMoreData, nil
	}
	return e.pop(), pipeline.Success, nil
}

func (e *Encoder) pop() []byte {
	pkt := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return pkt
}
