// Package pipeline drives a decode, scale, lookahead and encode chain for
// one input and any number of output channels. A single-threaded,
// table-driven state machine moves data one stage at a time; end of stream
// propagates stage by stage through a flush floor that never moves back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"
)

var errProtocol = errors.New("stage protocol violation")

// Controller runs one pipeline. Step and Run must be called from a single
// goroutine; RequestStop and Stats may be called from any goroutine.
type Controller struct {
	log       *slog.Logger
	src       Source
	dec       Decoder
	scaler    Scaler
	channels  []Channel
	loops     int
	maxFrames int64

	state State
	flush FlushMode
	ch    int
	// round is the number of channels fed in the current round.
	round int
	// fullRound counts the unscaled and full-rate channels.
	fullRound int
	// scaledBase is the index of the first scaled channel.
	scaledBase int

	pending []byte
	frame   *Frame
	held    int // references on frame owned by the controller
	slots   []*Frame
	encIn   []*Frame
	laDone  []bool
	encDone []bool
	drained int

	stopReq atomic.Bool
	stopped bool
	errs    []error

	counters counters
}

// New validates cfg and returns a controller positioned at ReadInput.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	channels := slices.Clone(cfg.Channels)
	c := &Controller{
		log:       log.With("component", "pipeline"),
		src:       cfg.Source,
		dec:       cfg.Decoder,
		scaler:    cfg.Scaler,
		channels:  channels,
		loops:     cfg.Loops,
		maxFrames: cfg.MaxFrames,
		round:     len(channels),
		encIn:     make([]*Frame, len(channels)),
		laDone:    make([]bool, len(channels)),
		encDone:   make([]bool, len(channels)),
	}
	for i := range channels {
		if channels[i].Name == "" {
			channels[i].Name = fmt.Sprintf("ch%d", i)
		}
		if !channels[i].Scaled {
			c.scaledBase = 1
		}
		if !channels[i].HalfRate {
			c.fullRound++
		}
	}
	c.slots = make([]*Frame, len(channels)-c.scaledBase)
	c.counters.channels = make([]channelCounters, len(channels))
	return c, nil
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// FlushMode returns the current flush floor.
func (c *Controller) FlushMode() FlushMode { return c.flush }

// Channel returns the index of the channel being serviced.
func (c *Controller) Channel() int { return c.ch }

// RequestStop asks the run to stop reading input and drain. It is ignored
// once flushing has started.
func (c *Controller) RequestStop() {
	c.stopReq.Store(true)
}

// Run steps the controller until it is done, then releases every frame it
// still holds. Cancelling ctx requests a stop; the stages are still
// drained. The returned error joins every stage failure, or is ErrNoFrames
// when nothing was decoded.
func (c *Controller) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.RequestStop)
	defer stop()

	c.counters.started.Store(time.Now().UnixNano())
	c.log.Info("pipeline started", "channels", len(c.channels), "loops", c.loops, "max_frames", c.maxFrames)

	for c.state != StateDone {
		c.Step()
	}
	c.release()
	c.counters.finished.Store(time.Now().UnixNano())

	st := c.Stats()
	c.log.Info("pipeline finished",
		"access_units", st.AccessUnits,
		"frames", st.FramesDecoded,
		"elapsed", st.Elapsed.Round(time.Millisecond),
		"fps", fmt.Sprintf("%.1f", st.FPS),
	)

	if len(c.errs) == 0 && st.FramesDecoded == 0 && !c.stopped {
		return ErrNoFrames
	}
	return errors.Join(c.errs...)
}

// Step executes the current state once and moves to the next one.
func (c *Controller) Step() State {
	if c.state == StateDone {
		return StateDone
	}
	if c.stopReq.Swap(false) && c.flush == FlushNone && c.state < StateEOF {
		c.log.Info("stop requested", "state", c.state)
		c.stopped = true
		c.state = StateStop
	}

	res, err := c.exec()
	if err == nil {
		var next State
		next, err = c.advance(res)
		if err == nil {
			c.state = next
			return next
		}
	}
	c.fail(err)
	return c.state
}

// fail records err. The first failure outside a flush stops the input so
// the stages can still drain; any later failure ends the run.
func (c *Controller) fail(err error) {
	err = fmt.Errorf("%v: %w", c.state, err)
	c.log.Error("pipeline stage failed", "error", err)
	first := len(c.errs) == 0
	c.errs = append(c.errs, err)
	if first && c.flush == FlushNone {
		c.stopped = true
		c.state = StateStop
		return
	}
	c.state = StateDone
}

func (c *Controller) exec() (Result, error) {
	switch s := c.state; s {
	case StateReadInput:
		return c.readInput()
	case StateSendInput, StateSendLastFrame:
		return c.sendInput()
	case StateDecGetOutput, StateDecFlush:
		return c.receive()
	case StateScalProcess:
		if c.held == 0 {
			return Success, fmt.Errorf("%w: no decoded frame to scale", errProtocol)
		}
		return c.scale(c.frame)
	case StateScalFlush:
		return c.scale(nil)
	case StateLaProcess:
		return c.lookahead(false)
	case StateLaFlush:
		return c.lookahead(true)
	case StateEncProcess:
		return c.encode()
	case StateEncNullFrame, StateEncFlush:
		return c.drainEncoder()
	case StateEOF:
		if err := c.dec.SendEOF(); err != nil {
			return Success, fmt.Errorf("sending end of stream: %w", err)
		}
		return Success, nil
	case StateStop:
		c.loops = 0
		c.pending = nil
		c.src.Stop()
		return Success, nil
	default:
		return Success, fmt.Errorf("%w: unexpected state %v", errProtocol, s)
	}
}

func (c *Controller) readInput() (Result, error) {
	if c.pending != nil {
		return Success, nil
	}
	au, err := c.src.ReadAccessUnit()
	if errors.Is(err, io.EOF) {
		return EOS, nil
	}
	if err != nil {
		return Success, fmt.Errorf("reading input: %w", err)
	}
	c.pending = au
	c.counters.accessUnits.Add(1)
	return Success, nil
}

func (c *Controller) sendInput() (Result, error) {
	if c.pending == nil {
		return Success, nil
	}
	res, err := c.dec.SendInput(c.pending)
	if err != nil {
		return res, fmt.Errorf("decoder input: %w", err)
	}
	if res == Success {
		c.pending = nil
	}
	return res, nil
}

func (c *Controller) receive() (Result, error) {
	c.ch = 0
	f, res, err := c.dec.Recv()
	if err != nil {
		return res, fmt.Errorf("decoder output: %w", err)
	}
	if res != Success {
		return res, nil
	}
	if f == nil {
		return res, fmt.Errorf("%w: decoder returned no frame", errProtocol)
	}
	c.endRound()
	c.frame = f
	c.held = c.scaledBase
	if c.scaler != nil {
		c.held++
	}
	for i := 1; i < c.held; i++ {
		f.Acquire()
	}
	c.counters.frames.Add(1)
	return Success, nil
}

func (c *Controller) scale(in *Frame) (Result, error) {
	c.ch = 0
	c.releaseSlots()
	res, err := c.scaler.Process(in, c.slots)
	if err != nil || res == TryAgain {
		c.releaseSlots()
		if err != nil {
			return res, fmt.Errorf("scaler: %w", err)
		}
		return res, nil
	}
	if in != nil {
		c.releaseDecoded()
	}
	if res != Success {
		c.endRound()
		return res, nil
	}
	c.round = len(c.channels)
	for i, f := range c.slots {
		if f == nil && c.channels[c.scaledBase+i].HalfRate {
			c.round = c.fullRound
			break
		}
	}
	return Success, nil
}

// input returns the frame channel ch consumes this round, if any.
func (c *Controller) input(ch int) *Frame {
	if ch < c.scaledBase {
		if c.held > 0 {
			return c.frame
		}
		return nil
	}
	return c.slots[ch-c.scaledBase]
}

// consume drops the controller's reference on channel ch's input.
func (c *Controller) consume(ch int) {
	if ch < c.scaledBase {
		c.releaseDecoded()
		return
	}
	if f := c.slots[ch-c.scaledBase]; f != nil {
		f.Release()
		c.slots[ch-c.scaledBase] = nil
	}
}

func (c *Controller) lookahead(flush bool) (Result, error) {
	ch := &c.channels[c.ch]
	var in *Frame
	if !flush {
		in = c.input(c.ch)
	}
	if c.laDone[c.ch] || (!flush && in == nil) {
		c.consume(c.ch)
		return NeedMoreData, nil
	}

	var (
		out *Frame
		res Result
	)
	switch {
	case ch.Lookahead != nil:
		var err error
		out, res, err = ch.Lookahead.Process(in)
		if err != nil {
			return res, fmt.Errorf("lookahead %s: %w", ch.Name, err)
		}
	case in != nil:
		out, res = in.Acquire(), Success
	default:
		res = EOS
	}
	if res == TryAgain {
		if out != nil {
			out.Release()
		}
		return res, nil
	}

	c.consume(c.ch)
	if out != nil {
		if prev := c.encIn[c.ch]; prev != nil {
			prev.Release()
		}
		c.encIn[c.ch] = out
	}
	if res == EOS {
		c.laDone[c.ch] = true
	}
	return res, nil
}

func (c *Controller) encode() (Result, error) {
	in := c.encIn[c.ch]
	if in == nil {
		return NeedMoreData, nil
	}
	ch := &c.channels[c.ch]
	pkt, res, err := ch.Encoder.Encode(in)
	if err != nil {
		return res, fmt.Errorf("encoder %s: %w", ch.Name, err)
	}
	if res == TryAgain {
		return res, nil
	}
	in.Release()
	c.encIn[c.ch] = nil
	return res, c.write(c.ch, pkt)
}

func (c *Controller) drainEncoder() (Result, error) {
	if c.encDone[c.ch] {
		return EOS, nil
	}
	ch := &c.channels[c.ch]
	pkt, res, err := ch.Encoder.Encode(nil)
	if err != nil {
		return res, fmt.Errorf("encoder %s: %w", ch.Name, err)
	}
	return res, c.write(c.ch, pkt)
}

func (c *Controller) write(ch int, pkt []byte) error {
	if len(pkt) == 0 || c.limitReached() {
		return nil
	}
	if out := c.channels[ch].Output; out != nil {
		if _, err := out.Write(pkt); err != nil {
			return fmt.Errorf("writing %s: %w", c.channels[ch].Name, err)
		}
	}
	c.counters.channels[ch].packets.Add(1)
	c.counters.channels[ch].bytes.Add(int64(len(pkt)))
	return nil
}

func (c *Controller) limitReached() bool {
	return c.maxFrames > 0 && c.counters.channels[0].packets.Load() >= c.maxFrames
}

// advance looks up the transition for res, applies its effects and the
// flush floor.
func (c *Controller) advance(res Result) (State, error) {
	r, ok := transitions[transitionKey{c.state, res}]
	if !ok {
		return c.state, fmt.Errorf("%w: %v reported %v", errProtocol, c.state, res)
	}
	next := r.next

	if r.fx&fxSkipScaler != 0 && c.scaler == nil {
		switch next {
		case StateScalProcess:
			next = StateLaProcess
		case StateScalFlush:
			next = StateLaFlush
		}
		if r.flush == FlushScaler {
			r.flush = FlushLookahead
		}
	}
	if r.fx&fxAllChannels != 0 {
		c.round = len(c.channels)
	}
	if r.fx&fxRewindOrLast != 0 && c.loops > 0 {
		if err := c.src.Rewind(); err != nil {
			return c.state, fmt.Errorf("rewinding input: %w", err)
		}
		c.loops--
		c.log.Debug("input rewound", "loops_left", c.loops)
		next = StateReadInput
	}
	if r.fx&fxDrainCheck != 0 && c.pending == nil {
		next = StateEOF
	}
	if r.fx&fxFrameLimit != 0 && c.limitReached() {
		c.log.Info("frame limit reached", "max_frames", c.maxFrames)
		next = StateEOF
	}
	if r.fx&fxChannelLoop != 0 {
		c.ch++
		if c.ch >= c.round {
			c.ch = 0
			c.endRound()
			next = StateReadInput
		}
	}
	if r.fx&fxNullFrameLoop != 0 {
		if !slices.Contains(c.laDone, false) {
			c.ch = 0
			next = StateEncFlush
			r.flush = FlushEncoder
		} else {
			c.ch = (c.ch + 1) % len(c.channels)
		}
	}
	if r.fx&fxCountEOS != 0 {
		if !c.encDone[c.ch] {
			c.encDone[c.ch] = true
			c.drained++
		}
		c.ch = (c.ch + 1) % len(c.channels)
		if c.drained >= len(c.channels) {
			next = StateDone
		}
	}

	if r.flush > c.flush {
		c.log.Info("flushing", "mode", r.flush)
		c.flush = r.flush
	}
	return clamp(next, c.flush), nil
}

func (c *Controller) releaseDecoded() {
	if c.held == 0 {
		return
	}
	c.frame.Release()
	c.held--
	if c.held == 0 {
		c.frame = nil
	}
}

func (c *Controller) releaseSlots() {
	for i, f := range c.slots {
		if f != nil {
			f.Release()
			c.slots[i] = nil
		}
	}
}

// endRound drops whatever the channels of the last round left unconsumed.
func (c *Controller) endRound() {
	for c.held > 0 {
		c.releaseDecoded()
	}
	c.releaseSlots()
}

func (c *Controller) release() {
	c.endRound()
	for i, f := range c.encIn {
		if f != nil {
			f.Release()
			c.encIn[i] = nil
		}
	}
	c.pending = nil
}
