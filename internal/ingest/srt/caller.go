package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/vtpipe/internal/demux"
	"github.com/zsiec/vtpipe/internal/ingest"
)

const dialTimeout = 10 * time.Second

// ErrPullActive is returned when a pull for the same stream key is running.
var ErrPullActive = errors.New("pull already active")

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string      `json:"address"`
	StreamKey string      `json:"streamKey"`
	StreamID  string      `json:"streamId,omitempty"`
	Codec     demux.Codec `json:"codec"`
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// Caller manages SRT pull connections, dialing remote SRT sources
// and streaming their data into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that registers pulled streams with registry.
// If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously, returning an error if
// the connection fails. On success, streaming continues in a background
// goroutine; the returned channel is closed when it ends.
func (c *Caller) Pull(ctx context.Context, req PullRequest) (<-chan struct{}, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if req.StreamKey == "" {
		return nil, fmt.Errorf("streamKey is required")
	}

	c.mu.Lock()
	_, exists := c.pulls[req.StreamKey]
	c.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + req.StreamKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	// Drain an abandoned dial in the background and close any leaked connection.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) (<-chan struct{}, error) {
	pullCtx, cancel := context.WithCancel(ctx)
	ap := &activePull{req: req, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return nil, fmt.Errorf("%w for stream key %q", ErrPullActive, req.StreamKey)
	}
	c.pulls[req.StreamKey] = ap
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey, "codec", req.Codec)

	stream, writer := c.registry.Register(req.StreamKey, req.Codec)
	stream.SetRemoteAddr(req.Address)

	go func() {
		defer close(ap.done)
		defer cancel()

		stopClose := context.AfterFunc(pullCtx, func() { conn.Close() })
		pump(pullCtx, conn, stream, writer, c.log)
		stopClose()

		conn.Close()
		c.registry.Remove(stream)
		c.mu.Lock()
		delete(c.pulls, req.StreamKey)
		c.mu.Unlock()
		logClosed(c.log, "pull ended", stream)
	}()

	return ap.done, nil
}

// Stop cancels the pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}
	ap.cancel()
	return nil
}

// ActivePulls lists the running pulls.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
