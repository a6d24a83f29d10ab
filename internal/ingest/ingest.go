// Package ingest manages live input connections, coupling the SRT byte
// readers with per-connection metadata and handing each new elementary
// stream to a transcode run.
package ingest

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vtpipe/internal/demux"
)

// ErrClosed is returned by writers of streams registered after Close.
var ErrClosed = errors.New("ingest: registry closed")

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is an active ingest connection. Bytes written to the internal
// pipe by the receiver are read by the transcode run.
type Stream struct {
	Key       string
	Codec     demux.Codec
	StartedAt time.Time
	input     io.ReadCloser
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead adds one socket read of n bytes to the counters.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the stream is unregistered.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest streams by key and dispatches each new
// stream to the onStream callback.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
	closed  bool
	running sync.WaitGroup

	onStream func(key string, input io.Reader, codec demux.Codec)
}

// NewRegistry creates a Registry. onStream, if set, is invoked in its own
// goroutine for every registered stream.
func NewRegistry(onStream func(key string, input io.Reader, codec demux.Codec)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a stream and returns it together with the writer the
// receiver feeds. A stream already registered under key is closed and
// replaced. After Close the stream is returned already done and its
// writer fails with ErrClosed.
func (r *Registry) Register(key string, codec demux.Codec) (*Stream, io.Writer) {
	pr, pw := io.Pipe()

	stream := &Stream{
		Key:       key,
		Codec:     codec,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		pr.CloseWithError(ErrClosed)
		close(stream.done)
		return stream, pw
	}
	old := r.streams[key]
	r.streams[key] = stream
	if r.onStream != nil {
		r.running.Add(1)
	}
	r.mu.Unlock()

	if old != nil {
		old.pw.Close()
		close(old.done)
	}
	if r.onStream != nil {
		go func() {
			defer r.running.Done()
			r.onStream(key, pr, codec)
		}()
	}
	return stream, pw
}

// Close stops dispatching new streams and waits for every running onStream
// callback to return. Streams already registered are left open; their
// receivers end them.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.running.Wait()
}

// Unregister removes the stream, closing its pipe and its Done channel.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
		close(stream.done)
	}
}

// Remove unregisters s only if it is still the stream registered under its
// key.
func (r *Registry) Remove(s *Stream) {
	r.mu.Lock()
	cur, ok := r.streams[s.Key]
	if ok && cur == s {
		delete(r.streams, s.Key)
	}
	r.mu.Unlock()

	if ok && cur == s {
		s.pw.Close()
		close(s.done)
	}
}

// Get returns the stream registered under key.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Len returns the number of active streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
