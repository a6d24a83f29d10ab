// Package stream tracks active transcode runs by stream key, rejecting
// duplicates and capping how many run at once.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrDuplicate is returned when a run for the key is already active.
	ErrDuplicate = errors.New("stream already active")
	// ErrBusy is returned when every run slot is taken.
	ErrBusy = errors.New("no free transcode slot")
)

// Stream represents an admitted transcode run.
type Stream struct {
	Key       string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the stream is removed from its manager.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Manager admits transcode runs.
type Manager struct {
	log   *slog.Logger
	slots *semaphore.Weighted

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager admitting at most limit
// concurrent runs; zero means no limit. If log is nil, slog.Default() is
// used.
func NewManager(limit int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
	if limit > 0 {
		m.slots = semaphore.NewWeighted(int64(limit))
	}
	return m
}

// Create admits a run for key. The returned context is cancelled by
// Cancel or when parent ends; the caller must call Remove when the run
// finishes.
func (m *Manager) Create(parent context.Context, key string) (*Stream, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	if m.slots != nil && !m.slots.TryAcquire(1) {
		m.log.Warn("no free slot, rejecting stream", "key", key, "active", len(m.streams))
		return nil, nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key)
	return s, ctx, nil
}

// Cancel stops the run for key, if any.
func (m *Manager) Cancel(key string) bool {
	m.mu.RLock()
	s, ok := m.streams[key]
	m.mu.RUnlock()
	if ok {
		s.cancel()
	}
	return ok
}

// Remove releases the run's slot.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		s.cancel()
		if m.slots != nil {
			m.slots.Release(1)
		}
		close(s.done)
		m.log.Info("stream removed", "key", key, "duration", time.Since(s.StartedAt).Round(time.Millisecond))
	}
}

// List returns all active streams.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	return streams
}
