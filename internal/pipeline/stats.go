package pipeline

import (
	"sync/atomic"
	"time"
)

// ChannelStats counts one channel's output.
type ChannelStats struct {
	Name    string
	Packets int64
	Bytes   int64
}

// Stats is a point-in-time snapshot of a run. It is safe to take while Run
// is in progress.
type Stats struct {
	AccessUnits   int64
	FramesDecoded int64
	Channels      []ChannelStats
	Elapsed       time.Duration
	// FPS is frames decoded per second of wall time.
	FPS float64
}

type channelCounters struct {
	packets atomic.Int64
	bytes   atomic.Int64
}

type counters struct {
	accessUnits atomic.Int64
	frames      atomic.Int64
	started     atomic.Int64 // unix nanos
	finished    atomic.Int64
	channels    []channelCounters
}

// Stats returns a snapshot of the run counters.
func (c *Controller) Stats() Stats {
	s := Stats{
		AccessUnits:   c.counters.accessUnits.Load(),
		FramesDecoded: c.counters.frames.Load(),
		Channels:      make([]ChannelStats, len(c.channels)),
	}
	for i := range c.channels {
		s.Channels[i] = ChannelStats{
			Name:    c.channels[i].Name,
			Packets: c.counters.channels[i].packets.Load(),
			Bytes:   c.counters.channels[i].bytes.Load(),
		}
	}
	if start := c.counters.started.Load(); start != 0 {
		end := c.counters.finished.Load()
		if end == 0 {
			end = time.Now().UnixNano()
		}
		s.Elapsed = time.Duration(end - start)
		if s.Elapsed > 0 {
			s.FPS = float64(s.FramesDecoded) / s.Elapsed.Seconds()
		}
	}
	return s
}
