package transition

import "sync/atomic"

// Counter is the generation counter. Every load, seek, crossfade start
// and crossfade cancel takes a new value; anything tagged with an older
// value is stale.
type Counter struct {
	v atomic.Uint64
}

// Next advances the counter and returns the new generation.
func (c *Counter) Next() uint64 { return c.v.Add(1) }

// Current returns the latest generation.
func (c *Counter) Current() uint64 { return c.v.Load() }

// IsCurrent reports whether gen is the latest generation.
func (c *Counter) IsCurrent(gen uint64) bool { return c.v.Load() == gen }
