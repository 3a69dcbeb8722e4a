package eq

import (
	"log/slog"
	"slices"
	"sync"
)

// Coordinator owns the single logical equalizer State and mirrors every
// change into all attached instances before returning. An instance
// attached later adopts the current state on attach.
type Coordinator struct {
	mu        sync.Mutex
	state     State
	instances []*Equalizer
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator starting from initial.
func NewCoordinator(initial State) *Coordinator {
	return &Coordinator{
		state:  initial.Clamped(),
		logger: slog.With("component", "eq"),
	}
}

// Attach registers an instance and applies the current state to it.
func (c *Coordinator) Attach(e *Equalizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slices.Contains(c.instances, e) {
		return
	}
	e.Apply(c.state)
	c.instances = append(c.instances, e)
	c.logger.Debug("Equalizer instance attached", slog.Int("instances", len(c.instances)))
}

// Detach stops mirroring into e.
func (c *Coordinator) Detach(e *Equalizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = slices.DeleteFunc(c.instances, func(x *Equalizer) bool { return x == e })
}

// SetPreamp clamps db, stores it and pushes it to every instance. It
// returns the value actually applied.
func (c *Coordinator) SetPreamp(db float64) float64 {
	db = Clamp(db)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Preamp = db
	for _, e := range c.instances {
		e.SetPreamp(db)
	}
	return db
}

// SetBand clamps db, stores it and pushes it to every instance.
func (c *Coordinator) SetBand(i int, db float64) (float64, error) {
	if i < 0 || i >= Bands {
		return 0, &BandError{Index: i}
	}
	db = Clamp(db)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Gains[i] = db
	for _, e := range c.instances {
		e.SetBand(i, db)
	}
	return db, nil
}

// Load replaces the whole state, e.g. from a persisted preset.
func (c *Coordinator) Load(s State) {
	s = s.Clamped()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	for _, e := range c.instances {
		e.Apply(s)
	}
}

// State returns the authoritative state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
