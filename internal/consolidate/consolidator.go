// Package consolidate merges patches from all pipeline stages into one
// broadcast batch per debounce window.
package consolidate

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

// Batch is one consolidated emission.
type Batch struct {
	Session timing.SessionStatePatch
	Cars    []timing.CarPositionPatch
}

// Config configures the consolidator.
type Config struct {
	Logger zerolog.Logger
	// Window is the debounce from first arrival. Zero means 20 ms.
	Window time.Duration
	// Emit receives each consolidated batch.
	Emit func(Batch)
}

// Consolidator accumulates patches and emits them on a fixed window from the
// first arrival. Patches landing inside the window merge field-last-wins.
type Consolidator struct {
	logger zerolog.Logger
	window time.Duration
	emit   func(Batch)

	mu      sync.Mutex
	pending bool
	session timing.SessionStatePatch
	cars    map[string]*timing.CarPositionPatch
	order   []string
	timer   *time.Timer
}

// New creates the consolidator.
func New(cfg Config) (*Consolidator, error) {
	if cfg.Emit == nil {
		return nil, fmt.Errorf("emit is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = 20 * time.Millisecond
	}
	return &Consolidator{
		logger: cfg.Logger.With().Str("component", "consolidate").Logger(),
		window: cfg.Window,
		emit:   cfg.Emit,
		cars:   map[string]*timing.CarPositionPatch{},
	}, nil
}

// AddSession folds a session patch into the current window.
func (c *Consolidator) AddSession(p timing.SessionStatePatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Merge(p)
	c.armLocked()
}

// AddCar folds a car patch into the current window.
func (c *Consolidator) AddCar(p timing.CarPositionPatch) {
	if p.Number == "" {
		c.logger.Warn().Msg("dropping car patch without number")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.cars[p.Number]
	if !ok {
		merged := p
		c.cars[p.Number] = &merged
		c.order = append(c.order, p.Number)
	} else {
		existing.Merge(p)
	}
	c.armLocked()
}

// armLocked starts the window on the first arrival. Later arrivals ride the
// same window; the timer is never reset.
func (c *Consolidator) armLocked() {
	if c.pending {
		return
	}
	c.pending = true
	c.timer = time.AfterFunc(c.window, c.fire)
}

func (c *Consolidator) fire() {
	c.mu.Lock()
	batch := c.drainLocked()
	c.mu.Unlock()
	if batch == nil {
		return
	}
	c.emit(*batch)
}

// Flush emits whatever has accumulated without waiting for the window, used
// on shutdown.
func (c *Consolidator) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	batch := c.drainLocked()
	c.mu.Unlock()
	if batch != nil {
		c.emit(*batch)
	}
}

// drainLocked collects the accumulated batch and resets the window. Car
// patches that reduced to identity-only are dropped.
func (c *Consolidator) drainLocked() *Batch {
	if !c.pending {
		return nil
	}
	batch := Batch{Session: c.session}
	for _, number := range c.order {
		patch := c.cars[number]
		if patch.Empty() {
			continue
		}
		batch.Cars = append(batch.Cars, *patch)
	}
	c.session = timing.SessionStatePatch{}
	c.cars = map[string]*timing.CarPositionPatch{}
	c.order = nil
	c.pending = false
	c.timer = nil

	if batch.Session.Empty() && len(batch.Cars) == 0 {
		return nil
	}
	return &batch
}
