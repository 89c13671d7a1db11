// Package controllog periodically reloads external control logs, computes
// per-car penalty counts, and pushes changed entries to subscribers.
package controllog

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

// Entry is one control-log line. Two-car entries name both cars; the
// highlighted one takes the penalty.
type Entry struct {
	OrderID           int    `json:"orderId"`
	Car1              string `json:"car1,omitempty"`
	Car2              string `json:"car2,omitempty"`
	IsCar1Highlighted bool   `json:"isCar1Highlighted,omitempty"`
	IsCar2Highlighted bool   `json:"isCar2Highlighted,omitempty"`
	Lap               string `json:"lap,omitempty"`
	TimeOfDay         string `json:"timeOfDay,omitempty"`
	Status            string `json:"status,omitempty"`
	PenaltyAction     string `json:"penaltyAction,omitempty"`
	OtherNotes        string `json:"otherNotes,omitempty"`
}

// ControlLog is the external collaborator contract.
type ControlLog interface {
	Type() string
	Load(ctx context.Context, parameter string) (bool, []Entry, error)
}

// Pusher is the slice of the hub the enricher sends through.
type Pusher interface {
	ReceiveControlLog(ctx context.Context, eventID string, payload interface{})
}

// CarEntries is the payload pushed when a car's entries change.
type CarEntries struct {
	CarNumber string  `json:"carNumber"`
	Entries   []Entry `json:"entries"`
}

// Config configures the enricher.
type Config struct {
	EventID string
	Source  ControlLog
	// Parameter is passed through to the source on every load.
	Parameter string
	Hub       Pusher
	Logger    zerolog.Logger
	// Interval between reloads. Zero means 30 s.
	Interval time.Duration
	// Emit receives per-car penalty patches.
	Emit func(timing.CarPositionPatch)
}

// Enricher reloads and diffs control logs.
type Enricher struct {
	eventID   string
	source    ControlLog
	parameter string
	hub       Pusher
	logger    zerolog.Logger
	interval  time.Duration
	emit      func(timing.CarPositionPatch)

	mu      sync.Mutex
	entries map[string][]Entry
}

var (
	warningPattern = regexp.MustCompile(`(?i)warning`)
	lapPattern     = regexp.MustCompile(`(?i)(\d+)\s+laps?`)
)

// New creates the control-log enricher.
func New(cfg Config) (*Enricher, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Emit == nil {
		cfg.Emit = func(timing.CarPositionPatch) {}
	}
	return &Enricher{
		eventID:   cfg.EventID,
		source:    cfg.Source,
		parameter: cfg.Parameter,
		hub:       cfg.Hub,
		logger:    cfg.Logger.With().Str("component", "controllog").Str("source", cfg.Source.Type()).Logger(),
		interval:  cfg.Interval,
		emit:      cfg.Emit,
		entries:   map[string][]Entry{},
	}, nil
}

// Run reloads on the configured interval until ctx is cancelled. Load
// failures are logged; the enricher keeps its last known state.
func (e *Enricher) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		if err := e.Refresh(ctx); err != nil {
			e.logger.Error().Err(err).Msg("reloading control log")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Entries returns a copy of the current per-car index, persisted with the
// session's final artifact.
func (e *Enricher) Entries() map[string][]Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]Entry, len(e.entries))
	for car, entries := range e.entries {
		out[car] = append([]Entry(nil), entries...)
	}
	return out
}

// Refresh loads the control log once, diffs against the previous index, and
// publishes changed cars.
func (e *Enricher) Refresh(ctx context.Context) error {
	ok, loaded, err := e.source.Load(ctx, e.parameter)
	if err != nil {
		return fmt.Errorf("loading control log: %w", err)
	}
	if !ok {
		return nil
	}

	indexed := indexByCar(loaded)

	e.mu.Lock()
	previous := e.entries
	e.entries = indexed
	e.mu.Unlock()

	for car, entries := range indexed {
		if entriesEqual(previous[car], entries) {
			continue
		}
		e.hub.ReceiveControlLog(ctx, e.eventID, CarEntries{CarNumber: car, Entries: entries})
		if car == "" {
			continue
		}
		warnings, laps := Penalties(entries, car)
		patch := timing.CarPositionPatch{Number: car}
		patch.PenaltyWarnings = timing.Ptr(warnings)
		patch.PenaltyLaps = timing.Ptr(laps)
		e.emit(patch)
	}
	// Cars that disappeared from the log entirely.
	for car := range previous {
		if _, still := indexed[car]; !still {
			e.hub.ReceiveControlLog(ctx, e.eventID, CarEntries{CarNumber: car})
		}
	}
	return nil
}

// indexByCar buckets entries by lower-cased car number. Entries without an
// assigned car land in the empty-key bucket. Two-car entries index under the
// penalized car.
func indexByCar(entries []Entry) map[string][]Entry {
	out := map[string][]Entry{}
	for _, entry := range entries {
		car := penalizedCar(entry)
		out[car] = append(out[car], entry)
	}
	return out
}

// penalizedCar picks the car an entry applies to: the highlighted one, or
// car1 when neither is highlighted.
func penalizedCar(entry Entry) string {
	car := entry.Car1
	if entry.Car2 != "" && entry.IsCar2Highlighted && !entry.IsCar1Highlighted {
		car = entry.Car2
	}
	return strings.ToLower(strings.TrimSpace(car))
}

// Penalties computes the car's warning count and penalty lap sum from its
// entries.
func Penalties(entries []Entry, car string) (warnings, laps int) {
	for _, entry := range entries {
		if penalizedCar(entry) != strings.ToLower(car) {
			continue
		}
		if warningPattern.MatchString(entry.PenaltyAction) {
			warnings++
		}
		if m := lapPattern.FindStringSubmatch(entry.PenaltyAction); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				laps += n
			}
		}
	}
	return warnings, laps
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
