package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/timing"
)

// DriverUpdate is one driver cross-reference record, keyed by car number or by
// transponder depending on the feed it arrived on.
type DriverUpdate struct {
	CarNumber     string `json:"carNumber,omitempty"`
	TransponderID string `json:"transponderId,omitempty"`
	DriverName    string `json:"driverName"`
}

// VideoUpdate is one video cross-reference record for an in-car stream.
type VideoUpdate struct {
	CarNumber     string `json:"carNumber,omitempty"`
	TransponderID string `json:"transponderId,omitempty"`
	Destination   string `json:"destination,omitempty"`
	IsLive        bool   `json:"isLive,omitempty"`
}

// TransponderResolver maps a transponder id to the car currently carrying it.
type TransponderResolver interface {
	CarNumberForTransponder(transponderID string) (string, bool)
}

// VideoPusher pushes video metadata to a car's in-car group.
type VideoPusher interface {
	ReceiveInCarVideoMetadata(ctx context.Context, eventID, carNumber string, payload interface{})
}

// ExternalCache mirrors cross-references for replay to late subscribers.
type ExternalCache interface {
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ExternalConfig configures the external enricher.
type ExternalConfig struct {
	EventID string
	Cars    TransponderResolver
	Hub     VideoPusher
	Cache   ExternalCache
	Logger  zerolog.Logger
	// CacheTTL bounds the replay mirrors. Zero means 30 s.
	CacheTTL time.Duration
}

// External applies driver and video cross-references to the live session.
// Driver names land as car patches; video metadata is pushed straight to the
// in-car group. Both are mirrored to short-TTL cache keys.
type External struct {
	eventID  string
	cars     TransponderResolver
	hub      VideoPusher
	cache    ExternalCache
	logger   zerolog.Logger
	cacheTTL time.Duration

	mu         sync.Mutex
	lastDriver map[string]string
	lastVideo  map[string]VideoUpdate
}

// NewExternal creates the external enricher.
func NewExternal(cfg ExternalConfig) (*External, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if cfg.Cars == nil {
		return nil, fmt.Errorf("cars is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &External{
		eventID:    cfg.EventID,
		cars:       cfg.Cars,
		hub:        cfg.Hub,
		cache:      cfg.Cache,
		logger:     cfg.Logger.With().Str("component", "external-enrich").Logger(),
		cacheTTL:   cfg.CacheTTL,
		lastDriver: map[string]string{},
		lastVideo:  map[string]VideoUpdate{},
	}, nil
}

// HandleDriverEvent consumes a drevt batch keyed by (event, car) and returns
// patches for the cars whose driver changed.
func (e *External) HandleDriverEvent(ctx context.Context, data []byte) ([]timing.CarPositionPatch, error) {
	var updates []DriverUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("decoding driver event batch: %w", err)
	}

	var patches []timing.CarPositionPatch
	for _, u := range updates {
		if u.CarNumber == "" {
			e.logger.Warn().Str("driver", u.DriverName).Msg("driver record without a car number")
			continue
		}
		if patch, changed := e.driverPatch(u.CarNumber, u); changed {
			patches = append(patches, patch)
			e.mirror(ctx, broker.DriverByCarKey(e.eventID, u.CarNumber), u)
			if u.TransponderID != "" {
				e.mirror(ctx, broker.DriverByTransponderKey(u.TransponderID), u)
			}
		}
	}
	return patches, nil
}

// HandleDriverTransponder consumes a drtrans batch keyed by transponder. A
// transponder not on the roster is logged and skipped.
func (e *External) HandleDriverTransponder(ctx context.Context, data []byte) ([]timing.CarPositionPatch, error) {
	var updates []DriverUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("decoding driver transponder batch: %w", err)
	}

	var patches []timing.CarPositionPatch
	for _, u := range updates {
		number, ok := e.cars.CarNumberForTransponder(u.TransponderID)
		if !ok {
			e.logger.Warn().Str("transponder", u.TransponderID).Msg("driver record for unknown transponder")
			continue
		}
		if patch, changed := e.driverPatch(number, u); changed {
			patches = append(patches, patch)
			e.mirror(ctx, broker.DriverByTransponderKey(u.TransponderID), u)
			e.mirror(ctx, broker.DriverByCarKey(e.eventID, number), u)
		}
	}
	return patches, nil
}

// HandleVideo consumes a video batch and pushes changed entries to the in-car
// group of the target car.
func (e *External) HandleVideo(ctx context.Context, data []byte) error {
	var updates []VideoUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return fmt.Errorf("decoding video batch: %w", err)
	}

	for _, u := range updates {
		number := u.CarNumber
		if number == "" {
			resolved, ok := e.cars.CarNumberForTransponder(u.TransponderID)
			if !ok {
				e.logger.Warn().Str("transponder", u.TransponderID).Msg("video record for unknown transponder")
				continue
			}
			number = resolved
		}

		e.mu.Lock()
		prev, seen := e.lastVideo[number]
		changed := !seen || prev != u
		if changed {
			e.lastVideo[number] = u
		}
		e.mu.Unlock()
		if !changed {
			continue
		}

		if e.hub != nil {
			e.hub.ReceiveInCarVideoMetadata(ctx, e.eventID, number, u)
		}
		e.mirror(ctx, broker.VideoKey(e.eventID, number, u.TransponderID), u)
	}
	return nil
}

// ResetSession forgets the change trackers so the next batch fans out fully.
func (e *External) ResetSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastDriver = map[string]string{}
	e.lastVideo = map[string]VideoUpdate{}
}

func (e *External) driverPatch(number string, u DriverUpdate) (timing.CarPositionPatch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, seen := e.lastDriver[number]; seen && prev == u.DriverName {
		return timing.CarPositionPatch{}, false
	}
	e.lastDriver[number] = u.DriverName
	patch := timing.CarPositionPatch{Number: number}
	patch.DriverName = timing.Ptr(u.DriverName)
	return patch, true
}

func (e *External) mirror(ctx context.Context, key string, value interface{}) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := e.cache.SetCache(ctx, key, data, e.cacheTTL); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("mirroring cross-reference")
	}
}
