// Package aggregate fans consolidated batches out to subscriber groups and
// mirrors the last payload for full-status replay.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/consolidate"
	"github.com/gridwire/racetiming/internal/metrics"
	"github.com/gridwire/racetiming/internal/timing"
)

// Payload is the legacy full-payload envelope: only the updated car
// positions, never the roster.
type Payload struct {
	EventID            string               `json:"eventId"`
	SessionID          string               `json:"sessionId"`
	CarPositionUpdates []timing.CarPosition `json:"carPositionUpdates"`
}

// Sessions is the slice of the session context the aggregator reads.
type Sessions interface {
	SessionRef() (eventID, sessionID, sessionName string)
	GetCarByNumber(number string) (timing.CarPosition, bool)
}

// Pusher is the slice of the hub the aggregator sends through.
type Pusher interface {
	ReceiveSessionPatch(ctx context.Context, eventID string, p timing.SessionStatePatch)
	ReceiveCarPatches(ctx context.Context, eventID string, patches []timing.CarPositionPatch)
	ReceiveMessage(ctx context.Context, eventID string, payload interface{})
}

// Cache mirrors the last payload for reconnecting clients.
type Cache interface {
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config configures the aggregator.
type Config struct {
	Sessions Sessions
	Hub      Pusher
	Cache    Cache
	Logger   zerolog.Logger
	// CacheTTL bounds the replay mirror. Zero means 30 s.
	CacheTTL time.Duration
}

// Aggregator serializes batches to subscribers.
type Aggregator struct {
	sessions Sessions
	hub      Pusher
	cache    Cache
	logger   zerolog.Logger
	cacheTTL time.Duration
}

// New creates the aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Aggregator{
		sessions: cfg.Sessions,
		hub:      cfg.Hub,
		cache:    cfg.Cache,
		logger:   cfg.Logger.With().Str("component", "aggregate").Logger(),
		cacheTTL: cfg.CacheTTL,
	}, nil
}

// Broadcast sends one consolidated batch: patches to the subscriber group,
// the legacy payload to the compatibility group, and the replay mirror to the
// cache.
func (a *Aggregator) Broadcast(ctx context.Context, batch consolidate.Batch) {
	eventID, sessionID, _ := a.sessions.SessionRef()

	if !batch.Session.Empty() {
		batch.Session.EventID = eventID
		batch.Session.SessionID = sessionID
		a.hub.ReceiveSessionPatch(ctx, eventID, batch.Session)
	}
	if len(batch.Cars) > 0 {
		a.hub.ReceiveCarPatches(ctx, eventID, batch.Cars)
	}

	payload := Payload{EventID: eventID, SessionID: sessionID}
	for _, patch := range batch.Cars {
		if car, ok := a.sessions.GetCarByNumber(patch.Number); ok {
			payload.CarPositionUpdates = append(payload.CarPositionUpdates, car)
		}
	}
	if len(payload.CarPositionUpdates) > 0 {
		a.hub.ReceiveMessage(ctx, eventID, payload)
	}

	if a.cache != nil && len(payload.CarPositionUpdates) > 0 {
		if data, err := json.Marshal(payload); err == nil {
			if err := a.cache.SetCache(ctx, broker.PayloadKey(eventID), data, a.cacheTTL); err != nil {
				a.logger.Warn().Err(err).Msg("mirroring payload for replay")
			}
		}
	}
	metrics.BatchesBroadcast.Inc()
}
