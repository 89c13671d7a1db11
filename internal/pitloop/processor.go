// Package pitloop classifies transponder passings against loop metadata into
// pit indicators. When the multiloop feed is active this processor is
// bypassed; multiloop line crossings win.
package pitloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

// LoopType is the physical role of a track sensor.
type LoopType string

const (
	LoopPitIn          LoopType = "PitIn"
	LoopPitExit        LoopType = "PitExit"
	LoopPitStartFinish LoopType = "PitStartFinish"
	LoopPitOther       LoopType = "PitOther"
	LoopOther          LoopType = "Other"
)

// Passing is one transponder passing from the x2pass feed.
type Passing struct {
	PassingID   string    `json:"passingId"`
	Transponder string    `json:"transponder"`
	LoopID      string    `json:"loopId"`
	Timestamp   time.Time `json:"timestamp"`
	IsInPit     bool      `json:"isInPit"`
}

type loopMeta struct {
	Name string
	Type LoopType
}

// Cars resolves passings to cars.
type Cars interface {
	CarNumberForTransponder(transponderID string) (string, bool)
	GetCarByNumber(number string) (timing.CarPosition, bool)
}

// LoopStore loads loop definitions.
type LoopStore interface {
	LoopsForEvent(ctx context.Context, eventID string) ([]store.X2Loop, error)
}

// Config configures the processor.
type Config struct {
	EventID string
	Cars    Cars
	Store   LoopStore
	Logger  zerolog.Logger
}

// Processor tracks per-transponder pit membership.
type Processor struct {
	eventID string
	cars    Cars
	store   LoopStore
	logger  zerolog.Logger

	mu          sync.Mutex
	loops       map[string]loopMeta
	inPit       map[string]bool
	pitEntrance map[string]bool
	pitExit     map[string]bool
	pitSf       map[string]bool
	pitOther    map[string]bool
	other       map[string]bool

	lapsWithPit map[string]map[int]bool
}

// New creates the pit/loop processor. Loop metadata is loaded lazily via
// ReloadLoops.
func New(cfg Config) (*Processor, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if cfg.Cars == nil {
		return nil, fmt.Errorf("cars is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Processor{
		eventID:     cfg.EventID,
		cars:        cfg.Cars,
		store:       cfg.Store,
		logger:      cfg.Logger.With().Str("component", "pitloop").Logger(),
		loops:       map[string]loopMeta{},
		inPit:       map[string]bool{},
		pitEntrance: map[string]bool{},
		pitExit:     map[string]bool{},
		pitSf:       map[string]bool{},
		pitOther:    map[string]bool{},
		other:       map[string]bool{},
		lapsWithPit: map[string]map[int]bool{},
	}, nil
}

// ReloadLoops refreshes the loop metadata from the store. Called at startup
// and on EVENT_CONFIGURATION_CHANGED.
func (p *Processor) ReloadLoops(ctx context.Context) error {
	rows, err := p.store.LoopsForEvent(ctx, p.eventID)
	if err != nil {
		return err
	}
	loops := make(map[string]loopMeta, len(rows))
	for _, row := range rows {
		loops[row.LoopID] = loopMeta{Name: row.Name, Type: LoopType(row.Type)}
	}
	p.mu.Lock()
	p.loops = loops
	p.mu.Unlock()
	p.logger.Info().Int("loops", len(loops)).Msg("loop metadata reloaded")
	return nil
}

// HandlePassing applies one x2pass payload and returns the car patch when the
// car's pit indicators changed. Unknown transponders are dropped.
func (p *Processor) HandlePassing(data []byte, currentLap int) (timing.CarPositionPatch, bool, error) {
	var pass Passing
	if err := json.Unmarshal(data, &pass); err != nil {
		return timing.CarPositionPatch{}, false, fmt.Errorf("decoding passing: %w", err)
	}
	if pass.Transponder == "" {
		return timing.CarPositionPatch{}, false, fmt.Errorf("passing transponder is required")
	}

	number, ok := p.cars.CarNumberForTransponder(pass.Transponder)
	if !ok {
		p.logger.Warn().Str("transponder", pass.Transponder).Msg("dropping passing for unknown transponder")
		return timing.CarPositionPatch{}, false, nil
	}
	car, ok := p.cars.GetCarByNumber(number)
	if !ok {
		p.logger.Warn().Str("number", number).Msg("dropping passing for unknown car")
		return timing.CarPositionPatch{}, false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tid := pass.Transponder
	delete(p.inPit, tid)
	delete(p.pitEntrance, tid)
	delete(p.pitExit, tid)
	delete(p.pitSf, tid)
	delete(p.pitOther, tid)
	delete(p.other, tid)

	meta, known := p.loops[pass.LoopID]
	if !known {
		p.logger.Warn().Str("loop", pass.LoopID).Msg("passing on loop without metadata")
		meta = loopMeta{Type: LoopOther}
	}
	if pass.IsInPit {
		p.inPit[tid] = true
	}
	switch meta.Type {
	case LoopPitIn:
		p.pitEntrance[tid] = true
	case LoopPitExit:
		p.pitExit[tid] = true
	case LoopPitStartFinish:
		p.pitSf[tid] = true
	case LoopPitOther:
		p.pitOther[tid] = true
	default:
		p.other[tid] = true
	}

	if pass.IsInPit || meta.Type == LoopPitIn || meta.Type == LoopPitExit || meta.Type == LoopPitOther {
		laps, ok := p.lapsWithPit[number]
		if !ok {
			laps = map[int]bool{}
			p.lapsWithPit[number] = laps
		}
		laps[currentLap] = true
	}

	after := car.Clone()
	after.IsInPit = p.inPit[tid]
	after.IsEnteredPit = p.pitEntrance[tid]
	after.IsExitedPit = p.pitExit[tid]
	after.IsPitStartFinish = p.pitSf[tid]
	after.LastLoopName = meta.Name

	patch := timing.DiffCarPositions(car, after)
	if patch.Empty() {
		return timing.CarPositionPatch{}, false, nil
	}
	return patch, true, nil
}

// LapIncludedPit reports whether the car pitted during the given lap.
func (p *Processor) LapIncludedPit(number string, lap int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lapsWithPit[number][lap]
}

// ResetSession clears all membership and lap tracking for a new session.
func (p *Processor) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inPit = map[string]bool{}
	p.pitEntrance = map[string]bool{}
	p.pitExit = map[string]bool{}
	p.pitSf = map[string]bool{}
	p.pitOther = map[string]bool{}
	p.other = map[string]bool{}
	p.lapsWithPit = map[string]map[int]bool{}
}
