// Package incar maintains the per-driver ahead/self/behind quad and pushes
// targeted updates to each car's in-car group.
package incar

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/timing"
)

// CarInfo is one slot of the quad as the in-car display needs it.
type CarInfo struct {
	Number          string      `json:"number"`
	DriverName      string      `json:"driverName,omitempty"`
	Class           string      `json:"class,omitempty"`
	OverallPosition int         `json:"overallPosition,omitempty"`
	ClassPosition   int         `json:"classPosition,omitempty"`
	LastLapTime     string      `json:"lastLapTime,omitempty"`
	BestTime        string      `json:"bestTime,omitempty"`
	TrackFlag       timing.Flag `json:"trackFlag,omitempty"`
	Make            string      `json:"make,omitempty"`
	Engine          string      `json:"engine,omitempty"`
	Team            string      `json:"team,omitempty"`
}

// CarSet is the quad pushed to one driver.
type CarSet struct {
	DriversCar         *CarInfo    `json:"driversCar,omitempty"`
	CarAhead           *CarInfo    `json:"carAhead,omitempty"`
	CarAheadOutOfClass *CarInfo    `json:"carAheadOutOfClass,omitempty"`
	CarBehind          *CarInfo    `json:"carBehind,omitempty"`
	CurrentFlag        timing.Flag `json:"currentFlag"`
}

// CompetitorDetail is the operator-maintained enrichment for one car.
type CompetitorDetail struct {
	Make   string
	Engine string
	Team   string
}

// Pusher is the slice of the hub the processor sends through.
type Pusher interface {
	ReceiveInCarUpdateV2(ctx context.Context, eventID, carNumber string, payload interface{})
}

// Cache mirrors the last payload per car for replay.
type Cache interface {
	SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Config configures the processor.
type Config struct {
	EventID string
	Hub     Pusher
	Cache   Cache
	Logger  zerolog.Logger
	// CacheTTL bounds the replay mirror. Zero means 30 s.
	CacheTTL time.Duration
}

// Processor recomputes and pushes in-car quads.
type Processor struct {
	eventID  string
	hub      Pusher
	cache    Cache
	logger   zerolog.Logger
	cacheTTL time.Duration

	mu       sync.Mutex
	metadata map[string]CompetitorDetail
	last     map[string]CarSet
	lastFlag timing.Flag
}

// New creates the in-car processor.
func New(cfg Config) (*Processor, error) {
	if cfg.EventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Processor{
		eventID:  cfg.EventID,
		hub:      cfg.Hub,
		cache:    cfg.Cache,
		logger:   cfg.Logger.With().Str("component", "incar").Logger(),
		cacheTTL: cfg.CacheTTL,
		metadata: map[string]CompetitorDetail{},
		last:     map[string]CarSet{},
		lastFlag: timing.FlagUnknown,
	}, nil
}

// SetMetadata replaces the competitor enrichment table.
func (p *Processor) SetMetadata(details map[string]CompetitorDetail) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadata = make(map[string]CompetitorDetail, len(details))
	for n, d := range details {
		p.metadata[n] = d
	}
}

// Tick recomputes the quad for every car in the snapshot and pushes the ones
// that changed. A global flag change marks every quad dirty.
func (p *Processor) Tick(ctx context.Context, state timing.SessionState) {
	p.mu.Lock()
	flagChanged := state.CurrentFlag != p.lastFlag
	p.lastFlag = state.CurrentFlag
	p.mu.Unlock()

	for i := range state.CarPositions {
		self := &state.CarPositions[i]
		set := p.buildSet(state, self)

		p.mu.Lock()
		prev, seen := p.last[self.Number]
		dirty := flagChanged || !seen || !equalSets(prev, set)
		if dirty {
			p.last[self.Number] = set
		}
		p.mu.Unlock()
		if !dirty {
			continue
		}

		p.hub.ReceiveInCarUpdateV2(ctx, p.eventID, self.Number, set)
		if p.cache != nil {
			if data, err := json.Marshal(set); err == nil {
				key := broker.InCarDataKey(p.eventID, self.Number)
				if err := p.cache.SetCache(ctx, key, data, p.cacheTTL); err != nil {
					p.logger.Warn().Err(err).Str("number", self.Number).Msg("mirroring in-car payload")
				}
			}
		}
	}
}

// ResetSession drops all cached quads.
func (p *Processor) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = map[string]CarSet{}
	p.lastFlag = timing.FlagUnknown
}

func (p *Processor) buildSet(state timing.SessionState, self *timing.CarPosition) CarSet {
	ahead, _ := lo.Find(state.CarPositions, func(c timing.CarPosition) bool {
		return c.Class == self.Class && self.ClassPosition > 1 && c.ClassPosition == self.ClassPosition-1
	})
	behind, _ := lo.Find(state.CarPositions, func(c timing.CarPosition) bool {
		return c.Class == self.Class && c.ClassPosition == self.ClassPosition+1
	})
	aheadOut, _ := lo.Find(state.CarPositions, func(c timing.CarPosition) bool {
		return c.Class != self.Class && self.OverallPosition > 1 && c.OverallPosition == self.OverallPosition-1
	})

	set := CarSet{
		DriversCar:  p.info(state, *self),
		CurrentFlag: state.CurrentFlag,
	}
	if ahead.Number != "" {
		set.CarAhead = p.info(state, ahead)
	}
	if behind.Number != "" {
		set.CarBehind = p.info(state, behind)
	}
	if aheadOut.Number != "" {
		set.CarAheadOutOfClass = p.info(state, aheadOut)
	}
	return set
}

func (p *Processor) info(state timing.SessionState, car timing.CarPosition) *CarInfo {
	info := &CarInfo{
		Number:          car.Number,
		DriverName:      car.DriverName,
		Class:           car.Class,
		OverallPosition: car.OverallPosition,
		ClassPosition:   car.ClassPosition,
		LastLapTime:     car.LastLapTime,
		BestTime:        car.BestTime,
		TrackFlag:       car.TrackFlag,
	}
	p.mu.Lock()
	detail, ok := p.metadata[car.Number]
	p.mu.Unlock()
	if ok {
		info.Make = detail.Make
		info.Engine = detail.Engine
		info.Team = detail.Team
	}
	if info.Team == "" {
		if entry, found := lo.Find(state.EventEntries, func(e timing.EventEntry) bool { return e.Number == car.Number }); found {
			info.Team = entry.Team
		}
	}
	return info
}

func equalSets(a, b CarSet) bool {
	if a.CurrentFlag != b.CurrentFlag {
		return false
	}
	return equalInfo(a.DriversCar, b.DriversCar) &&
		equalInfo(a.CarAhead, b.CarAhead) &&
		equalInfo(a.CarAheadOutOfClass, b.CarAheadOutOfClass) &&
		equalInfo(a.CarBehind, b.CarBehind)
}

func equalInfo(a, b *CarInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
