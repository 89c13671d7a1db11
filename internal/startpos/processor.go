// Package startpos reconstructs starting positions from the historical lap
// log, recovering the grid after a mid-session restart.
package startpos

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

// scanLapCeiling bounds the historical scan: the grid is settled within the
// first laps.
const scanLapCeiling = 4

// Sessions is the slice of the session context the processor uses.
type Sessions interface {
	SessionRef() (eventID, sessionID, sessionName string)
	HasStartingPositions() bool
	CurrentFlagAndLap() (timing.Flag, int)
	ReplaceStartingPositions(overall, inClass map[string]int)
}

// LapStore loads historical lap rows.
type LapStore interface {
	LapsInRange(ctx context.Context, eventID, sessionID string, from, to int) ([]store.CarLapLog, error)
}

// Config configures the processor.
type Config struct {
	Sessions Sessions
	Store    LapStore
	Logger   zerolog.Logger
	// Interval between scans. Zero means 15 s.
	Interval time.Duration
}

// Processor runs the background reconstruction loop.
type Processor struct {
	sessions Sessions
	store    LapStore
	logger   zerolog.Logger
	interval time.Duration
}

// New creates the starting-position processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Processor{
		sessions: cfg.Sessions,
		store:    cfg.Store,
		logger:   cfg.Logger.With().Str("component", "startpos").Logger(),
		interval: cfg.Interval,
	}, nil
}

// Run scans on the configured interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Scan(ctx); err != nil {
				p.logger.Error().Err(err).Msg("reconstructing starting positions")
			}
		}
	}
}

// Scan runs one reconstruction attempt. A session that already has starting
// positions, or is not racing yet, is left alone.
func (p *Processor) Scan(ctx context.Context) error {
	if p.sessions.HasStartingPositions() {
		return nil
	}
	flag, lap := p.sessions.CurrentFlagAndLap()
	if lap <= 3 || !raceActive(flag) {
		return nil
	}

	eventID, sessionID, _ := p.sessions.SessionRef()
	rows, err := p.store.LapsInRange(ctx, eventID, sessionID, 0, scanLapCeiling)
	if err != nil {
		return err
	}
	overall, inClass, ok := Reconstruct(rows)
	if !ok {
		return nil
	}
	p.sessions.ReplaceStartingPositions(overall, inClass)
	p.logger.Info().Int("cars", len(overall)).Msg("starting positions reconstructed")
	return nil
}

func raceActive(flag timing.Flag) bool {
	switch flag {
	case timing.FlagGreen, timing.FlagYellow, timing.FlagRed, timing.FlagPurple35:
		return true
	default:
		return false
	}
}

// Reconstruct derives the grid from the early lap rows: the positions on the
// leader's lap just prior to the first Green record become the starting
// positions; in-class positions are the dense ordering within each class.
func Reconstruct(rows []store.CarLapLog) (overall, inClass map[string]int, ok bool) {
	firstGreenLap := -1
	for _, row := range rows {
		if row.Flag == timing.FlagGreen {
			if firstGreenLap == -1 || row.LapNumber < firstGreenLap {
				firstGreenLap = row.LapNumber
			}
		}
	}
	if firstGreenLap <= 0 {
		return nil, nil, false
	}
	gridLap := firstGreenLap - 1

	type gridCar struct {
		number  string
		class   string
		overall int
	}
	var grid []gridCar
	seen := map[string]bool{}
	for _, row := range rows {
		if row.LapNumber != gridLap || seen[row.CarNumber] {
			continue
		}
		var car timing.CarPosition
		if err := json.Unmarshal(row.LapData, &car); err != nil {
			continue
		}
		if car.OverallPosition <= 0 {
			continue
		}
		seen[row.CarNumber] = true
		grid = append(grid, gridCar{number: row.CarNumber, class: car.Class, overall: car.OverallPosition})
	}
	if len(grid) == 0 {
		return nil, nil, false
	}

	overall = make(map[string]int, len(grid))
	for _, g := range grid {
		overall[g.number] = g.overall
	}

	sort.Slice(grid, func(i, j int) bool { return grid[i].overall < grid[j].overall })
	inClass = make(map[string]int, len(grid))
	rank := map[string]int{}
	for _, g := range grid {
		rank[g.class]++
		inClass[g.number] = rank[g.class]
	}
	return overall, inClass, true
}
