// Package laps commits debounced lap completions, writes structured lap
// records to the proc-log stream, and computes projected lap times and the
// fastest-pace flag.
package laps

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/broker"
	"github.com/gridwire/racetiming/internal/timing"
)

// projectionWindow is the rolling lap count projections average over.
const projectionWindow = 5

// LapRecord is the structured lap batch entry written to the proc-log stream
// and consumed by the logger sink.
type LapRecord struct {
	EventID   string             `json:"eventId"`
	SessionID string             `json:"sessionId"`
	CarNumber string             `json:"carNumber"`
	LapNumber int                `json:"lapNumber"`
	Flag      timing.Flag        `json:"flag"`
	Timestamp time.Time          `json:"timestamp"`
	LapData   timing.CarPosition `json:"lapData"`
}

// Sessions is the slice of the session context the processor reads.
type Sessions interface {
	SessionRef() (eventID, sessionID, sessionName string)
	GetCarByNumber(number string) (timing.CarPosition, bool)
	CurrentFlagAndLap() (timing.Flag, int)
}

// Appender writes to the broker's proc-log stream.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]interface{}) error
}

// PitMarker reports whether a car pitted during a lap.
type PitMarker interface {
	LapIncludedPit(number string, lap int) bool
}

// Config configures the lap processor.
type Config struct {
	Sessions Sessions
	Appender Appender
	Pits     PitMarker
	Logger   zerolog.Logger
	// Debounce is the per-car hold window. Zero means 150 ms.
	Debounce time.Duration
	// Emit receives enrichment patches (projection, fastest pace).
	Emit func(timing.CarPositionPatch)
	// Now is injectable for tests.
	Now func() time.Time
}

type carLapState struct {
	debounced    func(func())
	pendingLap   int
	committedLap int

	recentLaps []time.Duration
}

// Processor debounces and commits car laps.
type Processor struct {
	sessions Sessions
	appender Appender
	pits     PitMarker
	logger   zerolog.Logger
	window   time.Duration
	emit     func(timing.CarPositionPatch)
	now      func() time.Time

	mu          sync.Mutex
	cars        map[string]*carLapState
	sessionBest time.Duration
	fastestCar  string

	releases chan string
}

// New creates the lap processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}
	if cfg.Appender == nil {
		return nil, fmt.Errorf("appender is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 150 * time.Millisecond
	}
	if cfg.Emit == nil {
		cfg.Emit = func(timing.CarPositionPatch) {}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		sessions: cfg.Sessions,
		appender: cfg.Appender,
		pits:     cfg.Pits,
		logger:   cfg.Logger.With().Str("component", "laps").Logger(),
		window:   cfg.Debounce,
		emit:     cfg.Emit,
		now:      cfg.Now,
		cars:     map[string]*carLapState{},
		releases: make(chan string, 64),
	}, nil
}

// PitRelease is the channel the pit processor pushes car numbers onto when a
// pit-in arrives just after a lap completion. Held laps for that car commit
// immediately; correctness over latency.
func (p *Processor) PitRelease() chan<- string {
	return p.releases
}

// Run drains the pit-release channel until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case number := <-p.releases:
			p.commit(ctx, number)
		}
	}
}

// LapCompleted registers a lap completion. RMonitor and multiloop both report
// completions; the debounce collapses the duplicates into one commit.
func (p *Processor) LapCompleted(ctx context.Context, number string, lap int) {
	p.mu.Lock()
	state, ok := p.cars[number]
	if !ok {
		state = &carLapState{debounced: debounce.New(p.window)}
		p.cars[number] = state
	}
	if lap <= state.pendingLap {
		p.mu.Unlock()
		return
	}
	state.pendingLap = lap
	debounced := state.debounced
	p.mu.Unlock()

	debounced(func() { p.commit(ctx, number) })
}

// commit writes the held lap for the car and refreshes projections.
func (p *Processor) commit(ctx context.Context, number string) {
	p.mu.Lock()
	state, ok := p.cars[number]
	if !ok || state.pendingLap <= state.committedLap {
		p.mu.Unlock()
		return
	}
	lap := state.pendingLap
	state.committedLap = lap
	p.mu.Unlock()

	car, ok := p.sessions.GetCarByNumber(number)
	if !ok {
		p.logger.Warn().Str("number", number).Msg("dropping lap for unknown car")
		return
	}
	flag, _ := p.sessions.CurrentFlagAndLap()
	if p.pits != nil && p.pits.LapIncludedPit(number, lap) {
		car.LapIncludedPit = true
	}

	eventID, sessionID, _ := p.sessions.SessionRef()
	record := LapRecord{
		EventID:   eventID,
		SessionID: sessionID,
		CarNumber: number,
		LapNumber: lap,
		Flag:      flag,
		Timestamp: p.now(),
		LapData:   car,
	}
	data, err := json.Marshal(record)
	if err != nil {
		p.logger.Error().Err(err).Msg("encoding lap record")
		return
	}
	field := fmt.Sprintf("laps-%s-%s", eventID, sessionID)
	if err := p.appender.Append(ctx, broker.ProcLogStream(eventID), map[string]interface{}{field: data}); err != nil {
		p.logger.Error().Err(err).Str("number", number).Int("lap", lap).Msg("appending lap record")
	}

	p.project(number, car)
}

// project refreshes the car's rolling projection and the fastest-pace flag.
func (p *Processor) project(number string, car timing.CarPosition) {
	lapTime, err := timing.ParseRaceTime(car.LastLapTime)
	if err != nil || lapTime == 0 {
		return
	}

	p.mu.Lock()
	state, ok := p.cars[number]
	if !ok {
		// the session was reset while the lap record was in flight
		p.mu.Unlock()
		return
	}
	state.recentLaps = append(state.recentLaps, lapTime)
	if len(state.recentLaps) > projectionWindow {
		state.recentLaps = state.recentLaps[len(state.recentLaps)-projectionWindow:]
	}
	if best, berr := timing.ParseRaceTime(car.BestTime); berr == nil && best > 0 {
		if p.sessionBest == 0 || best < p.sessionBest {
			p.sessionBest = best
		}
	}
	projected := rollingAverage(state.recentLaps)
	if p.sessionBest > 0 {
		if projected < p.sessionBest/2 {
			projected = p.sessionBest / 2
		}
		if projected > p.sessionBest*2 {
			projected = p.sessionBest * 2
		}
	}

	fastest := p.fastestCar
	bestAverage := time.Duration(0)
	for n, s := range p.cars {
		avg := rollingAverage(s.recentLaps)
		if avg == 0 {
			continue
		}
		if bestAverage == 0 || avg < bestAverage {
			bestAverage = avg
			fastest = n
		}
	}
	previousFastest := p.fastestCar
	p.fastestCar = fastest
	p.mu.Unlock()

	patch := timing.CarPositionPatch{Number: number}
	patch.ProjectedLapTime = timing.Ptr(timing.FormatRaceTime(projected))
	if fastest == number && previousFastest != number {
		patch.IsFastestPace = timing.Ptr(true)
		if previousFastest != "" {
			cleared := timing.CarPositionPatch{Number: previousFastest}
			cleared.IsFastestPace = timing.Ptr(false)
			p.emit(cleared)
		}
	}
	p.emit(patch)
}

// rollingAverage is the mean of the lap window, 0 for an empty window.
func rollingAverage(laps []time.Duration) time.Duration {
	if len(laps) == 0 {
		return 0
	}
	var total time.Duration
	for _, lap := range laps {
		total += lap
	}
	return total / time.Duration(len(laps))
}

// ResetSession drops all held laps and projection history.
func (p *Processor) ResetSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cars = map[string]*carLapState{}
	p.sessionBest = 0
	p.fastestCar = ""
}
