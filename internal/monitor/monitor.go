// Package monitor tracks the session lifecycle and writes the final
// SessionResult artifact on completion.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/controllog"
	"github.com/gridwire/racetiming/internal/metrics"
	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

// Phase is the lifecycle state of the live session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLive
	PhaseFinishing
	PhaseFinalized
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLive:
		return "live"
	case PhaseFinishing:
		return "finishing"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Sessions is the slice of the session context the monitor reads.
type Sessions interface {
	Snapshot() timing.SessionState
}

// ResultStore persists lifecycle writes.
type ResultStore interface {
	MarkSessionEnded(ctx context.Context, eventID, sessionID string, end time.Time) error
	TouchSessionUpdated(ctx context.Context, eventID, sessionID string, at time.Time) error
	SaveSessionResult(ctx context.Context, result store.SessionResult) (store.UpsertOutcome, error)
}

// ControlLogs supplies the per-car control-log index included in the final
// artifact.
type ControlLogs interface {
	Entries() map[string][]controllog.Entry
}

// Config configures the monitor.
type Config struct {
	Sessions Sessions
	Store    ResultStore
	// ControlLogs, when set, is snapshotted into the SessionResult.
	ControlLogs ControlLogs
	Logger      zerolog.Logger
	// LapTimeout finalizes a finishing session after this long without a lap
	// increment. Zero means 60 s.
	LapTimeout time.Duration
	// TouchDebounce coalesces last-updated writes. Zero means 1.5 s.
	TouchDebounce time.Duration
	// Now is injectable for tests.
	Now func() time.Time
}

// Monitor runs the Idle, Live, Finishing, Finalized state machine.
type Monitor struct {
	sessions    Sessions
	store       ResultStore
	controlLogs ControlLogs
	logger      zerolog.Logger
	lapTimeout  time.Duration
	now         func() time.Time

	mu               sync.Mutex
	phase            Phase
	prevFlag         timing.Flag
	prevWallClock    string
	lapSnapshot      map[string]int
	lastLapIncrement time.Time
	sessionStart     *time.Time

	touch func(func())
}

// New creates the session monitor.
func New(cfg Config) (*Monitor, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.LapTimeout <= 0 {
		cfg.LapTimeout = 60 * time.Second
	}
	if cfg.TouchDebounce <= 0 {
		cfg.TouchDebounce = 1500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		sessions:    cfg.Sessions,
		store:       cfg.Store,
		controlLogs: cfg.ControlLogs,
		logger:      cfg.Logger.With().Str("component", "monitor").Logger(),
		lapTimeout:  cfg.LapTimeout,
		now:         cfg.Now,
		phase:       PhaseIdle,
		prevFlag:    timing.FlagUnknown,
		touch:       debounce.New(cfg.TouchDebounce),
	}, nil
}

// Phase returns the current lifecycle phase.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// NotifySessionChanged restarts the machine for a new session.
func (m *Monitor) NotifySessionChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseLive
	m.prevFlag = timing.FlagUnknown
	m.prevWallClock = ""
	m.lapSnapshot = nil
	start := m.now()
	m.sessionStart = &start
	metrics.SessionPhase.Set(float64(PhaseLive))
	m.logger.Info().Msg("session live")
}

// NoteActivity records that state changed; the last-updated stamp is written
// on a debounce.
func (m *Monitor) NoteActivity(ctx context.Context, eventID, sessionID string) {
	m.touch(func() {
		if err := m.store.TouchSessionUpdated(ctx, eventID, sessionID, m.now()); err != nil {
			m.logger.Error().Err(err).Msg("touching session")
		}
	})
}

// Tick advances the state machine against the current snapshot.
func (m *Monitor) Tick(ctx context.Context) {
	state := m.sessions.Snapshot()
	now := m.now()

	m.mu.Lock()
	phase := m.phase
	prevFlag := m.prevFlag
	m.prevFlag = state.CurrentFlag

	switch phase {
	case PhaseIdle:
		if state.CurrentFlag != timing.FlagUnknown && state.SessionID != "" {
			m.phase = PhaseLive
			if m.sessionStart == nil {
				start := now
				m.sessionStart = &start
			}
			metrics.SessionPhase.Set(float64(PhaseLive))
			m.logger.Info().Str("flag", string(state.CurrentFlag)).Msg("session live")
		}
		m.mu.Unlock()
		return

	case PhaseLive:
		if state.CurrentFlag == timing.FlagCheckered && finishingFrom(prevFlag) {
			m.phase = PhaseFinishing
			m.lapSnapshot = lapCounts(state)
			m.lastLapIncrement = now
			m.prevWallClock = state.LocalTimeOfDay
			metrics.SessionPhase.Set(float64(PhaseFinishing))
			m.logger.Info().Msg("session finishing")
		}
		m.mu.Unlock()
		return

	case PhaseFinishing:
		if lapsAdvanced(m.lapSnapshot, state) {
			m.lapSnapshot = lapCounts(state)
			m.lastLapIncrement = now
		}
		wallStalled := state.LocalTimeOfDay != "" && state.LocalTimeOfDay == m.prevWallClock
		m.prevWallClock = state.LocalTimeOfDay
		lapsQuiet := now.Sub(m.lastLapIncrement) >= m.lapTimeout
		m.mu.Unlock()
		if wallStalled || lapsQuiet {
			m.Finalize(ctx, state)
		}
		return

	default:
		m.mu.Unlock()
	}
}

// Finalize irrevocably ends the session: clears the live flag, stamps the end
// time, and writes the SessionResult. Safe to call more than once; the store
// rejects less complete snapshots. Partial finalization is preferred to none.
func (m *Monitor) Finalize(ctx context.Context, state timing.SessionState) {
	m.mu.Lock()
	if m.phase == PhaseFinalized {
		m.mu.Unlock()
		return
	}
	m.phase = PhaseFinalized
	start := m.sessionStart
	m.mu.Unlock()
	metrics.SessionPhase.Set(float64(PhaseFinalized))

	now := m.now()
	if err := m.store.MarkSessionEnded(ctx, state.EventID, state.SessionID, now); err != nil {
		m.logger.Error().Err(err).Msg("marking session ended")
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		m.logger.Error().Err(err).Msg("encoding final state")
		return
	}
	result := store.SessionResult{
		EventID:      state.EventID,
		SessionID:    state.SessionID,
		Start:        start,
		SessionState: stateJSON,
	}
	if m.controlLogs != nil {
		if logs := m.controlLogs.Entries(); len(logs) > 0 {
			if data, merr := json.Marshal(logs); merr == nil {
				result.ControlLogs = data
			} else {
				m.logger.Error().Err(merr).Msg("encoding control logs")
			}
		}
	}
	outcome, err := m.store.SaveSessionResult(ctx, result)
	if err != nil {
		m.logger.Error().Err(err).Msg("saving session result")
		return
	}
	m.logger.Info().Int("outcome", int(outcome)).Msg("session finalized")
}

// HandleShutdownSignal finalizes immediately when the shutdown signal names
// this event.
func (m *Monitor) HandleShutdownSignal(ctx context.Context, eventID string) {
	state := m.sessions.Snapshot()
	if state.EventID != eventID {
		return
	}
	m.Finalize(ctx, state)
}

// finishingFrom reports whether a checkered flag ends the race from this
// flag. A checkered after a red is a stoppage being cleared, not a finish.
func finishingFrom(f timing.Flag) bool {
	switch f {
	case timing.FlagWhite, timing.FlagGreen, timing.FlagYellow, timing.FlagPurple35:
		return true
	default:
		return false
	}
}

func lapCounts(state timing.SessionState) map[string]int {
	out := make(map[string]int, len(state.CarPositions))
	for i := range state.CarPositions {
		out[state.CarPositions[i].Number] = state.CarPositions[i].LastLapCompleted
	}
	return out
}

func lapsAdvanced(snapshot map[string]int, state timing.SessionState) bool {
	for i := range state.CarPositions {
		car := &state.CarPositions[i]
		if prev, ok := snapshot[car.Number]; ok && car.LastLapCompleted > prev {
			return true
		}
	}
	return false
}
