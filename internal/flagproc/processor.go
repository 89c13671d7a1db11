// Package flagproc maintains the current flag and the durable flag segments.
// Segments live in the flag log; the in-memory list is always replaced from
// the store after a write so both views agree.
package flagproc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

// FlagStore is the slice of the store the processor uses.
type FlagStore interface {
	FlagRows(ctx context.Context, eventID, sessionID string) ([]store.FlagLog, error)
	CloseFlagRow(ctx context.Context, id uint, end time.Time) error
	AddFlagRow(ctx context.Context, row store.FlagLog) error
}

// Sessions is the slice of the session context the processor mutates.
type Sessions interface {
	SessionRef() (eventID, sessionID, sessionName string)
	ReplaceFlagDurations(durations []timing.FlagDuration, current timing.Flag)
}

// Config configures the processor.
type Config struct {
	Store    FlagStore
	Sessions Sessions
	Logger   zerolog.Logger
}

// Processor applies flag messages and observed transitions to the flag log.
type Processor struct {
	store    FlagStore
	sessions Sessions
	logger   zerolog.Logger

	lastFlag timing.Flag
}

// New creates the flag processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions is required")
	}
	return &Processor{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		logger:   cfg.Logger.With().Str("component", "flagproc").Logger(),
		lastFlag: timing.FlagUnknown,
	}, nil
}

// Process applies one flags message: a serialized duration list from the
// relay. Matching open rows are back-filled, rows overtaken by a newer start
// are auto-closed, and unseen durations are inserted. The returned patch
// carries the reloaded list and the derived current flag.
func (p *Processor) Process(ctx context.Context, data []byte) (timing.SessionStatePatch, error) {
	eventID, sessionID, _ := p.sessions.SessionRef()

	var incoming []timing.FlagDuration
	if err := json.Unmarshal(data, &incoming); err != nil {
		return timing.SessionStatePatch{}, fmt.Errorf("decoding flag durations: %w", err)
	}

	rows, err := p.store.FlagRows(ctx, eventID, sessionID)
	if err != nil {
		return timing.SessionStatePatch{}, err
	}

	for _, row := range rows {
		if row.EndTime != nil {
			continue
		}
		if end, ok := closesRow(row, incoming); ok {
			if err := p.store.CloseFlagRow(ctx, row.ID, end); err != nil {
				p.logger.Error().Err(err).Msg("closing flag row")
			}
		}
	}

	for _, d := range incoming {
		if hasRow(rows, d) {
			continue
		}
		row := store.FlagLog{
			EventID:   eventID,
			SessionID: sessionID,
			Flag:      d.Flag,
			StartTime: d.StartTime,
			EndTime:   d.EndTime,
		}
		if err := p.store.AddFlagRow(ctx, row); err != nil {
			p.logger.Error().Err(err).Msg("adding flag row")
		}
	}

	return p.reload(ctx, eventID, sessionID)
}

// Transition records an observed heartbeat flag change at the given time:
// the open segment closes and a new one opens.
func (p *Processor) Transition(ctx context.Context, flag timing.Flag, at time.Time) (timing.SessionStatePatch, bool, error) {
	if flag == p.lastFlag || flag == timing.FlagUnknown {
		return timing.SessionStatePatch{}, false, nil
	}
	p.lastFlag = flag
	eventID, sessionID, _ := p.sessions.SessionRef()

	rows, err := p.store.FlagRows(ctx, eventID, sessionID)
	if err != nil {
		return timing.SessionStatePatch{}, false, err
	}
	for _, row := range rows {
		if row.EndTime == nil {
			if err := p.store.CloseFlagRow(ctx, row.ID, at); err != nil {
				p.logger.Error().Err(err).Msg("closing flag row on transition")
			}
		}
	}
	row := store.FlagLog{EventID: eventID, SessionID: sessionID, Flag: flag, StartTime: at}
	if err := p.store.AddFlagRow(ctx, row); err != nil {
		return timing.SessionStatePatch{}, false, err
	}

	patch, err := p.reload(ctx, eventID, sessionID)
	if err != nil {
		return timing.SessionStatePatch{}, false, err
	}
	return patch, true, nil
}

// Reset clears the transition tracker, used on session change.
func (p *Processor) Reset() {
	p.lastFlag = timing.FlagUnknown
}

func (p *Processor) reload(ctx context.Context, eventID, sessionID string) (timing.SessionStatePatch, error) {
	rows, err := p.store.FlagRows(ctx, eventID, sessionID)
	if err != nil {
		return timing.SessionStatePatch{}, err
	}
	durations := make([]timing.FlagDuration, 0, len(rows))
	current := timing.FlagUnknown
	for _, row := range rows {
		durations = append(durations, timing.FlagDuration{
			Flag:      row.Flag,
			StartTime: row.StartTime,
			EndTime:   row.EndTime,
		})
		if row.EndTime == nil {
			current = row.Flag
		}
	}
	p.sessions.ReplaceFlagDurations(durations, current)

	patch := timing.SessionStatePatch{EventID: eventID, SessionID: sessionID}
	patch.FlagDurations = &durations
	patch.CurrentFlag = &current
	return patch, nil
}

// closesRow finds the end time an incoming duration supplies for an open row.
// A closed duration with matching (flag, start) back-fills directly; a newer
// start auto-closes the row at that start.
func closesRow(row store.FlagLog, incoming []timing.FlagDuration) (time.Time, bool) {
	for _, d := range incoming {
		if d.Flag == row.Flag && d.StartTime.Equal(row.StartTime) && d.EndTime != nil {
			return *d.EndTime, true
		}
	}
	var earliest time.Time
	found := false
	for _, d := range incoming {
		if !d.StartTime.After(row.StartTime) {
			continue
		}
		if !found || d.StartTime.Before(earliest) {
			earliest = d.StartTime
			found = true
		}
	}
	return earliest, found
}

func hasRow(rows []store.FlagLog, d timing.FlagDuration) bool {
	for _, row := range rows {
		if row.Flag == d.Flag && row.StartTime.Equal(d.StartTime) {
			return true
		}
	}
	return false
}
