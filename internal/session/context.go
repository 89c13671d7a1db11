// Package session owns the single authoritative SessionState for the event
// process. All mutations run under the write lock; background loops snapshot
// under the read lock and never mutate directly.
package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gridwire/racetiming/internal/timing"
)

// Context is the process-wide authoritative session state.
type Context struct {
	mu sync.RWMutex

	state    timing.SessionState
	previous *timing.SessionState

	classByID        map[string]string
	transponderToCar map[string]string

	overallStart map[string]int
	inClassStart map[string]int

	multiloopActive bool
}

// NewContext creates the session context for one event process.
func NewContext(eventID, sessionID, sessionName string) (*Context, error) {
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}
	return &Context{
		state: timing.SessionState{
			EventID:     eventID,
			SessionID:   sessionID,
			SessionName: sessionName,
			CurrentFlag: timing.FlagUnknown,
		},
		classByID:        map[string]string{},
		transponderToCar: map[string]string{},
		overallStart:     map[string]int{},
		inClassStart:     map[string]int{},
	}, nil
}

// Snapshot returns a deep copy of the current state under the read lock.
func (c *Context) Snapshot() timing.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// PreviousSnapshot returns the state snapshotted by the last NewSession call.
func (c *Context) PreviousSnapshot() (timing.SessionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.previous == nil {
		return timing.SessionState{}, false
	}
	return c.previous.Clone(), true
}

// SessionRef returns the current event and session identity.
func (c *Context) SessionRef() (eventID, sessionID, sessionName string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.EventID, c.state.SessionID, c.state.SessionName
}

// ApplySessionPatch writes a session patch onto the authoritative state.
func (c *Context) ApplySessionPatch(p timing.SessionStatePatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.ApplyTo(&c.state)
	if p.EventEntries != nil {
		c.rebuildRosterLocked(*p.EventEntries)
	}
}

// ApplyCarPatch writes a car patch onto the authoritative state, creating the
// car when the running feed reports it before the roster does.
func (c *Context) ApplyCarPatch(p timing.CarPositionPatch) error {
	if p.Number == "" {
		return fmt.Errorf("car number is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	car, ok := c.state.Car(p.Number)
	if !ok {
		c.state.CarPositions = append(c.state.CarPositions, timing.CarPosition{Number: p.Number})
		car = &c.state.CarPositions[len(c.state.CarPositions)-1]
	}
	p.ApplyTo(car)
	if p.TransponderID != nil && *p.TransponderID != "" {
		c.transponderToCar[*p.TransponderID] = p.Number
	}
	return nil
}

// GetCarByNumber returns a copy of the car with the given number.
func (c *Context) GetCarByNumber(number string) (timing.CarPosition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	car, ok := c.state.Car(number)
	if !ok {
		return timing.CarPosition{}, false
	}
	return car.Clone(), true
}

// CarNumberForTransponder resolves a transponder id to a car number.
func (c *Context) CarNumberForTransponder(transponderID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	number, ok := c.transponderToCar[transponderID]
	return number, ok
}

// SetSessionClassMetadata replaces the class id to name map.
func (c *Context) SetSessionClassMetadata(classes map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.classByID = map[string]string{}
	for id, name := range classes {
		c.classByID[id] = name
	}
}

// ClassName resolves a class id to its display name, falling back to the id.
func (c *Context) ClassName(classID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.classByID[classID]; ok {
		return name
	}
	return classID
}

// SetStartingPosition records a car's starting positions. A position already
// set is never overwritten; capture conditions are enforced by the caller.
func (c *Context) SetStartingPosition(number string, overall, inClass int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.overallStart[number]; !ok && overall > 0 {
		c.overallStart[number] = overall
	}
	if _, ok := c.inClassStart[number]; !ok && inClass > 0 {
		c.inClassStart[number] = inClass
	}
}

// ReplaceStartingPositions installs a complete starting grid, used by the
// multiloop ground truth and the historical reconstruction.
func (c *Context) ReplaceStartingPositions(overall, inClass map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overallStart = map[string]int{}
	for n, p := range overall {
		c.overallStart[n] = p
	}
	c.inClassStart = map[string]int{}
	for n, p := range inClass {
		c.inClassStart[n] = p
	}
}

// StartingPositions returns copies of the starting-position tables.
func (c *Context) StartingPositions() (overall, inClass map[string]int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	overall = make(map[string]int, len(c.overallStart))
	for n, p := range c.overallStart {
		overall[n] = p
	}
	inClass = make(map[string]int, len(c.inClassStart))
	for n, p := range c.inClassStart {
		inClass[n] = p
	}
	return overall, inClass
}

// HasStartingPositions reports whether any starting position is known.
func (c *Context) HasStartingPositions() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.overallStart) > 0
}

// CurrentFlagAndLap returns the track flag and the leader's completed lap.
func (c *Context) CurrentFlagAndLap() (timing.Flag, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.CurrentFlag, c.state.LeaderLap()
}

// NewSession snapshots the live state to the previous-session slot and resets
// the live collections, preserving the roster and event identity.
func (c *Context) NewSession(sessionID, sessionName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state.Clone()
	c.previous = &prev

	entries := c.state.EventEntries
	c.state = timing.SessionState{
		EventID:      c.state.EventID,
		SessionID:    sessionID,
		SessionName:  sessionName,
		CurrentFlag:  timing.FlagUnknown,
		EventEntries: entries,
		TrackName:    c.state.TrackName,
	}
	c.rebuildRosterLocked(entries)
	c.overallStart = map[string]int{}
	c.inClassStart = map[string]int{}
	c.multiloopActive = false
}

// ResetCommand clears running data but keeps the roster and session identity.
func (c *Context) ResetCommand() {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.state.EventEntries
	c.state = timing.SessionState{
		EventID:      c.state.EventID,
		SessionID:    c.state.SessionID,
		SessionName:  c.state.SessionName,
		CurrentFlag:  timing.FlagUnknown,
		EventEntries: entries,
		TrackName:    c.state.TrackName,
	}
	c.rebuildRosterLocked(entries)
	c.overallStart = map[string]int{}
	c.inClassStart = map[string]int{}
}

// ReplaceFlagDurations installs the durable flag segment list and the current
// flag derived from its latest open segment.
func (c *Context) ReplaceFlagDurations(durations []timing.FlagDuration, current timing.Flag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sorted := append([]timing.FlagDuration(nil), durations...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})
	c.state.FlagDurations = sorted
	c.state.CurrentFlag = current
}

// SetMultiloopActive flips the decoder ground-truth flag.
func (c *Context) SetMultiloopActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.multiloopActive = active
}

// MultiloopActive reports whether the multiloop feed drives ground truth.
func (c *Context) MultiloopActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.multiloopActive
}

// rebuildRosterLocked reconciles car positions and the transponder index with
// a replaced roster. Cars already running keep their state; roster metadata
// (name, team, class) is refreshed.
func (c *Context) rebuildRosterLocked(entries []timing.EventEntry) {
	for _, e := range entries {
		car, ok := c.state.Car(e.Number)
		if !ok {
			c.state.CarPositions = append(c.state.CarPositions, timing.CarPosition{Number: e.Number})
			car = &c.state.CarPositions[len(c.state.CarPositions)-1]
		}
		if e.Name != "" {
			car.DriverName = e.Name
		}
		if e.Class != "" {
			car.Class = e.Class
		}
	}
	c.transponderToCar = map[string]string{}
	for i := range c.state.CarPositions {
		if tid := c.state.CarPositions[i].TransponderID; tid != "" {
			c.transponderToCar[tid] = c.state.CarPositions[i].Number
		}
	}
}
