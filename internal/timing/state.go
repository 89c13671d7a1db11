package timing

import (
	"time"
)

// Flag is the global track state.
type Flag string

const (
	FlagUnknown   Flag = "Unknown"
	FlagGreen     Flag = "Green"
	FlagYellow    Flag = "Yellow"
	FlagRed       Flag = "Red"
	FlagWhite     Flag = "White"
	FlagCheckered Flag = "Checkered"
	FlagPurple35  Flag = "Purple35"
)

// ParseFlagLetter maps an RMonitor flag letter to a Flag. Unrecognized input
// maps to FlagUnknown.
func ParseFlagLetter(s string) Flag {
	trimmed := ""
	for _, r := range s {
		if r != ' ' {
			trimmed = string(r)
			break
		}
	}
	switch trimmed {
	case "G", "g":
		return FlagGreen
	case "Y", "y":
		return FlagYellow
	case "R", "r":
		return FlagRed
	case "W", "w":
		return FlagWhite
	case "C", "c":
		return FlagCheckered
	case "P", "p":
		return FlagPurple35
	default:
		return FlagUnknown
	}
}

// Active reports whether the flag represents a running track state. Purple35
// keeps the session clock live and counts as active.
func (f Flag) Active() bool {
	switch f {
	case FlagGreen, FlagYellow, FlagRed, FlagWhite, FlagPurple35:
		return true
	default:
		return false
	}
}

// FlagDuration is one contiguous segment of track state. EndTime is nil while
// the segment is open; at most one segment per session may be open.
type FlagDuration struct {
	Flag      Flag       `json:"flag"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

// FlagMetrics carries multiloop $F counters.
type FlagMetrics struct {
	GreenTime        string `json:"greenTime,omitempty"`
	GreenLaps        int    `json:"greenLaps,omitempty"`
	YellowTime       string `json:"yellowTime,omitempty"`
	YellowLaps       int    `json:"yellowLaps,omitempty"`
	NumberOfYellows  int    `json:"numberOfYellows,omitempty"`
	RedTime          string `json:"redTime,omitempty"`
	RedLaps          int    `json:"redLaps,omitempty"`
	AverageRaceSpeed string `json:"averageRaceSpeed,omitempty"`
	LeadChanges      int    `json:"leadChanges,omitempty"`
}

// EventEntry is one roster line.
type EventEntry struct {
	Number string `json:"number"`
	Name   string `json:"name"`
	Team   string `json:"team,omitempty"`
	Class  string `json:"class,omitempty"`
}

// CompletedSection is one track section a car has completed on its current lap.
type CompletedSection struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Elapsed         string `json:"elapsed,omitempty"`
	LastSectionTime string `json:"lastSectionTime,omitempty"`
	LastLap         int    `json:"lastLap,omitempty"`
}

// Announcement is a multiloop $A record, replaced by id.
type Announcement struct {
	ID       string `json:"id"`
	Priority string `json:"priority,omitempty"`
	Text     string `json:"text"`
}

// CarPosition is the authoritative per-car state within a session.
type CarPosition struct {
	Number        string `json:"number"`
	TransponderID string `json:"transponderId,omitempty"`
	DriverName    string `json:"driverName,omitempty"`
	Class         string `json:"class,omitempty"`

	OverallPosition  int    `json:"overallPosition,omitempty"`
	ClassPosition    int    `json:"classPosition,omitempty"`
	LastLapCompleted int    `json:"lastLapCompleted,omitempty"`
	TotalTime        string `json:"totalTime,omitempty"`
	LastLapTime      string `json:"lastLapTime,omitempty"`
	BestTime         string `json:"bestTime,omitempty"`
	TrackFlag        Flag   `json:"trackFlag,omitempty"`

	OverallGap                   string `json:"overallGap,omitempty"`
	OverallDifference            string `json:"overallDifference,omitempty"`
	InClassGap                   string `json:"inClassGap,omitempty"`
	InClassDifference            string `json:"inClassDifference,omitempty"`
	IsBestTime                   bool   `json:"isBestTime,omitempty"`
	IsBestTimeClass              bool   `json:"isBestTimeClass,omitempty"`
	OverallStartingPosition      int    `json:"overallStartingPosition,omitempty"`
	InClassStartingPosition      int    `json:"inClassStartingPosition,omitempty"`
	OverallPositionsGained       int    `json:"overallPositionsGained,omitempty"`
	InClassPositionsGained       int    `json:"inClassPositionsGained,omitempty"`
	IsOverallMostPositionsGained bool   `json:"isOverallMostPositionsGained,omitempty"`
	IsClassMostPositionsGained   bool   `json:"isClassMostPositionsGained,omitempty"`

	IsInPit          bool   `json:"isInPit,omitempty"`
	IsEnteredPit     bool   `json:"isEnteredPit,omitempty"`
	IsExitedPit      bool   `json:"isExitedPit,omitempty"`
	IsPitStartFinish bool   `json:"isPitStartFinish,omitempty"`
	LastLoopName     string `json:"lastLoopName,omitempty"`
	PitStopCount     int    `json:"pitStopCount,omitempty"`
	LastLapPitted    int    `json:"lastLapPitted,omitempty"`
	LapIncludedPit   bool   `json:"lapIncludedPit,omitempty"`

	CompletedSections []CompletedSection `json:"completedSections,omitempty"`

	CurrentStatus    string `json:"currentStatus,omitempty"`
	ProjectedLapTime string `json:"projectedLapTime,omitempty"`
	IsFastestPace    bool   `json:"isFastestPace,omitempty"`
	PenaltyWarnings  int    `json:"penaltyWarnings,omitempty"`
	PenaltyLaps      int    `json:"penaltyLaps,omitempty"`
}

// Clone returns a deep copy of the car position.
func (c CarPosition) Clone() CarPosition {
	out := c
	if c.CompletedSections != nil {
		out.CompletedSections = append([]CompletedSection(nil), c.CompletedSections...)
	}
	return out
}

// SessionState is the single authoritative state for the live session.
type SessionState struct {
	EventID     string `json:"eventId"`
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName,omitempty"`

	LocalTimeOfDay  string `json:"localTimeOfDay,omitempty"`
	RunningRaceTime string `json:"runningRaceTime,omitempty"`
	TimeToGo        string `json:"timeToGo,omitempty"`
	LapsToGo        int    `json:"lapsToGo,omitempty"`

	CurrentFlag   Flag           `json:"currentFlag"`
	FlagMetrics   FlagMetrics    `json:"flagMetrics"`
	FlagDurations []FlagDuration `json:"flagDurations,omitempty"`

	EventEntries  []EventEntry   `json:"eventEntries,omitempty"`
	CarPositions  []CarPosition  `json:"carPositions,omitempty"`
	Announcements []Announcement `json:"announcements,omitempty"`

	TrackName     string `json:"trackName,omitempty"`
	TrackSections int    `json:"trackSections,omitempty"`
}

// Clone returns a deep copy of the session state.
func (s SessionState) Clone() SessionState {
	out := s
	if s.FlagDurations != nil {
		out.FlagDurations = make([]FlagDuration, len(s.FlagDurations))
		for i, fd := range s.FlagDurations {
			out.FlagDurations[i] = fd
			if fd.EndTime != nil {
				end := *fd.EndTime
				out.FlagDurations[i].EndTime = &end
			}
		}
	}
	if s.EventEntries != nil {
		out.EventEntries = append([]EventEntry(nil), s.EventEntries...)
	}
	if s.CarPositions != nil {
		out.CarPositions = make([]CarPosition, len(s.CarPositions))
		for i, c := range s.CarPositions {
			out.CarPositions[i] = c.Clone()
		}
	}
	if s.Announcements != nil {
		out.Announcements = append([]Announcement(nil), s.Announcements...)
	}
	return out
}

// Car returns the car with the given number, if present.
func (s *SessionState) Car(number string) (*CarPosition, bool) {
	for i := range s.CarPositions {
		if s.CarPositions[i].Number == number {
			return &s.CarPositions[i], true
		}
	}
	return nil, false
}

// LeaderLap returns the last completed lap of the overall leader, or the
// maximum completed lap when no car holds position one yet.
func (s *SessionState) LeaderLap() int {
	maxLap := 0
	for i := range s.CarPositions {
		if s.CarPositions[i].OverallPosition == 1 {
			return s.CarPositions[i].LastLapCompleted
		}
		if s.CarPositions[i].LastLapCompleted > maxLap {
			maxLap = s.CarPositions[i].LastLapCompleted
		}
	}
	return maxLap
}
