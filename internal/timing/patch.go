package timing

// InvalidPosition is the sentinel emitted for positions-gained when either the
// starting position or the current position is not yet known.
const InvalidPosition = -9999

// Ptr returns a pointer to v, for building sparse patches.
func Ptr[T any](v T) *T {
	return &v
}

// SessionStatePatch is a sparse mirror of SessionState. A present (non-nil)
// field denotes a change.
type SessionStatePatch struct {
	EventID   string `json:"eventId"`
	SessionID string `json:"sessionId"`

	SessionName     *string `json:"sessionName,omitempty"`
	LocalTimeOfDay  *string `json:"localTimeOfDay,omitempty"`
	RunningRaceTime *string `json:"runningRaceTime,omitempty"`
	TimeToGo        *string `json:"timeToGo,omitempty"`
	LapsToGo        *int    `json:"lapsToGo,omitempty"`

	CurrentFlag   *Flag           `json:"currentFlag,omitempty"`
	FlagMetrics   *FlagMetrics    `json:"flagMetrics,omitempty"`
	FlagDurations *[]FlagDuration `json:"flagDurations,omitempty"`

	EventEntries  *[]EventEntry   `json:"eventEntries,omitempty"`
	Announcements *[]Announcement `json:"announcements,omitempty"`

	TrackName     *string `json:"trackName,omitempty"`
	TrackSections *int    `json:"trackSections,omitempty"`
}

// Empty reports whether the patch carries only its identity keys.
func (p SessionStatePatch) Empty() bool {
	return p.SessionName == nil && p.LocalTimeOfDay == nil && p.RunningRaceTime == nil &&
		p.TimeToGo == nil && p.LapsToGo == nil && p.CurrentFlag == nil &&
		p.FlagMetrics == nil && p.FlagDurations == nil && p.EventEntries == nil &&
		p.Announcements == nil && p.TrackName == nil && p.TrackSections == nil
}

// Merge folds a later patch into p. Present fields of the later patch win;
// absent fields preserve p's values.
func (p *SessionStatePatch) Merge(later SessionStatePatch) {
	if later.EventID != "" {
		p.EventID = later.EventID
	}
	if later.SessionID != "" {
		p.SessionID = later.SessionID
	}
	mergeField(&p.SessionName, later.SessionName)
	mergeField(&p.LocalTimeOfDay, later.LocalTimeOfDay)
	mergeField(&p.RunningRaceTime, later.RunningRaceTime)
	mergeField(&p.TimeToGo, later.TimeToGo)
	mergeField(&p.LapsToGo, later.LapsToGo)
	mergeField(&p.CurrentFlag, later.CurrentFlag)
	mergeField(&p.FlagMetrics, later.FlagMetrics)
	mergeField(&p.FlagDurations, later.FlagDurations)
	mergeField(&p.EventEntries, later.EventEntries)
	mergeField(&p.Announcements, later.Announcements)
	mergeField(&p.TrackName, later.TrackName)
	mergeField(&p.TrackSections, later.TrackSections)
}

// ApplyTo writes the patch's present fields onto the state.
func (p SessionStatePatch) ApplyTo(s *SessionState) {
	applyField(&s.SessionName, p.SessionName)
	applyField(&s.LocalTimeOfDay, p.LocalTimeOfDay)
	applyField(&s.RunningRaceTime, p.RunningRaceTime)
	applyField(&s.TimeToGo, p.TimeToGo)
	applyField(&s.LapsToGo, p.LapsToGo)
	applyField(&s.CurrentFlag, p.CurrentFlag)
	applyField(&s.FlagMetrics, p.FlagMetrics)
	applyField(&s.FlagDurations, p.FlagDurations)
	applyField(&s.EventEntries, p.EventEntries)
	applyField(&s.Announcements, p.Announcements)
	applyField(&s.TrackName, p.TrackName)
	applyField(&s.TrackSections, p.TrackSections)
}

// CarPositionPatch is a sparse mirror of CarPosition keyed by car number.
type CarPositionPatch struct {
	Number string `json:"number"`

	TransponderID *string `json:"transponderId,omitempty"`
	DriverName    *string `json:"driverName,omitempty"`
	Class         *string `json:"class,omitempty"`

	OverallPosition  *int    `json:"overallPosition,omitempty"`
	ClassPosition    *int    `json:"classPosition,omitempty"`
	LastLapCompleted *int    `json:"lastLapCompleted,omitempty"`
	TotalTime        *string `json:"totalTime,omitempty"`
	LastLapTime      *string `json:"lastLapTime,omitempty"`
	BestTime         *string `json:"bestTime,omitempty"`
	TrackFlag        *Flag   `json:"trackFlag,omitempty"`

	OverallGap                   *string `json:"overallGap,omitempty"`
	OverallDifference            *string `json:"overallDifference,omitempty"`
	InClassGap                   *string `json:"inClassGap,omitempty"`
	InClassDifference            *string `json:"inClassDifference,omitempty"`
	IsBestTime                   *bool   `json:"isBestTime,omitempty"`
	IsBestTimeClass              *bool   `json:"isBestTimeClass,omitempty"`
	OverallStartingPosition      *int    `json:"overallStartingPosition,omitempty"`
	InClassStartingPosition      *int    `json:"inClassStartingPosition,omitempty"`
	OverallPositionsGained       *int    `json:"overallPositionsGained,omitempty"`
	InClassPositionsGained       *int    `json:"inClassPositionsGained,omitempty"`
	IsOverallMostPositionsGained *bool   `json:"isOverallMostPositionsGained,omitempty"`
	IsClassMostPositionsGained   *bool   `json:"isClassMostPositionsGained,omitempty"`

	IsInPit          *bool   `json:"isInPit,omitempty"`
	IsEnteredPit     *bool   `json:"isEnteredPit,omitempty"`
	IsExitedPit      *bool   `json:"isExitedPit,omitempty"`
	IsPitStartFinish *bool   `json:"isPitStartFinish,omitempty"`
	LastLoopName     *string `json:"lastLoopName,omitempty"`
	PitStopCount     *int    `json:"pitStopCount,omitempty"`
	LastLapPitted    *int    `json:"lastLapPitted,omitempty"`
	LapIncludedPit   *bool   `json:"lapIncludedPit,omitempty"`

	CompletedSections *[]CompletedSection `json:"completedSections,omitempty"`

	CurrentStatus    *string `json:"currentStatus,omitempty"`
	ProjectedLapTime *string `json:"projectedLapTime,omitempty"`
	IsFastestPace    *bool   `json:"isFastestPace,omitempty"`
	PenaltyWarnings  *int    `json:"penaltyWarnings,omitempty"`
	PenaltyLaps      *int    `json:"penaltyLaps,omitempty"`
}

// Empty reports whether the patch carries only its identity key.
func (p CarPositionPatch) Empty() bool {
	return p.TransponderID == nil && p.DriverName == nil && p.Class == nil &&
		p.OverallPosition == nil && p.ClassPosition == nil && p.LastLapCompleted == nil &&
		p.TotalTime == nil && p.LastLapTime == nil && p.BestTime == nil && p.TrackFlag == nil &&
		p.OverallGap == nil && p.OverallDifference == nil && p.InClassGap == nil &&
		p.InClassDifference == nil && p.IsBestTime == nil && p.IsBestTimeClass == nil &&
		p.OverallStartingPosition == nil && p.InClassStartingPosition == nil &&
		p.OverallPositionsGained == nil && p.InClassPositionsGained == nil &&
		p.IsOverallMostPositionsGained == nil && p.IsClassMostPositionsGained == nil &&
		p.IsInPit == nil && p.IsEnteredPit == nil && p.IsExitedPit == nil &&
		p.IsPitStartFinish == nil && p.LastLoopName == nil && p.PitStopCount == nil &&
		p.LastLapPitted == nil && p.LapIncludedPit == nil && p.CompletedSections == nil &&
		p.CurrentStatus == nil && p.ProjectedLapTime == nil && p.IsFastestPace == nil &&
		p.PenaltyWarnings == nil && p.PenaltyLaps == nil
}

// Merge folds a later patch into p, field-last-wins.
func (p *CarPositionPatch) Merge(later CarPositionPatch) {
	if later.Number != "" {
		p.Number = later.Number
	}
	mergeField(&p.TransponderID, later.TransponderID)
	mergeField(&p.DriverName, later.DriverName)
	mergeField(&p.Class, later.Class)
	mergeField(&p.OverallPosition, later.OverallPosition)
	mergeField(&p.ClassPosition, later.ClassPosition)
	mergeField(&p.LastLapCompleted, later.LastLapCompleted)
	mergeField(&p.TotalTime, later.TotalTime)
	mergeField(&p.LastLapTime, later.LastLapTime)
	mergeField(&p.BestTime, later.BestTime)
	mergeField(&p.TrackFlag, later.TrackFlag)
	mergeField(&p.OverallGap, later.OverallGap)
	mergeField(&p.OverallDifference, later.OverallDifference)
	mergeField(&p.InClassGap, later.InClassGap)
	mergeField(&p.InClassDifference, later.InClassDifference)
	mergeField(&p.IsBestTime, later.IsBestTime)
	mergeField(&p.IsBestTimeClass, later.IsBestTimeClass)
	mergeField(&p.OverallStartingPosition, later.OverallStartingPosition)
	mergeField(&p.InClassStartingPosition, later.InClassStartingPosition)
	mergeField(&p.OverallPositionsGained, later.OverallPositionsGained)
	mergeField(&p.InClassPositionsGained, later.InClassPositionsGained)
	mergeField(&p.IsOverallMostPositionsGained, later.IsOverallMostPositionsGained)
	mergeField(&p.IsClassMostPositionsGained, later.IsClassMostPositionsGained)
	mergeField(&p.IsInPit, later.IsInPit)
	mergeField(&p.IsEnteredPit, later.IsEnteredPit)
	mergeField(&p.IsExitedPit, later.IsExitedPit)
	mergeField(&p.IsPitStartFinish, later.IsPitStartFinish)
	mergeField(&p.LastLoopName, later.LastLoopName)
	mergeField(&p.PitStopCount, later.PitStopCount)
	mergeField(&p.LastLapPitted, later.LastLapPitted)
	mergeField(&p.LapIncludedPit, later.LapIncludedPit)
	mergeField(&p.CompletedSections, later.CompletedSections)
	mergeField(&p.CurrentStatus, later.CurrentStatus)
	mergeField(&p.ProjectedLapTime, later.ProjectedLapTime)
	mergeField(&p.IsFastestPace, later.IsFastestPace)
	mergeField(&p.PenaltyWarnings, later.PenaltyWarnings)
	mergeField(&p.PenaltyLaps, later.PenaltyLaps)
}

// ApplyTo writes the patch's present fields onto the car.
func (p CarPositionPatch) ApplyTo(c *CarPosition) {
	if p.Number != "" {
		c.Number = p.Number
	}
	applyField(&c.TransponderID, p.TransponderID)
	applyField(&c.DriverName, p.DriverName)
	applyField(&c.Class, p.Class)
	applyField(&c.OverallPosition, p.OverallPosition)
	applyField(&c.ClassPosition, p.ClassPosition)
	applyField(&c.LastLapCompleted, p.LastLapCompleted)
	applyField(&c.TotalTime, p.TotalTime)
	applyField(&c.LastLapTime, p.LastLapTime)
	applyField(&c.BestTime, p.BestTime)
	applyField(&c.TrackFlag, p.TrackFlag)
	applyField(&c.OverallGap, p.OverallGap)
	applyField(&c.OverallDifference, p.OverallDifference)
	applyField(&c.InClassGap, p.InClassGap)
	applyField(&c.InClassDifference, p.InClassDifference)
	applyField(&c.IsBestTime, p.IsBestTime)
	applyField(&c.IsBestTimeClass, p.IsBestTimeClass)
	applyField(&c.OverallStartingPosition, p.OverallStartingPosition)
	applyField(&c.InClassStartingPosition, p.InClassStartingPosition)
	applyField(&c.OverallPositionsGained, p.OverallPositionsGained)
	applyField(&c.InClassPositionsGained, p.InClassPositionsGained)
	applyField(&c.IsOverallMostPositionsGained, p.IsOverallMostPositionsGained)
	applyField(&c.IsClassMostPositionsGained, p.IsClassMostPositionsGained)
	applyField(&c.IsInPit, p.IsInPit)
	applyField(&c.IsEnteredPit, p.IsEnteredPit)
	applyField(&c.IsExitedPit, p.IsExitedPit)
	applyField(&c.IsPitStartFinish, p.IsPitStartFinish)
	applyField(&c.LastLoopName, p.LastLoopName)
	applyField(&c.PitStopCount, p.PitStopCount)
	applyField(&c.LastLapPitted, p.LastLapPitted)
	applyField(&c.LapIncludedPit, p.LapIncludedPit)
	applyField(&c.CompletedSections, p.CompletedSections)
	applyField(&c.CurrentStatus, p.CurrentStatus)
	applyField(&c.ProjectedLapTime, p.ProjectedLapTime)
	applyField(&c.IsFastestPace, p.IsFastestPace)
	applyField(&c.PenaltyWarnings, p.PenaltyWarnings)
	applyField(&c.PenaltyLaps, p.PenaltyLaps)
}

// DiffCarPositions builds the sparse patch turning before into after. The
// returned patch is empty when the two are field-for-field equal.
func DiffCarPositions(before, after CarPosition) CarPositionPatch {
	p := CarPositionPatch{Number: after.Number}
	diffField(&p.TransponderID, before.TransponderID, after.TransponderID)
	diffField(&p.DriverName, before.DriverName, after.DriverName)
	diffField(&p.Class, before.Class, after.Class)
	diffField(&p.OverallPosition, before.OverallPosition, after.OverallPosition)
	diffField(&p.ClassPosition, before.ClassPosition, after.ClassPosition)
	diffField(&p.LastLapCompleted, before.LastLapCompleted, after.LastLapCompleted)
	diffField(&p.TotalTime, before.TotalTime, after.TotalTime)
	diffField(&p.LastLapTime, before.LastLapTime, after.LastLapTime)
	diffField(&p.BestTime, before.BestTime, after.BestTime)
	diffField(&p.TrackFlag, before.TrackFlag, after.TrackFlag)
	diffField(&p.OverallGap, before.OverallGap, after.OverallGap)
	diffField(&p.OverallDifference, before.OverallDifference, after.OverallDifference)
	diffField(&p.InClassGap, before.InClassGap, after.InClassGap)
	diffField(&p.InClassDifference, before.InClassDifference, after.InClassDifference)
	diffField(&p.IsBestTime, before.IsBestTime, after.IsBestTime)
	diffField(&p.IsBestTimeClass, before.IsBestTimeClass, after.IsBestTimeClass)
	diffField(&p.OverallStartingPosition, before.OverallStartingPosition, after.OverallStartingPosition)
	diffField(&p.InClassStartingPosition, before.InClassStartingPosition, after.InClassStartingPosition)
	diffField(&p.OverallPositionsGained, before.OverallPositionsGained, after.OverallPositionsGained)
	diffField(&p.InClassPositionsGained, before.InClassPositionsGained, after.InClassPositionsGained)
	diffField(&p.IsOverallMostPositionsGained, before.IsOverallMostPositionsGained, after.IsOverallMostPositionsGained)
	diffField(&p.IsClassMostPositionsGained, before.IsClassMostPositionsGained, after.IsClassMostPositionsGained)
	diffField(&p.IsInPit, before.IsInPit, after.IsInPit)
	diffField(&p.IsEnteredPit, before.IsEnteredPit, after.IsEnteredPit)
	diffField(&p.IsExitedPit, before.IsExitedPit, after.IsExitedPit)
	diffField(&p.IsPitStartFinish, before.IsPitStartFinish, after.IsPitStartFinish)
	diffField(&p.LastLoopName, before.LastLoopName, after.LastLoopName)
	diffField(&p.PitStopCount, before.PitStopCount, after.PitStopCount)
	diffField(&p.LastLapPitted, before.LastLapPitted, after.LastLapPitted)
	diffField(&p.LapIncludedPit, before.LapIncludedPit, after.LapIncludedPit)
	diffField(&p.CurrentStatus, before.CurrentStatus, after.CurrentStatus)
	diffField(&p.ProjectedLapTime, before.ProjectedLapTime, after.ProjectedLapTime)
	diffField(&p.IsFastestPace, before.IsFastestPace, after.IsFastestPace)
	diffField(&p.PenaltyWarnings, before.PenaltyWarnings, after.PenaltyWarnings)
	diffField(&p.PenaltyLaps, before.PenaltyLaps, after.PenaltyLaps)
	if !sectionsEqual(before.CompletedSections, after.CompletedSections) {
		sections := append([]CompletedSection(nil), after.CompletedSections...)
		p.CompletedSections = &sections
	}
	return p
}

func sectionsEqual(a, b []CompletedSection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mergeField[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

func applyField[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func diffField[T comparable](dst **T, before, after T) {
	if before != after {
		v := after
		*dst = &v
	}
}
