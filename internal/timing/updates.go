package timing

// StateUpdate is a tagged change emitted by a feed decoder. The pipeline
// applies updates to the session context in decode order.
type StateUpdate interface {
	isStateUpdate()
}

// CompetitorStateUpdate rebuilds the event roster. Class ids resolve to names
// through ClassMap.
type CompetitorStateUpdate struct {
	Competitors []EventEntry
	ClassMap    map[string]string
	// Transponders maps car number to transponder id when the feed carries it.
	Transponders map[string]string
}

// HeartbeatStateUpdate carries flag and clock state from a feed heartbeat.
type HeartbeatStateUpdate struct {
	Flag            Flag
	LocalTimeOfDay  string
	RunningRaceTime string
	TimeToGo        string
	LapsToGo        int
}

// CarRaceStateUpdate carries one car's race-position record ($G or multiloop $C).
type CarRaceStateUpdate struct {
	Number          string
	OverallPosition int
	LapsCompleted   int
	TotalTime       string
	// Lap completion detail; zero values mean the feed did not carry them.
	LastLapTime   string
	BestTime      string
	PitStopCount  int
	LastLapPitted int
	// ClearSections resets the car's accumulated section list on lap completion.
	ClearSections bool
}

// PracticeBestStateUpdate carries a practice/qualifying best lap ($H).
type PracticeBestStateUpdate struct {
	Number          string
	OverallPosition int
	BestLap         int
	BestTime        string
}

// SessionReferenceUpdate renames or re-identifies the running session ($B).
type SessionReferenceUpdate struct {
	SessionID   string
	SessionName string
}

// FlagMetricsStateUpdate carries multiloop $F counters.
type FlagMetricsStateUpdate struct {
	Metrics FlagMetrics
}

// PracticeQualifyingStateUpdate carries the multiloop $R run descriptor.
type PracticeQualifyingStateUpdate struct {
	RunType string // P, Q, S or R
	Name    string
}

// SectionStateUpdate carries one completed track section for a car.
type SectionStateUpdate struct {
	Number  string
	Section CompletedSection
}

// PitSfCrossingStateUpdate carries a multiloop $L line crossing.
type PitSfCrossingStateUpdate struct {
	Number        string
	TransponderID string
	LoopID        string
	LoopName      string
	CrossingTime  string
	InPit         bool
}

// InvalidatedLapStateUpdate carries a multiloop $I lap invalidation.
type InvalidatedLapStateUpdate struct {
	Number        string
	LapsCompleted int
}

// NewLeaderStateUpdate carries a multiloop $N lead change.
type NewLeaderStateUpdate struct {
	Number string
	Lap    int
}

// AnnouncementStateUpdate replaces an announcement by id.
type AnnouncementStateUpdate struct {
	Announcement Announcement
}

// TrackStateUpdate carries multiloop $T track metadata.
type TrackStateUpdate struct {
	Name     string
	Sections int
}

func (CompetitorStateUpdate) isStateUpdate()         {}
func (HeartbeatStateUpdate) isStateUpdate()          {}
func (CarRaceStateUpdate) isStateUpdate()            {}
func (PracticeBestStateUpdate) isStateUpdate()       {}
func (SessionReferenceUpdate) isStateUpdate()        {}
func (FlagMetricsStateUpdate) isStateUpdate()        {}
func (PracticeQualifyingStateUpdate) isStateUpdate() {}
func (SectionStateUpdate) isStateUpdate()            {}
func (PitSfCrossingStateUpdate) isStateUpdate()      {}
func (InvalidatedLapStateUpdate) isStateUpdate()     {}
func (NewLeaderStateUpdate) isStateUpdate()          {}
func (AnnouncementStateUpdate) isStateUpdate()       {}
func (TrackStateUpdate) isStateUpdate()              {}
