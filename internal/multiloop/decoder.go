// Package multiloop parses the delimited multi-loop timing feed. Records are
// framed by \x02 by the relay; fields within a record are pipe-separated and
// numeric fields are hexadecimal. Every record starts with the header
// (opcode, recordType, sequence, preamble) where recordType is N (new),
// R (repeated) or U (updated).
package multiloop

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

const recordDelimiter = "\x02"

type mlCompetitor struct {
	Number      string
	Transponder string
	DriverName  string
	Class       string
	Team        string
	Make        string
}

// Decoder parses multiloop payloads and tracks per-car section accumulation
// plus dirty state for the $F and $R records.
type Decoder struct {
	logger zerolog.Logger

	competitors map[string]mlCompetitor
	sections    map[string][]timing.CompletedSection

	lastFlagMetrics *timing.FlagMetrics
	lastRun         *timing.PracticeQualifyingStateUpdate
}

// NewDecoder creates a multiloop decoder.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{
		logger:      logger.With().Str("component", "multiloop").Logger(),
		competitors: map[string]mlCompetitor{},
		sections:    map[string][]timing.CompletedSection{},
	}
}

// Decode parses one feed payload and returns state updates in record order.
func (d *Decoder) Decode(data []byte) []timing.StateUpdate {
	var updates []timing.StateUpdate
	for _, record := range strings.Split(string(data), recordDelimiter) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		if u := d.decodeRecord(record); u != nil {
			updates = append(updates, u...)
		}
	}
	return updates
}

type header struct {
	op         string
	recordType string
	sequence   int64
}

func (d *Decoder) decodeRecord(record string) []timing.StateUpdate {
	fields := strings.Split(record, "|")
	if len(fields) < 4 {
		d.logger.Warn().Str("record", record).Msg("short multiloop record")
		return nil
	}
	seq, err := strconv.ParseInt(fields[2], 16, 64)
	if err != nil {
		d.logger.Warn().Str("sequence", fields[2]).Msg("unparseable multiloop sequence")
		return nil
	}
	h := header{op: fields[0], recordType: fields[1], sequence: seq}
	body := fields[4:]

	switch h.op {
	case "$H":
		return d.decodeHeartbeat(body)
	case "$E":
		return d.decodeEntry(body)
	case "$C":
		return d.decodeCompletedLap(body)
	case "$S":
		return d.decodeCompletedSection(body)
	case "$L":
		return d.decodeLineCrossing(body)
	case "$I":
		return d.decodeInvalidatedLap(body)
	case "$F":
		return d.decodeFlagMetrics(h, body)
	case "$N":
		return d.decodeNewLeader(body)
	case "$R":
		return d.decodeRunInfo(h, body)
	case "$T":
		return d.decodeTrackInfo(body)
	case "$A":
		return d.decodeAnnouncement(body)
	case "$V":
		return nil
	default:
		return nil
	}
}

// body: flag, lapsToGo, timeToGo, raceTime, timeOfDay
func (d *Decoder) decodeHeartbeat(body []string) []timing.StateUpdate {
	if len(body) < 5 {
		return nil
	}
	return []timing.StateUpdate{timing.HeartbeatStateUpdate{
		Flag:            timing.ParseFlagLetter(body[0]),
		LapsToGo:        int(hexOrZero(body[1])),
		TimeToGo:        body[2],
		RunningRaceTime: body[3],
		LocalTimeOfDay:  body[4],
	}}
}

// body: number, transponder, driverName, class, team, make
func (d *Decoder) decodeEntry(body []string) []timing.StateUpdate {
	if len(body) < 4 {
		return nil
	}
	comp := mlCompetitor{
		Number:      body[0],
		Transponder: body[1],
		DriverName:  body[2],
		Class:       body[3],
	}
	if len(body) > 4 {
		comp.Team = body[4]
	}
	if len(body) > 5 {
		comp.Make = body[5]
	}
	d.competitors[comp.Number] = comp

	entries := make([]timing.EventEntry, 0, len(d.competitors))
	transponders := make(map[string]string, len(d.competitors))
	for _, c := range d.competitors {
		entries = append(entries, timing.EventEntry{
			Number: c.Number,
			Name:   c.DriverName,
			Team:   c.Team,
			Class:  c.Class,
		})
		if c.Transponder != "" {
			transponders[c.Number] = c.Transponder
		}
	}
	sortEntries(entries)
	return []timing.StateUpdate{timing.CompetitorStateUpdate{
		Competitors:  entries,
		Transponders: transponders,
	}}
}

// body: number, lapsCompleted, overallPosition, totalTime, lastLapTime,
// bestTime, pitStopCount, lastLapPitted
func (d *Decoder) decodeCompletedLap(body []string) []timing.StateUpdate {
	if len(body) < 6 {
		d.logger.Warn().Int("fields", len(body)).Msg("short completed-lap record")
		return nil
	}
	number := body[0]
	delete(d.sections, number)
	u := timing.CarRaceStateUpdate{
		Number:          number,
		LapsCompleted:   int(hexOrZero(body[1])),
		OverallPosition: int(hexOrZero(body[2])),
		TotalTime:       body[3],
		LastLapTime:     body[4],
		BestTime:        body[5],
		ClearSections:   true,
	}
	if len(body) > 6 {
		u.PitStopCount = int(hexOrZero(body[6]))
	}
	if len(body) > 7 {
		u.LastLapPitted = int(hexOrZero(body[7]))
	}
	return []timing.StateUpdate{u}
}

// body: number, sectionId, elapsed, lastSectionTime, lastLap
func (d *Decoder) decodeCompletedSection(body []string) []timing.StateUpdate {
	if len(body) < 5 {
		return nil
	}
	number := body[0]
	section := timing.CompletedSection{
		ID:              body[1],
		Elapsed:         body[2],
		LastSectionTime: body[3],
		LastLap:         int(hexOrZero(body[4])),
	}
	existing := d.sections[number]
	replaced := false
	for i := range existing {
		if existing[i].ID == section.ID {
			existing[i] = section
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, section)
	}
	d.sections[number] = existing
	return []timing.StateUpdate{timing.SectionStateUpdate{Number: number, Section: section}}
}

// body: number, transponder, loopId, loopName, crossingTime, pitIndicator
func (d *Decoder) decodeLineCrossing(body []string) []timing.StateUpdate {
	if len(body) < 6 {
		return nil
	}
	return []timing.StateUpdate{timing.PitSfCrossingStateUpdate{
		Number:        body[0],
		TransponderID: body[1],
		LoopID:        body[2],
		LoopName:      body[3],
		CrossingTime:  body[4],
		InPit:         body[5] == "P",
	}}
}

// body: number, lapsCompleted
func (d *Decoder) decodeInvalidatedLap(body []string) []timing.StateUpdate {
	if len(body) < 2 {
		return nil
	}
	return []timing.StateUpdate{timing.InvalidatedLapStateUpdate{
		Number:        body[0],
		LapsCompleted: int(hexOrZero(body[1])),
	}}
}

// body: greenTime, greenLaps, yellowTime, yellowLaps, numYellows, redTime,
// redLaps, averageSpeed, leadChanges
func (d *Decoder) decodeFlagMetrics(h header, body []string) []timing.StateUpdate {
	if len(body) < 9 {
		return nil
	}
	metrics := timing.FlagMetrics{
		GreenTime:        body[0],
		GreenLaps:        int(hexOrZero(body[1])),
		YellowTime:       body[2],
		YellowLaps:       int(hexOrZero(body[3])),
		NumberOfYellows:  int(hexOrZero(body[4])),
		RedTime:          body[5],
		RedLaps:          int(hexOrZero(body[6])),
		AverageRaceSpeed: body[7],
		LeadChanges:      int(hexOrZero(body[8])),
	}
	if h.recordType == "R" && d.lastFlagMetrics != nil && *d.lastFlagMetrics == metrics {
		return nil
	}
	d.lastFlagMetrics = &metrics
	return []timing.StateUpdate{timing.FlagMetricsStateUpdate{Metrics: metrics}}
}

// body: number, lap
func (d *Decoder) decodeNewLeader(body []string) []timing.StateUpdate {
	if len(body) < 2 {
		return nil
	}
	return []timing.StateUpdate{timing.NewLeaderStateUpdate{
		Number: body[0],
		Lap:    int(hexOrZero(body[1])),
	}}
}

// body: runId, runType, name
func (d *Decoder) decodeRunInfo(h header, body []string) []timing.StateUpdate {
	if len(body) < 3 {
		return nil
	}
	runType := body[1]
	switch runType {
	case "P", "Q", "S", "R":
	default:
		d.logger.Warn().Str("run_type", runType).Msg("unknown multiloop run type")
		return nil
	}
	run := timing.PracticeQualifyingStateUpdate{RunType: runType, Name: body[2]}
	if h.recordType == "R" && d.lastRun != nil && *d.lastRun == run {
		return nil
	}
	d.lastRun = &run
	return []timing.StateUpdate{
		run,
		timing.SessionReferenceUpdate{SessionID: body[0], SessionName: body[2]},
	}
}

// body: name, venue, length, numSections
func (d *Decoder) decodeTrackInfo(body []string) []timing.StateUpdate {
	if len(body) < 4 {
		return nil
	}
	return []timing.StateUpdate{timing.TrackStateUpdate{
		Name:     body[0],
		Sections: int(hexOrZero(body[3])),
	}}
}

// body: announcementId, priority, text
func (d *Decoder) decodeAnnouncement(body []string) []timing.StateUpdate {
	if len(body) < 3 {
		return nil
	}
	return []timing.StateUpdate{timing.AnnouncementStateUpdate{
		Announcement: timing.Announcement{ID: body[0], Priority: body[1], Text: body[2]},
	}}
}

// SectionsFor returns the car's accumulated sections for the current lap.
func (d *Decoder) SectionsFor(number string) []timing.CompletedSection {
	return append([]timing.CompletedSection(nil), d.sections[number]...)
}

func hexOrZero(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 16, 64)
	if err != nil {
		return 0
	}
	return v
}

func sortEntries(entries []timing.EventEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Number < entries[j].Number })
}
