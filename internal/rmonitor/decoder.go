// Package rmonitor parses the legacy comma-separated ASCII timing protocol.
// Records are best-effort: a malformed record is skipped and decoding
// continues with the next line.
package rmonitor

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

type competitor struct {
	Number      string
	FirstName   string
	LastName    string
	Team        string
	ClassID     string
	Transponder string
}

// Decoder accumulates roster records across feed lines and emits typed state
// updates per decoded payload.
type Decoder struct {
	logger      zerolog.Logger
	competitors map[string]competitor // keyed by registration number
	classes     map[string]string
}

// NewDecoder creates an RMonitor decoder.
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{
		logger:      logger.With().Str("component", "rmonitor").Logger(),
		competitors: map[string]competitor{},
		classes:     map[string]string{},
	}
}

// Decode parses one feed payload, which may carry several newline-separated
// records, and returns the state updates in record order.
func (d *Decoder) Decode(data []byte) []timing.StateUpdate {
	var updates []timing.StateUpdate
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if u := d.decodeRecord(line); u != nil {
			updates = append(updates, u...)
		}
	}
	return updates
}

func (d *Decoder) decodeRecord(line string) []timing.StateUpdate {
	fields := splitQuoted(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "$A":
		return d.decodeCompetitor(fields)
	case "$COMP":
		return d.decodeCompetitorWithTeam(fields)
	case "$B":
		return d.decodeRun(fields)
	case "$C":
		return d.decodeClass(fields)
	case "$F":
		return d.decodeHeartbeat(fields)
	case "$G":
		return d.decodeRaceInfo(fields)
	case "$H":
		return d.decodePracticeBest(fields)
	default:
		// $E, $I, $J and init records carry nothing the state needs.
		return nil
	}
}

// $A,"regNo","number",transponder,"firstName","lastName","nationality",classId
func (d *Decoder) decodeCompetitor(fields []string) []timing.StateUpdate {
	if len(fields) < 8 {
		d.logger.Warn().Str("record", "$A").Int("fields", len(fields)).Msg("short competitor record")
		return nil
	}
	reg := fields[1]
	d.competitors[reg] = competitor{
		Number:      fields[2],
		Transponder: fields[3],
		FirstName:   fields[4],
		LastName:    fields[5],
		ClassID:     fields[7],
	}
	return []timing.StateUpdate{d.competitorUpdate()}
}

// $COMP,"regNo","number",classId,"firstName","lastName","nationality","team"
func (d *Decoder) decodeCompetitorWithTeam(fields []string) []timing.StateUpdate {
	if len(fields) < 8 {
		d.logger.Warn().Str("record", "$COMP").Int("fields", len(fields)).Msg("short competitor record")
		return nil
	}
	reg := fields[1]
	existing := d.competitors[reg]
	existing.Number = fields[2]
	existing.ClassID = fields[3]
	existing.FirstName = fields[4]
	existing.LastName = fields[5]
	existing.Team = fields[7]
	d.competitors[reg] = existing
	return []timing.StateUpdate{d.competitorUpdate()}
}

// $B,runId,"name"
func (d *Decoder) decodeRun(fields []string) []timing.StateUpdate {
	if len(fields) < 3 {
		return nil
	}
	return []timing.StateUpdate{timing.SessionReferenceUpdate{
		SessionID:   fields[1],
		SessionName: fields[2],
	}}
}

// $C,classId,"name"
func (d *Decoder) decodeClass(fields []string) []timing.StateUpdate {
	if len(fields) < 3 {
		return nil
	}
	d.classes[fields[1]] = fields[2]
	return []timing.StateUpdate{d.competitorUpdate()}
}

// $F,lapsToGo,"timeToGo","timeOfDay","raceTime","flag"
func (d *Decoder) decodeHeartbeat(fields []string) []timing.StateUpdate {
	if len(fields) < 6 {
		d.logger.Warn().Str("record", "$F").Int("fields", len(fields)).Msg("short heartbeat record")
		return nil
	}
	lapsToGo, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		lapsToGo = 0
	}
	return []timing.StateUpdate{timing.HeartbeatStateUpdate{
		Flag:            timing.ParseFlagLetter(fields[5]),
		LapsToGo:        lapsToGo,
		TimeToGo:        strings.TrimSpace(fields[2]),
		LocalTimeOfDay:  strings.TrimSpace(fields[3]),
		RunningRaceTime: strings.TrimSpace(fields[4]),
	}}
}

// $G,position,"number",laps,"totalTime"
func (d *Decoder) decodeRaceInfo(fields []string) []timing.StateUpdate {
	if len(fields) < 5 {
		d.logger.Warn().Str("record", "$G").Int("fields", len(fields)).Msg("short race info record")
		return nil
	}
	position, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		d.logger.Warn().Str("record", "$G").Str("value", fields[1]).Msg("unparseable position")
		return nil
	}
	laps, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		laps = 0
	}
	return []timing.StateUpdate{timing.CarRaceStateUpdate{
		Number:          fields[2],
		OverallPosition: position,
		LapsCompleted:   laps,
		TotalTime:       strings.TrimSpace(fields[4]),
	}}
}

// $H,position,"number",bestLap,"bestLapTime"
func (d *Decoder) decodePracticeBest(fields []string) []timing.StateUpdate {
	if len(fields) < 5 {
		return nil
	}
	position, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return nil
	}
	bestLap, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		bestLap = 0
	}
	return []timing.StateUpdate{timing.PracticeBestStateUpdate{
		Number:          fields[2],
		OverallPosition: position,
		BestLap:         bestLap,
		BestTime:        strings.TrimSpace(fields[4]),
	}}
}

// competitorUpdate rebuilds the full roster from the accumulated records so
// re-processing the same $A record is a no-op on the entries.
func (d *Decoder) competitorUpdate() timing.CompetitorStateUpdate {
	entries := make([]timing.EventEntry, 0, len(d.competitors))
	transponders := make(map[string]string, len(d.competitors))
	for _, comp := range d.competitors {
		name := strings.TrimSpace(comp.FirstName + " " + comp.LastName)
		className := comp.ClassID
		if resolved, ok := d.classes[comp.ClassID]; ok {
			className = resolved
		}
		entries = append(entries, timing.EventEntry{
			Number: comp.Number,
			Name:   name,
			Team:   comp.Team,
			Class:  className,
		})
		if comp.Transponder != "" {
			transponders[comp.Number] = comp.Transponder
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Number < entries[j].Number })
	classMap := make(map[string]string, len(d.classes))
	for id, name := range d.classes {
		classMap[id] = name
	}
	return timing.CompetitorStateUpdate{
		Competitors:  entries,
		ClassMap:     classMap,
		Transponders: transponders,
	}
}

// splitQuoted splits a comma-separated record honoring double quotes. Quotes
// are stripped from the returned tokens.
func splitQuoted(line string) []string {
	var fields []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			fields = append(fields, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	fields = append(fields, sb.String())
	return fields
}
