package rmonitor

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

func decodeOne(t *testing.T, d *Decoder, line string) timing.StateUpdate {
	t.Helper()
	updates := d.Decode([]byte(line))
	if len(updates) != 1 {
		t.Fatalf("expected one update for %q, got %d", line, len(updates))
	}
	return updates[0]
}

func TestDecodeCompetitorBuildsRoster(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	d.Decode([]byte(`$C,5,"GT3"`))
	u := decodeOne(t, d, `$A,"1234BE","12",52474,"John","Johnson","USA",5`)

	comp, ok := u.(timing.CompetitorStateUpdate)
	if !ok {
		t.Fatalf("expected CompetitorStateUpdate, got %T", u)
	}
	if len(comp.Competitors) != 1 {
		t.Fatalf("expected one entry, got %d", len(comp.Competitors))
	}
	entry := comp.Competitors[0]
	if entry.Number != "12" || entry.Name != "John Johnson" || entry.Class != "GT3" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if comp.Transponders["12"] != "52474" {
		t.Fatalf("transponder not mapped: %v", comp.Transponders)
	}
}

func TestDecodeCompetitorReprocessIsNoOp(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	line := `$A,"1234BE","12",52474,"John","Johnson","USA",5`
	first := decodeOne(t, d, line).(timing.CompetitorStateUpdate)
	second := decodeOne(t, d, line).(timing.CompetitorStateUpdate)

	if len(first.Competitors) != len(second.Competitors) {
		t.Fatalf("re-processing grew the roster: %d vs %d", len(first.Competitors), len(second.Competitors))
	}
	if first.Competitors[0] != second.Competitors[0] {
		t.Fatalf("re-processing changed the entry: %+v vs %+v", first.Competitors[0], second.Competitors[0])
	}
}

func TestDecodeCompWithTeam(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	u := decodeOne(t, d, `$COMP,"1234BE","12",5,"John","Johnson","USA","Scuderia"`)
	comp := u.(timing.CompetitorStateUpdate)
	if comp.Competitors[0].Team != "Scuderia" {
		t.Fatalf("team not decoded: %+v", comp.Competitors[0])
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	u := decodeOne(t, d, `$F,14,"00:12:45","13:34:23","00:09:47","G "`)
	hb, ok := u.(timing.HeartbeatStateUpdate)
	if !ok {
		t.Fatalf("expected HeartbeatStateUpdate, got %T", u)
	}
	if hb.Flag != timing.FlagGreen || hb.LapsToGo != 14 {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
	if hb.TimeToGo != "00:12:45" || hb.LocalTimeOfDay != "13:34:23" || hb.RunningRaceTime != "00:09:47" {
		t.Fatalf("clocks not decoded: %+v", hb)
	}
}

func TestDecodeHeartbeatFlagMapping(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	cases := map[string]timing.Flag{
		"G": timing.FlagGreen, "Y": timing.FlagYellow, "R": timing.FlagRed,
		"W": timing.FlagWhite, "C": timing.FlagCheckered, "P": timing.FlagPurple35,
		"?": timing.FlagUnknown,
	}
	for letter, want := range cases {
		u := decodeOne(t, d, `$F,0,"00:00:00","00:00:00","00:00:00","`+letter+`"`)
		if got := u.(timing.HeartbeatStateUpdate).Flag; got != want {
			t.Fatalf("flag %q: got %s want %s", letter, got, want)
		}
	}
}

func TestDecodeRaceInfo(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	u := decodeOne(t, d, `$G,3,"12",10,"00:15:02.100"`)
	g, ok := u.(timing.CarRaceStateUpdate)
	if !ok {
		t.Fatalf("expected CarRaceStateUpdate, got %T", u)
	}
	if g.Number != "12" || g.OverallPosition != 3 || g.LapsCompleted != 10 || g.TotalTime != "00:15:02.100" {
		t.Fatalf("unexpected race info: %+v", g)
	}
}

func TestDecodeRun(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	u := decodeOne(t, d, `$B,5,"Friday Qualifying"`)
	ref, ok := u.(timing.SessionReferenceUpdate)
	if !ok || ref.SessionID != "5" || ref.SessionName != "Friday Qualifying" {
		t.Fatalf("unexpected run update: %+v", u)
	}
}

func TestDecodeSkipsMalformedRecords(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	payload := "$G,notanumber,\"12\",10,\"00:15:02.100\"\r\n$G,3,\"12\",10,\"00:15:02.100\"\r\n"
	updates := d.Decode([]byte(payload))
	if len(updates) != 1 {
		t.Fatalf("malformed record must be skipped, got %d updates", len(updates))
	}
}

func TestDecodeIgnoresUnknownRecords(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	if updates := d.Decode([]byte(`$J,"something","else"`)); updates != nil {
		t.Fatalf("unknown record must be ignored, got %v", updates)
	}
}

func TestDecodePracticeBest(t *testing.T) {
	t.Parallel()

	d := NewDecoder(zerolog.Nop())
	u := decodeOne(t, d, `$H,2,"12",4,"00:01:31.004"`)
	h, ok := u.(timing.PracticeBestStateUpdate)
	if !ok || h.Number != "12" || h.BestLap != 4 || h.BestTime != "00:01:31.004" {
		t.Fatalf("unexpected practice best: %+v", u)
	}
}
