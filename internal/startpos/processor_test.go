package startpos

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

func lapRow(t *testing.T, number string, lap int, flag timing.Flag, class string, overall int) store.CarLapLog {
	t.Helper()
	data, err := json.Marshal(timing.CarPosition{Number: number, Class: class, OverallPosition: overall})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return store.CarLapLog{
		EventID:   "evt-1",
		SessionID: "5",
		CarNumber: number,
		LapNumber: lap,
		Flag:      flag,
		LapData:   data,
	}
}

// Formation laps under yellow, then green on lap 3: the grid is the order on
// lap 2.
func formationRows(t *testing.T) []store.CarLapLog {
	t.Helper()
	var rows []store.CarLapLog
	for lap := 0; lap <= 2; lap++ {
		rows = append(rows,
			lapRow(t, "1", lap, timing.FlagYellow, "GT3", 2),
			lapRow(t, "2", lap, timing.FlagYellow, "GT4", 1),
			lapRow(t, "3", lap, timing.FlagYellow, "GT3", 3),
		)
	}
	rows = append(rows,
		lapRow(t, "1", 3, timing.FlagGreen, "GT3", 1),
		lapRow(t, "2", 3, timing.FlagGreen, "GT4", 2),
		lapRow(t, "3", 3, timing.FlagGreen, "GT3", 3),
	)
	return rows
}

func TestReconstruct(t *testing.T) {
	t.Parallel()

	overall, inClass, ok := Reconstruct(formationRows(t))
	if !ok {
		t.Fatal("reconstruction must succeed")
	}
	wantOverall := map[string]int{"1": 2, "2": 1, "3": 3}
	for number, want := range wantOverall {
		if overall[number] != want {
			t.Fatalf("car %s overall start = %d, want %d", number, overall[number], want)
		}
	}
	// Class starts are the dense ordering within each class on the grid lap.
	wantClass := map[string]int{"2": 1, "1": 1, "3": 2}
	for number, want := range wantClass {
		if inClass[number] != want {
			t.Fatalf("car %s class start = %d, want %d", number, inClass[number], want)
		}
	}
}

func TestReconstructNeedsGreen(t *testing.T) {
	t.Parallel()

	rows := []store.CarLapLog{
		lapRow(t, "1", 0, timing.FlagYellow, "GT3", 1),
		lapRow(t, "1", 1, timing.FlagYellow, "GT3", 1),
	}
	if _, _, ok := Reconstruct(rows); ok {
		t.Fatal("no green record means no reconstruction")
	}
}

func TestReconstructGreenOnLapZero(t *testing.T) {
	t.Parallel()

	rows := []store.CarLapLog{
		lapRow(t, "1", 0, timing.FlagGreen, "GT3", 1),
	}
	if _, _, ok := Reconstruct(rows); ok {
		t.Fatal("green on lap zero leaves no prior lap to read")
	}
}

type fakeSessions struct {
	hasStarts bool
	flag      timing.Flag
	lap       int

	replacedOverall map[string]int
	replacedClass   map[string]int
}

func (f *fakeSessions) SessionRef() (string, string, string) { return "evt-1", "5", "Race" }
func (f *fakeSessions) HasStartingPositions() bool           { return f.hasStarts }
func (f *fakeSessions) CurrentFlagAndLap() (timing.Flag, int) {
	return f.flag, f.lap
}

func (f *fakeSessions) ReplaceStartingPositions(overall, inClass map[string]int) {
	f.replacedOverall = overall
	f.replacedClass = inClass
}

type fakeLapStore struct {
	rows  []store.CarLapLog
	calls int
}

func (f *fakeLapStore) LapsInRange(_ context.Context, _, _ string, _, _ int) ([]store.CarLapLog, error) {
	f.calls++
	return f.rows, nil
}

func TestScanGuards(t *testing.T) {
	t.Parallel()

	rows := formationRows(t)
	cases := []struct {
		name     string
		sessions *fakeSessions
		wantScan bool
	}{
		{"active race", &fakeSessions{flag: timing.FlagGreen, lap: 10}, true},
		{"already has starts", &fakeSessions{hasStarts: true, flag: timing.FlagGreen, lap: 10}, false},
		{"too early", &fakeSessions{flag: timing.FlagGreen, lap: 3}, false},
		{"checkered", &fakeSessions{flag: timing.FlagCheckered, lap: 10}, false},
		{"yellow is active", &fakeSessions{flag: timing.FlagYellow, lap: 10}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			lapStore := &fakeLapStore{rows: rows}
			p, err := New(Config{Sessions: tc.sessions, Store: lapStore, Logger: zerolog.Nop()})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := p.Scan(context.Background()); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			scanned := lapStore.calls > 0
			if scanned != tc.wantScan {
				t.Fatalf("scanned=%v want %v", scanned, tc.wantScan)
			}
			if tc.wantScan && tc.sessions.replacedOverall == nil {
				t.Fatal("scan must install the reconstructed grid")
			}
		})
	}
}
