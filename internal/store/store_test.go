package store

import (
	"encoding/json"
	"testing"

	"github.com/gridwire/racetiming/internal/timing"
)

func stateJSON(t *testing.T, entries, cars, flags int) []byte {
	t.Helper()
	state := timing.SessionState{EventID: "evt-1", SessionID: "5"}
	for i := 0; i < entries; i++ {
		state.EventEntries = append(state.EventEntries, timing.EventEntry{Number: "n"})
	}
	for i := 0; i < cars; i++ {
		state.CarPositions = append(state.CarPositions, timing.CarPosition{Number: "n"})
	}
	for i := 0; i < flags; i++ {
		state.FlagDurations = append(state.FlagDurations, timing.FlagDuration{Flag: timing.FlagGreen})
	}
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestMoreComplete(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a, b resultCompleteness
		want bool
	}{
		{"equal", resultCompleteness{3, 10, 2}, resultCompleteness{3, 10, 2}, true},
		{"strictly more", resultCompleteness{4, 11, 3}, resultCompleteness{3, 10, 2}, true},
		{"fewer entries", resultCompleteness{2, 10, 2}, resultCompleteness{3, 10, 2}, false},
		{"fewer cars", resultCompleteness{3, 9, 2}, resultCompleteness{3, 10, 2}, false},
		{"fewer flags", resultCompleteness{3, 10, 1}, resultCompleteness{3, 10, 2}, false},
		{"more flags fewer cars", resultCompleteness{3, 9, 5}, resultCompleteness{3, 10, 2}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := moreComplete(tc.a, tc.b); got != tc.want {
				t.Fatalf("moreComplete(%+v, %+v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestCompletenessOf(t *testing.T) {
	t.Parallel()

	got := completenessOf(stateJSON(t, 3, 12, 4))
	want := resultCompleteness{Entries: 3, Cars: 12, Flags: 4}
	if got != want {
		t.Fatalf("completenessOf = %+v, want %+v", got, want)
	}

	if got := completenessOf([]byte("not json")); got != (resultCompleteness{}) {
		t.Fatalf("bad json must count as empty, got %+v", got)
	}
}
