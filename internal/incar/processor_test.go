package incar

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/timing"
)

type push struct {
	car     string
	payload CarSet
}

type fakePusher struct {
	mu     sync.Mutex
	pushes []push
}

func (f *fakePusher) ReceiveInCarUpdateV2(_ context.Context, _, carNumber string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, push{car: carNumber, payload: payload.(CarSet)})
}

func (f *fakePusher) all() []push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push(nil), f.pushes...)
}

func (f *fakePusher) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = nil
}

func raceState() timing.SessionState {
	return timing.SessionState{
		EventID:     "evt-1",
		SessionID:   "5",
		CurrentFlag: timing.FlagGreen,
		EventEntries: []timing.EventEntry{
			{Number: "1", Team: "Apex Racing"},
		},
		CarPositions: []timing.CarPosition{
			{Number: "1", Class: "GT3", OverallPosition: 1, ClassPosition: 1},
			{Number: "2", Class: "GT4", OverallPosition: 2, ClassPosition: 1},
			{Number: "3", Class: "GT3", OverallPosition: 3, ClassPosition: 2},
			{Number: "4", Class: "GT3", OverallPosition: 4, ClassPosition: 3},
		},
	}
}

func newProcessor(t *testing.T) (*Processor, *fakePusher) {
	t.Helper()
	pusher := &fakePusher{}
	p, err := New(Config{EventID: "evt-1", Hub: pusher, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, pusher
}

func setFor(t *testing.T, pushes []push, car string) CarSet {
	t.Helper()
	for _, p := range pushes {
		if p.car == car {
			return p.payload
		}
	}
	t.Fatalf("no push for car %s", car)
	return CarSet{}
}

func TestQuadComputation(t *testing.T) {
	t.Parallel()

	p, pusher := newProcessor(t)
	p.Tick(context.Background(), raceState())

	set := setFor(t, pusher.all(), "3")
	if set.CarAhead == nil || set.CarAhead.Number != "1" {
		t.Fatalf("car ahead must be the class car one position up: %+v", set.CarAhead)
	}
	if set.CarBehind == nil || set.CarBehind.Number != "4" {
		t.Fatalf("car behind: %+v", set.CarBehind)
	}
	if set.CarAheadOutOfClass == nil || set.CarAheadOutOfClass.Number != "2" {
		t.Fatalf("out-of-class ahead must be the overall car one up in another class: %+v", set.CarAheadOutOfClass)
	}
	if set.DriversCar == nil || set.DriversCar.Number != "3" {
		t.Fatalf("drivers car: %+v", set.DriversCar)
	}

	leader := setFor(t, pusher.all(), "1")
	if leader.CarAhead != nil || leader.CarAheadOutOfClass != nil {
		t.Fatalf("leader has nobody ahead: %+v", leader)
	}
}

func TestDirtyTracking(t *testing.T) {
	t.Parallel()

	p, pusher := newProcessor(t)
	ctx := context.Background()
	state := raceState()

	p.Tick(ctx, state)
	pusher.reset()

	// Unchanged snapshot: nothing is dirty.
	p.Tick(ctx, state)
	if got := pusher.all(); len(got) != 0 {
		t.Fatalf("clean tick must push nothing, got %d", len(got))
	}

	// A position swap dirties the affected quads.
	state.CarPositions[2].ClassPosition = 3
	state.CarPositions[3].ClassPosition = 2
	p.Tick(ctx, state)
	if got := pusher.all(); len(got) == 0 {
		t.Fatal("position change must push updates")
	}
}

func TestFlagChangeDirtiesAll(t *testing.T) {
	t.Parallel()

	p, pusher := newProcessor(t)
	ctx := context.Background()
	state := raceState()

	p.Tick(ctx, state)
	pusher.reset()

	state.CurrentFlag = timing.FlagYellow
	p.Tick(ctx, state)
	if got := pusher.all(); len(got) != len(state.CarPositions) {
		t.Fatalf("flag change must push every quad, got %d of %d", len(got), len(state.CarPositions))
	}
	if set := setFor(t, pusher.all(), "1"); set.CurrentFlag != timing.FlagYellow {
		t.Fatalf("flag not carried: %+v", set)
	}
}

func TestMetadataEnrichment(t *testing.T) {
	t.Parallel()

	p, pusher := newProcessor(t)
	p.SetMetadata(map[string]CompetitorDetail{
		"3": {Make: "Porsche", Engine: "Flat-6", Team: "Gridline"},
	})
	p.Tick(context.Background(), raceState())

	set := setFor(t, pusher.all(), "3")
	if set.DriversCar.Make != "Porsche" || set.DriversCar.Engine != "Flat-6" || set.DriversCar.Team != "Gridline" {
		t.Fatalf("metadata not applied: %+v", set.DriversCar)
	}

	// Car 1 has no metadata row; team falls back to the roster entry.
	leader := setFor(t, pusher.all(), "1")
	if leader.DriversCar.Team != "Apex Racing" {
		t.Fatalf("team fallback: %+v", leader.DriversCar)
	}
}
