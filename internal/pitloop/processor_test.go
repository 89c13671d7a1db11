package pitloop

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridwire/racetiming/internal/store"
	"github.com/gridwire/racetiming/internal/timing"
)

type fakeCars struct {
	byTransponder map[string]string
	cars          map[string]timing.CarPosition
}

func (f *fakeCars) CarNumberForTransponder(tid string) (string, bool) {
	n, ok := f.byTransponder[tid]
	return n, ok
}

func (f *fakeCars) GetCarByNumber(number string) (timing.CarPosition, bool) {
	c, ok := f.cars[number]
	return c, ok
}

func (f *fakeCars) apply(p timing.CarPositionPatch) {
	car := f.cars[p.Number]
	p.ApplyTo(&car)
	f.cars[p.Number] = car
}

type fakeLoopStore struct {
	loops []store.X2Loop
}

func (f *fakeLoopStore) LoopsForEvent(_ context.Context, _ string) ([]store.X2Loop, error) {
	return f.loops, nil
}

func passing(t *testing.T, tid, loopID string, inPit bool) []byte {
	t.Helper()
	data, err := json.Marshal(Passing{
		PassingID:   "p-" + loopID,
		Transponder: tid,
		LoopID:      loopID,
		Timestamp:   time.Date(2026, 8, 22, 14, 0, 0, 0, time.UTC),
		IsInPit:     inPit,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func newProcessor(t *testing.T) (*Processor, *fakeCars) {
	t.Helper()
	cars := &fakeCars{
		byTransponder: map[string]string{"52474": "12"},
		cars:          map[string]timing.CarPosition{"12": {Number: "12", TransponderID: "52474"}},
	}
	loops := &fakeLoopStore{loops: []store.X2Loop{
		{EventID: "evt-1", LoopID: "L1", Name: "Pit Entry", Type: string(LoopPitIn)},
		{EventID: "evt-1", LoopID: "L2", Name: "Pit Exit", Type: string(LoopPitExit)},
		{EventID: "evt-1", LoopID: "L3", Name: "Start Finish", Type: string(LoopOther)},
		{EventID: "evt-1", LoopID: "L4", Name: "Pit SF", Type: string(LoopPitStartFinish)},
	}}
	p, err := New(Config{EventID: "evt-1", Cars: cars, Store: loops, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.ReloadLoops(context.Background()); err != nil {
		t.Fatalf("ReloadLoops: %v", err)
	}
	return p, cars
}

func TestPitCycle(t *testing.T) {
	t.Parallel()

	p, cars := newProcessor(t)

	patch, changed, err := p.HandlePassing(passing(t, "52474", "L1", true), 9)
	if err != nil || !changed {
		t.Fatalf("pit-in passing: changed=%v err=%v", changed, err)
	}
	if patch.IsEnteredPit == nil || !*patch.IsEnteredPit || patch.IsInPit == nil || !*patch.IsInPit {
		t.Fatalf("pit-in patch: %+v", patch)
	}
	cars.apply(patch)

	patch, changed, err = p.HandlePassing(passing(t, "52474", "L2", true), 9)
	if err != nil || !changed {
		t.Fatalf("pit-exit passing: changed=%v err=%v", changed, err)
	}
	if patch.IsExitedPit == nil || !*patch.IsExitedPit {
		t.Fatalf("pit-exit patch must set isExitedPit: %+v", patch)
	}
	if patch.IsInPit != nil && !*patch.IsInPit {
		t.Fatalf("car is still in the pit lane on exit-loop crossing: %+v", patch)
	}
	cars.apply(patch)

	patch, changed, err = p.HandlePassing(passing(t, "52474", "L3", false), 10)
	if err != nil || !changed {
		t.Fatalf("track passing: changed=%v err=%v", changed, err)
	}
	if patch.IsInPit == nil || *patch.IsInPit || patch.IsExitedPit == nil || *patch.IsExitedPit {
		t.Fatalf("track passing must clear pit indicators: %+v", patch)
	}
	cars.apply(patch)

	car := cars.cars["12"]
	if car.IsInPit || car.IsEnteredPit || car.IsExitedPit {
		t.Fatalf("pit flags must all be cleared: %+v", car)
	}
	if car.LastLoopName != "Start Finish" {
		t.Fatalf("last loop name: %q", car.LastLoopName)
	}
}

func TestLapIncludedPit(t *testing.T) {
	t.Parallel()

	p, _ := newProcessor(t)
	if _, _, err := p.HandlePassing(passing(t, "52474", "L1", true), 9); err != nil {
		t.Fatalf("HandlePassing: %v", err)
	}

	if !p.LapIncludedPit("12", 9) {
		t.Fatal("lap 9 must be marked as pitted")
	}
	if p.LapIncludedPit("12", 10) {
		t.Fatal("lap 10 must not be marked")
	}

	p.ResetSession()
	if p.LapIncludedPit("12", 9) {
		t.Fatal("reset must clear pit lap tracking")
	}
}

func TestUnknownTransponderDropped(t *testing.T) {
	t.Parallel()

	p, _ := newProcessor(t)
	_, changed, err := p.HandlePassing(passing(t, "99999", "L1", true), 5)
	if err != nil {
		t.Fatalf("unknown transponder must not error: %v", err)
	}
	if changed {
		t.Fatal("unknown transponder must not produce a patch")
	}
}

func TestUnknownLoopFallsBackToOther(t *testing.T) {
	t.Parallel()

	p, _ := newProcessor(t)
	patch, changed, err := p.HandlePassing(passing(t, "52474", "L9", false), 5)
	if err != nil {
		t.Fatalf("HandlePassing: %v", err)
	}
	if changed && patch.IsEnteredPit != nil && *patch.IsEnteredPit {
		t.Fatalf("loop without metadata must not imply pit: %+v", patch)
	}
}

func TestMalformedPassingErrors(t *testing.T) {
	t.Parallel()

	p, _ := newProcessor(t)
	if _, _, err := p.HandlePassing([]byte("nonsense"), 5); err == nil {
		t.Fatal("malformed passing must error")
	}
}
