package timing

import "testing"

func TestDiffApplyRoundTrip(t *testing.T) {
	t.Parallel()

	before := CarPosition{
		Number:           "12",
		OverallPosition:  3,
		ClassPosition:    2,
		LastLapCompleted: 10,
		TotalTime:        "00:15:02.100",
		BestTime:         "00:01:31.004",
		TrackFlag:        FlagGreen,
	}
	after := before.Clone()
	after.OverallPosition = 2
	after.OverallGap = "1.250"
	after.IsBestTime = true
	after.CompletedSections = []CompletedSection{{ID: "S1", Elapsed: "00:00:31.000", LastLap: 10}}

	patch := DiffCarPositions(before, after)
	if patch.Empty() {
		t.Fatalf("expected non-empty patch")
	}
	if patch.ClassPosition != nil || patch.TotalTime != nil {
		t.Fatalf("unchanged fields must be absent from the patch: %+v", patch)
	}

	got := before.Clone()
	patch.ApplyTo(&got)
	if got.OverallPosition != 2 || got.OverallGap != "1.250" || !got.IsBestTime {
		t.Fatalf("apply did not reproduce after: %+v", got)
	}
	if len(got.CompletedSections) != 1 || got.CompletedSections[0].ID != "S1" {
		t.Fatalf("sections not applied: %+v", got.CompletedSections)
	}
	if rt := DiffCarPositions(got, after); !rt.Empty() {
		t.Fatalf("round trip left residual diff: %+v", rt)
	}
}

func TestDiffEqualCarsIsEmpty(t *testing.T) {
	t.Parallel()

	car := CarPosition{Number: "7", OverallPosition: 1, TotalTime: "00:01:00.000"}
	if p := DiffCarPositions(car, car.Clone()); !p.Empty() {
		t.Fatalf("expected empty patch, got %+v", p)
	}
}

func TestCarPatchMergeLastWriterWins(t *testing.T) {
	t.Parallel()

	first := CarPositionPatch{Number: "5", OverallPosition: Ptr(4), TotalTime: Ptr("00:10:00.000")}
	second := CarPositionPatch{Number: "5", OverallPosition: Ptr(3)}

	first.Merge(second)
	if *first.OverallPosition != 3 {
		t.Fatalf("later field value must win, got %d", *first.OverallPosition)
	}
	if first.TotalTime == nil || *first.TotalTime != "00:10:00.000" {
		t.Fatalf("missing fields must preserve prior values, got %+v", first.TotalTime)
	}
}

func TestSessionPatchMergeAssociative(t *testing.T) {
	t.Parallel()

	a := SessionStatePatch{EventID: "e1", SessionID: "s1", LapsToGo: Ptr(20)}
	b := SessionStatePatch{EventID: "e1", SessionID: "s1", LapsToGo: Ptr(19), CurrentFlag: Ptr(FlagYellow)}
	c := SessionStatePatch{EventID: "e1", SessionID: "s1", CurrentFlag: Ptr(FlagGreen), TimeToGo: Ptr("00:30:00.000")}

	left := a
	left.Merge(b)
	left.Merge(c)

	bc := b
	bc.Merge(c)
	right := a
	right.Merge(bc)

	if *left.LapsToGo != *right.LapsToGo || *left.CurrentFlag != *right.CurrentFlag || *left.TimeToGo != *right.TimeToGo {
		t.Fatalf("merge is not associative: left=%+v right=%+v", left, right)
	}
	if *left.CurrentFlag != FlagGreen || *left.LapsToGo != 19 {
		t.Fatalf("unexpected merged values: %+v", left)
	}
}

func TestSessionPatchEmpty(t *testing.T) {
	t.Parallel()

	p := SessionStatePatch{EventID: "e1", SessionID: "s1"}
	if !p.Empty() {
		t.Fatalf("identity-only patch must be empty")
	}
	p.LapsToGo = Ptr(3)
	if p.Empty() {
		t.Fatalf("patch with a present field must not be empty")
	}
}
