// Package enrich computes derived standings: class positions, gaps and
// differences, best-time flags, starting positions and positions gained.
// Enrichment operates on deep copies and reports changes as sparse patches.
package enrich

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/gridwire/racetiming/internal/timing"
)

// PositionInputs is the context the position enricher runs against. Cars must
// be deep copies of the authoritative state.
type PositionInputs struct {
	Cars            []timing.CarPosition
	MultiloopActive bool
	OverallStart    map[string]int
	InClassStart    map[string]int
}

// Positions runs the full standings enrichment and returns one patch per car
// whose enriched fields changed. When no car holds an overall position yet the
// enrichment is skipped entirely.
func Positions(in PositionInputs) []timing.CarPositionPatch {
	anyPositioned := false
	for i := range in.Cars {
		if in.Cars[i].OverallPosition > 0 {
			anyPositioned = true
			break
		}
	}
	if !anyPositioned {
		return nil
	}

	originals := make([]timing.CarPosition, len(in.Cars))
	for i := range in.Cars {
		originals[i] = in.Cars[i].Clone()
	}
	cars := make([]*timing.CarPosition, len(in.Cars))
	for i := range in.Cars {
		cars[i] = &in.Cars[i]
	}

	applyStartingPositions(cars, in)
	sortByOverall(cars)
	computeOverallGaps(cars)
	computeClassStandings(cars)
	computeBestTimes(cars)
	computePositionsGained(cars)

	byNumber := make(map[string]*timing.CarPosition, len(cars))
	for _, car := range cars {
		byNumber[car.Number] = car
	}
	var patches []timing.CarPositionPatch
	for i := range originals {
		after, ok := byNumber[originals[i].Number]
		if !ok {
			continue
		}
		patch := timing.DiffCarPositions(originals[i], *after)
		if patch.Empty() {
			continue
		}
		patches = append(patches, patch)
	}
	return patches
}

func applyStartingPositions(cars []*timing.CarPosition, in PositionInputs) {
	for _, car := range cars {
		if pos, ok := in.OverallStart[car.Number]; ok && car.OverallStartingPosition == 0 {
			car.OverallStartingPosition = pos
		}
	}
	if !in.MultiloopActive && len(in.InClassStart) > 0 {
		for _, car := range cars {
			if pos, ok := in.InClassStart[car.Number]; ok && car.InClassStartingPosition == 0 {
				car.InClassStartingPosition = pos
			}
		}
		return
	}
	// The feed reports only overall grid slots (multiloop always, RMonitor
	// $G capture too); in-class is recomputed as dense per-class ranks over
	// the overall set.
	byClass := lo.GroupBy(cars, func(c *timing.CarPosition) string { return c.Class })
	for _, classCars := range byClass {
		started := lo.Filter(classCars, func(c *timing.CarPosition, _ int) bool {
			return c.OverallStartingPosition > 0
		})
		sort.Slice(started, func(i, j int) bool {
			return started[i].OverallStartingPosition < started[j].OverallStartingPosition
		})
		for rank, car := range started {
			car.InClassStartingPosition = rank + 1
		}
	}
}

// sortByOverall orders by overall position ascending with zero treated as last.
func sortByOverall(cars []*timing.CarPosition) {
	sort.SliceStable(cars, func(i, j int) bool {
		a, b := cars[i].OverallPosition, cars[j].OverallPosition
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})
}

func computeOverallGaps(cars []*timing.CarPosition) {
	var leader *timing.CarPosition
	for i, car := range cars {
		if car.OverallPosition == 0 {
			continue
		}
		if leader == nil {
			leader = car
			car.OverallGap = ""
			car.OverallDifference = ""
			continue
		}
		car.OverallGap = gapBetween(cars[i-1], car)
		car.OverallDifference = gapBetween(leader, car)
	}
}

// gapBetween renders the gap from ahead to behind: a time delta when both are
// on the same lap, otherwise whole laps.
func gapBetween(ahead, behind *timing.CarPosition) string {
	if ahead.LastLapCompleted == behind.LastLapCompleted {
		aheadTotal, errA := timing.ParseRaceTime(ahead.TotalTime)
		behindTotal, errB := timing.ParseRaceTime(behind.TotalTime)
		if errA != nil || errB != nil {
			return ""
		}
		return timing.FormatGap(behindTotal - aheadTotal)
	}
	laps := ahead.LastLapCompleted - behind.LastLapCompleted
	if laps < 0 {
		laps = 0
	}
	return timing.FormatLaps(laps)
}

func computeClassStandings(cars []*timing.CarPosition) {
	byClass := lo.GroupBy(cars, func(c *timing.CarPosition) string { return c.Class })
	for _, classCars := range byClass {
		// classCars preserves the overall ordering from the caller's sort.
		rank := 0
		var classLeader, prev *timing.CarPosition
		for _, car := range classCars {
			if car.OverallPosition == 0 {
				continue
			}
			rank++
			car.ClassPosition = rank
			if classLeader == nil {
				classLeader = car
				car.InClassGap = ""
				car.InClassDifference = ""
				prev = car
				continue
			}
			car.InClassGap = gapBetween(prev, car)
			car.InClassDifference = gapBetween(classLeader, car)
			prev = car
		}
	}
}

func computeBestTimes(cars []*timing.CarPosition) {
	bestOverall := time.Duration(0)
	var bestOverallCar *timing.CarPosition
	bestByClass := map[string]*timing.CarPosition{}
	bestByClassTime := map[string]time.Duration{}

	for _, car := range cars {
		car.IsBestTime = false
		car.IsBestTimeClass = false
		parsed, err := timing.ParseRaceTime(car.BestTime)
		if err != nil || parsed == 0 {
			continue
		}
		if bestOverallCar == nil || parsed < bestOverall {
			bestOverall = parsed
			bestOverallCar = car
		}
		if current, ok := bestByClassTime[car.Class]; !ok || parsed < current {
			bestByClassTime[car.Class] = parsed
			bestByClass[car.Class] = car
		}
	}
	if bestOverallCar != nil {
		bestOverallCar.IsBestTime = true
	}
	for _, car := range bestByClass {
		car.IsBestTimeClass = true
	}
}

func computePositionsGained(cars []*timing.CarPosition) {
	for _, car := range cars {
		car.OverallPositionsGained = gained(car.OverallStartingPosition, car.OverallPosition)
		car.InClassPositionsGained = gained(car.InClassStartingPosition, car.ClassPosition)
	}
	markUniqueMax(cars,
		func(c *timing.CarPosition) int { return c.OverallPositionsGained },
		func(c *timing.CarPosition, v bool) { c.IsOverallMostPositionsGained = v })
	markUniqueMax(cars,
		func(c *timing.CarPosition) int { return c.InClassPositionsGained },
		func(c *timing.CarPosition, v bool) { c.IsClassMostPositionsGained = v })
}

func gained(start, current int) int {
	if start <= 0 || current <= 0 {
		return timing.InvalidPosition
	}
	return start - current
}

// markUniqueMax flags the single car with the highest positive value; ties
// award none.
func markUniqueMax(cars []*timing.CarPosition, value func(*timing.CarPosition) int, set func(*timing.CarPosition, bool)) {
	best := 0
	count := 0
	var winner *timing.CarPosition
	for _, car := range cars {
		set(car, false)
		v := value(car)
		if v == timing.InvalidPosition || v <= 0 {
			continue
		}
		switch {
		case v > best:
			best = v
			count = 1
			winner = car
		case v == best:
			count++
		}
	}
	if winner != nil && count == 1 {
		set(winner, true)
	}
}
