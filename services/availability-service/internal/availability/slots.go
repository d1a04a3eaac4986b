package availability

import (
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// StartTimes returns candidate start times within [windowStart, windowEnd) where a session of length
// duration fits entirely, stepping by step from windowStart.
func StartTimes(windowStart, windowEnd time.Time, duration, step time.Duration) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}
	if windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var starts []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		starts = append(starts, t)
	}
	return starts
}

// GenerateSlots tallies, for every duration class, how many windows can hold a session starting at
// each SlotStep-aligned offset from the window start. Only starts falling on date in ref are kept,
// and only when their "15:04" label maps back to the same instant: the second pass through a repeated
// wall-clock hour is skipped so a label always names one instant and one provider counts once.
// Classes with no candidate are omitted.
func GenerateSlots(date civil.Date, ref *time.Location, windows []Window, classes []int) Slots {
	dayStart, dayEnd := DayBounds(date, ref)
	out := Slots{}
	for _, minutes := range classes {
		duration := time.Duration(minutes) * time.Minute
		tally := map[string]int{}
		for _, w := range windows {
			for _, t := range StartTimes(w.Start, w.End, duration, SlotStep) {
				if t.Before(dayStart) || !t.Before(dayEnd) {
					continue
				}
				clock, ok := labelFor(date, t, ref)
				if !ok {
					continue
				}
				tally[clock]++
			}
		}
		if len(tally) == 0 {
			continue
		}
		list := make([]Slot, 0, len(tally))
		for clock, n := range tally {
			list = append(list, Slot{Time: clock, Count: n})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Time < list[j].Time })
		out[minutes] = list
	}
	return out
}

func labelFor(date civil.Date, t time.Time, ref *time.Location) (string, bool) {
	clock := t.In(ref).Format("15:04")
	back, err := SlotStart(date, clock, ref)
	if err != nil || !back.Equal(t) {
		return "", false
	}
	return clock, true
}
