// Package availability holds the slot-count semantics shared by every availability write path:
// schedule resolution, slot generation, conflict reduction and the narrow in-place adjustments
// (booking consumption, provider count shifts) that must agree with a full recomputation.
package availability

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// DurationClasses are the bookable session lengths, in minutes, that every day is bucketed into.
var DurationClasses = []int{60, 90, 120, 150, 180, 240, 300, 360}

const (
	// SlotStep is the distance between candidate start times regardless of duration class.
	SlotStep = 60 * time.Minute
	// HorizonDays is the number of days after today kept materialized, so the window is [today, today+HorizonDays].
	HorizonDays = 30
)

// Slot is one bookable start time and how many providers can take it.
// It travels as the tuple ["09:00", 2].
type Slot struct {
	Time  string
	Count int
}

func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{s.Time, s.Count})
}

func (s *Slot) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("slot: expected [time, count], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &s.Time); err != nil {
		return fmt.Errorf("slot time: %w", err)
	}
	if err := json.Unmarshal(raw[1], &s.Count); err != nil {
		return fmt.Errorf("slot count: %w", err)
	}
	if _, err := ParseClock(s.Time); err != nil {
		return err
	}
	return nil
}

// Slots maps a duration class (minutes) to its start times ordered by time.
type Slots map[int][]Slot

func (s Slots) Empty() bool {
	for _, list := range s {
		if len(list) > 0 {
			return false
		}
	}
	return true
}

func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for d, list := range s {
		out[d] = append([]Slot(nil), list...)
	}
	return out
}

// Normalize drops non-positive counts and empty classes and sorts every list by time.
func (s Slots) Normalize() Slots {
	out := Slots{}
	for d, list := range s {
		kept := make([]Slot, 0, len(list))
		for _, slot := range list {
			if slot.Count > 0 {
				kept = append(kept, slot)
			}
		}
		if len(kept) == 0 {
			continue
		}
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Time < kept[j].Time })
		out[d] = kept
	}
	return out
}

// Count returns the provider count stored for (duration, clock), or 0.
func (s Slots) Count(duration int, clock string) int {
	for _, slot := range s[duration] {
		if slot.Time == clock {
			return slot.Count
		}
	}
	return 0
}

// Durations returns the classes present, ascending.
func (s Slots) Durations() []int {
	out := make([]int, 0, len(s))
	for d, list := range s {
		if len(list) > 0 {
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

// Day is the persisted availability of one business on one business-local calendar date.
type Day struct {
	BusinessID string     `json:"business_id"`
	Date       civil.Date `json:"date"`
	Slots      Slots      `json:"slots"`
	// Version guards read-modify-write cycles; zero means "never stored".
	Version int64 `json:"-"`
}

// Window is a provider's concrete working interval on one date, expressed in the reference location.
type Window struct {
	ProviderID string
	Start      time.Time
	End        time.Time
}

// Booking is an existing appointment as seen by the engine. Its duration is resolved by the caller.
type Booking struct {
	ID              string
	ProviderID      string
	BusinessID      string
	Start           time.Time
	DurationMinutes int
}

func (b Booking) End() time.Time {
	return b.Start.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// ParseClock parses "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid slot time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// SlotStart returns the instant a slot labelled clock begins on date in loc.
func SlotStart(date civil.Date, clock string, loc *time.Location) (time.Time, error) {
	mins, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year, date.Month, date.Day, mins/60, mins%60, 0, 0, loc), nil
}

// DayBounds returns [midnight, next midnight) of date in loc.
func DayBounds(date civil.Date, loc *time.Location) (time.Time, time.Time) {
	start := date.In(loc)
	return start, date.AddDays(1).In(loc)
}

// LongestClass is the length of the longest duration class.
func LongestClass() time.Duration {
	longest := 0
	for _, d := range DurationClasses {
		if d > longest {
			longest = d
		}
	}
	return time.Duration(longest) * time.Minute
}

// TouchedDates lists, in order, the dates in loc holding slots that can overlap [start, end).
// A slot starts on its date and lasts at most LongestClass, so a busy span reaches back that far.
func TouchedDates(start, end time.Time, loc *time.Location) []civil.Date {
	if !end.After(start) {
		return nil
	}
	first := civil.DateOf(start.Add(-LongestClass()).Add(time.Nanosecond).In(loc))
	last := civil.DateOf(end.Add(-time.Nanosecond).In(loc))
	var out []civil.Date
	for d := first; !d.After(last); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// Today is the calendar date of now in loc.
func Today(now time.Time, loc *time.Location) civil.Date {
	return civil.DateOf(now.In(loc))
}
