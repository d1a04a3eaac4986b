package availability

import (
	"sort"
	"time"

	"cloud.google.com/go/civil"
)

// Opening is a concrete bookable start offered to a customer.
type Opening struct {
	Date      civil.Date `json:"date"`
	Time      string     `json:"time"`
	Duration  int        `json:"duration_minutes"`
	Providers int        `json:"providers"`
}

// DurationClassFor returns the smallest class that can hold a session of minutes.
func DurationClassFor(minutes int) (int, error) {
	if minutes <= 0 {
		return 0, ErrInvalidDuration
	}
	for _, d := range DurationClasses {
		if d >= minutes {
			return d, nil
		}
	}
	return 0, ErrNoDurationClass
}

// RoundUpTo30 rounds a duration in minutes up to the next half hour.
func RoundUpTo30(minutes int) int {
	if minutes <= 0 {
		return 0
	}
	return (minutes + 29) / 30 * 30
}

// HoursFor lists the start times on day that fit a session of minutes.
func HoursFor(day Day, minutes int) ([]string, error) {
	class, err := DurationClassFor(minutes)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(day.Slots[class]))
	for _, s := range day.Slots[class] {
		out = append(out, s.Time)
	}
	return out, nil
}

// NextOpenings returns the first limit openings across days in chronological order.
func NextOpenings(days []Day, minutes, limit int) ([]Opening, error) {
	class, err := DurationClassFor(minutes)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 3
	}
	sorted := append([]Day(nil), days...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	var out []Opening
	for _, day := range sorted {
		for _, s := range day.Slots[class] {
			out = append(out, Opening{Date: day.Date, Time: s.Time, Duration: class, Providers: s.Count})
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Upcoming drops slots on today's date that start at or before now. Other days are returned as is.
func Upcoming(days []Day, now time.Time, loc *time.Location) []Day {
	today := Today(now, loc)
	out := make([]Day, 0, len(days))
	for _, day := range days {
		if day.Date.Before(today) {
			continue
		}
		if day.Date != today {
			out = append(out, day)
			continue
		}
		kept := Slots{}
		for duration, list := range day.Slots {
			for _, s := range list {
				start, err := SlotStart(day.Date, s.Time, loc)
				if err == nil && start.After(now) {
					kept[duration] = append(kept[duration], s)
				}
			}
		}
		if !kept.Empty() {
			day.Slots = kept
			out = append(out, day)
		}
	}
	return out
}
