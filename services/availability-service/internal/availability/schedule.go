package availability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
)

// WorkWindow is a weekday template entry in minutes after local midnight. EndMinute may be 1440.
type WorkWindow struct {
	StartMinute int
	EndMinute   int
}

func (w WorkWindow) valid() bool {
	return w.StartMinute >= 0 && w.EndMinute <= 24*60 && w.EndMinute > w.StartMinute
}

// ProviderSchedule is one provider's calendar settings within a business.
type ProviderSchedule struct {
	ProviderID    string
	BusinessID    string
	Timezone      string
	BufferMinutes int
	// WorkingHours is indexed by time.Weekday; nil means not working that day.
	WorkingHours [7]*WorkWindow
}

// WindowOn projects the weekly template onto the provider-local date. The weekday is taken from the
// calendar date itself, never from a UTC instant, so a local Monday always resolves the Monday
// template. Wall-clock start and end are built in the provider's timezone (ref when the provider has
// none) and returned in ref, so the result may lie partly or wholly on another ref date.
func (p ProviderSchedule) WindowOn(date civil.Date, ref *time.Location) (Window, bool, error) {
	wh := p.WorkingHours[date.In(time.UTC).Weekday()]
	if wh == nil || !wh.valid() {
		return Window{}, false, nil
	}

	loc, err := p.location(ref)
	if err != nil {
		return Window{}, false, err
	}

	start := time.Date(date.Year, date.Month, date.Day, wh.StartMinute/60, wh.StartMinute%60, 0, 0, loc)
	end := time.Date(date.Year, date.Month, date.Day, wh.EndMinute/60, wh.EndMinute%60, 0, 0, loc)
	if !end.After(start) {
		return Window{}, false, nil
	}
	return Window{ProviderID: p.ProviderID, Start: start.In(ref), End: end.In(ref)}, true, nil
}

// WindowsOn returns every window of the provider that overlaps the ref date. A provider whose
// timezone differs from ref can contribute the tail of one local day and the head of the next, so
// the local dates either side of date are projected too.
func (p ProviderSchedule) WindowsOn(date civil.Date, ref *time.Location) ([]Window, error) {
	dayStart, dayEnd := DayBounds(date, ref)
	var out []Window
	for offset := -1; offset <= 1; offset++ {
		w, ok, err := p.WindowOn(date.AddDays(offset), ref)
		if err != nil {
			return nil, err
		}
		if ok && w.Start.Before(dayEnd) && dayStart.Before(w.End) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (p ProviderSchedule) location(ref *time.Location) (*time.Location, error) {
	if strings.TrimSpace(p.Timezone) == "" {
		return ref, nil
	}
	loc, err := LoadLocation(p.Timezone)
	if err != nil {
		return nil, &ConfigError{BusinessID: p.BusinessID, ProviderID: p.ProviderID, Err: err}
	}
	return loc, nil
}

// Windows resolves every schedule for date and drops providers that are not working.
func Windows(schedules []ProviderSchedule, date civil.Date, ref *time.Location) ([]Window, error) {
	var out []Window
	for _, s := range schedules {
		ws, err := s.WindowsOn(date, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, ws...)
	}
	return out, nil
}

// ReferenceTimezone picks the timezone slot labels and "today" are expressed in. The business
// timezone wins; otherwise the first provider with a timezone is used and fallback is true.
func ReferenceTimezone(businessID, businessTZ string, schedules []ProviderSchedule) (name string, fallback bool, err error) {
	if tz := strings.TrimSpace(businessTZ); tz != "" {
		return tz, false, nil
	}
	for _, s := range schedules {
		if tz := strings.TrimSpace(s.Timezone); tz != "" {
			return tz, true, nil
		}
	}
	return "", false, &ConfigError{BusinessID: businessID, Err: ErrMissingTimezone}
}

// MaxBuffer is the largest buffer among schedules, in minutes.
func MaxBuffer(schedules []ProviderSchedule) int {
	max := 0
	for _, s := range schedules {
		if s.BufferMinutes > max {
			max = s.BufferMinutes
		}
	}
	return max
}

var locations sync.Map

// LoadLocation is time.LoadLocation with a process-wide cache.
func LoadLocation(name string) (*time.Location, error) {
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownTimezone, name)
	}
	locations.Store(name, loc)
	return loc, nil
}
