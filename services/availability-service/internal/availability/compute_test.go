package availability

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
)

var (
	monday  = civil.Date{Year: 2026, Month: time.October, Day: 19}
	tuesday = civil.Date{Year: 2026, Month: time.October, Day: 20}
)

func weekdays(startMinute, endMinute int, days ...time.Weekday) [7]*WorkWindow {
	var wh [7]*WorkWindow
	for _, d := range days {
		wh[d] = &WorkWindow{StartMinute: startMinute, EndMinute: endMinute}
	}
	return wh
}

func monFri(id string) ProviderSchedule {
	return ProviderSchedule{
		ProviderID:   id,
		BusinessID:   "biz",
		WorkingHours: weekdays(9*60, 17*60, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
	}
}

func at(date civil.Date, hour, minute int) time.Time {
	return time.Date(date.Year, date.Month, date.Day, hour, minute, 0, 0, time.UTC)
}

func clocks(list []Slot) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Time)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestComputeSingleProviderWorkday(t *testing.T) {
	day, ok, err := Compute("biz", tuesday, time.UTC, []ProviderSchedule{monFri("p1")}, nil)
	if err != nil || !ok {
		t.Fatalf("expected a day, ok=%v err=%v", ok, err)
	}

	want := []string{"09:00", "10:00", "11:00", "12:00", "13:00", "14:00", "15:00", "16:00"}
	if got := clocks(day.Slots[60]); !equalStrings(got, want) {
		t.Fatalf("60-minute slots: got %v want %v", got, want)
	}
	for _, s := range day.Slots[60] {
		if s.Count != 1 {
			t.Fatalf("expected count 1 at %s, got %d", s.Time, s.Count)
		}
	}
	if got := clocks(day.Slots[90]); got[len(got)-1] != "15:00" {
		t.Fatalf("expected last 90-minute start 15:00, got %v", got)
	}
	if _, ok := day.Slots[360]; !ok {
		t.Fatalf("expected 360-minute class for an 8 hour window")
	}
}

func TestComputeRemovesSlotsOverlappingBooking(t *testing.T) {
	bookings := []Booking{{ID: "b1", ProviderID: "p1", BusinessID: "biz", Start: at(tuesday, 10, 0), DurationMinutes: 90}}
	day, ok, err := Compute("biz", tuesday, time.UTC, []ProviderSchedule{monFri("p1")}, bookings)
	if err != nil || !ok {
		t.Fatalf("expected a day, ok=%v err=%v", ok, err)
	}

	for _, clock := range []string{"10:00", "11:00"} {
		if n := day.Slots.Count(60, clock); n != 0 {
			t.Fatalf("expected %s removed, got count %d", clock, n)
		}
	}
	// [09:00,10:00) touches but does not overlap [10:00,11:30).
	for _, clock := range []string{"09:00", "12:00", "16:00"} {
		if n := day.Slots.Count(60, clock); n != 1 {
			t.Fatalf("expected %s to stay at 1, got %d", clock, n)
		}
	}
}

func TestComputeTwoProvidersOneBooked(t *testing.T) {
	schedules := []ProviderSchedule{monFri("a"), monFri("b")}
	bookings := []Booking{{ID: "b1", ProviderID: "a", BusinessID: "biz", Start: at(monday, 14, 0), DurationMinutes: 120}}

	day, ok, err := Compute("biz", monday, time.UTC, schedules, bookings)
	if err != nil || !ok {
		t.Fatalf("expected a day, ok=%v err=%v", ok, err)
	}
	cases := map[string]int{"09:00": 2, "12:00": 2, "13:00": 1, "14:00": 1, "15:00": 1}
	for clock, want := range cases {
		if got := day.Slots.Count(120, clock); got != want {
			t.Fatalf("120-minute %s: got %d want %d", clock, got, want)
		}
	}
}

func TestComputeCountsBusyProviderOnce(t *testing.T) {
	schedules := []ProviderSchedule{monFri("a"), monFri("b")}
	bookings := []Booking{
		{ID: "b1", ProviderID: "a", Start: at(monday, 9, 0), DurationMinutes: 60},
		{ID: "b2", ProviderID: "a", Start: at(monday, 10, 0), DurationMinutes: 60},
	}
	day, _, err := Compute("biz", monday, time.UTC, schedules, bookings)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := day.Slots.Count(120, "09:00"); got != 1 {
		t.Fatalf("expected provider a subtracted once, got %d", got)
	}
}

func TestComputeAppliesBookedProviderBuffer(t *testing.T) {
	p := monFri("p1")
	p.BufferMinutes = 30
	bookings := []Booking{{ID: "b1", ProviderID: "p1", Start: at(tuesday, 10, 0), DurationMinutes: 60}}

	day, _, err := Compute("biz", tuesday, time.UTC, []ProviderSchedule{p}, bookings)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := day.Slots.Count(60, "11:00"); got != 0 {
		t.Fatalf("expected buffer to block 11:00, got %d", got)
	}
	if got := day.Slots.Count(60, "12:00"); got != 1 {
		t.Fatalf("expected 12:00 free, got %d", got)
	}
}

func TestComputeBufferOnlyAffectsBookedProvider(t *testing.T) {
	a := monFri("a")
	a.BufferMinutes = 60
	b := monFri("b")
	bookings := []Booking{{ID: "b1", ProviderID: "b", Start: at(monday, 10, 0), DurationMinutes: 60}}

	day, _, err := Compute("biz", monday, time.UTC, []ProviderSchedule{a, b}, bookings)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := day.Slots.Count(60, "11:00"); got != 2 {
		t.Fatalf("expected provider a's buffer ignored for b's booking, got %d", got)
	}
}

func TestComputeNoWorkingProviders(t *testing.T) {
	saturday := civil.Date{Year: 2026, Month: time.October, Day: 24}
	_, ok, err := Compute("biz", saturday, time.UTC, []ProviderSchedule{monFri("p1")}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no availability on saturday")
	}
}

func TestComputeFullyBookedDayIsNone(t *testing.T) {
	bookings := []Booking{{ID: "b1", ProviderID: "p1", Start: at(tuesday, 9, 0), DurationMinutes: 8 * 60}}
	_, ok, err := Compute("biz", tuesday, time.UTC, []ProviderSchedule{monFri("p1")}, bookings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected fully booked day to be none")
	}
}

func TestComputeCapacityBound(t *testing.T) {
	schedules := []ProviderSchedule{
		{ProviderID: "a", WorkingHours: weekdays(8*60, 12*60, time.Monday)},
		{ProviderID: "b", WorkingHours: weekdays(10*60, 18*60, time.Monday)},
		{ProviderID: "c", WorkingHours: weekdays(9*60, 20*60, time.Monday)},
	}
	bookings := []Booking{{ID: "x", ProviderID: "c", Start: at(monday, 11, 0), DurationMinutes: 60}}
	day, _, err := Compute("biz", monday, time.UTC, schedules, bookings)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	windows, _ := Windows(schedules, monday, time.UTC)
	for duration, list := range day.Slots {
		for _, s := range list {
			start, _ := SlotStart(monday, s.Time, time.UTC)
			end := start.Add(time.Duration(duration) * time.Minute)
			covering := 0
			for _, w := range windows {
				if !start.Before(w.Start) && !end.After(w.End) {
					covering++
				}
			}
			if s.Count <= 0 || s.Count > covering {
				t.Fatalf("%d/%s: count %d outside (0, %d]", duration, s.Time, s.Count, covering)
			}
		}
	}
}

func TestWindowOnUsesCalendarWeekday(t *testing.T) {
	auckland, err := time.LoadLocation("Pacific/Auckland")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	p := ProviderSchedule{ProviderID: "p1", WorkingHours: weekdays(9*60, 12*60, time.Monday)}

	// Monday morning in Auckland is still Sunday in UTC.
	day, ok, err := Compute("biz", monday, auckland, []ProviderSchedule{p}, nil)
	if err != nil || !ok {
		t.Fatalf("expected monday template to apply, ok=%v err=%v", ok, err)
	}
	if got := clocks(day.Slots[60]); !equalStrings(got, []string{"09:00", "10:00", "11:00"}) {
		t.Fatalf("unexpected slots %v", got)
	}
}

func TestWindowOnConvertsProviderTimezone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	p := monFri("p1")
	p.Timezone = "America/Los_Angeles"

	w, ok, err := p.WindowOn(tuesday, ny)
	if err != nil || !ok {
		t.Fatalf("expected window, ok=%v err=%v", ok, err)
	}
	if w.Start.Format("15:04") != "12:00" || w.End.Format("15:04") != "20:00" {
		t.Fatalf("expected 12:00-20:00 in New York, got %s-%s", w.Start.Format("15:04"), w.End.Format("15:04"))
	}
}

func TestComputeFallBackDayCountsEachProviderOnce(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	fallBack := civil.Date{Year: 2026, Month: time.November, Day: 1}
	p := ProviderSchedule{ProviderID: "p1", WorkingHours: weekdays(0, 4*60, time.Sunday)}

	day, ok, err := Compute("biz", fallBack, ny, []ProviderSchedule{p}, nil)
	if err != nil || !ok {
		t.Fatalf("expected a day, ok=%v err=%v", ok, err)
	}
	if got := clocks(day.Slots[60]); !equalStrings(got, []string{"00:00", "01:00", "02:00", "03:00"}) {
		t.Fatalf("unexpected slots %v", got)
	}
	for duration, list := range day.Slots {
		for _, s := range list {
			if s.Count != 1 {
				t.Fatalf("%d/%s: single provider counted %d times", duration, s.Time, s.Count)
			}
		}
	}

	// 01:00 labels the first pass through the repeated hour.
	first := time.Date(2026, time.November, 1, 5, 0, 0, 0, time.UTC)
	booked, _, err := Compute("biz", fallBack, ny, []ProviderSchedule{p}, []Booking{{ID: "b1", ProviderID: "p1", Start: first, DurationMinutes: 60}})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if booked.Slots.Count(60, "01:00") != 0 {
		t.Fatalf("expected 01:00 consumed by a booking at %s", first.In(ny))
	}
}

func TestComputeFilesProviderWindowUnderReferenceDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Tuesday 09:00-17:00 in Tokyo is Monday 20:00 to Tuesday 04:00 in New York.
	p := ProviderSchedule{ProviderID: "p1", Timezone: "Asia/Tokyo", WorkingHours: weekdays(9*60, 17*60, time.Tuesday)}

	mon, ok, err := Compute("biz", monday, ny, []ProviderSchedule{p}, nil)
	if err != nil || !ok {
		t.Fatalf("expected monday slots, ok=%v err=%v", ok, err)
	}
	if got := clocks(mon.Slots[60]); !equalStrings(got, []string{"20:00", "21:00", "22:00", "23:00"}) {
		t.Fatalf("monday: unexpected slots %v", got)
	}
	tue, ok, err := Compute("biz", tuesday, ny, []ProviderSchedule{p}, nil)
	if err != nil || !ok {
		t.Fatalf("expected tuesday slots, ok=%v err=%v", ok, err)
	}
	if got := clocks(tue.Slots[60]); !equalStrings(got, []string{"00:00", "01:00", "02:00", "03:00"}) {
		t.Fatalf("tuesday: unexpected slots %v", got)
	}

	bookings := []Booking{{ID: "b1", ProviderID: "p1", Start: time.Date(2026, time.October, 20, 10, 0, 0, 0, tokyo), DurationMinutes: 60}}
	mon, _, err = Compute("biz", monday, ny, []ProviderSchedule{p}, bookings)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if mon.Slots.Count(60, "21:00") != 0 || mon.Slots.Count(60, "20:00") != 1 {
		t.Fatalf("expected only 21:00 consumed, got %v", mon.Slots[60])
	}
	tue, _, _ = Compute("biz", tuesday, ny, []ProviderSchedule{p}, bookings)
	if len(tue.Slots[60]) != 4 {
		t.Fatalf("tuesday must be untouched, got %v", tue.Slots[60])
	}
}

func TestTouchedDates(t *testing.T) {
	start := time.Date(2026, time.October, 20, 2, 0, 0, 0, time.UTC)
	got := TouchedDates(start, start.Add(time.Hour), time.UTC)
	if len(got) != 2 || got[0] != monday || got[1] != tuesday {
		t.Fatalf("expected monday and tuesday, got %v", got)
	}
	late := time.Date(2026, time.October, 20, 12, 0, 0, 0, time.UTC)
	if got := TouchedDates(late, late.Add(time.Hour), time.UTC); len(got) != 1 || got[0] != tuesday {
		t.Fatalf("expected tuesday only, got %v", got)
	}
}

func TestWindowOnUnknownTimezone(t *testing.T) {
	p := monFri("p1")
	p.Timezone = "Mars/Olympus_Mons"
	_, _, err := p.WindowOn(tuesday, time.UTC)
	if !IsConfigError(err) || !errors.Is(err, ErrUnknownTimezone) {
		t.Fatalf("expected config error for unknown timezone, got %v", err)
	}
}

func TestReferenceTimezone(t *testing.T) {
	withTZ := monFri("p1")
	withTZ.Timezone = "Europe/Berlin"

	name, fallback, err := ReferenceTimezone("biz", "America/Chicago", []ProviderSchedule{withTZ})
	if err != nil || name != "America/Chicago" || fallback {
		t.Fatalf("expected business timezone, got %q fallback=%v err=%v", name, fallback, err)
	}

	name, fallback, err = ReferenceTimezone("biz", " ", []ProviderSchedule{monFri("p0"), withTZ})
	if err != nil || name != "Europe/Berlin" || !fallback {
		t.Fatalf("expected provider fallback, got %q fallback=%v err=%v", name, fallback, err)
	}

	_, _, err = ReferenceTimezone("biz", "", []ProviderSchedule{monFri("p0")})
	if !errors.Is(err, ErrMissingTimezone) {
		t.Fatalf("expected missing timezone, got %v", err)
	}
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.BusinessID != "biz" {
		t.Fatalf("expected config error naming the business, got %v", err)
	}
}
