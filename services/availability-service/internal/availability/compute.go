package availability

import (
	"time"

	"cloud.google.com/go/civil"
)

// Compute is the single source of truth for a day's slot counts: resolve every provider's window,
// tally base counts, then subtract distinct busy providers. ok is false when nothing is bookable,
// which is not an error.
func Compute(businessID string, date civil.Date, ref *time.Location, schedules []ProviderSchedule, bookings []Booking) (Day, bool, error) {
	windows, err := Windows(schedules, date, ref)
	if err != nil {
		return Day{}, false, err
	}
	if len(windows) == 0 {
		return Day{}, false, nil
	}

	base := GenerateSlots(date, ref, windows, DurationClasses)
	slots, err := ReduceConflicts(date, ref, base, BusyIntervals(bookings, schedules))
	if err != nil {
		return Day{}, false, err
	}
	if slots.Empty() {
		return Day{}, false, nil
	}
	return Day{BusinessID: businessID, Date: date, Slots: slots}, true, nil
}
