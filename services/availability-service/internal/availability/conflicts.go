package availability

import (
	"time"

	"cloud.google.com/go/civil"
)

// BusyInterval is the span a booking keeps its provider occupied, buffer included.
type BusyInterval struct {
	ProviderID string
	Start      time.Time
	End        time.Time
}

// BusyIntervals extends every booking by the buffer of the provider it belongs to.
// Bookings for providers without a schedule get no buffer.
func BusyIntervals(bookings []Booking, schedules []ProviderSchedule) []BusyInterval {
	buffers := make(map[string]int, len(schedules))
	for _, s := range schedules {
		buffers[s.ProviderID] = s.BufferMinutes
	}
	out := make([]BusyInterval, 0, len(bookings))
	for _, b := range bookings {
		if b.DurationMinutes <= 0 {
			continue
		}
		end := b.End().Add(time.Duration(buffers[b.ProviderID]) * time.Minute)
		out = append(out, BusyInterval{ProviderID: b.ProviderID, Start: b.Start, End: end})
	}
	return out
}

// overlaps treats both intervals as half-open: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
func (b BusyInterval) overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}

// ReduceConflicts subtracts, from each slot of base, the number of distinct providers with a busy
// interval overlapping it. A provider is busy or not; several overlapping bookings count once.
// Slots reaching zero are dropped and order is preserved. base is not modified.
func ReduceConflicts(date civil.Date, loc *time.Location, base Slots, busy []BusyInterval) (Slots, error) {
	out := Slots{}
	for duration, list := range base {
		length := time.Duration(duration) * time.Minute
		kept := make([]Slot, 0, len(list))
		for _, slot := range list {
			start, err := SlotStart(date, slot.Time, loc)
			if err != nil {
				return nil, err
			}
			end := start.Add(length)

			busyProviders := map[string]struct{}{}
			for _, b := range busy {
				if b.overlaps(start, end) {
					busyProviders[b.ProviderID] = struct{}{}
				}
			}
			if n := slot.Count - len(busyProviders); n > 0 {
				kept = append(kept, Slot{Time: slot.Time, Count: n})
			}
		}
		if len(kept) > 0 {
			out[duration] = kept
		}
	}
	return out, nil
}

// Consume is the per-booking fast path: every slot overlapping busy loses one provider,
// whichever provider the booking belongs to. It returns the new slots and how many entries changed.
func (s Slots) Consume(date civil.Date, loc *time.Location, busy BusyInterval) (Slots, int, error) {
	out := Slots{}
	affected := 0
	for duration, list := range s {
		length := time.Duration(duration) * time.Minute
		kept := make([]Slot, 0, len(list))
		for _, slot := range list {
			start, err := SlotStart(date, slot.Time, loc)
			if err != nil {
				return nil, 0, err
			}
			if busy.overlaps(start, start.Add(length)) {
				affected++
				slot.Count--
			}
			if slot.Count > 0 {
				kept = append(kept, slot)
			}
		}
		if len(kept) > 0 {
			out[duration] = kept
		}
	}
	return out, affected, nil
}

// Shift adds delta to every count, dropping entries that fall to zero or below.
func (s Slots) Shift(delta int) Slots {
	out := Slots{}
	for duration, list := range s {
		kept := make([]Slot, 0, len(list))
		for _, slot := range list {
			if n := slot.Count + delta; n > 0 {
				kept = append(kept, Slot{Time: slot.Time, Count: n})
			}
		}
		if len(kept) > 0 {
			out[duration] = kept
		}
	}
	return out
}
