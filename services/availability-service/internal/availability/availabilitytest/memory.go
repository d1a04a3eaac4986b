// Package availabilitytest provides in-memory implementations of the availability store and its
// sources for tests.
package availabilitytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
)

type key struct {
	business string
	date     civil.Date
}

// Store is a versioned in-memory availability.Store.
type Store struct {
	mu   sync.Mutex
	days map[key]availability.Day
	seq  int64

	// FailUpdates, when > 0, makes that many UpdateDay calls report a version conflict.
	FailUpdates int
}

func NewStore() *Store {
	return &Store{days: map[key]availability.Day{}}
}

func (s *Store) GetDay(_ context.Context, businessID string, date civil.Date) (availability.Day, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.days[key{businessID, date}]
	if !ok {
		return availability.Day{}, false, nil
	}
	d.Slots = d.Slots.Clone()
	return d, true, nil
}

func (s *Store) GetRange(_ context.Context, businessID string, from civil.Date, days int) ([]availability.Day, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	to := from.AddDays(days)
	var out []availability.Day
	for k, d := range s.days {
		if k.business != businessID || k.date.Before(from) || !k.date.Before(to) {
			continue
		}
		d.Slots = d.Slots.Clone()
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) PutDay(_ context.Context, day availability.Day) error {
	if day.Slots.Empty() {
		return availability.ErrEmptyDay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(day)
	return nil
}

func (s *Store) InsertDay(_ context.Context, day availability.Day) (bool, error) {
	if day.Slots.Empty() {
		return false, availability.ErrEmptyDay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.days[key{day.BusinessID, day.Date}]; ok {
		return false, nil
	}
	s.store(day)
	return true, nil
}

func (s *Store) UpdateDay(_ context.Context, day availability.Day) error {
	if day.Slots.Empty() {
		return availability.ErrEmptyDay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdates > 0 {
		s.FailUpdates--
		s.bump(key{day.BusinessID, day.Date})
		return availability.ErrVersionConflict
	}
	cur, ok := s.days[key{day.BusinessID, day.Date}]
	if !ok || cur.Version != day.Version {
		return availability.ErrVersionConflict
	}
	s.store(day)
	return nil
}

func (s *Store) DeleteDay(_ context.Context, businessID string, date civil.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.days, key{businessID, date})
	return nil
}

func (s *Store) DeleteDayVersion(_ context.Context, day availability.Day) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.days[key{day.BusinessID, day.Date}]
	if !ok || cur.Version != day.Version {
		return availability.ErrVersionConflict
	}
	delete(s.days, key{day.BusinessID, day.Date})
	return nil
}

func (s *Store) DeleteRange(_ context.Context, businessID string, from, to civil.Date) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.days {
		if k.business == businessID && !k.date.Before(from) && !k.date.After(to) {
			delete(s.days, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteBefore(_ context.Context, businessID string, date civil.Date) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.days {
		if k.business == businessID && k.date.Before(date) {
			delete(s.days, k)
			n++
		}
	}
	return n, nil
}

// Snapshot returns every stored day of businessID ordered by date.
func (s *Store) Snapshot(businessID string) []availability.Day {
	out, _ := s.GetRange(context.Background(), businessID, civil.Date{Year: 1, Month: time.January, Day: 1}, 1<<20)
	return out
}

func (s *Store) store(day availability.Day) {
	s.seq++
	day.Version = s.seq
	day.Slots = day.Slots.Clone()
	s.days[key{day.BusinessID, day.Date}] = day
}

func (s *Store) bump(k key) {
	if d, ok := s.days[k]; ok {
		s.seq++
		d.Version = s.seq
		s.days[k] = d
	}
}

// Sources serves schedules, timezones and bookings from memory.
type Sources struct {
	mu        sync.Mutex
	Timezones map[string]string
	Schedules map[string][]availability.ProviderSchedule
	Bookings  map[string][]availability.Booking
}

func NewSources() *Sources {
	return &Sources{
		Timezones: map[string]string{},
		Schedules: map[string][]availability.ProviderSchedule{},
		Bookings:  map[string][]availability.Booking{},
	}
}

func (s *Sources) AddProvider(p availability.ProviderSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Schedules[p.BusinessID] = append(s.Schedules[p.BusinessID], p)
}

func (s *Sources) AddBooking(b availability.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Bookings[b.BusinessID] = append(s.Bookings[b.BusinessID], b)
}

func (s *Sources) ListProviderSchedules(_ context.Context, businessID string) ([]availability.ProviderSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]availability.ProviderSchedule(nil), s.Schedules[businessID]...), nil
}

func (s *Sources) BusinessTimezone(_ context.Context, businessID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Timezones[businessID], nil
}

func (s *Sources) ListActiveBusinesses(_ context.Context, afterID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, list := range s.Schedules {
		if len(list) > 0 && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Sources) ListBookings(_ context.Context, businessID string, from, to time.Time) ([]availability.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []availability.Booking
	for _, b := range s.Bookings[businessID] {
		if b.Start.Before(to) && b.End().After(from) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Weekdays builds a template with the same hours on the given weekdays.
func Weekdays(startMinute, endMinute int, days ...time.Weekday) [7]*availability.WorkWindow {
	var wh [7]*availability.WorkWindow
	for _, d := range days {
		wh[d] = &availability.WorkWindow{StartMinute: startMinute, EndMinute: endMinute}
	}
	return wh
}

// MonFri is Monday to Friday.
var MonFri = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

// EveryDay is all seven weekdays.
var EveryDay = []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
