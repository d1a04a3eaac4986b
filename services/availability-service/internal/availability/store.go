package availability

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
)

// Store persists one Day per (business, date).
//
// UpdateDay and DeleteDayVersion only succeed when the stored version equals day.Version and
// return ErrVersionConflict otherwise. InsertDay never overwrites and reports false when a row
// already exists.
type Store interface {
	GetDay(ctx context.Context, businessID string, date civil.Date) (Day, bool, error)
	// GetRange returns stored days in [from, from+days) ordered by date.
	GetRange(ctx context.Context, businessID string, from civil.Date, days int) ([]Day, error)
	PutDay(ctx context.Context, day Day) error
	InsertDay(ctx context.Context, day Day) (bool, error)
	UpdateDay(ctx context.Context, day Day) error
	DeleteDay(ctx context.Context, businessID string, date civil.Date) error
	DeleteDayVersion(ctx context.Context, day Day) error
	// DeleteRange removes days in [from, to] inclusive.
	DeleteRange(ctx context.Context, businessID string, from, to civil.Date) (int64, error)
	DeleteBefore(ctx context.Context, businessID string, date civil.Date) (int64, error)
}

// ScheduleSource reads provider calendar settings owned by the business service.
type ScheduleSource interface {
	ListProviderSchedules(ctx context.Context, businessID string) ([]ProviderSchedule, error)
	BusinessTimezone(ctx context.Context, businessID string) (string, error)
	// ListActiveBusinesses pages business ids with at least one active provider, ordered by id, after afterID.
	ListActiveBusinesses(ctx context.Context, afterID string, limit int) ([]string, error)
}

// BookingSource returns live bookings of a business overlapping [from, to).
type BookingSource interface {
	ListBookings(ctx context.Context, businessID string, from, to time.Time) ([]Booking, error)
}
