// Package aggregate loads a business's provider calendars and bookings and turns them into
// AvailabilityDay records, one day at a time or across a range with a single booking fetch.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	otelx "github.com/md-rashed-zaman/availability-engine/libs/otel"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"go.opentelemetry.io/otel/attribute"
)

type Aggregator struct {
	schedules availability.ScheduleSource
	bookings  availability.BookingSource
	logger    *slog.Logger
}

func New(schedules availability.ScheduleSource, bookings availability.BookingSource, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{schedules: schedules, bookings: bookings, logger: logger}
}

// Plan is everything needed to compute any day of one business.
type Plan struct {
	BusinessID string
	Location   *time.Location
	Schedules  []availability.ProviderSchedule
}

// Today is the current business-local date.
func (p Plan) Today(now time.Time) civil.Date {
	return availability.Today(now, p.Location)
}

// Plan loads provider schedules and resolves the reference timezone. ok is false when the business
// has no providers, which is not an error.
func (a *Aggregator) Plan(ctx context.Context, businessID string) (Plan, bool, error) {
	schedules, err := a.schedules.ListProviderSchedules(ctx, businessID)
	if err != nil {
		return Plan{}, false, fmt.Errorf("list provider schedules: %w", err)
	}
	if len(schedules) == 0 {
		return Plan{BusinessID: businessID}, false, nil
	}

	businessTZ, err := a.schedules.BusinessTimezone(ctx, businessID)
	if err != nil {
		return Plan{}, false, fmt.Errorf("business timezone: %w", err)
	}
	name, fallback, err := availability.ReferenceTimezone(businessID, businessTZ, schedules)
	if err != nil {
		return Plan{}, false, err
	}
	if fallback {
		a.logger.Warn("business has no timezone; using provider timezone",
			"business_id", businessID, "timezone", name)
	}
	loc, err := availability.LoadLocation(name)
	if err != nil {
		return Plan{}, false, &availability.ConfigError{BusinessID: businessID, Err: err}
	}
	return Plan{BusinessID: businessID, Location: loc, Schedules: schedules}, true, nil
}

// Location resolves the business reference timezone without requiring providers to exist.
// It falls back to UTC when nothing is configured.
func (a *Aggregator) Location(ctx context.Context, businessID string) (*time.Location, error) {
	plan, ok, err := a.Plan(ctx, businessID)
	if err != nil {
		return nil, err
	}
	if ok {
		return plan.Location, nil
	}
	tz, err := a.schedules.BusinessTimezone(ctx, businessID)
	if err != nil || tz == "" {
		return time.UTC, err
	}
	loc, err := availability.LoadLocation(tz)
	if err != nil {
		return nil, &availability.ConfigError{BusinessID: businessID, Err: err}
	}
	return loc, nil
}

// ComputeDay builds the day for businessID on date from current schedules and bookings.
func (a *Aggregator) ComputeDay(ctx context.Context, businessID string, date civil.Date) (availability.Day, bool, error) {
	ctx, span := otelx.StartSpan(ctx, "availability.compute_day",
		attribute.String("business.id", businessID),
		attribute.String("availability.date", date.String()),
	)
	day, ok, err := a.computeDay(ctx, businessID, date)
	otelx.EndSpan(span, err)
	return day, ok, err
}

func (a *Aggregator) computeDay(ctx context.Context, businessID string, date civil.Date) (availability.Day, bool, error) {
	plan, ok, err := a.Plan(ctx, businessID)
	if err != nil || !ok {
		return availability.Day{}, false, err
	}
	bookings, err := a.Bookings(ctx, plan, date, 1)
	if err != nil {
		return availability.Day{}, false, err
	}
	return a.ComputeDayWith(plan, date, bookings)
}

// ComputeDayWith computes one day from an already loaded plan and booking set.
func (a *Aggregator) ComputeDayWith(plan Plan, date civil.Date, bookings []availability.Booking) (availability.Day, bool, error) {
	return availability.Compute(plan.BusinessID, date, plan.Location, plan.Schedules, bookings)
}

// Bookings fetches every booking that can touch a slot of [from, from+days). The lower bound is
// widened by the largest provider buffer so a booking ending just before midnight still blocks its
// buffer, and the upper bound by the longest class since a late slot may run past midnight.
func (a *Aggregator) Bookings(ctx context.Context, plan Plan, from civil.Date, days int) ([]availability.Booking, error) {
	start, _ := availability.DayBounds(from, plan.Location)
	_, end := availability.DayBounds(from.AddDays(days-1), plan.Location)
	start = start.Add(-time.Duration(availability.MaxBuffer(plan.Schedules)) * time.Minute)
	end = end.Add(availability.LongestClass())

	bookings, err := a.bookings.ListBookings(ctx, plan.BusinessID, start, end)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, nil
}

// ComputeRange computes [from, from+days) with one booking fetch and returns non-empty days in
// date order.
func (a *Aggregator) ComputeRange(ctx context.Context, businessID string, from civil.Date, days int) (_ []availability.Day, err error) {
	ctx, span := otelx.StartSpan(ctx, "availability.compute_range",
		attribute.String("business.id", businessID),
		attribute.String("availability.from", from.String()),
		attribute.Int("availability.days", days),
	)
	defer func() { otelx.EndSpan(span, err) }()

	if days <= 0 {
		return nil, nil
	}
	plan, ok, err := a.Plan(ctx, businessID)
	if err != nil || !ok {
		return nil, err
	}
	return a.ComputeRangeWith(ctx, plan, from, days)
}

// ComputeRangeWith is ComputeRange for an already loaded plan.
func (a *Aggregator) ComputeRangeWith(ctx context.Context, plan Plan, from civil.Date, days int) ([]availability.Day, error) {
	bookings, err := a.Bookings(ctx, plan, from, days)
	if err != nil {
		return nil, err
	}
	var out []availability.Day
	for i := 0; i < days; i++ {
		date := from.AddDays(i)
		day, ok, err := a.ComputeDayWith(plan, date, bookings)
		if err != nil {
			return nil, fmt.Errorf("compute %s: %w", date, err)
		}
		if ok {
			out = append(out, day)
		}
	}
	return out, nil
}
