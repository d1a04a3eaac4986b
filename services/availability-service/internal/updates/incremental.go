// Package updates keeps stored availability in step with bookings and provider changes without
// recomputing more than the change requires.
package updates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	otelx "github.com/md-rashed-zaman/availability-engine/libs/otel"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/aggregate"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
)

// BookingApplied describes a booking that was just created.
type BookingApplied struct {
	BusinessID      string
	ProviderID      string
	BookingID       string
	Start           time.Time
	DurationMinutes int
}

type Outcome string

const (
	OutcomeNoRow      Outcome = "no_row"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeAdjusted   Outcome = "adjusted"
	OutcomeDeleted    Outcome = "deleted"
	OutcomeRecomputed Outcome = "recomputed"
)

// Updater adjusts one stored day in place after a booking. It never creates rows.
type Updater struct {
	store  availability.Store
	agg    *aggregate.Aggregator
	logger *slog.Logger
}

func NewUpdater(store availability.Store, agg *aggregate.Aggregator, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{store: store, agg: agg, logger: logger}
}

func (u *Updater) ApplyBooking(ctx context.Context, b BookingApplied) (out Outcome, err error) {
	ctx, span := otelx.StartSpan(ctx, "availability.apply_booking",
		attribute.String("business.id", b.BusinessID),
		attribute.String("booking.id", b.BookingID),
	)
	defer func() {
		if err == nil {
			metrics.BookingsApplied.WithLabelValues(string(out)).Inc()
			span.SetAttributes(attribute.String("availability.outcome", string(out)))
		}
		otelx.EndSpan(span, err)
	}()

	if b.DurationMinutes <= 0 {
		return "", availability.ErrInvalidDuration
	}
	plan, ok, err := u.agg.Plan(ctx, b.BusinessID)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeNoRow, nil
	}
	busy := availability.BusyIntervals([]availability.Booking{{
		ID:              b.BookingID,
		ProviderID:      b.ProviderID,
		BusinessID:      b.BusinessID,
		Start:           b.Start,
		DurationMinutes: b.DurationMinutes,
	}}, plan.Schedules)[0]

	// Sessions late on the previous date and the buffer running past midnight reach other rows.
	own := civil.DateOf(b.Start.In(plan.Location))
	for _, date := range availability.TouchedDates(busy.Start, busy.End, plan.Location) {
		o, err := u.applyOn(ctx, plan, b, busy, date)
		if err != nil {
			return "", fmt.Errorf("apply %s: %w", date, err)
		}
		if date == own {
			out = o
		}
	}
	return out, nil
}

func (u *Updater) applyOn(ctx context.Context, plan aggregate.Plan, b BookingApplied, busy availability.BusyInterval, date civil.Date) (out Outcome, err error) {
	bookings, err := u.agg.Bookings(ctx, plan, date, 1)
	if err != nil {
		return "", err
	}
	if hasOtherBooking(bookings, b) {
		// Consume counts per booking, not per busy provider, so it would double count here.
		return u.recompute(ctx, plan, date, withBooking(bookings, b))
	}

	err = withRetry(ctx, func(ctx context.Context) error {
		day, exists, err := u.store.GetDay(ctx, b.BusinessID, date)
		if err != nil {
			return fmt.Errorf("get day: %w", err)
		}
		if !exists {
			out = OutcomeNoRow
			return nil
		}
		slots, affected, err := day.Slots.Consume(date, plan.Location, busy)
		if err != nil {
			return err
		}
		if affected == 0 {
			out = OutcomeUnchanged
			return nil
		}
		if slots.Empty() {
			out = OutcomeDeleted
			return u.store.DeleteDayVersion(ctx, day)
		}
		day.Slots = slots
		out = OutcomeAdjusted
		return u.store.UpdateDay(ctx, day)
	})
	if err != nil {
		return "", err
	}
	recordWrite(out)
	return out, nil
}

// recompute replaces an existing row with a from-scratch computation. A missing row stays missing.
func (u *Updater) recompute(ctx context.Context, plan aggregate.Plan, date civil.Date, bookings []availability.Booking) (Outcome, error) {
	fresh, ok, err := u.agg.ComputeDayWith(plan, date, bookings)
	if err != nil {
		return "", err
	}
	out := OutcomeRecomputed
	err = withRetry(ctx, func(ctx context.Context) error {
		day, exists, err := u.store.GetDay(ctx, plan.BusinessID, date)
		if err != nil {
			return fmt.Errorf("get day: %w", err)
		}
		if !exists {
			out = OutcomeNoRow
			return nil
		}
		if !ok {
			out = OutcomeDeleted
			return u.store.DeleteDayVersion(ctx, day)
		}
		fresh.Version = day.Version
		out = OutcomeRecomputed
		return u.store.UpdateDay(ctx, fresh)
	})
	if err != nil {
		return "", err
	}
	recordWrite(out)
	return out, nil
}

func hasOtherBooking(bookings []availability.Booking, b BookingApplied) bool {
	for _, other := range bookings {
		if other.ProviderID == b.ProviderID && other.ID != b.BookingID {
			return true
		}
	}
	return false
}

// withBooking makes sure the triggering booking is part of the set even if the source lags.
func withBooking(bookings []availability.Booking, b BookingApplied) []availability.Booking {
	for _, existing := range bookings {
		if existing.ID == b.BookingID {
			return bookings
		}
	}
	return append(bookings, availability.Booking{
		ID:              b.BookingID,
		ProviderID:      b.ProviderID,
		BusinessID:      b.BusinessID,
		Start:           b.Start,
		DurationMinutes: b.DurationMinutes,
	})
}

func recordWrite(out Outcome) {
	switch out {
	case OutcomeAdjusted, OutcomeRecomputed:
		metrics.DaysWritten.WithLabelValues("update").Inc()
	case OutcomeDeleted:
		metrics.DaysWritten.WithLabelValues("delete").Inc()
	}
}
