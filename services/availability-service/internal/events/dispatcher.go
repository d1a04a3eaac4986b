// Package events decodes trigger events from other services and routes them to the update paths.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/metrics"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/updates"
	"github.com/segmentio/kafka-go"
)

type Topics struct {
	BookingBooked    string
	BookingCancelled string
	StaffChanged     string
	CalendarUpdated  string
}

func DefaultTopics() Topics {
	return Topics{
		BookingBooked:    "booking.appointment.booked.v1",
		BookingCancelled: "booking.appointment.cancelled.v1",
		StaffChanged:     "business.staff.changed.v1",
		CalendarUpdated:  "business.calendar.updated.v1",
	}
}

func (t Topics) List() []string {
	return []string{t.BookingBooked, t.BookingCancelled, t.StaffChanged, t.CalendarUpdated}
}

type BookingUpdater interface {
	ApplyBooking(ctx context.Context, b updates.BookingApplied) (updates.Outcome, error)
}

type Rebalancer interface {
	ShiftProviderCount(ctx context.Context, businessID string, oldCount, newCount int) (int, error)
	RegenerateAll(ctx context.Context, businessID string) (updates.RegenerateResult, error)
	RecomputeWindow(ctx context.Context, businessID string) error
	RecomputeDay(ctx context.Context, businessID string, date civil.Date) error
}

type Locator interface {
	Location(ctx context.Context, businessID string) (*time.Location, error)
}

type Dispatcher struct {
	topics     Topics
	updater    BookingUpdater
	rebalancer Rebalancer
	locator    Locator
	logger     *slog.Logger
}

func NewDispatcher(topics Topics, updater BookingUpdater, rebalancer Rebalancer, locator Locator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{topics: topics, updater: updater, rebalancer: rebalancer, locator: locator, logger: logger}
}

type appointmentEvent struct {
	AppointmentID string `json:"appointment_id"`
	BusinessID    string `json:"business_id"`
	StaffID       string `json:"staff_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
}

type staffChangedEvent struct {
	BusinessID string `json:"business_id"`
	StaffID    string `json:"staff_id"`
	Action     string `json:"action"`
	// Mode is "shift" for the arithmetic fast path; anything else regenerates.
	Mode     string `json:"mode"`
	OldCount int    `json:"old_count"`
	NewCount int    `json:"new_count"`
}

type calendarUpdatedEvent struct {
	BusinessID string `json:"business_id"`
	StaffID    string `json:"staff_id"`
}

// Handle routes msg by topic. Malformed payloads are logged and dropped; only retryable failures
// are returned.
func (d *Dispatcher) Handle(ctx context.Context, msg kafka.Message) error {
	var err error
	switch msg.Topic {
	case d.topics.BookingBooked:
		err = d.booked(ctx, msg.Value)
	case d.topics.BookingCancelled:
		err = d.cancelled(ctx, msg.Value)
	case d.topics.StaffChanged:
		err = d.staffChanged(ctx, msg.Value)
	case d.topics.CalendarUpdated:
		err = d.calendarUpdated(ctx, msg.Value)
	default:
		d.logger.Warn("event on unexpected topic ignored", "topic", msg.Topic)
		return nil
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EventsConsumed.WithLabelValues(msg.Topic, result).Inc()
	return err
}

func (d *Dispatcher) decodeAppointment(raw []byte) (appointmentEvent, time.Time, time.Time, bool) {
	var evt appointmentEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		d.logger.Error("invalid appointment event", "err", err)
		return evt, time.Time{}, time.Time{}, false
	}
	if evt.BusinessID == "" || evt.StartTime == "" || evt.EndTime == "" {
		d.logger.Error("missing appointment event fields", "appointment_id", evt.AppointmentID)
		return evt, time.Time{}, time.Time{}, false
	}
	start, err := time.Parse(time.RFC3339, evt.StartTime)
	if err != nil {
		d.logger.Error("invalid start_time", "err", err, "appointment_id", evt.AppointmentID)
		return evt, time.Time{}, time.Time{}, false
	}
	end, err := time.Parse(time.RFC3339, evt.EndTime)
	if err != nil || !end.After(start) {
		d.logger.Error("invalid end_time", "err", err, "appointment_id", evt.AppointmentID)
		return evt, time.Time{}, time.Time{}, false
	}
	return evt, start, end, true
}

// booked is best effort: the booking already exists, so a failed update is only a warning and the
// next recomputation heals the day.
func (d *Dispatcher) booked(ctx context.Context, raw []byte) error {
	evt, start, end, ok := d.decodeAppointment(raw)
	if !ok {
		return nil
	}
	if strings.TrimSpace(evt.StaffID) == "" {
		d.logger.Info("booking without staff skipped", "appointment_id", evt.AppointmentID)
		return nil
	}
	out, err := d.updater.ApplyBooking(ctx, updates.BookingApplied{
		BusinessID:      evt.BusinessID,
		ProviderID:      evt.StaffID,
		BookingID:       evt.AppointmentID,
		Start:           start,
		DurationMinutes: int(math.Ceil(end.Sub(start).Minutes())),
	})
	if err != nil {
		d.logger.Warn("availability update after booking failed",
			"err", err, "business_id", evt.BusinessID, "appointment_id", evt.AppointmentID)
		return nil
	}
	d.logger.Debug("booking applied", "business_id", evt.BusinessID, "appointment_id", evt.AppointmentID, "outcome", string(out))
	return nil
}

func (d *Dispatcher) cancelled(ctx context.Context, raw []byte) error {
	evt, start, _, ok := d.decodeAppointment(raw)
	if !ok {
		return nil
	}
	loc, err := d.locator.Location(ctx, evt.BusinessID)
	if err != nil {
		return err
	}
	return d.rebalancer.RecomputeDay(ctx, evt.BusinessID, civil.DateOf(start.In(loc)))
}

func (d *Dispatcher) staffChanged(ctx context.Context, raw []byte) error {
	var evt staffChangedEvent
	if err := json.Unmarshal(raw, &evt); err != nil || evt.BusinessID == "" {
		d.logger.Error("invalid staff changed event", "err", err)
		return nil
	}
	if evt.Mode == "shift" {
		_, err := d.rebalancer.ShiftProviderCount(ctx, evt.BusinessID, evt.OldCount, evt.NewCount)
		return err
	}
	_, err := d.rebalancer.RegenerateAll(ctx, evt.BusinessID)
	return err
}

func (d *Dispatcher) calendarUpdated(ctx context.Context, raw []byte) error {
	var evt calendarUpdatedEvent
	if err := json.Unmarshal(raw, &evt); err != nil || evt.BusinessID == "" {
		d.logger.Error("invalid calendar updated event", "err", err)
		return nil
	}
	return d.rebalancer.RecomputeWindow(ctx, evt.BusinessID)
}
