package storage

import (
	"context"
	"math"
	"time"

	"github.com/md-rashed-zaman/availability-engine/libs/db"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
)

// BookingRepository reads live appointments owned by the booking service.
type BookingRepository struct {
	pool *db.Pool
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

// ListBookings returns booked appointments with an assigned staff member overlapping [from, to).
func (r *BookingRepository) ListBookings(ctx context.Context, businessID string, from, to time.Time) ([]availability.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, business_id::text, staff_id::text, start_time, end_time
		FROM appointments
		WHERE business_id = $1
			AND staff_id IS NOT NULL
			AND status = 'booked'
			AND start_time < $3
			AND end_time > $2
		ORDER BY start_time ASC
	`, businessID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Booking
	for rows.Next() {
		var (
			b          availability.Booking
			start, end time.Time
		)
		if err := rows.Scan(&b.ID, &b.BusinessID, &b.ProviderID, &start, &end); err != nil {
			return nil, err
		}
		b.Start = start
		b.DurationMinutes = int(math.Ceil(end.Sub(start).Minutes()))
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
