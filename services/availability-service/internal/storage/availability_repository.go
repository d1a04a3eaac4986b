package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/md-rashed-zaman/availability-engine/libs/db"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
)

// AvailabilityRepository stores one row per business and date in business_availability_days.
type AvailabilityRepository struct {
	pool *db.Pool
}

func NewAvailabilityRepository(pool *db.Pool) *AvailabilityRepository {
	return &AvailabilityRepository{pool: pool}
}

func pgDate(d civil.Date) time.Time {
	return d.In(time.UTC)
}

func encodeSlots(day availability.Day) (string, error) {
	if day.Slots.Empty() {
		return "", availability.ErrEmptyDay
	}
	b, err := json.Marshal(day.Slots.Normalize())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *AvailabilityRepository) GetDay(ctx context.Context, businessID string, date civil.Date) (availability.Day, bool, error) {
	var raw []byte
	day := availability.Day{BusinessID: businessID, Date: date}
	err := r.pool.QueryRow(ctx, `
		SELECT slots, version
		FROM business_availability_days
		WHERE business_id = $1 AND day = $2
	`, businessID, pgDate(date)).Scan(&raw, &day.Version)
	if IsNotFound(err) {
		return availability.Day{}, false, nil
	}
	if err != nil {
		return availability.Day{}, false, err
	}
	if err := json.Unmarshal(raw, &day.Slots); err != nil {
		return availability.Day{}, false, fmt.Errorf("decode slots %s %s: %w", businessID, date, err)
	}
	return day, true, nil
}

func (r *AvailabilityRepository) GetRange(ctx context.Context, businessID string, from civil.Date, days int) ([]availability.Day, error) {
	if days <= 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT day, slots, version
		FROM business_availability_days
		WHERE business_id = $1 AND day >= $2 AND day < $3
		ORDER BY day ASC
	`, businessID, pgDate(from), pgDate(from.AddDays(days)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []availability.Day
	for rows.Next() {
		var (
			day  time.Time
			raw  []byte
			item = availability.Day{BusinessID: businessID}
		)
		if err := rows.Scan(&day, &raw, &item.Version); err != nil {
			return nil, err
		}
		item.Date = civil.DateOf(day)
		if err := json.Unmarshal(raw, &item.Slots); err != nil {
			return nil, fmt.Errorf("decode slots %s %s: %w", businessID, item.Date, err)
		}
		out = append(out, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *AvailabilityRepository) PutDay(ctx context.Context, day availability.Day) error {
	slots, err := encodeSlots(day)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO business_availability_days (business_id, day, slots)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (business_id, day) DO UPDATE
		SET slots = EXCLUDED.slots,
			version = business_availability_days.version + 1,
			updated_at = now()
	`, day.BusinessID, pgDate(day.Date), slots)
	return err
}

func (r *AvailabilityRepository) InsertDay(ctx context.Context, day availability.Day) (bool, error) {
	slots, err := encodeSlots(day)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO business_availability_days (business_id, day, slots)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (business_id, day) DO NOTHING
	`, day.BusinessID, pgDate(day.Date), slots)
	if IsDuplicate(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AvailabilityRepository) UpdateDay(ctx context.Context, day availability.Day) error {
	slots, err := encodeSlots(day)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE business_availability_days
		SET slots = $3::jsonb,
			version = version + 1,
			updated_at = now()
		WHERE business_id = $1 AND day = $2 AND version = $4
	`, day.BusinessID, pgDate(day.Date), slots, day.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return availability.ErrVersionConflict
	}
	return nil
}

func (r *AvailabilityRepository) DeleteDay(ctx context.Context, businessID string, date civil.Date) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM business_availability_days
		WHERE business_id = $1 AND day = $2
	`, businessID, pgDate(date))
	return err
}

func (r *AvailabilityRepository) DeleteDayVersion(ctx context.Context, day availability.Day) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM business_availability_days
		WHERE business_id = $1 AND day = $2 AND version = $3
	`, day.BusinessID, pgDate(day.Date), day.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return availability.ErrVersionConflict
	}
	return nil
}

func (r *AvailabilityRepository) DeleteRange(ctx context.Context, businessID string, from, to civil.Date) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM business_availability_days
		WHERE business_id = $1 AND day BETWEEN $2 AND $3
	`, businessID, pgDate(from), pgDate(to))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *AvailabilityRepository) DeleteBefore(ctx context.Context, businessID string, date civil.Date) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM business_availability_days
		WHERE business_id = $1 AND day < $2
	`, businessID, pgDate(date))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
