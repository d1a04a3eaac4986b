package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/availability-engine/libs/db"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
)

// ScheduleRepository reads the business service's staff tables.
type ScheduleRepository struct {
	pool *db.Pool
}

func NewScheduleRepository(pool *db.Pool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool}
}

// defaultWorkingHours applies to staff whose schedule was never seeded: Mon-Fri 09:00-17:00.
func defaultWorkingHours() [7]*availability.WorkWindow {
	var wh [7]*availability.WorkWindow
	for wd := time.Monday; wd <= time.Friday; wd++ {
		wh[wd] = &availability.WorkWindow{StartMinute: 540, EndMinute: 1020}
	}
	return wh
}

// ListProviderSchedules returns active staff oldest first, so the first entry is stable.
func (r *ScheduleRepository) ListProviderSchedules(ctx context.Context, businessID string) ([]availability.ProviderSchedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id::text,
			COALESCE(c.timezone, ''),
			COALESCE(c.buffer_minutes, 0),
			h.weekday, h.is_working, h.start_minute, h.end_minute
		FROM staff s
		LEFT JOIN staff_calendar_settings c ON c.staff_id = s.id
		LEFT JOIN staff_working_hours h ON h.staff_id = s.id
		WHERE s.business_id = $1 AND s.is_active
		ORDER BY s.created_at ASC, s.id ASC, h.weekday ASC
	`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out    []availability.ProviderSchedule
		seeded []bool
	)
	for rows.Next() {
		var (
			staffID, tz string
			buffer      int
			weekday     *int
			isWorking   *bool
			start, end  *int
		)
		if err := rows.Scan(&staffID, &tz, &buffer, &weekday, &isWorking, &start, &end); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ProviderID != staffID {
			out = append(out, availability.ProviderSchedule{
				ProviderID:    staffID,
				BusinessID:    businessID,
				Timezone:      tz,
				BufferMinutes: buffer,
			})
			seeded = append(seeded, false)
		}
		if weekday == nil || *weekday < 0 || *weekday > 6 {
			continue
		}
		seeded[len(seeded)-1] = true
		if isWorking != nil && *isWorking && start != nil && end != nil {
			out[len(out)-1].WorkingHours[*weekday] = &availability.WorkWindow{StartMinute: *start, EndMinute: *end}
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	for i := range out {
		if !seeded[i] {
			out[i].WorkingHours = defaultWorkingHours()
		}
	}
	return out, nil
}

func (r *ScheduleRepository) BusinessTimezone(ctx context.Context, businessID string) (string, error) {
	var tz string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(timezone, '')
		FROM business_profiles
		WHERE business_id = $1
	`, businessID).Scan(&tz)
	if IsNotFound(err) {
		return "", nil
	}
	return tz, err
}

func (r *ScheduleRepository) ListActiveBusinesses(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT business_id::text
		FROM staff
		WHERE is_active AND business_id::text > $1
		ORDER BY 1
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// UpsertCalendarSettings stores a provider's timezone and buffer. The staff member must belong to
// businessID, otherwise ErrStaffNotFound is returned and nothing is written.
func (r *ScheduleRepository) UpsertCalendarSettings(ctx context.Context, businessID, staffID, timezone string, bufferMinutes int) error {
	return r.pool.InTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT true FROM staff WHERE id = $1 AND business_id = $2 FOR SHARE
		`, staffID, businessID).Scan(&exists)
		if IsNotFound(err) {
			return ErrStaffNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO staff_calendar_settings (staff_id, timezone, buffer_minutes)
			VALUES ($1, $2, $3)
			ON CONFLICT (staff_id) DO UPDATE
			SET timezone = EXCLUDED.timezone,
				buffer_minutes = EXCLUDED.buffer_minutes,
				updated_at = now()
		`, staffID, timezone, bufferMinutes)
		return err
	})
}
