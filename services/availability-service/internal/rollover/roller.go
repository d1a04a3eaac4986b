// Package rollover keeps every business's stored window at [today, today+HorizonDays] as days pass.
package rollover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/availability-engine/libs/otel"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/aggregate"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	BatchSize   int
	Concurrency int
	Now         func() time.Time
}

type Roller struct {
	store     availability.Store
	schedules availability.ScheduleSource
	agg       *aggregate.Aggregator
	logger    *slog.Logger
	cfg       Config
}

func NewRoller(store availability.Store, schedules availability.ScheduleSource, agg *aggregate.Aggregator, logger *slog.Logger, cfg Config) *Roller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Roller{store: store, schedules: schedules, agg: agg, logger: logger, cfg: cfg}
}

// Result is what one business roll changed.
type Result struct {
	BusinessID string     `json:"business_id"`
	Today      civil.Date `json:"today"`
	Deleted    int64      `json:"deleted"`
	Created    int        `json:"created"`
	Skipped    int        `json:"skipped"`
}

// RollBusiness drops days before today and fills the missing days of the horizon. Existing rows are
// never overwritten, so running it twice changes nothing the second time.
func (r *Roller) RollBusiness(ctx context.Context, businessID string) (res Result, err error) {
	ctx, span := otelx.StartSpan(ctx, "availability.roll_business", attribute.String("business.id", businessID))
	defer func() { otelx.EndSpan(span, err) }()
	res.BusinessID = businessID

	plan, ok, err := r.agg.Plan(ctx, businessID)
	if err != nil {
		return res, err
	}
	if ok {
		res.Today = plan.Today(r.cfg.Now())
	} else {
		loc, err := r.agg.Location(ctx, businessID)
		if err != nil {
			return res, err
		}
		res.Today = availability.Today(r.cfg.Now(), loc)
	}

	if res.Deleted, err = r.store.DeleteBefore(ctx, businessID, res.Today); err != nil {
		return res, fmt.Errorf("delete before %s: %w", res.Today, err)
	}
	metrics.DaysWritten.WithLabelValues("delete").Add(float64(res.Deleted))
	if !ok {
		return res, nil
	}

	stored, err := r.store.GetRange(ctx, businessID, res.Today, availability.HorizonDays+1)
	if err != nil {
		return res, fmt.Errorf("get range: %w", err)
	}
	have := make(map[civil.Date]bool, len(stored))
	for _, d := range stored {
		have[d.Date] = true
	}
	var missing []civil.Date
	for i := 0; i <= availability.HorizonDays; i++ {
		if date := res.Today.AddDays(i); !have[date] {
			missing = append(missing, date)
		}
	}
	if len(missing) == 0 {
		return res, nil
	}

	// Bookings may exist on days that were deleted and are now being refilled.
	first, last := missing[0], missing[len(missing)-1]
	bookings, err := r.agg.Bookings(ctx, plan, first, last.DaysSince(first)+1)
	if err != nil {
		return res, err
	}
	for _, date := range missing {
		day, ok, err := r.agg.ComputeDayWith(plan, date, bookings)
		if err != nil {
			return res, fmt.Errorf("compute %s: %w", date, err)
		}
		if !ok {
			continue
		}
		inserted, err := r.store.InsertDay(ctx, day)
		if err != nil {
			return res, fmt.Errorf("insert %s: %w", date, err)
		}
		if inserted {
			res.Created++
		} else {
			res.Skipped++
		}
	}
	metrics.DaysWritten.WithLabelValues("insert").Add(float64(res.Created))
	return res, nil
}

// Report summarises one RollAll run.
type Report struct {
	RunID      string            `json:"run_id"`
	Batches    int               `json:"batches"`
	Businesses int               `json:"businesses"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Deleted    int64             `json:"deleted"`
	Created    int               `json:"created"`
	Errors     map[string]string `json:"errors,omitempty"`
	Duration   time.Duration     `json:"duration_ns"`
}

// RollAll rolls every active business. A failing business is logged and reported; it never stops
// the others.
func (r *Roller) RollAll(ctx context.Context) (Report, error) {
	started := time.Now()
	rep := Report{RunID: uuid.NewString(), Errors: map[string]string{}}
	logger := r.logger.With("run_id", rep.RunID)
	logger.Info("availability rollover started")

	var mu sync.Mutex
	after := ""
	for {
		ids, err := r.schedules.ListActiveBusinesses(ctx, after, r.cfg.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("list businesses after %q: %w", after, err)
		}
		if len(ids) == 0 {
			break
		}
		rep.Batches++

		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				res, err := r.RollBusiness(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				rep.Businesses++
				if err != nil {
					rep.Failed++
					rep.Errors[id] = err.Error()
					metrics.RolloverBusinesses.WithLabelValues("failed").Inc()
					logger.Error("availability rollover failed", "business_id", id, "err", err,
						"config_error", availability.IsConfigError(err))
					return nil
				}
				rep.Succeeded++
				rep.Deleted += res.Deleted
				rep.Created += res.Created
				metrics.RolloverBusinesses.WithLabelValues("ok").Inc()
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return rep, err
		}
		after = ids[len(ids)-1]
		if len(ids) < r.cfg.BatchSize {
			break
		}
	}

	rep.Duration = time.Since(started)
	logger.Info("availability rollover finished",
		"batches", rep.Batches, "businesses", rep.Businesses, "failed", rep.Failed,
		"deleted", rep.Deleted, "created", rep.Created, "duration", rep.Duration)
	return rep, nil
}
