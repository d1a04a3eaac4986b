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
	"golang.org/x/time/rate"
)

const (
	// regeneration clears this many days before today and after today so stale rows outside the
	// horizon cannot survive a provider change.
	regeneratePastDays   = 30
	regenerateFutureDays = 60
)

type RebalancerConfig struct {
	// ChunkDays is how many days one delete or insert batch covers.
	ChunkDays       int
	ChunksPerSecond float64
	Now             func() time.Time
}

func (c *RebalancerConfig) withDefaults() {
	if c.ChunkDays <= 0 {
		c.ChunkDays = 10
	}
	if c.ChunksPerSecond <= 0 {
		c.ChunksPerSecond = 20
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// RegenerateResult summarises a wipe-and-recompute run.
type RegenerateResult struct {
	Deleted int64 `json:"deleted"`
	Created int   `json:"created"`
	Skipped int   `json:"skipped"`
	Failed  int   `json:"failed"`
}

// Rebalancer reacts to provider and calendar changes.
type Rebalancer struct {
	store   availability.Store
	agg     *aggregate.Aggregator
	logger  *slog.Logger
	cfg     RebalancerConfig
	limiter *rate.Limiter
}

func NewRebalancer(store availability.Store, agg *aggregate.Aggregator, logger *slog.Logger, cfg RebalancerConfig) *Rebalancer {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebalancer{
		store:   store,
		agg:     agg,
		logger:  logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.ChunksPerSecond), 1),
	}
}

func (r *Rebalancer) today(ctx context.Context, businessID string) (civil.Date, error) {
	loc, err := r.agg.Location(ctx, businessID)
	if err != nil {
		return civil.Date{}, err
	}
	return availability.Today(r.cfg.Now(), loc), nil
}

// ShiftProviderCount adds newCount-oldCount to every stored count in [today, today+HorizonDays].
// It assumes the added or removed providers share the template the stored counts were built from.
// It returns how many days were written.
func (r *Rebalancer) ShiftProviderCount(ctx context.Context, businessID string, oldCount, newCount int) (_ int, err error) {
	delta := newCount - oldCount
	ctx, span := otelx.StartSpan(ctx, "availability.shift_provider_count",
		attribute.String("business.id", businessID),
		attribute.Int("availability.delta", delta),
	)
	defer func() { otelx.EndSpan(span, err) }()

	if delta == 0 {
		return 0, nil
	}
	today, err := r.today(ctx, businessID)
	if err != nil {
		return 0, err
	}
	days, err := r.store.GetRange(ctx, businessID, today, availability.HorizonDays+1)
	if err != nil {
		return 0, fmt.Errorf("get range: %w", err)
	}

	written := 0
	for _, d := range days {
		date := d.Date
		var out Outcome
		err := withRetry(ctx, func(ctx context.Context) error {
			day, exists, err := r.store.GetDay(ctx, businessID, date)
			if err != nil || !exists {
				out = OutcomeNoRow
				return err
			}
			shifted := day.Slots.Shift(delta)
			if shifted.Empty() {
				out = OutcomeDeleted
				return r.store.DeleteDayVersion(ctx, day)
			}
			day.Slots = shifted
			out = OutcomeAdjusted
			return r.store.UpdateDay(ctx, day)
		})
		if err != nil {
			return written, fmt.Errorf("shift %s: %w", date, err)
		}
		recordWrite(out)
		if out != OutcomeNoRow {
			written++
		}
	}
	r.logger.Info("provider count shifted", "business_id", businessID, "delta", delta, "days", written)
	return written, nil
}

// RegenerateAll wipes every stored day around the horizon and rebuilds [today, today+HorizonDays]
// from current schedules and bookings. Re-running after a partial failure converges.
func (r *Rebalancer) RegenerateAll(ctx context.Context, businessID string) (res RegenerateResult, err error) {
	ctx, span := otelx.StartSpan(ctx, "availability.regenerate", attribute.String("business.id", businessID))
	defer func() {
		span.SetAttributes(
			attribute.Int64("availability.deleted", res.Deleted),
			attribute.Int("availability.created", res.Created),
			attribute.Int("availability.skipped", res.Skipped),
			attribute.Int("availability.failed", res.Failed),
		)
		otelx.EndSpan(span, err)
	}()

	plan, hasProviders, err := r.agg.Plan(ctx, businessID)
	if err != nil {
		return res, err
	}
	var today civil.Date
	if hasProviders {
		today = plan.Today(r.cfg.Now())
	} else if today, err = r.today(ctx, businessID); err != nil {
		return res, err
	}

	last := today.AddDays(regenerateFutureDays)
	for from := today.AddDays(-regeneratePastDays); !from.After(last); from = from.AddDays(r.cfg.ChunkDays) {
		if err := r.limiter.Wait(ctx); err != nil {
			return res, err
		}
		to := from.AddDays(r.cfg.ChunkDays - 1)
		if to.After(last) {
			to = last
		}
		n, err := r.store.DeleteRange(ctx, businessID, from, to)
		if err != nil {
			return res, fmt.Errorf("delete %s..%s: %w", from, to, err)
		}
		res.Deleted += n
	}
	metrics.DaysWritten.WithLabelValues("delete").Add(float64(res.Deleted))

	if !hasProviders {
		r.logger.Info("availability cleared; business has no providers", "business_id", businessID, "deleted", res.Deleted)
		return res, nil
	}

	days, err := r.agg.ComputeRangeWith(ctx, plan, today, availability.HorizonDays+1)
	if err != nil {
		return res, err
	}
	for i, day := range days {
		if i%r.cfg.ChunkDays == 0 {
			if err := r.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		inserted, err := r.store.InsertDay(ctx, day)
		switch {
		case err != nil:
			res.Failed++
			r.logger.Warn("insert availability day failed", "business_id", businessID, "date", day.Date.String(), "err", err)
		case !inserted:
			res.Skipped++
		default:
			res.Created++
		}
	}
	metrics.DaysWritten.WithLabelValues("insert").Add(float64(res.Created))

	r.logger.Info("availability regenerated", "business_id", businessID,
		"deleted", res.Deleted, "created", res.Created, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

// RecomputeWindow re-derives every day of the horizon from scratch, for calendar setting changes.
func (r *Rebalancer) RecomputeWindow(ctx context.Context, businessID string) (err error) {
	ctx, span := otelx.StartSpan(ctx, "availability.recompute_window", attribute.String("business.id", businessID))
	defer func() { otelx.EndSpan(span, err) }()

	plan, ok, err := r.agg.Plan(ctx, businessID)
	if err != nil {
		return err
	}
	if !ok {
		today, err := r.today(ctx, businessID)
		if err != nil {
			return err
		}
		_, err = r.store.DeleteRange(ctx, businessID, today, today.AddDays(availability.HorizonDays))
		return err
	}

	today := plan.Today(r.cfg.Now())
	days, err := r.agg.ComputeRangeWith(ctx, plan, today, availability.HorizonDays+1)
	if err != nil {
		return err
	}
	byDate := make(map[civil.Date]availability.Day, len(days))
	for _, d := range days {
		byDate[d.Date] = d
	}
	for i := 0; i <= availability.HorizonDays; i++ {
		date := today.AddDays(i)
		day, ok := byDate[date]
		if err := r.replace(ctx, businessID, date, day, ok); err != nil {
			return fmt.Errorf("recompute %s: %w", date, err)
		}
	}
	return nil
}

// RecomputeDay re-derives one date from scratch and stores or removes it. Dates outside the
// horizon are left alone.
func (r *Rebalancer) RecomputeDay(ctx context.Context, businessID string, date civil.Date) (err error) {
	ctx, span := otelx.StartSpan(ctx, "availability.recompute_day",
		attribute.String("business.id", businessID),
		attribute.String("availability.date", date.String()),
	)
	defer func() { otelx.EndSpan(span, err) }()

	plan, ok, err := r.agg.Plan(ctx, businessID)
	if err != nil {
		return err
	}
	if !ok {
		return r.replace(ctx, businessID, date, availability.Day{}, false)
	}
	today := plan.Today(r.cfg.Now())
	if date.Before(today) || date.After(today.AddDays(availability.HorizonDays)) {
		return nil
	}
	bookings, err := r.agg.Bookings(ctx, plan, date, 1)
	if err != nil {
		return err
	}
	day, ok, err := r.agg.ComputeDayWith(plan, date, bookings)
	if err != nil {
		return err
	}
	return r.replace(ctx, businessID, date, day, ok)
}

func (r *Rebalancer) replace(ctx context.Context, businessID string, date civil.Date, day availability.Day, ok bool) error {
	if !ok {
		if err := r.store.DeleteDay(ctx, businessID, date); err != nil {
			return err
		}
		metrics.DaysWritten.WithLabelValues("delete").Inc()
		return nil
	}
	if err := r.store.PutDay(ctx, day); err != nil {
		return err
	}
	metrics.DaysWritten.WithLabelValues("upsert").Inc()
	return nil
}
