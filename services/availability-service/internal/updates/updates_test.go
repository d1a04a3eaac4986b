package updates

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/aggregate"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability/availabilitytest"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	now    = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	monday = civil.Date{Year: 2026, Month: time.October, Day: 19}
)

type fixture struct {
	store *availabilitytest.Store
	src   *availabilitytest.Sources
	agg   *aggregate.Aggregator
	upd   *Updater
	reb   *Rebalancer
}

func newFixture(businesses ...string) *fixture {
	f := &fixture{store: availabilitytest.NewStore(), src: availabilitytest.NewSources()}
	for _, biz := range businesses {
		f.src.Timezones[biz] = "UTC"
	}
	f.agg = aggregate.New(f.src, f.src, nil)
	f.upd = NewUpdater(f.store, f.agg, nil)
	f.reb = NewRebalancer(f.store, f.agg, nil, RebalancerConfig{ChunksPerSecond: 1000, Now: func() time.Time { return now }})
	return f
}

func (f *fixture) provider(biz, id string) {
	f.src.AddProvider(availability.ProviderSchedule{
		ProviderID:   id,
		BusinessID:   biz,
		WorkingHours: availabilitytest.Weekdays(9*60, 17*60, availabilitytest.MonFri...),
	})
}

func (f *fixture) book(biz, provider, id string, start time.Time, minutes int) BookingApplied {
	f.src.AddBooking(availability.Booking{ID: id, BusinessID: biz, ProviderID: provider, Start: start, DurationMinutes: minutes})
	return BookingApplied{BusinessID: biz, ProviderID: provider, BookingID: id, Start: start, DurationMinutes: minutes}
}

func (f *fixture) regenerate(t *testing.T, biz string) RegenerateResult {
	t.Helper()
	res, err := f.reb.RegenerateAll(context.Background(), biz)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	return res
}

func fingerprint(days []availability.Day) map[string]int {
	out := map[string]int{}
	for _, d := range days {
		for duration, list := range d.Slots {
			for _, s := range list {
				out[fmt.Sprintf("%s/%d/%s", d.Date, duration, s.Time)] = s.Count
			}
		}
	}
	return out
}

func assertSameCounts(t *testing.T, got, want []availability.Day) {
	t.Helper()
	g, w := fingerprint(got), fingerprint(want)
	if len(g) != len(w) {
		t.Fatalf("slot sets differ: got %d entries want %d", len(g), len(w))
	}
	for k, n := range w {
		if g[k] != n {
			t.Fatalf("%s: got %d want %d", k, g[k], n)
		}
	}
}

func TestApplyBookingMatchesFullRecompute(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.provider("biz", "b")
	f.regenerate(t, "biz")

	ev := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC), 90)
	out, err := f.upd.ApplyBooking(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != OutcomeAdjusted {
		t.Fatalf("expected adjusted, got %s", out)
	}

	date := civil.Date{Year: 2026, Month: time.October, Day: 20}
	stored, _, _ := f.store.GetDay(context.Background(), "biz", date)
	fresh, _, err := f.agg.ComputeDay(context.Background(), "biz", date)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	assertSameCounts(t, []availability.Day{stored}, []availability.Day{fresh})
}

func TestApplyBookingSameProviderTwiceRecomputes(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.provider("biz", "b")
	f.regenerate(t, "biz")
	ctx := context.Background()

	first := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC), 60)
	if _, err := f.upd.ApplyBooking(ctx, first); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	second := f.book("biz", "a", "bk2", time.Date(2026, 10, 20, 11, 0, 0, 0, time.UTC), 60)
	out, err := f.upd.ApplyBooking(ctx, second)
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if out != OutcomeRecomputed {
		t.Fatalf("expected recompute for a provider with two bookings, got %s", out)
	}

	date := civil.Date{Year: 2026, Month: time.October, Day: 20}
	stored, _, _ := f.store.GetDay(ctx, "biz", date)
	if got := stored.Slots.Count(120, "10:00"); got != 1 {
		t.Fatalf("120/10:00: provider a must be subtracted once, got %d", got)
	}
	fresh, _, _ := f.agg.ComputeDay(ctx, "biz", date)
	assertSameCounts(t, []availability.Day{stored}, []availability.Day{fresh})
}

func TestApplyBookingAcrossMidnightMatchesRecompute(t *testing.T) {
	if _, err := time.LoadLocation("Asia/Tokyo"); err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	f := newFixture("biz")
	f.src.Timezones["biz"] = "America/New_York"
	f.src.AddProvider(availability.ProviderSchedule{
		ProviderID:   "a",
		BusinessID:   "biz",
		Timezone:     "Asia/Tokyo",
		WorkingHours: availabilitytest.Weekdays(9*60, 17*60, time.Tuesday),
	})
	f.regenerate(t, "biz")
	ctx := context.Background()

	// 23:00 to 01:00 in New York.
	ev := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 3, 0, 0, 0, time.UTC), 120)
	out, err := f.upd.ApplyBooking(ctx, ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != OutcomeAdjusted {
		t.Fatalf("expected adjusted, got %s", out)
	}

	for _, date := range []civil.Date{monday, monday.AddDays(1)} {
		stored, ok, _ := f.store.GetDay(ctx, "biz", date)
		if !ok {
			t.Fatalf("%s: expected a stored row", date)
		}
		fresh, _, err := f.agg.ComputeDay(ctx, "biz", date)
		if err != nil {
			t.Fatalf("compute %s: %v", date, err)
		}
		assertSameCounts(t, []availability.Day{stored}, []availability.Day{fresh})
	}
	stored, _, _ := f.store.GetDay(ctx, "biz", monday.AddDays(1))
	if stored.Slots.Count(60, "00:00") != 0 {
		t.Fatalf("expected tuesday 00:00 consumed")
	}
}

func TestApplyBookingSubtractsProviderBuffer(t *testing.T) {
	f := newFixture("biz")
	f.src.AddProvider(availability.ProviderSchedule{
		ProviderID:    "a",
		BusinessID:    "biz",
		BufferMinutes: 30,
		WorkingHours:  availabilitytest.Weekdays(9*60, 17*60, availabilitytest.MonFri...),
	})
	f.provider("biz", "b")
	f.regenerate(t, "biz")
	ctx := context.Background()

	ev := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC), 60)
	if _, err := f.upd.ApplyBooking(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	date := civil.Date{Year: 2026, Month: time.October, Day: 20}
	stored, _, _ := f.store.GetDay(ctx, "biz", date)
	if got := stored.Slots.Count(60, "11:00"); got != 1 {
		t.Fatalf("60/11:00: buffer until 11:30 must take provider a, got %d", got)
	}
	fresh, _, _ := f.agg.ComputeDay(ctx, "biz", date)
	assertSameCounts(t, []availability.Day{stored}, []availability.Day{fresh})
}

func TestApplyBookingNeverCreatesRows(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")

	ev := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 10, 0, 0, 0, time.UTC), 60)
	out, err := f.upd.ApplyBooking(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != OutcomeNoRow {
		t.Fatalf("expected no_row, got %s", out)
	}
	if len(f.store.Snapshot("biz")) != 0 {
		t.Fatalf("updater must not create rows")
	}
}

func TestApplyBookingDeletesFullyBookedDay(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.regenerate(t, "biz")

	ev := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC), 8*60)
	out, err := f.upd.ApplyBooking(context.Background(), ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != OutcomeDeleted {
		t.Fatalf("expected deleted, got %s", out)
	}
	if _, ok, _ := f.store.GetDay(context.Background(), "biz", civil.Date{Year: 2026, Month: time.October, Day: 20}); ok {
		t.Fatalf("expected empty day removed")
	}
}

func TestApplyBookingRetriesVersionConflicts(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.regenerate(t, "biz")
	f.store.FailUpdates = 2

	ev := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC), 60)
	if _, err := f.upd.ApplyBooking(context.Background(), ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stored, _, _ := f.store.GetDay(context.Background(), "biz", civil.Date{Year: 2026, Month: time.October, Day: 20})
	if got := stored.Slots.Count(60, "12:00"); got != 0 {
		t.Fatalf("expected 12:00 consumed after retries, got %d", got)
	}
}

func TestApplyBookingRejectsZeroDuration(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	_, err := f.upd.ApplyBooking(context.Background(), BookingApplied{BusinessID: "biz", ProviderID: "a", Start: now})
	if err != availability.ErrInvalidDuration {
		t.Fatalf("expected invalid duration, got %v", err)
	}
}

func TestShiftAgreesWithRegenerate(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.provider("biz", "b")
	f.book("biz", "a", "bk1", time.Date(2026, 10, 21, 14, 0, 0, 0, time.UTC), 120)
	f.regenerate(t, "biz")

	f.provider("biz", "c")
	if _, err := f.reb.ShiftProviderCount(context.Background(), "biz", 2, 3); err != nil {
		t.Fatalf("shift: %v", err)
	}
	shifted := f.store.Snapshot("biz")

	f.regenerate(t, "biz")
	assertSameCounts(t, shifted, f.store.Snapshot("biz"))
}

func TestShiftCountsOnlySuccessfulWrites(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.regenerate(t, "biz")
	f.store.FailUpdates = 2

	before := testutil.ToFloat64(metrics.DaysWritten.WithLabelValues("update"))
	n, err := f.reb.ShiftProviderCount(context.Background(), "biz", 1, 2)
	if err != nil {
		t.Fatalf("shift: %v", err)
	}
	if n != len(f.store.Snapshot("biz")) {
		t.Fatalf("expected %d days written, got %d", len(f.store.Snapshot("biz")), n)
	}
	if got := testutil.ToFloat64(metrics.DaysWritten.WithLabelValues("update")) - before; got != float64(n) {
		t.Fatalf("expected %d updates recorded, got %v", n, got)
	}
}

func TestShiftDownDeletesEmptyDays(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.regenerate(t, "biz")

	if _, err := f.reb.ShiftProviderCount(context.Background(), "biz", 1, 0); err != nil {
		t.Fatalf("shift: %v", err)
	}
	if n := len(f.store.Snapshot("biz")); n != 0 {
		t.Fatalf("expected every day removed, %d left", n)
	}
}

func TestRegenerateFillsHorizon(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")

	res := f.regenerate(t, "biz")
	days := f.store.Snapshot("biz")
	if res.Created != len(days) || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v for %d days", res, len(days))
	}
	// Oct 19 to Nov 18 holds 23 weekdays.
	if len(days) != 23 {
		t.Fatalf("expected 23 working days, got %d", len(days))
	}
	if days[0].Date != monday || days[len(days)-1].Date.After(monday.AddDays(availability.HorizonDays)) {
		t.Fatalf("window out of range: %s..%s", days[0].Date, days[len(days)-1].Date)
	}
}

func TestRegenerateRemovesStaleRows(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	stale := availability.Day{BusinessID: "biz", Date: monday.AddDays(-5), Slots: availability.Slots{60: {{Time: "09:00", Count: 4}}}}
	if err := f.store.PutDay(context.Background(), stale); err != nil {
		t.Fatalf("put: %v", err)
	}
	res := f.regenerate(t, "biz")
	if res.Deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", res.Deleted)
	}
}

type racingStore struct {
	*availabilitytest.Store
	raced civil.Date
}

func (s *racingStore) InsertDay(ctx context.Context, day availability.Day) (bool, error) {
	if day.Date == s.raced {
		if _, err := s.Store.InsertDay(ctx, day); err != nil {
			return false, err
		}
	}
	return s.Store.InsertDay(ctx, day)
}

func TestRegenerateSkipsDuplicates(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	store := &racingStore{Store: f.store, raced: monday.AddDays(1)}
	reb := NewRebalancer(store, f.agg, nil, RebalancerConfig{ChunksPerSecond: 1000, Now: func() time.Time { return now }})

	res, err := reb.RegenerateAll(context.Background(), "biz")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if res.Skipped != 1 || res.Created != 22 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRegenerateIsolatesBusinesses(t *testing.T) {
	f := newFixture("a-biz", "b-biz")
	f.provider("a-biz", "a")
	f.provider("b-biz", "b")
	f.regenerate(t, "b-biz")
	before := fingerprint(f.store.Snapshot("b-biz"))

	f.regenerate(t, "a-biz")
	f.book("a-biz", "a", "bk", time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC), 60)
	if _, err := f.reb.ShiftProviderCount(context.Background(), "a-biz", 1, 2); err != nil {
		t.Fatalf("shift: %v", err)
	}
	if err := f.reb.RecomputeWindow(context.Background(), "a-biz"); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	after := fingerprint(f.store.Snapshot("b-biz"))
	if len(after) != len(before) {
		t.Fatalf("business b changed: %d entries before, %d after", len(before), len(after))
	}
	for k, n := range before {
		if after[k] != n {
			t.Fatalf("business b changed at %s", k)
		}
	}
}

func TestRecomputeWindowAfterCalendarChange(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	f.regenerate(t, "biz")

	f.src.Schedules["biz"][0].WorkingHours = availabilitytest.Weekdays(9*60, 11*60, time.Monday)
	if err := f.reb.RecomputeWindow(context.Background(), "biz"); err != nil {
		t.Fatalf("recompute: %v", err)
	}
	days := f.store.Snapshot("biz")
	for _, d := range days {
		if d.Date.In(time.UTC).Weekday() != time.Monday {
			t.Fatalf("unexpected day %s after schedule shrank to mondays", d.Date)
		}
		if d.Slots.Count(60, "12:00") != 0 {
			t.Fatalf("stale slot on %s", d.Date)
		}
	}
	if len(days) != 5 {
		t.Fatalf("expected 5 mondays in the horizon, got %d", len(days))
	}
}

func TestRecomputeDayAfterCancellation(t *testing.T) {
	f := newFixture("biz")
	f.provider("biz", "a")
	ev := f.book("biz", "a", "bk1", time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC), 8*60)
	f.regenerate(t, "biz")
	date := civil.DateOf(ev.Start)
	if _, ok, _ := f.store.GetDay(context.Background(), "biz", date); ok {
		t.Fatalf("expected fully booked day absent")
	}

	f.src.Bookings["biz"] = nil
	if err := f.reb.RecomputeDay(context.Background(), "biz", date); err != nil {
		t.Fatalf("recompute day: %v", err)
	}
	day, ok, _ := f.store.GetDay(context.Background(), "biz", date)
	if !ok || day.Slots.Count(60, "09:00") != 1 {
		t.Fatalf("expected day restored, got ok=%v %+v", ok, day.Slots)
	}
}
