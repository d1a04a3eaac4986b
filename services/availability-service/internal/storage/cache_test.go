package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability/availabilitytest"
	"github.com/redis/go-redis/v9"
)

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestCachedStoreFailsOpen(t *testing.T) {
	inner := availabilitytest.NewStore()
	rdb := unreachableRedis()
	defer rdb.Close()
	cache := NewCachedStore(inner, rdb, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	date := civil.Date{Year: 2026, Month: time.October, Day: 19}
	day := availability.Day{BusinessID: "biz", Date: date, Slots: availability.Slots{60: {{Time: "09:00", Count: 2}}}}
	if err := cache.PutDay(ctx, day); err != nil {
		t.Fatalf("put through cache: %v", err)
	}

	got, ok, err := cache.GetDay(ctx, "biz", date)
	if err != nil || !ok {
		t.Fatalf("expected day from inner store, ok=%v err=%v", ok, err)
	}
	if got.Slots.Count(60, "09:00") != 2 {
		t.Fatalf("unexpected slots %+v", got.Slots)
	}

	days, err := cache.GetRange(ctx, "biz", date, 3)
	if err != nil || len(days) != 1 {
		t.Fatalf("expected one day in range, got %d err=%v", len(days), err)
	}

	n, err := cache.DeleteRange(ctx, "biz", date, date)
	if err != nil || n != 1 {
		t.Fatalf("delete range: n=%d err=%v", n, err)
	}
}

func TestCachedStoreWriterReadsInner(t *testing.T) {
	inner := availabilitytest.NewStore()
	rdb := unreachableRedis()
	defer rdb.Close()
	w := NewCachedStore(inner, rdb, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))).Writer()
	ctx := context.Background()

	date := civil.Date{Year: 2026, Month: time.October, Day: 20}
	day := availability.Day{BusinessID: "biz", Date: date, Slots: availability.Slots{90: {{Time: "10:00", Count: 1}}}}
	if ok, err := w.InsertDay(ctx, day); err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	stored, ok, err := w.GetDay(ctx, "biz", date)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	stored.Slots = availability.Slots{90: {{Time: "10:00", Count: 2}}}
	if err := w.UpdateDay(ctx, stored); err != nil {
		t.Fatalf("update with current version: %v", err)
	}
	if err := w.UpdateDay(ctx, stored); err != availability.ErrVersionConflict {
		t.Fatalf("expected version conflict on stale write, got %v", err)
	}
}
