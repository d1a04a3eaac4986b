package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// CachedStore puts a Redis read cache in front of an availability.Store.
//
// Cache keys embed a per-business generation number. Every successful write bumps the generation,
// so entries written before it are never read again and simply expire. Redis errors fall through
// to the wrapped store.
type CachedStore struct {
	inner  availability.Store
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCachedStore(inner availability.Store, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{inner: inner, rdb: rdb, ttl: ttl, prefix: "avail", logger: logger}
}

// Writer returns a Store that reads straight from the wrapped store and still invalidates the cache
// on writes. Read-modify-write paths must use it so version checks see current rows.
func (c *CachedStore) Writer() availability.Store {
	return writer{c}
}

type cachedDay struct {
	Found   bool               `json:"found"`
	Slots   availability.Slots `json:"slots,omitempty"`
	Version int64              `json:"version,omitempty"`
}

type cachedRangeDay struct {
	Date    civil.Date         `json:"date"`
	Slots   availability.Slots `json:"slots"`
	Version int64              `json:"version"`
}

func (c *CachedStore) genKey(businessID string) string {
	return c.prefix + ":gen:" + businessID
}

func (c *CachedStore) generation(ctx context.Context, businessID string) (string, error) {
	gen, err := c.rdb.Get(ctx, c.genKey(businessID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

func (c *CachedStore) bump(ctx context.Context, businessID string) {
	if err := c.rdb.Incr(ctx, c.genKey(businessID)).Err(); err != nil {
		c.logger.Warn("availability cache invalidation failed", "business_id", businessID, "err", err)
	}
}

func (c *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("availability cache read failed", "key", key, "err", err)
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return true
}

func (c *CachedStore) remember(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		c.logger.Warn("availability cache write failed", "key", key, "err", err)
	}
}

func (c *CachedStore) GetDay(ctx context.Context, businessID string, date civil.Date) (availability.Day, bool, error) {
	gen, err := c.generation(ctx, businessID)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return c.inner.GetDay(ctx, businessID, date)
	}
	key := fmt.Sprintf("%s:day:%s:%s:%s", c.prefix, businessID, gen, date)

	var hit cachedDay
	if c.lookup(ctx, key, &hit) {
		if !hit.Found {
			return availability.Day{}, false, nil
		}
		return availability.Day{BusinessID: businessID, Date: date, Slots: hit.Slots, Version: hit.Version}, true, nil
	}

	day, ok, err := c.inner.GetDay(ctx, businessID, date)
	if err != nil {
		return day, ok, err
	}
	c.remember(ctx, key, cachedDay{Found: ok, Slots: day.Slots, Version: day.Version})
	return day, ok, nil
}

func (c *CachedStore) GetRange(ctx context.Context, businessID string, from civil.Date, days int) ([]availability.Day, error) {
	gen, err := c.generation(ctx, businessID)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return c.inner.GetRange(ctx, businessID, from, days)
	}
	key := fmt.Sprintf("%s:range:%s:%s:%s:%s", c.prefix, businessID, gen, from, strconv.Itoa(days))

	var hit []cachedRangeDay
	if c.lookup(ctx, key, &hit) {
		out := make([]availability.Day, 0, len(hit))
		for _, d := range hit {
			out = append(out, availability.Day{BusinessID: businessID, Date: d.Date, Slots: d.Slots, Version: d.Version})
		}
		return out, nil
	}

	out, err := c.inner.GetRange(ctx, businessID, from, days)
	if err != nil {
		return nil, err
	}
	entries := make([]cachedRangeDay, 0, len(out))
	for _, d := range out {
		entries = append(entries, cachedRangeDay{Date: d.Date, Slots: d.Slots, Version: d.Version})
	}
	c.remember(ctx, key, entries)
	return out, nil
}

func (c *CachedStore) PutDay(ctx context.Context, day availability.Day) error {
	if err := c.inner.PutDay(ctx, day); err != nil {
		return err
	}
	c.bump(ctx, day.BusinessID)
	return nil
}

func (c *CachedStore) InsertDay(ctx context.Context, day availability.Day) (bool, error) {
	ok, err := c.inner.InsertDay(ctx, day)
	if ok {
		c.bump(ctx, day.BusinessID)
	}
	return ok, err
}

func (c *CachedStore) UpdateDay(ctx context.Context, day availability.Day) error {
	if err := c.inner.UpdateDay(ctx, day); err != nil {
		return err
	}
	c.bump(ctx, day.BusinessID)
	return nil
}

func (c *CachedStore) DeleteDay(ctx context.Context, businessID string, date civil.Date) error {
	if err := c.inner.DeleteDay(ctx, businessID, date); err != nil {
		return err
	}
	c.bump(ctx, businessID)
	return nil
}

func (c *CachedStore) DeleteDayVersion(ctx context.Context, day availability.Day) error {
	if err := c.inner.DeleteDayVersion(ctx, day); err != nil {
		return err
	}
	c.bump(ctx, day.BusinessID)
	return nil
}

func (c *CachedStore) DeleteRange(ctx context.Context, businessID string, from, to civil.Date) (int64, error) {
	n, err := c.inner.DeleteRange(ctx, businessID, from, to)
	if n > 0 {
		c.bump(ctx, businessID)
	}
	return n, err
}

func (c *CachedStore) DeleteBefore(ctx context.Context, businessID string, date civil.Date) (int64, error) {
	n, err := c.inner.DeleteBefore(ctx, businessID, date)
	if n > 0 {
		c.bump(ctx, businessID)
	}
	return n, err
}

type writer struct {
	*CachedStore
}

func (w writer) GetDay(ctx context.Context, businessID string, date civil.Date) (availability.Day, bool, error) {
	return w.inner.GetDay(ctx, businessID, date)
}

func (w writer) GetRange(ctx context.Context, businessID string, from civil.Date, days int) ([]availability.Day, error) {
	return w.inner.GetRange(ctx, businessID, from, days)
}
