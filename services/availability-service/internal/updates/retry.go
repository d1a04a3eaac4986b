package updates

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/metrics"
)

const maxAttempts = 5

// withRetry reruns a read-modify-write cycle while it loses an optimistic version race.
func withRetry(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !errors.Is(err, availability.ErrVersionConflict) || attempt == maxAttempts {
			return err
		}
		metrics.VersionConflicts.Inc()

		backoff := time.Duration(attempt)*10*time.Millisecond + time.Duration(rand.Int63n(int64(10*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}
