package inbox

import (
	"context"
	"log/slog"
	"time"
)

type pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor periodically drops inbox entries older than the retention window.
type Janitor struct {
	repo      pruner
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
}

type JanitorConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

func NewJanitor(repo pruner, logger *slog.Logger, cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Janitor{repo: repo, logger: logger, interval: cfg.Interval, retention: cfg.Retention}
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.pruneOnce(ctx)
		}
	}
}

func (j *Janitor) pruneOnce(ctx context.Context) {
	n, err := j.repo.Prune(ctx, time.Now().Add(-j.retention))
	if err != nil {
		j.logger.Error("inbox prune failed", "err", err)
		return
	}
	if n > 0 {
		j.logger.Info("inbox pruned", "deleted", n)
	}
}
