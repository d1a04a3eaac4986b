package rollover

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs hourly so every business rolls within an hour of its own local midnight.
const DefaultSchedule = "CRON_TZ=UTC 5 * * * *"

// Scheduler runs RollAll on a cron expression until its context ends.
type Scheduler struct {
	roller  *Roller
	logger  *slog.Logger
	spec    string
	onStart bool
	timeout time.Duration
}

type SchedulerConfig struct {
	Spec    string
	OnStart bool
	// Timeout bounds one run; zero means one hour.
	Timeout time.Duration
}

func NewScheduler(roller *Roller, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	return &Scheduler{roller: roller, logger: logger, spec: cfg.Spec, onStart: cfg.OnStart, timeout: cfg.Timeout}
}

// Run blocks until ctx is done. An invalid cron expression is returned immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	clog := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.runOnce(ctx) }); err != nil {
		return err
	}
	s.logger.Info("availability rollover scheduled", "cron", s.spec)

	var wg sync.WaitGroup
	if s.onStart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runOnce(ctx)
		}()
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	wg.Wait()
	return nil
}

func (s *Scheduler) runOnce(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	if _, err := s.roller.RollAll(ctx); err != nil {
		s.logger.Error("availability rollover aborted", "err", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
