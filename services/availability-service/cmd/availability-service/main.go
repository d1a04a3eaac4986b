package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/availability-engine/libs/config"
	"github.com/md-rashed-zaman/availability-engine/libs/db"
	"github.com/md-rashed-zaman/availability-engine/libs/grpcx"
	"github.com/md-rashed-zaman/availability-engine/libs/httpx"
	"github.com/md-rashed-zaman/availability-engine/libs/kafkax"
	otelx "github.com/md-rashed-zaman/availability-engine/libs/otel"
	"github.com/md-rashed-zaman/availability-engine/libs/runtime"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/aggregate"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/availability"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/consumer"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/events"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/handlers"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/inbox"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/rollover"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/storage"
	"github.com/md-rashed-zaman/availability-engine/services/availability-service/internal/updates"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	service := config.String("SERVICE_NAME", "availability-service")
	port, err := config.Port("PORT", "8089")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9089")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10, 1)),
		MinConns: int32(config.Int("DB_MIN_CONNS", 1, 1)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	scheduleRepo := storage.NewScheduleRepository(pool)
	bookingRepo := storage.NewBookingRepository(pool)
	inboxRepo := inbox.NewRepository(pool)

	// Reads go through the Redis cache when one is configured; read-modify-write paths always use
	// the database directly.
	var reads availability.Store = storage.NewAvailabilityRepository(pool)
	writes := reads
	brokers := strings.TrimSpace(config.String("KAFKA_BROKERS", ""))
	readyChecks := withKafkaCheck([]runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}, brokers)
	var limiter httpx.Limiter = httpx.NewLocalLimiter(config.Int("RATE_LIMIT_PER_MINUTE", 120, 1))
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0, 0),
		})
		defer func() { _ = rdb.Close() }()

		cached := storage.NewCachedStore(reads, rdb, config.Seconds("AVAILABILITY_CACHE_TTL_SECONDS", 5*time.Minute), logger)
		reads, writes = cached, cached.Writer()
		limiter = httpx.NewRedisLimiter(rdb, config.Int("RATE_LIMIT_PER_MINUTE", 120, 1), config.String("RATE_LIMIT_PREFIX", "rl:availability"))
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info("availability cache enabled", "redis_addr", addr)
	}

	agg := aggregate.New(scheduleRepo, bookingRepo, logger)
	updater := updates.NewUpdater(writes, agg, logger)
	rebalancer := updates.NewRebalancer(writes, agg, logger, updates.RebalancerConfig{
		ChunkDays:       config.Int("REGENERATE_CHUNK_DAYS", 10, 1),
		ChunksPerSecond: float64(config.Int("REGENERATE_CHUNKS_PER_SECOND", 20, 1)),
	})
	roller := rollover.NewRoller(writes, scheduleRepo, agg, logger, rollover.Config{
		BatchSize:   config.Int("ROLLOVER_BATCH_SIZE", 100, 1),
		Concurrency: config.Int("ROLLOVER_CONCURRENCY", 4, 1),
	})

	scheduler := rollover.NewScheduler(roller, logger, rollover.SchedulerConfig{
		Spec:    config.String("ROLLOVER_CRON", rollover.DefaultSchedule),
		OnStart: config.Bool("ROLLOVER_ON_START", false),
		Timeout: config.Seconds("ROLLOVER_TIMEOUT_SECONDS", time.Hour),
	})
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("rollover scheduler stopped", "err", err)
			stop()
		}
	}()

	janitor := inbox.NewJanitor(inboxRepo, logger, inbox.JanitorConfig{
		Interval:  config.Seconds("INBOX_PRUNE_INTERVAL_SECONDS", time.Hour),
		Retention: config.Seconds("INBOX_RETENTION_SECONDS", 7*24*time.Hour),
	})
	go janitor.Run(ctx)

	topics := events.DefaultTopics()
	topics.BookingBooked = config.String("KAFKA_TOPIC_BOOKING_BOOKED", topics.BookingBooked)
	topics.BookingCancelled = config.String("KAFKA_TOPIC_BOOKING_CANCELLED", topics.BookingCancelled)
	topics.StaffChanged = config.String("KAFKA_TOPIC_STAFF_CHANGED", topics.StaffChanged)
	topics.CalendarUpdated = config.String("KAFKA_TOPIC_CALENDAR_UPDATED", topics.CalendarUpdated)
	dispatcher := events.NewDispatcher(topics, updater, rebalancer, agg, logger)

	if brokers != "" {
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers:         brokers,
			GroupID:         config.String("KAFKA_GROUP_ID", "availability-service"),
			Topics:          topics.List(),
			Attempts:        config.Int("CONSUMER_ATTEMPTS", 3, 1),
			Backoff:         500 * time.Millisecond,
			DeadLetterTopic: config.String("KAFKA_TOPIC_DEAD_LETTER", "availability.events.dlq.v1"),
			RedeliverAfter:  config.Seconds("CONSUMER_REDELIVER_SECONDS", 5*time.Second),
		}, dispatcher.Handle)
		go eventConsumer.Run(ctx)
	} else {
		logger.Warn("KAFKA_BROKERS not set; availability will only change through the admin api and rollover")
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("/metrics", promhttp.Handler())
	handlers.New(reads, agg, logger).Register(mux)
	handlers.NewAdmin(rebalancer, roller, scheduleRepo, logger).Register(mux, config.String("ADMIN_JWT_SECRET", ""))

	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   config.List("CORS_ALLOWED_METHODS", "GET,POST,PUT,OPTIONS"),
			AllowedHeaders:   config.List("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,X-Business-Id"),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           config.Seconds("CORS_MAX_AGE_SECONDS", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRateLimit(limiter, logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20, 1))),
		httpx.WithTimeout(config.Seconds("REQUEST_TIMEOUT_SECONDS", 30*time.Second)),
	)
	handler = otelhttp.NewHandler(handler, "availability")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, health := grpcx.NewServer(logger)
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}
	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	grpcServer.GracefulStop()
	logger.Info("availability service stopped")
}

// withKafkaCheck adds the broker probe only when a consumer will run.
func withKafkaCheck(checks []runtime.ReadyCheck, brokers string) []runtime.ReadyCheck {
	if brokers == "" {
		return checks
	}
	return append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
}
