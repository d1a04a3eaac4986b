package consumer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/availability-engine/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Inbox remembers which events were already handled.
type Inbox interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Reader is the part of *kafka.Reader the consumer drives. Offsets are committed explicitly.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetter receives events whose handler kept failing. *kafka.Writer satisfies it.
type DeadLetter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Consumer struct {
	reader     Reader
	deadLetter DeadLetter
	logger     *slog.Logger
	inbox      Inbox
	handler    Handler
	attempts   int
	backoff    time.Duration
	redeliver  time.Duration
	closers    []func() error
}

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
	// Attempts is how many times a failing handler is run before the event is parked or held for
	// redelivery.
	Attempts int
	Backoff  time.Duration
	// DeadLetterTopic parks events that exhausted their attempts. When empty, or when parking fails,
	// the offset stays uncommitted and the event is redelivered after RedeliverAfter.
	DeadLetterTopic string
	RedeliverAfter  time.Duration
}

func New(logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	c := newConsumer(reader, logger, inbox, cfg, handler)
	c.closers = append(c.closers, reader.Close)
	if topic := strings.TrimSpace(cfg.DeadLetterTopic); topic != "" {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		c.deadLetter = writer
		c.closers = append(c.closers, writer.Close)
	}
	return c
}

func newConsumer(reader Reader, logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.RedeliverAfter <= 0 {
		cfg.RedeliverAfter = 5 * time.Second
	}
	return &Consumer{
		reader:    reader,
		logger:    logger,
		inbox:     inbox,
		handler:   handler,
		attempts:  cfg.Attempts,
		backoff:   cfg.Backoff,
		redeliver: cfg.RedeliverAfter,
	}
}

// Run fetches events one at a time and commits each offset only once the event is handled, was a
// duplicate, or has been parked. Anything else is processed again from the same offset.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		for _, closeFn := range c.closers {
			_ = closeFn()
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka fetch error", "err", err)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		for !c.process(ctx, msg) {
			if !sleep(ctx, c.redeliver) {
				return
			}
			c.logger.Warn("redelivering event", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit failed", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// process reports whether msg is finished with and its offset may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	ok, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
	if err != nil {
		c.logger.Error("inbox record failed", "err", err)
		span.RecordError(err)
		return false
	}
	if !ok {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return true
	}

	for attempt := 1; ; attempt++ {
		err = c.handler(ctxSpan, msg)
		if err == nil {
			return true
		}
		if attempt >= c.attempts || ctx.Err() != nil {
			break
		}
		c.logger.Warn("handler error, retrying", "err", err, "event_id", meta.EventID, "attempt", attempt)
		if !sleep(ctx, time.Duration(attempt)*c.backoff) {
			break
		}
	}

	c.logger.Error("handler error", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
	span.RecordError(err)
	if ferr := c.inbox.Forget(context.WithoutCancel(ctxSpan), meta.EventID); ferr != nil {
		c.logger.Error("inbox forget failed", "err", ferr, "event_id", meta.EventID)
	}
	if c.deadLetter == nil || ctx.Err() != nil {
		return false
	}
	if perr := c.park(ctxSpan, msg, err); perr != nil {
		c.logger.Error("dead letter write failed", "err", perr, "event_id", meta.EventID)
		return false
	}
	c.logger.Warn("event parked", "event_id", meta.EventID, "event_type", meta.EventType)
	return true
}

func (c *Consumer) park(ctx context.Context, msg kafka.Message, cause error) error {
	headers := append([]kafka.Header(nil), msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "source_topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "error", Value: []byte(cause.Error())},
	)
	return c.deadLetter.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: msg.Value, Headers: headers})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
