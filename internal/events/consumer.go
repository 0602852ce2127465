package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/metrics"
	"github.com/sells-group/lead-dedupe/internal/resilience"
	"github.com/sells-group/lead-dedupe/internal/tracing"
)

// JobCompleted is the message a producing job emits when it finishes.
type JobCompleted struct {
	JobID     string `json:"job_id"`
	AutoMerge bool   `json:"auto_merge"`
}

// JobHandler runs the work for one completed job.
type JobHandler func(ctx context.Context, job JobCompleted) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig holds Kafka consumer settings.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// JobConsumer reads job-completed messages and hands each to a JobHandler.
type JobConsumer struct {
	reader  messageReader
	handler JobHandler
	retry   resilience.Policy
}

// consumerRetry paces fetch retries during a broker outage and bounds how
// often one job is re-run before it is given up on.
func consumerRetry() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.2,
		Retryable:      func(error) bool { return true },
	}
}

// NewJobConsumer creates a consumer-group reader on the jobs topic.
func NewJobConsumer(cfg ConsumerConfig, handler JobHandler) *JobConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
	return &JobConsumer{reader: reader, handler: handler, retry: consumerRetry()}
}

// Run fetches messages until ctx is done. Fetch errors back off before the
// next attempt. Every message is committed once handled: malformed messages
// are dropped, and a job whose handler still fails after the retry policy is
// logged with its job_id and counted as failed. Committing a later offset
// would acknowledge it anyway, so a failed job is recovered by a sweep or an
// explicit rerun, not by redelivery.
func (c *JobConsumer) Run(ctx context.Context) error {
	zap.L().Info("events: job consumer started")
	failures := 0
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				zap.L().Info("events: job consumer stopping")
				return nil
			}
			delay := c.retry.Backoff(failures)
			failures++
			zap.L().Error("events: fetch message",
				zap.Int("consecutive_failures", failures),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				zap.L().Info("events: job consumer stopping")
				return nil
			case <-timer.C:
			}
			continue
		}
		failures = 0
		c.handle(ctx, msg)
	}
}

func (c *JobConsumer) handle(ctx context.Context, msg kafka.Message) {
	ctx, span := tracing.StartSpan(ctx, "events.JobConsumer.handle")
	defer span.End()

	log := zap.L().With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	job, err := decodeJob(msg.Value)
	if err != nil {
		log.Warn("events: dropping malformed job message", zap.Error(err))
		metrics.JobEventsTotal.WithLabelValues("malformed").Inc()
		c.commit(ctx, log, msg)
		return
	}

	err = resilience.Do(ctx, c.retry.WithOperation("job_handler"), func(ctx context.Context) error {
		return c.handler(ctx, job)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down mid-job: leave it for the next consumer.
			return
		}
		log.Error("events: job handler failed, giving up",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		metrics.JobEventsTotal.WithLabelValues("failed").Inc()
		c.commit(ctx, log, msg)
		return
	}

	metrics.JobEventsTotal.WithLabelValues("ok").Inc()
	c.commit(ctx, log, msg)
}

func (c *JobConsumer) commit(ctx context.Context, log *zap.Logger, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.Error("events: commit message", zap.Error(err))
	}
}

// Close closes the reader.
func (c *JobConsumer) Close() error {
	return eris.Wrap(c.reader.Close(), "events: close reader")
}

func decodeJob(data []byte) (JobCompleted, error) {
	var job JobCompleted
	if err := json.Unmarshal(data, &job); err != nil {
		return job, eris.Wrap(err, "events: decode job message")
	}
	if job.JobID == "" {
		return job, eris.New("events: job message has no job_id")
	}
	return job, nil
}
