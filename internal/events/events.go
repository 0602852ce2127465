// Package events publishes dedupe outcomes to Kafka and consumes the
// job-completed messages that trigger job-scoped runs.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dedupe/internal/tracing"
)

// Event types.
const (
	TypeDuplicatesDetected = "duplicates_detected"
	TypeLeadMerged         = "lead_merged"
)

// PairRef is the wire form of one resolved pair.
type PairRef struct {
	PrimaryID   string `json:"primary_id"`
	DuplicateID string `json:"duplicate_id"`
	MatchReason string `json:"match_reason"`
}

// Event is a dedupe outcome. Key is the partitioning key: the job id for
// detection events and the primary id for merges.
type Event struct {
	Type      string    `json:"event_type"`
	Key       string    `json:"-"`
	JobID     string    `json:"job_id,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	PrimaryID string    `json:"primary_id,omitempty"`
	LeadID    string    `json:"lead_id,omitempty"`
	Pairs     []PairRef `json:"pairs,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits dedupe events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to one topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// ProducerConfig holds Kafka producer settings.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewKafkaPublisher creates a publisher backed by a kafka-go Writer.
func NewKafkaPublisher(cfg ProducerConfig) *KafkaPublisher {
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           timeout,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
	}
}

// Publish encodes e and writes it with an event_type header.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	ctx, span := tracing.StartSpan(ctx, "events.Publish")
	defer span.End()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "events: marshal")
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(e.Key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "schema_version", Value: []byte("1")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "events: publish %s", e.Type)
	}

	zap.L().Debug("events: published",
		zap.String("event_type", e.Type),
		zap.String("key", e.Key),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return eris.Wrap(p.writer.Close(), "events: close writer")
}
