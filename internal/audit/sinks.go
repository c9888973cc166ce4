package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ephemeral-auth/internal/models"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, event models.AuditEvent) error {
	s.logger.Info("audit",
		zap.String("event_id", event.ID),
		zap.String("event", event.Name),
		zap.String("tenant_id", event.TenantID),
		zap.Time("occurred_at", event.OccurredAt),
		zap.Any("metadata", event.Metadata))
	return nil
}

type messageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events as JSON, keyed by tenant so a tenant's events
// stay ordered within a partition.
type KafkaSink struct {
	producer messageProducer
	topic    string
}

func NewKafkaSink(producer messageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, event models.AuditEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := event.TenantID
	if key == "" {
		key = "global"
	}
	return s.producer.ProduceMessage(ctx, s.topic, []byte(key), value, map[string]string{
		"event":    event.Name,
		"event_id": event.ID,
	})
}

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes events into daily indices named prefix-YYYY.MM.DD.
type ElasticsearchSink struct {
	indexer documentIndexer
	prefix  string
}

func NewElasticsearchSink(indexer documentIndexer, prefix string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, prefix: prefix}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) IndexFor(t time.Time) string {
	return s.prefix + "-" + t.UTC().Format("2006.01.02")
}

func (s *ElasticsearchSink) Write(ctx context.Context, event models.AuditEvent) error {
	return s.indexer.IndexDocument(ctx, s.IndexFor(event.OccurredAt), event.ID, event)
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Write(ctx context.Context, event models.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
