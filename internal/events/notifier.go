// internal/events/notifier.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	SettlementCompleted = "settlement.completed"
	SettlementFailed    = "settlement.failed"
)

// SettlementEvent tells downstream notification services that a payment
// settled or failed.
type SettlementEvent struct {
	Type       string     `json:"type"`
	PaymentID  uuid.UUID  `json:"payment_id"`
	LoanID     uuid.UUID  `json:"loan_id"`
	ScheduleID *uuid.UUID `json:"schedule_id,omitempty"`
	UserID     uuid.UUID  `json:"user_id"`
	Amount     int64      `json:"amount"`
	Method     string     `json:"method"`
	LoanPaid   bool       `json:"loan_paid,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, event SettlementEvent) error
	Close() error
}

// KafkaNotifier publishes settlement events keyed by loan id, so events of
// one loan stay ordered within a partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return NewKafkaNotifierWithProducer(producer, topic, logger), nil
}

func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, event SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(event.LoanID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Timestamp: event.OccurredAt,
	}

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	n.logger.Debug("published settlement event",
		zap.String("type", event.Type),
		zap.String("payment_id", event.PaymentID.String()),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

// LogNotifier only logs events. Used when no brokers are configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event SettlementEvent) error {
	n.logger.Info("settlement event",
		zap.String("type", event.Type),
		zap.String("payment_id", event.PaymentID.String()),
		zap.String("loan_id", event.LoanID.String()),
		zap.Int64("amount", event.Amount),
		zap.String("reason", event.Reason))
	return nil
}

func (n *LogNotifier) Close() error { return nil }
