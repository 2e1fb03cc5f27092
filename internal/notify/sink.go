package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"teamchat-core/internal/storage"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Kind string

const (
	KindNewMessage     Kind = "new_message"
	KindMention        Kind = "mention"
	KindCounterChanged Kind = "counter_changed"
)

// Trigger asks push and email workers to reconsider notifications of a user
type Trigger struct {
	Kind      Kind      `json:"kind"`
	UserID    int64     `json:"uid"`
	ChatID    int64     `json:"cid"`
	MessageID int64     `json:"mid,omitempty"`
	Unread    int64     `json:"unread"`
	AllUnread int64     `json:"allUnread"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink delivers triggers to notification workers
type Sink interface {
	Publish(ctx context.Context, t Trigger) error
	Close() error
}

// KafkaConfig holds producer settings
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"127.0.0.1:9092"`
	Topic   string   `env:"KAFKA_NOTIFY_TOPIC" envDefault:"chat.notifications"`
	Retries int      `env:"KAFKA_PRODUCER_RETRIES" envDefault:"5"`
}

// KafkaSink publishes triggers keyed by user id, so triggers of one user stay ordered within a partition
type KafkaSink struct {
	logger   *zap.SugaredLogger
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects sync producer to brokers
func NewKafkaSink(logger *zap.SugaredLogger, cfg KafkaConfig) (*KafkaSink, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = cfg.Retries
	sc.Version = sarama.V2_1_0_0

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return NewKafkaSinkFromProducer(logger, p, cfg.Topic), nil
}

// NewKafkaSinkFromProducer wraps an existing producer
func NewKafkaSinkFromProducer(logger *zap.SugaredLogger, p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{logger: logger, producer: p, topic: topic}
}

func (s *KafkaSink) Publish(_ context.Context, t Trigger) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "encode trigger")
	}
	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(t.UserID, 10)),
		Value: sarama.ByteEncoder(raw),
	})
	if err != nil {
		return errors.Wrap(err, "send trigger")
	}

	s.logger.Debugf("Trigger %s for user (id: %d) sent to %s/%d@%d", t.Kind, t.UserID, s.topic, partition, offset)

	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// MemorySink keeps published triggers in memory
type MemorySink struct {
	mu       sync.Mutex
	triggers []Trigger
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, t Trigger) error {
	s.mu.Lock()
	s.triggers = append(s.triggers, t)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Triggers returns a copy of everything published so far
func (s *MemorySink) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Trigger(nil), s.triggers...)
}

// Schedule publishes t once the transaction bound to ctx commits. Publishing failures are logged, not returned.
func Schedule(ctx context.Context, logger *zap.SugaredLogger, sink Sink, t Trigger) {
	if sink == nil {
		return
	}
	t.CreatedAt = time.Now()
	storage.AfterCommit(ctx, func() {
		if err := sink.Publish(ctx, t); err != nil {
			logger.Warnf("Failed to publish %s trigger for user (id: %d): %v", t.Kind, t.UserID, err)
		}
	})
}
