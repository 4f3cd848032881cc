// Package notify delivers spoken alerts and push notifications raised by
// the tracker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/s0uth-cloud/droptimize-driver/internal/monitoring"
	"github.com/s0uth-cloud/droptimize-driver/internal/timeutil"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

var logf = monitoring.Component("notify")

// Message kinds published to the notification topic.
const (
	KindSpeak = "speak"
	KindPush  = "push"
)

// Message is the JSON payload published for each notification. The driver
// app consumes these and plays or displays them.
type Message struct {
	Kind     string    `json:"kind"`
	DriverID string    `json:"driver_id"`
	Title    string    `json:"title,omitempty"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
}

// LogNotifier writes notifications to the log. It stands in for the speech
// engine on headless devices.
type LogNotifier struct{}

func (LogNotifier) Speak(ctx context.Context, text string) error {
	logf("speak: %s", text)
	return nil
}

func (LogNotifier) Push(ctx context.Context, title, body string) error {
	logf("push: %s: %s", title, body)
	return nil
}

// KafkaConfig configures the notification producer.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// KafkaNotifier publishes notifications to a Kafka topic keyed by driver ID
// so a driver's messages stay ordered within a partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	driverID string
	clock    timeutil.Clock
}

// NewKafkaNotifier connects a synchronous producer to the brokers.
func NewKafkaNotifier(cfg KafkaConfig, driverID string) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("no kafka topic configured")
	}
	saramaConfig := sarama.NewConfig()
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Timeout = 5 * time.Second

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(producer, cfg.Topic, driverID), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(p sarama.SyncProducer, topic, driverID string) *KafkaNotifier {
	return &KafkaNotifier{producer: p, topic: topic, driverID: driverID, clock: timeutil.RealClock{}}
}

func (k *KafkaNotifier) Speak(ctx context.Context, text string) error {
	return k.send(ctx, Message{Kind: KindSpeak, Body: text})
}

func (k *KafkaNotifier) Push(ctx context.Context, title, body string) error {
	return k.send(ctx, Message{Kind: KindPush, Title: title, Body: body})
}

func (k *KafkaNotifier) send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.DriverID = k.driverID
	m.SentAt = k.clock.Now()
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(k.driverID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s notification: %w", m.Kind, err)
	}
	logf("published %s notification to %s/%d@%d", m.Kind, k.topic, partition, offset)
	return nil
}

// Close shuts down the producer.
func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}

// Multi fans each notification out to every notifier and joins their
// errors.
type Multi []tracking.Notifier

func (m Multi) Speak(ctx context.Context, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Speak(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Push(ctx context.Context, title, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Push(ctx, title, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ tracking.Notifier = LogNotifier{}
	_ tracking.Notifier = (*KafkaNotifier)(nil)
	_ tracking.Notifier = Multi(nil)
)
