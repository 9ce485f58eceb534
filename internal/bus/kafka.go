package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the producer used to forward events.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewKafkaProducer builds an idempotent sync producer that waits for all
// in-sync replicas.
func NewKafkaProducer(cfg KafkaConfig) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return prod, nil
}

// KafkaForwarder publishes every bus event to a Kafka topic, keyed by
// assignment so events of one assignment stay ordered within a partition.
// Emit never blocks on the broker: events are buffered and sent by a
// background loop. When the buffer is full the event is dropped and logged.
type KafkaForwarder struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	mu        sync.Mutex
	closed    bool
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	handlerID string
	bus       *EventBus
}

// KafkaForwarderConfig wires a forwarder to a producer.
type KafkaForwarderConfig struct {
	Producer   sarama.SyncProducer
	Topic      string
	BufferSize int
	Logger     *slog.Logger
}

func NewKafkaForwarder(cfg KafkaForwarderConfig) *KafkaForwarder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Topic == "" {
		cfg.Topic = "distribution.events"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &KafkaForwarder{
		producer: cfg.Producer,
		topic:    cfg.Topic,
		logger:   cfg.Logger,
		events:   make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
	}
}

// Attach subscribes the forwarder to every event on eb and starts the send loop.
func (f *KafkaForwarder) Attach(eb *EventBus) {
	f.bus = eb
	f.handlerID = eb.On("*", f.enqueue)
	go f.run()
}

func (f *KafkaForwarder) enqueue(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- e:
	default:
		f.logger.Warn("kafka buffer full, event dropped", "event", e.Type, "assignment", e.AssignmentID)
	}
}

func (f *KafkaForwarder) run() {
	defer close(f.done)
	for e := range f.events {
		if err := f.publish(e); err != nil {
			f.logger.Error("kafka publish failed", "event", e.Type, "assignment", e.AssignmentID, "err", err)
		}
	}
}

func (f *KafkaForwarder) publish(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(e.Key()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(e.Type)},
		},
	}
	partition, offset, err := f.producer.SendMessage(msg)
	if err != nil {
		return err
	}
	f.logger.Debug("event published", "event", e.Type, "partition", partition, "offset", offset)
	return nil
}

// Close unsubscribes, drains buffered events and closes the producer. If ctx
// expires first the remaining events are abandoned.
func (f *KafkaForwarder) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		if f.bus != nil {
			f.bus.Off("*", f.handlerID)
			f.mu.Lock()
			f.closed = true
			close(f.events)
			f.mu.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
				err = fmt.Errorf("kafka drain: %w", ctx.Err())
			}
		}
		if cerr := f.producer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
