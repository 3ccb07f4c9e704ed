// Package events fans committed clearing rounds out to external observers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/atmx/callmarket/internal/clearing"
	"github.com/atmx/callmarket/internal/metrics"
)

// ClearingEvent is the payload published for each round.
type ClearingEvent struct {
	Type string `json:"type"`
	clearing.Outcome
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes clearing outcomes to a Kafka topic, keyed by
// market ID so each market's rounds stay ordered within a partition.
//
// Notify only enqueues; Run performs the writes. When the buffer is full
// the event is dropped rather than stalling the clearing round.
type KafkaPublisher struct {
	writer  messageWriter
	queue   chan kafka.Message
	timeout time.Duration
	once    sync.Once
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	})
}

func newKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  w,
		queue:   make(chan kafka.Message, 1024),
		timeout: 5 * time.Second,
	}
}

// Notify implements clearing.Notifier.
func (p *KafkaPublisher) Notify(_ context.Context, o clearing.Outcome) {
	value, err := json.Marshal(ClearingEvent{Type: "clearing_executed", Outcome: o})
	if err != nil {
		slog.Error("encode clearing event", "market", o.MarketID, "err", err)
		metrics.EventsPublished.WithLabelValues("encode_error").Inc()
		return
	}

	msg := kafka.Message{
		Key:   []byte(o.MarketID),
		Value: value,
		Time:  o.Date,
	}
	select {
	case p.queue <- msg:
	default:
		slog.Warn("event queue full, dropping clearing event", "market", o.MarketID)
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// already queued and closes the writer.
func (p *KafkaPublisher) Run(ctx context.Context) {
	defer p.close()
	for {
		select {
		case msg := <-p.queue:
			p.write(msg)
		case <-ctx.Done():
			for {
				select {
				case msg := <-p.queue:
					p.write(msg)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaPublisher) write(msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("publish clearing event", "market", string(msg.Key), "err", err)
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

func (p *KafkaPublisher) close() {
	p.once.Do(func() {
		if err := p.writer.Close(); err != nil {
			slog.Warn("kafka writer close", "err", err)
		}
	})
}
