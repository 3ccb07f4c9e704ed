package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/atmx/callmarket/internal/clearing"
	"github.com/atmx/callmarket/internal/model"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func outcome(marketID string) clearing.Outcome {
	return clearing.Outcome{
		MarketID: marketID,
		Traded:   true,
		Price:    decimal.NewFromFloat(12.5),
		Quantity: 3,
		Date:     time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC),
		Fills: []clearing.Fill{
			{OrderID: "o1", UserID: "u1", Side: model.SideBuy, Quantity: 3, Amount: decimal.NewFromFloat(-37.5)},
			{OrderID: "o2", UserID: "u2", Side: model.SideSell, Quantity: 3, Amount: decimal.NewFromFloat(37.5), ShortIssued: 3},
		},
	}
}

func TestKafkaPublisher_PublishesKeyedByMarket(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w)

	p.Notify(context.Background(), outcome("m1"))
	p.Notify(context.Background(), outcome("m2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx) // drains the queue and returns

	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "m1" || string(w.msgs[1].Key) != "m2" {
		t.Errorf("unexpected keys %q, %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	if !w.closed {
		t.Error("writer should be closed when Run returns")
	}

	var ev ClearingEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "clearing_executed" || ev.MarketID != "m1" || ev.Quantity != 3 {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.Price.Equal(decimal.NewFromFloat(12.5)) || len(ev.Fills) != 2 {
		t.Errorf("unexpected price or fills: %s, %d", ev.Price, len(ev.Fills))
	}
}

func TestKafkaPublisher_ShutdownWaitsForFlush(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w)

	ctx, cancel := context.WithCancel(context.Background())
	var workers conc.WaitGroup
	workers.Go(func() { p.Run(ctx) })

	for i := 0; i < 50; i++ {
		p.Notify(context.Background(), outcome("m1"))
	}
	cancel()
	workers.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.msgs) != 50 {
		t.Errorf("expected all 50 queued events written before Wait returns, got %d", len(w.msgs))
	}
	if !w.closed {
		t.Error("writer should be closed before Wait returns")
	}
}

func TestKafkaPublisher_DropsWhenFull(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w)
	p.queue = make(chan kafka.Message, 1)

	p.Notify(context.Background(), outcome("m1"))
	p.Notify(context.Background(), outcome("m1")) // dropped, must not block

	if len(p.queue) != 1 {
		t.Errorf("expected 1 queued message, got %d", len(p.queue))
	}
}

func TestKafkaPublisher_WriteErrorDoesNotStop(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w)

	p.Notify(context.Background(), outcome("m1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	if len(w.msgs) != 0 {
		t.Errorf("expected no delivered messages, got %d", len(w.msgs))
	}
	if !w.closed {
		t.Error("writer should be closed")
	}
}

func TestMulti_FansOut(t *testing.T) {
	var a, b []string
	m := Multi{
		clearing.NotifierFunc(func(_ context.Context, o clearing.Outcome) { a = append(a, o.MarketID) }),
		nil,
		clearing.NotifierFunc(func(_ context.Context, o clearing.Outcome) { b = append(b, o.MarketID) }),
	}
	m.Notify(context.Background(), outcome("m1"))

	if len(a) != 1 || len(b) != 1 || a[0] != "m1" || b[0] != "m1" {
		t.Errorf("expected both notifiers to see m1, got %v %v", a, b)
	}
}
