package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seckill/internal/telemetry"
)

type recordingHandler struct {
	mu       sync.Mutex
	err      error
	handled  []SettlementMessage
	dead     []SettlementMessage
	handledC chan struct{}
}

func (h *recordingHandler) Handle(_ context.Context, msg SettlementMessage) error {
	h.mu.Lock()
	h.handled = append(h.handled, msg)
	err := h.err
	h.mu.Unlock()
	if h.handledC != nil {
		h.handledC <- struct{}{}
	}
	return err
}

func (h *recordingHandler) DeadLetter(_ context.Context, msg SettlementMessage, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = append(h.dead, msg)
}

func delivery(t *testing.T, ack amqp.Acknowledger, msg SettlementMessage, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: headers, MessageId: msg.OrderID}
}

func newTestConsumer(h Handler) *Consumer {
	return NewConsumer(nil, h, ConsumerConfig{MaxAttempts: 3}, telemetry.Discard())
}

func TestConsumer_AcksSettledMessage(t *testing.T) {
	h := &recordingHandler{}
	ack := &fakeAcker{}
	c := newTestConsumer(h)

	c.process(context.Background(), delivery(t, ack, SettlementMessage{OrderID: "o-1"}, nil))

	assert.Equal(t, []ackCall{{ack: true}}, ack.recorded())
	require.Len(t, h.handled, 1)
	assert.Equal(t, 1, h.handled[0].Attempt)
}

func TestConsumer_RequeuesBelowMaxAttempts(t *testing.T) {
	h := &recordingHandler{err: errors.New("db down")}
	ack := &fakeAcker{}
	c := newTestConsumer(h)

	c.process(context.Background(), delivery(t, ack, SettlementMessage{OrderID: "o-1"}, amqp.Table{"x-delivery-count": int64(1)}))

	assert.Equal(t, []ackCall{{requeue: true}}, ack.recorded())
	assert.Empty(t, h.dead)
}

func TestConsumer_DeadLettersOnLastAttempt(t *testing.T) {
	h := &recordingHandler{err: errors.New("db down")}
	ack := &fakeAcker{}
	c := newTestConsumer(h)

	c.process(context.Background(), delivery(t, ack, SettlementMessage{OrderID: "o-1", BuyerID: 7}, amqp.Table{"x-delivery-count": int64(2)}))

	assert.Equal(t, []ackCall{{requeue: false}}, ack.recorded())
	require.Len(t, h.dead, 1)
	assert.Equal(t, "o-1", h.dead[0].OrderID)
	assert.Equal(t, 3, h.dead[0].Attempt)
}

func TestConsumer_UndecodableIsRejected(t *testing.T) {
	h := &recordingHandler{}
	ack := &fakeAcker{}
	c := newTestConsumer(h)

	c.process(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})

	assert.Equal(t, []ackCall{{requeue: false}}, ack.recorded())
	assert.Empty(t, h.handled)
	assert.Empty(t, h.dead)
}

func TestDeliveryAttempt(t *testing.T) {
	tests := []struct {
		name string
		d    amqp.Delivery
		want int
	}{
		{"first delivery", amqp.Delivery{}, 1},
		{"int64 count", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int64(2)}}, 3},
		{"int32 count", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int32(1)}}, 2},
		{"int count", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": 4}}, 5},
		{"redelivered without header", amqp.Delivery{Redelivered: true}, 2},
		{"unexpected header type", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": "2"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deliveryAttempt(tt.d))
		})
	}
}

func TestConsumer_RunStopsWhenBrokerExhausted(t *testing.T) {
	b := newTestBroker(t, &fakeDialer{}, &sleeps{}, 1)
	b.Start(context.Background())
	c := NewConsumer(b, &recordingHandler{}, ConsumerConfig{}, telemetry.Discard())

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestConsumer_RunConsumesUntilCancelled(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 1)
	conn := &fakeConn{deliveries: deliveries}
	b := newTestBroker(t, &fakeDialer{conns: []*fakeConn{conn}}, &sleeps{}, 1)
	b.Start(context.Background())

	h := &recordingHandler{handledC: make(chan struct{}, 1)}
	c := NewConsumer(b, h, ConsumerConfig{Prefetch: 7}, telemetry.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	ack := &fakeAcker{}
	deliveries <- delivery(t, ack, SettlementMessage{OrderID: "o-1"}, nil)
	select {
	case <-h.handledC:
	case <-time.After(time.Second):
		t.Fatal("message not handled")
	}
	assert.Eventually(t, func() bool { return len(ack.recorded()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	conn.mu.Lock()
	consumerCh := conn.channels[1]
	conn.mu.Unlock()
	assert.Equal(t, 7, consumerCh.prefetch)
	assert.True(t, consumerCh.closed)
}
