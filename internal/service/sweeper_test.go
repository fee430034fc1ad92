package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/seckill/internal/model"
	"github.com/iliyamo/seckill/internal/queue"
	"github.com/iliyamo/seckill/internal/telemetry"
)

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishSettlement(ctx context.Context, msg queue.SettlementMessage) error {
	return m.Called(ctx, msg).Error(0)
}

func byOrderID(id string) interface{} {
	return mock.MatchedBy(func(msg queue.SettlementMessage) bool { return msg.OrderID == id })
}

func TestSweeper_RepublishesStalePendingOrders(t *testing.T) {
	orders := newFakeOrders()
	ctx := context.Background()
	require.NoError(t, orders.Create(ctx, pendingOrder("old", 7, 1, 1, saleNow.Add(-10*time.Minute))))
	require.NoError(t, orders.Create(ctx, pendingOrder("fresh", 8, 1, 1, saleNow.Add(-10*time.Second))))
	done := pendingOrder("done", 9, 1, 1, saleNow.Add(-10*time.Minute))
	done.Status = model.OrderConfirmed
	require.NoError(t, orders.Create(ctx, done))

	pub := &mockPublisher{}
	pub.On("PublishSettlement", mock.Anything, byOrderID("old")).Return(nil).Once()

	s := NewSweeper(orders, pub, time.Second, time.Minute, time.Second, telemetry.Discard())
	s.now = func() time.Time { return saleNow }

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pub.AssertExpectations(t)
}

func TestSweeper_StopsAtFirstPublishFailure(t *testing.T) {
	orders := newFakeOrders()
	ctx := context.Background()
	require.NoError(t, orders.Create(ctx, pendingOrder("a", 7, 1, 1, saleNow.Add(-3*time.Minute))))
	require.NoError(t, orders.Create(ctx, pendingOrder("b", 8, 1, 1, saleNow.Add(-2*time.Minute))))
	require.NoError(t, orders.Create(ctx, pendingOrder("c", 9, 1, 1, saleNow.Add(-90*time.Second))))

	pub := &mockPublisher{}
	pub.On("PublishSettlement", mock.Anything, byOrderID("a")).Return(nil).Once()
	pub.On("PublishSettlement", mock.Anything, byOrderID("b")).Return(queue.ErrBrokerUnavailable).Once()

	s := NewSweeper(orders, pub, time.Second, time.Minute, time.Second, telemetry.Discard())
	s.now = func() time.Time { return saleNow }

	n, err := s.SweepOnce(ctx)
	assert.ErrorIs(t, err, queue.ErrBrokerUnavailable)
	assert.Equal(t, 1, n)
	pub.AssertExpectations(t)
	pub.AssertNotCalled(t, "PublishSettlement", mock.Anything, byOrderID("c"))
}

func TestSweeper_ListError(t *testing.T) {
	pub := &mockPublisher{}
	s := NewSweeper(brokenLister{}, pub, 0, time.Minute, 0, telemetry.Discard())

	_, err := s.SweepOnce(context.Background())
	assert.Error(t, err)
	pub.AssertNotCalled(t, "PublishSettlement", mock.Anything, mock.Anything)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PublishSettlement", mock.Anything, mock.Anything).Return(nil).Maybe()
	s := NewSweeper(newFakeOrders(), pub, 5*time.Millisecond, time.Minute, time.Second, telemetry.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

type brokenLister struct{}

func (brokenLister) ListStalePending(context.Context, time.Time, int) ([]model.Order, error) {
	return nil, errors.New("connection refused")
}
