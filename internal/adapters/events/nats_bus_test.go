package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diogoX451/ubiquia-flow/internal/events"
)

type fakeMessage struct {
	data       []byte
	deliveries int
	acked      bool
	naked      bool
	progress   atomic.Int32
}

func (m *fakeMessage) Data() []byte { return m.data }
func (m *fakeMessage) Subject() string { return "flow.test" }
func (m *fakeMessage) Ack() error { m.acked = true; return nil }
func (m *fakeMessage) Nak() error { m.naked = true; return nil }
func (m *fakeMessage) InProgress() error { m.progress.Add(1); return nil }
func (m *fakeMessage) Metadata() (*events.MsgMetadata, error) {
	return &events.MsgMetadata{Stream: "FLOW_BROKER", Sequence: 7, Deliveries: m.deliveries}, nil
}

type fakeSubscription struct{}

func (fakeSubscription) Unsubscribe() error { return nil }

type fakeBus struct {
	events.Bus
	published map[string][]byte
	handler   events.Handler
	durable   string
	deleted   []string
}

func (f *fakeBus) Publish(_ context.Context, subject string, payload []byte) error {
	f.published[subject] = payload
	return nil
}

func (f *fakeBus) Subscribe(_ string, durable string, handler events.Handler) (events.Subscription, error) {
	f.durable = durable
	f.handler = handler
	return fakeSubscription{}, nil
}

func (f *fakeBus) DeleteDurable(_ string, durable string) error {
	f.deleted = append(f.deleted, durable)
	return nil
}

func TestBrokerPublish(t *testing.T) {
	bus := &fakeBus{published: map[string][]byte{}}
	broker := NewBroker(bus, BrokerConfig{})

	require.NoError(t, broker.Publish(context.Background(), "flow.out", []byte(`{"a":1}`)))
	assert.Equal(t, []byte(`{"a":1}`), bus.published["flow.out"])
}

func TestBrokerSubscribeAcksAndNaks(t *testing.T) {
	bus := &fakeBus{published: map[string][]byte{}}
	broker := NewBroker(bus, BrokerConfig{})

	fail := false
	_, err := broker.Subscribe("flow.in", "orders-v2_sub", func(ctx context.Context, payload []byte) error {
		if fail {
			return errors.New("inbox unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "orders_v2_sub", bus.durable)

	ok := &fakeMessage{data: []byte(`{}`)}
	require.NoError(t, bus.handler(context.Background(), ok))
	assert.True(t, ok.acked)
	assert.False(t, ok.naked)

	fail = true
	bad := &fakeMessage{data: []byte(`{}`)}
	require.Error(t, bus.handler(context.Background(), bad))
	assert.True(t, bad.naked)
	assert.False(t, bad.acked)
}

func TestBrokerAcksPoisonMessageAfterMaxDeliveries(t *testing.T) {
	bus := &fakeBus{published: map[string][]byte{}}
	broker := NewBroker(bus, BrokerConfig{MaxDeliveries: 3})

	_, err := broker.Subscribe("flow.in", "orders_sub", func(ctx context.Context, payload []byte) error {
		return errors.New("malformed payload")
	})
	require.NoError(t, err)

	retry := &fakeMessage{data: []byte(`{}`), deliveries: 2}
	require.Error(t, bus.handler(context.Background(), retry))
	assert.True(t, retry.naked)
	assert.False(t, retry.acked)

	poison := &fakeMessage{data: []byte(`{}`), deliveries: 3}
	require.NoError(t, bus.handler(context.Background(), poison))
	assert.True(t, poison.acked)
	assert.False(t, poison.naked)
}

func TestBrokerSendsInProgressWhileHandlerRuns(t *testing.T) {
	bus := &fakeBus{published: map[string][]byte{}}
	broker := NewBroker(bus, BrokerConfig{ProgressInterval: 5 * time.Millisecond})

	msg := &fakeMessage{data: []byte(`{}`)}
	_, err := broker.Subscribe("flow.in", "orders_sub", func(ctx context.Context, payload []byte) error {
		require.Eventually(t, func() bool { return msg.progress.Load() >= 2 }, time.Second, time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.handler(context.Background(), msg))
	assert.True(t, msg.acked)

	// Depois do ack o keep-alive para
	sent := msg.progress.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sent, msg.progress.Load())
}

func TestBrokerDeleteSubscriptionSanitizesDurable(t *testing.T) {
	bus := &fakeBus{published: map[string][]byte{}}
	broker := NewBroker(bus, BrokerConfig{})

	require.NoError(t, broker.DeleteSubscription("flow.in", "orders-v2_sub"))
	assert.Equal(t, []string{"orders_v2_sub"}, bus.deleted)
}
