package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/pkg/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type fakeChannel struct {
	mu     sync.Mutex
	keys   []string
	msgs   []amqp.Publishing
	fail   bool
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.fail {
		return errors.New("channel closed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisher_PublishesSaleEvents(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, "market.sales", nil)
	bus := eventbus.New(nil)
	p.Attach(bus)

	evt := purchaseEvent()
	bus.PublishSync(&evt)

	require.Len(t, ch.msgs, 1)
	msg := ch.msgs[0]
	assert.Equal(t, "market.sales", ch.keys[0])
	assert.Equal(t, "sale.purchased", msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, evt.TxID.String(), msg.CorrelationId)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(msg.Body, &env))
	assert.Equal(t, "evt.sale.purchased.v1", env.Topic)
}

func TestAMQPPublisher_SkipsInvalidEvents(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, "q", nil)

	p.publishSale(nil)
	p.publishSale(&model.SaleEvent{Type: model.SaleListed})
	assert.Empty(t, ch.msgs)
}

func TestAMQPPublisher_PublishErrorIsSwallowed(t *testing.T) {
	ch := &fakeChannel{fail: true}
	p := newAMQPPublisher(ch, "q", nil)

	evt := purchaseEvent()
	assert.NotPanics(t, func() { p.publishSale(&evt) })
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
