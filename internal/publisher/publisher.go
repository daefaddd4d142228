package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/logger"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// JetStream is the part of nats.JetStreamContext the publisher uses.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher wraps a NATS connection and publishes canonical sale events.
type Publisher struct {
	nc      *nats.Conn
	js      JetStream
	prefix  string
	service string
	timeout time.Duration
}

// New creates a Publisher with JetStream enabled. prefix, when set, is
// prepended to every sale subject (for example "market" gives
// "market.evt.sale.listed.v1").
func New(nc *nats.Conn, prefix, service string) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	return &Publisher{
		nc:      nc,
		js:      js,
		prefix:  prefix,
		service: service,
		timeout: 5 * time.Second,
	}, nil
}

func (p *Publisher) subject(s string) string {
	if p.prefix == "" {
		return s
	}
	return p.prefix + "." + s
}

// PublishEnvelope serializes and publishes a canonical event envelope to NATS.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		logger.S().Errorw("publisher.marshal_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}
	// De-duplicates redeliveries within the stream's duplicate window.
	msg.Header.Set(nats.MsgIdHdr, env.ID.String())

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		logger.S().Errorw("publisher.publish_failed",
			"subject", subject,
			"event_type", env.EventType,
			"error", err,
		)
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	logger.S().Debugw("publisher.publish_success",
		"subject", subject,
		"event_type", env.EventType,
	)
	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// PublishSaleEvent emits evt on evt.sale.<type>.v1.
func (p *Publisher) PublishSaleEvent(ctx context.Context, evt model.SaleEvent) error {
	env, err := model.NewSaleEnvelope(evt)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}
	return p.PublishEnvelope(ctx, p.subject(env.Topic), env)
}

// Publish publishes raw JSON payloads (for non-canonical internal events).
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		metrics.IncError("publisher", "marshal_failed")
		return err
	}

	subject = p.subject(subject)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"source": []string{p.service}},
	}

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	metrics.ObserveDuration(metrics.NATSMessageLatency, start, subject)

	if err != nil {
		metrics.IncNATSMessage(subject, "error")
		return err
	}

	metrics.IncNATSMessage(subject, "ok")
	return nil
}

// Attach forwards every sale event on bus to NATS.
func (p *Publisher) Attach(bus *eventbus.EventBus) {
	bus.SubscribeFunc(func(evt model.SaleEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		_ = p.PublishSaleEvent(ctx, evt)
	})
}

func (p *Publisher) Close() {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
