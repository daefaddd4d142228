package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SaleEventType names a committed escrow transition.
type SaleEventType string

const (
	SaleListed    SaleEventType = "sale.listed"
	SalePurchased SaleEventType = "sale.purchased"
	SaleWithdrawn SaleEventType = "sale.withdrawn"
)

// Subject returns the NATS subject the event is published on.
func (t SaleEventType) Subject() string {
	return "evt." + string(t) + ".v1"
}

// SaleEvent is emitted after a list, purchase or withdraw commits.
// Buyer is set only for purchases.
type SaleEvent struct {
	Type      SaleEventType `json:"type"`
	Asset     Address       `json:"asset"`
	Seller    Address       `json:"seller"`
	Buyer     *Address      `json:"buyer,omitempty"`
	Price     uint64        `json:"price"`
	TxID      uuid.UUID     `json:"tx_id"`
	Timestamp time.Time     `json:"timestamp"`
}

// Envelope is the canonical event envelope.
// All messages published to NATS or RabbitMQ follow this format.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// NewSaleEnvelope wraps a sale event; the ledger transaction id doubles as
// the correlation id so downstream consumers can join events to history rows.
func NewSaleEnvelope(evt SaleEvent) (*Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            uuid.New(),
		CorrelationID: evt.TxID,
		Topic:         evt.Type.Subject(),
		EventType:     string(evt.Type),
		Version:       "1.0.0",
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}, nil
}
