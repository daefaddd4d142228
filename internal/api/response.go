package api

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// LamportDecimals is the number of decimal places between a lamport and
// one whole coin.
const LamportDecimals = 9

// FormatLamports renders an amount of lamports as a whole-coin decimal
// string, e.g. 1500000000 -> "1.5".
func FormatLamports(l uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(l), -LamportDecimals).String()
}

// ParseLamports converts a whole-coin decimal string to lamports. Amounts
// finer than one lamport, zero and negative values are rejected.
func ParseLamports(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid price_display %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("price_display must be greater than 0")
	}
	shifted := d.Shift(LamportDecimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("price_display has more than %d decimal places", LamportDecimals)
	}
	n := shifted.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("price_display out of range")
	}
	return n.Uint64(), nil
}

// ListingResponse is the API view of a live listing.
type ListingResponse struct {
	Asset        model.Address `json:"asset"`
	Record       model.Address `json:"record"`
	Authority    model.Address `json:"authority"`
	Bump         uint8         `json:"bump"`
	Escrow       model.Address `json:"escrow"`
	Seller       model.Address `json:"seller"`
	Price        uint64        `json:"price"`
	PriceDisplay string        `json:"price_display"`
	ListedAt     time.Time     `json:"listed_at"`
}

func toListingResponse(l model.Listing) ListingResponse {
	return ListingResponse{
		Asset:        l.Asset,
		Record:       l.Record,
		Authority:    l.Authority,
		Bump:         l.Bump,
		Escrow:       l.Custody,
		Seller:       l.Seller,
		Price:        l.Price,
		PriceDisplay: FormatLamports(l.Price),
		ListedAt:     l.ListedAt,
	}
}

// SaleEventResponse reports a committed purchase or withdrawal.
type SaleEventResponse struct {
	Type         model.SaleEventType `json:"type"`
	Asset        model.Address       `json:"asset"`
	Seller       model.Address       `json:"seller"`
	Buyer        *model.Address      `json:"buyer,omitempty"`
	Price        uint64              `json:"price"`
	PriceDisplay string              `json:"price_display"`
	TxID         string              `json:"tx_id"`
	Timestamp    time.Time           `json:"timestamp"`
}

func toSaleEventResponse(e model.SaleEvent) SaleEventResponse {
	return SaleEventResponse{
		Type:         e.Type,
		Asset:        e.Asset,
		Seller:       e.Seller,
		Buyer:        e.Buyer,
		Price:        e.Price,
		PriceDisplay: FormatLamports(e.Price),
		TxID:         e.TxID.String(),
		Timestamp:    e.Timestamp,
	}
}

// AccountResponse is the balance and token slots of one address.
type AccountResponse struct {
	Address         model.Address `json:"address"`
	Lamports        uint64        `json:"lamports"`
	LamportsDisplay string        `json:"lamports_display"`
	Slots           []model.Slot  `json:"slots"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
