package api

import "github.com/Checker-Finance/escrow-market/pkg/model"

// MintRequest is the payload for minting a collection or a single asset.
// Collection is ignored when minting a collection.
type MintRequest struct {
	Name       string         `json:"name" example:"Genesis #1"`
	Symbol     string         `json:"symbol" example:"GEN"`
	URI        string         `json:"uri" example:"https://example.com/1.json"`
	Collection *model.Address `json:"collection,omitempty"`
}

// ListRequest puts one unit of Asset up for sale. Exactly one of Price
// (lamports) and PriceDisplay (whole-coin decimal string) must be set.
type ListRequest struct {
	Asset        model.Address  `json:"asset"`
	Price        uint64         `json:"price,omitempty" example:"1500000000"`
	PriceDisplay string         `json:"price_display,omitempty" example:"1.5"`
	Source       *model.Address `json:"source,omitempty"`
	Escrow       *model.Address `json:"escrow,omitempty"`
}

// ClaimsRequest carries the optional addresses a caller derived on its own.
// Each one that is set is checked against the server-side derivation.
type ClaimsRequest struct {
	Bump      *uint8         `json:"bump,omitempty"`
	Authority *model.Address `json:"authority,omitempty"`
	Escrow    *model.Address `json:"escrow,omitempty"`
}

// PurchaseRequest buys the listed asset named in the route.
type PurchaseRequest struct {
	Seller *model.Address `json:"seller,omitempty"`
	ClaimsRequest
}

// WithdrawRequest cancels the listing named in the route.
type WithdrawRequest struct {
	ClaimsRequest
}

// FaucetRequest credits lamports to Address. Only served when the faucet
// is enabled.
type FaucetRequest struct {
	Address  model.Address `json:"address"`
	Lamports uint64        `json:"lamports" example:"1000000000"`
}
