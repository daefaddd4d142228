package model

import "time"

// Metadata field limits enforced by the asset registry.
const (
	MaxNameLength   = 32
	MaxSymbolLength = 10
	MaxURILength    = 200
)

// CollectionRef links an asset to its parent collection. Verified stays false:
// the registry records the reference but never signs it off.
type CollectionRef struct {
	Key      Address `json:"key"`
	Verified bool    `json:"verified"`
}

// Asset is an indivisible token together with its descriptive record.
// Finalized marks the master edition: supply is fixed and no further units
// can be minted.
type Asset struct {
	Mint                 Address        `json:"mint"`
	Name                 string         `json:"name"`
	Symbol               string         `json:"symbol"`
	URI                  string         `json:"uri"`
	SellerFeeBasisPoints uint16         `json:"seller_fee_basis_points"`
	Collection           *CollectionRef `json:"collection,omitempty"`
	IsCollection         bool           `json:"is_collection"`
	UpdateAuthority      Address        `json:"update_authority"`
	Supply               uint64         `json:"supply"`
	Finalized            bool           `json:"finalized"`
	CreatedAt            time.Time      `json:"created_at"`
}

// Slot is a custody container bound to one (mint, owner) pair.
type Slot struct {
	Address Address `json:"address"`
	Mint    Address `json:"mint"`
	Owner   Address `json:"owner"`
	Amount  uint64  `json:"amount"`
}

// Account holds the native-currency balance of an identity, in lamports.
type Account struct {
	Address  Address `json:"address"`
	Lamports uint64  `json:"lamports"`
}
