package model

import "time"

// Sale is the escrow record of one listed asset. It is stored at the asset's
// derived sale address, so the asset identifier is not repeated inside it.
// A live record always has Price > 0; retiring a listing deletes the record.
type Sale struct {
	Seller   Address   `json:"seller"`
	Price    uint64    `json:"price"`
	ListedAt time.Time `json:"listed_at"`
}

// Listing is the read view of a live Sale together with the addresses a
// buyer needs to reference when purchasing.
type Listing struct {
	Asset     Address   `json:"asset"`
	Record    Address   `json:"record"`
	Authority Address   `json:"authority"`
	Bump      uint8     `json:"bump"`
	Custody   Address   `json:"custody"`
	Seller    Address   `json:"seller"`
	Price     uint64    `json:"price"`
	ListedAt  time.Time `json:"listed_at"`
}
