// Package ledger is the transactional account and token store the escrow
// market runs on. Every mutation happens inside Ledger.Update; the callback
// either returns nil and all of its effects commit, or returns an error and
// none of them do.
//
// Backends (boltdb, postgres) implement the primitive State operations; the
// authorization and funding rules in this package are shared by all of them.
package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrUnauthorized        = errors.New("signer not authorized")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrMintMismatch        = errors.New("slot mint mismatch")

	ErrSaleExists     = errors.New("sale record already exists")
	ErrSaleNotFound   = errors.New("sale record not found")
	ErrSlotNotFound   = errors.New("custody slot not found")
	ErrAssetExists    = errors.New("asset already exists")
	ErrAssetNotFound  = errors.New("asset not found")
	ErrAssetFinalized = errors.New("asset supply is finalized")
)

// Rent is the deposit, in lamports, charged for each kind of record a
// transaction creates. The deposit stays on the record's own account and is
// returned when the record is closed.
type Rent struct {
	Sale  uint64
	Slot  uint64
	Asset uint64
}

// SaleEntry is a stored sale record together with its storage address and
// the asset it escrows.
type SaleEntry struct {
	Record model.Address
	Asset  model.Address
	Sale   model.Sale
}

// Ledger runs transactions against a backend.
type Ledger interface {
	// Update runs fn in a read-write transaction. Writers are serialized per
	// touched record; fn must not retain tx after it returns.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is one ledger transaction.
type Tx interface {
	// ID identifies the transaction. Derived signers asserted for this ID are
	// accepted; derived signers from any other transaction are not.
	ID() uuid.UUID

	Account(ctx context.Context, addr model.Address) (model.Account, error)
	// Credit mints lamports out of thin air. Only the development faucet and
	// test fixtures call it.
	Credit(ctx context.Context, to model.Address, amount uint64) error
	Pay(ctx context.Context, from authority.Signer, to model.Address, amount uint64) error

	// EnsureSlot returns the custody slot of (owner, mint), creating it at
	// the payer's expense when absent.
	EnsureSlot(ctx context.Context, payer authority.Signer, mint, owner model.Address) (model.Slot, error)
	Slot(ctx context.Context, addr model.Address) (model.Slot, error)
	Slots(ctx context.Context, owner model.Address) ([]model.Slot, error)
	TransferToken(ctx context.Context, from, to model.Address, signer authority.Signer, qty uint64) error

	CreateSale(ctx context.Context, payer authority.Signer, entry SaleEntry) error
	Sale(ctx context.Context, record model.Address) (SaleEntry, error)
	Sales(ctx context.Context) ([]SaleEntry, error)
	CloseSale(ctx context.Context, record, refundTo model.Address) error

	CreateAsset(ctx context.Context, payer authority.Signer, asset model.Asset) error
	Asset(ctx context.Context, mint model.Address) (model.Asset, error)
	MintTo(ctx context.Context, mint, slot model.Address, auth authority.Signer, qty uint64) error
	Finalize(ctx context.Context, mint model.Address, auth authority.Signer) error
}

// State is the primitive record store a backend exposes for one open
// transaction. Implementations report missing records with the package's
// NotFound errors and duplicate inserts with its Exists errors.
type State interface {
	Balance(ctx context.Context, addr model.Address) (uint64, error)
	Credit(ctx context.Context, addr model.Address, amount uint64) error
	// Debit fails with ErrInsufficientFunds when the balance is short.
	Debit(ctx context.Context, addr model.Address, amount uint64) error
	// Drain removes the account and returns what it held.
	Drain(ctx context.Context, addr model.Address) (uint64, error)

	GetSlot(ctx context.Context, addr model.Address) (model.Slot, error)
	// InsertSlot reports false when the slot already existed.
	InsertSlot(ctx context.Context, slot model.Slot) (bool, error)
	SlotsByOwner(ctx context.Context, owner model.Address) ([]model.Slot, error)
	AddToSlot(ctx context.Context, addr model.Address, qty uint64) error
	// TakeFromSlot fails with ErrInsufficientBalance when the slot holds
	// fewer than qty units.
	TakeFromSlot(ctx context.Context, addr model.Address, qty uint64) error

	// GetSale locks the record for the rest of a read-write transaction.
	GetSale(ctx context.Context, record model.Address) (SaleEntry, error)
	InsertSale(ctx context.Context, entry SaleEntry) error
	DeleteSale(ctx context.Context, record model.Address) error
	ListSales(ctx context.Context) ([]SaleEntry, error)

	GetAsset(ctx context.Context, mint model.Address) (model.Asset, error)
	InsertAsset(ctx context.Context, asset model.Asset) error
	UpdateAsset(ctx context.Context, asset model.Asset) error
}
