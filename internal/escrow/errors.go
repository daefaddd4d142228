package escrow

import (
	"errors"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/ledger"
)

var (
	ErrNotListed       = errors.New("asset is not listed")
	ErrAlreadyListed   = errors.New("asset is already listed")
	ErrAlreadySold     = errors.New("asset already sold")
	ErrInvalidPrice    = errors.New("price must be greater than zero")
	ErrNotSeller       = errors.New("caller is not the seller")
	ErrSellerMismatch  = errors.New("claimed seller does not match sale record")
	ErrCustodyMismatch = errors.New("claimed custody slot does not match derived slot")

	ErrAuthorityMismatch = authority.ErrAuthorityMismatch
)

// Code returns a stable machine-readable code for err, used in API
// responses and metric labels.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadySold):
		return "already_sold"
	case errors.Is(err, ErrNotListed):
		return "not_listed"
	case errors.Is(err, ErrAlreadyListed):
		return "already_listed"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrNotSeller):
		return "not_seller"
	case errors.Is(err, ErrSellerMismatch):
		return "seller_mismatch"
	case errors.Is(err, ErrCustodyMismatch):
		return "custody_mismatch"
	case errors.Is(err, ErrAuthorityMismatch):
		return "authority_mismatch"
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrSlotNotFound):
		return "slot_not_found"
	case errors.Is(err, ledger.ErrAssetNotFound):
		return "asset_not_found"
	default:
		return "internal"
	}
}
