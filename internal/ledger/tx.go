package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type txn struct {
	id   uuid.UUID
	st   State
	rent Rent
}

// Bind wraps a backend's open transaction state with the shared ledger rules.
func Bind(id uuid.UUID, st State, rent Rent) Tx {
	return &txn{id: id, st: st, rent: rent}
}

func (t *txn) ID() uuid.UUID { return t.id }

// authorize checks that signer may act for owner within this transaction.
func (t *txn) authorize(signer authority.Signer, owner model.Address) error {
	if signer == nil {
		return fmt.Errorf("%w: no signer", ErrUnauthorized)
	}
	if scope := signer.Scope(); scope != uuid.Nil && scope != t.id {
		return fmt.Errorf("%w: signer %s bound to another transaction", ErrUnauthorized, signer.Address())
	}
	if signer.Address() != owner {
		return fmt.Errorf("%w: %s cannot act for %s", ErrUnauthorized, signer.Address(), owner)
	}
	return nil
}

func (t *txn) Account(ctx context.Context, addr model.Address) (model.Account, error) {
	bal, err := t.st.Balance(ctx, addr)
	if err != nil {
		return model.Account{}, err
	}
	return model.Account{Address: addr, Lamports: bal}, nil
}

func (t *txn) Credit(ctx context.Context, to model.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return t.st.Credit(ctx, to, amount)
}

func (t *txn) Pay(ctx context.Context, from authority.Signer, to model.Address, amount uint64) error {
	if from == nil {
		return fmt.Errorf("%w: no payer", ErrUnauthorized)
	}
	if err := t.authorize(from, from.Address()); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	if err := t.st.Debit(ctx, from.Address(), amount); err != nil {
		return fmt.Errorf("pay %d from %s: %w", amount, from.Address(), err)
	}
	return t.st.Credit(ctx, to, amount)
}

func (t *txn) EnsureSlot(ctx context.Context, payer authority.Signer, mint, owner model.Address) (model.Slot, error) {
	addr, err := authority.CustodySlot(owner, mint)
	if err != nil {
		return model.Slot{}, err
	}
	slot, err := t.st.GetSlot(ctx, addr)
	if err == nil {
		return slot, nil
	}
	if !errors.Is(err, ErrSlotNotFound) {
		return model.Slot{}, err
	}
	if _, err := t.st.GetAsset(ctx, mint); err != nil {
		return model.Slot{}, err
	}

	slot = model.Slot{Address: addr, Mint: mint, Owner: owner}
	created, err := t.st.InsertSlot(ctx, slot)
	if err != nil {
		return model.Slot{}, err
	}
	if !created {
		return t.st.GetSlot(ctx, addr)
	}
	if err := t.Pay(ctx, payer, addr, t.rent.Slot); err != nil {
		return model.Slot{}, fmt.Errorf("fund slot %s: %w", addr, err)
	}
	return slot, nil
}

func (t *txn) Slot(ctx context.Context, addr model.Address) (model.Slot, error) {
	return t.st.GetSlot(ctx, addr)
}

func (t *txn) Slots(ctx context.Context, owner model.Address) ([]model.Slot, error) {
	return t.st.SlotsByOwner(ctx, owner)
}

func (t *txn) TransferToken(ctx context.Context, from, to model.Address, signer authority.Signer, qty uint64) error {
	if qty == 0 {
		return fmt.Errorf("%w: zero quantity", ErrInvalidAmount)
	}
	src, err := t.st.GetSlot(ctx, from)
	if err != nil {
		return fmt.Errorf("source %s: %w", from, err)
	}
	dst, err := t.st.GetSlot(ctx, to)
	if err != nil {
		return fmt.Errorf("destination %s: %w", to, err)
	}
	if src.Mint != dst.Mint {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, src.Mint, dst.Mint)
	}
	if err := t.authorize(signer, src.Owner); err != nil {
		return err
	}
	if from == to {
		if src.Amount < qty {
			return ErrInsufficientBalance
		}
		return nil
	}
	if err := t.st.TakeFromSlot(ctx, from, qty); err != nil {
		return err
	}
	return t.st.AddToSlot(ctx, to, qty)
}

func (t *txn) CreateSale(ctx context.Context, payer authority.Signer, entry SaleEntry) error {
	if err := t.st.InsertSale(ctx, entry); err != nil {
		return err
	}
	if err := t.Pay(ctx, payer, entry.Record, t.rent.Sale); err != nil {
		return fmt.Errorf("fund sale record %s: %w", entry.Record, err)
	}
	return nil
}

func (t *txn) Sale(ctx context.Context, record model.Address) (SaleEntry, error) {
	return t.st.GetSale(ctx, record)
}

func (t *txn) Sales(ctx context.Context) ([]SaleEntry, error) {
	return t.st.ListSales(ctx)
}

// CloseSale deletes the record and moves its deposit to refundTo.
func (t *txn) CloseSale(ctx context.Context, record, refundTo model.Address) error {
	if err := t.st.DeleteSale(ctx, record); err != nil {
		return err
	}
	deposit, err := t.st.Drain(ctx, record)
	if err != nil {
		return err
	}
	return t.Credit(ctx, refundTo, deposit)
}

func (t *txn) CreateAsset(ctx context.Context, payer authority.Signer, asset model.Asset) error {
	if err := t.st.InsertAsset(ctx, asset); err != nil {
		return err
	}
	if err := t.Pay(ctx, payer, asset.Mint, t.rent.Asset); err != nil {
		return fmt.Errorf("fund asset %s: %w", asset.Mint, err)
	}
	return nil
}

func (t *txn) Asset(ctx context.Context, mint model.Address) (model.Asset, error) {
	return t.st.GetAsset(ctx, mint)
}

func (t *txn) MintTo(ctx context.Context, mint, slot model.Address, auth authority.Signer, qty uint64) error {
	if qty == 0 {
		return fmt.Errorf("%w: zero quantity", ErrInvalidAmount)
	}
	asset, err := t.st.GetAsset(ctx, mint)
	if err != nil {
		return err
	}
	if asset.Finalized {
		return fmt.Errorf("%w: %s", ErrAssetFinalized, mint)
	}
	if err := t.authorize(auth, asset.UpdateAuthority); err != nil {
		return err
	}
	dst, err := t.st.GetSlot(ctx, slot)
	if err != nil {
		return err
	}
	if dst.Mint != mint {
		return fmt.Errorf("%w: slot holds %s", ErrMintMismatch, dst.Mint)
	}
	if asset.Supply+qty < asset.Supply {
		return ErrBalanceOverflow
	}
	asset.Supply += qty
	if err := t.st.UpdateAsset(ctx, asset); err != nil {
		return err
	}
	return t.st.AddToSlot(ctx, slot, qty)
}

// Finalize fixes the supply of mint; no further units can be minted.
func (t *txn) Finalize(ctx context.Context, mint model.Address, auth authority.Signer) error {
	asset, err := t.st.GetAsset(ctx, mint)
	if err != nil {
		return err
	}
	if err := t.authorize(auth, asset.UpdateAuthority); err != nil {
		return err
	}
	if asset.Finalized {
		return nil
	}
	asset.Finalized = true
	return t.st.UpdateAsset(ctx, asset)
}
