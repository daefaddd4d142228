// Package registry mints the unique assets traded on the market. Every asset
// is created with exactly one unit and its supply is finalized in the same
// transaction.
package registry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/clock"
	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var (
	ErrNameTooLong        = fmt.Errorf("name longer than %d bytes", model.MaxNameLength)
	ErrSymbolTooLong      = fmt.Errorf("symbol longer than %d bytes", model.MaxSymbolLength)
	ErrURITooLong         = fmt.Errorf("uri longer than %d bytes", model.MaxURILength)
	ErrCollectionNotFound = errors.New("collection not found")
	ErrNotCollection      = errors.New("referenced asset is not a collection")
)

type Registry struct {
	ledger ledger.Ledger
	clock  clock.Clock
	logger *zap.Logger
}

func New(l ledger.Ledger, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{ledger: l, clock: clk, logger: logger}
}

// Metadata is the descriptive part of a new asset.
type Metadata struct {
	Name   string
	Symbol string
	URI    string
}

func (m Metadata) Validate() error {
	switch {
	case len(m.Name) > model.MaxNameLength:
		return ErrNameTooLong
	case len(m.Symbol) > model.MaxSymbolLength:
		return ErrSymbolTooLong
	case len(m.URI) > model.MaxURILength:
		return ErrURITooLong
	}
	return nil
}

// MintCollection creates a collection asset held by payer.
func (r *Registry) MintCollection(ctx context.Context, payer authority.Signer, md Metadata) (model.Asset, error) {
	asset, err := r.mint(ctx, payer, md, nil, true)
	r.record("collection", asset, err)
	return asset, err
}

// MintAsset creates an asset held by payer, optionally referencing an
// existing collection. The reference is recorded unverified.
func (r *Registry) MintAsset(ctx context.Context, payer authority.Signer, md Metadata, collection *model.Address) (model.Asset, error) {
	asset, err := r.mint(ctx, payer, md, collection, false)
	r.record("asset", asset, err)
	return asset, err
}

func (r *Registry) mint(ctx context.Context, payer authority.Signer, md Metadata, collection *model.Address, isCollection bool) (model.Asset, error) {
	if payer == nil {
		return model.Asset{}, fmt.Errorf("%w: no payer", ledger.ErrUnauthorized)
	}
	if err := md.Validate(); err != nil {
		return model.Asset{}, err
	}

	// The mint is a fresh public key whose private half is dropped: nobody
	// can sign for it afterwards.
	kp, err := authority.GenerateKeypair()
	if err != nil {
		return model.Asset{}, err
	}

	asset := model.Asset{
		Mint:            kp.Address(),
		Name:            md.Name,
		Symbol:          md.Symbol,
		URI:             md.URI,
		IsCollection:    isCollection,
		UpdateAuthority: payer.Address(),
		CreatedAt:       r.clock.Now(),
	}
	if collection != nil {
		asset.Collection = &model.CollectionRef{Key: *collection}
	}

	err = r.ledger.Update(ctx, func(tx ledger.Tx) error {
		if collection != nil {
			parent, err := tx.Asset(ctx, *collection)
			if errors.Is(err, ledger.ErrAssetNotFound) {
				return fmt.Errorf("%w: %s", ErrCollectionNotFound, *collection)
			}
			if err != nil {
				return err
			}
			if !parent.IsCollection {
				return fmt.Errorf("%w: %s", ErrNotCollection, *collection)
			}
		}
		if err := tx.CreateAsset(ctx, payer, asset); err != nil {
			return err
		}
		slot, err := tx.EnsureSlot(ctx, payer, asset.Mint, payer.Address())
		if err != nil {
			return err
		}
		if err := tx.MintTo(ctx, asset.Mint, slot.Address, payer, 1); err != nil {
			return err
		}
		if err := tx.Finalize(ctx, asset.Mint, payer); err != nil {
			return err
		}
		asset, err = tx.Asset(ctx, asset.Mint)
		return err
	})
	if err != nil {
		return model.Asset{}, err
	}
	return asset, nil
}

func (r *Registry) record(kind string, asset model.Asset, err error) {
	if err != nil {
		metrics.IncRegistryMint(kind, "error")
		r.logger.Warn("registry.mint_failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	metrics.IncRegistryMint(kind, "ok")
	r.logger.Info("registry.minted",
		zap.String("kind", kind),
		zap.String("mint", asset.Mint.String()),
		zap.String("name", asset.Name))
}

// Asset returns the record of mint.
func (r *Registry) Asset(ctx context.Context, mint model.Address) (model.Asset, error) {
	var out model.Asset
	err := r.ledger.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.Asset(ctx, mint)
		return err
	})
	return out, err
}

// Holdings is the balance and token slots of one identity.
type Holdings struct {
	Account model.Account `json:"account"`
	Slots   []model.Slot  `json:"slots"`
}

func (r *Registry) Holdings(ctx context.Context, owner model.Address) (Holdings, error) {
	var out Holdings
	err := r.ledger.View(ctx, func(tx ledger.Tx) error {
		acct, err := tx.Account(ctx, owner)
		if err != nil {
			return err
		}
		slots, err := tx.Slots(ctx, owner)
		if err != nil {
			return err
		}
		out = Holdings{Account: acct, Slots: slots}
		return nil
	})
	if out.Slots == nil {
		out.Slots = []model.Slot{}
	}
	return out, err
}

// Airdrop credits lamports to addr. Exposed only by the development faucet.
func (r *Registry) Airdrop(ctx context.Context, addr model.Address, lamports uint64) (model.Account, error) {
	var out model.Account
	err := r.ledger.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.Credit(ctx, addr, lamports); err != nil {
			return err
		}
		var err error
		out, err = tx.Account(ctx, addr)
		return err
	})
	if err == nil {
		r.logger.Info("registry.airdrop", zap.String("address", addr.String()), zap.Uint64("lamports", lamports))
	}
	return out, err
}
