// Package ledgertest holds fixtures and a behavioural suite shared by the
// ledger backends' tests.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Fund credits amount lamports to addr.
func Fund(t *testing.T, l ledger.Ledger, addr model.Address, amount uint64) {
	t.Helper()
	require.NoError(t, l.Update(context.Background(), func(tx ledger.Tx) error {
		return tx.Credit(context.Background(), addr, amount)
	}))
}

// Balance returns the lamports held by addr.
func Balance(t *testing.T, l ledger.Ledger, addr model.Address) uint64 {
	t.Helper()
	var bal uint64
	require.NoError(t, l.View(context.Background(), func(tx ledger.Tx) error {
		acct, err := tx.Account(context.Background(), addr)
		bal = acct.Lamports
		return err
	}))
	return bal
}

// SlotAmount returns the units held in the slot of (owner, mint), or 0 when
// the slot does not exist.
func SlotAmount(t *testing.T, l ledger.Ledger, owner, mint model.Address) uint64 {
	t.Helper()
	addr, err := authority.CustodySlot(owner, mint)
	require.NoError(t, err)
	var amount uint64
	require.NoError(t, l.View(context.Background(), func(tx ledger.Tx) error {
		slot, err := tx.Slot(context.Background(), addr)
		if errors.Is(err, ledger.ErrSlotNotFound) {
			return nil
		}
		amount = slot.Amount
		return err
	}))
	return amount
}

// MintUnique creates a finalized single-unit asset held by owner and returns
// its mint address. The owner pays any rent.
func MintUnique(t *testing.T, l ledger.Ledger, owner authority.Keypair) model.Address {
	t.Helper()
	ctx := context.Background()
	mint := authority.MustGenerateKeypair().Address()
	signer := owner.Cosigner()

	require.NoError(t, l.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateAsset(ctx, signer, model.Asset{
			Mint:            mint,
			Name:            "Fixture",
			Symbol:          "FIX",
			URI:             "https://example.com/fixture.json",
			UpdateAuthority: owner.Address(),
			CreatedAt:       time.Now().UTC(),
		}); err != nil {
			return err
		}
		slot, err := tx.EnsureSlot(ctx, signer, mint, owner.Address())
		if err != nil {
			return err
		}
		if err := tx.MintTo(ctx, mint, slot.Address, signer, 1); err != nil {
			return err
		}
		return tx.Finalize(ctx, mint, signer)
	}))
	return mint
}

// Run exercises the ledger rules against a backend. open must return an
// empty ledger with the given rent.
func Run(t *testing.T, open func(t *testing.T, rent ledger.Rent) ledger.Ledger) {
	ctx := context.Background()

	t.Run("pay moves lamports and rejects overdraft", func(t *testing.T) {
		l := open(t, ledger.Rent{})
		alice := authority.MustGenerateKeypair()
		bob := authority.MustGenerateKeypair()
		Fund(t, l, alice.Address(), 100)

		require.NoError(t, l.Update(ctx, func(tx ledger.Tx) error {
			return tx.Pay(ctx, alice.Cosigner(), bob.Address(), 40)
		}))
		assert.Equal(t, uint64(60), Balance(t, l, alice.Address()))
		assert.Equal(t, uint64(40), Balance(t, l, bob.Address()))

		err := l.Update(ctx, func(tx ledger.Tx) error {
			return tx.Pay(ctx, alice.Cosigner(), bob.Address(), 61)
		})
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		assert.Equal(t, uint64(60), Balance(t, l, alice.Address()))
	})

	t.Run("failed update rolls back every effect", func(t *testing.T) {
		l := open(t, ledger.Rent{})
		alice := authority.MustGenerateKeypair()
		bob := authority.MustGenerateKeypair()
		Fund(t, l, alice.Address(), 100)

		boom := errors.New("boom")
		err := l.Update(ctx, func(tx ledger.Tx) error {
			if err := tx.Pay(ctx, alice.Cosigner(), bob.Address(), 50); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, uint64(100), Balance(t, l, alice.Address()))
		assert.Equal(t, uint64(0), Balance(t, l, bob.Address()))
	})

	t.Run("ensure slot charges rent once", func(t *testing.T) {
		l := open(t, ledger.Rent{Slot: 7, Asset: 3})
		owner := authority.MustGenerateKeypair()
		Fund(t, l, owner.Address(), 100)
		mint := MintUnique(t, l, owner)
		assert.Equal(t, uint64(90), Balance(t, l, owner.Address()))

		other := authority.MustGenerateKeypair().Address()
		for i := 0; i < 2; i++ {
			require.NoError(t, l.Update(ctx, func(tx ledger.Tx) error {
				_, err := tx.EnsureSlot(ctx, owner.Cosigner(), mint, other)
				return err
			}))
		}
		assert.Equal(t, uint64(83), Balance(t, l, owner.Address()))
	})

	t.Run("transfer requires the slot owner", func(t *testing.T) {
		l := open(t, ledger.Rent{})
		owner := authority.MustGenerateKeypair()
		thief := authority.MustGenerateKeypair()
		mint := MintUnique(t, l, owner)
		src, err := authority.CustodySlot(owner.Address(), mint)
		require.NoError(t, err)

		err = l.Update(ctx, func(tx ledger.Tx) error {
			dst, err := tx.EnsureSlot(ctx, thief.Cosigner(), mint, thief.Address())
			if err != nil {
				return err
			}
			return tx.TransferToken(ctx, src, dst.Address, thief.Cosigner(), 1)
		})
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
		assert.Equal(t, uint64(1), SlotAmount(t, l, owner.Address(), mint))

		err = l.Update(ctx, func(tx ledger.Tx) error {
			dst, err := tx.EnsureSlot(ctx, owner.Cosigner(), mint, thief.Address())
			if err != nil {
				return err
			}
			return tx.TransferToken(ctx, src, dst.Address, owner.Cosigner(), 2)
		})
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})

	t.Run("derived signer is valid only in its own transaction", func(t *testing.T) {
		l := open(t, ledger.Rent{})
		owner := authority.MustGenerateKeypair()
		mint := MintUnique(t, l, owner)
		program := authority.NewProgram(authority.DefaultMarketID)
		authAddr, bump, err := program.SaleAuthority(mint)
		require.NoError(t, err)
		src, err := authority.CustodySlot(owner.Address(), mint)
		require.NoError(t, err)

		var escrow model.Address
		var leaked authority.Derived
		require.NoError(t, l.Update(ctx, func(tx ledger.Tx) error {
			slot, err := tx.EnsureSlot(ctx, owner.Cosigner(), mint, authAddr)
			if err != nil {
				return err
			}
			escrow = slot.Address
			if err := tx.TransferToken(ctx, src, escrow, owner.Cosigner(), 1); err != nil {
				return err
			}
			leaked, err = program.Assert(tx.ID(), mint, authAddr, bump)
			return err
		}))

		err = l.Update(ctx, func(tx ledger.Tx) error {
			return tx.TransferToken(ctx, escrow, src, leaked, 1)
		})
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)

		require.NoError(t, l.Update(ctx, func(tx ledger.Tx) error {
			d, err := program.Assert(tx.ID(), mint, authAddr, bump)
			if err != nil {
				return err
			}
			return tx.TransferToken(ctx, escrow, src, d, 1)
		}))
		assert.Equal(t, uint64(1), SlotAmount(t, l, owner.Address(), mint))
	})

	t.Run("sale records are exclusive and refund their deposit", func(t *testing.T) {
		l := open(t, ledger.Rent{Sale: 5})
		seller := authority.MustGenerateKeypair()
		Fund(t, l, seller.Address(), 20)
		entry := ledger.SaleEntry{
			Record: authority.MustGenerateKeypair().Address(),
			Asset:  authority.MustGenerateKeypair().Address(),
			Sale:   model.Sale{Seller: seller.Address(), Price: 9, ListedAt: time.Now().UTC().Truncate(time.Millisecond)},
		}

		require.NoError(t, l.Update(ctx, func(tx ledger.Tx) error {
			return tx.CreateSale(ctx, seller.Cosigner(), entry)
		}))
		assert.Equal(t, uint64(15), Balance(t, l, seller.Address()))

		err := l.Update(ctx, func(tx ledger.Tx) error {
			return tx.CreateSale(ctx, seller.Cosigner(), entry)
		})
		assert.ErrorIs(t, err, ledger.ErrSaleExists)

		require.NoError(t, l.View(ctx, func(tx ledger.Tx) error {
			got, err := tx.Sale(ctx, entry.Record)
			if err != nil {
				return err
			}
			assert.Equal(t, entry.Asset, got.Asset)
			assert.Equal(t, entry.Sale.Seller, got.Sale.Seller)
			assert.Equal(t, entry.Sale.Price, got.Sale.Price)
			all, err := tx.Sales(ctx)
			assert.Len(t, all, 1)
			return err
		}))

		require.NoError(t, l.Update(ctx, func(tx ledger.Tx) error {
			return tx.CloseSale(ctx, entry.Record, seller.Address())
		}))
		assert.Equal(t, uint64(20), Balance(t, l, seller.Address()))
		assert.Equal(t, uint64(0), Balance(t, l, entry.Record))

		err = l.Update(ctx, func(tx ledger.Tx) error {
			return tx.CloseSale(ctx, entry.Record, seller.Address())
		})
		assert.ErrorIs(t, err, ledger.ErrSaleNotFound)
	})

	t.Run("finalized assets cannot be minted", func(t *testing.T) {
		l := open(t, ledger.Rent{})
		owner := authority.MustGenerateKeypair()
		mint := MintUnique(t, l, owner)
		slot, err := authority.CustodySlot(owner.Address(), mint)
		require.NoError(t, err)

		err = l.Update(ctx, func(tx ledger.Tx) error {
			return tx.MintTo(ctx, mint, slot, owner.Cosigner(), 1)
		})
		assert.ErrorIs(t, err, ledger.ErrAssetFinalized)

		err = l.Update(ctx, func(tx ledger.Tx) error {
			return tx.CreateAsset(ctx, owner.Cosigner(), model.Asset{Mint: mint, UpdateAuthority: owner.Address()})
		})
		assert.ErrorIs(t, err, ledger.ErrAssetExists)
	})

	t.Run("concurrent payments never overdraw", func(t *testing.T) {
		l := open(t, ledger.Rent{})
		payer := authority.MustGenerateKeypair()
		payee := authority.MustGenerateKeypair().Address()
		Fund(t, l, payer.Address(), 5)

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := l.Update(ctx, func(tx ledger.Tx) error {
					return tx.Pay(ctx, payer.Cosigner(), payee, 1)
				})
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, ok)
		assert.Equal(t, uint64(0), Balance(t, l, payer.Address()))
		assert.Equal(t, uint64(5), Balance(t, l, payee))
	})
}
