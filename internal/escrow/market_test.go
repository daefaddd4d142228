package escrow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/clock"
	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/internal/ledger/boltdb"
	"github.com/Checker-Finance/escrow-market/internal/ledger/ledgertest"
	"github.com/Checker-Finance/escrow-market/internal/ledger/postgres"
	"github.com/Checker-Finance/escrow-market/internal/testutil"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var listedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []model.SaleEvent
}

func (r *recorder) Publish(event interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.(model.SaleEvent))
}

func (r *recorder) all() []model.SaleEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SaleEvent(nil), r.events...)
}

type fixture struct {
	ledger ledger.Ledger
	market *Market
	events *recorder
}

type opener func(t *testing.T, rent ledger.Rent) ledger.Ledger

// eachBackend runs fn against the embedded ledger and, when reachable, the
// Postgres ledger.
func eachBackend(t *testing.T, fn func(t *testing.T, open opener)) {
	t.Run("bolt", func(t *testing.T) {
		fn(t, func(t *testing.T, rent ledger.Rent) ledger.Ledger {
			l, err := boltdb.Open(filepath.Join(t.TempDir(), "ledger.db"), rent, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = l.Close() })
			return l
		})
	})
	t.Run("postgres", func(t *testing.T) {
		pool := testutil.NewTestPool(t)
		fn(t, func(t *testing.T, rent ledger.Rent) ledger.Ledger {
			testutil.TruncateAll(t, pool)
			l, err := postgres.New(pool, rent, nil)
			require.NoError(t, err)
			return l
		})
	})
}

func newFixture(t *testing.T, open opener, rent ledger.Rent) *fixture {
	t.Helper()
	l := open(t, rent)
	rec := &recorder{}
	m := NewMarket(l, authority.NewProgram(authority.DefaultMarketID), nil,
		WithClock(clock.Fixed(listedAt)), WithEvents(rec))
	return &fixture{ledger: l, market: m, events: rec}
}

func (f *fixture) listing(t *testing.T, asset model.Address) (model.Listing, bool) {
	t.Helper()
	l, err := f.market.Listing(context.Background(), asset)
	if errors.Is(err, ErrNotListed) {
		return model.Listing{}, false
	}
	require.NoError(t, err)
	return l, true
}

func TestListWithdrawRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		ledgertest.Fund(t, f.ledger, seller.Address(), 50)
		asset := ledgertest.MintUnique(t, f.ledger, seller)

		listing, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 100})
		require.NoError(t, err)
		assert.Equal(t, listing.Authority, listing.Record)
		assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, seller.Address(), asset))
		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, listing.Authority, asset))

		got, ok := f.listing(t, asset)
		require.True(t, ok)
		assert.Equal(t, seller.Address(), got.Seller)
		assert.Equal(t, uint64(100), got.Price)
		assert.Equal(t, listedAt, got.ListedAt)

		_, err = f.market.Withdraw(ctx, WithdrawInput{Seller: seller.Cosigner(), Asset: asset})
		require.NoError(t, err)

		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, seller.Address(), asset))
		assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, listing.Authority, asset))
		assert.Equal(t, uint64(50), ledgertest.Balance(t, f.ledger, seller.Address()))
		_, ok = f.listing(t, asset)
		assert.False(t, ok)

		events := f.events.all()
		require.Len(t, events, 2)
		assert.Equal(t, model.SaleListed, events[0].Type)
		assert.Equal(t, model.SaleWithdrawn, events[1].Type)
		assert.NotEqual(t, uuid.Nil, events[1].TxID)
		assert.Nil(t, events[1].Buyer)
	})
}

func TestListPurchaseRoundTrip(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		buyer := authority.MustGenerateKeypair()
		ledgertest.Fund(t, f.ledger, seller.Address(), 10)
		ledgertest.Fund(t, f.ledger, buyer.Address(), 1_000)
		asset := ledgertest.MintUnique(t, f.ledger, seller)

		listing, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 250})
		require.NoError(t, err)

		sellerAddr := seller.Address()
		evt, err := f.market.Purchase(ctx, PurchaseInput{
			Buyer:  buyer.Cosigner(),
			Asset:  asset,
			Seller: &sellerAddr,
			Claims: Claims{Bump: &listing.Bump, Authority: &listing.Authority, Escrow: &listing.Custody},
		})
		require.NoError(t, err)
		assert.Equal(t, model.SalePurchased, evt.Type)
		require.NotNil(t, evt.Buyer)
		assert.Equal(t, buyer.Address(), *evt.Buyer)

		assert.Equal(t, uint64(750), ledgertest.Balance(t, f.ledger, buyer.Address()))
		assert.Equal(t, uint64(260), ledgertest.Balance(t, f.ledger, seller.Address()))
		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, buyer.Address(), asset))
		assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, listing.Authority, asset))
		_, ok := f.listing(t, asset)
		assert.False(t, ok)

		// The buyer can relist what they bought.
		_, err = f.market.List(ctx, ListInput{Seller: buyer.Cosigner(), Asset: asset, Price: 300})
		require.NoError(t, err)
	})
}

func TestPurchaseAndWithdrawWithoutRecord(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{Slot: 1})
		ctx := context.Background()
		owner := authority.MustGenerateKeypair()
		buyer := authority.MustGenerateKeypair()
		ledgertest.Fund(t, f.ledger, owner.Address(), 10)
		ledgertest.Fund(t, f.ledger, buyer.Address(), 100)
		asset := ledgertest.MintUnique(t, f.ledger, owner)

		_, err := f.market.Purchase(ctx, PurchaseInput{Buyer: buyer.Cosigner(), Asset: asset})
		assert.ErrorIs(t, err, ErrNotListed)
		assert.Equal(t, "not_listed", Code(err))

		_, err = f.market.Withdraw(ctx, WithdrawInput{Seller: owner.Cosigner(), Asset: asset})
		assert.ErrorIs(t, err, ErrNotListed)

		assert.Equal(t, uint64(100), ledgertest.Balance(t, f.ledger, buyer.Address()))
		assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, buyer.Address(), asset))
		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, owner.Address(), asset))
		assert.Empty(t, f.events.all())
	})
}

func TestWithdrawByNonSeller(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		intruder := authority.MustGenerateKeypair()
		asset := ledgertest.MintUnique(t, f.ledger, seller)

		_, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 5})
		require.NoError(t, err)

		_, err = f.market.Withdraw(ctx, WithdrawInput{Seller: intruder.Cosigner(), Asset: asset})
		assert.ErrorIs(t, err, ErrNotSeller)

		got, ok := f.listing(t, asset)
		require.True(t, ok)
		assert.Equal(t, seller.Address(), got.Seller)
		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, got.Authority, asset))
		assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, intruder.Address(), asset))
	})
}

func TestConcurrentPurchases_ExactlyOneWins(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		asset := ledgertest.MintUnique(t, f.ledger, seller)
		_, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 40})
		require.NoError(t, err)

		const n = 8
		buyers := make([]authority.Keypair, n)
		for i := range buyers {
			buyers[i] = authority.MustGenerateKeypair()
			ledgertest.Fund(t, f.ledger, buyers[i].Address(), 100)
		}

		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := range buyers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.market.Purchase(ctx, PurchaseInput{Buyer: buyers[i].Cosigner(), Asset: asset})
			}(i)
		}
		wg.Wait()

		winners := 0
		for i, err := range errs {
			if err == nil {
				winners++
				assert.Equal(t, uint64(60), ledgertest.Balance(t, f.ledger, buyers[i].Address()))
				assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, buyers[i].Address(), asset))
				continue
			}
			assert.ErrorIs(t, err, ErrNotListed, fmt.Sprintf("buyer %d", i))
			assert.Equal(t, uint64(100), ledgertest.Balance(t, f.ledger, buyers[i].Address()))
			assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, buyers[i].Address(), asset))
		}
		assert.Equal(t, 1, winners)
		assert.Equal(t, uint64(40), ledgertest.Balance(t, f.ledger, seller.Address()))
	})
}

func TestDoubleListFailsWithoutChangingRecord(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		asset := ledgertest.MintUnique(t, f.ledger, seller)

		_, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 10})
		require.NoError(t, err)

		_, err = f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 99})
		assert.ErrorIs(t, err, ErrAlreadyListed)

		got, ok := f.listing(t, asset)
		require.True(t, ok)
		assert.Equal(t, uint64(10), got.Price)
		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, got.Authority, asset))
		assert.Len(t, f.events.all(), 1)
	})
}

func TestZeroPriceRejected(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		seller := authority.MustGenerateKeypair()
		asset := ledgertest.MintUnique(t, f.ledger, seller)

		_, err := f.market.List(context.Background(), ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 0})
		assert.ErrorIs(t, err, ErrInvalidPrice)
		_, ok := f.listing(t, asset)
		assert.False(t, ok)
		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, seller.Address(), asset))
	})
}

// Postgres refuses a zero price at the schema level, so a zero-price record
// can only be planted in the embedded ledger.
func TestWithdrawZeroPriceRecord(t *testing.T) {
	l, err := boltdb.Open(filepath.Join(t.TempDir(), "ledger.db"), ledger.Rent{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	f := newFixture(t, func(*testing.T, ledger.Rent) ledger.Ledger { return l }, ledger.Rent{})
	ctx := context.Background()
	seller := authority.MustGenerateKeypair()
	asset := ledgertest.MintUnique(t, f.ledger, seller)

	listing, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 100})
	require.NoError(t, err)

	require.NoError(t, f.ledger.Update(ctx, func(tx ledger.Tx) error {
		entry, err := tx.Sale(ctx, listing.Record)
		if err != nil {
			return err
		}
		if err := tx.CloseSale(ctx, entry.Record, entry.Sale.Seller); err != nil {
			return err
		}
		entry.Sale.Price = 0
		return tx.CreateSale(ctx, seller.Cosigner(), entry)
	}))

	_, err = f.market.Withdraw(ctx, WithdrawInput{Seller: seller.Cosigner(), Asset: asset})
	require.ErrorIs(t, err, ErrAlreadySold)
	assert.Equal(t, "already_sold", Code(err))

	assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, listing.Authority, asset))
	assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, seller.Address(), asset))
	got, ok := f.listing(t, asset)
	require.True(t, ok)
	assert.Equal(t, uint64(0), got.Price)
	require.Len(t, f.events.all(), 1)
}

func TestPurchaseWithInsufficientFundsLeavesListing(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		buyer := authority.MustGenerateKeypair()
		ledgertest.Fund(t, f.ledger, buyer.Address(), 9)
		asset := ledgertest.MintUnique(t, f.ledger, seller)
		listing, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 10})
		require.NoError(t, err)

		_, err = f.market.Purchase(ctx, PurchaseInput{Buyer: buyer.Cosigner(), Asset: asset})
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		assert.Equal(t, "insufficient_funds", Code(err))

		assert.Equal(t, uint64(9), ledgertest.Balance(t, f.ledger, buyer.Address()))
		assert.Equal(t, uint64(0), ledgertest.SlotAmount(t, f.ledger, buyer.Address(), asset))
		assert.Equal(t, uint64(1), ledgertest.SlotAmount(t, f.ledger, listing.Authority, asset))
		_, ok := f.listing(t, asset)
		assert.True(t, ok)
	})
}

func TestClaimsAreChecked(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		buyer := authority.MustGenerateKeypair()
		ledgertest.Fund(t, f.ledger, buyer.Address(), 100)
		asset := ledgertest.MintUnique(t, f.ledger, seller)
		listing, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 10})
		require.NoError(t, err)

		bogus := authority.MustGenerateKeypair().Address()
		badBump := listing.Bump - 1

		cases := []struct {
			name string
			in   PurchaseInput
			want error
		}{
			{"authority", PurchaseInput{Claims: Claims{Authority: &bogus}}, ErrAuthorityMismatch},
			{"bump", PurchaseInput{Claims: Claims{Bump: &badBump}}, ErrAuthorityMismatch},
			{"escrow", PurchaseInput{Claims: Claims{Escrow: &bogus}}, ErrCustodyMismatch},
			{"seller", PurchaseInput{Seller: &bogus}, ErrSellerMismatch},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				tc.in.Buyer = buyer.Cosigner()
				tc.in.Asset = asset
				_, err := f.market.Purchase(ctx, tc.in)
				assert.ErrorIs(t, err, tc.want)
			})
		}

		_, err = f.market.Withdraw(ctx, WithdrawInput{Seller: seller.Cosigner(), Asset: asset, Claims: Claims{Authority: &bogus}})
		assert.ErrorIs(t, err, ErrAuthorityMismatch)

		_, err = f.market.List(ctx, ListInput{Seller: buyer.Cosigner(), Asset: asset, Price: 1, Source: &bogus})
		assert.ErrorIs(t, err, ErrCustodyMismatch)

		assert.Equal(t, uint64(100), ledgertest.Balance(t, f.ledger, buyer.Address()))
		_, ok := f.listing(t, asset)
		assert.True(t, ok)
	})
}

func TestListWithoutHoldingAsset(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		f := newFixture(t, open, ledger.Rent{})
		owner := authority.MustGenerateKeypair()
		stranger := authority.MustGenerateKeypair()
		asset := ledgertest.MintUnique(t, f.ledger, owner)

		_, err := f.market.List(context.Background(), ListInput{Seller: stranger.Cosigner(), Asset: asset, Price: 3})
		assert.ErrorIs(t, err, ledger.ErrSlotNotFound)
		_, ok := f.listing(t, asset)
		assert.False(t, ok)
	})
}

func TestSaleDepositIsRefundedToSeller(t *testing.T) {
	eachBackend(t, func(t *testing.T, open opener) {
		rent := ledger.Rent{Sale: 20, Slot: 3}
		f := newFixture(t, open, rent)
		ctx := context.Background()
		seller := authority.MustGenerateKeypair()
		buyer := authority.MustGenerateKeypair()
		ledgertest.Fund(t, f.ledger, seller.Address(), 100)
		ledgertest.Fund(t, f.ledger, buyer.Address(), 100)
		asset := ledgertest.MintUnique(t, f.ledger, seller) // seller pays slot rent: 97

		_, err := f.market.List(ctx, ListInput{Seller: seller.Cosigner(), Asset: asset, Price: 50})
		require.NoError(t, err)
		assert.Equal(t, uint64(97-3-20), ledgertest.Balance(t, f.ledger, seller.Address()))

		_, err = f.market.Purchase(ctx, PurchaseInput{Buyer: buyer.Cosigner(), Asset: asset})
		require.NoError(t, err)

		assert.Equal(t, uint64(97-3+50), ledgertest.Balance(t, f.ledger, seller.Address()))
		assert.Equal(t, uint64(100-3-50), ledgertest.Balance(t, f.ledger, buyer.Address()))
	})
}

func TestNilSignersRejected(t *testing.T) {
	f := &fixture{market: NewMarket(nil, authority.NewProgram(authority.DefaultMarketID), nil)}
	asset := authority.MustGenerateKeypair().Address()

	_, err := f.market.List(context.Background(), ListInput{Asset: asset, Price: 1})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.market.Purchase(context.Background(), PurchaseInput{Asset: asset})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	_, err = f.market.Withdraw(context.Background(), WithdrawInput{Asset: asset})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
}

func TestCode(t *testing.T) {
	assert.Equal(t, "ok", Code(nil))
	assert.Equal(t, "already_sold", Code(fmt.Errorf("wrapped: %w", ErrAlreadySold)))
	assert.Equal(t, "authority_mismatch", Code(authority.ErrAuthorityMismatch))
	assert.Equal(t, "insufficient_balance", Code(ledger.ErrInsufficientBalance))
	assert.Equal(t, "internal", Code(errors.New("disk on fire")))
}
