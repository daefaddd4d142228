package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// ListingSource is the authoritative view the cache is filled from.
type ListingSource interface {
	Listing(ctx context.Context, asset model.Address) (model.Listing, error)
	Listings(ctx context.Context) ([]model.Listing, error)
}

// ListingSync keeps the cache in step with committed sale events.
type ListingSync struct {
	store   Store
	source  ListingSource
	logger  *zap.Logger
	timeout time.Duration
}

func NewListingSync(st Store, src ListingSource, logger *zap.Logger) *ListingSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingSync{store: st, source: src, logger: logger, timeout: 2 * time.Second}
}

// Attach subscribes the sync to sale events on bus.
func (s *ListingSync) Attach(bus *eventbus.EventBus) {
	bus.SubscribeFunc(func(evt model.SaleEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		s.Apply(ctx, evt)
	})
}

// Apply caches the new listing for a listed event and evicts it otherwise.
// A failed write evicts the entry so reads fall back to the ledger.
func (s *ListingSync) Apply(ctx context.Context, evt model.SaleEvent) {
	switch evt.Type {
	case model.SaleListed:
		l, err := s.source.Listing(ctx, evt.Asset)
		if err != nil {
			// Already purchased or withdrawn by the time we looked.
			s.evict(ctx, evt.Asset)
			return
		}
		if err := s.store.PutListing(ctx, l); err != nil {
			metrics.IncError("store", "listing_put_failed")
			s.evict(ctx, evt.Asset)
			return
		}
		// A purchase or withdraw may have committed and evicted between the
		// read and the write above; the write must not outlive it.
		if cur, err := s.source.Listing(ctx, evt.Asset); err != nil || !sameListing(cur, l) {
			metrics.IncError("store", "listing_put_stale")
			s.evict(ctx, evt.Asset)
		}
	case model.SalePurchased, model.SaleWithdrawn:
		s.evict(ctx, evt.Asset)
	}
}

func sameListing(a, b model.Listing) bool {
	return a.Record == b.Record && a.Seller == b.Seller && a.Price == b.Price && a.ListedAt.Equal(b.ListedAt)
}

func (s *ListingSync) evict(ctx context.Context, asset model.Address) {
	if err := s.store.DeleteListing(ctx, asset); err != nil {
		metrics.IncError("store", "listing_evict_failed")
		s.logger.Error("store.listing_evict_failed", zap.String("asset", asset.String()), zap.Error(err))
	}
}

// Rebuild replaces the cached set with the source's current listings.
func (s *ListingSync) Rebuild(ctx context.Context) (int, error) {
	ls, err := s.source.Listings(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.store.ReplaceListings(ctx, ls); err != nil {
		return 0, err
	}
	return len(ls), nil
}
