// Package escrow implements the fixed-price escrow protocol: List locks one
// unit of an asset in a custody slot owned by the asset's derived authority
// and records {seller, price}; exactly one of Purchase or Withdraw later
// releases the unit and deletes the record.
//
// Each operation runs in a single ledger transaction. A sale record exists
// if and only if the custody slot of the derived authority holds the unit.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/clock"
	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// EventPublisher receives a model.SaleEvent after each committed operation.
type EventPublisher interface {
	Publish(event interface{})
}

type Market struct {
	ledger  ledger.Ledger
	program *authority.Program
	events  EventPublisher
	clock   clock.Clock
	logger  *zap.Logger
}

type Option func(*Market)

// WithClock overrides the clock used for listing timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Market) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithEvents sets the sink for committed sale events.
func WithEvents(p EventPublisher) Option {
	return func(m *Market) { m.events = p }
}

func NewMarket(l ledger.Ledger, program *authority.Program, logger *zap.Logger, opts ...Option) *Market {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Market{
		ledger:  l,
		program: program,
		clock:   clock.System(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Market) Program() *authority.Program { return m.program }

type ListInput struct {
	Seller authority.Signer
	Asset  model.Address
	Price  uint64
	// Source and Escrow, when set, must equal the derived slot addresses.
	Source *model.Address
	Escrow *model.Address
}

// Claims are optional caller-supplied addresses that are checked against
// re-derived values before anything moves.
type Claims struct {
	Bump      *uint8
	Authority *model.Address
	Escrow    *model.Address
}

type PurchaseInput struct {
	Buyer  authority.Signer
	Asset  model.Address
	Seller *model.Address
	Claims
}

type WithdrawInput struct {
	Seller authority.Signer
	Asset  model.Address
	Claims
}

// List escrows one unit of in.Asset at in.Price.
func (m *Market) List(ctx context.Context, in ListInput) (model.Listing, error) {
	start := time.Now()
	var listing model.Listing
	var txID uuid.UUID

	if in.Seller == nil {
		return listing, m.done("list", start, fmt.Errorf("%w: no seller", ledger.ErrUnauthorized), in.Asset)
	}
	if in.Price == 0 {
		return listing, m.done("list", start, ErrInvalidPrice, in.Asset)
	}

	err := m.ledger.Update(ctx, func(tx ledger.Tx) error {
		txID = tx.ID()
		authAddr, bump, err := m.program.SaleAuthority(in.Asset)
		if err != nil {
			return err
		}
		src, err := authority.CustodySlot(in.Seller.Address(), in.Asset)
		if err != nil {
			return err
		}
		if in.Source != nil && *in.Source != src {
			return fmt.Errorf("%w: source %s, derived %s", ErrCustodyMismatch, *in.Source, src)
		}
		escrowAddr, err := authority.CustodySlot(authAddr, in.Asset)
		if err != nil {
			return err
		}
		if in.Escrow != nil && *in.Escrow != escrowAddr {
			return fmt.Errorf("%w: escrow %s, derived %s", ErrCustodyMismatch, *in.Escrow, escrowAddr)
		}

		if _, err := tx.Sale(ctx, authAddr); err == nil {
			return ErrAlreadyListed
		} else if !errors.Is(err, ledger.ErrSaleNotFound) {
			return err
		}

		if _, err := tx.EnsureSlot(ctx, in.Seller, in.Asset, authAddr); err != nil {
			return fmt.Errorf("create escrow slot: %w", err)
		}
		if err := tx.TransferToken(ctx, src, escrowAddr, in.Seller, 1); err != nil {
			return fmt.Errorf("move asset into escrow: %w", err)
		}

		sale := model.Sale{Seller: in.Seller.Address(), Price: in.Price, ListedAt: m.clock.Now()}
		if err := tx.CreateSale(ctx, in.Seller, ledger.SaleEntry{Record: authAddr, Asset: in.Asset, Sale: sale}); err != nil {
			if errors.Is(err, ledger.ErrSaleExists) {
				return ErrAlreadyListed
			}
			return err
		}
		listing = model.Listing{
			Asset:     in.Asset,
			Record:    authAddr,
			Authority: authAddr,
			Bump:      bump,
			Custody:   escrowAddr,
			Seller:    sale.Seller,
			Price:     sale.Price,
			ListedAt:  sale.ListedAt,
		}
		return nil
	})
	if err != nil {
		return model.Listing{}, m.done("list", start, err, in.Asset)
	}

	m.emit(model.SaleEvent{
		Type:      model.SaleListed,
		Asset:     in.Asset,
		Seller:    listing.Seller,
		Price:     listing.Price,
		TxID:      txID,
		Timestamp: listing.ListedAt,
	})
	m.done("list", start, nil, in.Asset)
	return listing, nil
}

// assertCustody re-derives the authority of asset inside tx and checks the
// caller's claims against it.
func (m *Market) assertCustody(tx ledger.Tx, asset model.Address, c Claims) (authority.Derived, model.Address, error) {
	authAddr, bump, err := m.program.SaleAuthority(asset)
	if err != nil {
		return authority.Derived{}, model.ZeroAddress, err
	}
	claimed, claimedBump := authAddr, bump
	if c.Authority != nil {
		claimed = *c.Authority
	}
	if c.Bump != nil {
		claimedBump = *c.Bump
	}
	derived, err := m.program.Assert(tx.ID(), asset, claimed, claimedBump)
	if err != nil {
		return authority.Derived{}, model.ZeroAddress, err
	}
	escrowAddr, err := authority.CustodySlot(derived.Address(), asset)
	if err != nil {
		return authority.Derived{}, model.ZeroAddress, err
	}
	if c.Escrow != nil && *c.Escrow != escrowAddr {
		return authority.Derived{}, model.ZeroAddress,
			fmt.Errorf("%w: escrow %s, derived %s", ErrCustodyMismatch, *c.Escrow, escrowAddr)
	}
	return derived, escrowAddr, nil
}

func (m *Market) loadSale(ctx context.Context, tx ledger.Tx, asset model.Address) (ledger.SaleEntry, error) {
	record, _, err := m.program.SaleAuthority(asset)
	if err != nil {
		return ledger.SaleEntry{}, err
	}
	entry, err := tx.Sale(ctx, record)
	if errors.Is(err, ledger.ErrSaleNotFound) {
		return ledger.SaleEntry{}, fmt.Errorf("%w: %s", ErrNotListed, asset)
	}
	return entry, err
}

// Purchase pays the listed price from in.Buyer to the seller and releases
// the escrowed unit to the buyer.
func (m *Market) Purchase(ctx context.Context, in PurchaseInput) (model.SaleEvent, error) {
	start := time.Now()
	var txID uuid.UUID
	var evt model.SaleEvent

	if in.Buyer == nil {
		return evt, m.done("purchase", start, fmt.Errorf("%w: no buyer", ledger.ErrUnauthorized), in.Asset)
	}

	err := m.ledger.Update(ctx, func(tx ledger.Tx) error {
		txID = tx.ID()
		entry, err := m.loadSale(ctx, tx, in.Asset)
		if err != nil {
			return err
		}
		derived, escrowAddr, err := m.assertCustody(tx, in.Asset, in.Claims)
		if err != nil {
			return err
		}
		seller := entry.Sale.Seller
		if in.Seller != nil && *in.Seller != seller {
			return fmt.Errorf("%w: claimed %s, recorded %s", ErrSellerMismatch, *in.Seller, seller)
		}

		dst, err := tx.EnsureSlot(ctx, in.Buyer, in.Asset, in.Buyer.Address())
		if err != nil {
			return fmt.Errorf("create buyer slot: %w", err)
		}
		if err := tx.TransferToken(ctx, escrowAddr, dst.Address, derived, 1); err != nil {
			return fmt.Errorf("release asset to buyer: %w", err)
		}
		if err := tx.Pay(ctx, in.Buyer, seller, entry.Sale.Price); err != nil {
			return fmt.Errorf("pay seller: %w", err)
		}
		if err := tx.CloseSale(ctx, entry.Record, seller); err != nil {
			return fmt.Errorf("close sale: %w", err)
		}

		buyer := in.Buyer.Address()
		evt = model.SaleEvent{
			Type:   model.SalePurchased,
			Asset:  in.Asset,
			Seller: seller,
			Buyer:  &buyer,
			Price:  entry.Sale.Price,
		}
		return nil
	})
	if err != nil {
		return model.SaleEvent{}, m.done("purchase", start, err, in.Asset)
	}

	evt.TxID = txID
	evt.Timestamp = m.clock.Now()
	m.emit(evt)
	metrics.AddSettled(evt.Price)
	m.done("purchase", start, nil, in.Asset)
	return evt, nil
}

// Withdraw returns an unsold unit to its seller.
func (m *Market) Withdraw(ctx context.Context, in WithdrawInput) (model.SaleEvent, error) {
	start := time.Now()
	var txID uuid.UUID
	var evt model.SaleEvent

	if in.Seller == nil {
		return evt, m.done("withdraw", start, fmt.Errorf("%w: no seller", ledger.ErrUnauthorized), in.Asset)
	}

	err := m.ledger.Update(ctx, func(tx ledger.Tx) error {
		txID = tx.ID()
		entry, err := m.loadSale(ctx, tx, in.Asset)
		if err != nil {
			return err
		}
		if entry.Sale.Price == 0 {
			return ErrAlreadySold
		}
		if in.Seller.Address() != entry.Sale.Seller {
			return fmt.Errorf("%w: %s", ErrNotSeller, in.Seller.Address())
		}
		derived, escrowAddr, err := m.assertCustody(tx, in.Asset, in.Claims)
		if err != nil {
			return err
		}

		dst, err := tx.EnsureSlot(ctx, in.Seller, in.Asset, entry.Sale.Seller)
		if err != nil {
			return fmt.Errorf("create seller slot: %w", err)
		}
		if err := tx.TransferToken(ctx, escrowAddr, dst.Address, derived, 1); err != nil {
			return fmt.Errorf("return asset to seller: %w", err)
		}
		if err := tx.CloseSale(ctx, entry.Record, entry.Sale.Seller); err != nil {
			return fmt.Errorf("close sale: %w", err)
		}

		evt = model.SaleEvent{
			Type:   model.SaleWithdrawn,
			Asset:  in.Asset,
			Seller: entry.Sale.Seller,
			Price:  entry.Sale.Price,
		}
		return nil
	})
	if err != nil {
		return model.SaleEvent{}, m.done("withdraw", start, err, in.Asset)
	}

	evt.TxID = txID
	evt.Timestamp = m.clock.Now()
	m.emit(evt)
	m.done("withdraw", start, nil, in.Asset)
	return evt, nil
}

// Listing returns the live listing of asset.
func (m *Market) Listing(ctx context.Context, asset model.Address) (model.Listing, error) {
	var out model.Listing
	err := m.ledger.View(ctx, func(tx ledger.Tx) error {
		entry, err := m.loadSale(ctx, tx, asset)
		if err != nil {
			return err
		}
		out, err = m.toListing(entry)
		return err
	})
	return out, err
}

// Listings returns every live listing.
func (m *Market) Listings(ctx context.Context) ([]model.Listing, error) {
	var out []model.Listing
	err := m.ledger.View(ctx, func(tx ledger.Tx) error {
		entries, err := tx.Sales(ctx)
		if err != nil {
			return err
		}
		out = make([]model.Listing, 0, len(entries))
		for _, e := range entries {
			l, err := m.toListing(e)
			if err != nil {
				return err
			}
			out = append(out, l)
		}
		return nil
	})
	return out, err
}

func (m *Market) toListing(e ledger.SaleEntry) (model.Listing, error) {
	authAddr, bump, err := m.program.SaleAuthority(e.Asset)
	if err != nil {
		return model.Listing{}, err
	}
	escrowAddr, err := authority.CustodySlot(authAddr, e.Asset)
	if err != nil {
		return model.Listing{}, err
	}
	return model.Listing{
		Asset:     e.Asset,
		Record:    e.Record,
		Authority: authAddr,
		Bump:      bump,
		Custody:   escrowAddr,
		Seller:    e.Sale.Seller,
		Price:     e.Sale.Price,
		ListedAt:  e.Sale.ListedAt,
	}, nil
}

func (m *Market) emit(evt model.SaleEvent) {
	if m.events == nil {
		return
	}
	m.events.Publish(evt)
}

// done records the outcome of op and returns err unchanged.
func (m *Market) done(op string, start time.Time, err error, asset model.Address) error {
	metrics.ObserveDuration(metrics.EscrowOpDuration, start, op)
	code := Code(err)
	metrics.IncEscrowOp(op, code)
	if err == nil {
		m.logger.Info("escrow."+op+"_committed", zap.String("asset", asset.String()))
		return nil
	}
	if code == "internal" {
		m.logger.Error("escrow."+op+"_failed", zap.String("asset", asset.String()), zap.Error(err))
	} else {
		m.logger.Warn("escrow."+op+"_rejected",
			zap.String("asset", asset.String()),
			zap.String("code", code),
			zap.Error(err))
	}
	return err
}
