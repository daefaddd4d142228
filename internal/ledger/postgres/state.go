package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

type state struct {
	tx       pgx.Tx
	writable bool
}

func (s *state) Balance(ctx context.Context, addr model.Address) (uint64, error) {
	var lamports int64
	err := s.tx.QueryRow(ctx, `SELECT lamports FROM accounts WHERE address = $1`, addr.Bytes()).Scan(&lamports)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return uint64(lamports), nil
}

func (s *state) Credit(ctx context.Context, addr model.Address, amount uint64) error {
	v, err := toBigint(amount)
	if err != nil {
		return err
	}
	const stmt = `
INSERT INTO accounts (address, lamports) VALUES ($1, $2)
ON CONFLICT (address) DO UPDATE SET lamports = accounts.lamports + EXCLUDED.lamports`
	if _, err := s.tx.Exec(ctx, stmt, addr.Bytes(), v); err != nil {
		if isOutOfRange(err) {
			return fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, addr)
		}
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

func (s *state) Debit(ctx context.Context, addr model.Address, amount uint64) error {
	v, err := toBigint(amount)
	if err != nil {
		return fmt.Errorf("%w: %d", ledger.ErrInsufficientFunds, amount)
	}
	tag, err := s.tx.Exec(ctx,
		`UPDATE accounts SET lamports = lamports - $2 WHERE address = $1 AND lamports >= $2`,
		addr.Bytes(), v)
	if err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: need %d", ledger.ErrInsufficientFunds, amount)
	}
	return nil
}

func (s *state) Drain(ctx context.Context, addr model.Address) (uint64, error) {
	var lamports int64
	err := s.tx.QueryRow(ctx, `DELETE FROM accounts WHERE address = $1 RETURNING lamports`, addr.Bytes()).Scan(&lamports)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	return uint64(lamports), nil
}

func scanSlot(row pgx.Row) (model.Slot, error) {
	var addr, mint, owner []byte
	var amount int64
	if err := row.Scan(&addr, &mint, &owner, &amount); err != nil {
		return model.Slot{}, err
	}
	slot := model.Slot{Amount: uint64(amount)}
	var err error
	if slot.Address, err = model.AddressFromBytes(addr); err != nil {
		return model.Slot{}, err
	}
	if slot.Mint, err = model.AddressFromBytes(mint); err != nil {
		return model.Slot{}, err
	}
	if slot.Owner, err = model.AddressFromBytes(owner); err != nil {
		return model.Slot{}, err
	}
	return slot, nil
}

func (s *state) GetSlot(ctx context.Context, addr model.Address) (model.Slot, error) {
	slot, err := scanSlot(s.tx.QueryRow(ctx,
		`SELECT address, mint, owner, amount FROM slots WHERE address = $1`, addr.Bytes()))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Slot{}, fmt.Errorf("%w: %s", ledger.ErrSlotNotFound, addr)
	}
	if err != nil {
		return model.Slot{}, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (s *state) InsertSlot(ctx context.Context, slot model.Slot) (bool, error) {
	amount, err := toBigint(slot.Amount)
	if err != nil {
		return false, err
	}
	tag, err := s.tx.Exec(ctx, `
INSERT INTO slots (address, mint, owner, amount) VALUES ($1, $2, $3, $4)
ON CONFLICT (address) DO NOTHING`,
		slot.Address.Bytes(), slot.Mint.Bytes(), slot.Owner.Bytes(), amount)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("%w: %s", ledger.ErrAssetNotFound, slot.Mint)
		}
		return false, fmt.Errorf("insert slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *state) SlotsByOwner(ctx context.Context, owner model.Address) ([]model.Slot, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT address, mint, owner, amount FROM slots WHERE owner = $1 ORDER BY address`, owner.Bytes())
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

func (s *state) AddToSlot(ctx context.Context, addr model.Address, qty uint64) error {
	v, err := toBigint(qty)
	if err != nil {
		return err
	}
	tag, err := s.tx.Exec(ctx, `UPDATE slots SET amount = amount + $2 WHERE address = $1`, addr.Bytes(), v)
	if err != nil {
		if isOutOfRange(err) {
			return fmt.Errorf("%w: slot %s", ledger.ErrBalanceOverflow, addr)
		}
		return fmt.Errorf("add to slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrSlotNotFound, addr)
	}
	return nil
}

func (s *state) TakeFromSlot(ctx context.Context, addr model.Address, qty uint64) error {
	v, err := toBigint(qty)
	if err != nil {
		return fmt.Errorf("%w: slot %s", ledger.ErrInsufficientBalance, addr)
	}
	tag, err := s.tx.Exec(ctx,
		`UPDATE slots SET amount = amount - $2 WHERE address = $1 AND amount >= $2`, addr.Bytes(), v)
	if err != nil {
		return fmt.Errorf("take from slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSlot(ctx, addr); err != nil {
			return err
		}
		return fmt.Errorf("%w: slot %s", ledger.ErrInsufficientBalance, addr)
	}
	return nil
}

func scanSale(row pgx.Row) (ledger.SaleEntry, error) {
	var record, asset, seller []byte
	var price int64
	var e ledger.SaleEntry
	if err := row.Scan(&record, &asset, &seller, &price, &e.Sale.ListedAt); err != nil {
		return ledger.SaleEntry{}, err
	}
	e.Sale.Price = uint64(price)
	e.Sale.ListedAt = e.Sale.ListedAt.UTC()
	var err error
	if e.Record, err = model.AddressFromBytes(record); err != nil {
		return ledger.SaleEntry{}, err
	}
	if e.Asset, err = model.AddressFromBytes(asset); err != nil {
		return ledger.SaleEntry{}, err
	}
	if e.Sale.Seller, err = model.AddressFromBytes(seller); err != nil {
		return ledger.SaleEntry{}, err
	}
	return e, nil
}

func (s *state) GetSale(ctx context.Context, record model.Address) (ledger.SaleEntry, error) {
	query := `SELECT record, asset, seller, price, listed_at FROM sales WHERE record = $1`
	if s.writable {
		query += ` FOR UPDATE`
	}
	e, err := scanSale(s.tx.QueryRow(ctx, query, record.Bytes()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.SaleEntry{}, fmt.Errorf("%w: %s", ledger.ErrSaleNotFound, record)
	}
	if err != nil {
		return ledger.SaleEntry{}, fmt.Errorf("get sale: %w", err)
	}
	return e, nil
}

func (s *state) InsertSale(ctx context.Context, e ledger.SaleEntry) error {
	price, err := toBigint(e.Sale.Price)
	if err != nil {
		return err
	}
	_, err = s.tx.Exec(ctx, `
INSERT INTO sales (record, asset, seller, price, listed_at) VALUES ($1, $2, $3, $4, $5)`,
		e.Record.Bytes(), e.Asset.Bytes(), e.Sale.Seller.Bytes(), price, e.Sale.ListedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrSaleExists, e.Record)
		}
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

func (s *state) DeleteSale(ctx context.Context, record model.Address) error {
	tag, err := s.tx.Exec(ctx, `DELETE FROM sales WHERE record = $1`, record.Bytes())
	if err != nil {
		return fmt.Errorf("delete sale: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrSaleNotFound, record)
	}
	return nil
}

func (s *state) ListSales(ctx context.Context) ([]ledger.SaleEntry, error) {
	rows, err := s.tx.Query(ctx,
		`SELECT record, asset, seller, price, listed_at FROM sales ORDER BY listed_at, record`)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	var out []ledger.SaleEntry
	for rows.Next() {
		e, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const assetColumns = `mint, name, symbol, uri, seller_fee_basis_points, collection, collection_verified,
	is_collection, update_authority, supply, finalized, created_at`

func (s *state) GetAsset(ctx context.Context, mint model.Address) (model.Asset, error) {
	var (
		a          model.Asset
		mintB      []byte
		collection []byte
		verified   bool
		authority  []byte
		fee        int32
		supply     int64
	)
	err := s.tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE mint = $1`, mint.Bytes()).Scan(
		&mintB, &a.Name, &a.Symbol, &a.URI, &fee, &collection, &verified,
		&a.IsCollection, &authority, &supply, &a.Finalized, &a.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Asset{}, fmt.Errorf("%w: %s", ledger.ErrAssetNotFound, mint)
	}
	if err != nil {
		return model.Asset{}, fmt.Errorf("get asset: %w", err)
	}
	a.SellerFeeBasisPoints = uint16(fee)
	a.Supply = uint64(supply)
	a.CreatedAt = a.CreatedAt.UTC()
	if a.Mint, err = model.AddressFromBytes(mintB); err != nil {
		return model.Asset{}, err
	}
	if a.UpdateAuthority, err = model.AddressFromBytes(authority); err != nil {
		return model.Asset{}, err
	}
	if collection != nil {
		key, err := model.AddressFromBytes(collection)
		if err != nil {
			return model.Asset{}, err
		}
		a.Collection = &model.CollectionRef{Key: key, Verified: verified}
	}
	return a, nil
}

func assetArgs(a model.Asset) ([]any, error) {
	supply, err := toBigint(a.Supply)
	if err != nil {
		return nil, err
	}
	var collection []byte
	verified := false
	if a.Collection != nil {
		collection = a.Collection.Key.Bytes()
		verified = a.Collection.Verified
	}
	return []any{
		a.Mint.Bytes(), a.Name, a.Symbol, a.URI, int32(a.SellerFeeBasisPoints), collection, verified,
		a.IsCollection, a.UpdateAuthority.Bytes(), supply, a.Finalized, a.CreatedAt,
	}, nil
}

func (s *state) InsertAsset(ctx context.Context, a model.Asset) error {
	args, err := assetArgs(a)
	if err != nil {
		return err
	}
	_, err = s.tx.Exec(ctx, `INSERT INTO assets (`+assetColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ledger.ErrAssetExists, a.Mint)
		}
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (s *state) UpdateAsset(ctx context.Context, a model.Asset) error {
	args, err := assetArgs(a)
	if err != nil {
		return err
	}
	tag, err := s.tx.Exec(ctx, `
UPDATE assets SET name = $2, symbol = $3, uri = $4, seller_fee_basis_points = $5, collection = $6,
	collection_verified = $7, is_collection = $8, update_authority = $9, supply = $10, finalized = $11
WHERE mint = $1`, args[:11]...)
	if err != nil {
		return fmt.Errorf("update asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAssetNotFound, a.Mint)
	}
	return nil
}
