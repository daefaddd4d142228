package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// state implements ledger.State over one bbolt transaction. Balances are
// 8-byte big-endian values; records are JSON.
type state struct {
	tx *bolt.Tx
}

type saleValue struct {
	Asset    model.Address `json:"asset"`
	Seller   model.Address `json:"seller"`
	Price    uint64        `json:"price"`
	ListedAt time.Time     `json:"listed_at"`
}

func (s *state) Balance(_ context.Context, addr model.Address) (uint64, error) {
	v := s.tx.Bucket(bucketAccounts).Get(addr[:])
	if v == nil {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("account %s: corrupt balance (%d bytes)", addr, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func (s *state) putBalance(addr model.Address, bal uint64) error {
	b := s.tx.Bucket(bucketAccounts)
	if bal == 0 {
		return b.Delete(addr[:])
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bal)
	return b.Put(addr[:], buf[:])
}

func (s *state) Credit(ctx context.Context, addr model.Address, amount uint64) error {
	bal, err := s.Balance(ctx, addr)
	if err != nil {
		return err
	}
	if bal+amount < bal {
		return fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, addr)
	}
	return s.putBalance(addr, bal+amount)
}

func (s *state) Debit(ctx context.Context, addr model.Address, amount uint64) error {
	bal, err := s.Balance(ctx, addr)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: have %d, need %d", ledger.ErrInsufficientFunds, bal, amount)
	}
	return s.putBalance(addr, bal-amount)
}

func (s *state) Drain(ctx context.Context, addr model.Address) (uint64, error) {
	bal, err := s.Balance(ctx, addr)
	if err != nil {
		return 0, err
	}
	return bal, s.putBalance(addr, 0)
}

func (s *state) GetSlot(_ context.Context, addr model.Address) (model.Slot, error) {
	v := s.tx.Bucket(bucketSlots).Get(addr[:])
	if v == nil {
		return model.Slot{}, fmt.Errorf("%w: %s", ledger.ErrSlotNotFound, addr)
	}
	var slot model.Slot
	if err := json.Unmarshal(v, &slot); err != nil {
		return model.Slot{}, fmt.Errorf("decode slot %s: %w", addr, err)
	}
	return slot, nil
}

func (s *state) putSlot(slot model.Slot) error {
	data, err := json.Marshal(slot)
	if err != nil {
		return err
	}
	return s.tx.Bucket(bucketSlots).Put(slot.Address[:], data)
}

func (s *state) InsertSlot(_ context.Context, slot model.Slot) (bool, error) {
	if s.tx.Bucket(bucketSlots).Get(slot.Address[:]) != nil {
		return false, nil
	}
	return true, s.putSlot(slot)
}

func (s *state) SlotsByOwner(_ context.Context, owner model.Address) ([]model.Slot, error) {
	var out []model.Slot
	err := s.tx.Bucket(bucketSlots).ForEach(func(k, v []byte) error {
		var slot model.Slot
		if err := json.Unmarshal(v, &slot); err != nil {
			return fmt.Errorf("decode slot: %w", err)
		}
		if slot.Owner == owner {
			out = append(out, slot)
		}
		return nil
	})
	return out, err
}

func (s *state) AddToSlot(ctx context.Context, addr model.Address, qty uint64) error {
	slot, err := s.GetSlot(ctx, addr)
	if err != nil {
		return err
	}
	if slot.Amount+qty < slot.Amount {
		return fmt.Errorf("%w: slot %s", ledger.ErrBalanceOverflow, addr)
	}
	slot.Amount += qty
	return s.putSlot(slot)
}

func (s *state) TakeFromSlot(ctx context.Context, addr model.Address, qty uint64) error {
	slot, err := s.GetSlot(ctx, addr)
	if err != nil {
		return err
	}
	if slot.Amount < qty {
		return fmt.Errorf("%w: slot %s holds %d", ledger.ErrInsufficientBalance, addr, slot.Amount)
	}
	slot.Amount -= qty
	return s.putSlot(slot)
}

func decodeSale(record model.Address, v []byte) (ledger.SaleEntry, error) {
	var sv saleValue
	if err := json.Unmarshal(v, &sv); err != nil {
		return ledger.SaleEntry{}, fmt.Errorf("decode sale %s: %w", record, err)
	}
	return ledger.SaleEntry{
		Record: record,
		Asset:  sv.Asset,
		Sale:   model.Sale{Seller: sv.Seller, Price: sv.Price, ListedAt: sv.ListedAt},
	}, nil
}

// GetSale needs no explicit lock: bbolt write transactions are exclusive.
func (s *state) GetSale(_ context.Context, record model.Address) (ledger.SaleEntry, error) {
	v := s.tx.Bucket(bucketSales).Get(record[:])
	if v == nil {
		return ledger.SaleEntry{}, fmt.Errorf("%w: %s", ledger.ErrSaleNotFound, record)
	}
	return decodeSale(record, v)
}

func (s *state) InsertSale(_ context.Context, e ledger.SaleEntry) error {
	b := s.tx.Bucket(bucketSales)
	if b.Get(e.Record[:]) != nil {
		return fmt.Errorf("%w: %s", ledger.ErrSaleExists, e.Record)
	}
	data, err := json.Marshal(saleValue{
		Asset:    e.Asset,
		Seller:   e.Sale.Seller,
		Price:    e.Sale.Price,
		ListedAt: e.Sale.ListedAt,
	})
	if err != nil {
		return err
	}
	return b.Put(e.Record[:], data)
}

func (s *state) DeleteSale(_ context.Context, record model.Address) error {
	b := s.tx.Bucket(bucketSales)
	if b.Get(record[:]) == nil {
		return fmt.Errorf("%w: %s", ledger.ErrSaleNotFound, record)
	}
	return b.Delete(record[:])
}

func (s *state) ListSales(_ context.Context) ([]ledger.SaleEntry, error) {
	var out []ledger.SaleEntry
	err := s.tx.Bucket(bucketSales).ForEach(func(k, v []byte) error {
		record, err := model.AddressFromBytes(k)
		if err != nil {
			return err
		}
		e, err := decodeSale(record, v)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *state) GetAsset(_ context.Context, mint model.Address) (model.Asset, error) {
	v := s.tx.Bucket(bucketAssets).Get(mint[:])
	if v == nil {
		return model.Asset{}, fmt.Errorf("%w: %s", ledger.ErrAssetNotFound, mint)
	}
	var a model.Asset
	if err := json.Unmarshal(v, &a); err != nil {
		return model.Asset{}, fmt.Errorf("decode asset %s: %w", mint, err)
	}
	return a, nil
}

func (s *state) putAsset(a model.Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.tx.Bucket(bucketAssets).Put(a.Mint[:], data)
}

func (s *state) InsertAsset(_ context.Context, a model.Asset) error {
	if s.tx.Bucket(bucketAssets).Get(a.Mint[:]) != nil {
		return fmt.Errorf("%w: %s", ledger.ErrAssetExists, a.Mint)
	}
	return s.putAsset(a)
}

func (s *state) UpdateAsset(_ context.Context, a model.Asset) error {
	if s.tx.Bucket(bucketAssets).Get(a.Mint[:]) == nil {
		return fmt.Errorf("%w: %s", ledger.ErrAssetNotFound, a.Mint)
	}
	return s.putAsset(a)
}
