// Package boltdb is the embedded single-node ledger backend. bbolt allows one
// read-write transaction at a time, so every Update is fully serialized.
package boltdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/ledger"
)

var (
	bucketAccounts = []byte("accounts")
	bucketSlots    = []byte("slots")
	bucketSales    = []byte("sales")
	bucketAssets   = []byte("assets")
)

type Ledger struct {
	db     *bolt.DB
	rent   ledger.Rent
	logger *zap.Logger
}

var _ ledger.Ledger = (*Ledger)(nil)

// Open opens (or creates) the ledger file at path.
func Open(path string, rent ledger.Rent, logger *zap.Logger) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAccounts, bucketSlots, bucketSales, bucketAssets} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("ledger.bolt.opened", zap.String("path", path))
	return &Ledger{db: db, rent: rent, logger: logger}, nil
}

func (l *Ledger) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(btx *bolt.Tx) error {
		return fn(ledger.Bind(uuid.New(), &state{tx: btx}, l.rent))
	})
}

func (l *Ledger) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.View(func(btx *bolt.Tx) error {
		return fn(ledger.Bind(uuid.New(), &state{tx: btx}, l.rent))
	})
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSales) == nil {
			return fmt.Errorf("bucket %s missing", bucketSales)
		}
		return nil
	})
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
