// Package history appends committed sale events to the sale_history table.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/eventbus"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var ErrUnavailable = errors.New("sale history unavailable")

// Writer records sale events in sale_history. A nil pool turns every write
// into a no-op.
type Writer struct {
	db      *pgxpool.Pool
	logger  *zap.Logger
	timeout time.Duration
}

func NewWriter(db *pgxpool.Pool, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{db: db, logger: logger, timeout: 5 * time.Second}
}

// Attach subscribes the writer to sale events on bus.
func (w *Writer) Attach(bus *eventbus.EventBus) {
	bus.SubscribeFunc(func(evt model.SaleEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		_ = w.Record(ctx, &evt)
	})
}

// Record inserts evt. Replays of the same (tx_id, event_type) are ignored.
func (w *Writer) Record(ctx context.Context, evt *model.SaleEvent) error {
	if evt == nil || w.db == nil {
		return nil
	}
	if evt.Price > math.MaxInt64 {
		return fmt.Errorf("price %d exceeds BIGINT", evt.Price)
	}

	const query = `
		INSERT INTO sale_history (
			tx_id,
			event_type,
			asset,
			seller,
			buyer,
			price,
			occurred_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_id, event_type) DO NOTHING;
	`

	var buyer *string
	if evt.Buyer != nil {
		b := evt.Buyer.String()
		buyer = &b
	}

	_, err := w.db.Exec(ctx, query,
		evt.TxID,
		string(evt.Type),
		evt.Asset.String(),
		evt.Seller.String(),
		buyer,
		int64(evt.Price),
		evt.Timestamp,
	)
	if err != nil {
		metrics.IncError("history", "insert_failed")
		w.logger.Error("history.record_failed",
			zap.String("tx_id", evt.TxID.String()),
			zap.String("event_type", string(evt.Type)),
			zap.String("asset", evt.Asset.String()),
			zap.Error(err),
		)
		return err
	}

	w.logger.Debug("history.recorded",
		zap.String("tx_id", evt.TxID.String()),
		zap.String("event_type", string(evt.Type)),
		zap.String("asset", evt.Asset.String()),
	)
	return nil
}

// ForAsset returns the most recent events of asset, newest first.
func (w *Writer) ForAsset(ctx context.Context, asset model.Address, limit int) ([]model.SaleEvent, error) {
	if w.db == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := w.db.Query(ctx, `
		SELECT tx_id, event_type, asset, seller, buyer, price, occurred_at
		FROM sale_history
		WHERE asset = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2;
	`, asset.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.SaleEvent{}
	for rows.Next() {
		var (
			evt             model.SaleEvent
			kind, a, seller string
			buyer           *string
			price           int64
		)
		if err := rows.Scan(&evt.TxID, &kind, &a, &seller, &buyer, &price, &evt.Timestamp); err != nil {
			return nil, err
		}
		evt.Type = model.SaleEventType(kind)
		if evt.Asset, err = model.ParseAddress(a); err != nil {
			return nil, err
		}
		if evt.Seller, err = model.ParseAddress(seller); err != nil {
			return nil, err
		}
		if buyer != nil {
			b, err := model.ParseAddress(*buyer)
			if err != nil {
				return nil, err
			}
			evt.Buyer = &b
		}
		evt.Price = uint64(price)
		evt.Timestamp = evt.Timestamp.UTC()
		out = append(out, evt)
	}
	return out, rows.Err()
}
