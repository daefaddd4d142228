package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	listingKeyPrefix = "listing:"
	listingIndexKey  = "listings:index"
	listingReadyKey  = "listings:ready"
)

// Store defines the contract for the listing read cache.
type Store interface {
	PutListing(ctx context.Context, l model.Listing) error
	GetListing(ctx context.Context, asset model.Address) (*model.Listing, error)
	DeleteListing(ctx context.Context, asset model.Address) error
	ReplaceListings(ctx context.Context, ls []model.Listing) error
	ListListings(ctx context.Context) ([]model.Listing, bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

type HybridStore struct {
	redis  *redis.Client
	PG     *pgxpool.Pool
	ttl    time.Duration
	logger *zap.Logger
}

type PGPoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// RedisConfig locates the cache. TTL bounds how long a cached listing may
// outlive a missed invalidation; zero keeps entries until deleted.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewHybrid creates a Redis-first store with an optional Postgres pool that
// other components (ledger, sale history) share.
func NewHybrid(rc RedisConfig, pgURL string, pgPoolConfig PGPoolConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	var pgPool *pgxpool.Pool
	if pgURL != "" {
		cfg, err := pgxpool.ParseConfig(pgURL)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("invalid pg config: %w", err)
		}
		if pgPoolConfig.MaxConns > 0 {
			cfg.MaxConns = pgPoolConfig.MaxConns
		}
		if pgPoolConfig.MinConns > 0 {
			cfg.MinConns = pgPoolConfig.MinConns
		}
		if pgPoolConfig.MaxConnLifetime > 0 {
			cfg.MaxConnLifetime = pgPoolConfig.MaxConnLifetime
		}
		if pgPoolConfig.MaxConnIdleTime > 0 {
			cfg.MaxConnIdleTime = pgPoolConfig.MaxConnIdleTime
		}
		if pgPoolConfig.HealthCheckPeriod > 0 {
			cfg.HealthCheckPeriod = pgPoolConfig.HealthCheckPeriod
		}
		pgPool, err = pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
	}

	return &HybridStore{redis: rdb, PG: pgPool, ttl: rc.TTL, logger: logger}, nil
}

func listingKey(asset model.Address) string {
	return listingKeyPrefix + asset.String()
}

func (s *HybridStore) PutListing(ctx context.Context, l model.Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, listingKey(l.Asset), data, s.ttl)
		p.SAdd(ctx, listingIndexKey, l.Asset.String())
		return nil
	})
	if err != nil {
		s.logger.Warn("store.redis.set_failed", zap.String("asset", l.Asset.String()), zap.Error(err))
	}
	return err
}

// GetListing returns nil, nil on a cache miss.
func (s *HybridStore) GetListing(ctx context.Context, asset model.Address) (*model.Listing, error) {
	data, err := s.redis.Get(ctx, listingKey(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncListingCache("miss")
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var l model.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	metrics.IncListingCache("hit")
	return &l, nil
}

func (s *HybridStore) DeleteListing(ctx context.Context, asset model.Address) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, listingKey(asset))
		p.SRem(ctx, listingIndexKey, asset.String())
		return nil
	})
	if err != nil {
		s.logger.Warn("store.redis.delete_failed", zap.String("asset", asset.String()), zap.Error(err))
	}
	return err
}

// ReplaceListings swaps the whole cached set for ls and marks the cache
// complete, so ListListings can answer without the ledger.
func (s *HybridStore) ReplaceListings(ctx context.Context, ls []model.Listing) error {
	stale, err := s.redis.SMembers(ctx, listingIndexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	payloads := make([][]byte, len(ls))
	for i, l := range ls {
		if payloads[i], err = json.Marshal(l); err != nil {
			return err
		}
	}

	_, err = s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, a := range stale {
			p.Del(ctx, listingKeyPrefix+a)
		}
		p.Del(ctx, listingIndexKey)
		for i, l := range ls {
			p.Set(ctx, listingKey(l.Asset), payloads[i], s.ttl)
			p.SAdd(ctx, listingIndexKey, l.Asset.String())
		}
		p.Set(ctx, listingReadyKey, time.Now().UTC().Format(time.RFC3339Nano), s.ttl)
		return nil
	})
	if err != nil {
		s.logger.Warn("store.redis.replace_failed", zap.Int("count", len(ls)), zap.Error(err))
	}
	return err
}

// ListListings returns the cached set. ok is false when the cache has not
// been filled since startup, or an indexed entry has expired; callers then
// read the ledger.
func (s *HybridStore) ListListings(ctx context.Context) ([]model.Listing, bool, error) {
	n, err := s.redis.Exists(ctx, listingReadyKey).Result()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		metrics.IncListingCache("miss")
		return nil, false, nil
	}

	assets, err := s.redis.SMembers(ctx, listingIndexKey).Result()
	if err != nil {
		return nil, false, err
	}
	out := make([]model.Listing, 0, len(assets))
	if len(assets) == 0 {
		metrics.IncListingCache("hit")
		return out, true, nil
	}

	keys := make([]string, len(assets))
	for i, a := range assets {
		keys[i] = listingKeyPrefix + a
	}
	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, false, err
	}
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			metrics.IncListingCache("miss")
			return nil, false, nil
		}
		var l model.Listing
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, false, err
		}
		out = append(out, l)
	}
	metrics.IncListingCache("hit")
	return out, true, nil
}

func (s *HybridStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, ttl).Err()
}

func (s *HybridStore) GetJSON(ctx context.Context, key string, dest any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// ClaimOnce records key for ttl and reports whether this call was the first
// to do so. Used to reject replayed request signatures.
func (s *HybridStore) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.redis.SetNX(ctx, key, 1, ttl).Result()
}

func (s *HybridStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.PG != nil {
		if err := s.PG.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}
	return nil
}

func (s *HybridStore) Close() error {
	if s.PG != nil {
		s.PG.Close()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
