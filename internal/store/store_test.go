package store

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

func newTestStore(t *testing.T) (*HybridStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &HybridStore{redis: rdb, ttl: time.Minute, logger: zap.NewNop()}, mr
}

func randomAddress(t *testing.T) model.Address {
	t.Helper()
	var a model.Address
	_, err := rand.Read(a[:])
	require.NoError(t, err)
	return a
}

func sampleListing(t *testing.T, price uint64) model.Listing {
	return model.Listing{
		Asset:     randomAddress(t),
		Record:    randomAddress(t),
		Authority: randomAddress(t),
		Bump:      254,
		Custody:   randomAddress(t),
		Seller:    randomAddress(t),
		Price:     price,
		ListedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPutAndGetListing(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	l := sampleListing(t, 250)
	require.NoError(t, st.PutListing(ctx, l))

	got, err := st.GetListing(ctx, l.Asset)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, l, *got)
	assert.True(t, mr.Exists("listing:"+l.Asset.String()))
	assert.Greater(t, mr.TTL("listing:"+l.Asset.String()), time.Duration(0))

	require.NoError(t, st.DeleteListing(ctx, l.Asset))
	got, err = st.GetListing(ctx, l.Asset)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetListing_InvalidJSON(t *testing.T) {
	st, mr := newTestStore(t)
	defer mr.Close()

	a := randomAddress(t)
	require.NoError(t, mr.Set("listing:"+a.String(), "not-json"))

	got, err := st.GetListing(context.Background(), a)
	assert.Nil(t, got)
	assert.Error(t, err)
}

func TestListListings_NotReadyUntilReplaced(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	// Individual puts never make the set complete.
	require.NoError(t, st.PutListing(ctx, sampleListing(t, 1)))
	_, ok, err := st.ListListings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	a, b := sampleListing(t, 10), sampleListing(t, 20)
	require.NoError(t, st.ReplaceListings(ctx, []model.Listing{a, b}))

	ls, ok, err := st.ListListings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.ElementsMatch(t, []model.Listing{a, b}, ls)
}

func TestReplaceListings_DropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	old := sampleListing(t, 5)
	require.NoError(t, st.ReplaceListings(ctx, []model.Listing{old}))
	require.NoError(t, st.ReplaceListings(ctx, nil))

	ls, ok, err := st.ListListings(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, ls)
	assert.False(t, mr.Exists("listing:"+old.Asset.String()))
}

func TestListListings_ExpiredEntryFallsBack(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	l := sampleListing(t, 7)
	require.NoError(t, st.ReplaceListings(ctx, []model.Listing{l}))
	mr.Del("listing:" + l.Asset.String())

	_, ok, err := st.ListListings(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAndGetJSON(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	val := map[string]string{"client_id": "acme", "scope": "trade"}
	require.NoError(t, st.SetJSON(ctx, "integrator:acme", val, time.Minute))

	var got map[string]string
	require.NoError(t, st.GetJSON(ctx, "integrator:acme", &got))
	assert.Equal(t, "trade", got["scope"])

	err := st.GetJSON(ctx, "nonexistent:key", &got)
	assert.True(t, errors.Is(err, redis.Nil))
}

func TestClaimOnce(t *testing.T) {
	ctx := context.Background()
	st, mr := newTestStore(t)
	defer mr.Close()

	first, err := st.ClaimOnce(ctx, "sig:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := st.ClaimOnce(ctx, "sig:abc", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(2 * time.Minute)
	afterExpiry, err := st.ClaimOnce(ctx, "sig:abc", time.Minute)
	require.NoError(t, err)
	assert.True(t, afterExpiry)
}

func TestHealthCheck(t *testing.T) {
	st, mr := newTestStore(t)
	require.NoError(t, st.HealthCheck(context.Background()))

	mr.Close()
	err := st.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")

	empty := &HybridStore{}
	err = empty.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis not initialized")
}

func TestClose_NilComponents(t *testing.T) {
	st := &HybridStore{}
	require.NoError(t, st.Close())
}

func TestNewHybrid(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	st, err := NewHybrid(RedisConfig{Addr: mr.Addr()}, "", PGPoolConfig{}, nil)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Nil(t, st.(*HybridStore).PG)
	require.NoError(t, st.Close())

	_, err = NewHybrid(RedisConfig{Addr: mr.Addr()}, "not-a-valid-pg-url", PGPoolConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewHybrid_InvalidRedis(t *testing.T) {
	_, err := NewHybrid(RedisConfig{Addr: "localhost:1"}, "", PGPoolConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")
}
