package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/clock"
	"github.com/Checker-Finance/escrow-market/internal/escrow"
	"github.com/Checker-Finance/escrow-market/internal/ledger"
	"github.com/Checker-Finance/escrow-market/internal/ledger/boltdb"
	"github.com/Checker-Finance/escrow-market/internal/rate"
	"github.com/Checker-Finance/escrow-market/internal/registry"
	"github.com/Checker-Finance/escrow-market/internal/secrets"
	"github.com/Checker-Finance/escrow-market/internal/store"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var testNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

const testFaucetMax = 100_000_000_000

// --- Test Helpers ---

type envOptions struct {
	faucetMax  uint64
	rate       rate.Config
	clientAuth Authenticator
}

type testEnv struct {
	app    *fiber.App
	store  store.Store
	ledger ledger.Ledger
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	l, err := boltdb.Open(filepath.Join(t.TempDir(), "ledger.db"), ledger.Rent{Sale: 10, Slot: 5, Asset: 15}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	st, err := store.NewHybrid(store.RedisConfig{Addr: mr.Addr(), TTL: time.Minute}, "", store.PGPoolConfig{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := clock.Fixed(testNow)
	market := escrow.NewMarket(l, authority.NewProgram(authority.DefaultMarketID), nil, escrow.WithClock(clk))
	reg := registry.New(l, clk, nil)

	if opts.rate.RequestsPerSecond == 0 {
		opts.rate = rate.Config{RequestsPerSecond: 1000, Burst: 1000}
	}
	guards := Guards{
		Signature: SignatureAuth(SignatureConfig{
			MaxSkew: 30 * time.Second,
			Nonces:  st,
			Now:     func() time.Time { return testNow },
		}),
		RateLimit: RateLimit(rate.NewManager(opts.rate)),
	}
	if opts.clientAuth != nil {
		guards.ClientAuth = ClientAuth(opts.clientAuth, nil)
	}

	app := fiber.New()
	h := NewMarketHandler(zap.NewNop(), market, reg, st, nil, opts.faucetMax)
	RegisterRoutes(app, nil, st, l, h, guards)
	return &testEnv{app: app, store: st, ledger: l}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func jsonBody(t *testing.T, v any) []byte {
	t.Helper()
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func unsigned(t *testing.T, method, path string, v any) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, path, bytes.NewReader(jsonBody(t, v)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func signedAt(t *testing.T, kp authority.Keypair, ts time.Time, method, path string, v any) *http.Request {
	t.Helper()
	body := jsonBody(t, v)
	req, err := http.NewRequest(method, path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set(HeaderSigner, kp.Address().String())
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, kp.SignRequest(method, path, stamp, body))
	return req
}

func signed(t *testing.T, kp authority.Keypair, method, path string, v any) *http.Request {
	return signedAt(t, kp, testNow, method, path, v)
}

func (e *testEnv) fund(t *testing.T, addr model.Address, lamports uint64) {
	t.Helper()
	resp, body := e.do(t, unsigned(t, http.MethodPost, "/api/v1/faucet", FaucetRequest{Address: addr, Lamports: lamports}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
}

func (e *testEnv) mint(t *testing.T, kp authority.Keypair) model.Address {
	t.Helper()
	resp, body := e.do(t, signed(t, kp, http.MethodPost, "/api/v1/assets", MintRequest{Name: "Genesis", Symbol: "GEN", URI: "https://example.com/g.json"}))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(body))
	var asset model.Asset
	require.NoError(t, json.Unmarshal(body, &asset))
	return asset.Mint
}

func (e *testEnv) list(t *testing.T, kp authority.Keypair, asset model.Address, display string) ListingResponse {
	t.Helper()
	resp, body := e.do(t, signed(t, kp, http.MethodPost, "/api/v1/listings", ListRequest{Asset: asset, PriceDisplay: display}))
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(body))
	var out ListingResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func errorCodeOf(t *testing.T, body []byte) string {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er), string(body))
	return er.Code
}

// --- Flow Tests ---

func TestMintListPurchaseFlow(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	seller := authority.MustGenerateKeypair()
	buyer := authority.MustGenerateKeypair()
	env.fund(t, seller.Address(), 1_000)
	env.fund(t, buyer.Address(), 2_000_000_000)

	asset := env.mint(t, seller)
	listing := env.list(t, seller, asset, "1.5")
	assert.Equal(t, uint64(1_500_000_000), listing.Price)
	assert.Equal(t, "1.5", listing.PriceDisplay)
	assert.Equal(t, seller.Address(), listing.Seller)
	assert.Equal(t, testNow, listing.ListedAt.UTC())

	resp, body := env.do(t, unsigned(t, http.MethodGet, "/api/v1/listings/"+asset.String(), nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "ledger", resp.Header.Get("X-Listing-Source"))

	purchasePath := "/api/v1/listings/" + asset.String() + "/purchase"
	resp, body = env.do(t, signed(t, buyer, http.MethodPost, purchasePath, PurchaseRequest{
		Seller:        &listing.Seller,
		ClaimsRequest: ClaimsRequest{Bump: &listing.Bump, Authority: &listing.Authority, Escrow: &listing.Escrow},
	}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var evt SaleEventResponse
	require.NoError(t, json.Unmarshal(body, &evt))
	assert.Equal(t, model.SalePurchased, evt.Type)
	require.NotNil(t, evt.Buyer)
	assert.Equal(t, buyer.Address(), *evt.Buyer)
	assert.Equal(t, "1.5", evt.PriceDisplay)

	// The record is gone, so a second purchase finds nothing to buy.
	resp, body = env.do(t, signedAt(t, buyer, testNow.Add(time.Second), http.MethodPost, purchasePath, nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_listed", errorCodeOf(t, body))

	resp, body = env.do(t, unsigned(t, http.MethodGet, "/api/v1/accounts/"+buyer.Address().String(), nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var acct AccountResponse
	require.NoError(t, json.Unmarshal(body, &acct))
	require.Len(t, acct.Slots, 1)
	assert.Equal(t, asset, acct.Slots[0].Mint)
	assert.Equal(t, uint64(1), acct.Slots[0].Amount)
	assert.Equal(t, uint64(2_000_000_000-1_500_000_000-5), acct.Lamports)
}

func TestWithdrawFlow(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	seller := authority.MustGenerateKeypair()
	stranger := authority.MustGenerateKeypair()
	env.fund(t, seller.Address(), 1_000)
	env.fund(t, stranger.Address(), 1_000)

	asset := env.mint(t, seller)
	env.list(t, seller, asset, "0.000000250")
	path := "/api/v1/listings/" + asset.String() + "/withdraw"

	resp, body := env.do(t, signed(t, stranger, http.MethodPost, path, nil))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_seller", errorCodeOf(t, body))

	resp, body = env.do(t, signed(t, seller, http.MethodPost, path, nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var evt SaleEventResponse
	require.NoError(t, json.Unmarshal(body, &evt))
	assert.Equal(t, model.SaleWithdrawn, evt.Type)
	assert.Equal(t, uint64(250), evt.Price)

	resp, _ = env.do(t, unsigned(t, http.MethodGet, "/api/v1/listings/"+asset.String(), nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	seller := authority.MustGenerateKeypair()
	env.fund(t, seller.Address(), 1_000)
	asset := env.mint(t, seller)
	env.list(t, seller, asset, "2")

	resp, body := env.do(t, signed(t, authority.MustGenerateKeypair(), http.MethodPost,
		"/api/v1/listings/"+asset.String()+"/purchase", nil))
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "insufficient_funds", errorCodeOf(t, body))
}

func TestCreateListing_Validation(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	seller := authority.MustGenerateKeypair()
	env.fund(t, seller.Address(), 1_000)
	asset := env.mint(t, seller)

	tests := []struct {
		name string
		req  ListRequest
	}{
		{"no price", ListRequest{Asset: asset}},
		{"both prices", ListRequest{Asset: asset, Price: 5, PriceDisplay: "1"}},
		{"sub-lamport display", ListRequest{Asset: asset, PriceDisplay: "0.0000000001"}},
		{"negative display", ListRequest{Asset: asset, PriceDisplay: "-1"}},
		{"missing asset", ListRequest{Price: 5}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := testNow.Add(time.Duration(i) * time.Second)
			resp, body := env.do(t, signedAt(t, seller, ts, http.MethodPost, "/api/v1/listings", tt.req))
			assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, string(body))
		})
	}

	other := authority.MustGenerateKeypair()
	env.fund(t, other.Address(), 1_000)
	resp, body := env.do(t, signed(t, other, http.MethodPost, "/api/v1/listings", ListRequest{Asset: asset, Price: 5}))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode, string(body))
	assert.Equal(t, "slot_not_found", errorCodeOf(t, body))
}

func TestCreateListing_AlreadyListed(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	seller := authority.MustGenerateKeypair()
	env.fund(t, seller.Address(), 1_000)
	asset := env.mint(t, seller)
	env.list(t, seller, asset, "1")

	resp, body := env.do(t, signedAt(t, seller, testNow.Add(time.Second), http.MethodPost, "/api/v1/listings",
		ListRequest{Asset: asset, Price: 7}))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_listed", errorCodeOf(t, body))
}

func TestMint_MetadataLimits(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	kp := authority.MustGenerateKeypair()
	env.fund(t, kp.Address(), 1_000)

	resp, body := env.do(t, signed(t, kp, http.MethodPost, "/api/v1/collections",
		MintRequest{Name: strings.Repeat("n", model.MaxNameLength+1)}))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "name_too_long", errorCodeOf(t, body))

	missing := authority.MustGenerateKeypair().Address()
	resp, body = env.do(t, signedAt(t, kp, testNow.Add(time.Second), http.MethodPost, "/api/v1/assets",
		MintRequest{Name: "Orphan", Collection: &missing}))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "collection_not_found", errorCodeOf(t, body))
}

func TestGetAsset(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	kp := authority.MustGenerateKeypair()
	env.fund(t, kp.Address(), 1_000)
	mint := env.mint(t, kp)

	resp, body := env.do(t, unsigned(t, http.MethodGet, "/api/v1/assets/"+mint.String(), nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var asset model.Asset
	require.NoError(t, json.Unmarshal(body, &asset))
	assert.Equal(t, "Genesis", asset.Name)
	assert.True(t, asset.Finalized)

	resp, body = env.do(t, unsigned(t, http.MethodGet, "/api/v1/assets/"+authority.MustGenerateKeypair().Address().String(), nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "asset_not_found", errorCodeOf(t, body))

	resp, _ = env.do(t, unsigned(t, http.MethodGet, "/api/v1/assets/not-base58-0OIl", nil))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, unsigned(t, http.MethodGet, "/api/v1/assets/"+mint.String()+"/history", nil))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_enabled", errorCodeOf(t, body))
}

// --- Cache Tests ---

func TestListings_ServedFromCache(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	cached := model.Listing{
		Asset:  authority.MustGenerateKeypair().Address(),
		Seller: authority.MustGenerateKeypair().Address(),
		Price:  42,
	}
	require.NoError(t, env.store.ReplaceListings(ctx, []model.Listing{cached}))

	resp, body := env.do(t, unsigned(t, http.MethodGet, "/api/v1/listings", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "cache", resp.Header.Get("X-Listing-Source"))
	var out struct {
		Listings []ListingResponse `json:"listings"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "0.000000042", out.Listings[0].PriceDisplay)

	resp, _ = env.do(t, unsigned(t, http.MethodGet, "/api/v1/listings/"+cached.Asset.String(), nil))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "cache", resp.Header.Get("X-Listing-Source"))
}

func TestListings_LedgerFallback(t *testing.T) {
	env := newTestEnv(t, envOptions{faucetMax: testFaucetMax})
	seller := authority.MustGenerateKeypair()
	env.fund(t, seller.Address(), 1_000)
	env.list(t, seller, env.mint(t, seller), "3")

	resp, body := env.do(t, unsigned(t, http.MethodGet, "/api/v1/listings", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ledger", resp.Header.Get("X-Listing-Source"))
	assert.Contains(t, string(body), `"count":1`)
}

// --- Middleware Tests ---

func TestSignatureAuth_Rejections(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	kp := authority.MustGenerateKeypair()
	req := MintRequest{Name: "X"}

	t.Run("missing headers", func(t *testing.T) {
		resp, body := env.do(t, unsigned(t, http.MethodPost, "/api/v1/assets", req))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "missing_signature", errorCodeOf(t, body))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		resp, body := env.do(t, signedAt(t, kp, testNow.Add(-time.Minute), http.MethodPost, "/api/v1/assets", req))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "stale_timestamp", errorCodeOf(t, body))
	})

	t.Run("tampered body", func(t *testing.T) {
		r := signed(t, kp, http.MethodPost, "/api/v1/assets", req)
		tampered := jsonBody(t, MintRequest{Name: "Y"})
		r.Body = io.NopCloser(bytes.NewReader(tampered))
		r.ContentLength = int64(len(tampered))
		resp, body := env.do(t, r)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_signature", errorCodeOf(t, body))
	})

	t.Run("wrong signer", func(t *testing.T) {
		r := signed(t, kp, http.MethodPost, "/api/v1/assets", req)
		r.Header.Set(HeaderSigner, authority.MustGenerateKeypair().Address().String())
		resp, body := env.do(t, r)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "invalid_signature", errorCodeOf(t, body))
	})

	t.Run("replay", func(t *testing.T) {
		// An unfunded payer still gets past authentication.
		ts := testNow.Add(5 * time.Second)
		first, _ := env.do(t, signedAt(t, kp, ts, http.MethodPost, "/api/v1/assets", req))
		assert.NotEqual(t, fiber.StatusUnauthorized, first.StatusCode)

		resp, body := env.do(t, signedAt(t, kp, ts, http.MethodPost, "/api/v1/assets", req))
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "replayed_signature", errorCodeOf(t, body))
	})
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, envOptions{rate: rate.Config{RequestsPerSecond: 1, Burst: 2}})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, _ := env.do(t, unsigned(t, http.MethodGet, "/api/v1/listings", nil))
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests}, codes)
}

type fakeAuthenticator struct {
	keys map[string]string
	err  error
}

func (f fakeAuthenticator) Authenticate(_ context.Context, clientID, apiKey string) error {
	if f.err != nil {
		return f.err
	}
	want, ok := f.keys[clientID]
	if !ok {
		return secrets.ErrUnknownClient
	}
	if want != apiKey {
		return secrets.ErrInvalidAPIKey
	}
	return nil
}

func TestClientAuth(t *testing.T) {
	env := newTestEnv(t, envOptions{clientAuth: fakeAuthenticator{keys: map[string]string{"acme": "k-1"}}})

	withKey := func(id, key string) *http.Request {
		r := unsigned(t, http.MethodGet, "/api/v1/listings", nil)
		if id != "" {
			r.Header.Set(HeaderClientID, id)
			r.Header.Set(HeaderAPIKey, key)
		}
		return r
	}

	resp, _ := env.do(t, withKey("", ""))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	resp, _ = env.do(t, withKey("acme", "wrong"))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	resp, _ = env.do(t, withKey("globex", "k-1"))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	resp, _ = env.do(t, withKey("acme", "k-1"))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	down := newTestEnv(t, envOptions{clientAuth: fakeAuthenticator{err: errors.New("secrets manager timeout")}})
	resp, _ = down.do(t, withKey("acme", "k-1"))
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

// --- Faucet & Health ---

func TestFaucet(t *testing.T) {
	disabled := newTestEnv(t, envOptions{})
	addr := authority.MustGenerateKeypair().Address()
	resp, _ := disabled.do(t, unsigned(t, http.MethodPost, "/api/v1/faucet", FaucetRequest{Address: addr, Lamports: 1}))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	env := newTestEnv(t, envOptions{faucetMax: 1_000})
	resp, _ = env.do(t, unsigned(t, http.MethodPost, "/api/v1/faucet", FaucetRequest{Address: addr, Lamports: 1_001}))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, unsigned(t, http.MethodPost, "/api/v1/faucet", FaucetRequest{Address: addr, Lamports: 1_000}))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var acct AccountResponse
	require.NoError(t, json.Unmarshal(body, &acct))
	assert.Equal(t, uint64(1_000), acct.Lamports)
	assert.Equal(t, "0.000001", acct.LamportsDisplay)
}

func TestHealth_DegradedWithoutNATS(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, body := env.do(t, unsigned(t, http.MethodGet, "/health", nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	var out struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "degraded", out.Status)
	assert.Equal(t, "disconnected", out.Checks["nats"])
	assert.Equal(t, "ok", out.Checks["store"])
	assert.Equal(t, "ok", out.Checks["ledger"])
}
