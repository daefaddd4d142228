package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/api"
	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/httpclient"
	"github.com/Checker-Finance/escrow-market/internal/rate"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// APIError is a non-2xx answer from the market API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("escrow-market returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// Config holds the connection settings for a Client. ClientID and APIKey are
// only needed when the server runs integrator authentication.
type Config struct {
	BaseURL  string
	ClientID string
	APIKey   string
	Timeout  time.Duration
	RetryMax int
}

// Client calls the escrow market HTTP API, signing mutating requests with
// the holder's keypair. Reads are retried on server errors; writes are sent
// once because the server rejects a reused signature.
type Client struct {
	logger *zap.Logger
	cfg    Config
	signer authority.Keypair
	reads  *httpclient.Executor
	writes *httpclient.Executor
	now    func() time.Time
}

// New constructs a Client. rateMgr is optional.
func New(logger *zap.Logger, cfg Config, signer authority.Keypair, rateMgr *rate.Manager) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := &http.Client{Timeout: cfg.Timeout}

	onError := func(status int, body []byte) error {
		var errResp api.ErrorResponse
		_ = json.Unmarshal(body, &errResp)

		logger.Warn("market.client_error",
			zap.Int("status", status),
			zap.String("code", errResp.Code),
			zap.String("error", errResp.Error))

		msg := errResp.Error
		if msg == "" {
			msg = string(body)
		}
		return &APIError{Status: status, Code: errResp.Code, Message: msg}
	}

	return &Client{
		logger: logger,
		cfg:    cfg,
		signer: signer,
		reads:  httpclient.New(logger, rateMgr, httpClient, cfg.RetryMax, "market", onError),
		writes: httpclient.New(logger, rateMgr, httpClient, 0, "market", onError),
		now:    time.Now,
	}
}

// Address returns the identity that signs this client's requests.
func (c *Client) Address() model.Address { return c.signer.Address() }

// MintCollection creates a collection held by the signer.
// POST /api/v1/collections
func (c *Client) MintCollection(ctx context.Context, req api.MintRequest) (*model.Asset, error) {
	var resp model.Asset
	if err := c.postSigned(ctx, "/api/v1/collections", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MintAsset creates a single asset held by the signer.
// POST /api/v1/assets
func (c *Client) MintAsset(ctx context.Context, req api.MintRequest) (*model.Asset, error) {
	var resp model.Asset
	if err := c.postSigned(ctx, "/api/v1/assets", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List puts one held asset up for sale.
// POST /api/v1/listings
func (c *Client) List(ctx context.Context, req api.ListRequest) (*api.ListingResponse, error) {
	var resp api.ListingResponse
	if err := c.postSigned(ctx, "/api/v1/listings", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Purchase buys a listed asset.
// POST /api/v1/listings/{asset}/purchase
func (c *Client) Purchase(ctx context.Context, asset model.Address, req api.PurchaseRequest) (*api.SaleEventResponse, error) {
	var resp api.SaleEventResponse
	if err := c.postSigned(ctx, "/api/v1/listings/"+asset.String()+"/purchase", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Withdraw cancels the signer's listing of asset.
// POST /api/v1/listings/{asset}/withdraw
func (c *Client) Withdraw(ctx context.Context, asset model.Address, req api.WithdrawRequest) (*api.SaleEventResponse, error) {
	var resp api.SaleEventResponse
	if err := c.postSigned(ctx, "/api/v1/listings/"+asset.String()+"/withdraw", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Listing fetches the live listing of asset.
// GET /api/v1/listings/{asset}
func (c *Client) Listing(ctx context.Context, asset model.Address) (*api.ListingResponse, error) {
	var resp api.ListingResponse
	if err := c.getJSON(ctx, "/api/v1/listings/"+asset.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Listings fetches every live listing.
// GET /api/v1/listings
func (c *Client) Listings(ctx context.Context) ([]api.ListingResponse, error) {
	var resp struct {
		Listings []api.ListingResponse `json:"listings"`
	}
	if err := c.getJSON(ctx, "/api/v1/listings", &resp); err != nil {
		return nil, err
	}
	return resp.Listings, nil
}

// Account fetches the balance and slots of addr.
// GET /api/v1/accounts/{address}
func (c *Client) Account(ctx context.Context, addr model.Address) (*api.AccountResponse, error) {
	var resp api.AccountResponse
	if err := c.getJSON(ctx, "/api/v1/accounts/"+addr.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Asset fetches the registry record of mint.
// GET /api/v1/assets/{mint}
func (c *Client) Asset(ctx context.Context, mint model.Address) (*model.Asset, error) {
	var resp model.Asset
	if err := c.getJSON(ctx, "/api/v1/assets/"+mint.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History fetches up to limit committed sale events of mint.
// GET /api/v1/assets/{mint}/history
func (c *Client) History(ctx context.Context, mint model.Address, limit int) ([]api.SaleEventResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/assets/" + mint.String() + "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Events []api.SaleEventResponse `json:"events"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Faucet credits lamports to addr on development deployments.
// POST /api/v1/faucet
func (c *Client) Faucet(ctx context.Context, addr model.Address, lamports uint64) (*api.AccountResponse, error) {
	data, err := json.Marshal(api.FaucetRequest{Address: addr, Lamports: lamports})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/faucet", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	var resp api.AccountResponse
	if err := c.writes.DoJSON(ctx, req, c.rateLimitKey(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// getJSON performs an unsigned GET request and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	return c.reads.DoJSON(ctx, req, c.rateLimitKey(), out)
}

// postSigned performs a signed POST request with a JSON body.
func (c *Client) postSigned(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	c.sign(req, data)

	return c.writes.DoJSON(ctx, req, c.rateLimitKey(), out)
}

func (c *Client) sign(req *http.Request, body []byte) {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	req.Header.Set(api.HeaderSigner, c.signer.Address().String())
	req.Header.Set(api.HeaderTimestamp, ts)
	req.Header.Set(api.HeaderSignature, c.signer.SignRequest(req.Method, req.URL.Path, ts, body))
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.ClientID != "" {
		req.Header.Set(api.HeaderClientID, c.cfg.ClientID)
		req.Header.Set(api.HeaderAPIKey, c.cfg.APIKey)
	}
}

func (c *Client) rateLimitKey() string {
	return "market:" + c.signer.Address().String()
}
