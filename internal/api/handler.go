package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/escrow"
	"github.com/Checker-Finance/escrow-market/internal/history"
	"github.com/Checker-Finance/escrow-market/internal/registry"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// MarketService defines the escrow operations needed by the handler.
type MarketService interface {
	List(ctx context.Context, in escrow.ListInput) (model.Listing, error)
	Purchase(ctx context.Context, in escrow.PurchaseInput) (model.SaleEvent, error)
	Withdraw(ctx context.Context, in escrow.WithdrawInput) (model.SaleEvent, error)
	Listing(ctx context.Context, asset model.Address) (model.Listing, error)
	Listings(ctx context.Context) ([]model.Listing, error)
}

// RegistryService defines the asset registry operations needed by the handler.
type RegistryService interface {
	MintCollection(ctx context.Context, payer authority.Signer, md registry.Metadata) (model.Asset, error)
	MintAsset(ctx context.Context, payer authority.Signer, md registry.Metadata, collection *model.Address) (model.Asset, error)
	Asset(ctx context.Context, mint model.Address) (model.Asset, error)
	Holdings(ctx context.Context, owner model.Address) (registry.Holdings, error)
	Airdrop(ctx context.Context, addr model.Address, lamports uint64) (model.Account, error)
}

// ListingCache serves listing reads ahead of the ledger.
type ListingCache interface {
	GetListing(ctx context.Context, asset model.Address) (*model.Listing, error)
	ListListings(ctx context.Context) ([]model.Listing, bool, error)
}

// HistoryReader returns committed sale events for an asset, newest first.
type HistoryReader interface {
	ForAsset(ctx context.Context, asset model.Address, limit int) ([]model.SaleEvent, error)
}

// MarketHandler handles HTTP API requests for the escrow market.
type MarketHandler struct {
	logger    *zap.Logger
	market    MarketService
	registry  RegistryService
	cache     ListingCache
	history   HistoryReader
	faucetMax uint64
}

// NewMarketHandler creates a new MarketHandler.
// cache and history are optional. faucetMax of zero disables the faucet.
func NewMarketHandler(
	logger *zap.Logger,
	market MarketService,
	reg RegistryService,
	cache ListingCache,
	history HistoryReader,
	faucetMax uint64,
) *MarketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketHandler{
		logger:    logger,
		market:    market,
		registry:  reg,
		cache:     cache,
		history:   history,
		faucetMax: faucetMax,
	}
}

func addressParam(c *fiber.Ctx, name string) (model.Address, error) {
	return model.ParseAddress(c.Params(name))
}

// parseBody decodes an optional JSON body into dst.
func parseBody(c *fiber.Ctx, dst any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	return c.BodyParser(dst)
}

// MintCollection handles POST /api/v1/collections.
func (h *MarketHandler) MintCollection(c *fiber.Ctx) error {
	payer, ok := signerFrom(c)
	if !ok {
		return unauthorized(c, "missing_signature", "signed request required")
	}
	var req MintRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := req.Validate(); err != nil {
		return invalid(c, err)
	}

	asset, err := h.registry.MintCollection(c.Context(), payer, req.metadata())
	if err != nil {
		return h.logFail(c, "api.mint_collection_failed", err, zap.String("payer", payer.Address().String()))
	}
	return c.Status(fiber.StatusCreated).JSON(asset)
}

// MintAsset handles POST /api/v1/assets.
func (h *MarketHandler) MintAsset(c *fiber.Ctx) error {
	payer, ok := signerFrom(c)
	if !ok {
		return unauthorized(c, "missing_signature", "signed request required")
	}
	var req MintRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := req.Validate(); err != nil {
		return invalid(c, err)
	}

	asset, err := h.registry.MintAsset(c.Context(), payer, req.metadata(), req.Collection)
	if err != nil {
		return h.logFail(c, "api.mint_asset_failed", err, zap.String("payer", payer.Address().String()))
	}
	return c.Status(fiber.StatusCreated).JSON(asset)
}

// CreateListing handles POST /api/v1/listings.
func (h *MarketHandler) CreateListing(c *fiber.Ctx) error {
	seller, ok := signerFrom(c)
	if !ok {
		return unauthorized(c, "missing_signature", "signed request required")
	}
	var req ListRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := req.Validate(); err != nil {
		return badRequest(c, err)
	}
	price, err := req.Lamports()
	if err != nil {
		return badRequest(c, err)
	}

	listing, err := h.market.List(c.Context(), escrow.ListInput{
		Seller: seller,
		Asset:  req.Asset,
		Price:  price,
		Source: req.Source,
		Escrow: req.Escrow,
	})
	if err != nil {
		return h.logFail(c, "api.list_failed", err, zap.String("asset", req.Asset.String()))
	}
	return c.Status(fiber.StatusCreated).JSON(toListingResponse(listing))
}

// PurchaseListing handles POST /api/v1/listings/:asset/purchase.
func (h *MarketHandler) PurchaseListing(c *fiber.Ctx) error {
	buyer, ok := signerFrom(c)
	if !ok {
		return unauthorized(c, "missing_signature", "signed request required")
	}
	asset, err := addressParam(c, "asset")
	if err != nil {
		return badRequest(c, err)
	}
	var req PurchaseRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	evt, err := h.market.Purchase(c.Context(), escrow.PurchaseInput{
		Buyer:  buyer,
		Asset:  asset,
		Seller: req.Seller,
		Claims: req.claims(),
	})
	if err != nil {
		return h.logFail(c, "api.purchase_failed", err,
			zap.String("asset", asset.String()),
			zap.String("buyer", buyer.Address().String()))
	}
	return c.Status(fiber.StatusOK).JSON(toSaleEventResponse(evt))
}

// WithdrawListing handles POST /api/v1/listings/:asset/withdraw.
func (h *MarketHandler) WithdrawListing(c *fiber.Ctx) error {
	seller, ok := signerFrom(c)
	if !ok {
		return unauthorized(c, "missing_signature", "signed request required")
	}
	asset, err := addressParam(c, "asset")
	if err != nil {
		return badRequest(c, err)
	}
	var req WithdrawRequest
	if err := parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}

	evt, err := h.market.Withdraw(c.Context(), escrow.WithdrawInput{
		Seller: seller,
		Asset:  asset,
		Claims: req.claims(),
	})
	if err != nil {
		return h.logFail(c, "api.withdraw_failed", err, zap.String("asset", asset.String()))
	}
	return c.Status(fiber.StatusOK).JSON(toSaleEventResponse(evt))
}

// GetListing handles GET /api/v1/listings/:asset.
func (h *MarketHandler) GetListing(c *fiber.Ctx) error {
	asset, err := addressParam(c, "asset")
	if err != nil {
		return badRequest(c, err)
	}

	if h.cache != nil {
		cached, err := h.cache.GetListing(c.Context(), asset)
		if err != nil {
			h.logger.Warn("api.listing_cache_failed", zap.String("asset", asset.String()), zap.Error(err))
		} else if cached != nil {
			c.Set("X-Listing-Source", "cache")
			return c.JSON(toListingResponse(*cached))
		}
	}

	listing, err := h.market.Listing(c.Context(), asset)
	if err != nil {
		return h.logFail(c, "api.get_listing_failed", err, zap.String("asset", asset.String()))
	}
	c.Set("X-Listing-Source", "ledger")
	return c.JSON(toListingResponse(listing))
}

// ListListings handles GET /api/v1/listings.
func (h *MarketHandler) ListListings(c *fiber.Ctx) error {
	source := "ledger"
	var listings []model.Listing

	if h.cache != nil {
		cached, ok, err := h.cache.ListListings(c.Context())
		if err != nil {
			h.logger.Warn("api.listings_cache_failed", zap.Error(err))
		} else if ok {
			listings, source = cached, "cache"
		}
	}
	if source == "ledger" {
		var err error
		listings, err = h.market.Listings(c.Context())
		if err != nil {
			return h.logFail(c, "api.list_listings_failed", err)
		}
	}

	out := make([]ListingResponse, 0, len(listings))
	for _, l := range listings {
		out = append(out, toListingResponse(l))
	}
	c.Set("X-Listing-Source", source)
	return c.JSON(fiber.Map{
		"listings": out,
		"count":    len(out),
	})
}

// GetAccount handles GET /api/v1/accounts/:address.
func (h *MarketHandler) GetAccount(c *fiber.Ctx) error {
	addr, err := addressParam(c, "address")
	if err != nil {
		return badRequest(c, err)
	}
	holdings, err := h.registry.Holdings(c.Context(), addr)
	if err != nil {
		return h.logFail(c, "api.get_account_failed", err, zap.String("address", addr.String()))
	}
	return c.JSON(AccountResponse{
		Address:         addr,
		Lamports:        holdings.Account.Lamports,
		LamportsDisplay: FormatLamports(holdings.Account.Lamports),
		Slots:           holdings.Slots,
	})
}

// GetAsset handles GET /api/v1/assets/:mint.
func (h *MarketHandler) GetAsset(c *fiber.Ctx) error {
	mint, err := addressParam(c, "mint")
	if err != nil {
		return badRequest(c, err)
	}
	asset, err := h.registry.Asset(c.Context(), mint)
	if err != nil {
		return h.logFail(c, "api.get_asset_failed", err, zap.String("mint", mint.String()))
	}
	return c.JSON(asset)
}

// AssetHistory handles GET /api/v1/assets/:mint/history.
func (h *MarketHandler) AssetHistory(c *fiber.Ctx) error {
	if h.history == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "sale history is not enabled", Code: "not_enabled"})
	}
	mint, err := addressParam(c, "mint")
	if err != nil {
		return badRequest(c, err)
	}
	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	events, err := h.history.ForAsset(c.Context(), mint, limit)
	if errors.Is(err, history.ErrUnavailable) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: err.Error(), Code: "unavailable"})
	}
	if err != nil {
		return h.logFail(c, "api.asset_history_failed", err, zap.String("mint", mint.String()))
	}

	out := make([]SaleEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toSaleEventResponse(e))
	}
	return c.JSON(fiber.Map{"events": out})
}

// Faucet handles POST /api/v1/faucet. Development environments only.
func (h *MarketHandler) Faucet(c *fiber.Ctx) error {
	if h.faucetMax == 0 {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "faucet is disabled", Code: "not_enabled"})
	}
	var req FaucetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	if err := req.Validate(h.faucetMax); err != nil {
		return badRequest(c, err)
	}

	acct, err := h.registry.Airdrop(c.Context(), req.Address, req.Lamports)
	if err != nil {
		return h.logFail(c, "api.faucet_failed", err, zap.String("address", req.Address.String()))
	}
	return c.JSON(AccountResponse{
		Address:         acct.Address,
		Lamports:        acct.Lamports,
		LamportsDisplay: FormatLamports(acct.Lamports),
		Slots:           []model.Slot{},
	})
}

// logFail logs a failed domain call at a level matching its severity and
// writes the mapped error response.
func (h *MarketHandler) logFail(c *fiber.Ctx, event string, err error, fields ...zap.Field) error {
	fields = append(fields, zap.String("code", errorCode(err)), zap.Error(err))
	if errorCode(err) == "internal" {
		h.logger.Error(event, fields...)
	} else {
		h.logger.Info(event, fields...)
	}
	return fail(c, err)
}

func (r ClaimsRequest) claims() escrow.Claims {
	return escrow.Claims{Bump: r.Bump, Authority: r.Authority, Escrow: r.Escrow}
}
