package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checker-Finance/escrow-market/internal/store"
)

// Pinger reports whether the ledger backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Guards are the middleware chains placed in front of the API routes.
// Signature is required on mutating routes; the rest are optional.
type Guards struct {
	Signature  fiber.Handler
	ClientAuth fiber.Handler
	RateLimit  fiber.Handler
}

func (g Guards) chain(signed bool, h fiber.Handler) []fiber.Handler {
	var out []fiber.Handler
	if g.ClientAuth != nil {
		out = append(out, g.ClientAuth)
	}
	if signed && g.Signature != nil {
		out = append(out, g.Signature)
	}
	if g.RateLimit != nil {
		out = append(out, g.RateLimit)
	}
	return append(out, h)
}

func RegisterRoutes(app *fiber.App, nc *nats.Conn, st store.Store, lg Pinger,
	h *MarketHandler,
	guards Guards,
) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{
			"nats":   "ok",
			"store":  "ok",
			"ledger": "ok",
		}
		status := "ok"
		code := fiber.StatusOK

		if nc == nil || !nc.IsConnected() {
			checks["nats"] = "disconnected"
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		} else if err := nc.FlushTimeout(1 * time.Second); err != nil {
			checks["nats"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if st == nil {
			checks["store"] = "not configured"
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		} else if err := st.HealthCheck(healthCtx); err != nil {
			checks["store"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}
		if err := lg.Ping(healthCtx); err != nil {
			checks["ledger"] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	// API routes
	v1 := app.Group("/api/v1")
	v1.Post("/collections", guards.chain(true, h.MintCollection)...)
	v1.Post("/assets", guards.chain(true, h.MintAsset)...)
	v1.Get("/assets/:mint", guards.chain(false, h.GetAsset)...)
	v1.Get("/assets/:mint/history", guards.chain(false, h.AssetHistory)...)
	v1.Get("/accounts/:address", guards.chain(false, h.GetAccount)...)

	v1.Post("/listings", guards.chain(true, h.CreateListing)...)
	v1.Get("/listings", guards.chain(false, h.ListListings)...)
	v1.Get("/listings/:asset", guards.chain(false, h.GetListing)...)
	v1.Post("/listings/:asset/purchase", guards.chain(true, h.PurchaseListing)...)
	v1.Post("/listings/:asset/withdraw", guards.chain(true, h.WithdrawListing)...)

	v1.Post("/faucet", guards.chain(false, h.Faucet)...)
}
