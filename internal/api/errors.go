package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/escrow-market/internal/escrow"
	"github.com/Checker-Finance/escrow-market/internal/registry"
)

// errorCode extends escrow.Code with the registry failures.
func errorCode(err error) string {
	switch {
	case errors.Is(err, registry.ErrNameTooLong):
		return "name_too_long"
	case errors.Is(err, registry.ErrSymbolTooLong):
		return "symbol_too_long"
	case errors.Is(err, registry.ErrURITooLong):
		return "uri_too_long"
	case errors.Is(err, registry.ErrCollectionNotFound):
		return "collection_not_found"
	case errors.Is(err, registry.ErrNotCollection):
		return "not_collection"
	}
	return escrow.Code(err)
}

// statusFor maps a domain error code to the HTTP status returned for it.
func statusFor(code string) int {
	switch code {
	case "invalid_price", "name_too_long", "symbol_too_long", "uri_too_long":
		return fiber.StatusBadRequest
	case "not_listed", "asset_not_found", "collection_not_found":
		return fiber.StatusNotFound
	case "already_sold", "already_listed", "slot_not_found", "insufficient_balance", "not_collection":
		return fiber.StatusConflict
	case "not_seller", "seller_mismatch", "custody_mismatch", "authority_mismatch", "unauthorized":
		return fiber.StatusForbidden
	case "insufficient_funds":
		return fiber.StatusPaymentRequired
	default:
		return fiber.StatusInternalServerError
	}
}

// fail writes the error response for a failed domain call.
func fail(c *fiber.Ctx, err error) error {
	code := errorCode(err)
	msg := err.Error()
	if code == "internal" {
		msg = "internal error"
	}
	return c.Status(statusFor(code)).JSON(ErrorResponse{Error: msg, Code: code})
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error(), Code: "invalid_request"})
}

// invalid reports a request validation failure, keeping the code of a
// known domain error.
func invalid(c *fiber.Ctx, err error) error {
	if errorCode(err) == "internal" {
		return badRequest(c, err)
	}
	return fail(c, err)
}
