package api

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/authority"
	"github.com/Checker-Finance/escrow-market/internal/metrics"
	"github.com/Checker-Finance/escrow-market/internal/rate"
	"github.com/Checker-Finance/escrow-market/internal/secrets"
	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// Request authentication headers.
const (
	HeaderSigner    = "X-Signer"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderClientID  = "X-Client-Id"
	HeaderAPIKey    = "X-Api-Key"
)

const localSigner = "signer"

// NonceStore remembers request signatures so a captured request cannot be
// replayed inside the skew window.
type NonceStore interface {
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// SignatureConfig configures SignatureAuth. Nonces and Now are optional.
type SignatureConfig struct {
	MaxSkew time.Duration
	Nonces  NonceStore
	Now     func() time.Time
	Logger  *zap.Logger
}

func unauthorized(c *fiber.Ctx, code, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: msg, Code: code})
}

// SignatureAuth verifies the ed25519 request signature and stores the
// resulting cosigner for the handler.
func SignatureAuth(cfg SignatureConfig) fiber.Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		signerHdr := c.Get(HeaderSigner)
		tsHdr := c.Get(HeaderTimestamp)
		sig := c.Get(HeaderSignature)
		if signerHdr == "" || tsHdr == "" || sig == "" {
			return unauthorized(c, "missing_signature", "X-Signer, X-Timestamp and X-Signature are required")
		}

		signer, err := model.ParseAddress(signerHdr)
		if err != nil {
			return unauthorized(c, "invalid_signer", err.Error())
		}
		ts, err := strconv.ParseInt(tsHdr, 10, 64)
		if err != nil {
			return unauthorized(c, "invalid_timestamp", "X-Timestamp must be unix seconds")
		}
		skew := now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > cfg.MaxSkew {
			return unauthorized(c, "stale_timestamp", "request timestamp outside allowed skew")
		}

		cosigner, err := authority.VerifyRequest(signer, c.Method(), c.Path(), tsHdr, c.Body(), sig)
		if err != nil {
			logger.Warn("api.signature_rejected",
				zap.String("signer", signerHdr),
				zap.String("path", c.Path()),
				zap.Error(err))
			return unauthorized(c, "invalid_signature", "signature verification failed")
		}

		if cfg.Nonces != nil {
			first, err := cfg.Nonces.ClaimOnce(c.Context(), "sig:"+sig, 2*cfg.MaxSkew)
			if err != nil {
				logger.Error("api.nonce_store_failed", zap.Error(err))
				metrics.IncError("api", "nonce_store")
				return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "nonce store unavailable", Code: "unavailable"})
			}
			if !first {
				return unauthorized(c, "replayed_signature", "signature already used")
			}
		}

		c.Locals(localSigner, cosigner)
		return c.Next()
	}
}

// signerFrom returns the cosigner verified by SignatureAuth.
func signerFrom(c *fiber.Ctx) (authority.Cosigner, bool) {
	cs, ok := c.Locals(localSigner).(authority.Cosigner)
	return cs, ok
}

// Authenticator checks integrator credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, clientID, apiKey string) error
}

// ClientAuth requires a known integrator id and matching API key.
func ClientAuth(auth Authenticator, logger *zap.Logger) fiber.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *fiber.Ctx) error {
		clientID := c.Get(HeaderClientID)
		apiKey := c.Get(HeaderAPIKey)
		if clientID == "" || apiKey == "" {
			return unauthorized(c, "missing_api_key", "X-Client-Id and X-Api-Key are required")
		}
		err := auth.Authenticate(c.Context(), clientID, apiKey)
		switch {
		case err == nil:
			return c.Next()
		case errors.Is(err, secrets.ErrUnknownClient), errors.Is(err, secrets.ErrInvalidAPIKey):
			logger.Warn("api.client_rejected", zap.String("client", clientID), zap.Error(err))
			return c.Status(fiber.StatusForbidden).JSON(ErrorResponse{Error: "unknown or unauthorized client", Code: "forbidden"})
		default:
			logger.Error("api.client_auth_failed", zap.String("client", clientID), zap.Error(err))
			metrics.IncError("api", "client_auth")
			return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "client lookup failed", Code: "unavailable"})
		}
	}
}

// RateLimit rejects requests whose key has exhausted its token bucket.
// The key is the verified signer when present, else the client IP.
func RateLimit(mgr *rate.Manager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := "ip:" + c.IP()
		if cs, ok := signerFrom(c); ok {
			key = "signer:" + cs.Address().String()
		}
		if !mgr.Allow(key) {
			metrics.IncError("api", "rate_limited")
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{Error: "rate limit exceeded", Code: "rate_limited"})
		}
		return c.Next()
	}
}
