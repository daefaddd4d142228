package secrets

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/escrow-market/internal/metrics"
	pkgsecrets "github.com/Checker-Finance/escrow-market/pkg/secrets"
)

var (
	ErrUnknownClient = errors.New("unknown integrator client")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// AWSResolver resolves per-client configuration from a secrets provider,
// caching results locally to reduce API calls.
//
// Secret naming convention: {env}/{clientID}/{service}
type AWSResolver[T any] struct {
	logger   *zap.Logger
	env      string
	service  string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[T]
}

func NewAWSResolver[T any](
	logger *zap.Logger,
	env string,
	service string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[T],
) *AWSResolver[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AWSResolver[T]{
		logger:   logger,
		env:      env,
		service:  service,
		provider: provider,
		cache:    cache,
	}
}

func (r *AWSResolver[T]) cacheKey(clientID string) string {
	return strings.ToLower(clientID + "|" + r.service)
}

func (r *AWSResolver[T]) secretName(clientID string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, clientID, r.service))
}

// Resolve fetches or caches config T for clientID. parse extracts T from the
// raw secret map and should validate required fields.
func (r *AWSResolver[T]) Resolve(ctx context.Context, clientID string, parse func(map[string]string) (T, error)) (T, error) {
	var zero T
	if clientID == "" || strings.Contains(clientID, "/") {
		return zero, fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}

	secretName := r.secretName(clientID)
	cfg, hit, err := r.cache.Load(ctx, r.cacheKey(clientID), func(ctx context.Context) (T, error) {
		secretMap, err := r.provider.GetSecret(ctx, secretName)
		if err != nil {
			r.logger.Warn("secrets.fetch_failed",
				zap.String("key", secretName),
				zap.Error(err))
			return zero, err
		}
		cfg, err := parse(secretMap)
		if err != nil {
			return zero, fmt.Errorf("parse secret %q: %w", secretName, err)
		}
		r.logger.Info("secrets.client_config_resolved", zap.String("client", clientID))
		return cfg, nil
	})
	if hit {
		metrics.IncCacheHit("hit")
	} else {
		metrics.IncCacheHit("miss")
	}
	if errors.Is(err, pkgsecrets.ErrSecretNotFound) {
		return zero, fmt.Errorf("%w: %q", ErrUnknownClient, clientID)
	}
	if err != nil {
		return zero, fmt.Errorf("resolve client config for %q: %w", clientID, err)
	}
	return cfg, nil
}

// Invalidate drops the cached entry of clientID.
func (r *AWSResolver[T]) Invalidate(clientID string) {
	r.cache.Bust(r.cacheKey(clientID))
}

// DiscoverClients lists the client IDs with a secret under {env}/*/{service}.
func (r *AWSResolver[T]) DiscoverClients(ctx context.Context) ([]string, error) {
	prefix := strings.ToLower(r.env + "/")
	suffix := "/" + strings.ToLower(r.service)

	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover clients: %w", err)
	}

	var clients []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, prefix) || !strings.HasSuffix(lower, suffix) {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(lower, prefix), suffix)
		if trimmed != "" && !strings.Contains(trimmed, "/") {
			clients = append(clients, trimmed)
		}
	}

	r.logger.Info("secrets.clients_discovered",
		zap.Int("count", len(clients)),
		zap.Strings("clients", clients),
	)
	return clients, nil
}

// Integrator is the stored credential of an API client.
type Integrator struct {
	ClientID string
	APIKey   string
}

func parseIntegrator(clientID string) func(map[string]string) (Integrator, error) {
	return func(m map[string]string) (Integrator, error) {
		key := m["api_key"]
		if key == "" {
			return Integrator{}, errors.New("missing api_key")
		}
		return Integrator{ClientID: clientID, APIKey: key}, nil
	}
}

// IntegratorAuth checks X-Client-Id / X-Api-Key pairs against stored secrets.
type IntegratorAuth struct {
	resolver *AWSResolver[Integrator]
}

func NewIntegratorAuth(r *AWSResolver[Integrator]) *IntegratorAuth {
	return &IntegratorAuth{resolver: r}
}

// Authenticate returns nil when apiKey matches the secret stored for clientID.
func (a *IntegratorAuth) Authenticate(ctx context.Context, clientID, apiKey string) error {
	in, err := a.resolver.Resolve(ctx, clientID, parseIntegrator(clientID))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(in.APIKey), []byte(apiKey)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
