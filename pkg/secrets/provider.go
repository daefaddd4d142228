package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrSecretNotFound = errors.New("secret not found")

// Provider defines a generic secrets manager interface.
type Provider interface {
	// GetSecret retrieves a secret by name and returns its key-value map.
	GetSecret(ctx context.Context, key string) (map[string]string, error)

	// ListSecrets returns the names of all secrets whose name starts with prefix.
	ListSecrets(ctx context.Context, prefix string) ([]string, error)
}

// StaticProvider serves secrets from memory. Used in development when no
// AWS region is configured, and in tests.
type StaticProvider struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string
}

func NewStaticProvider(secrets map[string]map[string]string) *StaticProvider {
	p := &StaticProvider{secrets: make(map[string]map[string]string, len(secrets))}
	for k, v := range secrets {
		p.Set(k, v)
	}
	return p
}

func (p *StaticProvider) Set(key string, value map[string]string) {
	cp := make(map[string]string, len(value))
	for k, v := range value {
		cp[k] = v
	}
	p.mu.Lock()
	p.secrets[strings.ToLower(key)] = cp
	p.mu.Unlock()
}

func (p *StaticProvider) GetSecret(_ context.Context, key string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.secrets[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (p *StaticProvider) ListSecrets(_ context.Context, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var names []string
	for k := range p.secrets {
		if strings.HasPrefix(k, strings.ToLower(prefix)) {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names, nil
}
