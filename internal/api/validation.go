package api

import (
	"fmt"
	"strings"

	"github.com/Checker-Finance/escrow-market/internal/registry"
)

func (r MintRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return r.metadata().Validate()
}

func (r MintRequest) metadata() registry.Metadata {
	return registry.Metadata{Name: r.Name, Symbol: r.Symbol, URI: r.URI}
}

func (r ListRequest) Validate() error {
	if r.Asset.IsZero() {
		return fmt.Errorf("asset is required")
	}
	hasDisplay := strings.TrimSpace(r.PriceDisplay) != ""
	if r.Price == 0 && !hasDisplay {
		return fmt.Errorf("price or price_display is required")
	}
	if r.Price != 0 && hasDisplay {
		return fmt.Errorf("price and price_display are mutually exclusive")
	}
	return nil
}

// Lamports resolves the requested price to lamports.
func (r ListRequest) Lamports() (uint64, error) {
	if r.Price != 0 {
		return r.Price, nil
	}
	return ParseLamports(r.PriceDisplay)
}

func (r FaucetRequest) Validate(max uint64) error {
	if r.Address.IsZero() {
		return fmt.Errorf("address is required")
	}
	if r.Lamports == 0 {
		return fmt.Errorf("lamports must be greater than 0")
	}
	if r.Lamports > max {
		return fmt.Errorf("lamports must not exceed %d", max)
	}
	return nil
}
