// Package authority computes key-less program addresses and the signer
// capabilities that may authorize ledger mutations.
//
// A program address is SHA-256(seeds ‖ bump ‖ program ‖ "ProgramDerivedAddress")
// for the highest bump whose digest is not a point on the ed25519 curve, so
// no private key can ever exist for it. The escrow custody authority of an
// asset is the program address of the seeds ("sale", mint).
package authority

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/google/uuid"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

// SaleSeed is the fixed domain tag of sale records and their custody authority.
var SaleSeed = []byte("sale")

// Well-known program identifiers used for custody slot derivation. Slot
// addresses follow the associated-token-account scheme so they can be
// recomputed by anyone from (owner, mint).
const (
	TokenProgram   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	CustodyProgram = "ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL"
	DefaultMarket  = "2CA7hmQQFyQoPcFoCMd1pCzZDxth6pnx7ehNLavKKaim"
)

var (
	TokenProgramID   = programID(TokenProgram)
	CustodyProgramID = programID(CustodyProgram)
	DefaultMarketID  = programID(DefaultMarket)
)

// programID decodes a well-known id. A malformed constant yields the zero
// address, which every derivation rejects.
func programID(s string) model.Address {
	a, err := model.ParseAddress(s)
	if err != nil {
		return model.ZeroAddress
	}
	return a
}

var (
	ErrNoViableBump      = errors.New("no viable bump for program address")
	ErrAuthorityMismatch = errors.New("derived authority mismatch")

	errNilProgramID   = errors.New("program id is zero")
	errTooManySeeds   = fmt.Errorf("more than %d seeds", MaxSeeds)
	errSeedTooLong    = fmt.Errorf("seed longer than %d bytes", MaxSeedLength)
	errOnCurveAddress = errors.New("derived address lies on the ed25519 curve")
)

// IsOnCurve reports whether b decodes to an ed25519 point, i.e. whether a
// private key could exist for it.
func IsOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds (the bump, when used, is the last seed)
// under program and rejects digests that land on the curve.
func CreateProgramAddress(seeds [][]byte, program model.Address) (model.Address, error) {
	if program.IsZero() {
		return model.ZeroAddress, errNilProgramID
	}
	if len(seeds) > MaxSeeds {
		return model.ZeroAddress, errTooManySeeds
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLength {
			return model.ZeroAddress, errSeedTooLong
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))

	var addr model.Address
	copy(addr[:], h.Sum(nil))
	if IsOnCurve(addr[:]) {
		return model.ZeroAddress, errOnCurveAddress
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 down and returns the first
// off-curve address with its (canonical) bump.
func FindProgramAddress(seeds [][]byte, program model.Address) (model.Address, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, errOnCurveAddress) {
			return model.ZeroAddress, 0, err
		}
	}
	return model.ZeroAddress, 0, ErrNoViableBump
}

// CustodySlot returns the slot address bound to (owner, mint). Owner may be
// a wallet or a derived authority.
func CustodySlot(owner, mint model.Address) (model.Address, error) {
	addr, _, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, CustodyProgramID)
	if err != nil {
		return model.ZeroAddress, fmt.Errorf("custody slot: %w", err)
	}
	return addr, nil
}

// Program is the marketplace program whose id scopes every sale authority.
type Program struct {
	id model.Address
}

func NewProgram(id model.Address) *Program {
	return &Program{id: id}
}

func (p *Program) ID() model.Address { return p.id }

// SaleAuthority returns the derived custody authority of asset and its bump.
// The same address keys the asset's sale record.
func (p *Program) SaleAuthority(asset model.Address) (model.Address, uint8, error) {
	addr, bump, err := FindProgramAddress([][]byte{SaleSeed, asset[:]}, p.id)
	if err != nil {
		return model.ZeroAddress, 0, fmt.Errorf("sale authority for %s: %w", asset, err)
	}
	return addr, bump, nil
}

// Assert re-derives the sale authority of asset with the supplied bump and,
// when it matches claimed and the canonical bump, returns a signer valid only
// inside the ledger transaction identified by scope.
func (p *Program) Assert(scope uuid.UUID, asset, claimed model.Address, bump uint8) (Derived, error) {
	if scope == uuid.Nil {
		return Derived{}, fmt.Errorf("%w: missing transaction scope", ErrAuthorityMismatch)
	}
	addr, canonicalBump, err := p.SaleAuthority(asset)
	if err != nil {
		return Derived{}, err
	}
	if bump != canonicalBump {
		return Derived{}, fmt.Errorf("%w: bump %d is not canonical", ErrAuthorityMismatch, bump)
	}
	if addr != claimed {
		return Derived{}, fmt.Errorf("%w: claimed %s, derived %s", ErrAuthorityMismatch, claimed, addr)
	}
	return Derived{addr: addr, bump: bump, scope: scope}, nil
}
