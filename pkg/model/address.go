package model

import (
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// AddressLength is the byte length of every identity, mint and slot address.
const AddressLength = 32

// Address identifies an account: a wallet public key, a mint, a custody slot
// or a derived authority. Its text form is base58.
type Address [AddressLength]byte

// ZeroAddress is never a valid account.
var ZeroAddress Address

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return ZeroAddress, fmt.Errorf("empty address")
	}
	raw := base58.Decode(s)
	if len(raw) != AddressLength {
		return ZeroAddress, fmt.Errorf("invalid address %q: decoded length %d, want %d", s, len(raw), AddressLength)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes copies a 32-byte slice into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return ZeroAddress, fmt.Errorf("invalid address length %d", len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string { return base58.Encode(a[:]) }

func (a Address) Bytes() []byte { return a[:] }

func (a Address) IsZero() bool { return a == ZeroAddress }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
