package authority

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/google/uuid"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

var ErrInvalidSignature = errors.New("invalid co-signature")

// Signer is an identity allowed to authorize ledger mutations. The set of
// implementations is closed: a Cosigner exists only after its ed25519
// signature was verified, a Derived only after Program.Assert re-derived it.
type Signer interface {
	Address() model.Address
	// Scope is the ledger transaction a signer is bound to; uuid.Nil means
	// the signer is not bound to a single transaction.
	Scope() uuid.UUID
	sealed()
}

// Cosigner is a wallet identity that signed the request being executed.
type Cosigner struct {
	addr model.Address
}

func (c Cosigner) Address() model.Address { return c.addr }
func (c Cosigner) Scope() uuid.UUID       { return uuid.Nil }
func (Cosigner) sealed()                  {}

// Derived is the custody authority of one asset, asserted inside one ledger
// transaction.
type Derived struct {
	addr  model.Address
	bump  uint8
	scope uuid.UUID
}

func (d Derived) Address() model.Address { return d.addr }
func (d Derived) Scope() uuid.UUID       { return d.scope }
func (d Derived) Bump() uint8            { return d.bump }
func (Derived) sealed()                  {}

// VerifyCosignature checks sig over message against the public key signer and
// returns the authenticated identity.
func VerifyCosignature(signer model.Address, message, sig []byte) (Cosigner, error) {
	if signer.IsZero() {
		return Cosigner{}, fmt.Errorf("%w: empty signer", ErrInvalidSignature)
	}
	if len(sig) != ed25519.SignatureSize {
		return Cosigner{}, fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(signer[:]), message, sig) {
		return Cosigner{}, fmt.Errorf("%w: verification failed for %s", ErrInvalidSignature, signer)
	}
	return Cosigner{addr: signer}, nil
}

// Keypair is an ed25519 wallet key. Its text form is the base58 encoding of
// the 64-byte private key.
type Keypair struct {
	priv ed25519.PrivateKey
}

func GenerateKeypair() (Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{priv: priv}, nil
}

// MustGenerateKeypair panics when the system RNG fails.
func MustGenerateKeypair() Keypair {
	kp, err := GenerateKeypair()
	if err != nil {
		panic(err)
	}
	return kp
}

func ParseKeypair(s string) (Keypair, error) {
	raw := base58.Decode(s)
	if len(raw) != ed25519.PrivateKeySize {
		return Keypair{}, fmt.Errorf("invalid keypair: decoded length %d", len(raw))
	}
	return Keypair{priv: ed25519.PrivateKey(raw)}, nil
}

func (k Keypair) Address() model.Address {
	var a model.Address
	copy(a[:], k.priv.Public().(ed25519.PublicKey))
	return a
}

func (k Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

func (k Keypair) String() string { return base58.Encode(k.priv) }

// Cosigner proves possession of the private key and returns the resulting
// identity. Used by in-process callers that hold the key themselves.
func (k Keypair) Cosigner() Cosigner {
	msg := []byte("cosign:" + k.Address().String())
	c, err := VerifyCosignature(k.Address(), msg, k.Sign(msg))
	if err != nil {
		panic(err)
	}
	return c
}
