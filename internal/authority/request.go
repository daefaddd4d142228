package authority

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"github.com/Checker-Finance/escrow-market/pkg/model"
)

// RequestMessage is what a wallet signs to authorize one HTTP request:
//
//	METHOD \n PATH \n TIMESTAMP \n hex(sha256(body))
func RequestMessage(method, path, timestamp string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + hex.EncodeToString(sum[:]))
}

// SignRequest returns the base58 signature of RequestMessage.
func (k Keypair) SignRequest(method, path, timestamp string, body []byte) string {
	return base58.Encode(k.Sign(RequestMessage(method, path, timestamp, body)))
}

// VerifyRequest authenticates signer for one request.
func VerifyRequest(signer model.Address, method, path, timestamp string, body []byte, signature string) (Cosigner, error) {
	sig := base58.Decode(signature)
	if len(sig) == 0 {
		return Cosigner{}, fmt.Errorf("%w: signature is not base58", ErrInvalidSignature)
	}
	return VerifyCosignature(signer, RequestMessage(method, path, timestamp, body), sig)
}
