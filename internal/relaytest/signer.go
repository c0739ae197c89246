package relaytest

import (
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mikusnuz/plumise-inference-api/internal/signing"
)

// KeyPair is a throwaway secp256k1 identity for test workers: its Address
// matches what signing.VerifyPersonalSign recovers from a Sign'd message.
// It wraps signing.Signer so tests exercise the same signing path the
// gateway's own operator key uses for usage reporting.
type KeyPair struct {
	*signing.Signer
}

// NewKeyPair generates a fresh keypair.
func NewKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	signer, err := signing.NewSigner(hex.EncodeToString(priv.Serialize()))
	if err != nil {
		return nil, err
	}
	return &KeyPair{Signer: signer}, nil
}
