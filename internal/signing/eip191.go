// Package signing verifies the EIP-191 ("personal_sign") signatures that
// authenticate a Worker Relay back-channel connection (SPEC_FULL.md §4.4).
//
// No example in the retrieved pack performs this kind of verification, so
// this is built directly against two real, already-present-in-the-pack
// dependencies: github.com/decred/dcrd/dcrec/secp256k1/v4 for ECDSA public
// key recovery (the same curve and recovery scheme used across the
// Ethereum ecosystem) and golang.org/x/crypto/sha3 for the Keccak256
// digest EIP-191 specifies.
package signing

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// ErrSignatureInvalid is returned when a signature fails to verify against
// the declared address.
var ErrSignatureInvalid = errors.New("signature does not match declared address")

// Keccak256 returns the Keccak-256 digest of data, as specified by EIP-191
// (note: this is the original Keccak padding, not NIST SHA3-256).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PersonalSignDigest builds the EIP-191 "\x19Ethereum Signed Message:\n"
// digest for message, ready to be passed to VerifyPersonalSign alongside a
// signature.
func PersonalSignDigest(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return Keccak256([]byte(prefix), message)
}

// CanonicalAuthMessage builds the canonical serialization of the worker
// auth handshake fields `{address, model, timestamp}` that the signature in
// SPEC_FULL.md §4.4 is computed over. Address is lowercased so a worker's
// signature is independent of checksum casing; timestamp is the decimal
// Unix-seconds form.
func CanonicalAuthMessage(address, model string, timestampUnix int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", strings.ToLower(address), model, timestampUnix))
}

// VerifyPersonalSign verifies that signatureHex (a 65-byte r||s||v hex
// string, with or without a leading "0x") is a valid EIP-191 personal-sign
// signature over message, recoverable to expectedAddress (a 20-byte hex
// "0x..." address, case-insensitive).
func VerifyPersonalSign(expectedAddress string, message []byte, signatureHex string) error {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	digest := PersonalSignDigest(message)

	recovered, err := recoverAddress(digest, sig)
	if err != nil {
		return fmt.Errorf("recover public key: %w", err)
	}

	if !strings.EqualFold(recovered, expectedAddress) {
		return ErrSignatureInvalid
	}
	return nil
}

type signatureBytes struct {
	r, s [32]byte
	v    byte
}

func decodeSignature(signatureHex string) (signatureBytes, error) {
	h := strings.TrimPrefix(signatureHex, "0x")
	raw, err := hex.DecodeString(h)
	if err != nil {
		return signatureBytes{}, err
	}
	if len(raw) != 65 {
		return signatureBytes{}, fmt.Errorf("expected 65-byte signature, got %d", len(raw))
	}
	var out signatureBytes
	copy(out.r[:], raw[0:32])
	copy(out.s[:], raw[32:64])
	out.v = raw[64]
	// Ethereum signatures encode recovery id as 27/28 (legacy) or 0/1.
	if out.v >= 27 {
		out.v -= 27
	}
	return out, nil
}

// recoverAddress recovers the Ethereum-style address (lowercase
// "0x"+40-hex-digit Keccak256(pubkey)[12:]) that produced sig over digest.
func recoverAddress(digest []byte, sig signatureBytes) (string, error) {
	compact := make([]byte, 65)
	compact[0] = sig.v + 27
	copy(compact[1:33], sig.r[:])
	copy(compact[33:65], sig.s[:])

	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return "", err
	}

	// Uncompressed public key, drop the 0x04 prefix before hashing, per
	// the standard Ethereum address derivation.
	uncompressed := pub.SerializeUncompressed()
	hash := Keccak256(uncompressed[1:])
	addr := hash[len(hash)-20:]
	return "0x" + hex.EncodeToString(addr), nil
}

// ParseUnixTimestamp parses a decimal Unix-seconds timestamp string, as
// carried in the auth frame's `timestamp` field.
func ParseUnixTimestamp(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// Signer holds a secp256k1 private key for the gateway's own operator
// identity, used to EIP-191-sign outbound usage reports to the Oracle
// (SPEC_FULL.md §6 `POST {oracle}/api/metrics`'s `signature` field) — the
// gateway attests the report itself rather than forwarding a per-worker
// signature, since worker private keys never leave the worker process.
type Signer struct {
	priv *secp256k1.PrivateKey
}

// NewSigner loads a Signer from a hex-encoded secp256k1 private key (with
// or without a leading "0x"), as configured via the gateway's operator-key
// setting.
func NewSigner(privateKeyHex string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &Signer{priv: priv}, nil
}

// Address returns the Ethereum-style address derived from the signer's
// public key.
func (s *Signer) Address() string {
	pub := s.priv.PubKey().SerializeUncompressed()
	hash := Keccak256(pub[1:])
	return "0x" + hex.EncodeToString(hash[len(hash)-20:])
}

// Sign produces the hex-encoded 65-byte r||s||v EIP-191 personal-sign
// signature over message.
func (s *Signer) Sign(message []byte) (string, error) {
	digest := PersonalSignDigest(message)
	sig, err := ecdsa.SignCompact(s.priv, digest, false)
	if err != nil {
		return "", err
	}
	out := make([]byte, 65)
	copy(out[0:32], sig[1:33])
	copy(out[32:64], sig[33:65])
	out[64] = sig[0]
	return hex.EncodeToString(out), nil
}
