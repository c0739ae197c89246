package signing

import (
	"encoding/hex"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signForTest signs digest with priv and returns a 65-byte r||s||v hex
// signature in the format VerifyPersonalSign expects.
func signForTest(t *testing.T, priv *secp256k1.PrivateKey, digest []byte) string {
	t.Helper()
	sig, err := ecdsa.SignCompact(priv, digest, false)
	require.NoError(t, err)
	// ecdsa.SignCompact returns [recoveryID+27, r(32), s(32)]; normalize to
	// the r||s||v wire order VerifyPersonalSign decodes.
	out := make([]byte, 65)
	copy(out[0:32], sig[1:33])
	copy(out[32:64], sig[33:65])
	out[64] = sig[0]
	return hex.EncodeToString(out)
}

func addressFromPriv(priv *secp256k1.PrivateKey) string {
	pub := priv.PubKey().SerializeUncompressed()
	hash := Keccak256(pub[1:])
	return "0x" + hex.EncodeToString(hash[len(hash)-20:])
}

func TestVerifyPersonalSign_ValidSignatureRecoversDeclaredAddress(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	address := addressFromPriv(priv)

	message := CanonicalAuthMessage(address, "llama-3-70b", 1_700_000_000)
	digest := PersonalSignDigest(message)
	sigHex := signForTest(t, priv, digest)

	err = VerifyPersonalSign(address, message, sigHex)
	assert.NoError(t, err)
}

func TestVerifyPersonalSign_CaseInsensitiveAddress(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	address := addressFromPriv(priv)

	message := CanonicalAuthMessage(address, "llama-3-70b", 1_700_000_000)
	digest := PersonalSignDigest(message)
	sigHex := signForTest(t, priv, digest)

	err = VerifyPersonalSign(toUpperAddress(address), message, sigHex)
	assert.NoError(t, err)
}

func toUpperAddress(addr string) string {
	out := []byte(addr)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 32
		}
	}
	return string(out)
}

func TestVerifyPersonalSign_WrongAddressFails(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	address := addressFromPriv(priv)

	other, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	otherAddress := addressFromPriv(other)

	message := CanonicalAuthMessage(address, "llama-3-70b", 1_700_000_000)
	digest := PersonalSignDigest(message)
	sigHex := signForTest(t, priv, digest)

	err = VerifyPersonalSign(otherAddress, message, sigHex)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyPersonalSign_TamperedMessageFails(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	address := addressFromPriv(priv)

	message := CanonicalAuthMessage(address, "llama-3-70b", 1_700_000_000)
	digest := PersonalSignDigest(message)
	sigHex := signForTest(t, priv, digest)

	tampered := CanonicalAuthMessage(address, "llama-3-8b", 1_700_000_000)
	err = VerifyPersonalSign(address, tampered, sigHex)
	assert.Error(t, err)
}

func TestVerifyPersonalSign_MalformedSignatureHexErrors(t *testing.T) {
	err := VerifyPersonalSign("0xabc", []byte("hello"), "not-hex")
	require.Error(t, err)
}

func TestVerifyPersonalSign_WrongLengthSignatureErrors(t *testing.T) {
	err := VerifyPersonalSign("0xabc", []byte("hello"), "0xaabbcc")
	require.Error(t, err)
}

func TestCanonicalAuthMessage_LowercasesAddress(t *testing.T) {
	a := CanonicalAuthMessage("0xABCDEF", "model", 5)
	b := CanonicalAuthMessage("0xabcdef", "model", 5)
	assert.Equal(t, a, b)
}

func TestParseUnixTimestamp_RoundTrips(t *testing.T) {
	ts, err := ParseUnixTimestamp("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts)

	_, err = ParseUnixTimestamp("not-a-number")
	assert.Error(t, err)
}

func TestSigner_SignProducesSignatureVerifiableAgainstItsOwnAddress(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	s := &Signer{priv: priv}

	message := []byte(`{"wallet":"0xabc","tokensProcessed":100}`)
	sigHex, err := s.Sign(message)
	require.NoError(t, err)

	err = VerifyPersonalSign(s.Address(), message, sigHex)
	assert.NoError(t, err)
}

func TestNewSigner_AcceptsHexWithOrWithout0xPrefix(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	raw := hex.EncodeToString(priv.Serialize())

	s1, err := NewSigner(raw)
	require.NoError(t, err)
	s2, err := NewSigner("0x" + raw)
	require.NoError(t, err)

	assert.Equal(t, s1.Address(), s2.Address())
}

func TestNewSigner_RejectsMalformedHex(t *testing.T) {
	_, err := NewSigner("not-hex")
	assert.Error(t, err)
}
