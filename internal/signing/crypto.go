/**
 * @description
 * secp256k1 primitives used by the signature manager and the operator CLI.
 * Signatures travel as 0x-prefixed 65-byte hex in r || s || v order with
 * v in {27, 28}; signer identities are the last 20 bytes of the keccak-256
 * hash of the uncompressed public key.
 *
 * @dependencies
 * - github.com/decred/dcrd/dcrec/secp256k1/v4: Key handling and compact (recoverable) signatures.
 * - golang.org/x/crypto/sha3: Legacy keccak-256.
 */

package signing

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/bloom/payment-intent-service/internal/domain"
)

const signatureLength = 65

// Keccak256 hashes the concatenation of parts.
func Keccak256(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ParseSignature decodes a 65-byte r || s || v signature and normalizes v to 27/28.
func ParseSignature(raw string) ([signatureLength]byte, error) {
	var sig [signatureLength]byte
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return sig, domain.Errorf(domain.ErrInvalidSignatureFormat, "signature is not hex")
	}
	if len(b) != signatureLength {
		return sig, domain.Errorf(domain.ErrInvalidSignatureFormat, "signature must be %d bytes, got %d", signatureLength, len(b))
	}
	copy(sig[:], b)
	switch sig[64] {
	case 0, 1:
		sig[64] += 27
	case 27, 28:
	default:
		return sig, domain.Errorf(domain.ErrInvalidSignatureFormat, "invalid recovery id %d", sig[64])
	}
	return sig, nil
}

// FormatSignature renders a signature as 0x hex.
func FormatSignature(sig [signatureLength]byte) string {
	return "0x" + hex.EncodeToString(sig[:])
}

// SignDigest produces an r || s || v signature over digest.
func SignDigest(key *secp256k1.PrivateKey, digest [32]byte) string {
	compact := ecdsa.SignCompact(key, digest[:], false)
	var sig [signatureLength]byte
	copy(sig[0:64], compact[1:65])
	sig[64] = compact[0]
	return FormatSignature(sig)
}

// RecoverSigner returns the address that produced signature over digest.
func RecoverSigner(digest [32]byte, signature string) (string, error) {
	sig, err := ParseSignature(signature)
	if err != nil {
		return "", err
	}
	compact := make([]byte, signatureLength)
	compact[0] = sig[64]
	copy(compact[1:], sig[0:64])

	pub, _, err := ecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return "", domain.Errorf(domain.ErrInvalidSignatureFormat, "recover signer: %v", err)
	}
	return AddressFromPublicKey(pub), nil
}

// AddressFromPublicKey derives the 20-byte account identifier of pub.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	hash := Keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(hash[12:])
}

// ParsePrivateKey decodes a 32-byte hex private key.
func ParsePrivateKey(raw string) (*secp256k1.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) != 32 {
		return nil, domain.Errorf(domain.ErrInvalidSignatureFormat, "private key must be 32 hex bytes")
	}
	return secp256k1.PrivKeyFromBytes(b), nil
}

// GenerateKey returns a fresh private key and its hex form.
func GenerateKey() (*secp256k1.PrivateKey, string, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, "", err
	}
	return key, "0x" + hex.EncodeToString(key.Serialize()), nil
}

// ParseDigest decodes a 0x hex 32-byte digest.
func ParseDigest(raw string) ([32]byte, error) {
	var d [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil || len(b) != 32 {
		return d, domain.Errorf(domain.ErrSignatureNotFound, "digest must be 32 hex bytes")
	}
	copy(d[:], b)
	return d, nil
}

// FormatDigest renders a digest as 0x hex.
func FormatDigest(d [32]byte) string {
	return "0x" + hex.EncodeToString(d[:])
}
