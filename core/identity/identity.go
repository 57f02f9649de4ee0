// Package identity holds machine key material and the signing primitives
// used by completion proofs. It owns no business logic.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Keypair is an ed25519 signing identity. The private half never leaves the
// machine process; the service only ever sees the public key.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh keypair. It only fails when the system entropy
// source fails, which callers should treat as fatal.
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// FromSecret rebuilds a keypair from a base58 secret. Both the 32-byte seed
// form and the 64-byte expanded form are accepted.
func FromSecret(secretB58 string) (Keypair, error) {
	raw := base58.Decode(strings.TrimSpace(secretB58))
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	default:
		return Keypair{}, fmt.Errorf("invalid secret key length %d", len(raw))
	}
	return Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicKeyBase58 returns the verification key in the wire encoding.
func (k Keypair) PublicKeyBase58() string {
	return base58.Encode(k.Public)
}

// SecretBase58 returns the 32-byte seed in base58.
func (k Keypair) SecretBase58() string {
	return base58.Encode(k.Private.Seed())
}

// Sign returns a deterministic ed25519 signature over message.
func Sign(message []byte, priv ed25519.PrivateKey) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether signature is valid for message under pub.
// Malformed keys or signatures yield false, never a panic.
func Verify(message, signature []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// VerifyBase58 is Verify over base58 encoded key and signature.
func VerifyBase58(message, signatureB58, publicKeyB58 string) bool {
	pub, err := DecodePublicKey(publicKeyB58)
	if err != nil {
		return false
	}
	sig := base58.Decode(strings.TrimSpace(signatureB58))
	return Verify([]byte(message), sig, pub)
}

// DecodePublicKey parses a base58 ed25519 verification key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw := base58.Decode(strings.TrimSpace(s))
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// EncodeSignature base58-encodes a signature.
func EncodeSignature(sig []byte) string {
	return base58.Encode(sig)
}

// CanonicalMessage is the exact byte string a completion proof signs.
func CanonicalMessage(jobHash, recipientWallet, timestamp string) string {
	return jobHash + "|" + recipientWallet + "|" + timestamp
}

// SignProof signs the canonical message for a completion and returns the
// timestamp string that was signed together with the base58 signature.
func (k Keypair) SignProof(jobHash, recipientWallet string, at time.Time) (timestamp, signature string) {
	timestamp = FormatTimestamp(at)
	sig := Sign([]byte(CanonicalMessage(jobHash, recipientWallet, timestamp)), k.Private)
	return timestamp, EncodeSignature(sig)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// FormatTimestamp renders t the way proofs carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp accepts RFC 3339 timestamps and zone-less ISO-8601
// timestamps, which are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized proof timestamp %q", s)
}
