package sig

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyPair is an ed25519 identity in wire encoding.
type KeyPair struct {
	ID         string `json:"id"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// GenerateKey creates a fresh identity. The ID is derived from the public
// key, so a new identity verifies under the legacy fallback before it
// ever sets a signing key.
func GenerateKey() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return newKeyPair(pub, priv), nil
}

// KeyFromSeed derives the identity of a 32-byte ed25519 seed. The same
// seed always yields the same identity.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newKeyPair(priv.Public().(ed25519.PublicKey), priv), nil
}

func newKeyPair(pub ed25519.PublicKey, priv ed25519.PrivateKey) *KeyPair {
	return &KeyPair{
		ID:         base64.RawURLEncoding.EncodeToString(pub),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}
}

// IDFromPublicKey returns the identity ID of a standard base64 public key.
func IDFromPublicKey(publicKey string) (string, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

// LegacySigningKey returns the signing key an identity had before signing
// keys were stored: its own ID, which is the URL-safe base64 of its
// original public key, re-encoded as padded standard base64.
//
// It is only used when the identity has no stored signing key.
func LegacySigningKey(id string) string {
	s := strings.NewReplacer("-", "+", "_", "/").Replace(id)
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	return s
}

// ParsePublicKey decodes a standard base64 ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a standard base64 ed25519 private key. Both the
// 64-byte expanded form and the 32-byte seed are accepted.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	default:
		return nil, fmt.Errorf("private key has %d bytes", len(raw))
	}
}

// Sign returns the standard base64 detached signature of message.
func Sign(privateKey, message string) (string, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(message))), nil
}

// Verify reports whether signature is a valid signature of message under
// publicKey. Malformed inputs never verify.
func Verify(publicKey, message, signature string) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(message), raw)
}
