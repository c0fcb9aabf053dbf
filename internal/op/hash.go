package op

import (
	"crypto/sha256"
	"encoding/base64"
)

// Hash computes the content key of a canonical message: SHA-256, encoded
// as unpadded URL-safe base64.
//
// No domain prefix is mixed in. Submitters compute the same value
// client-side and it doubles as the idempotency key, so the format is
// fixed by the protocol.
func Hash(message string) string {
	sum := sha256.Sum256([]byte(message))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ComputeKey derives o's content key from its canonical message.
func ComputeKey(o *Operation) (string, error) {
	msg, err := Message(o)
	if err != nil {
		return "", err
	}
	return Hash(msg), nil
}

// CheckKey verifies that o's declared key equals the hash of its canonical
// message. It fails with CodeInvalidHash on mismatch.
func CheckKey(o *Operation) error {
	computed, err := ComputeKey(o)
	if err != nil {
		return err
	}
	if o.Key != computed {
		return NewHashError(o.Key, computed)
	}
	return nil
}

// MustComputeKey is like ComputeKey but panics on error.
// Use only in tests or when the body is known to be valid.
func MustComputeKey(o *Operation) string {
	key, err := ComputeKey(o)
	if err != nil {
		panic(err)
	}
	return key
}
