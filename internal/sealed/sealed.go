// Package sealed hides the identity pair of Link ContextId operations
// while they are stored.
//
// The user ID and the external context identifier are sealed together
// under a key derived from the context's secret, so the persisted record
// cannot be used to correlate a user with their identity in the context.
// The secret never leaves the node.
package sealed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
)

// KeySize is the size of a derived link key.
const KeySize = 32

// BlobVersion is the first byte of every sealed payload. It is part of
// the AAD, so a changed version byte fails authentication.
const BlobVersion byte = 0x01

var hkdfInfoLink = []byte("trustops.link.v1")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sealed: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sealed: CBOR decoder initialization failed: " + err.Error())
	}
}

// payload is the plaintext sealed into the encrypted field.
type payload struct {
	ID        string `cbor:"id"`
	ContextID string `cbor:"contextId"`
}

// Transform seals and unseals Link ContextId operations using keys from
// the contexts in the graph.
type Transform struct {
	graph graph.Reader
	rand  io.Reader
}

// NewTransform returns a Transform looking up contexts in r.
func NewTransform(r graph.Reader) *Transform {
	return &Transform{graph: r, rand: rand.Reader}
}

// Encrypt replaces the plaintext id and contextId of a Link ContextId
// operation with the sealed payload. Other operations, and links that are
// already sealed, are left unchanged.
func (t *Transform) Encrypt(ctx context.Context, o *op.Operation) error {
	link, ok := o.Body.(*op.LinkContextID)
	if !ok || link.IsEncrypted() {
		return nil
	}
	key, err := t.key(ctx, link.Context)
	if err != nil {
		return err
	}

	plaintext, err := encMode.Marshal(payload{ID: link.ID, ContextID: link.ContextID})
	if err != nil {
		return fmt.Errorf("encode link payload: %w", err)
	}
	blob, err := seal(key, plaintext, link.Context, t.rand)
	if err != nil {
		return err
	}

	link.Encrypted = base64.StdEncoding.EncodeToString(blob)
	link.ID = ""
	link.ContextID = ""
	return nil
}

// Decrypt restores the plaintext id and contextId and removes the sealed
// field. Other operations, and links that are not sealed, are left
// unchanged.
func (t *Transform) Decrypt(ctx context.Context, o *op.Operation) error {
	link, ok := o.Body.(*op.LinkContextID)
	if !ok || !link.IsEncrypted() {
		return nil
	}
	key, err := t.key(ctx, link.Context)
	if err != nil {
		return err
	}

	blob, err := base64.StdEncoding.DecodeString(link.Encrypted)
	if err != nil {
		return op.WrapError(op.CodeInvalidOperation, err, "encrypted link is not base64")
	}
	plaintext, err := open(key, blob, link.Context)
	if err != nil {
		return op.WrapError(op.CodeInvalidOperation, err, "open encrypted link")
	}

	var p payload
	if err := decMode.Unmarshal(plaintext, &p); err != nil {
		return op.WrapError(op.CodeInvalidOperation, err, "decode link payload")
	}
	link.ID = p.ID
	link.ContextID = p.ContextID
	link.Encrypted = ""
	return nil
}

// key derives the link key of the named context.
func (t *Transform) key(ctx context.Context, name string) ([]byte, error) {
	c, err := t.graph.Context(ctx, name)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, op.NewError(op.CodeInvalidContext, "context %s not found", name)
	}
	if err != nil {
		return nil, op.WrapError(op.CodeUnavailable, err, "look up context %s", name)
	}
	if c.SecretKey == "" {
		return nil, op.NewError(op.CodeInvalidContext, "context %s has no secret key", name)
	}
	return DeriveKey([]byte(c.SecretKey), name)
}

// DeriveKey derives the link key of a context from its secret with
// HKDF-SHA256. The context name is part of the info string, so two
// contexts sharing a secret still get distinct keys.
func DeriveKey(secret []byte, contextName string) ([]byte, error) {
	info := make([]byte, 0, len(hkdfInfoLink)+len(contextName))
	info = append(info, hkdfInfoLink...)
	info = append(info, contextName...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive link key: %w", err)
	}
	return key, nil
}

// seal produces [version | nonce(24) | ciphertext+tag]. The AAD binds the
// blob to its version and context so a sealed link cannot be replayed
// under another context.
func seal(key, plaintext []byte, contextName string, rnd io.Reader) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rnd, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = BlobVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, aad(BlobVersion, contextName)), nil
}

func open(key, blob []byte, contextName string) ([]byte, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("blob too short: %d bytes", len(blob))
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("unsupported blob version %#x", blob[0])
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ciphertext, aad(blob[0], contextName))
}

func aad(version byte, contextName string) []byte {
	out := make([]byte, 0, 1+len(contextName))
	out = append(out, version)
	return append(out, contextName...)
}
