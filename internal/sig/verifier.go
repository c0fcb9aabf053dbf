// Package sig verifies operation signatures against user signing keys and
// context sponsor keys.
package sig

import (
	"context"
	"errors"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
)

// Verifier checks signatures using keys looked up from the graph.
type Verifier struct {
	graph graph.Reader
}

// NewVerifier returns a Verifier reading keys from r.
func NewVerifier(r graph.Reader) *Verifier {
	return &Verifier{graph: r}
}

// VerifyUser checks signature against the user's signing keys. Any one
// stored key verifying is enough. A user that does not exist yet, or has
// no stored key, is checked against LegacySigningKey(id).
func (v *Verifier) VerifyUser(ctx context.Context, message, id, signature string) error {
	keys, err := v.userKeys(ctx, id)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if Verify(k, message, signature) {
			return nil
		}
	}
	return op.NewError(op.CodeInvalidSignature, "invalid signature of %s", id)
}

func (v *Verifier) userKeys(ctx context.Context, id string) ([]string, error) {
	u, err := v.graph.User(ctx, id)
	switch {
	case errors.Is(err, graph.ErrNotFound):
		return []string{LegacySigningKey(id)}, nil
	case err != nil:
		return nil, op.WrapError(op.CodeUnavailable, err, "look up user %s", id)
	case len(u.SigningKeys) == 0:
		return []string{LegacySigningKey(id)}, nil
	default:
		return u.SigningKeys, nil
	}
}

// VerifyContext checks signature against the context's sponsor public key.
func (v *Verifier) VerifyContext(ctx context.Context, message, contextName, signature string) error {
	c, err := v.graph.Context(ctx, contextName)
	if errors.Is(err, graph.ErrNotFound) {
		return op.NewError(op.CodeInvalidContext, "context %s not found", contextName)
	}
	if err != nil {
		return op.WrapError(op.CodeUnavailable, err, "look up context %s", contextName)
	}
	if c.SponsorPublicKey == "" {
		return op.NewError(op.CodeInvalidContext, "context %s has no sponsor key", contextName)
	}
	if !Verify(c.SponsorPublicKey, message, signature) {
		return op.NewError(op.CodeInvalidSignature, "invalid sponsor signature of %s", contextName)
	}
	return nil
}

// VerifyOperation builds o's message and checks every required signature.
// Dual-signed operations fail if either signature fails. Link ContextId
// operations must be decrypted first.
func (v *Verifier) VerifyOperation(ctx context.Context, o *op.Operation) error {
	msg, err := op.Message(o)
	if err != nil {
		return err
	}
	signers, err := op.Signers(o)
	if err != nil {
		return err
	}
	for _, s := range signers {
		if s.Signature == "" {
			return op.WithKey(op.NewError(op.CodeInvalidSignature, "missing %s", s.Field), o.Key)
		}
		switch s.Kind {
		case op.SignerContext:
			err = v.VerifyContext(ctx, msg, s.ID, s.Signature)
		default:
			err = v.VerifyUser(ctx, msg, s.ID, s.Signature)
		}
		if err != nil {
			return op.WithKey(err, o.Key)
		}
	}
	return nil
}
