// Package graph models the trust graph that operations mutate.
//
// The engine depends only on the Reader and Store interfaces. Memory is
// the reference implementation used by the CLI and by tests; a production
// deployment backs the same interfaces with its graph database.
package graph

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/trustgraph/trustops/internal/op"
)

// ErrNotFound is returned (wrapped) when a user, context, group or link
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrMalformedContextID is returned (wrapped) when a context identifier
// is not spelled the way its context requires.
var ErrMalformedContextID = errors.New("malformed context id")

// Reader is the lookup surface the verifier, rate limiter and ingestion
// handler need.
type Reader interface {
	User(ctx context.Context, id string) (*User, error)
	Context(ctx context.Context, name string) (*Context, error)

	// ContextIDOwner returns the user linked to contextID in the named
	// context.
	ContextIDOwner(ctx context.Context, contextName, contextID string) (string, error)
}

// Mutator applies one verified operation. Every method must be
// deterministic in its arguments; ts is the operation's own timestamp.
// The returned result is recorded with the operation.
type Mutator interface {
	AddConnection(ctx context.Context, b *op.AddConnection, ts int64) (op.Result, error)
	RemoveConnection(ctx context.Context, b *op.RemoveConnection, ts int64) (op.Result, error)
	AddGroup(ctx context.Context, b *op.AddGroup, ts int64) (op.Result, error)
	RemoveGroup(ctx context.Context, b *op.RemoveGroup, ts int64) (op.Result, error)
	AddMembership(ctx context.Context, b *op.AddMembership, ts int64) (op.Result, error)
	RemoveMembership(ctx context.Context, b *op.RemoveMembership, ts int64) (op.Result, error)
	SetTrustedConnections(ctx context.Context, b *op.SetTrustedConnections, ts int64) (op.Result, error)
	SetSigningKey(ctx context.Context, b *op.SetSigningKey, ts int64) (op.Result, error)
	Sponsor(ctx context.Context, b *op.Sponsor, ts int64) (op.Result, error)
	LinkContextID(ctx context.Context, b *op.LinkContextID, ts int64) (op.Result, error)
	Invite(ctx context.Context, b *op.Invite, ts int64) (op.Result, error)
	Dismiss(ctx context.Context, b *op.Dismiss, ts int64) (op.Result, error)
	AddAdmin(ctx context.Context, b *op.AddAdmin, ts int64) (op.Result, error)
}

// Store is a graph that can be both read and mutated.
type Store interface {
	Reader
	Mutator
}

// NormalizeContextID returns the canonical spelling of contextID for c.
// Ethereum-mode contexts require a 20-byte hex address, hex contexts
// require hex; both are lowercased. Other contexts keep the identifier
// as given.
func NormalizeContextID(c *Context, contextID string) (string, error) {
	switch {
	case c.EthName != "":
		if !common.IsHexAddress(contextID) {
			return "", fmt.Errorf("context %s: %q is not an address: %w", c.Name, contextID, ErrMalformedContextID)
		}
		return strings.ToLower(common.HexToAddress(contextID).Hex()), nil
	case c.IDsAsHex:
		lower := strings.ToLower(contextID)
		if _, err := hex.DecodeString(strings.TrimPrefix(lower, "0x")); err != nil {
			return "", fmt.Errorf("context %s: %q is not hex: %w", c.Name, contextID, errors.Join(ErrMalformedContextID, err))
		}
		return lower, nil
	default:
		return contextID, nil
	}
}
