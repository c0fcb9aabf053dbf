package engine

import (
	"context"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
)

// applyMutation dispatches a verified operation to its graph mutation.
// The operation's own timestamp is the only time a mutation sees.
func applyMutation(ctx context.Context, g graph.Mutator, o *op.Operation) (op.Result, error) {
	ts := o.Timestamp
	switch b := o.Body.(type) {
	case *op.AddConnection:
		return g.AddConnection(ctx, b, ts)
	case *op.RemoveConnection:
		return g.RemoveConnection(ctx, b, ts)
	case *op.AddGroup:
		return g.AddGroup(ctx, b, ts)
	case *op.RemoveGroup:
		return g.RemoveGroup(ctx, b, ts)
	case *op.AddMembership:
		return g.AddMembership(ctx, b, ts)
	case *op.RemoveMembership:
		return g.RemoveMembership(ctx, b, ts)
	case *op.SetTrustedConnections:
		return g.SetTrustedConnections(ctx, b, ts)
	case *op.SetSigningKey:
		return g.SetSigningKey(ctx, b, ts)
	case *op.Sponsor:
		return g.Sponsor(ctx, b, ts)
	case *op.LinkContextID:
		return g.LinkContextID(ctx, b, ts)
	case *op.Invite:
		return g.Invite(ctx, b, ts)
	case *op.Dismiss:
		return g.Dismiss(ctx, b, ts)
	case *op.AddAdmin:
		return g.AddAdmin(ctx, b, ts)
	default:
		return nil, op.NewError(op.CodeInvalidOperation, "unknown operation %q", o.Name())
	}
}
