package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/sig"
	"github.com/trustgraph/trustops/internal/store"
)

// Receipt acknowledges an operation admitted by Submit.
type Receipt struct {
	// Key is the content key the operation is stored under.
	Key string `json:"key"`

	// SubmittedKey is the key the client declared, set only when the node
	// rewrote the operation and Key differs from it.
	SubmittedKey string `json:"submittedKey,omitempty"`

	State   op.State `json:"state"`
	TraceID string   `json:"traceId"`
}

// Submit runs the ingestion handler. The operation is checked in this
// order, and the first failing check rejects it without persisting
// anything:
//
//  1. protocol version
//  2. timestamp no later than now plus the fudge window
//  3. declared key equals the hash of the canonical message
//  4. key not already stored or claimed (CodeDuplicate)
//  5. signatures
//  6. admission control (CodeRateLimited)
//
// An admitted operation is then preprocessed: a Sponsor naming a context
// identifier is rewritten to name the linked user and re-signed with the
// context's sponsor key, which changes its key; a Link ContextId payload
// is sealed. The encoded record must fit MaxOperationSize. It is stored
// in state init.
//
// in is not modified.
func (e *Engine) Submit(ctx context.Context, in *op.Operation) (*Receipt, error) {
	traceID := e.traces.Generate()
	if in == nil {
		return nil, op.NewError(op.CodeInvalidOperation, "operation is empty")
	}
	o := in.Clone()
	o.State = ""
	o.Result = nil

	log := e.logger.With("trace_id", traceID, "name", o.Name(), "key", o.Key)

	receipt, err := e.submit(ctx, o)
	if err != nil {
		err = op.WithKey(err, in.Key)
		logRejection(log, err)
		return nil, err
	}
	receipt.TraceID = traceID

	log.Info("operation admitted",
		"state", receipt.State,
		"stored_key", receipt.Key,
	)
	return receipt, nil
}

func (e *Engine) submit(ctx context.Context, o *op.Operation) (*Receipt, error) {
	if o.Body == nil {
		return nil, op.NewError(op.CodeInvalidOperation, "operation has no body")
	}
	if o.Version != e.settings.Version {
		return nil, op.NewError(op.CodeInvalidOperation, "unsupported version %d (want %d)", o.Version, e.settings.Version)
	}

	limit := e.clock.Now().UnixMilli() + e.settings.TimestampFudge.Milliseconds()
	if o.Timestamp > limit {
		return nil, op.NewTimestampError(o.Timestamp, limit)
	}

	if err := op.CheckKey(o); err != nil {
		return nil, err
	}
	if err := e.rejectKnown(ctx, o.Key); err != nil {
		return nil, err
	}

	if err := e.verifier.VerifyOperation(ctx, o); err != nil {
		return nil, err
	}

	senders, err := op.Senders(o)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Admit(ctx, e.graph, senders); err != nil {
		return nil, err
	}

	submittedKey := o.Key
	if err := e.rewriteSponsor(ctx, o); err != nil {
		return nil, err
	}
	if o.Key != submittedKey {
		if err := e.rejectKnown(ctx, o.Key); err != nil {
			return nil, err
		}
	}

	if err := e.sealer.Encrypt(ctx, o); err != nil {
		return nil, err
	}

	o.State = op.StateInit
	data, err := op.EncodeRecord(o)
	if err != nil {
		return nil, err
	}
	if maxSize := e.settings.MaxOperationSize; maxSize > 0 && len(data) > maxSize {
		return nil, &op.Error{
			Code:    op.CodeOperationTooLarge,
			Message: "operation record is too large",
			Details: map[string]string{
				"size": strconv.Itoa(len(data)),
				"max":  strconv.Itoa(maxSize),
			},
		}
	}

	rec := store.Record{Operation: o, Seq: e.seq.Next()}
	if o.Key != submittedKey {
		rec.SubmittedKey = submittedKey
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	written, err := e.store.SaveOperation(sctx, rec)
	if err != nil {
		return nil, unavailable(err, "persist operation")
	}
	if !written {
		// Lost a race with a concurrent submission of the same operation.
		return nil, op.NewError(op.CodeDuplicate, "operation already recorded")
	}

	return &Receipt{
		Key:          o.Key,
		SubmittedKey: rec.SubmittedKey,
		State:        op.StateInit,
	}, nil
}

// rejectKnown fails with CodeDuplicate if key is stored or claimed.
func (e *Engine) rejectKnown(ctx context.Context, key string) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	exists, err := e.store.HashExists(sctx, key)
	if err != nil {
		return unavailable(err, "duplicate check")
	}
	if exists {
		return op.NewError(op.CodeDuplicate, "operation already recorded")
	}
	return nil
}

// rewriteSponsor resolves a Sponsor that names a context identifier to
// the user linked to it. The operation is re-signed with the context's
// sponsor key and re-keyed, so the stored operation verifies on its own.
// Sponsors naming a user directly are left unchanged.
func (e *Engine) rewriteSponsor(ctx context.Context, o *op.Operation) error {
	b, ok := o.Body.(*op.Sponsor)
	if !ok || b.ID != "" {
		return nil
	}

	c, err := e.graph.Context(ctx, b.Context)
	if errors.Is(err, graph.ErrNotFound) {
		return op.NewError(op.CodeInvalidContext, "context %s not found", b.Context)
	}
	if err != nil {
		return unavailable(err, "look up context %s", b.Context)
	}
	if c.SponsorPrivateKey == "" {
		return op.NewError(op.CodeInvalidContext, "context %s cannot sign sponsorships", b.Context)
	}

	owner, err := e.graph.ContextIDOwner(ctx, b.Context, b.ContextID)
	switch {
	case errors.Is(err, graph.ErrMalformedContextID):
		return op.WrapError(op.CodeInvalidOperation, err, "sponsor context id")
	case errors.Is(err, graph.ErrNotFound):
		return op.WrapError(op.CodeUnlinkedContextID, err, "context id is not linked in %s", b.Context)
	case err != nil:
		return unavailable(err, "resolve context id in %s", b.Context)
	}

	b.ID = owner
	b.ContextID = ""
	msg, err := op.Message(o)
	if err != nil {
		return err
	}
	signature, err := sig.Sign(c.SponsorPrivateKey, msg)
	if err != nil {
		return op.WrapError(op.CodeInvalidContext, err, "sign sponsorship for %s", b.Context)
	}
	b.Sig = signature
	o.Key = op.Hash(msg)
	return nil
}

func logRejection(log *slog.Logger, err error) {
	code := op.CodeOf(err)
	switch code {
	case op.CodeDuplicate:
		log.Info("duplicate operation rejected")
	case op.CodeRateLimited:
		log.Warn("operation rate limited", "error", err)
	default:
		log.Warn("operation rejected", "code", code, "error", err)
	}
}
