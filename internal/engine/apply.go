package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/store"
)

// Apply runs the apply handler on o and returns the record as persisted.
//
//  1. The key is claimed in the existence index. If it was already
//     claimed the operation is recorded as duplicate and nothing else
//     runs.
//  2. A Link ContextId naming an unknown context is recorded as ignored,
//     with its result carried through.
//  3. A Link ContextId naming a known context is decrypted.
//  4. Key and signatures are verified.
//  5. The mutation is applied to the graph.
//  6. A Link ContextId is sealed again, whatever the outcome.
//  7. The terminal record is persisted.
//
// Verification and mutation failures, including panics, are recorded as
// failed with the cause in the result; they are not returned. The only
// error returned is a store or graph failure (CodeUnavailable).
//
// If evaluation is interrupted before the graph changed, the claim is
// released and nothing is recorded, so the same operation can be applied
// again. Once the evaluation has finished, the terminal record is written
// even if ctx is cancelled. Should that write fail, the claim is kept: the
// record stays init and is never evaluated a second time.
//
// in is not modified.
func (e *Engine) Apply(ctx context.Context, in *op.Operation) (*op.Operation, error) {
	if in == nil || in.Body == nil || in.Key == "" {
		return nil, op.NewError(op.CodeInvalidOperation, "operation has no key or body")
	}
	o := in.Clone()
	log := e.logger.With("trace_id", e.traces.Generate(), "key", o.Key, "name", o.Name())

	claimed, err := e.claim(ctx, o.Key)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if err := e.recordDuplicate(ctx, o); err != nil {
			return nil, err
		}
		o.State = op.StateDuplicate
		log.Info("operation finished", "state", o.State)
		return o, nil
	}

	if err := e.evaluate(ctx, o); err != nil {
		e.release(ctx, o.Key, log)
		log.Error("operation evaluation interrupted", "error", err)
		return nil, err
	}

	// The outcome is final from here on.
	fctx := context.WithoutCancel(ctx)
	e.sealForStorage(fctx, o, log)

	if err := e.persist(fctx, o, log); err != nil {
		log.Error("terminal record not written; key stays claimed", "error", err)
		return nil, err
	}

	logOutcome(log, o)
	return o, nil
}

// ApplyPending applies up to limit init records, oldest first, and
// returns their outcomes. A non-positive limit drains every pending
// record. It stops at the first store failure.
func (e *Engine) ApplyPending(ctx context.Context, limit int) ([]*op.Operation, error) {
	sctx, cancel := e.storeContext(ctx)
	pending, err := e.store.ListPending(sctx, limit)
	cancel()
	if err != nil {
		return nil, unavailable(err, "list pending operations")
	}

	out := make([]*op.Operation, 0, len(pending))
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		applied, err := e.Apply(ctx, rec.Operation)
		if err != nil {
			return out, err
		}
		out = append(out, applied)
	}
	return out, nil
}

// evaluate sets o's terminal state and result. It returns an error only
// when evaluation could not complete and must be retried.
func (e *Engine) evaluate(ctx context.Context, o *op.Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(o, &panicError{value: r, stack: debug.Stack()})
			err = nil
		}
	}()

	if link, ok := o.Body.(*op.LinkContextID); ok {
		c, err := e.graph.Context(ctx, link.Context)
		if errors.Is(err, graph.ErrNotFound) {
			o.State = op.StateIgnored
			return nil
		}
		if err != nil {
			return unavailable(err, "look up context %s", link.Context)
		}
		if c.SecretKey == "" {
			e.fail(o, op.NewError(op.CodeInvalidContext, "context %s has no secret key", link.Context))
			return nil
		}
		if err := e.sealer.Decrypt(ctx, o); err != nil {
			return e.failOrRetry(o, err)
		}
	}

	if err := op.CheckKey(o); err != nil {
		return e.failOrRetry(o, err)
	}
	if err := e.verifier.VerifyOperation(ctx, o); err != nil {
		return e.failOrRetry(o, err)
	}

	gctx, cancel := e.storeContext(ctx)
	defer cancel()
	result, err := applyMutation(gctx, e.graph, o)
	if err != nil {
		return e.failOrRetry(o, err)
	}
	o.State = op.StateApplied
	o.Result = result
	return nil
}

// failOrRetry records err as the failure of o, unless it is transient.
func (e *Engine) failOrRetry(o *op.Operation, err error) error {
	if op.IsCode(err, op.CodeUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		if op.CodeOf(err) == "" {
			return unavailable(err, "evaluate operation")
		}
		return err
	}
	e.fail(o, err)
	return nil
}

func (e *Engine) fail(o *op.Operation, err error) {
	o.State = op.StateFailed
	o.Result = op.FailureResult(err)
	if _, ok := o.Body.(*op.LinkContextID); ok {
		// The cause may quote the identifiers that are about to be sealed.
		o.Result["error"] = "link contextId failed"
	}
	var p *panicError
	if errors.As(err, &p) {
		o.Result["stack"] = string(p.stack)
	}
}

// sealForStorage seals a plaintext Link ContextId payload. If it cannot
// be sealed (its context is unknown) the plaintext pair is dropped, so it
// is never persisted.
func (e *Engine) sealForStorage(ctx context.Context, o *op.Operation, log *slog.Logger) {
	link, ok := o.Body.(*op.LinkContextID)
	if !ok || link.IsEncrypted() {
		return
	}
	if err := e.sealer.Encrypt(ctx, o); err != nil {
		log.Warn("link payload dropped from record", "error", err)
		link.ID = ""
		link.ContextID = ""
	}
}

func (e *Engine) claim(ctx context.Context, key string) (bool, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	claimed, err := e.store.ClaimHash(sctx, key)
	if err != nil {
		return false, unavailable(err, "claim operation key")
	}
	return claimed, nil
}

func (e *Engine) release(ctx context.Context, key string, log *slog.Logger) {
	// The caller's context may be the reason evaluation stopped.
	sctx, cancel := e.storeContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := e.store.ReleaseHash(sctx, key); err != nil {
		log.Error("release operation key", "error", err)
	}
}

func (e *Engine) recordDuplicate(ctx context.Context, o *op.Operation) error {
	dup := o.Clone()
	e.sealForStorage(ctx, dup, e.logger)

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	if err := e.store.RecordDuplicate(sctx, dup, e.seq.Next()); err != nil {
		return unavailable(err, "record duplicate")
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, o *op.Operation, log *slog.Logger) error {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	written, err := e.store.SaveOperation(sctx, store.Record{Operation: o, Seq: e.seq.Next()})
	if op.IsCode(err, op.CodeInvalidOperation) {
		// The record cannot be encoded; retrying will not help.
		return err
	}
	if err != nil {
		return unavailable(err, "persist operation")
	}
	if !written {
		log.Debug("terminal record already present")
	}
	return nil
}

func logOutcome(log *slog.Logger, o *op.Operation) {
	if o.State == op.StateFailed {
		log.Warn("operation finished",
			"state", o.State,
			"code", o.Result["code"],
			"error", o.Result["error"],
		)
		return
	}
	log.Info("operation finished", "state", o.State)
}

// panicError is a panic recovered while evaluating an operation.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}
