// Package engine evaluates signed operations and applies them to the trust
// graph.
//
// # Two handlers
//
// Submit is the ingestion boundary. It rejects anything that is not
// authentic, fresh, new and admitted, and stores what passes in state
// init. Rejections are returned to the submitter and nothing is stored.
//
// Apply runs after upstream consensus. It evaluates each operation exactly
// once and stores one of applied, failed, ignored or duplicate. Failures
// are outcomes, not errors: they are recorded in the operation's result.
//
// # At most once
//
// Apply claims the operation key with a single INSERT ... ON CONFLICT DO
// NOTHING before doing anything else. Only the winner of the claim
// evaluates; every other evaluation of the same key is recorded as
// duplicate. A store failure after the claim releases it, so the
// operation can be fed again. A crash after the claim leaves the init
// record claimed; ApplyPending does not offer it again, so it is never
// applied twice.
//
// # Ordering
//
// Every persisted record is stamped with a seq from the engine's logical
// Clock, resumed from the store on start. Pending records are applied in
// seq order, and Run applies its queue in FIFO order from one goroutine.
//
// # Confidentiality
//
// Link ContextId payloads are sealed whenever a record is persisted and
// opened only for verification and mutation. Results and logs of link
// operations never quote the identifiers.
package engine
