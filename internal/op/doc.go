// Package op defines the operation records that mutate the trust graph.
//
// An operation is a signed, content-addressed mutation request. This package
// owns everything that can be derived from an operation's own fields without
// touching any store:
//
//   - Operation and its per-name bodies (one struct per operation name)
//   - Message: the exact string a submitter must have signed
//   - Hash / ComputeKey: the content key derived from that message
//   - Signers and Senders: who must sign, and who is charged for admission
//   - EncodeRecord / DecodeRecord: the canonical JSON record form
//   - Error: the rejection taxonomy shared by every other package
//
// op imports nothing internal. Every other package imports op.
package op
