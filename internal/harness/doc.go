// Package harness runs scripted scenarios against a fresh node.
//
// A scenario names its identities and contexts, then lists steps that
// submit operations through the ingestion handler, drain pending
// operations through the apply handler, and move the node clock. Every
// step goes through the real engine over an in-memory SQLite store and an
// in-memory graph, so a scenario checks the node's behavior rather than
// restating it.
//
// # Scenario Format
//
//	name: sponsor-by-context-id
//	description: "A partner sponsors a user it knows by its own identifier"
//	identities:
//	  - name: alice
//	  - name: bob
//	contexts:
//	  - name: idchain
//	    sponsorships: 1
//	steps:
//	  - label: connect
//	    submit:
//	      name: Add Connection
//	      id1: $alice
//	      id2: $bob
//	    expect: init
//	  - apply:
//	      expect: [applied]
//	  - advance: 1m
//	assertions:
//	  - type: connection
//	    from: alice
//	    to: bob
//
// Submitted operations use the wire attribute names. A string value
// "$name" is replaced by the ID of that identity and "$name.publicKey" by
// its public key. The version and timestamp default to the node's protocol
// version and clock. Every required signature is filled with the key of
// the identity or context it names, unless signed_by lists other
// identities, and the hash is computed unless the step sets one.
//
// Identity and context keys are derived from their names, so the same
// scenario always produces the same operations, keys and trace.
//
// # Golden Files
//
// RunWithGolden compares the trace against testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
