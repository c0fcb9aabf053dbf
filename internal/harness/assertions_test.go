package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectedScenario connects alice and bob and links alice in idchain.
func connectedScenario(assertions string) string {
	return `
name: assertions
description: "Final state checks"
identities:
  - name: alice
  - name: bob
  - name: carol
contexts:
  - name: idchain
    sponsorships: 1
steps:
  - label: connect
    submit:
      name: Add Connection
      id1: $alice
      id2: $bob
  - label: link
    submit:
      name: Link ContextId
      id: $alice
      context: idchain
      contextId: partner-7
  - apply: {}
assertions:
` + assertions
}

func runAssertions(t *testing.T, assertions string) *Result {
	t.Helper()
	result, err := Run(context.Background(), mustParse(t, connectedScenario(assertions)))
	require.NoError(t, err)
	return result
}

func TestAssertions_Pass(t *testing.T) {
	result := runAssertions(t, `
  - type: connection
    from: alice
    to: bob
  - type: connection
    from: alice
    to: carol
    absent: true
  - type: linked
    context: idchain
    context_id: partner-7
    user: alice
  - type: linked
    context: idchain
    context_id: partner-8
    user: alice
    absent: true
  - type: sponsored
    user: alice
    absent: true
  - type: member
    user: alice
    group: nowhere
    absent: true
  - type: state
    operation: link
    state: applied
  - type: count
    state: applied
    count: 2
  - type: count
    state: failed
    count: 0
`)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestAssertions_Fail(t *testing.T) {
	tests := []struct {
		name      string
		assertion string
		want      string
	}{
		{
			name:      "connection",
			assertion: "  - {type: connection, from: alice, to: carol}\n",
			want:      "Expected: alice connected to carol",
		},
		{
			name:      "absent connection",
			assertion: "  - {type: connection, from: bob, to: alice, absent: true}\n",
			want:      "Expected: not bob connected to alice",
		},
		{
			name:      "sponsored",
			assertion: "  - {type: sponsored, user: alice}\n",
			want:      "Actual: not alice sponsored",
		},
		{
			name:      "linked to someone else",
			assertion: "  - {type: linked, context: idchain, context_id: partner-7, user: bob}\n",
			want:      "partner-7 linked to bob in idchain",
		},
		{
			name:      "state",
			assertion: "  - {type: state, operation: connect, state: failed}\n",
			want:      "Actual: connect stored as applied",
		},
		{
			name:      "count",
			assertion: "  - {type: count, state: applied, count: 5}\n",
			want:      "Actual: 2 operations applied",
		},
		{
			name:      "member",
			assertion: "  - {type: member, user: bob, group: nowhere}\n",
			want:      "Expected: bob member of nowhere",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := runAssertions(t, tt.assertion)
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.want)
			assert.Contains(t, result.Errors[0], "Full trace:")
		})
	}
}

func TestAssertions_StateOfRejectedOperation(t *testing.T) {
	s := mustParse(t, `
name: rejected
description: "A state assertion on an operation that was never admitted"
identities:
  - name: alice
steps:
  - label: late
    submit:
      name: Add Membership
      id: $alice
      group: g1
    offset: 3h
    expect: INVALID_TIMESTAMP
assertions:
  - type: state
    operation: late
    state: init
`)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "late was never admitted")
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertCount,
		Expected: "1 operations applied",
		Actual:   "0 operations applied",
		Trace: []TraceEvent{
			{Seq: 1, Type: EventSubmit, Step: "join", Name: "Add Membership", Code: "RATE_LIMITED"},
			{Seq: 2, Type: EventAdvance, By: "1m"},
		},
	}

	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "Assertion failed: count\n"))
	assert.Contains(t, msg, "[1] submit join (Add Membership) -> RATE_LIMITED")
	assert.Contains(t, msg, "[2] advance 1m")
}
