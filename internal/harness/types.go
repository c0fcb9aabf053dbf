package harness

import "github.com/trustgraph/trustops/internal/op"

// Trace event types.
const (
	EventSubmit  = "submit"
	EventApply   = "apply"
	EventAdvance = "advance"
)

// TraceEvent is one observable outcome of a scenario step. Operations are
// referred to by the label of the step that built them, never by key, so
// a trace reads the same however the node derives keys.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"`

	// Step is the label of the operation's submit step.
	Step string  `json:"step,omitempty"`
	Name op.Name `json:"name,omitempty"`

	State op.State `json:"state,omitempty"`

	// Code is the rejection code of a submission, or the code recorded in
	// the result of a failed operation.
	Code string `json:"code,omitempty"`

	// Rewritten marks a submission the node re-keyed before storing it.
	Rewritten bool `json:"rewritten,omitempty"`

	// By is the clock advance of an advance step.
	By string `json:"by,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Counts is the number of stored operations per state at the end.
	Counts map[op.State]int `json:"counts,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(e TraceEvent) {
	e.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, e)
}
