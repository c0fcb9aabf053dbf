package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/sig"
	"github.com/trustgraph/trustops/internal/store"
)

// Assertion checks the final store or graph.
type Assertion struct {
	// Type specifies the assertion type:
	//   - "state": the operation built by step Operation is stored in State
	//   - "count": exactly Count operations are stored in State
	//   - "connection": From is connected to To
	//   - "sponsored": User is sponsored
	//   - "linked": ContextID in Context is linked to User
	//   - "member": User is a member of Group
	Type string `yaml:"type"`

	Operation string `yaml:"operation,omitempty"`
	State     string `yaml:"state,omitempty"`
	Count     int    `yaml:"count,omitempty"`

	From  string `yaml:"from,omitempty"`
	To    string `yaml:"to,omitempty"`
	User  string `yaml:"user,omitempty"`
	Group string `yaml:"group,omitempty"`

	Context   string `yaml:"context,omitempty"`
	ContextID string `yaml:"context_id,omitempty"`

	// Absent inverts a connection, sponsored, linked or member assertion.
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertState      = "state"
	AssertCount      = "count"
	AssertConnection = "connection"
	AssertSponsored  = "sponsored"
	AssertLinked     = "linked"
	AssertMember     = "member"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describeEvent(event))
		}
	}
	return buf.String()
}

func describeEvent(e TraceEvent) string {
	if e.Type == EventAdvance {
		return "advance " + e.By
	}
	outcome := string(e.State)
	if e.Code != "" {
		outcome = strings.TrimSpace(outcome + " " + e.Code)
	}
	return fmt.Sprintf("%s %s (%s) -> %s", e.Type, e.Step, e.Name, outcome)
}

// AssertionContext provides the final node state to assertions.
type AssertionContext struct {
	Ctx        context.Context
	Store      *store.Store
	Graph      *graph.Memory
	Identities map[string]*sig.KeyPair

	// Keys maps step labels to stored operation keys.
	Keys map[string]string

	Trace []TraceEvent
}

// EvaluateAssertions evaluates all assertions and returns a message for
// each one that failed.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var failures []string

	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertState:
			err = assertState(actx, assertion)
		case AssertCount:
			err = assertCount(actx, assertion)
		case AssertConnection:
			from, to := actx.id(assertion.From), actx.id(assertion.To)
			_, ok := actx.Graph.Connection(from, to)
			err = actx.expectPresence(assertion, ok,
				fmt.Sprintf("%s connected to %s", assertion.From, assertion.To))
		case AssertSponsored:
			err = assertSponsored(actx, assertion)
		case AssertLinked:
			err = assertLinked(actx, assertion)
		case AssertMember:
			err = assertMember(actx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func (a *AssertionContext) id(name string) string {
	if kp, ok := a.Identities[name]; ok {
		return kp.ID
	}
	return ""
}

func (a *AssertionContext) fail(assertion Assertion, expected, actual string) error {
	return &AssertionError{
		Type:     assertion.Type,
		Expected: expected,
		Actual:   actual,
		Trace:    a.Trace,
	}
}

// expectPresence checks a yes/no fact against the assertion's polarity.
func (a *AssertionContext) expectPresence(assertion Assertion, present bool, fact string) error {
	if present != assertion.Absent {
		return nil
	}
	if assertion.Absent {
		return a.fail(assertion, "not "+fact, fact)
	}
	return a.fail(assertion, fact, "not "+fact)
}

func assertState(a *AssertionContext, assertion Assertion) error {
	key, ok := a.Keys[assertion.Operation]
	if !ok {
		return a.fail(assertion,
			fmt.Sprintf("%s stored as %s", assertion.Operation, assertion.State),
			fmt.Sprintf("%s was never admitted", assertion.Operation))
	}
	rec, err := a.Store.ReadOperation(a.Ctx, key)
	if err != nil {
		return fmt.Errorf("state assertion for %s: %w", assertion.Operation, err)
	}
	if string(rec.Operation.State) != assertion.State {
		return a.fail(assertion,
			fmt.Sprintf("%s stored as %s", assertion.Operation, assertion.State),
			fmt.Sprintf("%s stored as %s", assertion.Operation, rec.Operation.State))
	}
	return nil
}

func assertCount(a *AssertionContext, assertion Assertion) error {
	counts, err := a.Store.CountByState(a.Ctx)
	if err != nil {
		return fmt.Errorf("count assertion: %w", err)
	}
	got := counts[op.State(assertion.State)]
	if got != assertion.Count {
		return a.fail(assertion,
			fmt.Sprintf("%d operations %s", assertion.Count, assertion.State),
			fmt.Sprintf("%d operations %s", got, assertion.State))
	}
	return nil
}

func assertSponsored(a *AssertionContext, assertion Assertion) error {
	u, err := a.Graph.User(a.Ctx, a.id(assertion.User))
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return fmt.Errorf("sponsored assertion: %w", err)
	}
	return a.expectPresence(assertion, err == nil && u.Sponsored, assertion.User+" sponsored")
}

func assertLinked(a *AssertionContext, assertion Assertion) error {
	owner, err := a.Graph.ContextIDOwner(a.Ctx, assertion.Context, assertion.ContextID)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return fmt.Errorf("linked assertion: %w", err)
	}
	fact := fmt.Sprintf("%s linked to %s in %s", assertion.ContextID, assertion.User, assertion.Context)
	return a.expectPresence(assertion, err == nil && owner == a.id(assertion.User), fact)
}

func assertMember(a *AssertionContext, assertion Assertion) error {
	g, err := a.Graph.Group(assertion.Group)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return fmt.Errorf("member assertion: %w", err)
	}
	member := err == nil && slices.Contains(g.Members, a.id(assertion.User))
	return a.expectPresence(assertion, member, fmt.Sprintf("%s member of %s", assertion.User, assertion.Group))
}
