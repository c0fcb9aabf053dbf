package harness

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/trustgraph/trustops/internal/engine"
	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/sig"
	"github.com/trustgraph/trustops/internal/store"
	"github.com/trustgraph/trustops/internal/testutil"
)

// traceID is the trace ID every evaluation in a scenario logs under.
const traceID = "scenario"

// Harness is the scenario execution engine.
// It runs scenarios with a manual clock and derived keys.
type Harness struct {
	store    *store.Store
	graph    *graph.Memory
	engine   *engine.Engine
	clock    *testutil.ManualClock
	logger   *slog.Logger
	settings engine.Settings

	identities map[string]*sig.KeyPair
	byID       map[string]*sig.KeyPair
	contexts   map[string]graph.Context

	// ops holds the operation each submit step built, by label.
	ops map[string]*op.Operation
	// keys maps a label to the key its operation was stored under, and
	// labels maps it back.
	keys   map[string]string
	labels map[string]string
}

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger sends the node's logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database and graph. A step
// whose outcome differs from its expectation, or a failed assertion, is
// reported in the result. An error is returned only when the scenario
// cannot run: it is invalid, builds an operation it cannot sign, or the
// node reports a store failure.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	st, err := store.Open(store.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	start := scenario.Start
	if start == 0 {
		start = DefaultStart
	}

	h := &Harness{
		store:      st,
		graph:      graph.NewMemory(),
		clock:      testutil.NewManualClock(time.UnixMilli(start)),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		settings:   settingsFor(scenario.Settings),
		identities: map[string]*sig.KeyPair{},
		byID:       map[string]*sig.KeyPair{},
		contexts:   map[string]graph.Context{},
		ops:        map[string]*op.Operation{},
		keys:       map[string]string{},
		labels:     map[string]string{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.seed(scenario, start); err != nil {
		return nil, err
	}

	h.engine, err = engine.New(ctx, st, h.graph,
		engine.WithSettings(h.settings),
		engine.WithClock(h.clock),
		engine.WithLogger(h.logger),
		engine.WithTraceGenerator(testutil.NewFixedTraceGenerator(traceID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	result := NewResult()
	for i := range scenario.Steps {
		if err := h.executeStep(ctx, &scenario.Steps[i], i, result); err != nil {
			return nil, err
		}
	}

	actx := &AssertionContext{
		Ctx:        ctx,
		Store:      st,
		Graph:      h.graph,
		Identities: h.identities,
		Keys:       h.keys,
		Trace:      result.Trace,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	counts, err := st.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	result.Counts = counts
	return result, nil
}

func settingsFor(o *SettingsOverride) engine.Settings {
	s := engine.DefaultSettings()
	if o == nil {
		return s
	}
	if o.TimestampFudge != "" {
		s.TimestampFudge, _ = time.ParseDuration(o.TimestampFudge)
	}
	if o.MaxOperationSize != nil {
		s.MaxOperationSize = *o.MaxOperationSize
	}
	if rl := o.RateLimit; rl != nil {
		s.RateLimit.Window, _ = time.ParseDuration(rl.Window)
		s.RateLimit.Limit = rl.Limit
	}
	return s
}

// seed derives the scenario's keys and loads seeded users and contexts
// into the graph.
func (h *Harness) seed(s *Scenario, start int64) error {
	for _, spec := range s.Identities {
		kp, err := deriveKey("identity", spec.Name)
		if err != nil {
			return err
		}
		h.identities[spec.Name] = kp
		h.byID[kp.ID] = kp
		if spec.Seeded {
			h.graph.PutUser(graph.User{
				ID:            kp.ID,
				Verifications: spec.Verifications,
				CreatedAt:     start,
			})
		}
	}

	for _, spec := range s.Contexts {
		kp, err := deriveKey("context", spec.Name)
		if err != nil {
			return err
		}
		c := graph.Context{
			Name:               spec.Name,
			Verification:       spec.Name,
			SponsorPublicKey:   kp.PublicKey,
			SponsorPrivateKey:  kp.PrivateKey,
			SecretKey:          spec.Name + "-secret",
			IDsAsHex:           spec.IDsAsHex,
			UnusedSponsorships: spec.Sponsorships,
		}
		h.contexts[spec.Name] = c
		h.graph.PutContext(c)
	}
	return nil
}

// deriveKey returns the key pair of a named identity or context. The same
// name always yields the same key.
func deriveKey(kind, name string) (*sig.KeyPair, error) {
	seed := sha256.Sum256([]byte("trustops scenario " + kind + " " + name))
	kp, err := sig.KeyFromSeed(seed[:])
	if err != nil {
		return nil, fmt.Errorf("derive %s key for %q: %w", kind, name, err)
	}
	return kp, nil
}

func (h *Harness) executeStep(ctx context.Context, step *Step, index int, result *Result) error {
	label := stepLabel(step, index)

	switch step.Kind() {
	case StepSubmit:
		o, err := h.buildOperation(step)
		if err != nil {
			return fmt.Errorf("step %s: %w", label, err)
		}
		h.ops[label] = o
		return h.submit(ctx, label, o, step.Expect, result)

	case StepResubmit:
		o, ok := h.ops[step.Resubmit]
		if !ok {
			return fmt.Errorf("step %s: step %s did not build an operation", label, step.Resubmit)
		}
		h.ops[label] = o
		return h.submit(ctx, label, o, step.Expect, result)

	case StepApply:
		return h.apply(ctx, label, step.Apply, result)

	case StepAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("step %s: %w", label, err)
		}
		h.clock.Advance(d)
		result.addEvent(TraceEvent{Type: EventAdvance, By: step.Advance})
		return nil
	}
	return fmt.Errorf("step %s: no action", label)
}

func (h *Harness) submit(ctx context.Context, label string, o *op.Operation, expect string, result *Result) error {
	event := TraceEvent{Type: EventSubmit, Step: label, Name: o.Name()}

	receipt, err := h.engine.Submit(ctx, o)
	switch {
	case err == nil:
		event.State = receipt.State
		event.Rewritten = receipt.SubmittedKey != ""
		h.keys[label] = receipt.Key
		h.labels[receipt.Key] = label
	case op.CodeOf(err) == "" || op.IsCode(err, op.CodeUnavailable):
		return fmt.Errorf("step %s: submit: %w", label, err)
	default:
		event.Code = string(op.CodeOf(err))
	}
	result.addEvent(event)

	got := string(event.State)
	if event.Code != "" {
		got = event.Code
	}
	if expect != "" && got != expect {
		result.AddError(fmt.Sprintf("step %s: expected %s, got %s", label, expect, got))
	}

	h.logger.Debug("scenario step completed",
		"step", label,
		"name", o.Name(),
		"outcome", got,
	)
	return nil
}

func (h *Harness) apply(ctx context.Context, label string, step *ApplyStep, result *Result) error {
	applied, err := h.engine.ApplyPending(ctx, step.Limit)
	if err != nil {
		return fmt.Errorf("step %s: apply: %w", label, err)
	}

	states := make([]string, 0, len(applied))
	for _, o := range applied {
		event := TraceEvent{
			Type:  EventApply,
			Step:  h.labels[o.Key],
			Name:  o.Name(),
			State: o.State,
		}
		if code, ok := o.Result["code"].(string); ok {
			event.Code = code
		}
		result.addEvent(event)
		states = append(states, string(o.State))
	}

	if step.Expect != nil && !slices.Equal(states, step.Expect) {
		result.AddError(fmt.Sprintf("step %s: expected states %v, got %v", label, step.Expect, states))
	}
	return nil
}

// buildOperation turns a submit step into a signed operation.
func (h *Harness) buildOperation(step *Step) (*op.Operation, error) {
	attrs := make(map[string]any, len(step.Submit)+2)
	for k, v := range step.Submit {
		resolved, err := h.resolve(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		attrs[k] = resolved
	}
	if _, ok := attrs["v"]; !ok {
		attrs["v"] = h.settings.Version
	}
	if _, ok := attrs["timestamp"]; !ok {
		ts := h.clock.UnixMilli()
		if step.Offset != "" {
			d, err := time.ParseDuration(step.Offset)
			if err != nil {
				return nil, fmt.Errorf("offset: %w", err)
			}
			ts += d.Milliseconds()
		}
		attrs["timestamp"] = ts
	}

	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	o, err := op.DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	if err := h.sign(o, step.SignedBy); err != nil {
		return nil, err
	}
	return o, nil
}

// resolve replaces "$name" references with identity attributes.
func (h *Harness) resolve(v any) (any, error) {
	switch v := v.(type) {
	case string:
		if !strings.HasPrefix(v, "$") {
			return v, nil
		}
		name, field, _ := strings.Cut(v[1:], ".")
		kp, ok := h.identities[name]
		if !ok {
			return nil, fmt.Errorf("unknown identity %q", name)
		}
		switch field {
		case "":
			return kp.ID, nil
		case "publicKey":
			return kp.PublicKey, nil
		default:
			return nil, fmt.Errorf("unknown identity attribute %q", field)
		}
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			r, err := h.resolve(elem)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// sign fills every signature o requires and sets its key, unless the
// step declared one.
func (h *Harness) sign(o *op.Operation, signedBy []string) error {
	signers, err := op.Signers(o)
	if err != nil {
		return err
	}
	msg, err := op.Message(o)
	if err != nil {
		return err
	}
	if len(signedBy) > 0 && len(signedBy) != len(signers) {
		return fmt.Errorf("%s needs %d signers, signed_by lists %d", o.Name(), len(signers), len(signedBy))
	}

	for i, s := range signers {
		var privateKey string
		switch {
		case len(signedBy) > 0:
			privateKey = h.identities[signedBy[i]].PrivateKey
		case s.Kind == op.SignerContext:
			c, ok := h.contexts[s.ID]
			if !ok {
				return fmt.Errorf("no sponsor key for context %q", s.ID)
			}
			privateKey = c.SponsorPrivateKey
		default:
			kp, ok := h.byID[s.ID]
			if !ok {
				return fmt.Errorf("no identity with id %s to sign %s", s.ID, o.Name())
			}
			privateKey = kp.PrivateKey
		}

		signature, err := sig.Sign(privateKey, msg)
		if err != nil {
			return err
		}
		if err := op.SetSignature(o, s.Field, signature); err != nil {
			return err
		}
	}
	if o.Key == "" {
		o.Key = op.Hash(msg)
	}
	return nil
}
