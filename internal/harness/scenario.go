package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStart is the node clock at the start of a scenario that does
// not set one, in Unix milliseconds.
const DefaultStart = int64(1_700_000_000_000)

// Scenario is a scripted run against a fresh node.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario checks.
	Description string `yaml:"description"`

	// Start is the node clock when the run begins, in Unix milliseconds.
	Start int64 `yaml:"start,omitempty"`

	// Settings override the node's default protocol settings.
	Settings *SettingsOverride `yaml:"settings,omitempty"`

	Identities []IdentitySpec `yaml:"identities"`
	Contexts   []ContextSpec  `yaml:"contexts,omitempty"`
	Steps      []Step         `yaml:"steps"`

	// Assertions check the final store and graph.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SettingsOverride replaces individual protocol settings. Durations use
// Go syntax ("90s", "1h").
type SettingsOverride struct {
	TimestampFudge   string             `yaml:"timestamp_fudge,omitempty"`
	MaxOperationSize *int               `yaml:"max_operation_size,omitempty"`
	RateLimit        *RateLimitOverride `yaml:"rate_limit,omitempty"`
}

// RateLimitOverride replaces the admission window and limit.
type RateLimitOverride struct {
	Window string `yaml:"window"`
	Limit  int    `yaml:"limit"`
}

// IdentitySpec declares a named identity.
type IdentitySpec struct {
	Name string `yaml:"name"`

	// Seeded identities exist in the graph before the first step. Others
	// only appear once an applied operation creates them.
	Seeded bool `yaml:"seeded,omitempty"`

	Verifications []string `yaml:"verifications,omitempty"`
}

// ContextSpec declares a context with derived sponsor and secret keys.
type ContextSpec struct {
	Name         string `yaml:"name"`
	Sponsorships int    `yaml:"sponsorships,omitempty"`
	IDsAsHex     bool   `yaml:"ids_as_hex,omitempty"`
}

// Step is one action of a scenario. Exactly one of Submit, Resubmit,
// Apply and Advance is set.
type Step struct {
	// Label names the operation a submit step builds, for resubmit steps,
	// state assertions and the trace. It defaults to "step-<n>".
	Label string `yaml:"label,omitempty"`

	// Submit is an operation in wire attributes.
	Submit map[string]any `yaml:"submit,omitempty"`

	// Resubmit submits the operation built by an earlier labelled step
	// again, unchanged.
	Resubmit string `yaml:"resubmit,omitempty"`

	Apply *ApplyStep `yaml:"apply,omitempty"`

	// Advance moves the node clock forward by a duration.
	Advance string `yaml:"advance,omitempty"`

	// SignedBy names the identities that sign a submitted operation, in
	// signer order, instead of the identities the operation names.
	SignedBy []string `yaml:"signed_by,omitempty"`

	// Offset shifts a submitted operation's default timestamp away from
	// the node clock.
	Offset string `yaml:"offset,omitempty"`

	// Expect is the outcome of a submit or resubmit step: "init", or the
	// error code the submission is rejected with.
	Expect string `yaml:"expect,omitempty"`
}

// ApplyStep drains pending operations.
type ApplyStep struct {
	// Limit bounds how many operations are applied. Zero drains all.
	Limit int `yaml:"limit,omitempty"`

	// Expect lists the states the applied operations must end in, in
	// apply order.
	Expect []string `yaml:"expect,omitempty"`
}

// Step kinds.
const (
	StepSubmit   = "submit"
	StepResubmit = "resubmit"
	StepApply    = "apply"
	StepAdvance  = "advance"
)

// Kind reports which action the step performs, or "" when it sets none
// or more than one.
func (s *Step) Kind() string {
	kinds := make([]string, 0, 1)
	if s.Submit != nil {
		kinds = append(kinds, StepSubmit)
	}
	if s.Resubmit != "" {
		kinds = append(kinds, StepResubmit)
	}
	if s.Apply != nil {
		kinds = append(kinds, StepApply)
	}
	if s.Advance != "" {
		kinds = append(kinds, StepAdvance)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields so a typo like "assertion:" fails loudly.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// name a step or assertion refers to is declared.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if err := validateSettings(s.Settings); err != nil {
		return err
	}

	identities := map[string]bool{}
	for i, id := range s.Identities {
		if id.Name == "" {
			return fmt.Errorf("identities[%d]: name is required", i)
		}
		if identities[id.Name] {
			return fmt.Errorf("identities[%d]: duplicate identity %q", i, id.Name)
		}
		identities[id.Name] = true
	}
	contexts := map[string]bool{}
	for i, c := range s.Contexts {
		if c.Name == "" {
			return fmt.Errorf("contexts[%d]: name is required", i)
		}
		if contexts[c.Name] {
			return fmt.Errorf("contexts[%d]: duplicate context %q", i, c.Name)
		}
		if c.Sponsorships < 0 {
			return fmt.Errorf("contexts[%d]: sponsorships must be non-negative", i)
		}
		contexts[c.Name] = true
	}

	labels := map[string]bool{}
	for i := range s.Steps {
		step := &s.Steps[i]
		kind := step.Kind()
		if kind == "" {
			return fmt.Errorf("steps[%d]: exactly one of submit, resubmit, apply or advance is required", i)
		}
		label := stepLabel(step, i)
		if labels[label] {
			return fmt.Errorf("steps[%d]: duplicate label %q", i, label)
		}
		labels[label] = true

		switch kind {
		case StepSubmit:
			if _, ok := step.Submit["name"]; !ok {
				return fmt.Errorf("steps[%d]: submit needs an operation name", i)
			}
			for _, name := range step.SignedBy {
				if !identities[name] {
					return fmt.Errorf("steps[%d]: signed_by names unknown identity %q", i, name)
				}
			}
			if step.Offset != "" {
				if _, err := time.ParseDuration(step.Offset); err != nil {
					return fmt.Errorf("steps[%d]: invalid offset: %w", i, err)
				}
			}
		case StepResubmit:
			if !labels[step.Resubmit] || step.Resubmit == label {
				return fmt.Errorf("steps[%d]: resubmit refers to unknown earlier step %q", i, step.Resubmit)
			}
		case StepApply:
			if step.Apply.Limit < 0 {
				return fmt.Errorf("steps[%d]: apply limit must be non-negative", i)
			}
		case StepAdvance:
			d, err := time.ParseDuration(step.Advance)
			if err != nil {
				return fmt.Errorf("steps[%d]: invalid advance: %w", i, err)
			}
			if d <= 0 {
				return fmt.Errorf("steps[%d]: advance must be positive", i)
			}
		}
		if step.Expect != "" && kind != StepSubmit && kind != StepResubmit {
			return fmt.Errorf("steps[%d]: expect applies to submit steps only", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], identities, labels); err != nil {
			return err
		}
	}
	return nil
}

func validateSettings(o *SettingsOverride) error {
	if o == nil {
		return nil
	}
	if o.TimestampFudge != "" {
		if _, err := time.ParseDuration(o.TimestampFudge); err != nil {
			return fmt.Errorf("settings: invalid timestamp_fudge: %w", err)
		}
	}
	if o.MaxOperationSize != nil && *o.MaxOperationSize < 0 {
		return fmt.Errorf("settings: max_operation_size must be non-negative")
	}
	if rl := o.RateLimit; rl != nil {
		d, err := time.ParseDuration(rl.Window)
		if err != nil {
			return fmt.Errorf("settings: invalid rate_limit.window: %w", err)
		}
		if rl.Limit > 0 && d <= 0 {
			return fmt.Errorf("settings: rate_limit.window must be positive")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, identities, labels map[string]bool) error {
	needIdentity := func(field, name string) error {
		if !identities[name] {
			return fmt.Errorf("assertions[%d]: %s names unknown identity %q", index, field, name)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertState:
		if !labels[a.Operation] {
			return fmt.Errorf("assertions[%d]: operation names unknown step %q", index, a.Operation)
		}
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for state", index)
		}
	case AssertCount:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertConnection:
		if err := needIdentity("from", a.From); err != nil {
			return err
		}
		return needIdentity("to", a.To)
	case AssertSponsored:
		return needIdentity("user", a.User)
	case AssertLinked:
		if a.Context == "" || a.ContextID == "" {
			return fmt.Errorf("assertions[%d]: context and context_id are required for linked", index)
		}
		return needIdentity("user", a.User)
	case AssertMember:
		if a.Group == "" {
			return fmt.Errorf("assertions[%d]: group is required for member", index)
		}
		return needIdentity("user", a.User)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func stepLabel(s *Step, index int) string {
	if s.Label != "" {
		return s.Label
	}
	return fmt.Sprintf("step-%d", index+1)
}
