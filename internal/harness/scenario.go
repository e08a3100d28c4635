package harness

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/quill/internal/workflow"
)

// Approval modes.
const (
	ApprovalApprove = "approve"
	ApprovalReject  = "reject"
	ApprovalTimeout = "timeout"
)

// Capability roles a scenario can script.
const (
	RolePlan     = "plan"
	RoleResearch = "research"
	RoleWrite    = "write"
	RoleCritique = "critique"
)

// Scenario is one scripted workflow run.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the run id.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Request workflow.Request `yaml:"request"`

	// Approval is approve (default, auto-approve), reject (the harness
	// rejects once the run waits) or timeout (nobody answers).
	Approval string `yaml:"approval,omitempty"`

	Options *OptionOverrides `yaml:"options,omitempty"`
	Policy  *PolicyOverrides `yaml:"policy,omitempty"`

	// Capabilities maps a role to its scripted responses.
	Capabilities map[string][]Response `yaml:"capabilities"`

	Expect Expectation `yaml:"expect"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// OptionOverrides replaces individual workflow options.
type OptionOverrides struct {
	AcceptanceThreshold *int `yaml:"acceptance_threshold,omitempty"`
	MaxResearchLoops    *int `yaml:"max_research_loops,omitempty"`
	MaxRevisions        *int `yaml:"max_revisions,omitempty"`
}

// PolicyOverrides replaces individual guardrail settings.
type PolicyOverrides struct {
	Allowlist   []string `yaml:"allowlist,omitempty"`
	MaxSteps    *int     `yaml:"max_steps,omitempty"`
	MaxParallel *int     `yaml:"max_parallel,omitempty"`
}

// Response is one scripted capability answer. Exactly one of Result and
// Error is set.
type Response struct {
	// Topic restricts a research response to calls for that topic.
	Topic string `yaml:"topic,omitempty"`

	Result yaml.Node `yaml:"result,omitempty"`
	Error  string    `yaml:"error,omitempty"`

	// Invalid returns Result as a generic map instead of the typed contract.
	Invalid bool `yaml:"invalid,omitempty"`
}

// Expectation describes the final run. Unset fields are not checked.
type Expectation struct {
	Phase         string `yaml:"phase"`
	Reason        string `yaml:"reason,omitempty"`
	Cause         string `yaml:"cause,omitempty"`
	Steps         *int   `yaml:"steps,omitempty"`
	Drafts        *int   `yaml:"drafts,omitempty"`
	ResearchLoops *int   `yaml:"research_loops,omitempty"`
	Revisions     *int   `yaml:"revisions,omitempty"`
	Approved      *bool  `yaml:"approved,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, trace_excludes.
	Type string `yaml:"type"`

	// Action is the event action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Component narrows trace_contains to one component.
	Component string `yaml:"component,omitempty"`

	// Actions is the expected order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Text must not appear in any payload (trace_excludes).
	Text string `yaml:"text,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertTraceExcludes = "trace_excludes"
)

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
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("failed to parse YAML: empty document")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// approvalMode returns the effective approval mode.
func (s *Scenario) approvalMode() string {
	if s.Approval == "" {
		return ApprovalApprove
	}
	return s.Approval
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if err := s.Request.Validate(); err != nil {
		return fmt.Errorf("request: %w", err)
	}

	switch s.approvalMode() {
	case ApprovalApprove, ApprovalReject, ApprovalTimeout:
	default:
		return fmt.Errorf("unknown approval mode %q", s.Approval)
	}

	if len(s.Capabilities[RolePlan]) == 0 {
		return fmt.Errorf("capabilities.plan needs at least one response")
	}
	for role, responses := range s.Capabilities {
		switch role {
		case RolePlan, RoleResearch, RoleWrite, RoleCritique:
		default:
			return fmt.Errorf("capabilities: unknown role %q", role)
		}
		for i, r := range responses {
			if err := validateResponse(r); err != nil {
				return fmt.Errorf("capabilities.%s[%d]: %w", role, i, err)
			}
			if r.Topic != "" && role != RoleResearch {
				return fmt.Errorf("capabilities.%s[%d]: topic is only valid for research", role, i)
			}
		}
	}

	if s.Expect.Phase == "" {
		return fmt.Errorf("expect.phase is required")
	}
	if _, err := workflow.ParsePhase(s.Expect.Phase); err != nil {
		return fmt.Errorf("expect.phase: %w", err)
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateResponse(r Response) error {
	hasResult := r.Result.Kind != 0
	switch {
	case hasResult && r.Error != "":
		return fmt.Errorf("result and error are mutually exclusive")
	case !hasResult && r.Error == "":
		return fmt.Errorf("result or error is required")
	case r.Invalid && !hasResult:
		return fmt.Errorf("invalid needs a result")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceExcludes:
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for trace_excludes", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
