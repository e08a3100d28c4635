package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Validator is implemented by every capability result type.
type Validator interface {
	Validate() error
}

// PlanInput is the request to the planning capability. MissingTopics carries
// what the previous research round could not find.
type PlanInput struct {
	Request       string   `json:"request" yaml:"request"`
	Context       string   `json:"context,omitempty" yaml:"context"`
	MissingTopics []string `json:"missing_topics,omitempty" yaml:"missing_topics"`
	Attempt       int      `json:"attempt" yaml:"attempt"`
}

// Task is one unit of planned work.
type Task struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
	Priority    string `json:"priority,omitempty" yaml:"priority"`
}

// PlanOutput is the planning result. Unanswerable ends the run Rejected.
type PlanOutput struct {
	Requirements []string `json:"requirements" yaml:"requirements"`
	Tasks        []Task   `json:"tasks,omitempty" yaml:"tasks"`
	SearchTopics []string `json:"search_topics" yaml:"search_topics"`
	Unanswerable bool     `json:"unanswerable,omitempty" yaml:"unanswerable"`
	Reason       string   `json:"reason,omitempty" yaml:"reason"`
}

// Validate implements Validator.
func (p PlanOutput) Validate() error {
	if p.Unanswerable {
		return nil
	}
	if len(nonEmpty(p.Requirements)) == 0 {
		return errors.New("plan has no requirements")
	}
	if len(nonEmpty(p.SearchTopics)) == 0 {
		return errors.New("plan has no search topics")
	}
	return nil
}

// ResearchInput asks for evidence on one topic.
type ResearchInput struct {
	Request      string   `json:"request" yaml:"request"`
	Topic        string   `json:"topic" yaml:"topic"`
	Requirements []string `json:"requirements" yaml:"requirements"`
}

// Finding is one evidence item with its source citation. Covers names the
// requirements it supports.
type Finding struct {
	Topic   string   `json:"topic" yaml:"topic"`
	Content string   `json:"content" yaml:"content"`
	Source  string   `json:"source" yaml:"source"`
	Covers  []string `json:"covers,omitempty" yaml:"covers"`
}

// ResearchOutput is the result for one topic. Missing lists topics the
// researcher could not find evidence for.
type ResearchOutput struct {
	Findings []Finding `json:"findings" yaml:"findings"`
	Missing  []string  `json:"missing,omitempty" yaml:"missing"`
}

// Validate implements Validator.
func (r ResearchOutput) Validate() error {
	for i, f := range r.Findings {
		if strings.TrimSpace(f.Content) == "" {
			return fmt.Errorf("finding %d has no content", i)
		}
		if strings.TrimSpace(f.Source) == "" {
			return fmt.Errorf("finding %d has no source citation", i)
		}
	}
	return nil
}

// WriteInput asks for a draft. Version 1 is the first draft; later versions
// carry the previous draft and the critique issues to address.
type WriteInput struct {
	Request      string    `json:"request" yaml:"request"`
	Context      string    `json:"context,omitempty" yaml:"context"`
	Requirements []string  `json:"requirements" yaml:"requirements"`
	Findings     []Finding `json:"findings" yaml:"findings"`
	Version      int       `json:"version" yaml:"version"`
	Previous     string    `json:"previous,omitempty" yaml:"previous"`
	Issues       []Issue   `json:"issues,omitempty" yaml:"issues"`
}

// Draft is the writer's result.
type Draft struct {
	Content string `json:"content" yaml:"content"`
}

// Validate implements Validator.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Content) == "" {
		return errors.New("draft is empty")
	}
	return nil
}

// Severity grades a critique issue.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Issue is one critique finding.
type Issue struct {
	Severity    Severity `json:"severity" yaml:"severity"`
	Description string   `json:"description" yaml:"description"`
	Blocking    bool     `json:"blocking,omitempty" yaml:"blocking"`
}

// CritiqueInput asks for a review of one draft version.
type CritiqueInput struct {
	Requirements []string  `json:"requirements" yaml:"requirements"`
	Findings     []Finding `json:"findings" yaml:"findings"`
	Draft        string    `json:"draft" yaml:"draft"`
	Version      int       `json:"version" yaml:"version"`
}

// Critique is the reviewer's result.
type Critique struct {
	Score   int     `json:"score" yaml:"score"`
	Issues  []Issue `json:"issues,omitempty" yaml:"issues"`
	Summary string  `json:"summary,omitempty" yaml:"summary"`
}

// Validate implements Validator.
func (c Critique) Validate() error {
	if c.Score < 0 || c.Score > 100 {
		return fmt.Errorf("score %d outside 0..100", c.Score)
	}
	for i, is := range c.Issues {
		switch is.Severity {
		case SeverityHigh, SeverityMedium, SeverityLow:
		default:
			return fmt.Errorf("issue %d has unknown severity %q", i, is.Severity)
		}
	}
	return nil
}

// HasBlocking reports whether any issue blocks approval.
func (c Critique) HasBlocking() bool {
	for _, is := range c.Issues {
		if is.Blocking {
			return true
		}
	}
	return false
}

// ArtifactInput asks the artifact writer to persist one file.
type ArtifactInput struct {
	RunID   string `json:"run_id" yaml:"run_id"`
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
}

// ArtifactOutput reports where the artifact landed.
type ArtifactOutput struct {
	Path  string `json:"path" yaml:"path"`
	Bytes int    `json:"bytes" yaml:"bytes"`
}

// Validate implements Validator.
func (a ArtifactOutput) Validate() error {
	if a.Path == "" {
		return errors.New("artifact path is empty")
	}
	return nil
}

// asContract accepts a T or *T result and validates it.
func asContract[T Validator](res any) (T, error) {
	var zero T
	var out T
	switch v := res.(type) {
	case T:
		out = v
	case *T:
		if v == nil {
			return zero, fmt.Errorf("nil %T result", zero)
		}
		out = *v
	default:
		return zero, fmt.Errorf("result is %T, want %T", res, zero)
	}
	if err := out.Validate(); err != nil {
		return zero, err
	}
	return out, nil
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
