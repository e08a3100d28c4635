package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/workflow"
)

// MinDraftLength is the shortest draft accepted without a completeness issue.
const MinDraftLength = 500

var citationPattern = regexp.MustCompile(`\[Source:\s*([^\]]+)\]`)

// penalty is the score deduction per issue severity.
var penalty = map[workflow.Severity]int{
	workflow.SeverityHigh:   20,
	workflow.SeverityMedium: 10,
	workflow.SeverityLow:    5,
}

// Critic scores a draft from 100 down, per issue found: missing citations,
// citations of unknown sources, missing sections, uncovered requirements and
// short drafts. High severity issues are blocking.
type Critic struct{}

// Effect implements registry.Capability.
func (Critic) Effect() registry.Effect { return registry.EffectRead }

// Invoke implements registry.Capability.
func (Critic) Invoke(_ context.Context, call registry.Call) (any, error) {
	in, ok := call.Input.(workflow.CritiqueInput)
	if !ok {
		return nil, fmt.Errorf("critic: unexpected input %T", call.Input)
	}
	return Review(in), nil
}

// Review applies the critic heuristics.
func Review(in workflow.CritiqueInput) workflow.Critique {
	var issues []workflow.Issue
	add := func(sev workflow.Severity, format string, args ...any) {
		issues = append(issues, workflow.Issue{
			Severity:    sev,
			Description: fmt.Sprintf(format, args...),
			Blocking:    sev == workflow.SeverityHigh,
		})
	}

	if len(in.Draft) < MinDraftLength {
		add(workflow.SeverityMedium, "draft is too short (less than %d characters)", MinDraftLength)
	}

	known := map[string]bool{}
	for _, f := range in.Findings {
		known[fold.String(f.Source)] = true
	}
	matches := citationPattern.FindAllStringSubmatch(in.Draft, -1)
	if len(matches) == 0 {
		add(workflow.SeverityHigh, "no citations found; claims must be supported by evidence")
	}
	for _, m := range matches {
		if src := strings.TrimSpace(m[1]); !known[fold.String(src)] {
			add(workflow.SeverityHigh, "unknown source: %s", src)
		}
	}

	var missing []string
	for _, s := range Sections {
		if !strings.Contains(in.Draft, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		add(workflow.SeverityLow, "missing recommended sections: %s", strings.Join(missing, ", "))
	}

	var uncovered []string
	for _, req := range in.Requirements {
		if !mentions(in.Draft, req) {
			uncovered = append(uncovered, req)
		}
	}
	if len(uncovered) > 0 {
		add(workflow.SeverityMedium, "uncovered requirements: %s", strings.Join(uncovered, ", "))
	}

	score := 100
	for _, is := range issues {
		score -= penalty[is.Severity]
	}
	if score < 0 {
		score = 0
	}
	return workflow.Critique{
		Score:   score,
		Issues:  issues,
		Summary: fmt.Sprintf("%d issues, %d citations", len(issues), len(matches)),
	}
}
