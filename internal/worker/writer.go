package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/workflow"
)

// Sections are the headings every draft carries, in order.
var Sections = []string{"Overview", "Proposal", "Case Studies", "Next Steps"}

// Writer renders a markdown draft from the findings, citing each one as
// [Source: name]. Revisions append a section answering the critique issues.
type Writer struct{}

// Effect implements registry.Capability.
func (Writer) Effect() registry.Effect { return registry.EffectRead }

// Invoke implements registry.Capability.
func (Writer) Invoke(_ context.Context, call registry.Call) (any, error) {
	in, ok := call.Input.(workflow.WriteInput)
	if !ok {
		return nil, fmt.Errorf("writer: unexpected input %T", call.Input)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title(in.Request))

	fmt.Fprintf(&b, "## %s\n\n", Sections[0])
	fmt.Fprintf(&b, "This document responds to the request: %s.\n", strings.TrimSuffix(strings.TrimSpace(in.Request), "."))
	if in.Context != "" {
		b.WriteString("It takes the supplied context into account.\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## %s\n\n", Sections[1])
	for _, req := range in.Requirements {
		fmt.Fprintf(&b, "- %s", req)
		if f, ok := supporting(in.Findings, req); ok {
			fmt.Fprintf(&b, ": %s [Source: %s]", f.Content, f.Source)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## %s\n\n", Sections[2])
	cited := map[string]bool{}
	for _, f := range in.Findings {
		if cited[f.Source] {
			continue
		}
		cited[f.Source] = true
		fmt.Fprintf(&b, "- %s [Source: %s]\n", f.Content, f.Source)
	}
	if len(cited) == 0 {
		b.WriteString("No case studies were found.\n")
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## %s\n\n", Sections[3])
	b.WriteString("1. Review this proposal with the stakeholders.\n")
	b.WriteString("2. Confirm scope, timeline and commercial terms.\n")

	if in.Version > 1 && len(in.Issues) > 0 {
		fmt.Fprintf(&b, "\n## Revision %d\n\n", in.Version)
		for _, is := range in.Issues {
			fmt.Fprintf(&b, "- Addressed (%s): %s\n", is.Severity, is.Description)
		}
	}
	return workflow.Draft{Content: b.String()}, nil
}

func supporting(findings []workflow.Finding, req string) (workflow.Finding, bool) {
	key := fold.String(req)
	for _, f := range findings {
		for _, c := range f.Covers {
			if fold.String(c) == key {
				return f, true
			}
		}
	}
	return workflow.Finding{}, false
}

func title(request string) string {
	t := strings.TrimSpace(strings.SplitN(request, "\n", 2)[0])
	if len(t) > 80 {
		t = strings.TrimSpace(t[:80])
	}
	return strings.TrimSuffix(t, ".")
}
