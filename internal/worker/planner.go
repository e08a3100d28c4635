package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/workflow"
)

// DefaultMaxTopics bounds the search topics of one plan.
const DefaultMaxTopics = 5

// Planner splits a request into requirements and derives search topics from
// their keywords. Topics the previous research round missed come first.
type Planner struct {
	MaxTopics int
}

// Effect implements registry.Capability.
func (p Planner) Effect() registry.Effect { return registry.EffectRead }

// Invoke implements registry.Capability.
func (p Planner) Invoke(_ context.Context, call registry.Call) (any, error) {
	in, ok := call.Input.(workflow.PlanInput)
	if !ok {
		return nil, fmt.Errorf("planner: unexpected input %T", call.Input)
	}

	reqs := requirements(in.Request, in.Context)
	if len(reqs) == 0 || len(keywords(in.Request)) == 0 {
		return workflow.PlanOutput{Unanswerable: true, Reason: "request names nothing to research"}, nil
	}

	limit := p.MaxTopics
	if limit <= 0 {
		limit = DefaultMaxTopics
	}
	topics := []string{}
	seen := map[string]bool{}
	add := func(t string) {
		k := fold.String(strings.TrimSpace(t))
		if k == "" || seen[k] || len(topics) >= limit {
			return
		}
		seen[k] = true
		topics = append(topics, t)
	}
	for _, m := range in.MissingTopics {
		add(m)
	}
	for _, r := range reqs {
		for _, kw := range keywords(r) {
			add(kw)
		}
	}

	tasks := make([]workflow.Task, len(reqs))
	for i, r := range reqs {
		priority := "medium"
		if i == 0 {
			priority = "high"
		}
		tasks[i] = workflow.Task{ID: fmt.Sprintf("T%d", i+1), Description: r, Priority: priority}
	}
	return workflow.PlanOutput{Requirements: reqs, Tasks: tasks, SearchTopics: topics}, nil
}

// requirements splits the request into sentences and adds bullet lines of the
// context.
func requirements(request, extra string) []string {
	out := []string{}
	for _, s := range strings.FieldsFunc(request, func(r rune) bool {
		return r == '.' || r == ';' || r == '\n' || r == '?' || r == '!'
	}) {
		if s = strings.TrimSpace(s); len(keywords(s)) > 0 {
			out = append(out, s)
		}
	}
	for _, line := range strings.Split(extra, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") {
			continue
		}
		if line = strings.TrimSpace(line[2:]); len(keywords(line)) > 0 {
			out = append(out, line)
		}
	}
	return out
}
