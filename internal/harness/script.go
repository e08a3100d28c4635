package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/workflow"
)

// script hands out scripted responses. Each (role, topic) pair keeps its own
// call counter so concurrent research calls get stable answers.
type script struct {
	responses map[string][]Response

	mu    sync.Mutex
	calls map[string]int
}

func newScript(responses map[string][]Response) *script {
	return &script{responses: responses, calls: make(map[string]int)}
}

// register installs one scripted capability per role under the names the
// coordinator calls.
func (s *script) register(reg *registry.Registry, names workflow.CapabilityNames) error {
	roles := map[string]string{
		RolePlan:     names.Plan,
		RoleResearch: names.Research,
		RoleWrite:    names.Write,
		RoleCritique: names.Critique,
	}
	for _, role := range []string{RolePlan, RoleResearch, RoleWrite, RoleCritique} {
		role := role
		if err := reg.Register(roles[role], registry.Func(registry.EffectRead, func(_ context.Context, call registry.Call) (any, error) {
			return s.answer(role, call)
		})); err != nil {
			return fmt.Errorf("register %s: %w", role, err)
		}
	}
	return nil
}

// callCount returns how many times role was called, across topics.
func (s *script) callCount(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, c := range s.calls {
		if key == role || strings.HasPrefix(key, role+"/") {
			n += c
		}
	}
	return n
}

func (s *script) answer(role string, call registry.Call) (any, error) {
	topic := ""
	if in, ok := call.Input.(workflow.ResearchInput); ok {
		topic = in.Topic
	}
	r, err := s.next(role, topic)
	if err != nil {
		return nil, err
	}
	if r.Error != "" {
		return nil, errors.New(r.Error)
	}
	if r.Invalid {
		var raw map[string]any
		if err := r.Result.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", role, err)
		}
		return raw, nil
	}
	return decodeResult(role, r)
}

// next picks the response for the current call. Research responses naming
// the call's topic win over untagged ones.
func (s *script) next(role, topic string) (Response, error) {
	candidates := s.responses[role]
	key := role
	if topic != "" {
		var tagged []Response
		for _, r := range candidates {
			if r.Topic == topic {
				tagged = append(tagged, r)
			}
		}
		if len(tagged) > 0 {
			candidates = tagged
			key = role + "/" + topic
		} else {
			var untagged []Response
			for _, r := range candidates {
				if r.Topic == "" {
					untagged = append(untagged, r)
				}
			}
			candidates = untagged
		}
	}
	if len(candidates) == 0 {
		return Response{}, fmt.Errorf("no scripted %s response for topic %q", role, topic)
	}

	s.mu.Lock()
	i := s.calls[key]
	s.calls[key] = i + 1
	s.mu.Unlock()

	if i >= len(candidates) {
		i = len(candidates) - 1
	}
	return candidates[i], nil
}

func decodeResult(role string, r Response) (any, error) {
	var (
		out any
		err error
	)
	switch role {
	case RolePlan:
		var v workflow.PlanOutput
		err = r.Result.Decode(&v)
		out = v
	case RoleResearch:
		var v workflow.ResearchOutput
		err = r.Result.Decode(&v)
		out = v
	case RoleWrite:
		var v workflow.Draft
		err = r.Result.Decode(&v)
		out = v
	case RoleCritique:
		var v workflow.Critique
		err = r.Result.Decode(&v)
		out = v
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", role, err)
	}
	return out, nil
}
