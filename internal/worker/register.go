package worker

import (
	"fmt"

	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/workflow"
)

// RegisterDefaults registers the stub worker set under the names the
// workflow options use.
func RegisterDefaults(reg *registry.Registry, names workflow.CapabilityNames, corpus *Corpus) error {
	caps := []struct {
		name string
		cap  registry.Capability
	}{
		{names.Plan, Planner{}},
		{names.Research, Researcher{Corpus: corpus}},
		{names.Write, Writer{}},
		{names.Critique, Critic{}},
		{names.Artifact, DraftWriter{}},
	}
	for _, c := range caps {
		if c.name == "" {
			continue
		}
		if err := reg.Register(c.name, c.cap); err != nil {
			return fmt.Errorf("register %s: %w", c.name, err)
		}
	}
	return nil
}
