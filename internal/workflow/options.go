package workflow

import (
	"fmt"
	"time"

	"github.com/roach88/quill/internal/approval"
)

// Defaults.
const (
	DefaultAcceptanceThreshold = 70
	DefaultMaxResearchLoops    = 3
	DefaultMaxRevisions        = 2
)

// CapabilityNames maps workflow roles to registered capability names.
type CapabilityNames struct {
	Plan     string `koanf:"plan"`
	Research string `koanf:"research"`
	Write    string `koanf:"write"`
	Critique string `koanf:"critique"`
	Artifact string `koanf:"artifact"`
}

// Options tunes the coordinator.
type Options struct {
	// AcceptanceThreshold is the minimum critique score for approval.
	AcceptanceThreshold int `koanf:"acceptance_threshold"`

	// MaxResearchLoops bounds missing-information reports per run.
	MaxResearchLoops int `koanf:"max_research_loops"`

	// MaxRevisions bounds Critiquing -> Revising cycles per run.
	MaxRevisions int `koanf:"max_revisions"`

	ApprovalTimeout time.Duration `koanf:"approval_timeout"`

	Capabilities CapabilityNames `koanf:"capabilities"`

	// PersistArtifacts writes draft_vN.md for every draft through the
	// Artifact capability, under ArtifactDir/<run id>/.
	PersistArtifacts bool   `koanf:"persist_artifacts"`
	ArtifactDir      string `koanf:"artifact_dir"`
}

// DefaultOptions returns the stock options.
func DefaultOptions() Options {
	return Options{
		AcceptanceThreshold: DefaultAcceptanceThreshold,
		MaxResearchLoops:    DefaultMaxResearchLoops,
		MaxRevisions:        DefaultMaxRevisions,
		ApprovalTimeout:     approval.DefaultTimeout,
		Capabilities: CapabilityNames{
			Plan:     "plan",
			Research: "research",
			Write:    "write",
			Critique: "critique",
			Artifact: "write_draft",
		},
		ArtifactDir: "runs",
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.AcceptanceThreshold < 0 || o.AcceptanceThreshold > 100 {
		return fmt.Errorf("acceptance threshold %d outside 0..100", o.AcceptanceThreshold)
	}
	if o.MaxResearchLoops <= 0 {
		return fmt.Errorf("max research loops must be positive, got %d", o.MaxResearchLoops)
	}
	if o.MaxRevisions < 0 {
		return fmt.Errorf("max revisions must not be negative, got %d", o.MaxRevisions)
	}
	caps := o.Capabilities
	if caps.Plan == "" || caps.Research == "" || caps.Write == "" || caps.Critique == "" {
		return fmt.Errorf("capability names must not be empty")
	}
	if o.PersistArtifacts && (caps.Artifact == "" || o.ArtifactDir == "") {
		return fmt.Errorf("artifact persistence needs an artifact capability and directory")
	}
	return nil
}
