package workflow

import (
	"strings"
	"time"

	"github.com/roach88/quill/internal/approval"
)

// Request is what a caller submits to start a run.
type Request struct {
	Request string `json:"request" yaml:"request"`
	Context string `json:"context,omitempty" yaml:"context"`
}

// Validate rejects empty requests.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Request) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// DraftVersion is one immutable entry of the draft history.
type DraftVersion struct {
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	Step      int       `json:"step"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Transition is one entry of the run's phase history. Seq is the trace
// sequence number of the matching transition event.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	Step   int       `json:"step"`
	Seq    int64     `json:"seq"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Run is one workflow execution. Every field is declared upfront; optional
// values are pointers or empty slices.
type Run struct {
	ID      string  `json:"id"`
	Request Request `json:"request"`
	Phase   Phase   `json:"phase"`

	// Step is the monotonic step counter.
	Step int `json:"step"`

	ResearchLoops int `json:"research_loops"`
	Revisions     int `json:"revisions"`

	Requirements  []string  `json:"requirements"`
	Tasks         []Task    `json:"tasks"`
	SearchTopics  []string  `json:"search_topics"`
	MissingTopics []string  `json:"missing_topics"`
	Findings      []Finding `json:"findings"`

	// Drafts is append-only.
	Drafts []DraftVersion `json:"drafts"`

	Critique      *Critique          `json:"critique,omitempty"`
	Decision      *approval.Decision `json:"decision,omitempty"`
	FinalArtifact *DraftVersion      `json:"final_artifact,omitempty"`

	Terminal bool      `json:"terminal"`
	Reason   string    `json:"reason,omitempty"`
	Cause    ErrorCode `json:"cause,omitempty"`

	History []Transition `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newRun(id string, req Request, now time.Time) *Run {
	return &Run{
		ID:            id,
		Request:       req,
		Phase:         PhasePlanning,
		Requirements:  []string{},
		Tasks:         []Task{},
		SearchTopics:  []string{},
		MissingTopics: []string{},
		Findings:      []Finding{},
		Drafts:        []DraftVersion{},
		History:       []Transition{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// LatestDraft returns the last draft, if any.
func (r *Run) LatestDraft() (DraftVersion, bool) {
	if len(r.Drafts) == 0 {
		return DraftVersion{}, false
	}
	return r.Drafts[len(r.Drafts)-1], true
}

// Clone returns a deep copy.
func (r *Run) Clone() Run {
	out := *r
	out.Requirements = append([]string{}, r.Requirements...)
	out.Tasks = append([]Task{}, r.Tasks...)
	out.SearchTopics = append([]string{}, r.SearchTopics...)
	out.MissingTopics = append([]string{}, r.MissingTopics...)
	out.Findings = make([]Finding, len(r.Findings))
	for i, f := range r.Findings {
		f.Covers = append([]string(nil), f.Covers...)
		out.Findings[i] = f
	}
	out.Drafts = append([]DraftVersion{}, r.Drafts...)
	out.History = append([]Transition{}, r.History...)
	if r.Critique != nil {
		c := *r.Critique
		c.Issues = append([]Issue(nil), r.Critique.Issues...)
		out.Critique = &c
	}
	if r.Decision != nil {
		d := *r.Decision
		out.Decision = &d
	}
	if r.FinalArtifact != nil {
		a := *r.FinalArtifact
		out.FinalArtifact = &a
	}
	return out
}

// Summary is the listing view of a run.
type Summary struct {
	ID        string    `json:"id"`
	Phase     Phase     `json:"phase"`
	Step      int       `json:"step"`
	Terminal  bool      `json:"terminal"`
	Reason    string    `json:"reason,omitempty"`
	Drafts    int       `json:"drafts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summarize returns the listing view of r.
func (r Run) Summarize() Summary {
	return Summary{
		ID:        r.ID,
		Phase:     r.Phase,
		Step:      r.Step,
		Terminal:  r.Terminal,
		Reason:    r.Reason,
		Drafts:    len(r.Drafts),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
