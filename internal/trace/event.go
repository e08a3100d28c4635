package trace

import (
	"encoding/json"
	"time"
)

// Component identifies who performed a traced action.
type Component string

const (
	ComponentCoordinator Component = "coordinator"
	ComponentRegistry    Component = "registry"
	ComponentApproval    Component = "approval_gate"
)

// Event is an immutable, persisted trace record.
type Event struct {
	RunID           string          `json:"run_id"`
	Seq             int64           `json:"seq"`
	Timestamp       time.Time       `json:"timestamp"`
	Component       Component       `json:"component"`
	Action          string          `json:"action"`
	Input           json.RawMessage `json:"input"`
	Output          json.RawMessage `json:"output"`
	Success         bool            `json:"success"`
	PartiallyMasked bool            `json:"partially_masked"`
	Step            int             `json:"step"`
	PrevHash        string          `json:"prev_hash"`
	Hash            string          `json:"hash"`
}

// Entry is what callers hand to Tracer.Record. Input and Output may be any
// JSON-serialisable value; they are masked on a copy before persistence.
type Entry struct {
	RunID     string
	Component Component
	Action    string
	Input     any
	Output    any
	Success   bool
	Step      int
}

// Decode unmarshals the event output into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Output, v)
}
