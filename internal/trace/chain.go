package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DomainEvent separates trace hashes from any other hash the system computes.
const DomainEvent = "quill/trace/v1"

// ComputeHash returns the chained hash of ev. The Hash field is ignored.
func ComputeHash(ev Event) (string, error) {
	obj := map[string]any{
		"run_id":           ev.RunID,
		"seq":              ev.Seq,
		"timestamp":        ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"component":        string(ev.Component),
		"action":           ev.Action,
		"input":            string(ev.Input),
		"output":           string(ev.Output),
		"success":          ev.Success,
		"partially_masked": ev.PartiallyMasked,
		"step":             ev.Step,
		"prev_hash":        ev.PrevHash,
	}

	canonical, err := marshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("hash event %s/%d: %w", ev.RunID, ev.Seq, err)
	}

	h := sha256.New()
	h.Write([]byte(DomainEvent))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainError describes the first broken link found by Verify.
type ChainError struct {
	RunID  string
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("trace %s broken at seq %d: %s", e.RunID, e.Seq, e.Reason)
}

// Verify checks that events form a gap-free sequence starting at 1 and that
// every hash links to its predecessor. Events must be in seq order.
func Verify(events []Event) error {
	prev := ""
	for i, ev := range events {
		want := int64(i + 1)
		if ev.Seq != want {
			return &ChainError{RunID: ev.RunID, Seq: ev.Seq, Reason: fmt.Sprintf("expected seq %d", want)}
		}
		if ev.PrevHash != prev {
			return &ChainError{RunID: ev.RunID, Seq: ev.Seq, Reason: "prev_hash does not match predecessor"}
		}
		got, err := ComputeHash(ev)
		if err != nil {
			return &ChainError{RunID: ev.RunID, Seq: ev.Seq, Reason: err.Error()}
		}
		if got != ev.Hash {
			return &ChainError{RunID: ev.RunID, Seq: ev.Seq, Reason: "hash mismatch"}
		}
		prev = ev.Hash
	}
	return nil
}
