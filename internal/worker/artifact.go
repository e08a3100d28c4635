package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/workflow"
)

// DraftWriter persists run artifacts. It writes exactly the target path the
// registry checked against the writable prefix. Retrying a call with the
// same input leaves the same file behind.
type DraftWriter struct{}

// Effect implements registry.Capability.
func (DraftWriter) Effect() registry.Effect { return registry.EffectWrite }

// Invoke implements registry.Capability.
func (DraftWriter) Invoke(_ context.Context, call registry.Call) (any, error) {
	in, ok := call.Input.(workflow.ArtifactInput)
	if !ok {
		return nil, fmt.Errorf("write_draft: unexpected input %T", call.Input)
	}
	if call.TargetPath == "" {
		return nil, errors.New("write_draft: no target path")
	}
	if filepath.Base(call.TargetPath) != in.Name {
		return nil, fmt.Errorf("write_draft: target %s does not name %s", call.TargetPath, in.Name)
	}

	if err := writeFileAtomic(call.TargetPath, in.Content); err != nil {
		return nil, fmt.Errorf("write_draft: %w", err)
	}
	return workflow.ArtifactOutput{Path: call.TargetPath, Bytes: len(in.Content)}, nil
}

// writeFileAtomic writes content to a temporary file next to path and
// renames it into place. Readers see either the old file or the whole new
// one, and a leftover from an interrupted attempt is replaced.
func writeFileAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
