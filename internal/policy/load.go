package policy

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaCUE string

// LoadError is a policy file error with its CUE source position.
type LoadError struct {
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// fileSpec is the decoded shape of a policy file.
type fileSpec struct {
	Allowlist         []string `json:"allowlist"`
	MaxSteps          int      `json:"max_steps"`
	MaxParallel       int      `json:"max_parallel"`
	WritablePrefix    string   `json:"writable_prefix"`
	QueueOnSaturation bool     `json:"queue_on_saturation"`
	CallTimeout       string   `json:"call_timeout"`
}

// LoadFile reads a CUE policy file and builds a Policy from it.
//
// A relative writable_prefix is resolved against the directory holding the
// policy file, so the file means the same thing from any working directory.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Load(path, data)
}

// Load compiles policy source against the embedded #Policy schema.
// The schema is a closed definition, so unknown fields are rejected.
//
// Example source:
//
//	allowlist: ["plan", "research", "write", "critique"]
//	max_steps: 40
//	max_parallel: 4
//	writable_prefix: "runs"
func Load(filename string, src []byte) (*Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("policy_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile policy schema: %w", err)
	}

	file := ctx.CompileBytes(src, cue.Filename(filename))
	if err := file.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Policy")).Unify(file)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var spec fileSpec
	if err := v.Decode(&spec); err != nil {
		return nil, formatCUEError(err)
	}

	timeout, err := time.ParseDuration(spec.CallTimeout)
	if err != nil {
		return nil, &LoadError{
			Message: fmt.Sprintf("call_timeout: %v", err),
			Pos:     v.LookupPath(cue.ParsePath("call_timeout")).Pos(),
		}
	}

	prefix := spec.WritablePrefix
	if !filepath.IsAbs(prefix) && filename != "" {
		prefix = filepath.Join(filepath.Dir(filename), prefix)
	}

	return New(
		WithAllowlist(spec.Allowlist...),
		WithMaxSteps(spec.MaxSteps),
		WithMaxParallel(spec.MaxParallel),
		WithWritablePrefix(prefix),
		WithQueueOnSaturation(spec.QueueOnSaturation),
		WithCallTimeout(timeout),
	)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &LoadError{Message: first.Error(), Pos: positions[0]}
	}
	return &LoadError{Message: first.Error()}
}
