package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/policy"
)

// PolicySummary is the JSON payload of policy validate.
type PolicySummary struct {
	File              string   `json:"file"`
	Allowlist         []string `json:"allowlist"`
	MaxSteps          int      `json:"max_steps"`
	MaxParallel       int      `json:"max_parallel"`
	WritablePrefix    string   `json:"writable_prefix"`
	QueueOnSaturation bool     `json:"queue_on_saturation"`
	CallTimeout       string   `json:"call_timeout"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with guardrail policy files",
	}
	cmd.AddCommand(newPolicyValidateCommand(rootOpts))
	return cmd
}

func newPolicyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.cue>",
		Short: "Validate a CUE guardrail policy",
		Long: `Check a guardrail policy file against the #Policy schema and print the
effective limits. Errors carry the file position of the offending value.

Exit codes:
  0 - Policy is valid
  1 - Policy is invalid
  2 - Command error (file not readable)

Examples:
  quill policy validate policy.cue
  quill policy validate --format json policy.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			p, err := policy.LoadFile(args[0])
			if err != nil {
				var pathErr *fs.PathError
				if errors.As(err, &pathErr) {
					return WrapExitError(ExitCommandError, "failed to read policy", err)
				}
				if ferr := f.Error(CodeInvalidPolicy, err.Error(), nil); ferr != nil {
					return ferr
				}
				return WrapExitError(ExitFailure, "invalid policy", err)
			}

			sum := PolicySummary{
				File:              args[0],
				Allowlist:         p.Allowlist(),
				MaxSteps:          p.MaxSteps(),
				MaxParallel:       p.MaxParallel(),
				WritablePrefix:    p.WritablePrefix(),
				QueueOnSaturation: p.QueueOnSaturation(),
				CallTimeout:       p.CallTimeout().String(),
			}
			return f.Render(sum, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s is valid\n", sum.File)
				fmt.Fprintf(w, "  allowlist:       %v\n", sum.Allowlist)
				fmt.Fprintf(w, "  max_steps:       %d\n", sum.MaxSteps)
				fmt.Fprintf(w, "  max_parallel:    %d\n", sum.MaxParallel)
				fmt.Fprintf(w, "  writable_prefix: %s\n", sum.WritablePrefix)
				fmt.Fprintf(w, "  queue:           %t\n", sum.QueueOnSaturation)
				fmt.Fprintf(w, "  call_timeout:    %s\n", sum.CallTimeout)
			})
		},
	}
}
