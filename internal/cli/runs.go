package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/workflow"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current state",
		Long: `Show a stored run: phase, counters, decision and, once approved, the final
artifact. With -v the transition history is included.

Examples:
  quill status 0192b0c4-...
  quill status --format json 0192b0c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(a *app, f *OutputFormatter) error {
				run, err := a.coord.Get(cmd.Context(), args[0])
				if err != nil {
					return lookupError(f, args[0], err)
				}
				return f.Render(run, func(w io.Writer) { printRun(w, run, f.Verbose) })
			})
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Long: `List every stored run with its phase, step count and reason.

Examples:
  quill list
  quill list --phase awaiting_approval
  quill list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var want workflow.Phase
			if phase != "" {
				p, err := workflow.ParsePhase(phase)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --phase", err)
				}
				want = p
			}
			return withApp(rootOpts, cmd, func(a *app, f *OutputFormatter) error {
				runs, err := a.coord.List(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list runs", err)
				}
				if want != "" {
					kept := runs[:0]
					for _, s := range runs {
						if s.Phase == want {
							kept = append(kept, s)
						}
					}
					runs = kept
				}
				return f.Render(runs, func(w io.Writer) { printSummaries(w, runs) })
			})
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "only list runs in this phase")

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a terminated run",
		Long: `Delete a terminated run's snapshot and approval record. Its trace is kept.

Examples:
  quill delete 0192b0c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(a *app, f *OutputFormatter) error {
				if err := a.coord.Delete(cmd.Context(), args[0]); err != nil {
					return lookupError(f, args[0], err)
				}
				data := map[string]string{"id": args[0], "status": "deleted"}
				return f.Render(data, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted run %s\n", args[0])
				})
			})
		},
	}
}

// withApp loads the configuration, opens the runtime and hands it to fn.
func withApp(rootOpts *RootOptions, cmd *cobra.Command, fn func(a *app, f *OutputFormatter) error) error {
	cfg, err := rootOpts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a, rootOpts.formatter(cmd))
}

// lookupError reports a failed run lookup. Unknown ids and conflicts are
// failures (exit 1); anything else is a command error.
func lookupError(f *OutputFormatter, runID string, err error) error {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		if ferr := f.Error(CodeNotFound, fmt.Sprintf("run %s not found", runID), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "run not found", err)
	case errors.Is(err, workflow.ErrRunActive), errors.Is(err, workflow.ErrNotActive):
		if ferr := f.Error(CodeConflict, err.Error(), nil); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, "conflict", err)
	default:
		return WrapExitError(ExitCommandError, "failed to load run", err)
	}
}
