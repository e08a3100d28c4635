package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Action    string
	Component string
	Replay    bool
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Show a run's trace",
		Long: `Show the masked, hash-chained trace of a run in sequence order.

Filters match on action prefix ("invoke" matches every "invoke:<capability>")
and on component. With --replay the chain is verified and the transition and
call history is reconstructed from the events alone.

Examples:
  quill trace 0192b0c4-...
  quill trace --action invoke -v 0192b0c4-...
  quill trace --replay 0192b0c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Action, "action", "", "filter events by action prefix")
	cmd.Flags().StringVar(&opts.Component, "component", "", "filter events by component (coordinator|registry|approval_gate)")
	cmd.Flags().BoolVar(&opts.Replay, "replay", false, "reconstruct the run history from the trace")

	return cmd
}

func showTrace(opts *TraceOptions, runID string, cmd *cobra.Command) error {
	return withApp(opts.RootOptions, cmd, func(a *app, f *OutputFormatter) error {
		events, err := a.coord.Trace(cmd.Context(), runID)
		if err != nil {
			return lookupError(f, runID, err)
		}

		if opts.Replay {
			rp, err := workflow.ReplayTrace(events)
			if err != nil {
				return brokenTrace(f, runID, err)
			}
			return f.Render(rp, func(w io.Writer) { printReplay(w, rp) })
		}

		events = filterEvents(events, opts.Action, trace.Component(opts.Component))
		return f.Render(events, func(w io.Writer) {
			if len(events) == 0 {
				fmt.Fprintln(w, "No events found.")
				return
			}
			printEvents(w, events, f.Verbose)
		})
	})
}

func filterEvents(events []trace.Event, action string, component trace.Component) []trace.Event {
	if action == "" && component == "" {
		return events
	}
	out := make([]trace.Event, 0, len(events))
	for _, ev := range events {
		if action != "" && !strings.HasPrefix(ev.Action, action) {
			continue
		}
		if component != "" && ev.Component != component {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// VerifyResult is the JSON payload of the verify command.
type VerifyResult struct {
	RunID    string `json:"run_id"`
	Events   int    `json:"events"`
	Valid    bool   `json:"valid"`
	LastHash string `json:"last_hash,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Verify a run's trace hash chain",
		Long: `Recompute every event hash of a run's trace and check the chain links
and sequence numbers.

Exit codes:
  0 - Chain intact
  1 - Chain broken or run not found
  2 - Command error

Examples:
  quill verify 0192b0c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			return withApp(rootOpts, cmd, func(a *app, f *OutputFormatter) error {
				events, err := a.coord.Trace(cmd.Context(), runID)
				if err != nil {
					return lookupError(f, runID, err)
				}
				if err := trace.Verify(events); err != nil {
					return brokenTrace(f, runID, err)
				}
				res := VerifyResult{RunID: runID, Events: len(events), Valid: true}
				if n := len(events); n > 0 {
					res.LastHash = events[n-1].Hash
				}
				return f.Render(res, func(w io.Writer) {
					fmt.Fprintf(w, "✓ trace %s intact (%d events)\n", runID, res.Events)
				})
			})
		},
	}
}

func brokenTrace(f *OutputFormatter, runID string, err error) error {
	var chainErr *trace.ChainError
	if !errors.As(err, &chainErr) {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	details := map[string]any{"run_id": runID, "seq": chainErr.Seq, "reason": chainErr.Reason}
	if ferr := f.Error(CodeTraceBroken, chainErr.Error(), details); ferr != nil {
		return ferr
	}
	return WrapExitError(ExitFailure, "trace verification failed", err)
}
