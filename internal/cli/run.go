package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/workflow"
)

// Approval modes of the run command.
const (
	ApproveAuto   = "auto"
	ApproveReject = "reject"
	ApproveWait   = "wait"
)

// cliResolver is the resolver recorded for decisions made by this command.
const cliResolver = "cli"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Context string
	Approve string
	Persist bool

	// IDGenerator allows overriding run id generation (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator workflow.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Execute one drafting run in-process",
		Long: `Execute one drafting run with the built-in workers and wait for it to end.

The researcher reads markdown and text files from corpus.dir. The approval
mode decides who answers the approval gate:
  auto   - approve immediately
  reject - reject immediately
  wait   - show the draft and ask on stdin

Exit codes:
  0 - Run completed
  1 - Run rejected or failed
  2 - Command error

Examples:
  quill run "Write a proposal for ACME pricing"
  quill run --approve wait --context "- mention onboarding" "Pricing for ACME"
  quill run --db ./quill.db --format json "Pricing for ACME"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Context, "context", "", "additional context for the planner")
	cmd.Flags().StringVar(&opts.Approve, "approve", ApproveAuto, "approval mode (auto|reject|wait)")
	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "write draft_vN.md files under workflow.artifact_dir")

	return cmd
}

func runOnce(opts *RunOptions, request string, cmd *cobra.Command) error {
	switch opts.Approve {
	case ApproveAuto, ApproveReject, ApproveWait:
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid approval mode %q: must be auto, reject or wait", opts.Approve))
	}

	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Persist {
		cfg.Workflow.PersistArtifacts = true
	}

	a, err := openApp(cfg, appOptions{
		gate: []approval.Option{approval.WithAutoApprove(opts.Approve == ApproveAuto)},
		ids:  opts.IDGenerator,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	run, err := a.coord.Start(ctx, workflow.Request{Request: request, Context: opts.Context})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start run", err)
	}
	slog.Info("run started", "run_id", run.ID)

	go func() {
		<-ctx.Done()
		if err := a.coord.Cancel(context.Background(), run.ID); err == nil {
			slog.Info("run cancelled", "run_id", run.ID)
		}
	}()

	if opts.Approve != ApproveAuto {
		if err := answerApproval(ctx, opts, a.coord, run.ID, cmd); err != nil {
			return err
		}
	}

	run, err = a.coord.Wait(context.Background(), run.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to wait for run", err)
	}
	return reportRun(opts.formatter(cmd), run)
}

// answerApproval waits until the run asks for approval and answers it
// according to the approval mode. It returns early when the run ends without
// asking.
func answerApproval(ctx context.Context, opts *RunOptions, coord *workflow.Coordinator, runID string, cmd *cobra.Command) error {
	asked, err := awaitPending(ctx, coord, runID)
	if err != nil || !asked {
		return nil
	}

	approved, comment := false, "rejected from the command line"
	if opts.Approve == ApproveWait {
		run, err := coord.Get(ctx, runID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load run", err)
		}
		approved, comment, err = prompt(cmd.InOrStdin(), promptWriter(opts, cmd), run)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read answer", err)
		}
	}
	if _, err := coord.Approve(ctx, runID, approved, comment, cliResolver); err != nil {
		return WrapExitError(ExitCommandError, "failed to submit decision", err)
	}
	return nil
}

// awaitPending polls until runID has an open approval slot (true) or has
// terminated (false).
func awaitPending(ctx context.Context, coord *workflow.Coordinator, runID string) (bool, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, p := range coord.Pending() {
			if p.RunID == runID {
				return true, nil
			}
		}
		run, err := coord.Get(ctx, runID)
		if err != nil {
			return false, err
		}
		if run.Terminal {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// promptWriter keeps prompts out of stdout in JSON mode.
func promptWriter(opts *RunOptions, cmd *cobra.Command) io.Writer {
	if opts.Format == "json" {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}

// prompt shows the latest draft and reads a y/n answer. Anything but yes
// rejects. A second line, if given, becomes the comment.
func prompt(in io.Reader, out io.Writer, run workflow.Run) (bool, string, error) {
	if draft, ok := run.LatestDraft(); ok {
		fmt.Fprintf(out, "--- draft v%d ---\n%s\n", draft.Version, strings.TrimRight(draft.Content, "\n"))
	}
	if run.Critique != nil {
		fmt.Fprintf(out, "Critique score: %d\n", run.Critique.Score)
	}
	fmt.Fprint(out, "Approve this draft? [y/N] ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, "", err
		}
		return false, "no answer", nil
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	approved := answer == "y" || answer == "yes"

	fmt.Fprint(out, "Comment (optional): ")
	comment := ""
	if scanner.Scan() {
		comment = strings.TrimSpace(scanner.Text())
	}
	return approved, comment, nil
}

// reportRun prints the final run and maps its phase to an exit code.
func reportRun(f *OutputFormatter, run workflow.Run) error {
	text := func(w io.Writer) { printRun(w, run, f.Verbose) }
	switch run.Phase {
	case workflow.PhaseCompleted:
		return f.Render(run, text)
	case workflow.PhaseRejected:
		if err := f.Fail(CodeRunRejected, run.Reason, run, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "run rejected: "+run.Reason)
	default:
		if err := f.Fail(CodeRunFailed, run.Reason, run, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "run failed: "+run.Reason)
	}
}

// signalContext returns the command context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}
