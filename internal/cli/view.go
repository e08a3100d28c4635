package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

const timeLayout = "2006-01-02 15:04:05"

// printRun writes the human-readable view of a run.
func printRun(w io.Writer, run workflow.Run, showHistory bool) {
	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintf(w, "  Request:  %s\n", run.Request.Request)
	fmt.Fprintf(w, "  Phase:    %s\n", run.Phase)
	if run.Reason != "" {
		fmt.Fprintf(w, "  Reason:   %s\n", run.Reason)
	}
	fmt.Fprintf(w, "  Steps:    %d\n", run.Step)
	fmt.Fprintf(w, "  Drafts:   %d (revisions %d, research loops %d)\n", len(run.Drafts), run.Revisions, run.ResearchLoops)
	if run.Critique != nil {
		fmt.Fprintf(w, "  Score:    %d\n", run.Critique.Score)
	}
	if d := run.Decision; d != nil {
		verdict := "rejected"
		if d.Approved {
			verdict = "approved"
		}
		if d.TimedOut {
			verdict += " (timed out)"
		}
		fmt.Fprintf(w, "  Decision: %s by %s\n", verdict, d.Resolver)
	}
	fmt.Fprintf(w, "  Created:  %s\n", run.CreatedAt.Local().Format(timeLayout))

	if showHistory && len(run.History) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "History:")
		for _, t := range run.History {
			fmt.Fprintf(w, "  [%2d] %s -> %s", t.Step, t.From, t.To)
			if t.Reason != "" {
				fmt.Fprintf(w, " (%s)", t.Reason)
			}
			fmt.Fprintln(w)
		}
	}

	if run.FinalArtifact != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "--- final artifact (v%d) ---\n", run.FinalArtifact.Version)
		fmt.Fprintln(w, strings.TrimRight(run.FinalArtifact.Content, "\n"))
	}
}

// printSummaries writes the run listing as a table.
func printSummaries(w io.Writer, runs []workflow.Summary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPHASE\tSTEPS\tDRAFTS\tCREATED\tREASON")
	for _, s := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, s.Phase, s.Step, s.Drafts, s.CreatedAt.Local().Format(timeLayout), s.Reason)
	}
	tw.Flush()
}

// printEvents writes a trace timeline.
func printEvents(w io.Writer, events []trace.Event, verbose bool) {
	for _, ev := range events {
		mark := "✓"
		if !ev.Success {
			mark = "✗"
		}
		fmt.Fprintf(w, "[%3d] step %-3d %s %-14s %s", ev.Seq, ev.Step, mark, ev.Component, ev.Action)
		if ev.PartiallyMasked {
			fmt.Fprint(w, " (partially masked)")
		}
		fmt.Fprintln(w)
		if verbose {
			if len(ev.Input) > 0 && string(ev.Input) != "null" {
				fmt.Fprintf(w, "      in:  %s\n", ev.Input)
			}
			if len(ev.Output) > 0 && string(ev.Output) != "null" {
				fmt.Fprintf(w, "      out: %s\n", ev.Output)
			}
		}
	}
}

// printReplay writes a reconstructed history.
func printReplay(w io.Writer, rp workflow.Replay) {
	fmt.Fprintf(w, "Replay of %s: %s at step %d", rp.RunID, rp.Phase, rp.Step)
	if rp.Reason != "" {
		fmt.Fprintf(w, " (%s)", rp.Reason)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Transitions:")
	for _, t := range rp.Transitions {
		fmt.Fprintf(w, "  [%2d] %s -> %s\n", t.Step, t.From, t.To)
	}
	fmt.Fprintln(w, "Calls:")
	for _, c := range rp.Calls {
		fmt.Fprintf(w, "  [%2d] %-12s %s", c.Step, c.Capability, c.Outcome)
		switch {
		case c.Rule != "":
			fmt.Fprintf(w, " (%s)", c.Rule)
		case c.Error != "":
			fmt.Fprintf(w, " (%s)", c.Error)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Decisions: %d\n", rp.Decisions)
}
