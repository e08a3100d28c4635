package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/httpapi"
)

// ApproveOptions holds flags for the approve command.
type ApproveOptions struct {
	*RootOptions
	Server   string
	Reject   bool
	Comment  string
	Resolver string
	Timeout  time.Duration

	// Client allows overriding the HTTP client (for testing).
	Client *http.Client
}

// NewApproveCommand creates the approve command.
func NewApproveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApproveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve or reject a run waiting on a running server",
		Long: `Submit an approval decision to a quill server for a run in the
awaiting_approval phase. The first decision wins; later ones are refused.

Exit codes:
  0 - Decision accepted
  1 - Run unknown or not awaiting approval
  2 - Command error (server unreachable, bad response)

Examples:
  quill approve 0192b0c4-...
  quill approve --reject --comment "pricing is wrong" 0192b0c4-...
  quill approve --server http://10.0.0.5:8080 --resolver alice 0192b0c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitApproval(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "server base URL (default http://<server.addr>)")
	cmd.Flags().BoolVar(&opts.Reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "comment stored with the decision")
	cmd.Flags().StringVar(&opts.Resolver, "resolver", cliResolver, "who is deciding")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

func submitApproval(opts *ApproveOptions, runID string, cmd *cobra.Command) error {
	base := opts.Server
	if base == "" {
		cfg, err := opts.loadConfig(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		base = "http://" + cfg.Server.Addr
	}
	f := opts.formatter(cmd)

	approved := !opts.Reject
	body, err := json.Marshal(httpapi.ApprovalRequest{
		Approved: &approved,
		Comment:  opts.Comment,
		Resolver: opts.Resolver,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode request", err)
	}

	endpoint := strings.TrimRight(base, "/") + "/api/v1/runs/" + url.PathEscape(runID) + "/approval"
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server URL", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	f.VerboseLog("POST %s", endpoint)
	resp, err := client.Do(req)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to reach server", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read response", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var d approval.Decision
		if err := json.Unmarshal(raw, &d); err != nil {
			return WrapExitError(ExitCommandError, "invalid server response", err)
		}
		return f.Render(d, func(w io.Writer) {
			verdict := "Approved"
			if !d.Approved {
				verdict = "Rejected"
			}
			fmt.Fprintf(w, "%s run %s as %s\n", verdict, d.RunID, d.Resolver)
		})
	case http.StatusNotFound:
		msg := serverMessage(raw, resp.Status)
		if ferr := f.Error(CodeNotFound, msg, nil); ferr != nil {
			return ferr
		}
		return NewExitError(ExitFailure, msg)
	case http.StatusConflict:
		msg := serverMessage(raw, resp.Status)
		if ferr := f.Error(CodeConflict, msg, nil); ferr != nil {
			return ferr
		}
		return NewExitError(ExitFailure, msg)
	default:
		msg := serverMessage(raw, resp.Status)
		if ferr := f.Error(CodeServerResponse, msg, map[string]int{"status": resp.StatusCode}); ferr != nil {
			return ferr
		}
		return NewExitError(ExitCommandError, "server error: "+msg)
	}
}

// serverMessage extracts echo's {"message": ...} error body.
func serverMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return fallback
}
