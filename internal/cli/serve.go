package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/quill/internal/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control surface",
		Long: `Serve the run, trace and approval API over HTTP, with Prometheus metrics
at /metrics.

On start, runs left active by a previous process are marked failed with
reason "interrupted". SIGINT or SIGTERM shuts the server down gracefully
within server.shutdown_timeout.

Examples:
  quill serve
  quill serve --addr 0.0.0.0:9090 --config quill.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func serve(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd)
	defer stop()

	recovered, err := a.coord.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover interrupted runs", err)
	}
	for _, id := range recovered {
		slog.Warn("marked interrupted run as failed", "run_id", id)
	}

	srv, err := httpapi.NewServer(a.coord, cfg.Server.Addr, httpapi.WithMetrics(a.metrics.Handler()))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create server", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitCommandError, "server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitCommandError, "shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		return WrapExitError(ExitCommandError, "server failed", err)
	}
	slog.Info("server stopped")
	return nil
}
