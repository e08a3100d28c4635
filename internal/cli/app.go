package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/config"
	"github.com/roach88/quill/internal/metrics"
	"github.com/roach88/quill/internal/registry"
	"github.com/roach88/quill/internal/store"
	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/worker"
	"github.com/roach88/quill/internal/workflow"
)

// app is the wired runtime: store, tracer, registry with the stub workers,
// gate and coordinator.
type app struct {
	cfg     *config.Config
	store   *store.Store
	gate    *approval.Gate
	coord   *workflow.Coordinator
	metrics *metrics.Metrics
}

// appOptions adjusts wiring per command.
type appOptions struct {
	gate []approval.Option
	ids  workflow.IDGenerator
}

func openApp(cfg *config.Config, ao appOptions) (*app, error) {
	p, err := cfg.Policy()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid guardrail policy", err)
	}
	masker, err := cfg.Masker()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid masking rules", err)
	}
	corpus, err := loadCorpus(cfg.Corpus.Dir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load corpus", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	m := metrics.New()
	tr := trace.New(st, trace.WithMasker(masker), trace.WithObserver(m))
	reg := registry.New(p, tr, registry.WithObserver(m))
	if err := worker.RegisterDefaults(reg, cfg.Workflow.Capabilities, corpus); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register workers", err)
	}

	gateOpts := append(cfg.GateOptions(), approval.WithRecorder(st))
	gateOpts = append(gateOpts, ao.gate...)
	gate := approval.NewGate(gateOpts...)

	coordOpts := []workflow.Option{
		workflow.WithOptions(cfg.Workflow),
		workflow.WithStore(st),
		workflow.WithTraceReader(st),
		workflow.WithObserver(m),
	}
	if ao.ids != nil {
		coordOpts = append(coordOpts, workflow.WithIDGenerator(ao.ids))
	}
	coord, err := workflow.New(reg, tr, gate, coordOpts...)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "invalid workflow options", err)
	}

	return &app{cfg: cfg, store: st, gate: gate, coord: coord, metrics: m}, nil
}

// Close stops active runs and closes the database.
func (a *app) Close() {
	a.coord.Close()
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// loadCorpus reads the researcher's knowledge base. A missing directory
// yields an empty corpus: every research call then reports missing topics.
func loadCorpus(dir string) (*worker.Corpus, error) {
	if dir == "" {
		return worker.NewCorpus(), nil
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("corpus directory not found, research will find nothing", "dir", dir)
		return worker.NewCorpus(), nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	corpus, err := worker.LoadCorpus(os.DirFS(dir))
	if err != nil {
		return nil, err
	}
	slog.Debug("corpus loaded", "dir", dir, "documents", corpus.Len())
	return corpus, nil
}
