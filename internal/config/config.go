// Package config loads quill configuration from a YAML file and QUILL_*
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/quill/internal/approval"
	"github.com/roach88/quill/internal/policy"
	"github.com/roach88/quill/internal/trace"
	"github.com/roach88/quill/internal/workflow"
)

// Config is the complete service configuration.
type Config struct {
	Store      StoreConfig      `koanf:"store"`
	Guardrails GuardrailsConfig `koanf:"guardrails"`
	Workflow   workflow.Options `koanf:"workflow"`
	Approval   ApprovalConfig   `koanf:"approval"`
	Masking    MaskingConfig    `koanf:"masking"`
	Corpus     CorpusConfig     `koanf:"corpus"`
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// GuardrailsConfig mirrors policy.Policy. When PolicyFile is set the CUE
// file replaces every other field.
type GuardrailsConfig struct {
	PolicyFile        string        `koanf:"policy_file"`
	Allowlist         []string      `koanf:"allowlist"`
	MaxSteps          int           `koanf:"max_steps"`
	MaxParallel       int           `koanf:"max_parallel"`
	WritablePrefix    string        `koanf:"writable_prefix"`
	QueueOnSaturation bool          `koanf:"queue_on_saturation"`
	CallTimeout       time.Duration `koanf:"call_timeout"`
}

// ApprovalConfig configures the approval gate.
type ApprovalConfig struct {
	// AutoApprove resolves every approval immediately. Development only.
	AutoApprove bool `koanf:"auto_approve"`

	// DefaultApprove is the decision applied on timeout.
	DefaultApprove bool `koanf:"default_approve"`
}

// MaskingConfig configures PII masking for traces and logs.
type MaskingConfig struct {
	Fields       []string            `koanf:"fields"`
	Patterns     []trace.PatternRule `koanf:"patterns"`
	Marker       string              `koanf:"marker"`
	MaxScanBytes int                 `koanf:"max_scan_bytes"`
}

// CorpusConfig points the stub researcher at its knowledge base.
type CorpusConfig struct {
	Dir string `koanf:"dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	mask := trace.DefaultMaskConfig()
	return &Config{
		Store: StoreConfig{Path: "quill.db"},
		Guardrails: GuardrailsConfig{
			Allowlist:         append([]string(nil), policy.DefaultAllowlist...),
			MaxSteps:          policy.DefaultMaxSteps,
			MaxParallel:       policy.DefaultMaxParallel,
			WritablePrefix:    policy.DefaultWritablePrefix,
			QueueOnSaturation: true,
			CallTimeout:       policy.DefaultCallTimeout,
		},
		Workflow: workflow.DefaultOptions(),
		Masking: MaskingConfig{
			Fields:       mask.Fields,
			Patterns:     mask.Patterns,
			Marker:       mask.Marker,
			MaxScanBytes: mask.MaxScanBytes,
		},
		Corpus: CorpusConfig{Dir: "knowledge"},
		Server: ServerConfig{Addr: "127.0.0.1:8080", ShutdownTimeout: 10 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the sections that have no constructor of their own.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	if err := c.Workflow.Validate(); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	if c.Workflow.ApprovalTimeout <= 0 {
		return fmt.Errorf("workflow.approval_timeout must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: must be text or json", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	return nil
}

// Policy builds the guardrail policy, from the CUE file when one is set.
func (c *Config) Policy() (*policy.Policy, error) {
	g := c.Guardrails
	if g.PolicyFile != "" {
		return policy.LoadFile(g.PolicyFile)
	}
	return policy.New(
		policy.WithAllowlist(g.Allowlist...),
		policy.WithMaxSteps(g.MaxSteps),
		policy.WithMaxParallel(g.MaxParallel),
		policy.WithWritablePrefix(g.WritablePrefix),
		policy.WithQueueOnSaturation(g.QueueOnSaturation),
		policy.WithCallTimeout(g.CallTimeout),
	)
}

// Masker compiles the masking rules.
func (c *Config) Masker() (*trace.Masker, error) {
	return trace.NewMasker(trace.MaskConfig{
		Fields:       c.Masking.Fields,
		Patterns:     c.Masking.Patterns,
		Marker:       c.Masking.Marker,
		MaxScanBytes: c.Masking.MaxScanBytes,
	})
}

// GateOptions returns the approval gate options.
func (c *Config) GateOptions() []approval.Option {
	return []approval.Option{
		approval.WithAutoApprove(c.Approval.AutoApprove),
		approval.WithDefaultApprove(c.Approval.DefaultApprove),
	}
}

// ParseLevel maps a log level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log level %q: must be debug, info, warn or error", name)
}
