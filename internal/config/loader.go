package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "QUILL_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// listKeys are replaced wholesale when set, never merged with the defaults.
var listKeys = []string{
	"guardrails.allowlist",
	"masking.fields",
	"masking.patterns",
}

// Load reads the defaults, then the YAML file at path (if path is not
// empty), then QUILL_* environment variables, and validates the result.
//
// Environment variables map SECTION_FIELD to section.field:
//
//	QUILL_STORE_PATH            -> store.path
//	QUILL_GUARDRAILS_MAX_STEPS  -> guardrails.max_steps
//	QUILL_APPROVAL_AUTO_APPROVE -> approval.auto_approve
//
// Lists are comma separated: QUILL_GUARDRAILS_ALLOWLIST=plan,research.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	for _, key := range listKeys {
		if k.Exists(key) {
			clearList(cfg, key)
		}
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps QUILL_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func clearList(cfg *Config, key string) {
	switch key {
	case "guardrails.allowlist":
		cfg.Guardrails.Allowlist = nil
	case "masking.fields":
		cfg.Masking.Fields = nil
	case "masking.patterns":
		cfg.Masking.Patterns = nil
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
