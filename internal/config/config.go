// Package config loads and validates the capforge policy configuration.
// The config lives at .capforge/config.yaml under the workspace root.
// Policy is consumed by the pipeline, not owned by it: safe mode, the
// capability ceiling, sandbox resource ceilings, the import allowlist
// and the banned-pattern list all come from here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace is the absolute root under which .capforge/ lives.
	Workspace string `yaml:"workspace"`

	Policy  PolicyConfig  `yaml:"policy"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Logging LoggingConfig `yaml:"logging"`
}

// PolicyConfig governs when the pipeline may create capabilities.
type PolicyConfig struct {
	SafeMode        bool `yaml:"safe_mode"`        // Defer low-priority requests
	MaxCapabilities int  `yaml:"max_capabilities"` // Ceiling on deployed capabilities
	MaxWorkers      int  `yaml:"max_workers"`      // Concurrent learning sessions

	// ImportAllowlist is the only set of packages candidate source may
	// reference. BannedPatterns are regular expressions matched against
	// candidate source; any match is a hard violation.
	ImportAllowlist []string `yaml:"import_allowlist"`
	BannedPatterns  []string `yaml:"banned_patterns"`

	// Complexity ceilings. Exceeding them is a warning, not a rejection.
	MaxSourceBytes  int `yaml:"max_source_bytes"`
	MaxFunctions    int `yaml:"max_functions"`
	MaxNestingDepth int `yaml:"max_nesting_depth"`
}

// SandboxConfig carries per-execution resource ceilings.
type SandboxConfig struct {
	Timeout        time.Duration `yaml:"timeout"`          // Wall-clock ceiling
	CPUSeconds     int           `yaml:"cpu_seconds"`      // CPU-time ceiling (process runner)
	MemoryMB       int           `yaml:"memory_mb"`        // Memory ceiling (process runner)
	MaxOutputBytes int           `yaml:"max_output_bytes"` // Combined stdout+stderr ceiling
	MaxOpenFiles   int           `yaml:"max_open_files"`   // FD ceiling (process runner)
}

// OracleConfig configures the synthesis oracle client.
type OracleConfig struct {
	Provider string        `yaml:"provider"` // gemini
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig mirrors the relevant logging switches.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a configuration with conservative defaults.
func DefaultConfig(workspace string) *Config {
	return &Config{
		Name:      "capforge",
		Version:   "0.3.0",
		Workspace: workspace,
		Policy: PolicyConfig{
			SafeMode:        true,
			MaxCapabilities: 64,
			MaxWorkers:      4,
			ImportAllowlist: []string{
				"bytes", "bufio", "context", "encoding/base64", "encoding/hex",
				"encoding/json", "errors", "fmt", "io", "math", "math/big",
				"regexp", "sort", "strconv", "strings", "time",
				"unicode", "unicode/utf8", "net/url",
			},
			BannedPatterns: []string{
				`\bos/exec\b`,
				`\bexec\.Command\b`,
				`\bsyscall\.`,
				`\bunsafe\.Pointer\b`,
				`\breflect\.Value\b`,
				`\bplugin\.Open\b`,
				`sh\s+-c\b`,
				`\beval\(`,
			},
			MaxSourceBytes:  64 * 1024,
			MaxFunctions:    20,
			MaxNestingDepth: 6,
		},
		Sandbox: SandboxConfig{
			Timeout:        10 * time.Second,
			CPUSeconds:     5,
			MemoryMB:       256,
			MaxOutputBytes: 256 * 1024,
			MaxOpenFiles:   32,
		},
		Oracle: OracleConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  90 * time.Second,
		},
	}
}

// DataDir returns the .capforge directory under the workspace.
func (c *Config) DataDir() string {
	return filepath.Join(c.Workspace, ".capforge")
}

// CapabilitiesDir is where live capability source artifacts are stored.
func (c *Config) CapabilitiesDir() string {
	return filepath.Join(c.DataDir(), "capabilities")
}

// BackupsDir holds per-capability backup chains.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.DataDir(), "backups")
}

// CheckpointsDir holds full-registry snapshots.
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.DataDir(), "checkpoints")
}

// Load reads the config from workspace/.capforge/config.yaml, applying
// defaults for anything unset. A missing file yields pure defaults.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig(workspace)

	path := filepath.Join(workspace, ".capforge", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to its canonical location.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(c.DataDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return os.WriteFile(filepath.Join(c.DataDir(), "config.yaml"), data, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = key
	}
	if os.Getenv("CAPFORGE_UNSAFE") == "1" {
		cfg.Policy.SafeMode = false
	}
}

func (c *Config) validate() error {
	if c.Policy.MaxCapabilities <= 0 {
		return fmt.Errorf("policy.max_capabilities must be positive, got %d", c.Policy.MaxCapabilities)
	}
	if c.Policy.MaxWorkers <= 0 {
		return fmt.Errorf("policy.max_workers must be positive, got %d", c.Policy.MaxWorkers)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive, got %v", c.Sandbox.Timeout)
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got %d", c.Sandbox.MaxOutputBytes)
	}
	if len(c.Policy.ImportAllowlist) == 0 {
		return fmt.Errorf("policy.import_allowlist must not be empty")
	}
	return nil
}
