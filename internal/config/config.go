// Package config loads quill configuration from YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ModelConfig selects and bounds the model provider.
type ModelConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Name      string `mapstructure:"name" yaml:"name"`
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	System    string `mapstructure:"system" yaml:"system"`
}

// RunConfig bounds a single agent run.
type RunConfig struct {
	MaxIterations      int `mapstructure:"max_iterations" yaml:"max_iterations"`
	ToolTimeoutSeconds int `mapstructure:"tool_timeout_seconds" yaml:"tool_timeout_seconds"`
	Concurrency        int `mapstructure:"concurrency" yaml:"concurrency"`
}

// WorkspaceConfig anchors file tools. Root is the only directory tree the
// file tools may touch.
type WorkspaceConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// ShellConfig governs the terminal tool.
type ShellConfig struct {
	// Denylist extends the built-in blocked command prefixes.
	Denylist       []string `mapstructure:"denylist" yaml:"denylist"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// Config is the full application configuration.
type Config struct {
	Model     ModelConfig     `mapstructure:"model" yaml:"model"`
	Run       RunConfig       `mapstructure:"run" yaml:"run"`
	Workspace WorkspaceConfig `mapstructure:"workspace" yaml:"workspace"`
	Shell     ShellConfig     `mapstructure:"shell" yaml:"shell"`

	// ServersFile points at the external tool server manifest. Missing file
	// means no servers.
	ServersFile string `mapstructure:"servers_file" yaml:"servers_file"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:  "anthropic",
			Name:      "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 4096,
		},
		Run: RunConfig{
			MaxIterations:      10,
			ToolTimeoutSeconds: 60,
			Concurrency:        4,
		},
		Workspace: WorkspaceConfig{Root: "."},
		Shell: ShellConfig{
			TimeoutSeconds: 30,
		},
		ServersFile: "servers.yaml",
		LogLevel:    "info",
	}
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".quill"), nil
}

// Load reads configuration with precedence: explicit path, then
// ./quill.yaml, then ~/.quill/config.yaml, then defaults. QUILL_* environment
// variables override file values (QUILL_MODEL_NAME, QUILL_LOG_LEVEL, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quill")
		v.AddConfigPath(".")
		if dir, err := ConfigDir(); err == nil {
			v.SetConfigName("config")
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			if path == "" || !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("model.provider", def.Model.Provider)
	v.SetDefault("model.name", def.Model.Name)
	v.SetDefault("model.api_key_env", def.Model.APIKeyEnv)
	v.SetDefault("model.max_tokens", def.Model.MaxTokens)
	v.SetDefault("run.max_iterations", def.Run.MaxIterations)
	v.SetDefault("run.tool_timeout_seconds", def.Run.ToolTimeoutSeconds)
	v.SetDefault("run.concurrency", def.Run.Concurrency)
	v.SetDefault("workspace.root", def.Workspace.Root)
	v.SetDefault("shell.timeout_seconds", def.Shell.TimeoutSeconds)
	v.SetDefault("servers_file", def.ServersFile)
	v.SetDefault("log_level", def.LogLevel)
}

// normalize resolves the workspace root to an absolute path and rejects
// unusable values.
func (c *Config) normalize() error {
	if c.Workspace.Root == "" {
		c.Workspace.Root = "."
	}
	root, err := filepath.Abs(c.Workspace.Root)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	c.Workspace.Root = root

	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("run.max_iterations must be positive, got %d", c.Run.MaxIterations)
	}
	if c.Model.Provider != "anthropic" {
		return fmt.Errorf("unsupported model provider %q", c.Model.Provider)
	}
	return nil
}

// APIKey reads the provider key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

// ToolTimeout returns the per-invocation tool deadline.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Run.ToolTimeoutSeconds) * time.Second
}

// ShellTimeout returns the terminal tool default deadline.
func (c *Config) ShellTimeout() time.Duration {
	return time.Duration(c.Shell.TimeoutSeconds) * time.Second
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
