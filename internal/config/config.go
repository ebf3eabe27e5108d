// Package config loads and validates the TaskRelay YAML configuration.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	syncp "github.com/njoerd114/taskrelay/internal/sync"
)

// TokenEnv is the environment variable consulted when the config file has
// no Notion token.
const TokenEnv = "NOTION_API_KEY"

// Side names accepted by primary_side.
const (
	SideNotion      = "notion"
	SideTaskwarrior = "taskwarrior"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// NotionToken is the internal integration token. Prefer
	// NotionTokenCommand or the NOTION_API_KEY environment variable over
	// storing it in plain text.
	NotionToken string `yaml:"notion_token,omitempty"`

	// NotionTokenCommand is run through the shell and its trimmed stdout is
	// used as the token, e.g. "pass show notion/token".
	NotionTokenCommand string `yaml:"notion_token_command,omitempty"`

	// StateDB is the SQLite state database. Defaults to
	// ~/.local/share/taskrelay/state.db.
	StateDB string `yaml:"state_db,omitempty"`

	// Strategy is the default conflict resolution strategy for new
	// combinations. Defaults to MostRecent.
	Strategy string `yaml:"strategy,omitempty"`

	// PrimarySide wins ties and bootstrap matches: "notion" (default) or
	// "taskwarrior".
	PrimarySide string `yaml:"primary_side,omitempty"`

	// Interval between passes in daemon mode. Minimum 30s, maximum 24h.
	// Defaults to 5m.
	Interval time.Duration `yaml:"interval,omitempty"`

	Retry       RetryConfig       `yaml:"retry,omitempty"`
	Taskwarrior TaskwarriorConfig `yaml:"taskwarrior,omitempty"`
	Notion      NotionConfig      `yaml:"notion,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// RetryConfig bounds retries of single backend calls.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts,omitempty"`
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`
}

// TaskwarriorConfig locates the task binary and selects synced tasks.
type TaskwarriorConfig struct {
	// Binary is the task executable. Defaults to "task" on PATH.
	Binary string `yaml:"binary,omitempty"`
	// TaskRC overrides TASKRC for every invocation.
	TaskRC string `yaml:"taskrc,omitempty"`
	// SyncTag is the value of the sync UDA marking synced tasks. Defaults
	// to "notion".
	SyncTag string `yaml:"sync_tag,omitempty"`
}

// NotionConfig holds Notion settings shared by all combinations.
type NotionConfig struct {
	// ExcludedStatuses hides todo rows in these states. Defaults to
	// ["Discarded"].
	ExcludedStatuses []string `yaml:"excluded_statuses,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "taskrelay".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/taskrelay/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "taskrelay", "config.yaml"), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.validate()
	return cfg
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks the fields and fills in defaults.
func (c *Config) validate() error {
	if c.Strategy == "" {
		c.Strategy = string(syncp.MostRecent)
	}
	s, err := syncp.ParseStrategy(c.Strategy)
	if err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	c.Strategy = string(s)

	if c.PrimarySide == "" {
		c.PrimarySide = SideNotion
	}
	if c.PrimarySide != SideNotion && c.PrimarySide != SideTaskwarrior {
		return fmt.Errorf("primary_side %q must be %q or %q", c.PrimarySide, SideNotion, SideTaskwarrior)
	}

	if c.Interval == 0 {
		c.Interval = 5 * time.Minute
	}
	if err := ValidateInterval(c.Interval); err != nil {
		return err
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts %d is too high (maximum 10)", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}

	if c.Taskwarrior.SyncTag == "" {
		c.Taskwarrior.SyncTag = "notion"
	}
	if strings.ContainsAny(c.Taskwarrior.SyncTag, " \t\n") {
		return fmt.Errorf("taskwarrior.sync_tag %q must not contain whitespace", c.Taskwarrior.SyncTag)
	}

	if c.Notion.ExcludedStatuses == nil {
		c.Notion.ExcludedStatuses = []string{"Discarded"}
	}

	if c.NotionToken != "" && c.NotionTokenCommand != "" {
		return fmt.Errorf("set either notion_token or notion_token_command, not both")
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

// ResolveToken returns the Notion token from, in order, the config file,
// the NOTION_API_KEY environment variable or notion_token_command.
func (c *Config) ResolveToken(ctx context.Context) (string, error) {
	if c.NotionToken != "" {
		return c.NotionToken, nil
	}
	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		return tok, nil
	}
	if c.NotionTokenCommand == "" {
		return "", fmt.Errorf("no Notion token: set notion_token, notion_token_command or %s", TokenEnv)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.NotionTokenCommand)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("running notion_token_command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	// Password managers often print extra lines after the secret.
	tok, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", fmt.Errorf("notion_token_command printed nothing")
	}
	return tok, nil
}

// Primary returns the aggregator side that wins ties.
func (c *Config) Primary() syncp.Which {
	if c.PrimarySide == SideTaskwarrior {
		return syncp.SideB
	}
	return syncp.SideA
}

// Write saves the configuration to path, creating the directory. The file
// is private to the user since it may hold the Notion token.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// Bounds of the daemon interval.
const (
	MinInterval = 30 * time.Second
	MaxInterval = 24 * time.Hour
)

// ValidateInterval checks d against [MinInterval] and [MaxInterval].
func ValidateInterval(d time.Duration) error {
	if d < MinInterval {
		return fmt.Errorf("interval %v is too short (minimum %v)", d, MinInterval)
	}
	if d > MaxInterval {
		return fmt.Errorf("interval %v is too long (maximum %v)", d, MaxInterval)
	}
	return nil
}
