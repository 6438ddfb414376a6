package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1
	DefaultPath    = "~/.slotwise-migrate/config.yaml"
)

// Modes for type coercion failures.
const (
	ModeStrict  = "strict"
	ModeLenient = "lenient"
)

// Config is the top-level configuration. One immutable value is built per
// invocation and handed to every component; nothing reads global state.
type Config struct {
	Version   int             `yaml:"version"`
	Source    SourceConfig    `yaml:"source"`
	Target    TargetConfig    `yaml:"target"`
	Migration MigrationConfig `yaml:"migration,omitempty"`
	Backup    BackupConfig    `yaml:"backup,omitempty"`
	Event     EventConfig     `yaml:"event,omitempty"`
	Logging   LogConfig       `yaml:"logging,omitempty"`
}

// SourceConfig defines the embedded SQLite source database.
type SourceConfig struct {
	Path string `yaml:"path"`
}

// TargetConfig defines the PostgreSQL target connection.
type TargetConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Schema   string `yaml:"schema,omitempty"` // default "public"
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSL      bool   `yaml:"ssl,omitempty"`
}

// MigrationConfig holds transfer tuning knobs.
type MigrationConfig struct {
	BatchSize        int           `yaml:"batch_size,omitempty"`        // default 1000
	Concurrency      int           `yaml:"concurrency,omitempty"`       // default 4
	Mode             string        `yaml:"mode,omitempty"`              // strict or lenient
	FailFast         bool          `yaml:"fail_fast,omitempty"`
	MaxRetries       int           `yaml:"max_retries,omitempty"`       // default 5
	StatementTimeout time.Duration `yaml:"statement_timeout,omitempty"` // per batch, default 30s
	SampleSize       int           `yaml:"sample_size,omitempty"`       // validation rows per table, default 100
	RunDir           string        `yaml:"run_dir,omitempty"`           // default ~/.slotwise-migrate/runs
	Tables           []string      `yaml:"tables,omitempty"`            // optional filter
}

// BackupConfig defines where pre-migration snapshots are written.
type BackupConfig struct {
	Dir string `yaml:"dir,omitempty"` // default ~/.slotwise-migrate/backups
}

// EventConfig defines where the terminal completion event is emitted.
type EventConfig struct {
	Path string `yaml:"path,omitempty"` // default "-" (stdout)
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`     // debug, info, warn, error
	Directory string `yaml:"directory,omitempty"` // default ~/.slotwise-migrate/logs/
}

// Load reads and parses the config file from the given path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Target.Port == 0 {
		c.Target.Port = 5432
	}
	if c.Target.Schema == "" {
		c.Target.Schema = "public"
	}
	if c.Migration.BatchSize == 0 {
		c.Migration.BatchSize = 1000
	}
	if c.Migration.Concurrency == 0 {
		c.Migration.Concurrency = 4
	}
	if c.Migration.Mode == "" {
		c.Migration.Mode = ModeStrict
	}
	if c.Migration.MaxRetries == 0 {
		c.Migration.MaxRetries = 5
	}
	if c.Migration.StatementTimeout == 0 {
		c.Migration.StatementTimeout = 30 * time.Second
	}
	if c.Migration.SampleSize == 0 {
		c.Migration.SampleSize = 100
	}
	if c.Migration.RunDir == "" {
		c.Migration.RunDir = ExpandHome("~/.slotwise-migrate/runs")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = ExpandHome("~/.slotwise-migrate/backups")
	}
	if c.Event.Path == "" {
		c.Event.Path = "-"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = ExpandHome("~/.slotwise-migrate/logs/")
	}
}

// Validate checks invariants that would otherwise surface mid-run.
func (c *Config) Validate() error {
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.Migration.BatchSize)
	}
	if c.Migration.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Migration.Concurrency)
	}
	if c.Migration.Mode != ModeStrict && c.Migration.Mode != ModeLenient {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeStrict, ModeLenient, c.Migration.Mode)
	}
	return nil
}

// TargetConnString builds a pgx-compatible connection string.
func (c *Config) TargetConnString() string {
	ssl := "disable"
	if c.Target.SSL {
		ssl = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Target.Username, c.Target.Password, c.Target.Host, c.Target.Port, c.Target.Database, ssl)
}

var secretPattern = regexp.MustCompile(`\$\{(ENV|VAULT):([^}]+)\}`)

func (c *Config) resolveSecrets() error {
	var err error
	c.Target.Password, err = ResolveValue(c.Target.Password)
	if err != nil {
		return fmt.Errorf("target password: %w", err)
	}
	c.Target.Username, err = ResolveValue(c.Target.Username)
	if err != nil {
		return fmt.Errorf("target username: %w", err)
	}
	return nil
}

// ResolveValue resolves ${ENV:NAME} and ${VAULT:path#key} references.
func ResolveValue(val string) (string, error) {
	matches := secretPattern.FindStringSubmatch(val)
	if matches == nil {
		return val, nil
	}

	provider := matches[1]
	ref := matches[2]

	switch provider {
	case "ENV":
		v := os.Getenv(ref)
		if v == "" {
			return "", fmt.Errorf("environment variable %s not set", ref)
		}
		return v, nil
	case "VAULT":
		return resolveVault(ref)
	default:
		return "", fmt.Errorf("unknown secrets provider: %s", provider)
	}
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
