package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chatbackup/internal/dedup"
	"chatbackup/internal/exporter"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration path used when --config is not given.
const DefaultFile = "config/config.json"

// Config represents the application configuration. JSON files are accepted
// as well, since JSON is valid YAML.
type Config struct {
	Tokens      []Token  `yaml:"tokens"`
	Guilds      []Guild  `yaml:"guilds"`
	Backup      Backup   `yaml:"backup"`
	Export      Export   `yaml:"export"`
	Media       Media    `yaml:"media"`
	Mirror      S3Config `yaml:"mirror"`
	Schedule    string   `yaml:"schedule"`
	RunOnStart  bool     `yaml:"run_on_start"`
	MetricsAddr string   `yaml:"metrics_addr"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`

	// OnlyTargets restricts a run to the listed target ids. Set from flags.
	OnlyTargets []string `yaml:"-"`
}

// Token is a named credential. The secret is either inline or read from an
// environment variable when targets are resolved.
type Token struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
	Env   string `yaml:"env"`
}

// Guild is one configured backup target. Keys keep the camelCase of the
// original config.json. Enabled and ThrottleHours are loosely typed so that
// a bad value only invalidates its own target.
type Guild struct {
	TokenName     string `yaml:"tokenName"`
	GuildID       string `yaml:"guildId"`
	GuildName     string `yaml:"guildName"`
	StartDate     string `yaml:"startDate"`
	Enabled       any    `yaml:"enabled"`
	ThrottleHours any    `yaml:"throttleHours"`
}

// Backup contains output and state settings.
type Backup struct {
	ExportDir    string        `yaml:"export_dir"`
	StateFile    string        `yaml:"state_file"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	TrustMarkers bool          `yaml:"trust_markers"`
	DryRun       bool          `yaml:"dry_run"`
}

// Export contains exporter invocation settings.
type Export struct {
	ExporterPath  string        `yaml:"exporter_path"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MinInterval   time.Duration `yaml:"min_interval"`
	RequireOutput bool          `yaml:"require_output"`
	ExtraArgs     []string      `yaml:"extra_args"`
}

// Media contains deduplication settings.
type Media struct {
	Enabled     bool   `yaml:"enabled"`
	LinkMode    string `yaml:"link_mode"`
	HashWorkers int    `yaml:"hash_workers"`
}

// S3Config represents the optional S3-compatible offsite mirror.
type S3Config struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Secure         bool   `yaml:"secure"`
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Concurrency    int    `yaml:"concurrency"`
	Retries        int    `yaml:"retries"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Backup: Backup{
			ExportDir:    "exports",
			LockTimeout:  2 * time.Minute,
			TrustMarkers: true,
		},
		Export: Export{
			ExporterPath:  exporter.DefaultExecutable,
			Timeout:       6 * time.Hour,
			RetryBackoff:  30 * time.Second,
			RequireOutput: true,
		},
		Media: Media{
			Enabled:     true,
			LinkMode:    dedup.LinkHard,
			HashWorkers: 4,
		},
		Mirror: S3Config{
			Secure:         true,
			Concurrency:    4,
			Retries:        3,
			RetryBackoffMs: 500,
		},
		Schedule:   "0 */6 * * *",
		RunOnStart: true,
		LogLevel:   "info",
		LogFormat:  "console",
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = DefaultFile
	}
	if err := loadFromFile(cfg, configFile); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if cfg.Backup.StateFile == "" {
		cfg.Backup.StateFile = filepath.Join(cfg.Backup.ExportDir, "metadata.json")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Parse decodes a configuration document on top of the defaults and
// validates it. Flags are not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Backup.StateFile == "" {
		cfg.Backup.StateFile = filepath.Join(cfg.Backup.ExportDir, "metadata.json")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("configuration file not found: %s (copy config/config.example.json to %s and fill in the values)", filename, filename)
	}
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%s: check for syntax errors (missing commas, quotes, brackets): %w", filename, err)
	}
	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("export-dir") {
		cfg.Backup.ExportDir, _ = flags.GetString("export-dir")
	}
	if flags.Changed("state-file") {
		cfg.Backup.StateFile, _ = flags.GetString("state-file")
	}
	if flags.Changed("dry-run") {
		cfg.Backup.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("exporter") {
		cfg.Export.ExporterPath, _ = flags.GetString("exporter")
	}
	if flags.Changed("timeout") {
		cfg.Export.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("retries") {
		cfg.Export.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("schedule") {
		cfg.Schedule, _ = flags.GetString("schedule")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("target") {
		cfg.OnlyTargets, _ = flags.GetStringSlice("target")
	}

	return nil
}

func (c *Config) validate() error {
	var errs error

	if c.Backup.ExportDir == "" {
		errs = multierr.Append(errs, fmt.Errorf("backup.export_dir is required"))
	}
	if c.Backup.LockTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("backup.lock_timeout must not be negative"))
	}

	if c.Export.ExporterPath == "" {
		errs = multierr.Append(errs, fmt.Errorf("export.exporter_path is required"))
	}
	if c.Export.Timeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("export.timeout must not be negative"))
	}
	if c.Export.Retries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("export.retries must not be negative"))
	}
	if c.Export.MinInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("export.min_interval must not be negative"))
	}

	if c.Media.LinkMode != dedup.LinkHard && c.Media.LinkMode != dedup.LinkSymbolic {
		errs = multierr.Append(errs, fmt.Errorf("media.link_mode must be %q or %q", dedup.LinkHard, dedup.LinkSymbolic))
	}
	if c.Media.HashWorkers <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("media.hash_workers must be positive"))
	}

	if c.Mirror.Enabled {
		if c.Mirror.Endpoint == "" {
			errs = multierr.Append(errs, fmt.Errorf("mirror endpoint is required"))
		}
		if c.Mirror.AccessKey == "" || c.Mirror.SecretKey == "" {
			errs = multierr.Append(errs, fmt.Errorf("mirror access key and secret key are required"))
		}
		if c.Mirror.Bucket == "" {
			errs = multierr.Append(errs, fmt.Errorf("mirror bucket is required"))
		}
		if c.Mirror.Concurrency <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("mirror concurrency must be positive"))
		}
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log_format must be console or json"))
	}

	seen := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		switch {
		case t.Name == "":
			errs = multierr.Append(errs, fmt.Errorf("token #%d must have a name", i+1))
		case t.Value == "" && t.Env == "":
			errs = multierr.Append(errs, fmt.Errorf("token %q must have a value or env field", t.Name))
		case seen[t.Name]:
			errs = multierr.Append(errs, fmt.Errorf("token %q is defined more than once", t.Name))
		}
		seen[t.Name] = true
	}

	return errs
}
