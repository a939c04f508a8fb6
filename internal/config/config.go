package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the working directory.
const FileName = ".conveyor.yml"

// Config captures CLI options sourced from config files or flags.
type Config struct {
	Pipeline string `yaml:"pipeline"`
	Branch   string `yaml:"branch"`

	Format   string `yaml:"format"`
	Verbose  bool   `yaml:"verbose"`
	DryRun   bool   `yaml:"dry_run"`
	LogLevel string `yaml:"log_level"`

	Provider     string `yaml:"provider"`
	DefaultImage string `yaml:"default_image"`

	Timeout       time.Duration `yaml:"timeout"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	TailLines     int           `yaml:"tail_lines"`

	FailOnUnstable bool `yaml:"fail_on_unstable"`
	KeepWorkspaces bool `yaml:"keep_workspaces"`

	AllowPrivileged           bool     `yaml:"allow_privileged"`
	PrivilegedCommandPatterns []string `yaml:"privileged_command_patterns"`

	OnlyStages []string `yaml:"only_stage"`
	SkipStages []string `yaml:"skip_stage"`

	Credentials map[string]string `yaml:"credentials"`
	Params      map[string]string `yaml:"params"`

	MetricsFile string        `yaml:"metrics_file"`
	Reports     ReportsConfig `yaml:"reports"`
	Secrets     SecretsConfig `yaml:"secrets"`
	Warn        WarnConfig    `yaml:"warn"`
}

// SecretsConfig configures the optional vault: and keyring: credential schemes.
type SecretsConfig struct {
	KeyringService string      `yaml:"keyring_service"`
	Vault          VaultConfig `yaml:"vault"`
}

// VaultConfig enables the vault: scheme when an address is known. The token
// comes from VAULT_TOKEN.
type VaultConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
	Mount     string `yaml:"mount"`
}

// ReportsConfig selects where published reports go.
type ReportsConfig struct {
	Sink string   `yaml:"sink"`
	Dir  string   `yaml:"dir"`
	S3   S3Config `yaml:"s3"`
}

// S3Config locates the bucket used by the s3 sink.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// WarnConfig controls additional warning behaviour.
type WarnConfig struct {
	VersionMismatch bool `yaml:"version_mismatch"`
}

const (
	// FormatPretty renders human readable output.
	FormatPretty = "pretty"
	// FormatJSON renders machine readable output.
	FormatJSON = "json"

	// ProviderLocal runs every stage on the host.
	ProviderLocal = "local"
	// ProviderDocker runs stages that name an image in containers.
	ProviderDocker = "docker"

	SinkDir = "dir"
	SinkS3  = "s3"
)

// Default returns the baseline configuration used when no flags or config file specify values.
func Default() Config {
	return Config{
		Format:    FormatPretty,
		LogLevel:  "warn",
		Provider:  ProviderLocal,
		TailLines: 20,
		Reports: ReportsConfig{
			Sink: SinkDir,
			Dir:  filepath.Join(".conveyor", "reports"),
		},
		Secrets: SecretsConfig{
			KeyringService: "conveyor",
			Vault:          VaultConfig{Mount: "secret"},
		},
		Warn: WarnConfig{
			VersionMismatch: true,
		},
	}
}

// Load reads .conveyor.yml from the repository root when present. Missing files are ignored.
func Load(root string) (Config, error) {
	return LoadFile(filepath.Join(root, FileName), true)
}

// LoadFile reads the config at path on top of the defaults. When optional is
// set a missing file yields the defaults.
func LoadFile(path string, optional bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	// Keys absent from the file keep their default values.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects unknown enumerated values.
func (c Config) Validate() error {
	switch strings.ToLower(c.Format) {
	case FormatPretty, FormatJSON:
	default:
		return fmt.Errorf("unsupported format %q", c.Format)
	}
	switch c.Provider {
	case ProviderLocal, ProviderDocker:
	default:
		return fmt.Errorf("unsupported provider %q (local|docker)", c.Provider)
	}
	switch c.Reports.Sink {
	case SinkDir:
	case SinkS3:
		if c.Reports.S3.Bucket == "" {
			return errors.New("reports.s3.bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("unsupported reports sink %q (dir|s3)", c.Reports.Sink)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Timeout < 0 || c.ActionTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q (debug|info|warn|error)", s)
	}
	return level, nil
}

// ApplyFlags mutates cfg by applying values from CLI flags when they are present.
func ApplyFlags(cfg *Config, flags FlagValues) error {
	applyString(&cfg.Pipeline, flags.Pipeline)
	applyString(&cfg.Branch, flags.Branch)
	applyString(&cfg.Format, flags.Format)
	applyString(&cfg.LogLevel, flags.LogLevel)
	applyString(&cfg.Provider, flags.Provider)
	applyString(&cfg.DefaultImage, flags.DefaultImage)
	applyString(&cfg.MetricsFile, flags.MetricsFile)
	applyString(&cfg.Reports.Sink, flags.ReportsSink)
	applyString(&cfg.Reports.Dir, flags.ReportsDir)

	applyBool(&cfg.Verbose, flags.Verbose)
	applyBool(&cfg.DryRun, flags.DryRun)
	applyBool(&cfg.FailOnUnstable, flags.FailOnUnstable)
	applyBool(&cfg.KeepWorkspaces, flags.KeepWorkspaces)
	applyBool(&cfg.AllowPrivileged, flags.AllowPrivileged)

	if flags.Timeout.Set {
		cfg.Timeout = flags.Timeout.Value
	}
	if flags.ActionTimeout.Set {
		cfg.ActionTimeout = flags.ActionTimeout.Value
	}
	if flags.TailLines.Set {
		cfg.TailLines = flags.TailLines.Value
	}

	if len(flags.OnlyStages.Values) > 0 {
		cfg.OnlyStages = append([]string{}, flags.OnlyStages.Values...)
	}
	if len(flags.SkipStages.Values) > 0 {
		cfg.SkipStages = append([]string{}, flags.SkipStages.Values...)
	}

	creds, err := ParseKeyValues(flags.Credentials.Values)
	if err != nil {
		return fmt.Errorf("parse --credential: %w", err)
	}
	cfg.Credentials = overlay(cfg.Credentials, creds)

	params, err := ParseKeyValues(flags.Params.Values)
	if err != nil {
		return fmt.Errorf("parse --param: %w", err)
	}
	cfg.Params = overlay(cfg.Params, params)

	return cfg.Validate()
}

// ParseKeyValues splits key=value pairs. Later keys win.
func ParseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

func overlay(base, top map[string]string) map[string]string {
	if len(top) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(top))
	maps.Copy(out, base)
	maps.Copy(out, top)
	return out
}

func applyString(dst *string, f StringFlag) {
	if f.Set {
		*dst = f.Value
	}
}

func applyBool(dst *bool, f BoolFlag) {
	if f.Set {
		*dst = f.Value
	}
}

// FlagValues captures CLI flag state with knowledge of whether each flag was set explicitly.
type FlagValues struct {
	Pipeline     StringFlag
	Branch       StringFlag
	Format       StringFlag
	LogLevel     StringFlag
	Provider     StringFlag
	DefaultImage StringFlag
	MetricsFile  StringFlag
	ReportsSink  StringFlag
	ReportsDir   StringFlag

	Verbose         BoolFlag
	DryRun          BoolFlag
	FailOnUnstable  BoolFlag
	KeepWorkspaces  BoolFlag
	AllowPrivileged BoolFlag

	Timeout       DurationFlag
	ActionTimeout DurationFlag
	TailLines     IntFlag

	OnlyStages  SliceFlag
	SkipStages  SliceFlag
	Credentials SliceFlag
	Params      SliceFlag
}

// StringFlag represents a string flag and whether it was set.
type StringFlag struct {
	Value string
	Set   bool
}

// SliceFlag represents a slice flag and whether it captured values via CLI.
type SliceFlag struct {
	Values []string
}

// BoolFlag represents a bool flag and whether it was set.
type BoolFlag struct {
	Value bool
	Set   bool
}

// DurationFlag represents a duration flag and whether it was set.
type DurationFlag struct {
	Value time.Duration
	Set   bool
}

// IntFlag represents an int flag and whether it was set.
type IntFlag struct {
	Value int
	Set   bool
}
