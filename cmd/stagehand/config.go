package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/stagehand/internal/core/domain"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Target    TargetConfig    `mapstructure:"target"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Validate  ValidateConfig  `mapstructure:"validate"`
	Log       LogConfig       `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// TargetConfig is the raw deployment target. It is validated by
// domain.NewDeploymentConfig before anything runs.
type TargetConfig struct {
	RepoURL string `mapstructure:"repo_url"`
	Token   string `mapstructure:"token"`
	Branch  string `mapstructure:"branch"`
	Host    string `mapstructure:"host"`
	User    string `mapstructure:"user"`
	KeyPath string `mapstructure:"key_path"`
	AppPort int    `mapstructure:"app_port"`
}

// SSHConfig holds remote session configuration.
type SSHConfig struct {
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KnownHosts     string        `mapstructure:"known_hosts"`
}

// RemoteConfig holds the remote directory layout.
type RemoteConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// WorkspaceConfig holds the local checkout location.
type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

// TransferConfig holds artifact transfer configuration.
// Empty Exclude means the built-in exclusion set.
type TransferConfig struct {
	Exclude []string `mapstructure:"exclude"`
}

// DeployConfig holds readiness polling configuration.
type DeployConfig struct {
	ReadyTimeout  time.Duration `mapstructure:"ready_timeout"`
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
}

// ProxyConfig holds reverse proxy configuration.
type ProxyConfig struct {
	PublicPort int `mapstructure:"public_port"`
}

// ValidateConfig holds post-deployment probe configuration.
type ValidateConfig struct {
	ProbePath    string        `mapstructure:"probe_path"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	ProbeRetries int           `mapstructure:"probe_retries"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// HistoryConfig holds run history configuration.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	// Textfile is written after every run for the node_exporter textfile
	// collector. Empty disables the export.
	Textfile string `mapstructure:"textfile"`
}

// Input returns the raw deployment input for validation.
func (c *Config) Input() domain.DeploymentInput {
	return domain.DeploymentInput{
		RepoURL: c.Target.RepoURL,
		Token:   c.Target.Token,
		Branch:  c.Target.Branch,
		Host:    c.Target.Host,
		User:    c.Target.User,
		KeyPath: c.Target.KeyPath,
		AppPort: c.Target.AppPort,
	}
}

// Settings returns the operational settings of a run.
func (c *Config) Settings() domain.Settings {
	return domain.Settings{
		SSHPort:        c.SSH.Port,
		ConnectTimeout: c.SSH.ConnectTimeout,
		KnownHostsPath: c.SSH.KnownHosts,
		WorkDir:        c.Workspace.Dir,
		RemoteBaseDir:  c.Remote.BaseDir,
		PublicPort:     c.Proxy.PublicPort,
		ReadyTimeout:   c.Deploy.ReadyTimeout,
		ReadyInterval:  c.Deploy.ReadyInterval,
		ProbeTimeout:   c.Validate.ProbeTimeout,
		ProbePath:      c.Validate.ProbePath,
	}.WithDefaults()
}

// =============================================================================
// Flags
// =============================================================================

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"repo-url":  "target.repo_url",
	"token":     "target.token",
	"branch":    "target.branch",
	"host":      "target.host",
	"user":      "target.user",
	"key":       "target.key_path",
	"port":      "target.app_port",
	"ssh-port":  "ssh.port",
	"log-dir":   "log.dir",
	"log-level": "log.level",
	"history":   "history.dsn",
}

// targetFlags registers the flags shared by deploy and cleanup.
func targetFlags(fs *pflag.FlagSet) {
	fs.String("repo-url", "", "Repository URL (https://host/owner/repo)")
	fs.String("token", "", "Access token for the repository")
	fs.String("branch", "", "Branch to deploy (default \"main\")")
	fs.String("host", "", "Remote host name or IP address")
	fs.String("user", "", "Remote SSH user")
	fs.String("key", "", "Path to the SSH private key")
	fs.Int("port", 0, "Application port inside the container")
	fs.Int("ssh-port", 0, "Remote SSH port (default 22)")
}

// commonFlags registers the flags every command accepts.
func commonFlags(fs *pflag.FlagSet) *string {
	configPath := fs.String("config", "", "Path to config file")
	fs.String("log-dir", "", "Directory for run log files")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("history", "", "Run history database path")
	return configPath
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from defaults, file, environment and
// flags, in increasing precedence. flags may be nil.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Target has no defaults but every key must be known for env overrides
	v.SetDefault("target.repo_url", "")
	v.SetDefault("target.token", "")
	v.SetDefault("target.branch", domain.DefaultBranch)
	v.SetDefault("target.host", "")
	v.SetDefault("target.user", "")
	v.SetDefault("target.key_path", "")
	v.SetDefault("target.app_port", 0)

	d := domain.DefaultSettings()
	v.SetDefault("ssh.port", d.SSHPort)
	v.SetDefault("ssh.connect_timeout", d.ConnectTimeout.String())
	v.SetDefault("ssh.known_hosts", d.KnownHostsPath)
	v.SetDefault("remote.base_dir", d.RemoteBaseDir)
	v.SetDefault("workspace.dir", d.WorkDir)
	v.SetDefault("transfer.exclude", []string{})
	v.SetDefault("deploy.ready_timeout", d.ReadyTimeout.String())
	v.SetDefault("deploy.ready_interval", d.ReadyInterval.String())
	v.SetDefault("proxy.public_port", d.PublicPort)
	v.SetDefault("validate.probe_path", d.ProbePath)
	v.SetDefault("validate.probe_timeout", d.ProbeTimeout.String())
	v.SetDefault("validate.probe_retries", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "./logs")
	v.SetDefault("history.dsn", "./.stagehand/history.db")
	v.SetDefault("metrics.textfile", "")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("STAGEHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Only flags given on the command line override the lower layers
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format writing to w.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// OpenRunLog creates the append-only log file of one run,
// <dir>/<action>_<timestamp>.log.
func OpenRunLog(dir string, action domain.Action, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.log", action, now.Format("20060102_150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	return f, nil
}
