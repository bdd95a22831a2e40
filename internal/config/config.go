// Package config loads nodekeeper settings from a TOML file, NODEKEEPER_*
// environment variables and built-in defaults, in that order of precedence
// (environment wins over the file).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/nodekeeper/internal/env"
	"github.com/loykin/nodekeeper/internal/logger"
	"github.com/loykin/nodekeeper/internal/platform"
	"github.com/loykin/nodekeeper/internal/process"
)

// EnvPrefix prefixes every environment override, e.g. NODEKEEPER_NODE_CHAIN.
const EnvPrefix = "NODEKEEPER"

type Config struct {
	Log          logger.Config      `mapstructure:"log"`
	Install      InstallConfig      `mapstructure:"install"`
	Node         NodeConfig         `mapstructure:"node"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Server       ServerConfig       `mapstructure:"server"`
	History      HistoryConfig      `mapstructure:"history"`
	Detect       DetectConfig       `mapstructure:"detect"`
	Requirements RequirementsConfig `mapstructure:"requirements"`
	// TickInterval is how often the run loop polls the supervisor.
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type InstallConfig struct {
	Dir             string        `mapstructure:"dir"`
	Binary          string        `mapstructure:"binary"`
	Version         string        `mapstructure:"version"`
	BaseURL         string        `mapstructure:"base_url"`
	ReleaseEndpoint string        `mapstructure:"release_endpoint"`
	FallbackVersion string        `mapstructure:"fallback_version"`
	ResolveTimeout  time.Duration `mapstructure:"resolve_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	MaxArchiveMB    int64         `mapstructure:"max_archive_mb"`
	GitHubToken     string        `mapstructure:"github_token"`
}

type NodeConfig struct {
	process.NodeOptions `mapstructure:",squash"`

	Env         []string      `mapstructure:"env"`
	EnvFiles    []string      `mapstructure:"env_files"`
	WorkDir     string        `mapstructure:"workdir"`
	PIDFile     string        `mapstructure:"pidfile"`
	StopGrace   time.Duration `mapstructure:"stop_grace"`
	LogCapacity int           `mapstructure:"log_capacity"`
	QueueSize   int           `mapstructure:"queue_size"`
	// KeepRunning leaves the node alive when nodekeeper exits.
	KeepRunning bool `mapstructure:"keep_running"`
	// AutoStart starts the node after a successful install or adoption.
	AutoStart bool `mapstructure:"auto_start"`
}

type MetricsConfig struct {
	// Endpoint is scraped for the node's exposition text. Empty derives it
	// from node.metrics_addr.
	Endpoint string        `mapstructure:"endpoint"`
	Interval time.Duration `mapstructure:"interval"`
	Capacity int           `mapstructure:"capacity"`
	Custom   []string      `mapstructure:"custom"`
}

type ServerConfig struct {
	Enabled  bool       `mapstructure:"enabled"`
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	Auth     AuthConfig `mapstructure:"auth"`
	TLS      TLSConfig  `mapstructure:"tls"`
}

// AuthConfig guards the API. Token enables bearer auth; Username with
// PasswordHash (bcrypt) enables basic auth. Both may be set.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Token        string `mapstructure:"token"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

// TLSConfig serves the API over HTTPS. With AutoGenerate a self-signed
// pair is written to Dir when CertFile and KeyFile do not exist yet.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Dir          string   `mapstructure:"dir"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	DNSNames     []string `mapstructure:"dns_names"`
	ValidDays    int      `mapstructure:"valid_days"`
	MinVersion   string   `mapstructure:"min_version"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsn"`
	Limit   int      `mapstructure:"limit"`
}

type DetectConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Ports   []int  `mapstructure:"ports"`
	// Command, when set, is run and a zero exit means a node is running.
	Command string `mapstructure:"command"`
	// ProcessName scans the process table; empty uses install.binary.
	ProcessName string `mapstructure:"process_name"`
}

type RequirementsConfig struct {
	DiskGB   float64 `mapstructure:"disk_gb"`
	MemoryGB float64 `mapstructure:"memory_gb"`
}

// DefaultDirs resolves platform directories for the current user.
func DefaultDirs() platform.Dirs {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	goos, _ := platform.Current()
	return platform.DirsFor(goos, home, "")
}

// setDefaults registers every key so environment overrides apply to it.
func setDefaults(v *viper.Viper, dirs platform.Dirs) {
	v.SetDefault("tick_interval", "1s")

	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.color", false)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.stdout", "")
	v.SetDefault("log.file.stderr", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("install.dir", dirs.Bin)
	v.SetDefault("install.binary", "reth")
	v.SetDefault("install.version", "")
	v.SetDefault("install.base_url", "https://github.com/paradigmxyz/reth")
	v.SetDefault("install.release_endpoint", "https://api.github.com/repos/paradigmxyz/reth/releases/latest")
	v.SetDefault("install.fallback_version", "v1.5.0")
	v.SetDefault("install.resolve_timeout", "10s")
	v.SetDefault("install.idle_timeout", "60s")
	v.SetDefault("install.download_timeout", "30m")
	v.SetDefault("install.max_archive_mb", 1024)
	v.SetDefault("install.github_token", "")

	v.SetDefault("node.chain", "mainnet")
	v.SetDefault("node.datadir", dirs.Data)
	v.SetDefault("node.metrics_addr", "127.0.0.1:9001")
	v.SetDefault("node.log_file.dir", dirs.Logs)
	v.SetDefault("node.log_file.format", "terminal")
	v.SetDefault("node.log_file.filter", "info")
	v.SetDefault("node.log_file.max_size_mb", 50)
	v.SetDefault("node.log_file.max_files", 3)
	v.SetDefault("node.extra_args", []string{})
	v.SetDefault("node.env", []string{})
	v.SetDefault("node.env_files", []string{})
	v.SetDefault("node.workdir", "")
	v.SetDefault("node.pidfile", filepath.Join(dirs.Run, "node.pid"))
	v.SetDefault("node.stop_grace", process.DefaultStopGrace.String())
	v.SetDefault("node.log_capacity", process.DefaultLogCapacity)
	v.SetDefault("node.queue_size", process.DefaultQueueSize)
	v.SetDefault("node.keep_running", false)
	v.SetDefault("node.auto_start", false)

	v.SetDefault("metrics.endpoint", "")
	v.SetDefault("metrics.interval", "1s")
	v.SetDefault("metrics.capacity", 60)
	v.SetDefault("metrics.custom", []string{})

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8420")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.token", "")
	v.SetDefault("server.auth.username", "")
	v.SetDefault("server.auth.password_hash", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", filepath.Join(dirs.Base, "tls"))
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.auto_generate", true)
	v.SetDefault("server.tls.dns_names", []string{"localhost"})
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", []string{"sqlite://" + dirs.History})
	v.SetDefault("history.limit", 100)

	v.SetDefault("detect.enabled", true)
	v.SetDefault("detect.host", "127.0.0.1")
	v.SetDefault("detect.ports", []int{8545, 8546, 8551})
	v.SetDefault("detect.command", "")
	v.SetDefault("detect.process_name", "")

	v.SetDefault("requirements.disk_gb", 1536.0)
	v.SetDefault("requirements.memory_gb", 8.0)
}

func newViper(dirs platform.Dirs) *viper.Viper {
	v := viper.New()
	setDefaults(v, dirs)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (optional) over the defaults. With an empty path the
// per-user settings file is used when it exists.
func Load(path string) (*Config, error) {
	return LoadWithDirs(path, DefaultDirs())
}

// LoadWithDirs is Load with explicit platform directories.
func LoadWithDirs(path string, dirs platform.Dirs) (*Config, error) {
	v := newViper(dirs)
	explicit := path != ""
	if !explicit {
		path = dirs.Config
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefaults writes a settings file holding every default. An existing
// file is left alone unless force is set.
func WriteDefaults(path string, force bool) error {
	v := newViper(DefaultDirs())
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if force {
		return v.WriteConfigAs(path)
	}
	return v.SafeWriteConfigAs(path)
}

func (c *Config) applyDerived() {
	if c.Metrics.Endpoint == "" && c.Node.MetricsAddr != "" {
		c.Metrics.Endpoint = "http://" + c.Node.MetricsAddr + "/metrics"
	}
	if c.Detect.ProcessName == "" {
		c.Detect.ProcessName = c.Install.Binary
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Install.Binary == "" {
		errs = append(errs, errors.New("install.binary must be set"))
	}
	if c.Install.Dir == "" {
		errs = append(errs, errors.New("install.dir must be set"))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval))
	}
	if c.Metrics.Interval <= 0 {
		errs = append(errs, fmt.Errorf("metrics.interval must be positive, got %s", c.Metrics.Interval))
	}
	if c.Metrics.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("metrics.capacity must be positive, got %d", c.Metrics.Capacity))
	}
	if c.Node.LogCapacity <= 0 {
		errs = append(errs, fmt.Errorf("node.log_capacity must be positive, got %d", c.Node.LogCapacity))
	}
	if c.Node.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("node.stop_grace must not be negative, got %s", c.Node.StopGrace))
	}
	if a := c.Server.Auth; a.Enabled && a.Token == "" && (a.Username == "" || a.PasswordHash == "") {
		errs = append(errs, errors.New("server.auth: set token or username with password_hash"))
	}
	if t := c.Server.TLS; t.Enabled && !t.AutoGenerate && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file are required without auto_generate"))
	}
	for _, p := range c.Detect.Ports {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("detect.ports: invalid port %d", p))
		}
	}
	switch strings.ToLower(c.Log.Slog.Level) {
	case "", logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, "warning", logger.LevelError:
	default:
		errs = append(errs, fmt.Errorf("log.slog.level: unknown level %q", c.Log.Slog.Level))
	}
	return errors.Join(errs...)
}

// NodeEnv composes node.env_files and node.env into "K=V" overrides.
func (c *Config) NodeEnv() ([]string, error) {
	return env.Compose(c.Node.EnvFiles, c.Node.Env)
}
