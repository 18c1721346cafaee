package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents configuration stored in ~/.config/gpumon/config.yml.
type Config struct {
	DataDir    string `yaml:"data_dir,omitempty"`
	NodesFile  string `yaml:"nodes_file,omitempty"`
	LedgerFile string `yaml:"ledger_file,omitempty"`
	HistoryDB  string `yaml:"history_db,omitempty"`
	LogLevel   string `yaml:"log_level,omitempty"`

	SSH     SSHConfig     `yaml:"ssh"`
	Status  StatusConfig  `yaml:"status"`
	Occupy  OccupyConfig  `yaml:"occupy"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// SSHConfig holds SSH connection parameters shared by all nodes.
// Per-node settings in the registry take precedence.
type SSHConfig struct {
	User           string  `yaml:"user,omitempty"`
	KeyPath        string  `yaml:"key_path,omitempty"`
	ProxyJump      string  `yaml:"proxy_jump,omitempty"`
	ConnectTimeout int     `yaml:"connect_timeout,omitempty"` // seconds, default 10
	HostKeyPolicy  string  `yaml:"host_key_policy,omitempty"` // "insecure" or "known_hosts"
	KnownHostsPath string  `yaml:"known_hosts,omitempty"`
	DialRate       float64 `yaml:"dial_rate,omitempty"` // new connections per second
}

// StatusConfig controls status queries.
type StatusConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	RefreshSeconds int `yaml:"refresh_seconds,omitempty"`
}

// OccupyConfig controls occupation launches.
type OccupyConfig struct {
	Interpreter    string `yaml:"interpreter,omitempty"`
	RemoteDir      string `yaml:"remote_dir,omitempty"`
	LogPath        string `yaml:"log_path,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// MonitorConfig holds auto-occupy monitor defaults.
type MonitorConfig struct {
	PollSeconds int     `yaml:"poll_seconds,omitempty"`
	MinFreeGB   float64 `yaml:"min_free_gb,omitempty"`
}

const (
	// GlobalConfigDir is the directory name under XDG_CONFIG_HOME.
	GlobalConfigDir = "gpumon"
	// GlobalConfigFile is the config file name.
	GlobalConfigFile = "config.yml"
	// ConfigEnvVar overrides the config file location.
	ConfigEnvVar = "GPUMON_CONFIG"
)

// globalConfigCache caches the loaded global config.
var globalConfigCache *Config

// GlobalConfigPath returns the path to the config file.
// GPUMON_CONFIG wins; otherwise respects XDG_CONFIG_HOME, defaulting to
// ~/.config/gpumon/config.yml.
func GlobalConfigPath() string {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return ExpandPath(p)
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, GlobalConfigDir, GlobalConfigFile)
}

// Load loads the global configuration file with defaults applied.
// Returns a default config (not an error) if the file doesn't exist.
func Load() (*Config, error) {
	if globalConfigCache != nil {
		return globalConfigCache, nil
	}

	cfg, err := LoadFile(GlobalConfigPath())
	if err != nil {
		return nil, err
	}
	globalConfigCache = cfg
	return cfg, nil
}

// LoadFile reads and validates the config at path. A missing file yields
// the defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// ResetGlobalConfigCache clears the cached global config.
// Useful for testing.
func ResetGlobalConfigCache() {
	globalConfigCache = nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	c.DataDir = ExpandPath(c.DataDir)
	c.NodesFile = ExpandPath(c.NodesFile)
	c.LedgerFile = ExpandPath(c.LedgerFile)
	c.HistoryDB = ExpandPath(c.HistoryDB)
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.SSH.ConnectTimeout <= 0 {
		c.SSH.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SSH.HostKeyPolicy == "" {
		c.SSH.HostKeyPolicy = DefaultHostKeyPolicy
	}
	if c.SSH.KnownHostsPath == "" {
		c.SSH.KnownHostsPath = "~/.ssh/known_hosts"
	}
	c.SSH.KnownHostsPath = ExpandPath(c.SSH.KnownHostsPath)
	c.SSH.KeyPath = ExpandPath(c.SSH.KeyPath)
	if c.SSH.DialRate <= 0 {
		c.SSH.DialRate = DefaultDialRate
	}

	if c.Status.TimeoutSeconds <= 0 {
		c.Status.TimeoutSeconds = DefaultStatusTimeout
	}
	if c.Status.RefreshSeconds <= 0 {
		c.Status.RefreshSeconds = DefaultRefreshInterval
	}

	if c.Occupy.Interpreter == "" {
		c.Occupy.Interpreter = DefaultInterpreter
	}
	if c.Occupy.RemoteDir == "" {
		c.Occupy.RemoteDir = DefaultRemoteDir
	}
	if c.Occupy.LogPath == "" {
		c.Occupy.LogPath = DefaultOccupyLog
	}
	if c.Occupy.TimeoutSeconds <= 0 {
		c.Occupy.TimeoutSeconds = DefaultOccupyTimeout
	}

	if c.Monitor.PollSeconds <= 0 {
		c.Monitor.PollSeconds = DefaultPollInterval
	}
	if c.Monitor.MinFreeGB <= 0 {
		c.Monitor.MinFreeGB = DefaultMonitorMinFreeGB
	}
}

// Validate checks fields that have no sensible default.
func (c *Config) Validate() error {
	switch c.SSH.HostKeyPolicy {
	case HostKeyInsecure, HostKeyKnownHosts:
	default:
		return fmt.Errorf("ssh.host_key_policy must be %q or %q, got %q", HostKeyInsecure, HostKeyKnownHosts, c.SSH.HostKeyPolicy)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir could not be determined; set it explicitly")
	}
	return nil
}
