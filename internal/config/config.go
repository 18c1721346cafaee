// Package config handles gpumon configuration and on-disk data locations.
package config

import (
	"os"
	"path/filepath"
)

const (
	// DataDirName is the directory name under XDG_DATA_HOME.
	DataDirName = "gpumon"
	NodesFile   = "nodes.yml"
	LedgerFile  = "occupations.jsonl"
	HistoryFile = "history.db"
)

// Default values applied by Load when a field is left empty.
const (
	DefaultConnectTimeout   = 10 // seconds
	DefaultHostKeyPolicy    = HostKeyInsecure
	DefaultDialRate         = 20.0
	DefaultStatusTimeout    = 20 // seconds
	DefaultRefreshInterval  = 60 // seconds
	DefaultInterpreter      = "python3"
	DefaultRemoteDir        = "/tmp/gpumon"
	DefaultOccupyLog        = "/tmp/gpumon/occupy.log"
	DefaultOccupyTimeout    = 60 // seconds
	DefaultPollInterval     = 60 // seconds
	DefaultLogLevel         = "info"
	DefaultMonitorMinFreeGB = 10.0
)

// Host key policies accepted in ssh.host_key_policy.
const (
	HostKeyInsecure   = "insecure"
	HostKeyKnownHosts = "known_hosts"
)

// DefaultDataDir returns $XDG_DATA_HOME/gpumon, falling back to
// ~/.local/share/gpumon.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, DataDirName)
}

// NodesPath returns the node registry file location.
func (c *Config) NodesPath() string {
	if c.NodesFile != "" {
		return c.NodesFile
	}
	return filepath.Join(c.DataDir, NodesFile)
}

// LedgerPath returns the occupation ledger file location.
func (c *Config) LedgerPath() string {
	if c.LedgerFile != "" {
		return c.LedgerFile
	}
	return filepath.Join(c.DataDir, LedgerFile)
}

// HistoryPath returns the SQLite history database location.
func (c *Config) HistoryPath() string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(c.DataDir, HistoryFile)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// ExpandPath expands ~ to the user's home directory.
// Returns the original path unchanged if it doesn't start with ~.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path // Return original if we can't get home directory
	}

	return filepath.Join(home, path[1:])
}
