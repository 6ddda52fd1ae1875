package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tobert/csvedit-mcp/internal/autosave"
	"github.com/tobert/csvedit-mcp/internal/session"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// projectConfigNames are searched in order in every directory on the way up.
var projectConfigNames = []string{".csvedit-mcp.json", ".csvedit-mcp.yaml", ".csvedit-mcp.yml"}

// Config holds the runtime configuration for the CSV editing server.
// It can be populated from CLI flags, config files, or both.
type Config struct {
	// Comment field for user documentation (ignored by the application)
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`

	// MCP transport configuration
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"` // "stdio" (default) or "http"
	HTTPHost  string `json:"http_host,omitempty" yaml:"http_host,omitempty"` // HTTP server bind address
	HTTPPort  int    `json:"http_port,omitempty" yaml:"http_port,omitempty"` // HTTP server port
	Stateless bool   `json:"stateless,omitempty" yaml:"stateless,omitempty"` // Run HTTP transport in stateless mode

	// Session registry
	SessionTTL        string `json:"session_ttl,omitempty" yaml:"session_ttl,omitempty"` // e.g. "60m"
	MaxSessions       int    `json:"max_sessions,omitempty" yaml:"max_sessions,omitempty"`
	SweepInterval     string `json:"sweep_interval,omitempty" yaml:"sweep_interval,omitempty"`
	HistoryWindow     int    `json:"history_window,omitempty" yaml:"history_window,omitempty"`
	MaxHistoryRecords int    `json:"max_history_records,omitempty" yaml:"max_history_records,omitempty"`

	// Default auto-save policy for new sessions
	AutoSaveMode     string `json:"auto_save_mode,omitempty" yaml:"auto_save_mode,omitempty"`
	AutoSaveStrategy string `json:"auto_save_strategy,omitempty" yaml:"auto_save_strategy,omitempty"`
	AutoSaveInterval string `json:"auto_save_interval,omitempty" yaml:"auto_save_interval,omitempty"`
	AutoSaveFormat   string `json:"auto_save_format,omitempty" yaml:"auto_save_format,omitempty"`
	BackupDir        string `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"`
	MaxBackups       int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxVersions      int    `json:"max_versions,omitempty" yaml:"max_versions,omitempty"`

	// Web UI, served next to /mcp on the HTTP transport or standalone with stdio
	WebUIPort int    `json:"webui_port,omitempty" yaml:"webui_port,omitempty"` // 0 = same port as HTTP, disabled on stdio
	WebUIHost string `json:"webui_host,omitempty" yaml:"webui_host,omitempty"`

	// Logging configuration
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFile  string `json:"log_file,omitempty" yaml:"log_file,omitempty"`
	LogJSON  bool   `json:"log_json,omitempty" yaml:"log_json,omitempty"`
	Verbose  bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	as := autosave.DefaultConfig()
	return &Config{
		Transport:        "stdio",
		HTTPHost:         "127.0.0.1",
		HTTPPort:         4390,
		SessionTTL:       session.DefaultTTL.String(),
		MaxSessions:      session.DefaultMaxSessions,
		SweepInterval:    session.DefaultSweepInterval.String(),
		AutoSaveMode:     string(as.Mode),
		AutoSaveStrategy: string(as.Strategy),
		AutoSaveInterval: as.Interval.String(),
		AutoSaveFormat:   string(as.Format),
		BackupDir:        as.BackupDir,
		MaxBackups:       as.MaxBackups,
		MaxVersions:      as.MaxVersions,
		WebUIHost:        "127.0.0.1",
		LogLevel:         "info",
	}
}

// LoadConfigFromFile loads configuration from a JSON or YAML file.
// The format is chosen by extension; anything but .yaml/.yml is JSON.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return parseConfig(path, data)
}

func parseConfig(path string, data []byte) (*Config, error) {
	var config Config
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &config, nil
}

// FindProjectConfig searches for a .csvedit-mcp.{json,yaml,yml} config file.
// It starts in the current directory and walks up looking for the file,
// stopping when it finds a .git directory (project root) or reaches root.
func FindProjectConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return findProjectConfigFrom(dir)
}

func findProjectConfigFrom(dir string) (string, error) {
	for {
		for _, name := range projectConfigNames {
			configPath := filepath.Join(dir, name)
			if _, err := os.Stat(configPath); err == nil {
				return configPath, nil
			}
		}

		// Stop at the git repo root even if no config was found
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", os.ErrNotExist
}

// GlobalConfigPath returns the path to the global config file:
// ~/.config/csvedit-mcp/config.yaml when it exists, config.json otherwise.
func GlobalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".config", "csvedit-mcp")
	for _, name := range []string{"config.yaml", "config.yml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return filepath.Join(dir, name)
		}
	}
	return filepath.Join(dir, "config.json")
}

// MergeConfigs merges two configs with the overlay taking precedence.
// Fields in overlay override corresponding fields in base.
// Returns a new Config with the merged values.
func MergeConfigs(base, overlay *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if overlay == nil {
		return base
	}

	merged := *base

	// Transport
	if overlay.Transport != "" {
		merged.Transport = overlay.Transport
	}
	if overlay.HTTPHost != "" {
		merged.HTTPHost = overlay.HTTPHost
	}
	if overlay.HTTPPort > 0 {
		merged.HTTPPort = overlay.HTTPPort
	}
	if overlay.Stateless {
		merged.Stateless = overlay.Stateless
	}

	// Registry
	if overlay.SessionTTL != "" {
		merged.SessionTTL = overlay.SessionTTL
	}
	if overlay.MaxSessions > 0 {
		merged.MaxSessions = overlay.MaxSessions
	}
	if overlay.SweepInterval != "" {
		merged.SweepInterval = overlay.SweepInterval
	}
	if overlay.HistoryWindow > 0 {
		merged.HistoryWindow = overlay.HistoryWindow
	}
	if overlay.MaxHistoryRecords > 0 {
		merged.MaxHistoryRecords = overlay.MaxHistoryRecords
	}

	// Auto-save defaults
	if overlay.AutoSaveMode != "" {
		merged.AutoSaveMode = overlay.AutoSaveMode
	}
	if overlay.AutoSaveStrategy != "" {
		merged.AutoSaveStrategy = overlay.AutoSaveStrategy
	}
	if overlay.AutoSaveInterval != "" {
		merged.AutoSaveInterval = overlay.AutoSaveInterval
	}
	if overlay.AutoSaveFormat != "" {
		merged.AutoSaveFormat = overlay.AutoSaveFormat
	}
	if overlay.BackupDir != "" {
		merged.BackupDir = overlay.BackupDir
	}
	if overlay.MaxBackups > 0 {
		merged.MaxBackups = overlay.MaxBackups
	}
	if overlay.MaxVersions > 0 {
		merged.MaxVersions = overlay.MaxVersions
	}

	// Web UI
	if overlay.WebUIPort > 0 {
		merged.WebUIPort = overlay.WebUIPort
	}
	if overlay.WebUIHost != "" {
		merged.WebUIHost = overlay.WebUIHost
	}

	// Logging
	if overlay.LogLevel != "" {
		merged.LogLevel = overlay.LogLevel
	}
	if overlay.LogFile != "" {
		merged.LogFile = overlay.LogFile
	}
	if overlay.LogJSON {
		merged.LogJSON = overlay.LogJSON
	}
	if overlay.Verbose {
		merged.Verbose = overlay.Verbose
	}

	return &merged
}

// ConfigPaths returns the config files that LoadEffectiveConfig reads, in
// layering order. The global and project files are included only if they
// exist; an explicit configPath replaces the project file.
func ConfigPaths(configPath string) []string {
	var paths []string
	if globalPath := GlobalConfigPath(); globalPath != "" {
		if _, err := os.Stat(globalPath); err == nil {
			paths = append(paths, globalPath)
		}
	}
	if configPath != "" {
		return append(paths, configPath)
	}
	if projectPath, err := FindProjectConfig(); err == nil {
		paths = append(paths, projectPath)
	}
	return paths
}

// LoadEffectiveConfig loads the effective configuration by merging:
// 1. Built-in defaults
// 2. Global config file (if exists)
// 3. Project config file (if exists)
// 4. Explicit config file (if specified via configPath)
// Later sources override earlier ones.
func LoadEffectiveConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	globalPath := GlobalConfigPath()
	for _, path := range ConfigPaths(configPath) {
		cfg, err := LoadConfigFromFile(path)
		if err != nil {
			if path == globalPath {
				// The global config is optional; a broken one is ignored.
				continue
			}
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		config = MergeConfigs(config, cfg)
	}

	return config, nil
}

// parseDuration accepts Go durations ("90s", "1h") and bare seconds ("300").
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid %s %q", field, s)
}

// AutoSaveConfig converts the auto-save fields into a validated policy.
func (c *Config) AutoSaveConfig() (autosave.Config, error) {
	as := autosave.DefaultConfig()
	as.Mode = autosave.Mode(c.AutoSaveMode)
	as.Enabled = as.Mode != autosave.ModeDisabled
	as.Strategy = autosave.Strategy(c.AutoSaveStrategy)
	as.Format = table.Format(c.AutoSaveFormat)
	if c.BackupDir != "" {
		as.BackupDir = c.BackupDir
	}
	as.MaxBackups = c.MaxBackups
	as.MaxVersions = c.MaxVersions

	interval, err := parseDuration("auto_save_interval", c.AutoSaveInterval)
	if err != nil {
		return as, err
	}
	if interval > 0 {
		as.Interval = interval
	}
	return as.Validate()
}

// RegistryConfig converts the config into session registry settings.
func (c *Config) RegistryConfig() (session.Config, error) {
	cfg := session.DefaultConfig()

	ttl, err := parseDuration("session_ttl", c.SessionTTL)
	if err != nil {
		return cfg, err
	}
	if ttl > 0 {
		cfg.TTL = ttl
	}
	sweep, err := parseDuration("sweep_interval", c.SweepInterval)
	if err != nil {
		return cfg, err
	}
	if sweep > 0 {
		cfg.SweepInterval = sweep
	}
	if c.MaxSessions > 0 {
		cfg.MaxSessions = c.MaxSessions
	}
	if c.HistoryWindow > 0 {
		cfg.HistoryWindow = c.HistoryWindow
	}
	cfg.MaxHistoryRecords = c.MaxHistoryRecords

	as, err := c.AutoSaveConfig()
	if err != nil {
		return cfg, err
	}
	cfg.AutoSave = as
	return cfg, nil
}
