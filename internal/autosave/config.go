// Package autosave persists session datasets according to a per-session
// policy: after every committed operation, on a periodic timer, or both.
package autosave

import (
	"time"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// Mode selects when saves happen.
type Mode string

const (
	ModeDisabled       Mode = "disabled"
	ModeAfterOperation Mode = "after_operation"
	ModePeriodic       Mode = "periodic"
	ModeHybrid         Mode = "hybrid"
)

// Strategy selects where saves go.
type Strategy string

const (
	StrategyOverwrite Strategy = "overwrite"
	StrategyBackup    Strategy = "backup"
	StrategyVersioned Strategy = "versioned"
	StrategyCustom    Strategy = "custom"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultMaxBackups  = 10
	DefaultMaxVersions = 10
	DefaultBackupDir   = ".csv_backups"
)

// Config is a complete auto-save policy. Configure replaces it wholesale.
type Config struct {
	Enabled  bool
	Mode     Mode
	Strategy Strategy
	Interval time.Duration
	// BackupDir holds backup, versioned and fallback overwrite files.
	BackupDir string
	// CustomPath is the target of the custom strategy. {session_id} and
	// {timestamp} are substituted.
	CustomPath  string
	MaxBackups  int
	MaxVersions int
	Format      table.Format
}

// DefaultConfig saves after every operation by overwriting the source.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Mode:        ModeAfterOperation,
		Strategy:    StrategyOverwrite,
		Interval:    DefaultInterval,
		BackupDir:   DefaultBackupDir,
		MaxBackups:  DefaultMaxBackups,
		MaxVersions: DefaultMaxVersions,
		Format:      table.FormatCSV,
	}
}

// Active reports whether any automatic save can happen.
func (c Config) Active() bool {
	return c.Enabled && c.Mode != ModeDisabled
}

// Periodic reports whether the config needs a timer.
func (c Config) Periodic() bool {
	return c.Active() && (c.Mode == ModePeriodic || c.Mode == ModeHybrid)
}

// AfterOperation reports whether committed operations trigger a save.
func (c Config) AfterOperation() bool {
	return c.Active() && (c.Mode == ModeAfterOperation || c.Mode == ModeHybrid)
}

// Validate checks the config and fills empty optional fields.
func (c Config) Validate() (Config, error) {
	switch c.Mode {
	case ModeDisabled, ModeAfterOperation, ModePeriodic, ModeHybrid:
	case "":
		c.Mode = ModeAfterOperation
	default:
		return c, apperr.ErrInvalidConfig.WithDetails("unknown mode %q", c.Mode)
	}
	switch c.Strategy {
	case StrategyOverwrite, StrategyBackup, StrategyVersioned, StrategyCustom:
	case "":
		c.Strategy = StrategyOverwrite
	default:
		return c, apperr.ErrInvalidConfig.WithDetails("unknown strategy %q", c.Strategy)
	}
	if (c.Mode == ModePeriodic || c.Mode == ModeHybrid) && c.Interval <= 0 {
		return c, apperr.ErrInvalidConfig.WithDetails("%s mode needs a positive interval", c.Mode)
	}
	if c.Strategy == StrategyCustom && c.CustomPath == "" {
		return c, apperr.ErrInvalidConfig.WithDetails("custom strategy needs a custom path")
	}
	if c.MaxBackups < 0 || c.MaxVersions < 0 {
		return c, apperr.ErrInvalidConfig.WithDetails("retention counts must not be negative")
	}
	f, err := table.ParseFormat(string(c.Format))
	if err != nil {
		return c, apperr.ErrInvalidConfig.WithCause(err)
	}
	c.Format = f
	if c.BackupDir == "" {
		c.BackupDir = DefaultBackupDir
	}
	return c, nil
}
