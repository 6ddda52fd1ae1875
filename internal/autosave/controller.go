package autosave

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

// DefaultLockWait bounds how long a periodic save waits for the session.
const DefaultLockWait = 100 * time.Millisecond

// Host is the session a controller saves for. Saves read Dataset while
// holding the host's lock.
type Host interface {
	TryLock(wait time.Duration) bool
	Unlock()
	Dataset() *table.Dataset
}

// Result describes a completed save.
type Result struct {
	Path     string    `json:"path"`
	Strategy Strategy  `json:"strategy"`
	Trigger  string    `json:"trigger"`
	Bytes    int       `json:"bytes"`
	Pruned   []string  `json:"pruned,omitempty"`
	At       time.Time `json:"at"`
}

// Options wires a Controller to its session.
type Options struct {
	SessionID string
	// SourcePath is where the dataset was loaded from; empty for inline content.
	SourcePath string
	Scheduler  *Scheduler
	Host       Host
	LockWait   time.Duration
	Logger     zerolog.Logger
	Now        func() time.Time
	// OnSave observes every save attempt; err is nil on success.
	OnSave func(sessionID string, strategy Strategy, res *Result, err error)
	// OnSkip observes periodic ticks skipped because the session was busy.
	OnSkip func(sessionID string)
}

// Controller applies one session's auto-save policy. Callers hold the
// session lock around Save, OnOperationCommitted and TriggerManualSave.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	cfg        Config
	job        JobID
	scheduled  bool
	stopped    bool
	lastStamp  time.Time
	lastSaveAt time.Time
	lastPath   string
	lastErr    string
	lastErrAt  time.Time
	saves      int
	failures   int
	skipped    int
}

// New creates a controller. The config is validated and, when periodic,
// scheduled immediately.
func New(cfg Config, opts Options) (*Controller, error) {
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		opts: opts,
		log:  opts.Logger.With().Str("session", opts.SessionID).Logger(),
	}
	if err := c.Configure(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Configure validates cfg and replaces the current policy. An invalid cfg
// leaves the previous policy and timer untouched.
func (c *Controller) Configure(cfg Config) error {
	valid, err := cfg.Validate()
	if err != nil {
		return err
	}
	if valid.Periodic() && c.opts.Scheduler == nil {
		return apperr.ErrInvalidConfig.WithDetails("periodic saves are unavailable without a scheduler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return apperr.ErrSessionNotFound.WithDetails("session %s is closed", c.opts.SessionID)
	}
	c.cancelLocked()
	c.cfg = valid
	if valid.Periodic() {
		c.job = c.opts.Scheduler.Every(valid.Interval, c.tick)
		c.scheduled = true
	}
	c.log.Debug().
		Str("mode", string(valid.Mode)).
		Str("strategy", string(valid.Strategy)).
		Dur("interval", valid.Interval).
		Msg("auto-save configured")
	return nil
}

func (c *Controller) cancelLocked() {
	if c.scheduled {
		c.opts.Scheduler.Cancel(c.job)
		c.scheduled = false
	}
}

// Config returns the current policy.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Disable turns automatic saves off and cancels the timer.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.cfg.Enabled = false
	c.cfg.Mode = ModeDisabled
}

// Stop cancels the timer permanently. Later ticks and configuration are
// refused; explicit saves still work for the final save on close.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.stopped = true
}

// OnOperationCommitted saves ds when the policy saves after operations.
// It returns nil, nil when no save was due. A failed save is reported as an
// AutoSaveFailure error; the operation that triggered it stands.
func (c *Controller) OnOperationCommitted(ds *table.Dataset) (*Result, error) {
	if !c.Config().AfterOperation() {
		return nil, nil
	}
	res, err := c.save(ds, "after_operation")
	if err != nil {
		return nil, apperr.ErrAutoSaveFailure.WithCause(err)
	}
	return res, nil
}

// TriggerManualSave saves ds with the current strategy regardless of mode.
// A failed write is a StorageIOError.
func (c *Controller) TriggerManualSave(ds *table.Dataset) (*Result, error) {
	return c.save(ds, "manual")
}

// Save writes ds with the current strategy. trigger labels the result.
// A failed write is a StorageIOError.
func (c *Controller) Save(ds *table.Dataset, trigger string) (*Result, error) {
	return c.save(ds, trigger)
}

func (c *Controller) tick() {
	c.mu.Lock()
	stopped, periodic := c.stopped, c.cfg.Periodic()
	c.mu.Unlock()
	if stopped || !periodic {
		return
	}

	host := c.opts.Host
	if host == nil {
		return
	}
	if !host.TryLock(c.opts.LockWait) {
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		c.log.Debug().Msg("periodic save skipped: session busy")
		if c.opts.OnSkip != nil {
			c.opts.OnSkip(c.opts.SessionID)
		}
		return
	}
	defer host.Unlock()

	// Stop or reconfiguration may have happened while waiting for the lock.
	c.mu.Lock()
	stopped, periodic = c.stopped, c.cfg.Periodic()
	c.mu.Unlock()
	if stopped || !periodic {
		return
	}

	// Failures are already recorded in status and logged by save.
	_, _ = c.save(host.Dataset(), "periodic")
}

func (c *Controller) save(ds *table.Dataset, trigger string) (*Result, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	res, err := c.write(ds, cfg, trigger)

	c.mu.Lock()
	now := c.opts.Now()
	if err != nil {
		c.failures++
		c.lastErr = err.Error()
		c.lastErrAt = now
	} else {
		c.saves++
		c.lastSaveAt = res.At
		c.lastPath = res.Path
		c.lastErr = ""
	}
	c.mu.Unlock()

	if c.opts.OnSave != nil {
		c.opts.OnSave(c.opts.SessionID, cfg.Strategy, res, err)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("trigger", trigger).Str("strategy", string(cfg.Strategy)).Msg("save failed")
		return nil, err
	}
	c.log.Debug().Str("trigger", trigger).Str("path", res.Path).Int("bytes", res.Bytes).Msg("dataset saved")
	return res, nil
}

func (c *Controller) write(ds *table.Dataset, cfg Config, trigger string) (*Result, error) {
	if ds == nil {
		return nil, fmt.Errorf("no dataset to save")
	}
	data, err := table.Bytes(ds, cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}

	now := c.opts.Now()
	path, prune, err := c.target(cfg, now)
	if err != nil {
		return nil, apperr.ErrStorageIO.WithCause(err)
	}
	if err := storage.WriteFileAtomic(path, data); err != nil {
		return nil, apperr.ErrStorageIO.WithCause(err)
	}

	res := &Result{Path: path, Strategy: cfg.Strategy, Trigger: trigger, Bytes: len(data), At: now}
	if prune != nil {
		deleted, err := storage.PruneFiles(prune.dir, prune.pattern, prune.keep)
		if err != nil {
			return nil, apperr.ErrStorageIO.WithCause(fmt.Errorf("prune %s: %w", prune.dir, err))
		}
		res.Pruned = deleted
	}
	return res, nil
}

type pruneRule struct {
	dir     string
	pattern *regexp.Regexp
	keep    int
}

// baseName is the file stem saves derive their names from.
func (c *Controller) baseName() string {
	if c.opts.SourcePath != "" {
		base := filepath.Base(c.opts.SourcePath)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
	return "session_" + c.opts.SessionID
}

const stampLayout = "20060102150405"

// target resolves the output path for one save.
func (c *Controller) target(cfg Config, now time.Time) (string, *pruneRule, error) {
	ext := cfg.Format.Ext()
	base := c.baseName()

	switch cfg.Strategy {
	case StrategyOverwrite:
		if c.opts.SourcePath != "" {
			return c.opts.SourcePath, nil, nil
		}
		return filepath.Join(cfg.BackupDir, fmt.Sprintf("session_%s_autosave.%s", c.opts.SessionID, ext)), nil, nil

	case StrategyBackup:
		stamp := c.nextStamp(cfg.BackupDir, base, ext, now)
		path := filepath.Join(cfg.BackupDir, fmt.Sprintf("%s_%s.%s", base, stamp.Format(stampLayout), ext))
		pattern := regexp.MustCompile("^" + regexp.QuoteMeta(base) + `_\d{14}\.` + regexp.QuoteMeta(ext) + "$")
		return path, &pruneRule{dir: cfg.BackupDir, pattern: pattern, keep: cfg.MaxBackups}, nil

	case StrategyVersioned:
		pattern := regexp.MustCompile("^" + regexp.QuoteMeta(base) + `_v(\d{4,})\.` + regexp.QuoteMeta(ext) + "$")
		names, err := storage.MatchFiles(cfg.BackupDir, pattern)
		if err != nil {
			return "", nil, err
		}
		next := 1
		for _, name := range names {
			if n, err := strconv.Atoi(pattern.FindStringSubmatch(name)[1]); err == nil && n >= next {
				next = n + 1
			}
		}
		path := filepath.Join(cfg.BackupDir, fmt.Sprintf("%s_v%04d.%s", base, next, ext))
		return path, &pruneRule{dir: cfg.BackupDir, pattern: pattern, keep: cfg.MaxVersions}, nil

	case StrategyCustom:
		path := strings.NewReplacer(
			"{session_id}", c.opts.SessionID,
			"{timestamp}", now.Format(stampLayout),
		).Replace(cfg.CustomPath)
		return path, nil, nil
	}
	return "", nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
}

// nextStamp returns a backup timestamp that is strictly after the previous
// one and does not collide with an existing file, so rapid saves keep
// distinct, chronologically sorted names.
func (c *Controller) nextStamp(dir, base, ext string, now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	stamp := now.Truncate(time.Second)
	if !c.lastStamp.IsZero() && !stamp.After(c.lastStamp) {
		stamp = c.lastStamp.Add(time.Second)
	}
	for {
		name := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", base, stamp.Format(stampLayout), ext))
		if _, err := os.Stat(name); err != nil {
			break
		}
		stamp = stamp.Add(time.Second)
	}
	c.lastStamp = stamp
	return stamp
}

// Status is a snapshot of the policy and save counters.
type Status struct {
	Enabled         bool       `json:"enabled"`
	Mode            Mode       `json:"mode"`
	Strategy        Strategy   `json:"strategy"`
	IntervalSeconds float64    `json:"interval_seconds"`
	BackupDir       string     `json:"backup_dir"`
	CustomPath      string     `json:"custom_path,omitempty"`
	MaxBackups      int        `json:"max_backups"`
	MaxVersions     int        `json:"max_versions"`
	Format          string     `json:"format"`
	LastSaveAt      *time.Time `json:"last_save_at,omitempty"`
	LastSavePath    string     `json:"last_save_path,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`
	SaveCount       int        `json:"save_count"`
	FailureCount    int        `json:"failure_count"`
	SkippedTicks    int        `json:"skipped_ticks"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
}

// Status reports the current policy and counters.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Enabled:         c.cfg.Active(),
		Mode:            c.cfg.Mode,
		Strategy:        c.cfg.Strategy,
		IntervalSeconds: c.cfg.Interval.Seconds(),
		BackupDir:       c.cfg.BackupDir,
		CustomPath:      c.cfg.CustomPath,
		MaxBackups:      c.cfg.MaxBackups,
		MaxVersions:     c.cfg.MaxVersions,
		Format:          string(c.cfg.Format),
		LastSavePath:    c.lastPath,
		LastError:       c.lastErr,
		SaveCount:       c.saves,
		FailureCount:    c.failures,
		SkippedTicks:    c.skipped,
	}
	if !c.lastSaveAt.IsZero() {
		t := c.lastSaveAt
		s.LastSaveAt = &t
	}
	if c.lastErr != "" {
		t := c.lastErrAt
		s.LastErrorAt = &t
	}
	if c.scheduled {
		if next := c.opts.Scheduler.Next(c.job); !next.IsZero() {
			s.NextRunAt = &next
		}
	}
	return s
}
