package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tobert/csvedit-mcp/internal/apperr"
	"github.com/tobert/csvedit-mcp/internal/autosave"
	"github.com/tobert/csvedit-mcp/internal/history"
	"github.com/tobert/csvedit-mcp/internal/metrics"
	"github.com/tobert/csvedit-mcp/internal/storage"
	"github.com/tobert/csvedit-mcp/internal/table"
)

const (
	DefaultTTL           = 60 * time.Minute
	DefaultMaxSessions   = 100
	DefaultSweepInterval = time.Minute
	DefaultCloseTimeout  = 5 * time.Second
)

// Config holds the registry limits and the defaults for new sessions.
type Config struct {
	TTL           time.Duration
	MaxSessions   int
	SweepInterval time.Duration
	CloseTimeout  time.Duration
	// HistoryWindow is the number of dataset states each history retains.
	HistoryWindow int
	// MaxHistoryRecords caps listed records per session; 0 is unlimited.
	MaxHistoryRecords int
	// PeriodicLockWait bounds how long a periodic save waits for a busy session.
	PeriodicLockWait time.Duration
	AutoSave         autosave.Config
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              DefaultTTL,
		MaxSessions:      DefaultMaxSessions,
		SweepInterval:    DefaultSweepInterval,
		CloseTimeout:     DefaultCloseTimeout,
		HistoryWindow:    history.DefaultWindow,
		PeriodicLockWait: autosave.DefaultLockWait,
		AutoSave:         autosave.DefaultConfig(),
	}
}

// Options carries the registry's collaborators. All are optional.
type Options struct {
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Activity  *storage.ActivityLog
	Store     *Store
	Scheduler *autosave.Scheduler
	Now       func() time.Time
}

// Registry is the set of live sessions.
type Registry struct {
	opts  Options
	log   zerolog.Logger
	store *Store
	sched *autosave.Scheduler

	mu       sync.RWMutex
	cfg      Config
	sessions map[string]*Session

	sweepJob autosave.JobID
	started  bool
}

// NewRegistry creates a registry. Start begins the background sweep.
func NewRegistry(cfg Config, opts Options) (*Registry, error) {
	cfg, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = storage.NewSnapshotStore[*table.Dataset]()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = autosave.NewScheduler(opts.Logger)
	}
	return &Registry{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "registry").Logger(),
		store:    opts.Store,
		sched:    opts.Scheduler,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}, nil
}

func (c Config) validate() (Config, error) {
	if c.TTL < 0 {
		return c, apperr.ErrInvalidConfig.WithDetails("ttl must not be negative")
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = history.DefaultWindow
	}
	if c.PeriodicLockWait <= 0 {
		c.PeriodicLockWait = autosave.DefaultLockWait
	}
	as, err := c.AutoSave.Validate()
	if err != nil {
		return c, err
	}
	c.AutoSave = as
	return c, nil
}

// Start schedules the expiry sweep and starts the shared scheduler.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.sweepJob = r.sched.Every(r.cfg.SweepInterval, func() {
		if n := r.Sweep(context.Background()); n > 0 {
			r.log.Info().Int("expired", n).Msg("expired sessions swept")
		}
	})
	r.sched.Start()
}

// Store returns the snapshot store shared by all sessions.
func (r *Registry) Store() *Store { return r.store }

// Scheduler returns the scheduler running periodic saves and the sweep.
func (r *Registry) Scheduler() *autosave.Scheduler { return r.sched }

// Activity returns the activity log, which may be nil.
func (r *Registry) Activity() *storage.ActivityLog { return r.opts.Activity }

// Config returns the current limits and defaults.
func (r *Registry) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// SetDefaults replaces the TTL and auto-save policy used by sessions
// created from now on. Existing sessions keep theirs.
func (r *Registry) SetDefaults(ttl time.Duration, as autosave.Config) error {
	next := r.Config()
	next.TTL = ttl
	next.AutoSave = as
	valid, err := next.validate()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cfg.TTL = valid.TTL
	r.cfg.AutoSave = valid.AutoSave
	r.mu.Unlock()
	r.log.Info().Dur("ttl", valid.TTL).Str("auto_save_mode", string(valid.AutoSave.Mode)).Msg("session defaults updated")
	return nil
}

// Create loads src and registers a new session for it.
func (r *Registry) Create(ctx context.Context, src table.Source) (*Session, error) {
	ds, err := table.Load(ctx, src)
	if err != nil {
		return nil, apperr.ErrInvalidOperation.WithCause(err)
	}
	return r.CreateFromDataset(ctx, ds, src)
}

// CreateFromDataset registers a new session around an existing dataset.
func (r *Registry) CreateFromDataset(ctx context.Context, ds *table.Dataset, src table.Source) (*Session, error) {
	if ds == nil {
		return nil, apperr.ErrInvalidOperation.WithDetails("no dataset")
	}
	cfg := r.Config()

	id := uuid.NewString()
	now := r.opts.Now()
	s := &Session{
		id:        id,
		createdAt: now,
		ttl:       cfg.TTL,
		source:    src,
		now:       r.opts.Now,
		sem:       semaphore.NewWeighted(1),
		store:     r.store,
		activity:  r.opts.Activity,
		metrics:   r.opts.Metrics,
		log:       r.opts.Logger.With().Str("session", id).Logger(),
	}
	s.touch()

	base := r.store.Put(ds)
	hist, err := history.New(r.store, base, history.Options{
		Window:     cfg.HistoryWindow,
		MaxRecords: cfg.MaxHistoryRecords,
		Label:      id,
		Now:        r.opts.Now,
	})
	if err != nil {
		_, _ = r.store.Release(base)
		return nil, err
	}
	s.hist = hist
	s.currentID = base
	s.current.Store(ds)

	saver, err := autosave.New(cfg.AutoSave, autosave.Options{
		SessionID:  id,
		SourcePath: src.Path,
		Scheduler:  r.sched,
		Host:       s,
		LockWait:   cfg.PeriodicLockWait,
		Logger:     r.opts.Logger,
		OnSave:     r.onSave,
		OnSkip:     r.onSkip,
	})
	if err != nil {
		hist.Close()
		_, _ = r.store.Release(base)
		return nil, err
	}
	s.saver = saver

	r.insert(ctx, s, cfg.MaxSessions)

	r.opts.Metrics.SessionOpened()
	r.opts.Activity.Record(storage.EventSessionCreated, id, src.Describe())
	r.log.Info().
		Str("session", id).
		Str("source", src.Describe()).
		Int("rows", ds.NumRows()).
		Int("columns", ds.NumColumns()).
		Msg("session created")
	return s, nil
}

func (r *Registry) onSave(sessionID string, strategy autosave.Strategy, res *autosave.Result, err error) {
	r.opts.Metrics.Save(string(strategy), err)
	if err != nil {
		r.opts.Activity.Record(storage.EventSaveFailed, sessionID, err.Error())
		return
	}
	r.opts.Activity.Record(storage.EventSave, sessionID, res.Path)
}

func (r *Registry) onSkip(sessionID string) {
	r.opts.Metrics.SaveSkipped()
	r.opts.Activity.Record(storage.EventSaveSkipped, sessionID, "session busy")
}

// insert adds s, first evicting least recently accessed sessions until
// there is room. Capacity is checked under the same lock as the insert.
func (r *Registry) insert(ctx context.Context, s *Session, maxSessions int) {
	for {
		r.mu.Lock()
		if len(r.sessions) < maxSessions {
			r.sessions[s.id] = s
			r.mu.Unlock()
			return
		}
		var oldest *Session
		for _, other := range r.sessions {
			if oldest == nil || other.LastAccessed().Before(oldest.LastAccessed()) {
				oldest = other
			}
		}
		r.mu.Unlock()

		r.log.Info().Str("session", oldest.id).Int("max_sessions", maxSessions).Msg("evicting least recently used session")
		// A concurrent insert may already have evicted it; check again either way.
		r.remove(ctx, oldest.id, storage.EventSessionEvicted, "evicted")
	}
}

// Get returns a live session and refreshes its last access time.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.ErrSessionNotFound.WithDetails("session %s", id)
	}
	if s.expired(r.opts.Now()) {
		return nil, apperr.ErrSessionExpired.WithDetails("session %s idle for more than %s", id, s.ttl)
	}
	s.touch()
	return s, nil
}

// Close removes a session, saving it one last time when auto-save is on.
func (r *Registry) Close(ctx context.Context, id string) error {
	if !r.remove(ctx, id, storage.EventSessionClosed, "closed") {
		return apperr.ErrSessionNotFound.WithDetails("session %s", id)
	}
	return nil
}

// remove takes the session out of the map and shuts it down. It reports
// whether the session was present.
func (r *Registry) remove(ctx context.Context, id string, event storage.EventType, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	timeout := r.cfg.CloseTimeout
	r.mu.Unlock()
	if !ok {
		return false
	}

	if deadline, has := ctx.Deadline(); has {
		timeout = min(timeout, time.Until(deadline))
	}
	s.shutdown(timeout)

	r.opts.Metrics.SessionClosed(reason)
	r.opts.Activity.Record(event, id, reason)
	r.log.Info().Str("session", id).Str("reason", reason).Msg("session removed")
	return true
}

// Sweep closes every expired session and returns how many it closed.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.opts.Now()
	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range expired {
		if r.remove(ctx, id, storage.EventSessionExpired, "expired") {
			n++
		}
	}
	return n
}

// List describes every session, oldest first, without taking session locks.
// Expired sessions still awaiting the sweep are left out.
func (r *Registry) List() []Info {
	now := r.opts.Now()
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.expired(now) {
			out = append(out, s.Info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered sessions, including expired ones
// not yet swept.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown closes every session in parallel and stops the scheduler.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	if r.started {
		r.sched.Cancel(r.sweepJob)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			r.remove(gctx, id, storage.EventSessionClosed, "shutdown")
			return nil
		})
	}
	_ = g.Wait()

	if err := r.sched.Stop(ctx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	r.log.Info().Int("closed", len(ids)).Msg("registry shut down")
	return nil
}
