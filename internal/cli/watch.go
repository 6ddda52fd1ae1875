package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 250 * time.Millisecond

// ConfigWatcher calls a reload function when any of a set of config files
// changes. Parent directories are watched rather than the files themselves,
// so atomic replace-by-rename saves are seen too.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	files   map[string]struct{}
	reload  func()
	log     zerolog.Logger

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewConfigWatcher watches paths. Files that do not exist yet are watched
// through their directory when the directory exists.
func NewConfigWatcher(paths []string, reload func(), logger zerolog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	cw := &ConfigWatcher{
		watcher: watcher,
		files:   make(map[string]struct{}),
		reload:  reload,
		log:     logger.With().Str("component", "config").Logger(),
	}

	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		cw.files[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			cw.log.Warn().Err(err).Str("dir", dir).Msg("could not watch config directory")
		}
	}

	return cw, nil
}

// Start runs the watch loop until ctx is cancelled or Close is called.
func (cw *ConfigWatcher) Start(ctx context.Context) {
	ctx, cw.stop = context.WithCancel(ctx)
	cw.wg.Add(1)
	go cw.watchLoop(ctx)
}

// Close stops the watch loop and releases the watcher.
func (cw *ConfigWatcher) Close() error {
	if cw.stop != nil {
		cw.stop()
	}
	err := cw.watcher.Close()
	cw.wg.Wait()
	return err
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	defer cw.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if _, watched := cw.files[filepath.Clean(event.Name)]; !watched {
				continue
			}
			cw.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("config file changed")
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
