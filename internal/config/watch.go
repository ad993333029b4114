package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher emits merged configs when the overrides file changes on disk.
type Watcher struct {
	updates chan *Config
	done    chan struct{}
	once    sync.Once
	fsw     *fsnotify.Watcher
}

func (w *Watcher) Updates() <-chan *Config { return w.updates }

func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.fsw != nil {
			w.fsw.Close()
		}
	})
}

// LoadAndWatch reads the environment, applies the overrides file if one
// is configured, and returns the effective config plus a Watcher whose
// channel delivers reloads. Without an overrides file the Watcher is
// inert.
func LoadAndWatch(log *zap.SugaredLogger) (*Config, *Watcher, error) {
	base, err := FromEnv()
	if err != nil {
		return nil, nil, err
	}

	w := &Watcher{
		updates: make(chan *Config, 1),
		done:    make(chan struct{}),
	}
	if base.OverridesFile == "" {
		return base, w, nil
	}

	cfg, err := loadMerged(base, base.OverridesFile)
	if err != nil {
		return nil, nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(base.OverridesFile); err != nil {
		fsw.Close()
		return nil, nil, fmt.Errorf("watch overrides file: %w", err)
	}
	w.fsw = fsw

	go func() {
		// debounce rapid saves
		var debounce <-chan time.Time
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					debounce = time.After(200 * time.Millisecond)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnw("fsnotify error", "err", err)
			case <-debounce:
				debounce = nil
				newCfg, err := loadMerged(base, base.OverridesFile)
				if err != nil {
					log.Warnw("overrides reload failed, keeping old config", "err", err)
					continue
				}
				// non-blocking send; drop if nobody is consuming fast enough
				select {
				case w.updates <- newCfg:
				default:
				}
			}
		}
	}()

	return cfg, w, nil
}

func loadMerged(base *Config, path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overrides: %w", err)
	}
	return applyOverrides(base, raw)
}
