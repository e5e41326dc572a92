package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Applier receives a freshly loaded rule set.
type Applier interface {
	ApplyRules(ctx context.Context, f *File) error
}

// Reloader watches a rules file and re-applies it when its content changes.
type Reloader struct {
	path    string
	applier Applier
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	// Debounce is the quiet period after the last write before reloading.
	Debounce time.Duration

	mu       sync.Mutex
	lastHash string
}

// NewReloader watches the directory holding path, so editors that replace
// the file through a rename are still seen.
func NewReloader(path string, applier Applier, logger *zap.Logger) (*Reloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Reloader{
		path:     path,
		applier:  applier,
		logger:   logger.With(zap.String("rules_file", path)),
		watcher:  watcher,
		Debounce: 500 * time.Millisecond,
	}, nil
}

// Reload loads the file and applies it when the hash changed.
// It reports whether a new rule set was applied.
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	f, hash, err := LoadFileWithHash(r.path)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	unchanged := hash == r.lastHash
	r.mu.Unlock()
	if unchanged {
		return false, nil
	}
	if err := r.applier.ApplyRules(ctx, f); err != nil {
		return false, fmt.Errorf("apply rules: %w", err)
	}
	r.mu.Lock()
	r.lastHash = hash
	r.mu.Unlock()
	r.logger.Info("rules reloaded",
		zap.String("hash", hash),
		zap.Int("rules", len(f.Rules)),
		zap.Int("chains", len(f.Chains)))
	return true, nil
}

// Run watches for changes until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	target := filepath.Clean(r.path)
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(r.Debounce, func() {
					if _, err := r.Reload(ctx); err != nil {
						r.logger.Error("rules hot-reload failed", zap.Error(err))
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}
