package mirror

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch runs SyncOnce on every burst of local filesystem activity and
// at least every interval, until ctx is cancelled. Events are
// debounced so an editor's save dance triggers one cycle, not five.
func (s *Syncer) Watch(ctx context.Context, interval, debounce time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := s.watchTree(watcher); err != nil {
		return err
	}

	if err := s.SyncOnce(ctx); err != nil {
		s.log.Error("sync failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-watcher.Events:
			if s.ignoreEvent(event) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			pending = time.After(debounce)
		case err := <-watcher.Errors:
			s.log.Warn("watcher error", "err", err)
		case <-pending:
			pending = nil
			if err := s.SyncOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.log.Error("sync failed", "err", err)
			}
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.log.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Syncer) watchTree(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(s.localRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (s *Syncer) ignoreEvent(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	if event.Name == s.stateFile || base == filepath.Base(s.stateFile) {
		return true
	}
	// Atomic-write temp files churn constantly.
	return strings.HasPrefix(base, ".") && strings.Contains(base, ".tmp-")
}
