package pause

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher caches the pause file's flag and refreshes it on filesystem events,
// so Paused never touches the disk.
type Watcher struct {
	path    string
	paused  atomic.Bool
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	done    chan struct{}
}

// NewWatcher watches the directory containing path. The directory must exist.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger.Named("pause"),
		done:    make(chan struct{}),
	}
	w.paused.Store(readFlag(path))
	return w, nil
}

// Paused implements Control
func (w *Watcher) Paused() bool {
	return w.paused.Load()
}

// Run processes filesystem events until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	defer w.watcher.Close()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			paused := readFlag(w.path)
			if w.paused.Swap(paused) != paused {
				w.logger.Info("pause state changed", zap.Bool("paused", paused))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pause watcher error", zap.Error(err))
		}
	}
}

// Done is closed once Run has returned
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
