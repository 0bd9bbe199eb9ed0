package hostsfile

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

// Watch calls onChange whenever the hosts file is written, created,
// renamed or removed. It blocks until ctx is done.
func (h *Hostsfile) Watch(ctx context.Context, onChange func()) error {
	if h.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, editors and config management replace the file.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("failed to watch hosts file directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !h.isRelevantEvent(event) {
				continue
			}

			zlog.Debug("Hosts file event", "event", event.String())
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			zlog.Error("Hosts file watcher error", "error", err.Error())
		}
	}
}

func (h *Hostsfile) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}

	return event.Name == h.path || filepath.Base(event.Name) == filepath.Base(h.path)
}
