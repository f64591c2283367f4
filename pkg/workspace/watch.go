package workspace

import (
	"context"
	"time"

	"github.com/boardwalk/boardwalk/pkg/clock"
	"github.com/fsnotify/fsnotify"
)

// WaitReleased blocks while the workspace is locally caught. It re-checks the
// catch marker every interval and whenever the workspace directory changes.
// It returns ctx.Err() if ctx ends first.
func (w *Workspace) WaitReleased(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	if !w.Caught() {
		return nil
	}

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Debug().Err(err).Msg("Catch watcher unavailable, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(w.path); err != nil {
			w.logger.Debug().Err(err).Msg("Failed to watch workspace directory, polling only")
		} else {
			events = watcher.Events
		}
	}

	for w.Caught() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(interval):
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Workspace directory changed")
		}
	}
	return nil
}
