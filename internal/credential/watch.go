package credential

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/kiautoagent/orchestrator/internal/logging"
)

// WatchEnv watches envPath for changes and invokes onChange after each
// reload, so credential rotation does not require a server restart. It runs
// until ctx is cancelled.
func WatchEnv(ctx context.Context, envPath string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(envPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := LoadEnv(envPath); err != nil {
					logging.Warn().Err(err).Msg("failed to reload credential env file")
					continue
				}
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn().Err(err).Msg("credential env watcher error")
			}
		}
	}()

	return nil
}
