package classifier

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"emberwatch/internal/logger"
)

// Watch reloads the model whenever path is written or replaced, until ctx is
// cancelled. A failed reload is logged and the previous backend stays active.
//
// The parent directory is watched rather than the file so that a model that
// does not exist yet, or one replaced by an atomic rename, is still picked up.
func Watch(ctx context.Context, path string, c *Classifier) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	log := logger.WithComponent("classifier")
	log.Info().Str("path", path).Msg("watching model file for changes")

	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := c.Reload(path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("model reload failed, keeping previous model")
				continue
			}
			log.Info().Str("path", path).Msg("model reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("model watcher error")
		}
	}
}
