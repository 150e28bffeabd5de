package config

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchAgent monitors the agent config file and invokes onChange with
// the freshly loaded configuration. Only heartbeat interval and log
// level are applied live; everything else needs a restart.
func WatchAgent(ctx context.Context, path string, log zerolog.Logger, onChange func(*Agent)) {
	if path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("config watcher unavailable")
		return
	}
	if err := watcher.Add(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watch failed")
		watcher.Close()
		return
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
				// Editors often write in two steps; let the file settle.
				time.Sleep(100 * time.Millisecond)
				cfg, err := LoadAgent(path)
				if err != nil {
					log.Warn().Err(err).Msg("config reload skipped")
					continue
				}
				log.Info().Str("path", path).Msg("config reloaded")
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
}
