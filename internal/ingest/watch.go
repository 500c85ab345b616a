package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"local-qa-bot/internal/parser"
)

const DefaultDebounce = 500 * time.Millisecond

// Watch calls fn after relevant changes under dir have been quiet for
// debounce. It blocks until ctx is done. Errors from fn are logged and the
// watch keeps going.
func Watch(ctx context.Context, dir string, extensions []string, debounce time.Duration, fn func(context.Context) error) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addTree(watcher, dir); err != nil {
		return err
	}
	log.Info().Str("dir", dir).Dur("debounce", debounce).Msg("Watching for changes")

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(watcher, event.Name); err != nil {
						log.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !relevant(event, extensions) {
				continue
			}
			log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Context changed")
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-timer.C:
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Msg("Re-ingestion failed")
			}
		}
	}
}

// relevant reports whether event touches a supported, non-hidden file.
func relevant(event fsnotify.Event, extensions []string) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return parser.HasExtension(event.Name, extensions)
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
