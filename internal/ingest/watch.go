package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// publishers rewrite the whole file, so wait for writes to settle
const settleDelay = 100 * time.Millisecond

// WatchSDP calls apply with the new tracks every time the file at path is
// rewritten with a valid description. It blocks until ctx is cancelled.
func WatchSDP(ctx context.Context, path string, apply func([]Track)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create sdp watcher: %w", err)
	}
	defer watcher.Close()

	// the directory is watched so replace-by-rename is seen too
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	var pending <-chan time.Time
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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(settleDelay)
			}
		case <-pending:
			pending = nil
			tracks, err := LoadSDP(target)
			if err != nil {
				log.WithError(err).WithField("path", target).Warn("ignoring sdp change")
				continue
			}
			log.WithField("path", target).Infof("sdp reloaded with %d tracks", len(tracks))
			apply(tracks)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("sdp watcher error")
		}
	}
}
