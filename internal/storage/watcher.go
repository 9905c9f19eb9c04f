package storage

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/guildworks/guildcore/internal/cache"
	"github.com/guildworks/guildcore/internal/common"
)

// collectionWatcher invalidates cached reads when a collection file changes
// on disk outside the process, so hand edits to the data directory show up
// without waiting for the cache TTL.
type collectionWatcher struct {
	watcher *fsnotify.Watcher
	cache   *cache.Cache
	logger  *common.Logger
	done    chan struct{}
}

func newCollectionWatcher(dir string, c *cache.Cache, logger *common.Logger) (*collectionWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &collectionWatcher{
		watcher: fw,
		cache:   c,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *collectionWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			collection, ok := collectionFromPath(event.Name)
			if !ok {
				continue
			}
			w.logger.Debug().
				Str("collection", collection).
				Str("op", event.Op.String()).
				Msg("collection file changed on disk, invalidating cache")
			w.cache.InvalidateCollection(collection)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// collectionFromPath maps a data-dir file path back to its collection name.
// Dot-prefixed files are the atomic-write temporaries and are ignored.
func collectionFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

func (w *collectionWatcher) Close() {
	_ = w.watcher.Close()
	<-w.done
}
