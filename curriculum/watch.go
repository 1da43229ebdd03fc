package curriculum

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"salescoachdev/logger"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the store whenever its file changes, until ctx is cancelled. The parent
// directory is watched so editors that save by rename are picked up. onReload, if set,
// is called after every reload attempt with its result. Watch blocks.
func (s *Store) Watch(ctx context.Context, log *logger.LogMiddleware, onReload func(error)) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	target := filepath.Clean(s.path)
	log.Logger(ctx).Info("[Curriculum] Watching for changes", zap.String("path", target))

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce.Reset(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Logger(ctx).Error("[Curriculum] Watcher error", zap.Error(err))

		case <-debounce.C:
			err := s.Reload()
			if err != nil {
				log.Logger(ctx).Error("[Curriculum] Reload failed, keeping previous curriculum", zap.Error(err))
			} else {
				log.Logger(ctx).Info("[Curriculum] Reloaded",
					zap.Int("techniques", len(s.Current().Techniques)),
					zap.Int("version", s.Current().Version))
			}
			if onReload != nil {
				onReload(err)
			}
		}
	}
}
