package store

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 250 * time.Millisecond

// Watch calls onChange with the keys whose files were written, created or
// removed, coalescing bursts of events (a token bundle write touches several
// files). It stops when ctx is done. Changes made by this process are
// reported too; callers compare against what they expect.
func (s *FileStore) Watch(
	ctx context.Context,
	log zerolog.Logger,
	onChange func([]Key),
) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return storageErr("store.watch", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return storageErr("store.watch", err)
	}

	changed := make(chan Key)
	go scheduleNotify(ctx, changed, onChange)
	go handleWatcher(ctx, watcher, changed, log)
	return nil
}

func handleWatcher(
	ctx context.Context,
	watcher *fsnotify.Watcher,
	changed chan<- Key,
	log zerolog.Logger,
) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write | fsnotify.Remove | fsnotify.Create | fsnotify.Rename) {
				continue
			}
			key, ok := keyForFile(event.Name)
			if !ok {
				continue
			}
			select {
			case changed <- key:
			case <-ctx.Done():
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("credential store watcher error")
		}
	}
}

func scheduleNotify(
	ctx context.Context,
	changed <-chan Key,
	onChange func([]Key),
) {
	var timer *time.Timer
	var c <-chan time.Time
	pending := make(map[Key]struct{})
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case key := <-changed:
			pending[key] = struct{}{}
			if timer != nil {
				timer.Reset(watchDebounce)
			} else {
				timer = time.NewTimer(watchDebounce)
				c = timer.C
			}

		case <-c:
			c = nil
			timer = nil
			keys := make([]Key, 0, len(pending))
			for _, k := range Keys() {
				if _, ok := pending[k]; ok {
					keys = append(keys, k)
				}
			}
			clear(pending)
			onChange(keys)
		}
	}
}
